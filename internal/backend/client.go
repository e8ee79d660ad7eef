package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/google/uuid"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type availabilityResp struct {
	IsAvailable bool              `json:"is_available"`
	Conflicts   []rental.Conflict `json:"conflicts"`
}

type BookingRequest struct {
	ClientID    int64       `json:"client_id"`
	EquipmentID any         `json:"equipment_id"`
	StartDate   rental.Date `json:"start_date"`
	EndDate     rental.Date `json:"end_date"`
	Quantity    int         `json:"quantity"`
	TotalAmount float64     `json:"total_amount"`

	// ProjectID is set for lines added to an existing project.
	ProjectID any `json:"project_id,omitempty"`

	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// NewBookingRequest numbers the equipment id when the backend key is numeric.
func NewBookingRequest(clientID int64, li rental.LineItem, r rental.DateRange) BookingRequest {
	return BookingRequest{
		ClientID:       clientID,
		EquipmentID:    FlexID(li.EquipmentID.String()),
		StartDate:      r.Start,
		EndDate:        r.End,
		Quantity:       li.Quantity,
		TotalAmount:    li.TotalAmount(r),
		IdempotencyKey: uuid.NewString(),
	}
}

// FlexID sends numeric ids as JSON numbers and anything else as a string.
func FlexID(id string) any {
	if n, ok := rental.EquipmentID(id).Int(); ok {
		return n
	}
	return id
}

type Booking struct {
	ID bookingID `json:"id"`
}

type bookingID string

func (b *bookingID) UnmarshalJSON(p []byte) error {
	var id rental.EquipmentID
	if err := id.UnmarshalJSON(p); err != nil {
		return err
	}
	*b = bookingID(id)
	return nil
}

type SearchQuery struct {
	Query      string
	CategoryID int64
	Page       int
	Size       int
}

// LookupBarcode resolves a scanned token. ErrNotFound when nothing matches.
func (c *Client) LookupBarcode(ctx context.Context, barcode string) (rental.Equipment, error) {
	var eq rental.Equipment
	err := c.do(ctx, "lookup barcode", http.MethodGet, "/equipment/barcode/"+url.PathEscape(barcode), nil, nil, &eq)
	return eq, err
}

func (c *Client) CheckAvailability(ctx context.Context, id rental.EquipmentID, r rental.DateRange) (rental.AvailabilityResult, error) {
	q := url.Values{}
	q.Set("start_date", r.Start.String())
	q.Set("end_date", r.End.String())
	path := "/equipment/" + url.PathEscape(id.String()) + "/availability?" + q.Encode()

	var resp availabilityResp
	if err := c.do(ctx, "check availability", http.MethodGet, path, nil, nil, &resp); err != nil {
		return rental.AvailabilityResult{}, err
	}
	return rental.AvailabilityResult{
		EquipmentID: id,
		Range:       r,
		IsAvailable: resp.IsAvailable,
		Conflicts:   resp.Conflicts,
	}, nil
}

func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (string, error) {
	var hdr http.Header
	if req.IdempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var b Booking
	if err := c.do(ctx, "create booking", http.MethodPost, "/bookings", req, hdr, &b); err != nil {
		return "", err
	}
	return string(b.ID), nil
}

func (c *Client) SearchEquipment(ctx context.Context, sq SearchQuery) (rental.Page[rental.Equipment], error) {
	q := url.Values{}
	if sq.Query != "" {
		q.Set("query", sq.Query)
	}
	if sq.CategoryID > 0 {
		q.Set("category_id", strconv.FormatInt(sq.CategoryID, 10))
	}
	if sq.Page < 1 {
		sq.Page = 1
	}
	q.Set("page", strconv.Itoa(sq.Page))
	if sq.Size > 0 {
		q.Set("size", strconv.Itoa(sq.Size))
	}

	var page rental.Page[rental.Equipment]
	err := c.do(ctx, "search equipment", http.MethodGet, "/equipment/paginated?"+q.Encode(), nil, nil, &page)
	return page, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Detail: detail(raw), Kind: classify(resp.StatusCode)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

func classify(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	default:
		return nil
	}
}

// detail pulls "detail" (FastAPI style) or "error" out of an error body.
func detail(raw []byte) string {
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		for _, k := range []string{"detail", "error", "message"} {
			if v, ok := m[k]; ok {
				if s, ok := v.(string); ok {
					return s
				}
				b, _ := json.Marshal(v)
				return string(b)
			}
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
