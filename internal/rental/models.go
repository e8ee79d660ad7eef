package rental

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EquipmentID is backend-assigned and opaque. The backend sends integers,
// the UI sometimes strings; both decode to the same value.
type EquipmentID string

func (id *EquipmentID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EquipmentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("equipment id: %w", err)
	}
	*id = EquipmentID(n.String())
	return nil
}

func (id EquipmentID) String() string { return string(id) }

// Int returns the numeric form used by the booking endpoint.
func (id EquipmentID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

type Equipment struct {
	ID           EquipmentID `json:"id"`
	Name         string      `json:"name"`
	Barcode      string      `json:"barcode"`
	SerialNumber *string     `json:"serial_number"`
	Category     string      `json:"category_name,omitempty"`
	DailyRate    float64     `json:"daily_rate,omitempty"`
}

func (e Equipment) Serialized() bool {
	return e.SerialNumber != nil && *e.SerialNumber != ""
}

type Source string

const (
	SourceManualSearch Source = "manual-search"
	SourceScanner      Source = "scanner"
	SourceBulkSelect   Source = "bulk-select"
)

type LineItem struct {
	EquipmentID  EquipmentID `json:"equipment_id"`
	Name         string      `json:"name"`
	Barcode      string      `json:"barcode"`
	SerialNumber *string     `json:"serial_number"`
	Category     string      `json:"category"`
	DailyRate    float64     `json:"daily_rate"`
	Quantity     int         `json:"quantity"`
	DateOverride *DateRange  `json:"date_override,omitempty"`

	// ManualOverride lets the item be committed without a fresh availability verdict.
	ManualOverride bool      `json:"manual_override,omitempty"`
	AddedAt        time.Time `json:"added_at"`
	Source         Source    `json:"source"`
}

func (li LineItem) Serialized() bool {
	return li.SerialNumber != nil && *li.SerialNumber != ""
}

// EffectiveRange returns the override when present, else def.
func (li LineItem) EffectiveRange(def DateRange) DateRange {
	if li.DateOverride != nil {
		return *li.DateOverride
	}
	return def
}

// TotalAmount = daily rate × rented days × quantity, rounded to cents.
func (li LineItem) TotalAmount(r DateRange) float64 {
	cents := int64(li.DailyRate*100+0.5) * int64(r.Days()) * int64(li.Quantity)
	return float64(cents) / 100
}

func NewLineItem(eq Equipment, qty int, override *DateRange, src Source, at time.Time) LineItem {
	return LineItem{
		EquipmentID:  eq.ID,
		Name:         eq.Name,
		Barcode:      eq.Barcode,
		SerialNumber: eq.SerialNumber,
		Category:     eq.Category,
		DailyRate:    eq.DailyRate,
		Quantity:     qty,
		DateOverride: override,
		AddedAt:      at,
		Source:       src,
	}
}

type Conflict struct {
	StartDate   Date   `json:"start_date"`
	EndDate     Date   `json:"end_date"`
	ProjectName string `json:"project_name,omitempty"`
	ClientName  string `json:"client_name,omitempty"`
}

// AvailabilityResult is a point-in-time answer and is never persisted.
type AvailabilityResult struct {
	EquipmentID EquipmentID `json:"equipment_id"`
	Range       DateRange   `json:"date_range"`
	IsAvailable bool        `json:"is_available"`
	Conflicts   []Conflict  `json:"conflicts"`
}

type FailureReason string

const (
	ReasonAvailabilityConflict FailureReason = "AvailabilityConflict"
	ReasonValidationError      FailureReason = "ValidationError"
	ReasonNetworkError         FailureReason = "NetworkError"
)

type FailedItem struct {
	EquipmentID EquipmentID   `json:"equipment_id"`
	Reason      FailureReason `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
}

type BatchResult struct {
	BatchID           string       `json:"batch_id"`
	CreatedCount      int          `json:"created_count"`
	FailedCount       int          `json:"failed_count"`
	CreatedBookingIDs []string     `json:"created_booking_ids"`
	FailedItems       []FailedItem `json:"failed_items"`
}

// Summary is the line shown to the operator after a commit.
func (r BatchResult) Summary() string {
	total := r.CreatedCount + r.FailedCount
	if r.FailedCount == 0 {
		return fmt.Sprintf("created %d of %d bookings", r.CreatedCount, total)
	}
	return fmt.Sprintf("created %d of %d bookings; %d failed", r.CreatedCount, total, r.FailedCount)
}

type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Pages int `json:"pages"`
	Page  int `json:"page"`
}
