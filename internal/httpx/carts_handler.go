package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/postgres"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/ariefcatur/go-rental-cart/internal/scanner"
	"github.com/ariefcatur/go-rental-cart/internal/selection"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Checker interface {
	CheckItem(ctx context.Context, li rental.LineItem, def rental.DateRange) (rental.AvailabilityResult, error)
}

type BatchExecutor interface {
	Execute(ctx context.Context, c *cart.Store, clientID int64) (rental.BatchResult, error)
}

// BatchHistory lists recorded batches for a cart key.
type BatchHistory interface {
	RecentBatches(ctx context.Context, cartKey string, limit int) ([]postgres.BatchSummary, error)
}

type CartsHandler struct {
	Carts    *Registry
	Checker  Checker
	Executor BatchExecutor
	Lookup   selection.Lookup
	Catalog  selection.Catalog
	PageSize int
	History  BatchHistory // optional
	Log      *zap.Logger
}

const cartPath = "/carts/{mode}/{contextID}"

func (h *CartsHandler) Register(r chi.Router) {
	r.Get("/catalog", h.searchCatalog)

	r.Get(cartPath, h.getCart)
	r.Delete(cartPath, h.clearCart)
	r.Put(cartPath+"/dates", h.setDefaultDates)
	r.Post(cartPath+"/items", h.addItems)
	r.Post(cartPath+"/scan", h.scan)
	r.Delete(cartPath+"/items/{id}", h.removeItem)
	r.Put(cartPath+"/items/{id}/quantity", h.setQuantity)
	r.Put(cartPath+"/items/{id}/dates", h.setItemDates)
	r.Put(cartPath+"/items/{id}/override", h.setOverride)
	r.Get(cartPath+"/items/{id}/availability", h.checkAvailability)
	r.Post(cartPath+"/checkout", h.checkout)
	if h.History != nil {
		r.Get(cartPath+"/batches", h.listBatches)
	}
}

type lineView struct {
	rental.LineItem
	EffectiveRange *rental.DateRange `json:"effective_range,omitempty"`
	TotalAmount    *float64          `json:"total_amount,omitempty"`
}

type CartView struct {
	Key              string            `json:"key"`
	Mode             rental.Mode       `json:"mode"`
	ContextID        string            `json:"context_id,omitempty"`
	DefaultDateRange *rental.DateRange `json:"default_date_range"`
	Items            []lineView        `json:"items"`
	ItemCount        int               `json:"item_count"`
	LineItems        int               `json:"line_items"`
	Capacity         int               `json:"capacity"`
	LastModifiedAt   *time.Time        `json:"last_modified_at,omitempty"`
}

func viewOf(c *cart.Store) CartView {
	v := CartView{
		Key:       c.Key(),
		Mode:      c.Mode(),
		ContextID: c.ContextID(),
		Items:     []lineView{},
		ItemCount: c.ItemCount(),
		LineItems: c.TotalLineItems(),
		Capacity:  c.Capacity(),
	}
	def, hasDef := c.DefaultDateRange()
	if hasDef {
		v.DefaultDateRange = &def
	}
	for _, li := range c.Items() {
		lv := lineView{LineItem: li}
		if hasDef || li.DateOverride != nil {
			r := li.EffectiveRange(def)
			amt := li.TotalAmount(r)
			lv.EffectiveRange, lv.TotalAmount = &r, &amt
		}
		v.Items = append(v.Items, lv)
	}
	if t := c.LastModifiedAt(); !t.IsZero() {
		v.LastModifiedAt = &t
	}
	return v
}

func (h *CartsHandler) log() *zap.Logger { return logx.OrNop(h.Log) }

func (h *CartsHandler) cart(w http.ResponseWriter, r *http.Request) (*cart.Store, bool) {
	mode, err := rental.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	c, err := h.Carts.Get(r.Context(), mode, chi.URLParam(r, "contextID"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

func itemID(r *http.Request) rental.EquipmentID {
	return rental.EquipmentID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func (h *CartsHandler) getCart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (h *CartsHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	c.Clear()
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (h *CartsHandler) setDefaultDates(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req rental.DateRange
	if !decode(w, r, &req) {
		return
	}
	if err := c.SetDefaultDateRange(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

type AddItemsReq struct {
	Equipment *rental.Equipment `json:"equipment"`
	Quantity  int               `json:"quantity"`
	StartDate rental.Date       `json:"start_date"`
	EndDate   rental.Date       `json:"end_date"`
	// Bulk adds every row with quantity 1; the fields above are ignored.
	Bulk []rental.Equipment `json:"bulk"`
}

type bulkRow struct {
	EquipmentID rental.EquipmentID `json:"equipment_id"`
	Added       bool               `json:"added"`
	Error       string             `json:"error,omitempty"`
}

func (h *CartsHandler) addItems(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req AddItemsReq
	if !decode(w, r, &req) {
		return
	}

	if len(req.Bulk) > 0 {
		res := selection.BulkSelect(c, req.Bulk)
		rows := make([]bulkRow, 0, len(res))
		for _, ar := range res {
			row := bulkRow{EquipmentID: ar.EquipmentID, Added: ar.Err == nil}
			if ar.Err != nil {
				row.Error = ar.Err.Error()
			}
			rows = append(rows, row)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": rows, "cart": viewOf(c)})
		return
	}

	if req.Equipment == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing equipment"})
		return
	}
	var override *rental.DateRange
	if !req.StartDate.IsZero() || !req.EndDate.IsZero() {
		override = &rental.DateRange{Start: req.StartDate, End: req.EndDate}
	}
	li, err := selection.Select(c, *req.Equipment, req.Quantity, override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, li)
}

type ScanReq struct {
	Token string `json:"token"`
}

func (h *CartsHandler) scan(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req ScanReq
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	in := &selection.ScanIntake{Lookup: h.Lookup, Cart: c, Log: h.Log}
	n := in.Handle(ctx, scanner.Token{Value: req.Token, At: time.Now()})
	code := http.StatusOK
	switch n.Kind {
	case selection.NoticeAdded:
		code = http.StatusCreated
	case selection.NoticeNotFound:
		code = http.StatusNotFound
	case selection.NoticeRejected:
		code = http.StatusConflict
	case selection.NoticeError:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, n)
}

func (h *CartsHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	removed := c.RemoveItem(itemID(r))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "cart": viewOf(c)})
}

type QuantityReq struct {
	Quantity int `json:"quantity"`
}

func (h *CartsHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req QuantityReq
	if !decode(w, r, &req) {
		return
	}
	if err := c.SetQuantity(itemID(r), req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// setItemDates clears the override when both dates are empty.
func (h *CartsHandler) setItemDates(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req rental.DateRange
	if !decode(w, r, &req) {
		return
	}
	var override *rental.DateRange
	if !req.IsZero() {
		override = &req
	}
	if err := c.SetDateOverride(itemID(r), override); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

type OverrideReq struct {
	ManualOverride bool `json:"manual_override"`
}

func (h *CartsHandler) setOverride(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req OverrideReq
	if !decode(w, r, &req) {
		return
	}
	if err := c.SetManualOverride(itemID(r), req.ManualOverride); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (h *CartsHandler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	id := itemID(r)
	li, found := c.Item(id)
	if !found {
		writeError(w, rental.NewCartErrorf(rental.ErrItemNotFound, "%s", id))
		return
	}
	rng, err := c.EffectiveRange(id)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checker.CheckItem(ctx, li, rng)
	if err != nil {
		h.log().Warn("availability check failed", zap.String("equipment_id", id.String()), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type CheckoutReq struct {
	ClientID int64 `json:"client_id"`
}

type CheckoutResp struct {
	rental.BatchResult
	Summary string   `json:"summary"`
	Cart    CartView `json:"cart"`
}

func (h *CartsHandler) checkout(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	var req CheckoutReq
	if !decode(w, r, &req) {
		return
	}

	// the batch outlives the request timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()

	res, err := h.Executor.Execute(ctx, c, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if res.FailedCount > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, CheckoutResp{BatchResult: res, Summary: res.Summary(), Cart: viewOf(c)})
}

func (h *CartsHandler) searchCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := backend.SearchQuery{Query: q.Get("query"), Size: h.PageSize}
	if v, err := strconv.ParseInt(q.Get("category_id"), 10, 64); err == nil {
		sq.CategoryID = v
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		sq.Page = v
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil && v > 0 {
		sq.Size = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	page, err := h.Catalog.SearchEquipment(ctx, sq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *CartsHandler) listBatches(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cart(w, r)
	if !ok {
		return
	}
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bs, err := h.History.RecentBatches(ctx, c.Key(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if bs == nil {
		bs = []postgres.BatchSummary{}
	}
	writeJSON(w, http.StatusOK, bs)
}
