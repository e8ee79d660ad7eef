package rental

import (
	"encoding/json"
	"time"
)

const (
	EventBookingBatchCompleted = "BookingBatchCompleted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "rental-cart-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // cart storage key
	Payload       json.RawMessage `json:"payload"`
}

type BookingBatchCompletedPayload struct {
	BatchID           string       `json:"batch_id"`
	CartKey           string       `json:"cart_key"`
	Mode              Mode         `json:"mode"`
	ContextID         string       `json:"context_id,omitempty"`
	ClientID          int64        `json:"client_id"`
	CreatedCount      int          `json:"created_count"`
	FailedCount       int          `json:"failed_count"`
	CreatedBookingIDs []string     `json:"created_booking_ids"`
	FailedItems       []FailedItem `json:"failed_items,omitempty"`
}
