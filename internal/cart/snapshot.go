package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
)

// DefaultExpiry is how long an untouched snapshot stays loadable.
const DefaultExpiry = 7 * 24 * time.Hour

// Snapshot is the persisted form of a cart.
type Snapshot struct {
	Mode         rental.Mode       `json:"mode"`
	ContextID    string            `json:"context_id,omitempty"`
	Items        []rental.LineItem `json:"items"`
	DefaultRange *rental.DateRange `json:"default_date_range,omitempty"`
	SavedAt      time.Time         `json:"saved_at"`
}

// Persister mirrors carts to durable storage. Load returns (nil, nil) for an
// absent, expired or unreadable snapshot.
type Persister interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, mode rental.Mode, contextID string) (*Snapshot, error)
}

func MarshalSnapshot(s Snapshot) ([]byte, error) {
	if s.Items == nil {
		s.Items = []rental.LineItem{}
	}
	return json.Marshal(s)
}

func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.SavedAt.IsZero() {
		return nil, fmt.Errorf("decode snapshot: missing saved_at")
	}
	return &s, nil
}

// Expired reports whether s was saved longer than window before now.
func Expired(s *Snapshot, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultExpiry
	}
	return now.Sub(s.SavedAt) > window
}
