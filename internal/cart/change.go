package cart

import (
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
)

type ChangeKind string

const (
	ChangeAdded        ChangeKind = "added"
	ChangeMerged       ChangeKind = "merged"
	ChangeRemoved      ChangeKind = "removed"
	ChangeQuantity     ChangeKind = "quantity"
	ChangeDates        ChangeKind = "dates"
	ChangeDefaultDates ChangeKind = "default-dates"
	ChangeOverride     ChangeKind = "override"
	ChangeCleared      ChangeKind = "cleared"
	ChangeRestored     ChangeKind = "restored"
)

// Change is delivered to subscribers after every mutation.
type Change struct {
	Kind        ChangeKind         `json:"kind"`
	EquipmentID rental.EquipmentID `json:"equipment_id,omitempty"`
	Source      rental.Source      `json:"source,omitempty"`
	LineItems   int                `json:"line_items"`
	At          time.Time          `json:"at"`
}

// Subscribe registers fn for change notifications and returns its cancel func.
// fn runs synchronously on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(ch Change) {
	s.subsMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}
