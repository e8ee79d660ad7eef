package cart

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"go.uber.org/zap"
)

type Options struct {
	// Capacity caps distinct line items. Zero means the mode default.
	Capacity int

	KeyPrefix string
	Persister Persister
	Log       *zap.Logger
	Now       func() time.Time

	// SaveTimeout bounds one background persistence write.
	SaveTimeout time.Duration
}

// Store holds one cart. In-memory state is authoritative; every mutation is
// mirrored to the Persister in the background.
type Store struct {
	mu           sync.Mutex
	mode         rental.Mode
	contextID    string
	key          string
	capacity     int
	defaultRange rental.DateRange
	order        []rental.EquipmentID
	items        map[rental.EquipmentID]*rental.LineItem
	lastModified time.Time
	seq          uint64
	checkingOut  atomic.Bool

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	persister   Persister
	saveMu      sync.Mutex
	savedSeq    uint64
	saves       sync.WaitGroup
	saveTimeout time.Duration

	log *zap.Logger
	now func() time.Time
}

// New builds an empty cart for mode/contextID.
func New(mode rental.Mode, contextID string, opts Options) (*Store, error) {
	if err := rental.ValidateContext(mode, contextID); err != nil {
		return nil, err
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = mode.Policy().Capacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 3 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rental_cart"
	}
	return &Store{
		mode:        mode,
		contextID:   contextID,
		key:         rental.StorageKey(opts.KeyPrefix, mode, contextID),
		capacity:    capacity,
		items:       make(map[rental.EquipmentID]*rental.LineItem),
		subs:        make(map[int]func(Change)),
		persister:   opts.Persister,
		saveTimeout: opts.SaveTimeout,
		log:         logx.OrNop(opts.Log).With(zap.String("cart", rental.StorageKey(opts.KeyPrefix, mode, contextID))),
		now:         opts.Now,
	}, nil
}

// Open builds a cart and rehydrates it from the persister when a live snapshot exists.
// A failing load starts the cart empty.
func Open(ctx context.Context, mode rental.Mode, contextID string, opts Options) (*Store, error) {
	s, err := New(mode, contextID, opts)
	if err != nil {
		return nil, err
	}
	if s.persister == nil {
		return s, nil
	}
	snap, err := s.persister.Load(ctx, mode, contextID)
	if err != nil {
		s.log.Warn("load snapshot failed, starting empty", zap.Error(err))
		return s, nil
	}
	if snap != nil {
		s.restore(*snap)
	}
	return s, nil
}

// restore applies a snapshot, dropping rows that break cart invariants.
func (s *Store) restore(snap Snapshot) {
	s.mu.Lock()
	if snap.DefaultRange != nil && snap.DefaultRange.Validate() == nil {
		s.defaultRange = *snap.DefaultRange
	}
	dropped := 0
	for _, li := range snap.Items {
		if li.EquipmentID == "" || li.Quantity < 1 || len(s.order) >= s.capacity {
			dropped++
			continue
		}
		if _, dup := s.items[li.EquipmentID]; dup {
			dropped++
			continue
		}
		if li.DateOverride != nil && li.DateOverride.Validate() != nil {
			li.DateOverride = nil
		}
		if li.Serialized() {
			li.Quantity = 1
		}
		item := li
		s.items[li.EquipmentID] = &item
		s.order = append(s.order, li.EquipmentID)
	}
	s.lastModified = snap.SavedAt
	n := len(s.order)
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Warn("dropped invalid rows from snapshot", zap.Int("dropped", dropped))
	}
	s.notify(Change{Kind: ChangeRestored, LineItems: n, At: snap.SavedAt})
}

func (s *Store) Mode() rental.Mode { return s.mode }
func (s *Store) ContextID() string { return s.contextID }
func (s *Store) Key() string { return s.key }
func (s *Store) Capacity() int { return s.capacity }

// BeginCheckout reserves the cart for one batch commit. A second caller gets
// ErrCheckoutInProgress until release runs.
func (s *Store) BeginCheckout() (release func(), err error) {
	if !s.checkingOut.CompareAndSwap(false, true) {
		return nil, rental.NewCartErrorf(rental.ErrCheckoutInProgress, "%s", s.key)
	}
	var once sync.Once
	return func() { once.Do(func() { s.checkingOut.Store(false) }) }, nil
}

// AddItem inserts eq, or merges qty into an existing non-serialized row.
func (s *Store) AddItem(eq rental.Equipment, qty int, override *rental.DateRange, src rental.Source) (rental.LineItem, error) {
	if eq.ID == "" {
		return rental.LineItem{}, rental.NewCartError(rental.ErrInvalidEquipment, "")
	}
	if qty < 1 {
		return rental.LineItem{}, rental.NewCartErrorf(rental.ErrInvalidQuantity, "quantity %d must be at least 1", qty)
	}
	if override != nil {
		if err := override.Validate(); err != nil {
			return rental.LineItem{}, err
		}
		o := *override
		override = &o
	}

	s.mu.Lock()
	kind := ChangeAdded
	item, exists := s.items[eq.ID]
	switch {
	case exists && item.Serialized():
		s.mu.Unlock()
		return rental.LineItem{}, rental.NewCartErrorf(rental.ErrSerializedQuantityConflict, "%s (%s) is already in the cart", eq.Name, eq.ID)
	case exists:
		item.Quantity += qty
		if override != nil {
			item.DateOverride = override
		}
		kind = ChangeMerged
	default:
		if len(s.order) >= s.capacity {
			s.mu.Unlock()
			return rental.LineItem{}, rental.NewCartErrorf(rental.ErrCapacityExceeded, "cart holds at most %d items", s.capacity)
		}
		if eq.Serialized() && qty != 1 {
			s.mu.Unlock()
			return rental.LineItem{}, rental.NewCartErrorf(rental.ErrInvalidQuantity, "serialized item %s can only be booked once", eq.ID)
		}
		li := rental.NewLineItem(eq, qty, override, src, s.now())
		item = &li
		s.items[eq.ID] = item
		s.order = append(s.order, eq.ID)
	}
	out := *item
	ch, snap, seq := s.commitLocked(kind, eq.ID, src)
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return out, nil
}

// AddResult is the outcome of one row of a bulk add.
type AddResult struct {
	EquipmentID rental.EquipmentID
	Item        rental.LineItem
	Err         error
}

// AddMany adds each equipment with quantity 1. One failure does not stop the rest.
func (s *Store) AddMany(eqs []rental.Equipment, src rental.Source) []AddResult {
	out := make([]AddResult, 0, len(eqs))
	for _, eq := range eqs {
		li, err := s.AddItem(eq, 1, nil, src)
		out = append(out, AddResult{EquipmentID: eq.ID, Item: li, Err: err})
	}
	return out
}

// RemoveItem is idempotent: removing an absent id changes nothing.
func (s *Store) RemoveItem(id rental.EquipmentID) bool {
	s.mu.Lock()
	if !s.removeLocked(id) {
		s.mu.Unlock()
		return false
	}
	ch, snap, seq := s.commitLocked(ChangeRemoved, id, "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return true
}

// RemoveItems drops every listed id and returns how many were present.
func (s *Store) RemoveItems(ids []rental.EquipmentID) int {
	s.mu.Lock()
	n := 0
	for _, id := range ids {
		if s.removeLocked(id) {
			n++
		}
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	ch, snap, seq := s.commitLocked(ChangeRemoved, "", "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return n
}

func (s *Store) removeLocked(id rental.EquipmentID) bool {
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, x := range s.order {
		if x == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store) SetQuantity(id rental.EquipmentID, qty int) error {
	if qty < 1 {
		return rental.NewCartErrorf(rental.ErrInvalidQuantity, "quantity %d must be at least 1", qty)
	}
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return rental.NewCartErrorf(rental.ErrItemNotFound, "%s", id)
	}
	if item.Serialized() && qty != 1 {
		s.mu.Unlock()
		return rental.NewCartErrorf(rental.ErrInvalidQuantity, "serialized item %s is pinned to quantity 1", id)
	}
	item.Quantity = qty
	ch, snap, seq := s.commitLocked(ChangeQuantity, id, "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return nil
}

// SetDateOverride pins a date range on one item. nil reverts it to the cart default.
func (s *Store) SetDateOverride(id rental.EquipmentID, r *rental.DateRange) error {
	if r != nil {
		if err := r.Validate(); err != nil {
			return err
		}
		o := *r
		r = &o
	}
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return rental.NewCartErrorf(rental.ErrItemNotFound, "%s", id)
	}
	item.DateOverride = r
	ch, snap, seq := s.commitLocked(ChangeDates, id, "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return nil
}

// SetManualOverride lets the operator commit id without a fresh availability verdict.
func (s *Store) SetManualOverride(id rental.EquipmentID, on bool) error {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return rental.NewCartErrorf(rental.ErrItemNotFound, "%s", id)
	}
	item.ManualOverride = on
	ch, snap, seq := s.commitLocked(ChangeOverride, id, "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return nil
}

// SetDefaultDateRange sets the range items inherit. Project carts take it from the project.
func (s *Store) SetDefaultDateRange(r rental.DateRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.defaultRange = r
	ch, snap, seq := s.commitLocked(ChangeDefaultDates, "", "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
	return nil
}

// Clear empties the cart and writes an empty snapshot. The key itself is left
// for expiry, so a read right after Clear sees an empty cart.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[rental.EquipmentID]*rental.LineItem)
	s.order = nil
	ch, snap, seq := s.commitLocked(ChangeCleared, "", "")
	s.mu.Unlock()

	s.afterMutation(ch, snap, seq)
}

// ItemCount is the number of units across all rows.
func (s *Store) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		n += it.Quantity
	}
	return n
}

// TotalLineItems is the number of distinct rows.
func (s *Store) TotalLineItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) IsEmpty() bool { return s.TotalLineItems() == 0 }

// Items returns a copy of the rows in insertion order.
func (s *Store) Items() []rental.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked()
}

func (s *Store) itemsLocked() []rental.LineItem {
	out := make([]rental.LineItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

func (s *Store) Item(id rental.EquipmentID) (rental.LineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return rental.LineItem{}, false
	}
	return *it, true
}

func (s *Store) DefaultDateRange() (rental.DateRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultRange, !s.defaultRange.IsZero()
}

// EffectiveRange is the item's override, else the cart default.
func (s *Store) EffectiveRange(id rental.EquipmentID) (rental.DateRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return rental.DateRange{}, rental.NewCartErrorf(rental.ErrItemNotFound, "%s", id)
	}
	r := it.EffectiveRange(s.defaultRange)
	if r.IsZero() {
		return rental.DateRange{}, rental.ErrNoDateRange
	}
	return r, nil
}

func (s *Store) LastModifiedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Mode:      s.mode,
		ContextID: s.contextID,
		Items:     s.itemsLocked(),
		SavedAt:   s.lastModified,
	}
	if !s.defaultRange.IsZero() {
		r := s.defaultRange
		snap.DefaultRange = &r
	}
	return snap
}

// commitLocked stamps the mutation and captures what must happen after unlock.
func (s *Store) commitLocked(kind ChangeKind, id rental.EquipmentID, src rental.Source) (Change, Snapshot, uint64) {
	s.lastModified = s.now()
	s.seq++
	ch := Change{
		Kind:        kind,
		EquipmentID: id,
		Source:      src,
		LineItems:   len(s.order),
		At:          s.lastModified,
	}
	return ch, s.snapshotLocked(), s.seq
}

func (s *Store) afterMutation(ch Change, snap Snapshot, seq uint64) {
	s.persistAsync(snap, seq)
	s.notify(ch)
}

// persistAsync writes in the background. A write older than one already stored
// is skipped, so storage always converges on the latest state.
func (s *Store) persistAsync(snap Snapshot, seq uint64) {
	if s.persister == nil {
		return
	}
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		s.saveMu.Lock()
		defer s.saveMu.Unlock()
		if seq <= s.savedSeq {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.persister.Save(ctx, snap); err != nil {
			s.log.Warn("persist cart failed", zap.Uint64("seq", seq), zap.Error(err))
		}
		s.savedSeq = seq
	}()
}

// Flush waits for in-flight persistence writes.
func (s *Store) Flush() { s.saves.Wait() }
