package cart

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
)

// MemoryPersister keeps encoded snapshots in process. Used in dev and tests.
type MemoryPersister struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	prefix string
	expiry time.Duration
	now    func() time.Time
}

func NewMemoryPersister(prefix string, expiry time.Duration) *MemoryPersister {
	return &MemoryPersister{
		blobs:  make(map[string][]byte),
		prefix: prefix,
		expiry: expiry,
		now:    time.Now,
	}
}

// SetClock swaps the time source.
func (m *MemoryPersister) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryPersister) Save(_ context.Context, s Snapshot) error {
	if s.SavedAt.IsZero() {
		s.SavedAt = m.now()
	}
	b, err := MarshalSnapshot(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[rental.StorageKey(m.prefix, s.Mode, s.ContextID)] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) Load(_ context.Context, mode rental.Mode, contextID string) (*Snapshot, error) {
	m.mu.Lock()
	b, ok := m.blobs[rental.StorageKey(m.prefix, mode, contextID)]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	s, err := UnmarshalSnapshot(b)
	if err != nil {
		return nil, nil
	}
	if Expired(s, m.now(), m.expiry) {
		return nil, nil
	}
	return s, nil
}

// Put stores raw bytes under key.
func (m *MemoryPersister) Put(key string, raw []byte) {
	m.mu.Lock()
	m.blobs[key] = raw
	m.mu.Unlock()
}

func (m *MemoryPersister) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	return b, ok
}
