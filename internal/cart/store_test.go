package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func fungible(id string) rental.Equipment {
	return rental.Equipment{ID: rental.EquipmentID(id), Name: "Sandbag " + id, Barcode: "BC" + id, DailyRate: 2}
}

func serialized(id string) rental.Equipment {
	return rental.Equipment{ID: rental.EquipmentID(id), Name: "Camera " + id, Barcode: "BC" + id, SerialNumber: strp("SN-" + id)}
}

func rng(t *testing.T, start, end string) rental.DateRange {
	t.Helper()
	r, err := rental.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(rental.ModeProjectEmbedded, "42", opts)
	require.NoError(t, err)
	return s
}

func TestNew_projectModeRequiresContext(t *testing.T) {
	_, err := New(rental.ModeProjectEmbedded, "", Options{})
	assert.True(t, errors.Is(err, rental.ErrContextRequired))

	s, err := New(rental.ModeCatalogFloating, "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "rental_cart_catalog-floating_global", s.Key())
}

func TestAddItem_mergesFungibleQuantity(t *testing.T) {
	s := newStore(t, Options{})

	_, err := s.AddItem(fungible("E1"), 2, nil, rental.SourceManualSearch)
	require.NoError(t, err)
	li, err := s.AddItem(fungible("E1"), 1, nil, rental.SourceScanner)
	require.NoError(t, err)

	assert.Equal(t, 3, li.Quantity)
	assert.Equal(t, 1, s.TotalLineItems())
	assert.Equal(t, 3, s.ItemCount())
	// provenance stays with the first add
	assert.Equal(t, rental.SourceManualSearch, li.Source)
}

func TestAddItem_uniquenessAcrossManyAdds(t *testing.T) {
	s := newStore(t, Options{})
	for i := 0; i < 10; i++ {
		_, err := s.AddItem(fungible("E1"), 1, nil, rental.SourceScanner)
		require.NoError(t, err)
		_, err = s.AddItem(serialized("S1"), 1, nil, rental.SourceScanner)
		if i == 0 {
			require.NoError(t, err)
		} else {
			assert.True(t, errors.Is(err, rental.ErrSerializedQuantityConflict))
		}
	}
	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, 10, items[0].Quantity)
	assert.Equal(t, 1, items[1].Quantity)
}

func TestAddItem_rejectsBadInput(t *testing.T) {
	s := newStore(t, Options{})

	_, err := s.AddItem(fungible("E1"), 0, nil, rental.SourceManualSearch)
	assert.True(t, errors.Is(err, rental.ErrInvalidQuantity))

	_, err = s.AddItem(serialized("S1"), 2, nil, rental.SourceManualSearch)
	assert.True(t, errors.Is(err, rental.ErrInvalidQuantity))

	bad := rental.DateRange{Start: rental.MustDate("2025-02-02"), End: rental.MustDate("2025-02-01")}
	_, err = s.AddItem(fungible("E1"), 1, &bad, rental.SourceManualSearch)
	assert.True(t, errors.Is(err, rental.ErrInvalidDateRange))

	_, err = s.AddItem(rental.Equipment{Name: "no id"}, 1, nil, rental.SourceManualSearch)
	assert.True(t, errors.Is(err, rental.ErrInvalidEquipment))

	assert.True(t, s.IsEmpty())
}

func TestAddItem_capacity(t *testing.T) {
	s := newStore(t, Options{Capacity: 3})
	for i := 0; i < 3; i++ {
		_, err := s.AddItem(fungible(fmt.Sprintf("E%d", i)), 1, nil, rental.SourceBulkSelect)
		require.NoError(t, err)
	}

	_, err := s.AddItem(fungible("E9"), 1, nil, rental.SourceBulkSelect)
	assert.True(t, errors.Is(err, rental.ErrCapacityExceeded))
	assert.Equal(t, 3, s.TotalLineItems())

	// merging into an existing row is not a new row
	_, err = s.AddItem(fungible("E0"), 1, nil, rental.SourceBulkSelect)
	assert.NoError(t, err)
}

func TestAddMany_independentResults(t *testing.T) {
	s := newStore(t, Options{Capacity: 2})
	res := s.AddMany([]rental.Equipment{serialized("S1"), serialized("S1"), fungible("E1"), fungible("E2")}, rental.SourceBulkSelect)

	require.Len(t, res, 4)
	assert.NoError(t, res[0].Err)
	assert.True(t, errors.Is(res[1].Err, rental.ErrSerializedQuantityConflict))
	assert.NoError(t, res[2].Err)
	assert.True(t, errors.Is(res[3].Err, rental.ErrCapacityExceeded))
}

func TestRemoveItem_idempotent(t *testing.T) {
	s := newStore(t, Options{})
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	_, _ = s.AddItem(fungible("E2"), 1, nil, rental.SourceManualSearch)

	assert.True(t, s.RemoveItem("E1"))
	before := s.Snapshot()
	assert.False(t, s.RemoveItem("E1"))
	assert.Equal(t, before, s.Snapshot())
	assert.False(t, s.RemoveItem("missing"))
}

func TestSetQuantity(t *testing.T) {
	s := newStore(t, Options{})
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	_, _ = s.AddItem(serialized("S1"), 1, nil, rental.SourceScanner)

	require.NoError(t, s.SetQuantity("E1", 5))
	li, _ := s.Item("E1")
	assert.Equal(t, 5, li.Quantity)

	assert.True(t, errors.Is(s.SetQuantity("E1", 0), rental.ErrInvalidQuantity))
	assert.True(t, errors.Is(s.SetQuantity("E1", -3), rental.ErrInvalidQuantity))
	assert.True(t, errors.Is(s.SetQuantity("nope", 2), rental.ErrItemNotFound))

	for _, q := range []int{0, 2, 3, 100} {
		assert.True(t, errors.Is(s.SetQuantity("S1", q), rental.ErrInvalidQuantity), "qty %d", q)
	}
	assert.NoError(t, s.SetQuantity("S1", 1))
}

func TestSetDateOverride(t *testing.T) {
	s := newStore(t, Options{})
	def := rng(t, "2025-01-01", "2025-01-05")
	require.NoError(t, s.SetDefaultDateRange(def))
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)

	ov := rng(t, "2025-01-02", "2025-01-03")
	require.NoError(t, s.SetDateOverride("E1", &ov))
	got, err := s.EffectiveRange("E1")
	require.NoError(t, err)
	assert.Equal(t, ov, got)
	d, ok := s.DefaultDateRange()
	assert.True(t, ok)
	assert.Equal(t, def, d)

	bad := rental.DateRange{Start: rental.MustDate("2025-01-09"), End: rental.MustDate("2025-01-03")}
	assert.True(t, errors.Is(s.SetDateOverride("E1", &bad), rental.ErrInvalidDateRange))

	require.NoError(t, s.SetDateOverride("E1", nil))
	got, _ = s.EffectiveRange("E1")
	assert.Equal(t, def, got)
}

func TestEffectiveRange_withoutDefault(t *testing.T) {
	s := newStore(t, Options{})
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	_, err := s.EffectiveRange("E1")
	assert.True(t, errors.Is(err, rental.ErrNoDateRange))
}

func TestClear_writesEmptySnapshot(t *testing.T) {
	p := NewMemoryPersister("rental_cart", DefaultExpiry)
	s := newStore(t, Options{Persister: p})
	require.NoError(t, s.SetDefaultDateRange(rng(t, "2025-01-01", "2025-01-05")))
	_, _ = s.AddItem(fungible("E1"), 2, nil, rental.SourceManualSearch)
	s.Flush()

	s.Clear()
	s.Flush()

	raw, ok := p.Raw(s.Key())
	require.True(t, ok, "key must survive clear")
	snap, err := UnmarshalSnapshot(raw)
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.NotNil(t, snap.DefaultRange)
	assert.True(t, s.IsEmpty())
}

func TestOpen_roundTrip(t *testing.T) {
	p := NewMemoryPersister("rental_cart", DefaultExpiry)
	s := newStore(t, Options{Persister: p})
	require.NoError(t, s.SetDefaultDateRange(rng(t, "2025-01-01", "2025-01-05")))
	_, _ = s.AddItem(fungible("E1"), 2, nil, rental.SourceManualSearch)
	ov := rng(t, "2025-01-02", "2025-01-03")
	_, _ = s.AddItem(serialized("S1"), 1, &ov, rental.SourceScanner)
	s.Flush()

	again, err := Open(context.Background(), rental.ModeProjectEmbedded, "42", Options{Persister: p})
	require.NoError(t, err)

	want, got := s.Items(), again.Items()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].EquipmentID, got[i].EquipmentID)
		assert.Equal(t, want[i].Quantity, got[i].Quantity)
		assert.Equal(t, want[i].DateOverride, got[i].DateOverride)
		assert.Equal(t, want[i].SerialNumber, got[i].SerialNumber)
	}
	wd, _ := s.DefaultDateRange()
	gd, _ := again.DefaultDateRange()
	assert.Equal(t, wd, gd)
}

func TestOpen_expiredSnapshotStartsEmpty(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewMemoryPersister("rental_cart", 7*24*time.Hour)
	p.SetClock(func() time.Time { return now })

	s := newStore(t, Options{Persister: p, Now: func() time.Time { return now.Add(-8 * 24 * time.Hour) }})
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	s.Flush()

	snap, err := p.Load(context.Background(), rental.ModeProjectEmbedded, "42")
	require.NoError(t, err)
	assert.Nil(t, snap)

	again, err := Open(context.Background(), rental.ModeProjectEmbedded, "42", Options{Persister: p})
	require.NoError(t, err)
	assert.True(t, again.IsEmpty())
}

func TestOpen_corruptSnapshotStartsEmpty(t *testing.T) {
	p := NewMemoryPersister("rental_cart", DefaultExpiry)
	p.Put(rental.StorageKey("rental_cart", rental.ModeProjectEmbedded, "42"), []byte("{not json"))

	s, err := Open(context.Background(), rental.ModeProjectEmbedded, "42", Options{Persister: p})
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
}

func TestOpen_dropsInvalidRows(t *testing.T) {
	p := NewMemoryPersister("rental_cart", DefaultExpiry)
	require.NoError(t, p.Save(context.Background(), Snapshot{
		Mode:      rental.ModeProjectEmbedded,
		ContextID: "42",
		SavedAt:   time.Now(),
		Items: []rental.LineItem{
			{EquipmentID: "E1", Quantity: 2},
			{EquipmentID: "E1", Quantity: 4},
			{EquipmentID: "E2", Quantity: 0},
			{EquipmentID: "S1", Quantity: 3, SerialNumber: strp("SN")},
		},
	}))

	s, err := Open(context.Background(), rental.ModeProjectEmbedded, "42", Options{Persister: p})
	require.NoError(t, err)
	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 1, items[1].Quantity)
}

type failingPersister struct{ calls int }

func (f *failingPersister) Save(context.Context, Snapshot) error {
	f.calls++
	return errors.New("quota exceeded")
}

func (f *failingPersister) Load(context.Context, rental.Mode, string) (*Snapshot, error) {
	return nil, errors.New("storage offline")
}

func TestPersistenceFailure_keepsMemoryState(t *testing.T) {
	fp := &failingPersister{}
	s, err := Open(context.Background(), rental.ModeProjectEmbedded, "42", Options{Persister: fp})
	require.NoError(t, err)

	_, err = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	require.NoError(t, err)
	s.Flush()

	assert.Equal(t, 1, fp.calls)
	assert.Equal(t, 1, s.TotalLineItems())
}

type slowPersister struct {
	mu    sync.Mutex
	saved []int
}

func (p *slowPersister) Save(_ context.Context, s Snapshot) error {
	time.Sleep(time.Millisecond)
	p.mu.Lock()
	p.saved = append(p.saved, len(s.Items))
	p.mu.Unlock()
	return nil
}

func (p *slowPersister) Load(context.Context, rental.Mode, string) (*Snapshot, error) {
	return nil, nil
}

func TestPersistence_lastWriteIsLatestState(t *testing.T) {
	p := &slowPersister{}
	s := newStore(t, Options{Persister: p})
	for i := 0; i < 20; i++ {
		_, err := s.AddItem(fungible(fmt.Sprintf("E%d", i)), 1, nil, rental.SourceBulkSelect)
		require.NoError(t, err)
	}
	s.Flush()

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.saved)
	assert.Equal(t, 20, p.saved[len(p.saved)-1])
	for i := 1; i < len(p.saved); i++ {
		assert.Greater(t, p.saved[i], p.saved[i-1])
	}
}

func TestSubscribe(t *testing.T) {
	s := newStore(t, Options{})
	var got []ChangeKind
	unsub := s.Subscribe(func(c Change) { got = append(got, c.Kind) })

	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	_ = s.SetQuantity("E1", 4)
	s.RemoveItem("E1")
	s.RemoveItem("E1")
	s.Clear()
	unsub()
	_, _ = s.AddItem(fungible("E2"), 1, nil, rental.SourceManualSearch)

	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeMerged, ChangeQuantity, ChangeRemoved, ChangeCleared}, got)
}

func TestLastModifiedAt_advances(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newStore(t, Options{Now: func() time.Time { return now }})
	_, _ = s.AddItem(fungible("E1"), 1, nil, rental.SourceManualSearch)
	assert.Equal(t, now, s.LastModifiedAt())

	now = now.Add(time.Minute)
	s.Clear()
	assert.Equal(t, now, s.LastModifiedAt())
}

func TestScenario_projectCart(t *testing.T) {
	s := newStore(t, Options{})
	require.NoError(t, s.SetDefaultDateRange(rng(t, "2025-01-01", "2025-01-05")))

	li, err := s.AddItem(rental.Equipment{ID: "E1"}, 2, nil, rental.SourceManualSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, li.Quantity)

	li, err = s.AddItem(rental.Equipment{ID: "E1"}, 1, nil, rental.SourceScanner)
	require.NoError(t, err)
	assert.Equal(t, 3, li.Quantity)

	ov := rng(t, "2025-01-02", "2025-01-03")
	require.NoError(t, s.SetDateOverride("E1", &ov))
	got, _ := s.EffectiveRange("E1")
	assert.Equal(t, "2025-01-02..2025-01-03", got.String())
	def, _ := s.DefaultDateRange()
	assert.Equal(t, "2025-01-01..2025-01-05", def.String())
}
