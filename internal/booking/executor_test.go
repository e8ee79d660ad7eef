package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/availability"
	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	kafkax "github.com/ariefcatur/go-rental-cart/internal/kafka"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu    sync.Mutex
	busy  map[rental.EquipmentID]bool
	errs  map[rental.EquipmentID]error
	calls []rental.EquipmentID
}

func (f *fakeChecker) CheckItem(_ context.Context, li rental.LineItem, def rental.DateRange) (rental.AvailabilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, li.EquipmentID)
	if err := f.errs[li.EquipmentID]; err != nil {
		return rental.AvailabilityResult{}, err
	}
	res := rental.AvailabilityResult{EquipmentID: li.EquipmentID, Range: li.EffectiveRange(def), IsAvailable: !f.busy[li.EquipmentID]}
	if f.busy[li.EquipmentID] {
		res.Conflicts = []rental.Conflict{{StartDate: def.Start, EndDate: def.End, ProjectName: "Other shoot"}}
	}
	return res, nil
}

type fakeCreator struct {
	mu       sync.Mutex
	errs     map[rental.EquipmentID]error
	requests []backend.BookingRequest
	next     int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeCreator) CreateBooking(_ context.Context, req backend.BookingRequest) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	id := rental.EquipmentID(fmt.Sprint(req.EquipmentID))
	if err := f.errs[id]; err != nil {
		return "", err
	}
	f.next++
	return fmt.Sprintf("B%d", f.next), nil
}

type fakePublisher struct {
	envs []rental.Envelope
}

func (f *fakePublisher) PublishEnvelope(_ []byte, env rental.Envelope) { f.envs = append(f.envs, env) }

func projectCart(t *testing.T) *cart.Store {
	t.Helper()
	c, err := cart.New(rental.ModeProjectEmbedded, "42", cart.Options{})
	require.NoError(t, err)
	r, err := rental.ParseDateRange("2025-01-01", "2025-01-05")
	require.NoError(t, err)
	require.NoError(t, c.SetDefaultDateRange(r))
	return c
}

func addN(t *testing.T, c *cart.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := c.AddItem(rental.Equipment{ID: rental.EquipmentID(fmt.Sprint(i)), DailyRate: 10}, 1, nil, rental.SourceBulkSelect)
		require.NoError(t, err)
	}
}

func TestExecute_preconditions(t *testing.T) {
	ex := &Executor{Checker: &fakeChecker{}, Creator: &fakeCreator{}}
	ctx := context.Background()

	c := projectCart(t)
	_, err := ex.Execute(ctx, c, 7)
	assert.True(t, errors.Is(err, rental.ErrEmptyCart))

	addN(t, c, 1)
	_, err = ex.Execute(ctx, c, 0)
	assert.True(t, errors.Is(err, rental.ErrClientRequired))

	noDates, _ := cart.New(rental.ModeCatalogFloating, "", cart.Options{})
	addN(t, noDates, 1)
	_, err = ex.Execute(ctx, noDates, 7)
	assert.True(t, errors.Is(err, rental.ErrNoDateRange))
}

func TestExecute_allSucceedClearsCart(t *testing.T) {
	c := projectCart(t)
	_, err := c.AddItem(rental.Equipment{ID: "E1"}, 2, nil, rental.SourceManualSearch)
	require.NoError(t, err)
	_, err = c.AddItem(rental.Equipment{ID: "E1"}, 1, nil, rental.SourceScanner)
	require.NoError(t, err)
	ov, _ := rental.ParseDateRange("2025-01-02", "2025-01-03")
	require.NoError(t, c.SetDateOverride("E1", &ov))

	cr := &fakeCreator{}
	pub := &fakePublisher{}
	ex := &Executor{Checker: &fakeChecker{}, Creator: cr, Publisher: pub, ServiceName: "test"}

	res, err := ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Equal(t, []string{"B1"}, res.CreatedBookingIDs)
	assert.True(t, c.IsEmpty())

	require.Len(t, cr.requests, 1)
	req := cr.requests[0]
	assert.Equal(t, int64(7), req.ClientID)
	assert.Equal(t, 3, req.Quantity)
	assert.Equal(t, "2025-01-02", req.StartDate.String())
	assert.Equal(t, "2025-01-03", req.EndDate.String())

	require.Len(t, pub.envs, 1)
	p, err := kafkax.UnwrapPayload[rental.BookingBatchCompletedPayload](pub.envs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, p.BatchID)
	assert.Equal(t, "rental_cart_project-embedded_42", p.CartKey)
}

func TestExecute_partialFailureKeepsFailedItems(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 10)

	ch := &fakeChecker{
		busy: map[rental.EquipmentID]bool{"3": true},
		errs: map[rental.EquipmentID]error{"5": fmt.Errorf("%w: dial", availability.ErrUnknown)},
	}
	cr := &fakeCreator{errs: map[rental.EquipmentID]error{
		"7": &backend.StatusError{Status: 409, Kind: backend.ErrConflict},
		"9": &backend.StatusError{Status: 422, Kind: backend.ErrValidation},
	}}
	ex := &Executor{Checker: ch, Creator: cr, Concurrency: 3}

	res, err := ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 6, res.CreatedCount)
	assert.Equal(t, 4, res.FailedCount)
	assert.Len(t, res.CreatedBookingIDs, 6)

	reasons := map[rental.EquipmentID]rental.FailureReason{}
	for _, f := range res.FailedItems {
		reasons[f.EquipmentID] = f.Reason
	}
	assert.Equal(t, map[rental.EquipmentID]rental.FailureReason{
		"3": rental.ReasonAvailabilityConflict,
		"5": rental.ReasonNetworkError,
		"7": rental.ReasonAvailabilityConflict,
		"9": rental.ReasonValidationError,
	}, reasons)

	left := c.Items()
	ids := make([]rental.EquipmentID, 0, len(left))
	for _, li := range left {
		ids = append(ids, li.EquipmentID)
	}
	assert.Equal(t, []rental.EquipmentID{"3", "5", "7", "9"}, ids)
	assert.Contains(t, res.Summary(), "created 6 of 10 bookings; 4 failed")
}

func TestExecute_boundedConcurrency(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 20)
	cr := &fakeCreator{delay: 5 * time.Millisecond}
	ex := &Executor{Checker: &fakeChecker{}, Creator: cr, Concurrency: 3}

	res, err := ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 20, res.CreatedCount)
	assert.LessOrEqual(t, cr.peak.Load(), int32(3))
	assert.Greater(t, cr.peak.Load(), int32(1))
}

func TestExecute_manualOverrideSkipsPrecheck(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 1)
	require.NoError(t, c.SetManualOverride("1", true))
	ch := &fakeChecker{errs: map[rental.EquipmentID]error{"1": availability.ErrUnknown}}
	ex := &Executor{Checker: ch, Creator: &fakeCreator{}}

	res, err := ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
	assert.Empty(t, ch.calls)
}

func TestExecute_backendConflictOverridesPositiveCheck(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 1)
	cr := &fakeCreator{errs: map[rental.EquipmentID]error{"1": &backend.StatusError{Status: 409, Kind: backend.ErrConflict}}}
	ex := &Executor{Checker: &fakeChecker{}, Creator: cr}

	res, err := ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	require.Len(t, res.FailedItems, 1)
	assert.Equal(t, rental.ReasonAvailabilityConflict, res.FailedItems[0].Reason)
	assert.Equal(t, 1, c.TotalLineItems())
}

func TestExecute_cancelledContextFailsAsNetwork(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := &Executor{Checker: &fakeChecker{}, Creator: &fakeCreator{}}

	res, err := ex.Execute(ctx, c, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
	for _, f := range res.FailedItems {
		assert.Equal(t, rental.ReasonNetworkError, f.Reason)
	}
	assert.Equal(t, 2, c.TotalLineItems())
}

func TestExecute_equipmentAddModeBooks(t *testing.T) {
	c, err := cart.New(rental.ModeEquipmentAdd, "42", cart.Options{})
	require.NoError(t, err)
	r, _ := rental.ParseDateRange("2025-01-01", "2025-01-02")
	require.NoError(t, c.SetDefaultDateRange(r))
	addN(t, c, 1)

	cr := &fakeCreator{}
	res, err := (&Executor{Checker: &fakeChecker{}, Creator: cr}).Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
	require.Len(t, cr.requests, 1)
	assert.Equal(t, int64(42), cr.requests[0].ProjectID)
}

func TestExecute_projectEmbeddedSendsNoProject(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 1)
	cr := &fakeCreator{}
	_, err := (&Executor{Checker: &fakeChecker{}, Creator: cr}).Execute(context.Background(), c, 7)
	require.NoError(t, err)
	require.Len(t, cr.requests, 1)
	assert.Nil(t, cr.requests[0].ProjectID)
}

type gatedCreator struct {
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (g *gatedCreator) CreateBooking(context.Context, backend.BookingRequest) (string, error) {
	n := g.calls.Add(1)
	if n == 1 {
		close(g.entered)
		<-g.gate
	}
	return fmt.Sprintf("B%d", n), nil
}

func TestExecute_secondConcurrentCheckoutRejected(t *testing.T) {
	c := projectCart(t)
	addN(t, c, 1)
	cr := &gatedCreator{entered: make(chan struct{}), gate: make(chan struct{})}
	ex := &Executor{Checker: &fakeChecker{}, Creator: cr}

	first := make(chan rental.BatchResult, 1)
	go func() {
		res, err := ex.Execute(context.Background(), c, 7)
		assert.NoError(t, err)
		first <- res
	}()
	<-cr.entered

	_, err := ex.Execute(context.Background(), c, 7)
	assert.True(t, errors.Is(err, rental.ErrCheckoutInProgress))

	close(cr.gate)
	res := <-first
	assert.Equal(t, 1, res.CreatedCount)
	assert.Equal(t, int32(1), cr.calls.Load())
	assert.True(t, c.IsEmpty())

	// released after the batch settles
	addN(t, c, 1)
	res, err = ex.Execute(context.Background(), c, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want rental.FailureReason
	}{
		{&backend.StatusError{Status: 409, Kind: backend.ErrConflict}, rental.ReasonAvailabilityConflict},
		{&backend.StatusError{Status: 400, Kind: backend.ErrValidation}, rental.ReasonValidationError},
		{&backend.StatusError{Status: 404, Kind: backend.ErrNotFound}, rental.ReasonValidationError},
		{&backend.StatusError{Status: 503}, rental.ReasonNetworkError},
		{&backend.NetworkError{Op: "x", Err: errors.New("reset")}, rental.ReasonNetworkError},
		{context.DeadlineExceeded, rental.ReasonNetworkError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "%v", tt.err)
	}
}
