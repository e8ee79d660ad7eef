package selection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultPageSize = 20
)

// ErrStale is returned for a search that finished after a newer one was issued.
var ErrStale = errors.New("search superseded")

type Catalog interface {
	SearchEquipment(ctx context.Context, q backend.SearchQuery) (rental.Page[rental.Equipment], error)
}

type Result struct {
	Seq   uint64
	Query backend.SearchQuery
	Page  rental.Page[rental.Equipment]
	Err   error
}

type SearchOptions struct {
	Debounce time.Duration
	PageSize int
	// OnResult receives every non-stale result, errors included.
	OnResult func(Result)
	Log      *zap.Logger
}

// Searcher debounces free-text input and keeps only the newest response.
type Searcher struct {
	cat      Catalog
	debounce time.Duration
	pageSize int
	onResult func(Result)
	log      *zap.Logger

	mu        sync.Mutex
	seq       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
	last      backend.SearchQuery
	latest    Result
	hasLatest bool
}

func NewSearcher(cat Catalog, opts SearchOptions) *Searcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Searcher{
		cat:      cat,
		debounce: opts.Debounce,
		pageSize: opts.PageSize,
		onResult: opts.OnResult,
		log:      logx.OrNop(opts.Log),
	}
}

// Type schedules a search for text after the debounce window. Every call
// restarts the window and cancels whatever is in flight.
func (s *Searcher) Type(ctx context.Context, text string) {
	q := backend.SearchQuery{Query: strings.TrimSpace(text), Page: 1, Size: s.pageSize}

	s.mu.Lock()
	seq := s.supersedeLocked()
	s.timer = time.AfterFunc(s.debounce, func() {
		_, _ = s.run(ctx, seq, q)
	})
	s.mu.Unlock()
}

// Search runs q now, superseding any pending or in-flight search.
func (s *Searcher) Search(ctx context.Context, q backend.SearchQuery) (Result, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size <= 0 {
		q.Size = s.pageSize
	}
	s.mu.Lock()
	seq := s.supersedeLocked()
	s.mu.Unlock()
	return s.run(ctx, seq, q)
}

// Page re-runs the last query for another page.
func (s *Searcher) Page(ctx context.Context, page int) (Result, error) {
	s.mu.Lock()
	q := s.last
	s.mu.Unlock()
	q.Page = page
	return s.Search(ctx, q)
}

func (s *Searcher) Latest() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// Close drops the pending search and cancels the in-flight one.
func (s *Searcher) Close() {
	s.mu.Lock()
	s.supersedeLocked()
	s.mu.Unlock()
}

func (s *Searcher) supersedeLocked() uint64 {
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return s.seq
}

func (s *Searcher) run(parent context.Context, seq uint64, q backend.SearchQuery) (Result, error) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return Result{}, ErrStale
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.last = q
	s.mu.Unlock()
	defer cancel()

	page, err := s.cat.SearchEquipment(ctx, q)
	res := Result{Seq: seq, Query: q, Page: page, Err: err}

	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		s.log.Debug("discard stale search", zap.String("query", q.Query), zap.Uint64("seq", seq))
		return res, ErrStale
	}
	if err == nil {
		s.latest, s.hasLatest = res, true
	}
	fn := s.onResult
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("search failed", zap.String("query", q.Query), zap.Error(err))
	}
	if fn != nil {
		fn(res)
	}
	return res, err
}

// Select adds a picked search result to the cart.
func Select(c *cart.Store, eq rental.Equipment, qty int, override *rental.DateRange) (rental.LineItem, error) {
	if qty == 0 {
		qty = 1
	}
	return c.AddItem(eq, qty, override, rental.SourceManualSearch)
}

// BulkSelect adds every checked row with quantity 1.
func BulkSelect(c *cart.Store, eqs []rental.Equipment) []cart.AddResult {
	return c.AddMany(eqs, rental.SourceBulkSelect)
}
