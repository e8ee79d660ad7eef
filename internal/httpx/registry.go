package httpx

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"golang.org/x/sync/singleflight"
)

// Registry keeps one live cart per storage key. A cart is rehydrated from
// the configured persister the first time it is touched.
type Registry struct {
	opts cart.Options

	mu    sync.Mutex
	carts map[string]*cart.Store
	loads singleflight.Group
}

func NewRegistry(opts cart.Options) *Registry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rental_cart"
	}
	return &Registry{opts: opts, carts: make(map[string]*cart.Store)}
}

func (r *Registry) Get(ctx context.Context, mode rental.Mode, contextID string) (*cart.Store, error) {
	if contextID == rental.NoContext {
		contextID = ""
	}
	if err := rental.ValidateContext(mode, contextID); err != nil {
		return nil, err
	}
	key := rental.StorageKey(r.opts.KeyPrefix, mode, contextID)

	if c, ok := r.lookup(key); ok {
		return c, nil
	}
	// one load per key, outside the registry lock
	v, err, _ := r.loads.Do(key, func() (any, error) {
		if c, ok := r.lookup(key); ok {
			return c, nil
		}
		c, err := cart.Open(ctx, mode, contextID, r.opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if prev, ok := r.carts[key]; ok {
			return prev, nil
		}
		r.carts[key] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cart.Store), nil
}

func (r *Registry) lookup(key string) (*cart.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[key]
	return c, ok
}

// Flush waits for every cart's pending persistence writes.
func (r *Registry) Flush() {
	r.mu.Lock()
	carts := make([]*cart.Store, 0, len(r.carts))
	for _, c := range r.carts {
		carts = append(carts, c)
	}
	r.mu.Unlock()
	for _, c := range carts {
		c.Flush()
	}
}
