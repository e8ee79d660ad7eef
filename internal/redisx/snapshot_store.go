package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotStore keeps cart snapshots as JSON strings. The key TTL is the
// expiry window, refreshed on every save; Load also checks saved_at.
type SnapshotStore struct {
	rdb    *redis.Client
	prefix string
	expiry time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewSnapshotStore(rdb *redis.Client, prefix string, expiry time.Duration, log *zap.Logger) *SnapshotStore {
	if expiry <= 0 {
		expiry = cart.DefaultExpiry
	}
	return &SnapshotStore{rdb: rdb, prefix: prefix, expiry: expiry, now: time.Now, log: logx.OrNop(log)}
}

func (s *SnapshotStore) Save(ctx context.Context, snap cart.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	b, err := cart.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	key := rental.StorageKey(s.prefix, snap.Mode, snap.ContextID)
	if err := s.rdb.Set(ctx, key, b, s.expiry).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, mode rental.Mode, contextID string) (*cart.Snapshot, error) {
	key := rental.StorageKey(s.prefix, mode, contextID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap, err := cart.UnmarshalSnapshot(raw)
	if err != nil {
		s.log.Warn("unreadable cart snapshot", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if cart.Expired(snap, s.now(), s.expiry) {
		return nil, nil
	}
	return snap, nil
}
