package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SnapshotStore is the remote sync backend: one row per cart key, last write wins.
type SnapshotStore struct {
	DB     DBTX
	Prefix string
	Expiry time.Duration
	Log    *zap.Logger

	now func() time.Time
}

func NewSnapshotStore(db DBTX, prefix string, expiry time.Duration, log *zap.Logger) *SnapshotStore {
	if expiry <= 0 {
		expiry = cart.DefaultExpiry
	}
	return &SnapshotStore{DB: db, Prefix: prefix, Expiry: expiry, Log: logx.OrNop(log), now: time.Now}
}

func (s *SnapshotStore) Save(ctx context.Context, snap cart.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	b, err := cart.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	key := rental.StorageKey(s.Prefix, snap.Mode, snap.ContextID)
	_, err = s.DB.Exec(ctx, `
		INSERT INTO cart_snapshots(key, mode, context_id, payload, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
	`, key, string(snap.Mode), snap.ContextID, b, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, mode rental.Mode, contextID string) (*cart.Snapshot, error) {
	key := rental.StorageKey(s.Prefix, mode, contextID)
	var raw []byte
	err := s.DB.QueryRow(ctx, `SELECT payload FROM cart_snapshots WHERE key=$1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap, err := cart.UnmarshalSnapshot(raw)
	if err != nil {
		s.Log.Warn("unreadable cart snapshot", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if cart.Expired(snap, s.now(), s.Expiry) {
		return nil, nil
	}
	return snap, nil
}

// Purge deletes snapshots older than the expiry window.
func (s *SnapshotStore) Purge(ctx context.Context) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM cart_snapshots WHERE saved_at < $1`, s.now().Add(-s.Expiry))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// RunPurge purges every interval until ctx is done.
func (s *SnapshotStore) RunPurge(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				s.Log.Warn("purge cart snapshots", zap.Error(err))
				continue
			}
			if n > 0 {
				s.Log.Info("purged expired cart snapshots", zap.Int64("rows", n))
			}
		}
	}
}
