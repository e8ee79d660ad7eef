package audit

import (
	"context"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/go-rental-cart/internal/kafka"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/redisx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Recorder interface {
	RecordBatch(ctx context.Context, p rental.BookingBatchCompletedPayload, occurredAt time.Time) (bool, error)
}

// Service records finished booking batches. Redis dedup is a fast path;
// the ledger itself is idempotent on batch id.
type Service struct {
	Repo        Recorder
	Redis       *redis.Client
	ServiceName string
	Log         *zap.Logger
}

// HandleBatchCompleted is the consumer handler for rental.booking.batch.
func (s *Service) HandleBatchCompleted(ctx context.Context, m kafkago.Message) error {
	log := logx.OrNop(s.Log)

	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// poison message, commit and move on
		log.Warn("drop undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != rental.EventBookingBatchCompleted {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	seen, err := redisx.Exists(ctx, s.Redis, dkey)
	if err != nil {
		// the ledger insert is idempotent, so carry on without the fast path
		log.Warn("dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
	}
	if seen {
		log.Debug("duplicate event", zap.String("event_id", env.EventID))
		return nil
	}

	p, err := kafkax.UnwrapPayload[rental.BookingBatchCompletedPayload](env.Payload)
	if err != nil {
		log.Warn("drop event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	inserted, err := s.Repo.RecordBatch(ctx, p, env.OccurredAt)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", p.BatchID, err)
	}
	if _, err := redisx.MarkOnce(ctx, s.Redis, dkey, redisx.TTLDedup); err != nil {
		log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
	}

	log.Info("batch recorded",
		zap.String("batch_id", p.BatchID),
		zap.String("cart", p.CartKey),
		zap.Int("created", p.CreatedCount),
		zap.Int("failed", p.FailedCount),
		zap.Bool("new", inserted),
	)
	return nil
}
