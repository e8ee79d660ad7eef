package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"go.uber.org/zap"
)

// ErrUnknown marks a check that never got an answer. Callers must not treat the
// item as available.
var ErrUnknown = errors.New("availability unknown")

type Source interface {
	CheckAvailability(ctx context.Context, id rental.EquipmentID, r rental.DateRange) (rental.AvailabilityResult, error)
}

type Checker struct {
	src Source
	log *zap.Logger
}

func NewChecker(src Source, log *zap.Logger) *Checker {
	return &Checker{src: src, log: logx.OrNop(log)}
}

// Check asks the backend whether id is free over [start, end].
func (c *Checker) Check(ctx context.Context, id rental.EquipmentID, start, end rental.Date) (rental.AvailabilityResult, error) {
	r, err := rental.NewDateRange(start, end)
	if err != nil {
		return rental.AvailabilityResult{}, err
	}
	return c.CheckRange(ctx, id, r)
}

func (c *Checker) CheckRange(ctx context.Context, id rental.EquipmentID, r rental.DateRange) (rental.AvailabilityResult, error) {
	if err := r.Validate(); err != nil {
		return rental.AvailabilityResult{}, err
	}
	res, err := c.src.CheckAvailability(ctx, id, r)
	if err != nil {
		if backend.Retryable(err) {
			c.log.Warn("availability check failed",
				zap.String("equipment_id", id.String()), zap.String("range", r.String()), zap.Error(err))
			return rental.AvailabilityResult{}, fmt.Errorf("%w: %w", ErrUnknown, err)
		}
		return rental.AvailabilityResult{}, err
	}
	res.EquipmentID = id
	res.Range = r
	if res.IsAvailable && len(res.Conflicts) > 0 {
		res.IsAvailable = false
	}
	return res, nil
}

// CheckItem uses the item's effective range.
func (c *Checker) CheckItem(ctx context.Context, li rental.LineItem, def rental.DateRange) (rental.AvailabilityResult, error) {
	return c.CheckRange(ctx, li.EquipmentID, li.EffectiveRange(def))
}
