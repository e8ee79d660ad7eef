package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-rental-cart/internal/availability"
	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	kafkax "github.com/ariefcatur/go-rental-cart/internal/kafka"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

type AvailabilityChecker interface {
	CheckItem(ctx context.Context, li rental.LineItem, def rental.DateRange) (rental.AvailabilityResult, error)
}

type Creator interface {
	CreateBooking(ctx context.Context, req backend.BookingRequest) (string, error)
}

// Publisher receives one event per finished batch.
type Publisher interface {
	PublishEnvelope(key []byte, env rental.Envelope)
}

type Executor struct {
	Checker     AvailabilityChecker
	Creator     Creator
	Publisher   Publisher // optional
	Concurrency int
	ServiceName string
	Log         *zap.Logger
}

type outcome struct {
	item      rental.LineItem
	bookingID string
	failure   *rental.FailedItem
}

// Execute books every line item of c for clientID. Per-item failures are
// collected, never returned as the error; the error is for batch preconditions.
// Booked items leave the cart; the cart is cleared only when nothing failed.
func (e *Executor) Execute(ctx context.Context, c *cart.Store, clientID int64) (rental.BatchResult, error) {
	if clientID <= 0 {
		return rental.BatchResult{}, rental.ErrClientRequired
	}
	release, err := c.BeginCheckout()
	if err != nil {
		return rental.BatchResult{}, err
	}
	defer release()

	items := c.Items()
	if len(items) == 0 {
		return rental.BatchResult{}, rental.ErrEmptyCart
	}
	def, ok := c.DefaultDateRange()
	if !ok {
		return rental.BatchResult{}, rental.ErrNoDateRange
	}

	log := logx.OrNop(e.Log)
	batchID := uuid.NewString()
	log = log.With(zap.String("batch_id", batchID), zap.String("cart", c.Key()))

	limit := e.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var projectID string
	if c.Mode().Policy().Commit == rental.CommitAddToProject {
		projectID = c.ContextID()
	}

	// one slot per item; each goroutine writes only its own slot
	outcomes := make([]outcome, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, li := range items {
		i, li := i, li
		g.Go(func() error {
			outcomes[i] = e.bookOne(ctx, li, def, clientID, projectID)
			return nil
		})
	}
	_ = g.Wait()

	res := rental.BatchResult{BatchID: batchID, CreatedBookingIDs: []string{}, FailedItems: []rental.FailedItem{}}
	booked := make([]rental.EquipmentID, 0, len(items))
	for _, o := range outcomes {
		if o.failure != nil {
			res.FailedCount++
			res.FailedItems = append(res.FailedItems, *o.failure)
			log.Warn("booking failed",
				zap.String("equipment_id", o.item.EquipmentID.String()),
				zap.String("reason", string(o.failure.Reason)),
				zap.String("detail", o.failure.Detail))
			continue
		}
		res.CreatedCount++
		res.CreatedBookingIDs = append(res.CreatedBookingIDs, o.bookingID)
		booked = append(booked, o.item.EquipmentID)
	}

	settle(c, booked, res.FailedCount)
	log.Info("booking batch finished",
		zap.Int("created", res.CreatedCount), zap.Int("failed", res.FailedCount), zap.Int64("client_id", clientID))
	e.publish(c, clientID, res)
	return res, nil
}

// settle clears the cart when every row was booked and nothing new arrived
// meanwhile; otherwise it drops only the booked rows.
func settle(c *cart.Store, booked []rental.EquipmentID, failed int) {
	if failed == 0 && c.TotalLineItems() == len(booked) {
		set := make(map[rental.EquipmentID]struct{}, len(booked))
		for _, id := range booked {
			set[id] = struct{}{}
		}
		onlyBooked := true
		for _, li := range c.Items() {
			if _, ok := set[li.EquipmentID]; !ok {
				onlyBooked = false
				break
			}
		}
		if onlyBooked {
			c.Clear()
			return
		}
	}
	c.RemoveItems(booked)
}

// bookOne attaches the booking to projectID when it is set.
func (e *Executor) bookOne(ctx context.Context, li rental.LineItem, def rental.DateRange, clientID int64, projectID string) outcome {
	out := outcome{item: li}
	if err := ctx.Err(); err != nil {
		out.failure = failure(li.EquipmentID, rental.ReasonNetworkError, err)
		return out
	}

	// commit-time re-check; the booking call below stays authoritative
	if !li.ManualOverride {
		av, err := e.Checker.CheckItem(ctx, li, def)
		if err != nil {
			out.failure = failure(li.EquipmentID, classify(err), err)
			return out
		}
		if !av.IsAvailable {
			out.failure = &rental.FailedItem{
				EquipmentID: li.EquipmentID,
				Reason:      rental.ReasonAvailabilityConflict,
				Detail:      describeConflicts(av.Conflicts),
			}
			return out
		}
	}

	req := backend.NewBookingRequest(clientID, li, li.EffectiveRange(def))
	if projectID != "" {
		req.ProjectID = backend.FlexID(projectID)
	}
	id, err := e.Creator.CreateBooking(ctx, req)
	if err != nil {
		out.failure = failure(li.EquipmentID, classify(err), err)
		return out
	}
	out.bookingID = id
	return out
}

func failure(id rental.EquipmentID, reason rental.FailureReason, err error) *rental.FailedItem {
	return &rental.FailedItem{EquipmentID: id, Reason: reason, Detail: err.Error()}
}

func classify(err error) rental.FailureReason {
	switch {
	case errors.Is(err, backend.ErrConflict):
		return rental.ReasonAvailabilityConflict
	case errors.Is(err, availability.ErrUnknown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		backend.Retryable(err):
		return rental.ReasonNetworkError
	default:
		return rental.ReasonValidationError
	}
}

func describeConflicts(cs []rental.Conflict) string {
	if len(cs) == 0 {
		return "not available for the requested dates"
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		who := c.ProjectName
		if who == "" {
			who = c.ClientName
		}
		parts = append(parts, fmt.Sprintf("%s..%s %s", c.StartDate, c.EndDate, who))
	}
	return "booked: " + strings.Join(parts, "; ")
}

func (e *Executor) publish(c *cart.Store, clientID int64, res rental.BatchResult) {
	if e.Publisher == nil {
		return
	}
	env := kafkax.NewEnvelope(rental.EventBookingBatchCompleted, e.ServiceName, c.Key(), res.BatchID,
		rental.BookingBatchCompletedPayload{
			BatchID:           res.BatchID,
			CartKey:           c.Key(),
			Mode:              c.Mode(),
			ContextID:         c.ContextID(),
			ClientID:          clientID,
			CreatedCount:      res.CreatedCount,
			FailedCount:       res.FailedCount,
			CreatedBookingIDs: res.CreatedBookingIDs,
			FailedItems:       res.FailedItems,
		})
	e.Publisher.PublishEnvelope(rental.PartitionKey(c.Key()), env)
}
