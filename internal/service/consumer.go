package service

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Consumer advances one named consumer's projection one event at a time,
// reading only the current projection row and the event's payload. It never
// rescans the log.
type Consumer struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewConsumer returns Consumer.
func NewConsumer(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{repo: r, log: logger}
}

// Tick runs one consumer step in a single transaction and reports whether it
// made durable progress. The offset row lock serializes ticks of the same
// consumer; distinct consumers never contend. Any error aborts the whole
// transaction, and a retried tick is safe because an already-Processed
// candidate skips straight to offset recomputation.
func (c *Consumer) Tick(ctx context.Context, consumer string) (bool, error) {
	worked := false
	var applied *model.OrderProjection
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		off, err := c.repo.GetOffsetForUpdate(ctx, tx, consumer)
		if err != nil {
			return err
		}

		cand, err := c.selectCandidate(ctx, tx, consumer, off.LastCommittedSequence)
		if err != nil {
			return err
		}
		if cand == nil {
			return nil // caught up
		}

		status, err := c.repo.LedgerStatus(ctx, tx, consumer, cand.Sequence)
		if err != nil {
			return err
		}
		if status != model.StatusProcessed {
			dec, err := cand.Decode()
			if err != nil {
				return err
			}
			proj, ok, err := c.apply(ctx, tx, dec)
			if err != nil {
				return err
			}
			if !ok {
				// Deferred: the prerequisite has not been applied yet. Record
				// Waiting and leave the offset alone; first-time marks count
				// as progress, re-deferrals do not.
				worked = status != model.StatusWaiting
				return c.repo.UpsertLedger(ctx, tx, consumer, cand.Sequence, model.StatusWaiting)
			}
			if err := c.repo.UpsertLedger(ctx, tx, consumer, cand.Sequence, model.StatusProcessed); err != nil {
				return err
			}
			applied = proj
			worked = true
		}

		newOff, err := c.repo.ContiguousProcessedFrom(ctx, tx, consumer, off.LastCommittedSequence)
		if err != nil {
			return err
		}
		if newOff != off.LastCommittedSequence {
			worked = true
			if err := c.repo.SaveOffset(ctx, tx, consumer, newOff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied != nil {
		// Cache refresh stays outside the transaction; a miss just falls
		// through to the database on the next read.
		if err := c.repo.CacheProjection(ctx, applied); err != nil {
			c.log.Warnf("cache projection %s: %v", applied.AggregateID, err)
		}
	}
	return worked, nil
}

// selectCandidate picks the next event: the oldest Waiting entry retries
// before any unseen event that would overtake it, so pending dependents keep
// their causal position. An event older than every Waiting one is not
// overtaking anything and goes first; a Processed hit is a crash-retried tick
// and skips straight to offset recomputation.
func (c *Consumer) selectCandidate(ctx context.Context, tx *gorm.DB, consumer string, offset uint64) (*model.Event, error) {
	waiting, err := c.repo.OldestWaiting(ctx, tx, consumer)
	if err != nil {
		return nil, err
	}
	beyond, err := c.repo.OldestBeyond(ctx, tx, offset)
	if err != nil {
		return nil, err
	}
	switch {
	case waiting == nil:
		return beyond, nil
	case beyond == nil:
		return waiting, nil
	case beyond.Sequence < waiting.Sequence:
		return beyond, nil
	default:
		return waiting, nil
	}
}

// apply dispatches one decoded event against the current projection row.
// It returns the updated projection and false when the event must be deferred.
func (c *Consumer) apply(ctx context.Context, tx *gorm.DB, dec model.DecodedEvent) (*model.OrderProjection, bool, error) {
	proj, err := c.repo.GetProjection(ctx, tx, dec.AggregateID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case dec.Payload.OrderCreated != nil:
		if proj != nil {
			return proj, true, nil // idempotent no-op
		}
		proj = &model.OrderProjection{
			AggregateID:      dec.AggregateID,
			PaymentState:     model.PaymentStateNotStarted,
			OrderTotalAmount: dec.Payload.OrderCreated.TotalAmount,
			PaidAmount:       decimal.Zero,
			RefundedAmount:   decimal.Zero,
		}

	case dec.Payload.PaymentRequested != nil:
		if proj == nil {
			return nil, false, nil
		}
		proj.PaymentState = model.PaymentStateRequested

	case dec.Payload.PaymentSucceeded != nil:
		if proj == nil || proj.PaymentState != model.PaymentStateRequested {
			return nil, false, nil
		}
		proj.PaidAmount = proj.PaidAmount.Add(dec.Payload.PaymentSucceeded.Amount)
		proj.PaymentState = model.PaymentStatePaid
		proj.RefundAllowed = true
		proj.IsSettled = false

	case dec.Payload.RefundIssued != nil:
		if proj == nil || !proj.PaidAmount.GreaterThan(decimal.Zero) {
			return nil, false, nil
		}
		proj.RefundedAmount = proj.RefundedAmount.Add(dec.Payload.RefundIssued.Amount)
		if proj.RefundedAmount.GreaterThanOrEqual(proj.PaidAmount) {
			proj.PaymentState = model.PaymentStateRefunded
		} else {
			proj.PaymentState = model.PaymentStatePartiallyRefunded
		}
		proj.IsSettled = proj.RefundedAmount.GreaterThanOrEqual(proj.PaidAmount)
		proj.RefundAllowed = !proj.IsSettled
	}

	proj.LastUpdated = time.Now()
	if err := c.repo.SaveProjection(ctx, tx, proj); err != nil {
		return nil, false, err
	}
	return proj, true, nil
}

// GetPayment returns the current projection for an order, serving from cache
// when possible.
func (c *Consumer) GetPayment(ctx context.Context, aggregateID string) (*model.OrderProjection, error) {
	if p, err := c.repo.GetCachedProjection(ctx, aggregateID); err == nil {
		return p, nil
	}
	p, err := c.repo.GetProjection(ctx, c.repo.DB(ctx), aggregateID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, gorm.ErrRecordNotFound
	}
	_ = c.repo.CacheProjection(ctx, p)
	return p, nil
}

// Offset returns the consumer's committed offset without locking.
func (c *Consumer) Offset(ctx context.Context, consumer string) (uint64, error) {
	var off model.ConsumerOffset
	err := c.repo.DB(ctx).Where("consumer_name = ?", consumer).First(&off).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return off.LastCommittedSequence, nil
}
