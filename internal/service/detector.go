package service

import (
	"context"

	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Detector scans the projection for states no valid history can produce and
// hands violations to full replay. It never corrects rows in place.
type Detector struct {
	repo     repo.RepositoryInterface
	replay   *Replay
	consumer string
	pageSize int
	log      *zap.SugaredLogger
}

// NewDetector returns Detector for the given consumer.
func NewDetector(r repo.RepositoryInterface, replay *Replay, consumer string, logger *zap.SugaredLogger) *Detector {
	return &Detector{repo: r, replay: replay, consumer: consumer, pageSize: 200, log: logger}
}

// corrupt reports whether a projection row is in an impossible state.
func corrupt(p model.OrderProjection) bool {
	switch {
	case p.RefundedAmount.GreaterThan(p.PaidAmount):
		return true
	case p.PaymentState == model.PaymentStatePaid && p.PaidAmount.IsZero():
		return true
	case p.PaymentState == model.PaymentStateNotStarted && p.PaidAmount.GreaterThan(decimal.Zero):
		return true
	}
	return false
}

// Scan checks every projection row, one page at a time, and reports whether
// any violation exists.
func (d *Detector) Scan(ctx context.Context) (bool, error) {
	found := false
	after := ""
	for {
		rows, err := d.repo.ListProjections(ctx, after, d.pageSize)
		if err != nil {
			return false, err
		}
		for _, p := range rows {
			if corrupt(p) {
				found = true
				d.log.Warnw("projection corruption detected",
					"aggregate_id", p.AggregateID,
					"payment_state", p.PaymentState,
					"paid_amount", p.PaidAmount,
					"refunded_amount", p.RefundedAmount)
			}
		}
		if len(rows) < d.pageSize {
			return found, nil
		}
		after = rows[len(rows)-1].AggregateID
	}
}

// ScanAndRemediate runs Scan and, on any violation, rebuilds the consumer's
// derived state from the log. Corruption is remediated, not surfaced as an
// error to the caller.
func (d *Detector) ScanAndRemediate(ctx context.Context) (bool, error) {
	found, err := d.Scan(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := d.replay.FullReplay(ctx, d.consumer); err != nil {
		return true, err
	}
	return true, nil
}
