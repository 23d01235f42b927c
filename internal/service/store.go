package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Validation rejection kinds. Append never persists a rejected event.
var (
	// ErrDuplicateAggregate means the fact conflicts with one already recorded:
	// a second OrderCreated, a second PaymentSucceeded for the same payment, or
	// a PaymentRequested while another request is still active.
	ErrDuplicateAggregate = errors.New("duplicate-aggregate")
	// ErrMissingPrerequisite means a fact the candidate depends on is not in
	// the log.
	ErrMissingPrerequisite = errors.New("missing-prerequisite")
	// ErrAmountExceeded means an amount bound was violated.
	ErrAmountExceeded = errors.New("amount-exceeded")
)

// RejectionKind maps a validation error to its wire-facing kind, "" for
// non-validation errors.
func RejectionKind(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateAggregate):
		return "duplicate-aggregate"
	case errors.Is(err, ErrMissingPrerequisite):
		return "missing-prerequisite"
	case errors.Is(err, ErrAmountExceeded):
		return "amount-exceeded"
	}
	return ""
}

// EventStore validates candidate facts against the accumulated log and, only
// if valid, appends them atomically.
type EventStore struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewEventStore returns EventStore.
func NewEventStore(r repo.RepositoryInterface, logger *zap.SugaredLogger) *EventStore {
	return &EventStore{repo: r, log: logger}
}

// AppendInput is a candidate fact submitted by a producer. Sequence and
// Version are assigned at append.
type AppendInput struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       string
	EmittedBy     string
	EventTime     time.Time
}

// Append validates the candidate against the aggregate's history and appends
// it in one transaction. The per-aggregate lock is held through validation and
// insert so two colliding submissions cannot both pass. Resubmitting an
// already-stored event id returns the stored event without appending.
func (s *EventStore) Append(ctx context.Context, in AppendInput) (*model.Event, error) {
	if in.ID == "" || in.AggregateID == "" {
		return nil, fmt.Errorf("%w: event id and aggregate id are required", ErrMissingPrerequisite)
	}
	payload, err := model.DecodePayload(in.EventType, in.Payload)
	if err != nil {
		return nil, err
	}
	if in.EventTime.IsZero() {
		in.EventTime = time.Now().UTC()
	}

	var stored *model.Event
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockAggregate(ctx, tx, in.AggregateID); err != nil {
			return err
		}
		existing, err := s.repo.EventByID(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = existing
			return nil
		}

		history, err := s.repo.EventsForAggregate(ctx, tx, in.AggregateID, 0)
		if err != nil {
			return err
		}
		state, err := foldHistory(history)
		if err != nil {
			return err
		}
		if err := validate(state, in.EventType, payload); err != nil {
			return err
		}

		seq, err := s.repo.NextSequence(ctx, tx)
		if err != nil {
			return err
		}
		e := &model.Event{
			Sequence:      seq,
			ID:            in.ID,
			AggregateID:   in.AggregateID,
			AggregateType: in.AggregateType,
			EventType:     in.EventType,
			Version:       uint64(len(history)) + 1,
			Payload:       in.Payload,
			EmittedBy:     in.EmittedBy,
			EventTime:     in.EventTime,
		}
		if err := s.repo.InsertEvent(ctx, tx, e); err != nil {
			return err
		}
		stored = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// History returns one aggregate's events in sequence order.
func (s *EventStore) History(ctx context.Context, aggregateID string) ([]model.Event, error) {
	return s.repo.EventsForAggregate(ctx, s.repo.DB(ctx), aggregateID, 0)
}

// List returns events past a sequence, ascending.
func (s *EventStore) List(ctx context.Context, afterSeq uint64, limit int) ([]model.Event, error) {
	return s.repo.EventsAfter(ctx, s.repo.DB(ctx), afterSeq, limit)
}

// aggState is the fold of one aggregate's history that validation reads.
type aggState struct {
	created        bool
	requested      map[string]decimal.Decimal // payment id -> requested amount
	succeeded      map[string]decimal.Decimal // payment id -> succeeded amount
	totalSucceeded decimal.Decimal
	totalRefunded  decimal.Decimal
}

func foldHistory(history []model.Event) (aggState, error) {
	st := aggState{
		requested:      map[string]decimal.Decimal{},
		succeeded:      map[string]decimal.Decimal{},
		totalSucceeded: decimal.Zero,
		totalRefunded:  decimal.Zero,
	}
	for _, e := range history {
		dec, err := e.Decode()
		if err != nil {
			return st, err
		}
		switch {
		case dec.Payload.OrderCreated != nil:
			st.created = true
		case dec.Payload.PaymentRequested != nil:
			p := dec.Payload.PaymentRequested
			st.requested[p.PaymentID] = p.Amount
		case dec.Payload.PaymentSucceeded != nil:
			p := dec.Payload.PaymentSucceeded
			st.succeeded[p.PaymentID] = p.Amount
			st.totalSucceeded = st.totalSucceeded.Add(p.Amount)
		case dec.Payload.RefundIssued != nil:
			st.totalRefunded = st.totalRefunded.Add(dec.Payload.RefundIssued.Amount)
		}
	}
	return st, nil
}

// hasActiveRequest reports whether any PaymentRequested lacks a terminal
// outcome. PaymentSucceeded is the only terminal outcome today; a failure
// event would also terminate a request once one exists in the catalog.
func (st aggState) hasActiveRequest() bool {
	for paymentID := range st.requested {
		if _, done := st.succeeded[paymentID]; !done {
			return true
		}
	}
	return false
}

func validate(st aggState, eventType string, p model.Payload) error {
	switch eventType {
	case model.EventOrderCreated:
		if st.created {
			return fmt.Errorf("%w: aggregate already has an OrderCreated", ErrDuplicateAggregate)
		}
		if len(p.OrderCreated.Items) == 0 {
			return fmt.Errorf("%w: order item list is empty", ErrMissingPrerequisite)
		}
		if !p.OrderCreated.TotalAmount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("%w: order total must be positive", ErrAmountExceeded)
		}
	case model.EventPaymentRequested:
		if !p.PaymentRequested.Amount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("%w: payment amount must be positive", ErrAmountExceeded)
		}
		if !st.created {
			return fmt.Errorf("%w: no OrderCreated for aggregate", ErrMissingPrerequisite)
		}
		if len(st.succeeded) > 0 {
			return fmt.Errorf("%w: aggregate already has a PaymentSucceeded", ErrDuplicateAggregate)
		}
		if st.hasActiveRequest() {
			return fmt.Errorf("%w: another PaymentRequested is still active", ErrDuplicateAggregate)
		}
	case model.EventPaymentSucceeded:
		if !p.PaymentSucceeded.Amount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("%w: payment amount must be positive", ErrAmountExceeded)
		}
		req, ok := st.requested[p.PaymentSucceeded.PaymentID]
		if !ok {
			return fmt.Errorf("%w: no PaymentRequested with payment id %s", ErrMissingPrerequisite, p.PaymentSucceeded.PaymentID)
		}
		if _, done := st.succeeded[p.PaymentSucceeded.PaymentID]; done {
			return fmt.Errorf("%w: payment id %s already succeeded", ErrDuplicateAggregate, p.PaymentSucceeded.PaymentID)
		}
		if !p.PaymentSucceeded.Amount.Equal(req) {
			return fmt.Errorf("%w: amount %s does not match requested %s", ErrAmountExceeded, p.PaymentSucceeded.Amount, req)
		}
	case model.EventRefundIssued:
		if !p.RefundIssued.Amount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("%w: refund amount must be positive", ErrAmountExceeded)
		}
		if _, ok := st.succeeded[p.RefundIssued.PaymentID]; !ok {
			return fmt.Errorf("%w: no PaymentSucceeded with payment id %s", ErrMissingPrerequisite, p.RefundIssued.PaymentID)
		}
		if st.totalRefunded.Add(p.RefundIssued.Amount).GreaterThan(st.totalSucceeded) {
			return fmt.Errorf("%w: refunds %s would exceed paid %s",
				ErrAmountExceeded, st.totalRefunded.Add(p.RefundIssued.Amount), st.totalSucceeded)
		}
	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}
	return nil
}
