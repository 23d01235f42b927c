package service

import (
	"encoding/json"
	"testing"

	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEventStore_AppendAssignsGaplessSequences(t *testing.T) {
	env := newTestEnv(t)

	e1 := env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))
	e2 := env.append(t, "e2", "ord-2", model.EventOrderCreated, orderCreatedJSON(t, "ord-2", 50))
	e3 := env.append(t, "e3", "ord-1", model.EventPaymentRequested, paymentRequestedJSON(t, "pay-1", 200))

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, uint64(3), e3.Sequence)

	// per-aggregate versions
	assert.Equal(t, uint64(1), e1.Version)
	assert.Equal(t, uint64(1), e2.Version)
	assert.Equal(t, uint64(2), e3.Version)
}

func TestEventStore_AppendIsIdempotentByEventID(t *testing.T) {
	env := newTestEnv(t)

	first := env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))
	again := env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))

	assert.Equal(t, first.Sequence, again.Sequence)
	n, err := env.repo.CountEvents(env.ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventStore_RejectsDuplicateOrderCreated(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))

	_, err := env.store.Append(env.ctx, AppendInput{
		ID: "e2", AggregateID: "ord-1", EventType: model.EventOrderCreated,
		Payload: orderCreatedJSON(t, "ord-1", 200),
	})
	assert.ErrorIs(t, err, ErrDuplicateAggregate)
	assert.Equal(t, "duplicate-aggregate", RejectionKind(err))

	// rejected append leaves the log length unchanged
	n, _ := env.repo.CountEvents(env.ctx)
	assert.Equal(t, int64(1), n)
}

func TestEventStore_RejectsInvalidOrderCreated(t *testing.T) {
	env := newTestEnv(t)

	noItems, err := json.Marshal(model.OrderCreatedPayload{
		OrderID:     "ord-1",
		TotalAmount: decimal.NewFromInt(100),
	})
	assert.NoError(t, err)
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e1", AggregateID: "ord-1", EventType: model.EventOrderCreated, Payload: string(noItems),
	})
	assert.ErrorIs(t, err, ErrMissingPrerequisite)

	zeroTotal, err := json.Marshal(model.OrderCreatedPayload{
		OrderID:     "ord-1",
		Items:       []model.OrderItem{{SKU: "sku-1", Quantity: 1, UnitPrice: decimal.Zero}},
		TotalAmount: decimal.Zero,
	})
	assert.NoError(t, err)
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e2", AggregateID: "ord-1", EventType: model.EventOrderCreated, Payload: string(zeroTotal),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	n, _ := env.repo.CountEvents(env.ctx)
	assert.Equal(t, int64(0), n)
}

func TestEventStore_PaymentRequestedRules(t *testing.T) {
	env := newTestEnv(t)

	// no OrderCreated yet
	_, err := env.store.Append(env.ctx, AppendInput{
		ID: "e1", AggregateID: "ord-1", EventType: model.EventPaymentRequested,
		Payload: paymentRequestedJSON(t, "pay-1", 200),
	})
	assert.ErrorIs(t, err, ErrMissingPrerequisite)

	env.append(t, "e2", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))
	env.append(t, "e3", "ord-1", model.EventPaymentRequested, paymentRequestedJSON(t, "pay-1", 200))

	// pay-1 has no terminal outcome yet, so a second request is rejected
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e4", AggregateID: "ord-1", EventType: model.EventPaymentRequested,
		Payload: paymentRequestedJSON(t, "pay-2", 200),
	})
	assert.ErrorIs(t, err, ErrDuplicateAggregate)

	env.append(t, "e5", "ord-1", model.EventPaymentSucceeded, paymentSucceededJSON(t, "pay-1", 200))

	// after a success no further request is accepted
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e6", AggregateID: "ord-1", EventType: model.EventPaymentRequested,
		Payload: paymentRequestedJSON(t, "pay-2", 200),
	})
	assert.ErrorIs(t, err, ErrDuplicateAggregate)
}

func TestEventStore_PaymentSucceededRules(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))
	env.append(t, "e2", "ord-1", model.EventPaymentRequested, paymentRequestedJSON(t, "pay-1", 200))

	// unknown payment id
	_, err := env.store.Append(env.ctx, AppendInput{
		ID: "e3", AggregateID: "ord-1", EventType: model.EventPaymentSucceeded,
		Payload: paymentSucceededJSON(t, "pay-x", 200),
	})
	assert.ErrorIs(t, err, ErrMissingPrerequisite)

	// amount must match the request
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e4", AggregateID: "ord-1", EventType: model.EventPaymentSucceeded,
		Payload: paymentSucceededJSON(t, "pay-1", 150),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	env.append(t, "e5", "ord-1", model.EventPaymentSucceeded, paymentSucceededJSON(t, "pay-1", 200))

	// a payment id succeeds at most once
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e6", AggregateID: "ord-1", EventType: model.EventPaymentSucceeded,
		Payload: paymentSucceededJSON(t, "pay-1", 200),
	})
	assert.ErrorIs(t, err, ErrDuplicateAggregate)
}

// Zero or negative amounts must never reach the log: a PaymentSucceeded of 0
// would put the projection in PAID with paid_amount=0, which the detector
// treats as impossible, and a RefundIssued of 0 would make the incremental
// consumer and the replay fold disagree on the payment state.
func TestEventStore_RejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "e1", "ord-1", model.EventOrderCreated, orderCreatedJSON(t, "ord-1", 200))

	_, err := env.store.Append(env.ctx, AppendInput{
		ID: "e2", AggregateID: "ord-1", EventType: model.EventPaymentRequested,
		Payload: paymentRequestedJSON(t, "pay-1", 0),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e3", AggregateID: "ord-1", EventType: model.EventPaymentRequested,
		Payload: paymentRequestedJSON(t, "pay-1", -5),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	env.append(t, "e4", "ord-1", model.EventPaymentRequested, paymentRequestedJSON(t, "pay-1", 200))

	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e5", AggregateID: "ord-1", EventType: model.EventPaymentSucceeded,
		Payload: paymentSucceededJSON(t, "pay-1", 0),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	env.append(t, "e6", "ord-1", model.EventPaymentSucceeded, paymentSucceededJSON(t, "pay-1", 200))

	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "e7", AggregateID: "ord-1", EventType: model.EventRefundIssued,
		Payload: refundIssuedJSON(t, "r1", "pay-1", 0),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	// only the positive-amount events landed, and the derived state is one the
	// detector accepts and replay reproduces
	env.drain(t, testConsumer)
	p := env.projection(t, "ord-1")
	assert.Equal(t, model.PaymentStatePaid, p.PaymentState)
	assert.Equal(t, "200", p.PaidAmount.StringFixed(0))

	found, err := env.detector.Scan(env.ctx)
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, env.replay.FullReplay(env.ctx, testConsumer))
	q := env.projection(t, "ord-1")
	assert.Equal(t, p.PaymentState, q.PaymentState)
	assert.True(t, p.PaidAmount.Equal(q.PaidAmount))
	assert.True(t, p.RefundedAmount.Equal(q.RefundedAmount))
}

func TestEventStore_RefundBound(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaidOrder(t, "ord-1", "pay-1", 200)
	env.drain(t, testConsumer)
	before := env.projection(t, "ord-1")

	// refund on an unknown payment id
	_, err := env.store.Append(env.ctx, AppendInput{
		ID: "r0", AggregateID: "ord-1", EventType: model.EventRefundIssued,
		Payload: refundIssuedJSON(t, "r0", "pay-x", 10),
	})
	assert.ErrorIs(t, err, ErrMissingPrerequisite)

	// oversize refund is rejected and nothing changes
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "r1", AggregateID: "ord-1", EventType: model.EventRefundIssued,
		Payload: refundIssuedJSON(t, "r1", "pay-1", 999),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)

	n, _ := env.repo.CountEvents(env.ctx)
	assert.Equal(t, int64(3), n)
	after := env.projection(t, "ord-1")
	assert.Equal(t, before.PaymentState, after.PaymentState)
	assert.True(t, before.PaidAmount.Equal(after.PaidAmount))
	assert.True(t, before.RefundedAmount.Equal(after.RefundedAmount))

	// partial refunds up to the paid sum pass
	env.append(t, "r2", "ord-1", model.EventRefundIssued, refundIssuedJSON(t, "r2", "pay-1", 150))
	env.append(t, "r3", "ord-1", model.EventRefundIssued, refundIssuedJSON(t, "r3", "pay-1", 50))

	// and the next one crosses the bound
	_, err = env.store.Append(env.ctx, AppendInput{
		ID: "r4", AggregateID: "ord-1", EventType: model.EventRefundIssued,
		Payload: refundIssuedJSON(t, "r4", "pay-1", 1),
	})
	assert.ErrorIs(t, err, ErrAmountExceeded)
}
