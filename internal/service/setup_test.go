package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/payment-event-service/internal/logger"
	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testConsumer = "payment-projector"

type testEnv struct {
	repo     *repo.Repository
	store    *EventStore
	consumer *Consumer
	replay   *Replay
	detector *Detector
	ctx      context.Context
}

var testDBSeq int64

func newTestEnv(t *testing.T) *testEnv {
	// SQLite in-memory DB, one schema per env (cache=shared lets gorm's pool
	// reuse the same database, the counter isolates envs within one test)
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"), atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Event{}, &model.LogHead{}, &model.AggregateLock{},
		&model.ConsumerOffset{}, &model.LedgerEntry{},
		&model.OrderProjection{}, &model.RelayCursor{},
	))

	// Redis mock with no expectations: cache writes are best-effort and the
	// read path falls through to the database on any cache error.
	rdb, _ := redismock.NewClientMock()

	log, _ := logger.NewLogger()
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	replay := NewReplay(r, log)
	return &testEnv{
		repo:     r,
		store:    NewEventStore(r, log),
		consumer: NewConsumer(r, log),
		replay:   replay,
		detector: NewDetector(r, replay, testConsumer, log),
		ctx:      context.Background(),
	}
}

func (env *testEnv) append(t *testing.T, id, agg, eventType, payload string) *model.Event {
	t.Helper()
	evt, err := env.store.Append(env.ctx, AppendInput{
		ID:            id,
		AggregateID:   agg,
		AggregateType: "Order",
		EventType:     eventType,
		Payload:       payload,
		EmittedBy:     "test",
	})
	assert.NoError(t, err)
	return evt
}

// drain ticks until the consumer reports no more work.
func (env *testEnv) drain(t *testing.T, consumer string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		worked, err := env.consumer.Tick(env.ctx, consumer)
		assert.NoError(t, err)
		if !worked {
			return
		}
	}
	t.Fatal("consumer did not converge")
}

func (env *testEnv) projection(t *testing.T, agg string) *model.OrderProjection {
	t.Helper()
	p, err := env.repo.GetProjection(env.ctx, env.repo.DB(env.ctx), agg)
	assert.NoError(t, err)
	return p
}

func (env *testEnv) offset(t *testing.T, consumer string) uint64 {
	t.Helper()
	off, err := env.consumer.Offset(env.ctx, consumer)
	assert.NoError(t, err)
	return off
}

func orderCreatedJSON(t *testing.T, orderID string, total int64) string {
	t.Helper()
	b, err := json.Marshal(model.OrderCreatedPayload{
		OrderID: orderID,
		Items: []model.OrderItem{
			{SKU: "sku-1", Quantity: 1, UnitPrice: decimal.NewFromInt(total)},
		},
		TotalAmount: decimal.NewFromInt(total),
	})
	assert.NoError(t, err)
	return string(b)
}

func paymentRequestedJSON(t *testing.T, paymentID string, amount int64) string {
	t.Helper()
	b, err := json.Marshal(model.PaymentRequestedPayload{PaymentID: paymentID, Amount: decimal.NewFromInt(amount)})
	assert.NoError(t, err)
	return string(b)
}

func paymentSucceededJSON(t *testing.T, paymentID string, amount int64) string {
	t.Helper()
	b, err := json.Marshal(model.PaymentSucceededPayload{PaymentID: paymentID, Amount: decimal.NewFromInt(amount)})
	assert.NoError(t, err)
	return string(b)
}

func refundIssuedJSON(t *testing.T, refundID, paymentID string, amount int64) string {
	t.Helper()
	b, err := json.Marshal(model.RefundIssuedPayload{RefundID: refundID, PaymentID: paymentID, Amount: decimal.NewFromInt(amount)})
	assert.NoError(t, err)
	return string(b)
}

// seedPaidOrder appends OrderCreated → PaymentRequested → PaymentSucceeded
// for one aggregate.
func (env *testEnv) seedPaidOrder(t *testing.T, agg, paymentID string, amount int64) {
	t.Helper()
	env.append(t, agg+"-created", agg, model.EventOrderCreated, orderCreatedJSON(t, agg, amount))
	env.append(t, agg+"-requested", agg, model.EventPaymentRequested, paymentRequestedJSON(t, paymentID, amount))
	env.append(t, agg+"-succeeded", agg, model.EventPaymentSucceeded, paymentSucceededJSON(t, paymentID, amount))
}
