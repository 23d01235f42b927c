package model

import "time"

// Event types recorded in the log.
const (
	EventOrderCreated     = "OrderCreated"
	EventPaymentRequested = "PaymentRequested"
	EventPaymentSucceeded = "PaymentSucceeded"
	EventRefundIssued     = "RefundIssued"
)

// Event is an immutable fact in the append-only log. Sequence totally orders
// all events system-wide and is assigned at append; rows are never updated or
// deleted after insert, and the repository exposes no mutation path for them.
type Event struct {
	Sequence      uint64    `gorm:"primaryKey;autoIncrement:false"`
	ID            string    `gorm:"size:64;not null;uniqueIndex"`
	AggregateID   string    `gorm:"size:64;not null;index"`
	AggregateType string    `gorm:"size:32;not null"`
	EventType     string    `gorm:"size:32;not null"`
	Version       uint64    `gorm:"not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	EmittedBy     string    `gorm:"size:64;not null"`
	EventTime     time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "event_log" }

// LogHead is the single row holding the last assigned sequence. It is locked
// FOR UPDATE during append so sequence numbers stay gapless under rollback.
type LogHead struct {
	ID           uint64 `gorm:"primaryKey"`
	LastSequence uint64 `gorm:"not null;default:0"`
}

func (LogHead) TableName() string { return "event_log_head" }

// AggregateLock is a per-aggregate row locked FOR UPDATE so that validation
// and append for one aggregate are serialized while distinct aggregates
// proceed concurrently.
type AggregateLock struct {
	AggregateID string    `gorm:"primaryKey;size:64"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (AggregateLock) TableName() string { return "aggregate_lock" }
