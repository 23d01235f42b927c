package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment states derived for an order.
const (
	PaymentStateNotStarted        = "NOT_STARTED"
	PaymentStateRequested         = "REQUESTED"
	PaymentStatePaid              = "PAID"
	PaymentStatePartiallyRefunded = "PARTIALLY_REFUNDED"
	PaymentStateRefunded          = "REFUNDED"
)

// OrderProjection is the derived, disposable read-model row for one order.
// It is owned by consumer logic: created on first OrderCreated, mutated
// incrementally by ticks, and rebuilt wholesale by full replay.
type OrderProjection struct {
	AggregateID      string          `gorm:"primaryKey;size:64"`
	PaymentState     string          `gorm:"size:32;not null;default:'NOT_STARTED'"`
	OrderTotalAmount decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PaidAmount       decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	RefundedAmount   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	IsSettled        bool            `gorm:"not null;default:false"`
	RefundAllowed    bool            `gorm:"not null;default:false"`
	LastUpdated      time.Time       `gorm:"autoUpdateTime"`
}

func (OrderProjection) TableName() string { return "order_projection" }

// RelayCursor is the single-row watermark of the Kafka relay. Events are
// immutable, so publish progress lives here instead of a flag on the event.
type RelayCursor struct {
	ID                    uint64    `gorm:"primaryKey"`
	LastPublishedSequence uint64    `gorm:"not null;default:0"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime"`
}

func (RelayCursor) TableName() string { return "relay_cursor" }
