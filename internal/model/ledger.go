package model

import "time"

// Ledger entry statuses. Absence of a row is the third, distinct state: the
// consumer has never seen the event.
const (
	StatusWaiting   = "WAITING"
	StatusProcessed = "PROCESSED"
)

// ConsumerOffset is one consumer's durable progress marker into the log.
// LastCommittedSequence only moves forward, and only over a contiguous prefix
// of Processed ledger entries.
type ConsumerOffset struct {
	ConsumerName          string    `gorm:"primaryKey;size:64"`
	LastCommittedSequence uint64    `gorm:"not null;default:0"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime"`
}

func (ConsumerOffset) TableName() string { return "consumer_offset" }

// LedgerEntry records one consumer's application status for one event. It is
// created on first sight and transitions Waiting→Processed; entries are never
// deleted except when a full replay resets the consumer.
type LedgerEntry struct {
	ConsumerName  string    `gorm:"primaryKey;size:64"`
	EventSequence uint64    `gorm:"primaryKey;autoIncrement:false"`
	Status        string    `gorm:"size:16;not null"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (LedgerEntry) TableName() string { return "consumer_ledger" }
