package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/payment-event-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	LockAggregate(ctx context.Context, tx *gorm.DB, aggregateID string) error
	NextSequence(ctx context.Context, tx *gorm.DB) (uint64, error)
	InsertEvent(ctx context.Context, tx *gorm.DB, e *model.Event) error
	EventByID(ctx context.Context, tx *gorm.DB, id string) (*model.Event, error)
	EventsForAggregate(ctx context.Context, tx *gorm.DB, aggregateID string, upToSeq uint64) ([]model.Event, error)
	EventsAfter(ctx context.Context, tx *gorm.DB, afterSeq uint64, limit int) ([]model.Event, error)
	MaxSequence(ctx context.Context, tx *gorm.DB) (uint64, error)
	CountEvents(ctx context.Context) (int64, error)
	StreamEvents(ctx context.Context, tx *gorm.DB, batchSize int, fn func(model.Event) error) error

	GetOffsetForUpdate(ctx context.Context, tx *gorm.DB, consumer string) (*model.ConsumerOffset, error)
	SaveOffset(ctx context.Context, tx *gorm.DB, consumer string, seq uint64) error
	LedgerStatus(ctx context.Context, tx *gorm.DB, consumer string, seq uint64) (string, error)
	UpsertLedger(ctx context.Context, tx *gorm.DB, consumer string, seq uint64, status string) error
	DeleteLedger(ctx context.Context, tx *gorm.DB, consumer string) error
	OldestWaiting(ctx context.Context, tx *gorm.DB, consumer string) (*model.Event, error)
	OldestBeyond(ctx context.Context, tx *gorm.DB, afterSeq uint64) (*model.Event, error)
	ContiguousProcessedFrom(ctx context.Context, tx *gorm.DB, consumer string, from uint64) (uint64, error)

	GetProjection(ctx context.Context, tx *gorm.DB, aggregateID string) (*model.OrderProjection, error)
	SaveProjection(ctx context.Context, tx *gorm.DB, p *model.OrderProjection) error
	ListProjections(ctx context.Context, afterID string, limit int) ([]model.OrderProjection, error)
	DeleteAllProjections(ctx context.Context, tx *gorm.DB) error

	GetRelayCursorForUpdate(ctx context.Context, tx *gorm.DB) (*model.RelayCursor, error)
	SaveRelayCursor(ctx context.Context, tx *gorm.DB, seq uint64) error
	PublishEvent(ctx context.Context, e model.Event) error

	CacheProjection(ctx context.Context, p *model.OrderProjection) error
	GetCachedProjection(ctx context.Context, aggregateID string) (*model.OrderProjection, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// LockAggregate takes the per-aggregate row lock, creating the row on first
// touch. Holding it serializes validation+append for one aggregate.
func (r *Repository) LockAggregate(ctx context.Context, tx *gorm.DB, aggregateID string) error {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.AggregateLock{AggregateID: aggregateID}).Error; err != nil {
		return err
	}
	var l model.AggregateLock
	return tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("aggregate_id = ?", aggregateID).First(&l).Error
}

// NextSequence locks the log head row and hands out the next gapless sequence.
func (r *Repository) NextSequence(ctx context.Context, tx *gorm.DB) (uint64, error) {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.LogHead{ID: 1}).Error; err != nil {
		return 0, err
	}
	var head model.LogHead
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", 1).First(&head).Error; err != nil {
		return 0, err
	}
	next := head.LastSequence + 1
	if err := tx.WithContext(ctx).Model(&model.LogHead{}).
		Where("id = ?", 1).Update("last_sequence", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// InsertEvent appends one row to the log. There is no corresponding update or
// delete method anywhere in this repository.
func (r *Repository) InsertEvent(ctx context.Context, tx *gorm.DB, e *model.Event) error {
	return tx.WithContext(ctx).Create(e).Error
}

// EventByID looks up an event by its globally unique id, nil when absent.
func (r *Repository) EventByID(ctx context.Context, tx *gorm.DB, id string) (*model.Event, error) {
	var e model.Event
	err := tx.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EventsForAggregate loads an aggregate's history in sequence order.
// upToSeq of 0 means the whole history.
func (r *Repository) EventsForAggregate(ctx context.Context, tx *gorm.DB, aggregateID string, upToSeq uint64) ([]model.Event, error) {
	q := tx.WithContext(ctx).Where("aggregate_id = ?", aggregateID)
	if upToSeq > 0 {
		q = q.Where("sequence <= ?", upToSeq)
	}
	var evts []model.Event
	err := q.Order("sequence").Find(&evts).Error
	return evts, err
}

// EventsAfter lists events past a sequence, ascending.
func (r *Repository) EventsAfter(ctx context.Context, tx *gorm.DB, afterSeq uint64, limit int) ([]model.Event, error) {
	var evts []model.Event
	q := tx.WithContext(ctx).Where("sequence > ?", afterSeq).Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&evts).Error
	return evts, err
}

// MaxSequence returns the highest sequence in the log, 0 when empty.
func (r *Repository) MaxSequence(ctx context.Context, tx *gorm.DB) (uint64, error) {
	var max *uint64
	if err := tx.WithContext(ctx).Model(&model.Event{}).
		Select("MAX(sequence)").Scan(&max).Error; err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// CountEvents returns the log length.
func (r *Repository) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Event{}).Count(&n).Error
	return n, err
}

// StreamEvents walks the whole log in ascending sequence, in batches.
func (r *Repository) StreamEvents(ctx context.Context, tx *gorm.DB, batchSize int, fn func(model.Event) error) error {
	var batch []model.Event
	res := tx.WithContext(ctx).Order("sequence").FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
	return res.Error
}

// GetOffsetForUpdate locks the consumer's offset row, creating it at zero on
// first tick. The lock serializes ticks of the same consumer.
func (r *Repository) GetOffsetForUpdate(ctx context.Context, tx *gorm.DB, consumer string) (*model.ConsumerOffset, error) {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ConsumerOffset{ConsumerName: consumer}).Error; err != nil {
		return nil, err
	}
	var off model.ConsumerOffset
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("consumer_name = ?", consumer).First(&off).Error; err != nil {
		return nil, err
	}
	return &off, nil
}

// SaveOffset moves the committed offset. Callers only pass values computed
// over a contiguous Processed prefix, so the column never moves backwards.
func (r *Repository) SaveOffset(ctx context.Context, tx *gorm.DB, consumer string, seq uint64) error {
	return tx.WithContext(ctx).Model(&model.ConsumerOffset{}).
		Where("consumer_name = ?", consumer).
		Update("last_committed_sequence", seq).Error
}

// LedgerStatus returns the recorded status for (consumer, seq), or "" when the
// event is unseen by this consumer.
func (r *Repository) LedgerStatus(ctx context.Context, tx *gorm.DB, consumer string, seq uint64) (string, error) {
	var entry model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("consumer_name = ? AND event_sequence = ?", consumer, seq).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Status, nil
}

// UpsertLedger records or transitions the (consumer, seq) status.
func (r *Repository) UpsertLedger(ctx context.Context, tx *gorm.DB, consumer string, seq uint64, status string) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "consumer_name"}, {Name: "event_sequence"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": status, "updated_at": time.Now()}),
	}).Create(&model.LedgerEntry{
		ConsumerName:  consumer,
		EventSequence: seq,
		Status:        status,
	}).Error
}

// DeleteLedger wipes one consumer's ledger; only full replay calls this.
func (r *Repository) DeleteLedger(ctx context.Context, tx *gorm.DB, consumer string) error {
	return tx.WithContext(ctx).
		Where("consumer_name = ?", consumer).
		Delete(&model.LedgerEntry{}).Error
}

// OldestWaiting returns the oldest event this consumer has marked Waiting,
// nil when no Waiting entry exists.
func (r *Repository) OldestWaiting(ctx context.Context, tx *gorm.DB, consumer string) (*model.Event, error) {
	var e model.Event
	err := tx.WithContext(ctx).Model(&model.Event{}).
		Joins("JOIN consumer_ledger cl ON cl.event_sequence = event_log.sequence AND cl.consumer_name = ?", consumer).
		Where("cl.status = ?", model.StatusWaiting).
		Order("event_log.sequence").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// OldestBeyond returns the first event past afterSeq regardless of ledger
// status, nil when the consumer has caught up with the log. A Processed hit
// here means a crash-retried tick; the caller skips application for it.
func (r *Repository) OldestBeyond(ctx context.Context, tx *gorm.DB, afterSeq uint64) (*model.Event, error) {
	var e model.Event
	err := tx.WithContext(ctx).
		Where("sequence > ?", afterSeq).
		Order("sequence").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ContiguousProcessedFrom scans forward from `from` and returns the largest N
// such that every sequence in (from, N] is Processed for this consumer. The
// scan halts at the first gap or Waiting entry, which keeps not-yet-applied
// events behind the offset.
func (r *Repository) ContiguousProcessedFrom(ctx context.Context, tx *gorm.DB, consumer string, from uint64) (uint64, error) {
	var entries []model.LedgerEntry
	if err := tx.WithContext(ctx).
		Where("consumer_name = ? AND event_sequence > ?", consumer, from).
		Order("event_sequence").
		Find(&entries).Error; err != nil {
		return 0, err
	}
	next := from
	for _, en := range entries {
		if en.EventSequence != next+1 || en.Status != model.StatusProcessed {
			break
		}
		next = en.EventSequence
	}
	return next, nil
}

// GetProjection loads one projection row, nil when absent.
func (r *Repository) GetProjection(ctx context.Context, tx *gorm.DB, aggregateID string) (*model.OrderProjection, error) {
	var p model.OrderProjection
	err := tx.WithContext(ctx).Where("aggregate_id = ?", aggregateID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProjection upserts a projection row.
func (r *Repository) SaveProjection(ctx context.Context, tx *gorm.DB, p *model.OrderProjection) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		UpdateAll: true,
	}).Create(p).Error
}

// ListProjections fetches projection rows in aggregate id order, starting
// past afterID. Integrity scans page through the table with it.
func (r *Repository) ListProjections(ctx context.Context, afterID string, limit int) ([]model.OrderProjection, error) {
	var ps []model.OrderProjection
	q := r.db.WithContext(ctx).
		Where("aggregate_id > ?", afterID).
		Order("aggregate_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&ps).Error
	return ps, err
}

// DeleteAllProjections drops the derived read model; only full replay calls this.
func (r *Repository) DeleteAllProjections(ctx context.Context, tx *gorm.DB) error {
	return tx.WithContext(ctx).Where("1 = 1").Delete(&model.OrderProjection{}).Error
}

// GetRelayCursorForUpdate locks the relay watermark row, creating it at zero.
func (r *Repository) GetRelayCursorForUpdate(ctx context.Context, tx *gorm.DB) (*model.RelayCursor, error) {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RelayCursor{ID: 1}).Error; err != nil {
		return nil, err
	}
	var c model.RelayCursor
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", 1).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveRelayCursor advances the publish watermark.
func (r *Repository) SaveRelayCursor(ctx context.Context, tx *gorm.DB, seq uint64) error {
	return tx.WithContext(ctx).Model(&model.RelayCursor{}).
		Where("id = ?", 1).Update("last_published_sequence", seq).Error
}

// PublishEvent sends one log event to Kafka, keyed by aggregate so per-order
// ordering survives partitioning.
func (r *Repository) PublishEvent(ctx context.Context, e model.Event) error {
	value, err := json.Marshal(map[string]interface{}{
		"sequence":       e.Sequence,
		"id":             e.ID,
		"aggregate_id":   e.AggregateID,
		"aggregate_type": e.AggregateType,
		"event_type":     e.EventType,
		"version":        e.Version,
		"payload":        json.RawMessage(e.Payload),
		"emitted_by":     e.EmittedBy,
		"event_time":     e.EventTime,
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.AggregateID),
		Value: value,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheProjection writes Redis.
func (r *Repository) CacheProjection(ctx context.Context, p *model.OrderProjection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, fmt.Sprintf("payment:%s", p.AggregateID), data, 5*time.Minute).Err()
}

// GetCachedProjection reads Redis.
func (r *Repository) GetCachedProjection(ctx context.Context, aggregateID string) (*model.OrderProjection, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("payment:%s", aggregateID)).Result()
	if err != nil {
		return nil, err
	}
	var p model.OrderProjection
	if err := json.Unmarshal([]byte(str), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
