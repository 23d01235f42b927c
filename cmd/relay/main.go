package main

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/payment-event-service/internal/config"
	"github.com/richardliu001/payment-event-service/internal/logger"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	ticker := time.NewTicker(cfg.Relay.PollInterval)
	defer ticker.Stop()

	log.Info("payment-event-relay started")
	for range ticker.C {
		ctx := context.Background()
		// One transaction per batch: the FOR UPDATE on the cursor row holds
		// until commit, so concurrent relay instances cannot double-publish.
		err := repository.DB(ctx).Transaction(func(tx *gorm.DB) error {
			cursor, err := repository.GetRelayCursorForUpdate(ctx, tx)
			if err != nil {
				return err
			}
			events, err := repository.EventsAfter(ctx, tx, cursor.LastPublishedSequence, cfg.Relay.BatchSize)
			if err != nil {
				return err
			}
			for _, evt := range events {
				if err := repository.PublishEvent(ctx, evt); err != nil {
					// Stop at the first failure so the cursor never skips an
					// event; the batch commits up to the last published one
					// and the next poll retries from there.
					log.Errorf("publish seq=%d: %v", evt.Sequence, err)
					break
				}
				if err := repository.SaveRelayCursor(ctx, tx, evt.Sequence); err != nil {
					return err
				}
				log.Infof("event %d relayed", evt.Sequence)
			}
			return nil
		})
		if err != nil {
			log.Errorf("relay batch: %v", err)
		}
	}
}
