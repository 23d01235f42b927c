package main

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/payment-event-service/internal/config"
	"github.com/richardliu001/payment-event-service/internal/logger"
	"github.com/richardliu001/payment-event-service/internal/repo"
	"github.com/richardliu001/payment-event-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
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

	repository := repo.NewRepository(gdb, rdb, nil, log)
	consumer := service.NewConsumer(repository, log)
	replay := service.NewReplay(repository, log)
	detector := service.NewDetector(repository, replay, cfg.Projector.ConsumerName, log)

	name := cfg.Projector.ConsumerName
	log.Infof("payment-projector started, consumer=%s", name)

	scanTicker := time.NewTicker(cfg.Projector.ScanInterval)
	defer scanTicker.Stop()
	go func() {
		for range scanTicker.C {
			found, err := detector.ScanAndRemediate(context.Background())
			if err != nil {
				log.Errorf("corruption scan: %v", err)
				continue
			}
			if found {
				log.Warnf("corruption remediated by full replay, consumer=%s", name)
			}
		}
	}()

	tickTicker := time.NewTicker(cfg.Projector.TickInterval)
	defer tickTicker.Stop()
	backoff := cfg.Projector.Backoff
	for range tickTicker.C {
		ctx := context.Background()
		// Drain available work, then wait for the next tick interval.
		for {
			worked, err := consumer.Tick(ctx, name)
			if err != nil {
				// Lock waits and transient faults roll back cleanly; retry
				// after a growing pause.
				log.Errorf("tick: %v", err)
				time.Sleep(backoff)
				if backoff *= 2; backoff > cfg.Projector.MaxBackoff {
					backoff = cfg.Projector.MaxBackoff
				}
				break
			}
			backoff = cfg.Projector.Backoff
			if !worked {
				break
			}
		}
	}
}
