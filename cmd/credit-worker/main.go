package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/joblock"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// sweepChannel lets other services trigger a run ahead of the next tick.
const sweepChannel = "credits:sweep"

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "credit-worker"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Dur("interval", cfg.SweepInterval).Msg("Starting credit-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{MaxOpenConns: 10})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	opts := cfg.LedgerOptions()
	opts.Publisher = credit.NewRedisAlertPublisher(rdb)
	svc := credit.NewService(credit.NewRepository(db, cfg.LedgerLockTimeout), opts)

	var locker credit.Locker
	if l := joblock.New(rdb); l != nil {
		locker = l
	} else {
		log.Warn().Msg("Running without job lock, do not start more than one worker")
	}
	scheduler := credit.NewScheduler(svc, cfg.CreditWarningLeadDays, locker)

	// Optional: Redis pub/sub wake-up (the ticker still runs)
	if rdb != nil {
		go subscribeWakeups(ctx, rdb, scheduler)
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	scheduler.Start(ctx, cfg.SweepInterval)
	log.Info().Msg("credit-worker stopped")
}

func subscribeWakeups(ctx context.Context, rdb *redis.Client, scheduler *credit.Scheduler) {
	sub := rdb.Subscribe(ctx, sweepChannel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			log.Debug().Str("payload", msg.Payload).Msg("Sweep wake-up received")
			scheduler.Wake()
		}
	}
}
