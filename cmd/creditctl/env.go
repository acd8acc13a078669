package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// ledgerEnv holds the connections a command opened.
type ledgerEnv struct {
	cfg *config.Config
	db  *sqlx.DB
	rdb *redis.Client
	svc credit.Service
}

func openConfig() *config.Config {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "creditctl"}); err != nil {
		log.Warn().Err(err).Msg("Failed to init logger")
	}
	return cfg
}

func openLedger(ctx context.Context) (*ledgerEnv, error) {
	cfg := openConfig()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		return nil, err
	}

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, alerts will only be stored")
		rdb = nil
	}

	opts := cfg.LedgerOptions()
	opts.Publisher = credit.NewRedisAlertPublisher(rdb)

	return &ledgerEnv{
		cfg: cfg,
		db:  db,
		rdb: rdb,
		svc: credit.NewService(credit.NewRepository(db, cfg.LedgerLockTimeout), opts),
	}, nil
}

func (e *ledgerEnv) Close() {
	database.CloseRedis(e.rdb)
	database.ClosePostgres(e.db)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
