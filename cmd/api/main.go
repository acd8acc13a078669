package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
	pkgresponse "github.com/mwork/credit-ledger/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "credit-api"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting credit ledger API")

	ctx := context.Background()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{})
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

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, db, svc, jwtService),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// pinger is satisfied by *sqlx.DB.
type pinger interface {
	PingContext(ctx context.Context) error
}

func newRouter(cfg *config.Config, db pinger, svc credit.Service, jwtService *jwt.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(middleware.Timeout(cfg.LedgerOpTimeout + 5*time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				pkgresponse.RetryLater(w)
				return
			}
		}
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"service": "credit-ledger",
			"env":     cfg.Env,
		})
	})

	authMiddleware := middleware.Auth(jwtService)
	handler := credit.NewHandler(svc)

	r.Mount("/api/v1/credits", handler.Routes(authMiddleware))
	r.Mount("/api/internal/credits", handler.InternalRoutes(authMiddleware))

	return r
}
