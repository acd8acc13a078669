package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn, error, fatal
	Environment string // development, production, test
	LogFile     string // optional file path for logs
	Service     string // added to every line as "service"
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Error().Err(err).Str("file", cfg.LogFile).Msg("Failed to open log file")
		} else {
			writers = append(writers, file)
		}
	}

	if cfg.Environment == "development" || cfg.Environment == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().Caller().Logger()
	} else {
		// JSON in production
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	if cfg.Service != "" {
		log.Logger = log.Logger.With().Str("service", cfg.Service).Logger()
	}
	return nil
}

type contextKey string

// ContextKey is the key used to store logger in context
const ContextKey contextKey = "logger"

// FromContext returns the logger from context or the global logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ContextKey).(*zerolog.Logger); ok && l != nil {
		return l
	}
	return &log.Logger
}

// WithContext returns a context with the logger attached
func WithContext(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ContextKey, logger)
}

// WithFields returns ctx carrying a child of its logger with the given string fields.
func WithFields(ctx context.Context, kv ...string) context.Context {
	c := FromContext(ctx).With()
	for i := 0; i+1 < len(kv); i += 2 {
		c = c.Str(kv[i], kv[i+1])
	}
	l := c.Logger()
	return WithContext(ctx, &l)
}
