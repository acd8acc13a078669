package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, fails with an error retryable rejects, the
// attempts are used up or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		exp.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", next).
			Msg("Transient error, retrying after backoff")
	}

	return backoff.RetryNotify(op, b, notify)
}
