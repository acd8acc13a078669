// Package joblock provides a Redis lease so a periodic job runs on one
// worker at a time.
package joblock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes leases with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// New returns nil when client is nil so callers can run unlocked.
func New(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{client: client}
}

// TryLock acquires key for ttl. ok is false when another holder owns it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()

	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to release job lock")
		}
	}
	return release, true, nil
}
