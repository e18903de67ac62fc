// ABOUTME: Redis-backed Locker for running several gateway replicas against one database
// ABOUTME: SET NX PX with a random token; release deletes only if the token still matches

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to url and verifies the connection.
// ttl bounds how long a crashed holder can block a conversation.
func NewRedis(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Redis{
		client: client,
		prefix: "handoff:lock:",
		ttl:    ttl,
		logger: logger.With("component", "lock"),
	}, nil
}

// TryLock acquires key or returns ErrLocked immediately.
func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.New().String()
	full := r.prefix + key

	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{full}, token).Err(); err != nil {
				r.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
