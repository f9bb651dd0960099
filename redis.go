package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker keeps session locks in Redis as "SET NX PX" keys that expire after Lease.
type RedisLocker struct {
	client       redis.UniversalClient
	prefix       string
	lease        time.Duration
	pollInterval time.Duration
}

// RedisLockerConfig holds configuration for the Redis locker.
type RedisLockerConfig struct {
	Client       redis.UniversalClient
	Prefix       string // Key prefix. Defaults to "sqlsession:lock:".
	Lease        time.Duration
	PollInterval time.Duration
}

// NewRedisLocker creates a RedisLocker on an existing client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return NewRedisLockerWithConfig(RedisLockerConfig{Client: client})
}

// NewRedisLockerWithConfig creates a RedisLocker with custom configuration.
func NewRedisLockerWithConfig(cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "sqlsession:lock:"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLockLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &RedisLocker{
		client:       cfg.Client,
		prefix:       cfg.Prefix,
		lease:        cfg.Lease,
		pollInterval: cfg.PollInterval,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, _ *sql.Conn, name string, timeout time.Duration) (Lock, error) {
	key := l.prefix + name
	owner := uuid.NewString()

	err := pollLock(ctx, timeout, l.pollInterval, func(ctx context.Context) (bool, error) {
		ok, err := l.client.SetNX(ctx, key, owner, l.lease).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set lock in redis: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLock{client: l.client, key: key, owner: owner}, nil
}

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLock struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release redis lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
