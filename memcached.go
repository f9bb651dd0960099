package sqlsession

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"
)

// MemcachedLocker keeps session locks in Memcached. Locks are taken with the atomic
// add command and expire after Lease, so a crashed holder cannot block a session
// forever. Use it when several database-backed stores need a lock namespace that
// does not depend on the database.
type MemcachedLocker struct {
	client       *memcache.Client
	lease        time.Duration
	pollInterval time.Duration
}

// MemcachedConfig holds configuration for the Memcached locker.
type MemcachedConfig struct {
	Servers      []string
	Lease        time.Duration
	PollInterval time.Duration
	Timeout      time.Duration // Timeout for Memcached operations. Defaults to 0 (no timeout) if not set.
}

// NewMemcachedLocker creates a MemcachedLocker with the default lease.
func NewMemcachedLocker(servers ...string) *MemcachedLocker {
	return NewMemcachedLockerWithConfig(MemcachedConfig{
		Servers: servers,
		Lease:   DefaultLockLease,
		// Without a timeout Open hangs as long as Memcached does.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedLockerWithConfig creates a MemcachedLocker with custom configuration.
func NewMemcachedLockerWithConfig(cfg MemcachedConfig) *MemcachedLocker {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLockLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &MemcachedLocker{
		client:       client,
		lease:        cfg.Lease,
		pollInterval: cfg.PollInterval,
	}
}

func (l *MemcachedLocker) Acquire(ctx context.Context, _ *sql.Conn, name string, timeout time.Duration) (Lock, error) {
	key := memcachedLockKey(name)
	owner := uuid.NewString()

	err := pollLock(ctx, timeout, l.pollInterval, func(context.Context) (bool, error) {
		err := l.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte(owner),
			Expiration: calculateMemcachedExpiration(time.Now(), l.lease),
		})
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to add lock to memcached: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memcachedLock{client: l.client, key: key, owner: owner}, nil
}

type memcachedLock struct {
	client *memcache.Client
	key    string
	owner  string
}

// Release deletes the lock item if it still carries this owner's token. Memcached has no
// compare-and-delete, so a lease expiring between the check and the delete can still
// drop a successor's lock; keep Lease well above request duration.
func (l *memcachedLock) Release(context.Context) error {
	item, err := l.client.Get(l.key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrLockNotHeld
	}
	if err != nil {
		return fmt.Errorf("failed to get lock from memcached: %w", err)
	}
	if string(item.Value) != l.owner {
		return ErrLockNotHeld
	}

	err = l.client.Delete(l.key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("failed to delete lock from memcached: %w", err)
	}
	return nil
}

// Session IDs may contain bytes memcached keys cannot, so keys use a digest of the name.
func memcachedLockKey(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "sqlsession:lock:" + hex.EncodeToString(sum[:])
}

// calculateMemcachedExpiration calculates the expiration value for Memcached.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix timestamps.
// Values <= 30 days are treated as a delta from the current time.
func calculateMemcachedExpiration(now time.Time, lease time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	// A large delta would be read as a timestamp in 1970 and expire immediately.
	if lease > maxDelta*time.Second {
		return int32(now.Add(lease).Unix())
	}

	// Zero means "never expires" to memcached; a lock must always expire.
	if lease < time.Second {
		return 1
	}
	return int32(lease.Seconds())
}
