// Package lockmgr implements the Distributed Lock capability from
// spec.md §5: one advisory lease per (symbol, side) serializes the
// dispatcher's otherwise-concurrent pipeline runs for the same exchange
// position.
package lockmgr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
)

// releaseScript performs a compare-and-delete: only the holder that set the
// token may release it, so a lease that outlived its owner (e.g. after a
// goroutine panic recovery) can't be torn down by a later, unrelated holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript renews TTL only if the caller still holds the lease.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// ErrNotHeld is returned by Release/Extend when the lease token doesn't
// match what's currently stored — another holder already has it, or it
// expired.
var ErrNotHeld = errors.New("lockmgr: lease not held")

// Manager acquires and releases per-key advisory leases backed by Redis.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger

	releaseSHA string
	extendSHA  string
}

func New(rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger.Named("lockmgr")}
}

// Lease is a held advisory lock; callers must call Release when done with
// the critical section, typically via defer.
type Lease struct {
	key   string
	token string
}

// Acquire blocks, polling at a short interval, until the lease at key is
// obtained or timeout elapses. ttl bounds how long the lease survives
// without renewal, guarding against a crashed holder wedging the key
// forever.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	pollInterval := 20 * time.Millisecond

	for {
		ok, err := m.rdb.SetNX(ctx, redisKey(key), token, ttl).Result()
		if err != nil {
			return nil, domain.NewTransientExchangeError("lock_acquire", err)
		}
		if ok {
			return &Lease{key: key, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, domain.NewLockTimeout(key)
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewLockTimeout(key)
		case <-time.After(pollInterval):
		}
	}
}

// Release performs the compare-and-delete; a lease that has already
// expired or been taken over by another holder is not an error — the
// critical section is over either way.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	res, err := m.rdb.Eval(ctx, releaseScript, []string{redisKey(lease.key)}, lease.token).Result()
	if err != nil {
		return domain.NewTransientExchangeError("lock_release", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		m.logger.Warn("release on lease not held (already expired or stolen)", zap.String("key", lease.key))
	}
	return nil
}

// Extend renews the lease's TTL if it's still held by this caller, so a
// holder can keep the lock past the original ttl. No engine code path
// calls it.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	res, err := m.rdb.Eval(ctx, extendScript, []string{redisKey(lease.key)}, lease.token, ttl.Milliseconds()).Result()
	if err != nil {
		return domain.NewTransientExchangeError("lock_extend", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}

func redisKey(key string) string {
	return "trade-engine:lock:" + key
}
