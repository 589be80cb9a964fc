package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends a lock's TTL only if it still holds the caller's token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SETNX with a TTL and
// token-checked unlock and refresh scripts.
type LockManager struct {
	rdb       *redis.Client
	key       func(...string) string
	unlockSc  *redis.Script
	refreshSc *redis.Script
	newToken  func() string
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		key:       c.Key,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		newToken:  uuid.NewString,
	}
}

// Acquire obtains the lock for key with the given TTL. The returned unlock
// function is safe to call more than once. It returns domain.ErrLockHeld if
// another holder has the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	_, unlock, err := lm.acquire(ctx, key, ttl)
	return unlock, err
}

func (lm *LockManager) acquire(ctx context.Context, key string, ttl time.Duration) (string, func(), error) {
	token := lm.newToken()
	lk := lm.key("lock", key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return "", nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled at shutdown.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}
	return token, unlock, nil
}

// Hold acquires the lock and keeps renewing it every ttl/3 until ctx is done
// or the lock is lost. lost is closed when renewal finds another token in
// place or the lock expired; the holder must stop work at that point.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration, logger *slog.Logger) (lost <-chan struct{}, unlock func(), err error) {
	token, release, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	lostCh := make(chan struct{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
			ok, err := lm.refresh(ctx, key, token, ttl)
			if err != nil {
				logger.Warn("lock refresh failed", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if !ok {
				logger.Error("lock lost", slog.String("key", key))
				close(lostCh)
				return
			}
		}
	}()

	stopped := false
	return lostCh, func() {
		if !stopped {
			stopped = true
			close(stop)
			<-done
		}
		release()
	}, nil
}

func (lm *LockManager) refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := lm.refreshSc.Run(ctx, lm.rdb, []string{lm.key("lock", key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}

var _ domain.LockManager = (*LockManager)(nil)
