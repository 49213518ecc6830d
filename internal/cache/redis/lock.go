package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token, so
// a holder whose ttl lapsed cannot release the next holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked Lua unlock. It guards single-runner jobs such as the
// reconcile sweep across instances sharing one Redis.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script // Run tries EVALSHA, then falls back to EVAL
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

// lockKey namespaces lock names away from cache and dedup keys.
func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes key for ttl. Each acquisition stores a fresh random token as
// the value, which unlock must present.
//
// It returns an error wrapping domain.ErrLockHeld when another holder has the
// key. The returned unlock is idempotent and uses its own five second
// context so it works after the caller's context is done. A lock whose
// holder dies is released by Redis when ttl expires.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	// The first call releases; later calls are no-ops.
	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}
