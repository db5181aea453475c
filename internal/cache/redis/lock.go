package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// unlockLua deletes the lock key only while it still holds the caller's
// token, so an expired holder cannot release a newer one.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// JobLock implements domain.JobLock with SET NX and a TTL. The scheduler
// uses it so that only one replica runs a given cron slot.
type JobLock struct {
	c        *Client
	unlockSc *redis.Script
}

// NewJobLock creates a JobLock backed by the given Client.
func NewJobLock(c *Client) *JobLock {
	return &JobLock{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire takes the lock for key. It returns domain.ErrLockHeld when another
// holder owns it. The returned unlock func may be called more than once.
func (jl *JobLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := jl.c.key("lock", key)

	ok, err := jl.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// the caller's context may already be cancelled
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = jl.unlockSc.Run(unlockCtx, jl.c.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.JobLock = (*JobLock)(nil)
