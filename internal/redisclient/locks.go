package redisclient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"charter-service/internal/apperr"
	"charter-service/internal/models"
	"charter-service/internal/util"
)

const lockPrefix = "lock:"

// TryAcquire takes the lock on key for ttl with a single SET NX PX. It never
// queues: a held lock yields models.ErrLockBusy immediately. The returned
// holder token is required to release the lock.
func (c *Client) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	defer func() {
		util.LockAcquireLatency.Observe(time.Since(start).Seconds())
	}()

	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", apperr.Unavailable("redis", err)
	}
	if !ok {
		return "", models.ErrLockBusy
	}
	return token, nil
}

// Release deletes the lock only if it is still owned by token. It reports
// whether a lock was actually deleted; false means it expired or changed hands.
func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{lockPrefix + key}, token).Int64()
	if err != nil {
		return false, apperr.Unavailable("redis", err)
	}
	if n == 0 {
		util.LockReleaseMisses.Inc()
	}
	return n == 1, nil
}
