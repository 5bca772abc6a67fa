package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LockManager is a non-blocking distributed lock with owner tokens.
// *redisclient.Client implements it.
type LockManager interface {
	// TryAcquire returns a holder token, models.ErrLockBusy when the lock is
	// taken, or an Unavailable error when the backend cannot be reached.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release deletes the lock only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
}

func slotLockKey(slotID string) string {
	return "slot:" + slotID
}

// releaseLock is best effort: a missed release only delays reuse until the TTL.
func releaseLock(ctx context.Context, locks LockManager, logger *zap.Logger, key, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	released, err := locks.Release(ctx, key, token)
	if err != nil {
		logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if !released {
		logger.Debug("lock already gone on release", zap.String("key", key))
	}
}
