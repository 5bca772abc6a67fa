package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"charter-service/internal/broker"
	"charter-service/internal/models"
	"charter-service/internal/service"
	"charter-service/internal/util"
)

const sweeperLockKey = "sweeper"

// Sweeper is implemented by *service.HoldService.
type Sweeper interface {
	SweepExpired(ctx context.Context) (service.SweepResult, error)
}

// SweeperWorker expires holds on a fixed interval. Every instance runs one,
// but only the instance holding the sweeper lock sweeps in a given tick.
type SweeperWorker struct {
	sweeper  Sweeper
	locks    service.LockManager
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeperWorker creates a new sweeper worker
func NewSweeperWorker(sweeper Sweeper, locks service.LockManager, interval time.Duration) *SweeperWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweeperWorker{
		sweeper:  sweeper,
		locks:    locks,
		interval: interval,
		logger:   util.Named("sweeper"),
	}
}

// Start blocks until ctx is canceled.
func (w *SweeperWorker) Start(ctx context.Context) error {
	w.logger.Info("starting sweeper", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep if this instance wins the sweeper lock.
// It reports whether a sweep ran.
func (w *SweeperWorker) RunOnce(ctx context.Context) bool {
	token, err := w.locks.TryAcquire(ctx, sweeperLockKey, w.interval)
	if err != nil {
		if !errors.Is(err, models.ErrLockBusy) {
			w.logger.Warn("sweeper lock unavailable, skipping tick", zap.Error(err))
		}
		return false
	}
	defer func() {
		if _, err := w.locks.Release(context.WithoutCancel(ctx), sweeperLockKey, token); err != nil {
			w.logger.Warn("failed to release sweeper lock", zap.Error(err))
		}
	}()

	if _, err := w.sweeper.SweepExpired(ctx); err != nil {
		w.logger.Error("sweep failed", zap.Error(err))
	}
	return true
}

// NotificationWorker delivers booking confirmations from the event stream.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifications *service.NotificationService) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnBookingPaid(notifications.HandleBookingPaid)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.Named("notification-worker"),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("stopping notification worker")
	return w.consumer.Close()
}
