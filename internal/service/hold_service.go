package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/util"
)

const (
	defaultHoldTTL      = 15 * time.Minute
	defaultClaimPoll    = 50 * time.Millisecond
	defaultClaimWait    = 3 * time.Second
	defaultClaimTimeout = 2 * time.Minute
	defaultSweepBatch   = 100

	maxIdempotencyKeyLen = 255
)

// HoldService runs the hold state machine:
//
//	REQUESTED -> LOCK_ACQUIRED -> ACTIVE -> CONSUMED | EXPIRED | RELEASED
//
// REQUESTED and LOCK_ACQUIRED rows are claims owned by an in-flight request.
// A claim that cannot be activated is deleted again.
type HoldService struct {
	holds     HoldRepository
	quotes    QuoteRepository
	slots     *SlotService
	locks     LockManager
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger

	holdTTL      time.Duration
	claimPoll    time.Duration
	claimWait    time.Duration
	claimTimeout time.Duration
	sweepBatch   int
}

type HoldOption func(*HoldService)

func WithHoldTTL(d time.Duration) HoldOption {
	return func(s *HoldService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithClaimWait bounds how long a request waits on a concurrent request
// holding the same idempotency key.
func WithClaimWait(poll, wait time.Duration) HoldOption {
	return func(s *HoldService) {
		if poll > 0 {
			s.claimPoll = poll
		}
		if wait >= 0 {
			s.claimWait = wait
		}
	}
}

// WithClaimTimeout sets the age after which the sweeper removes unsettled claims.
func WithClaimTimeout(d time.Duration) HoldOption {
	return func(s *HoldService) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

func WithSweepBatch(n int) HoldOption {
	return func(s *HoldService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func NewHoldService(
	holds HoldRepository,
	quotes QuoteRepository,
	slots *SlotService,
	locks LockManager,
	publisher EventPublisher,
	clk clock.Clock,
	opts ...HoldOption,
) *HoldService {
	s := &HoldService{
		holds:        holds,
		quotes:       quotes,
		slots:        slots,
		locks:        locks,
		publisher:    publisher,
		clock:        clk,
		logger:       util.Named("holds"),
		holdTTL:      defaultHoldTTL,
		claimPoll:    defaultClaimPoll,
		claimWait:    defaultClaimWait,
		claimTimeout: defaultClaimTimeout,
		sweepBatch:   defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateHold places a hold on the quote's slot. Requests repeating an
// idempotency key get the original hold back instead of a new one.
func (s *HoldService) CreateHold(ctx context.Context, quoteToken, idempotencyKey string) (*models.Hold, error) {
	ctx, span := util.StartSpan(ctx, "HoldService.CreateHold")
	defer span.End()

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, models.ErrIdempotencyKeyRequired
	}
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return nil, apperr.Validation("idempotency_key_too_long", "idempotency key is too long")
	}

	hold, err := s.createHold(ctx, quoteToken, idempotencyKey, 0)
	util.RecordError(span, err)
	return hold, err
}

func (s *HoldService) createHold(ctx context.Context, quoteToken, key string, attempt int) (*models.Hold, error) {
	existing, err := s.awaitSettled(ctx, key)
	if err != nil {
		return nil, err
	}

	quote, err := s.quotes.GetQuoteByToken(ctx, quoteToken)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.replay(existing, quote)
	}
	if quote == nil {
		return nil, models.ErrQuoteNotFound
	}

	now := s.clock.Now()
	ttl := s.holdTTL
	if remaining := quote.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	// PX has millisecond resolution; anything shorter cannot be locked.
	if ttl < time.Millisecond {
		return nil, models.ErrQuoteExpired
	}

	hold := &models.Hold{
		ID:             uuid.NewString(),
		QuoteID:        quote.ID,
		SlotID:         quote.SlotID,
		IdempotencyKey: key,
		Status:         models.HoldRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	claimed, err := s.holds.ClaimHold(ctx, hold)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the race for the key: wait for the winner and replay its result.
		if attempt > 0 {
			return nil, models.ErrIdempotencyInFlight
		}
		return s.createHold(ctx, quoteToken, key, attempt+1)
	}

	if err := s.activate(ctx, hold, now, ttl); err != nil {
		s.abandonClaim(ctx, hold)
		s.logger.Info("hold rejected",
			zap.String("slot_id", hold.SlotID),
			zap.String("quote_id", hold.QuoteID),
			zap.Error(err))
		return nil, err
	}

	util.HoldsCreatedTotal.Inc()
	s.logger.Info("hold created",
		zap.String("hold_id", hold.ID),
		zap.String("slot_id", hold.SlotID),
		zap.Time("expires_at", *hold.ExpiresAt))
	s.publish(ctx, hold, models.EventTypeHoldCreated)
	return hold, nil
}

// activate takes the slot lock and moves the claim to ACTIVE. On failure the
// lock is released again; the caller removes the claim.
func (s *HoldService) activate(ctx context.Context, hold *models.Hold, now time.Time, ttl time.Duration) error {
	key := slotLockKey(hold.SlotID)
	token, err := s.locks.TryAcquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, models.ErrLockBusy) {
			util.HoldConflictsTotal.WithLabelValues("lock_busy").Inc()
		}
		return err
	}

	if err := hold.Transition(models.HoldLockAcquired); err != nil {
		releaseLock(ctx, s.locks, s.logger, key, token)
		return err
	}
	hold.LockToken = token
	hold.UpdatedAt = s.clock.Now()
	if err := s.holds.TransitionHold(ctx, hold, models.HoldRequested); err != nil {
		releaseLock(ctx, s.locks, s.logger, key, token)
		return err
	}

	err = s.holds.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.slots.MarkHeld(txCtx, hold.SlotID); err != nil {
			return err
		}
		next := *hold
		if err := next.Transition(models.HoldActive); err != nil {
			return err
		}
		expiresAt := now.Add(ttl)
		next.ExpiresAt = &expiresAt
		next.UpdatedAt = s.clock.Now()
		if err := s.holds.TransitionHold(txCtx, &next, models.HoldLockAcquired); err != nil {
			return err
		}
		*hold = next
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrSlotUnavailable) {
			util.HoldConflictsTotal.WithLabelValues("slot_unavailable").Inc()
		}
		releaseLock(ctx, s.locks, s.logger, key, token)
		return err
	}
	return nil
}

func (s *HoldService) abandonClaim(ctx context.Context, hold *models.Hold) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.holds.DeleteClaim(ctx, hold.ID); err != nil {
		s.logger.Error("failed to delete hold claim, sweeper will retry",
			zap.String("hold_id", hold.ID), zap.Error(err))
	}
}

// awaitSettled returns the hold stored under key once no request is still
// working on it, or nil when the key is unused.
func (s *HoldService) awaitSettled(ctx context.Context, key string) (*models.Hold, error) {
	deadline := time.Now().Add(s.claimWait)
	for {
		h, err := s.holds.FindHoldByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if h == nil || !h.Status.InFlight() {
			return h, nil
		}
		if !time.Now().Before(deadline) {
			return nil, models.ErrIdempotencyInFlight
		}

		timer := time.NewTimer(s.claimPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *HoldService) replay(existing *models.Hold, quote *models.Quote) (*models.Hold, error) {
	if quote == nil || quote.ID != existing.QuoteID {
		return nil, models.ErrIdempotencyConflict
	}
	switch existing.Status {
	case models.HoldActive:
		if existing.ExpiredAt(s.clock.Now()) {
			return nil, models.ErrHoldExpired
		}
	case models.HoldConsumed:
	case models.HoldExpired, models.HoldReleased:
		return nil, models.ErrHoldExpired
	default:
		return nil, models.ErrIdempotencyInFlight
	}
	util.HoldReplaysTotal.Inc()
	s.logger.Debug("hold replayed", zap.String("hold_id", existing.ID))
	return existing, nil
}

func (s *HoldService) GetHold(ctx context.Context, holdID string) (*models.Hold, error) {
	hold, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, models.ErrHoldNotFound
	}
	return hold, nil
}

// ReleaseHold cancels an active hold on behalf of the request that created
// it, identified by its idempotency key.
func (s *HoldService) ReleaseHold(ctx context.Context, holdID, idempotencyKey string) (*models.Hold, error) {
	ctx, span := util.StartSpan(ctx, "HoldService.ReleaseHold")
	defer span.End()

	hold, err := s.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(idempotencyKey) != hold.IdempotencyKey {
		return nil, models.ErrHoldNotOwned
	}
	released, err := s.reclaim(ctx, holdID, models.HoldReleased)
	util.RecordError(span, err)
	return released, err
}

type SweepResult struct {
	Expired     int
	StaleClaims int
}

// SweepExpired expires every ACTIVE hold past its deadline and clears claims
// left behind by crashed requests.
func (s *HoldService) SweepExpired(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "HoldService.SweepExpired")
	defer span.End()

	start := time.Now()
	defer func() { util.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	now := s.clock.Now()

	// Rows that fail stay listed; they are skipped for the rest of this pass
	// so the pages behind them still drain.
	failed := make(map[string]struct{})

	for ctx.Err() == nil {
		limit := s.sweepBatch + len(failed)
		expired, err := s.holds.ListExpiredHolds(ctx, now, limit)
		if err != nil {
			util.RecordError(span, err)
			return res, err
		}
		progressed := false
		for _, h := range expired {
			if _, skip := failed[h.ID]; skip {
				continue
			}
			progressed = true
			if _, err := s.reclaim(ctx, h.ID, models.HoldExpired); err != nil {
				failed[h.ID] = struct{}{}
				if !errors.Is(err, models.ErrHoldNotActive) {
					s.logger.Warn("failed to expire hold", zap.String("hold_id", h.ID), zap.Error(err))
				}
				continue
			}
			res.Expired++
		}
		if !progressed || len(expired) < limit {
			break
		}
	}

	for ctx.Err() == nil {
		limit := s.sweepBatch + len(failed)
		stale, err := s.holds.ListStaleClaims(ctx, now.Add(-s.claimTimeout), limit)
		if err != nil {
			util.RecordError(span, err)
			return res, err
		}
		progressed := false
		for _, h := range stale {
			if _, skip := failed[h.ID]; skip {
				continue
			}
			progressed = true
			if err := s.holds.DeleteClaim(ctx, h.ID); err != nil {
				failed[h.ID] = struct{}{}
				s.logger.Warn("failed to delete stale claim", zap.String("hold_id", h.ID), zap.Error(err))
				continue
			}
			releaseLock(ctx, s.locks, s.logger, slotLockKey(h.SlotID), h.LockToken)
			util.HoldsReclaimedTotal.WithLabelValues("stale_claim").Inc()
			res.StaleClaims++
		}
		if !progressed || len(stale) < limit {
			break
		}
	}

	if res.Expired > 0 || res.StaleClaims > 0 {
		s.logger.Info("sweep finished",
			zap.Int("expired", res.Expired),
			zap.Int("stale_claims", res.StaleClaims))
	}
	return res, nil
}

// reclaim ends an ACTIVE hold with target status and gives the slot back.
func (s *HoldService) reclaim(ctx context.Context, holdID string, target models.HoldStatus) (*models.Hold, error) {
	var reclaimed *models.Hold
	err := s.holds.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := s.holds.GetHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}
		if cur == nil {
			return models.ErrHoldNotFound
		}
		if cur.Status != models.HoldActive {
			return models.ErrHoldNotActive
		}
		if err := cur.Transition(target); err != nil {
			return err
		}
		cur.UpdatedAt = s.clock.Now()
		if err := s.holds.TransitionHold(txCtx, cur, models.HoldActive); err != nil {
			return err
		}
		if err := s.slots.MarkAvailable(txCtx, cur.SlotID); err != nil {
			return err
		}
		reclaimed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	releaseLock(ctx, s.locks, s.logger, slotLockKey(reclaimed.SlotID), reclaimed.LockToken)
	util.HoldsReclaimedTotal.WithLabelValues(strings.ToLower(string(target))).Inc()
	s.logger.Info("hold reclaimed",
		zap.String("hold_id", reclaimed.ID),
		zap.String("slot_id", reclaimed.SlotID),
		zap.String("status", string(reclaimed.Status)))

	eventType := models.EventTypeHoldReleased
	if target == models.HoldExpired {
		eventType = models.EventTypeHoldExpired
	}
	s.publish(ctx, reclaimed, eventType)
	return reclaimed, nil
}

func (s *HoldService) publish(ctx context.Context, h *models.Hold, eventType string) {
	if s.publisher == nil {
		return
	}
	event := &models.HoldEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: eventType,
			Timestamp: s.clock.Now(),
		},
		HoldID:    h.ID,
		SlotID:    h.SlotID,
		QuoteID:   h.QuoteID,
		Status:    h.Status,
		ExpiresAt: h.ExpiresAt,
	}
	if err := s.publisher.PublishHoldEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish hold event",
			zap.String("hold_id", h.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
