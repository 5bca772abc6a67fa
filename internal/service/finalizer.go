package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/util"
)

// Finalizer turns a confirmed, unexpired hold into a paid booking.
type Finalizer struct {
	holds     HoldRepository
	bookings  BookingRepository
	quotes    QuoteRepository
	slots     *SlotService
	locks     LockManager
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

func NewFinalizer(
	holds HoldRepository,
	bookings BookingRepository,
	quotes QuoteRepository,
	slots *SlotService,
	locks LockManager,
	publisher EventPublisher,
	clk clock.Clock,
) *Finalizer {
	return &Finalizer{
		holds:     holds,
		bookings:  bookings,
		quotes:    quotes,
		slots:     slots,
		locks:     locks,
		publisher: publisher,
		clock:     clk,
		logger:    util.Named("finalizer"),
	}
}

type finalizeResult struct {
	booking *models.Booking
	hold    *models.Hold
	quote   *models.Quote
	changed bool
}

// Finalize consumes the hold, books its slot and marks the booking paid.
// Finalizing an already consumed hold returns the existing booking.
func (f *Finalizer) Finalize(ctx context.Context, holdID, paymentRef string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "Finalizer.Finalize")
	defer span.End()

	var res *finalizeResult
	err := f.holds.WithTx(ctx, func(txCtx context.Context) error {
		r, err := f.finalizeTx(txCtx, holdID, paymentRef, 0)
		res = r
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	f.afterCommit(ctx, res)
	return res.booking, nil
}

// finalizeTx must run inside a transaction. Every rejection is decided before
// the first write, so callers may record a rejection and still commit.
// paidAmount <= 0 skips the amount check.
func (f *Finalizer) finalizeTx(ctx context.Context, holdID, paymentRef string, paidAmount int64) (*finalizeResult, error) {
	hold, err := f.holds.GetHoldForUpdate(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, models.ErrHoldNotFound
	}
	booking, err := f.bookings.GetBookingByHoldID(ctx, holdID)
	if err != nil {
		return nil, err
	}

	switch hold.Status {
	case models.HoldConsumed:
		if booking != nil && booking.Status == models.BookingPaid {
			return &finalizeResult{booking: booking, hold: hold}, nil
		}
		return nil, models.ErrInvalidTransition.Wrap(fmt.Errorf("hold %s consumed without paid booking", holdID))
	case models.HoldExpired, models.HoldReleased:
		return nil, models.ErrHoldExpired
	case models.HoldActive:
	default:
		return nil, models.ErrHoldNotActive
	}

	now := f.clock.Now()
	if hold.ExpiredAt(now) {
		return nil, models.ErrHoldExpired
	}
	if booking != nil && !booking.Status.CanTransition(models.BookingPaid) {
		return nil, models.ErrInvalidTransition.Wrap(fmt.Errorf("booking %s is %s", booking.ID, booking.Status))
	}

	quote, err := f.quotes.GetQuoteByID(ctx, hold.QuoteID)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, models.ErrQuoteNotFound
	}
	if paidAmount > 0 && paidAmount != quote.TotalAmount {
		return nil, models.ErrAmountMismatch
	}

	if err := hold.Transition(models.HoldConsumed); err != nil {
		return nil, err
	}
	hold.UpdatedAt = now
	if err := f.holds.TransitionHold(ctx, hold, models.HoldActive); err != nil {
		return nil, err
	}
	if err := f.slots.MarkBooked(ctx, hold.SlotID); err != nil {
		return nil, fmt.Errorf("failed to book slot %s: %w", hold.SlotID, err)
	}

	if booking == nil {
		booking = &models.Booking{
			ID:        uuid.NewString(),
			HoldID:    hold.ID,
			Status:    models.BookingPending,
			Amount:    quote.TotalAmount,
			Currency:  quote.Currency,
			CreatedAt: now,
		}
		created, err := f.bookings.CreateBooking(ctx, booking)
		if err != nil {
			return nil, err
		}
		if !created {
			if booking, err = f.bookings.GetBookingByHoldID(ctx, hold.ID); err != nil {
				return nil, err
			}
			if booking == nil {
				return nil, models.ErrStalePrecondition
			}
		}
	}

	paid, err := f.bookings.MarkBookingPaid(ctx, booking.ID, paymentRef, now)
	if err != nil {
		return nil, err
	}
	if !paid {
		return nil, models.ErrStalePrecondition
	}
	booking.Status = models.BookingPaid
	booking.PaymentReference = paymentRef
	booking.PaidAt = &now

	return &finalizeResult{booking: booking, hold: hold, quote: quote, changed: true}, nil
}

// afterCommit runs the side effects of a committed finalization.
func (f *Finalizer) afterCommit(ctx context.Context, res *finalizeResult) {
	if res == nil || !res.changed {
		return
	}
	releaseLock(ctx, f.locks, f.logger, slotLockKey(res.hold.SlotID), res.hold.LockToken)

	util.BookingsPaidTotal.Inc()
	f.logger.Info("booking paid",
		zap.String("booking_id", res.booking.ID),
		zap.String("hold_id", res.hold.ID),
		zap.String("slot_id", res.hold.SlotID),
		zap.Int64("amount", res.booking.Amount))

	if f.publisher == nil {
		return
	}
	event := &models.BookingPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeBookingPaid,
			Timestamp: f.clock.Now(),
		},
		BookingID:        res.booking.ID,
		HoldID:           res.hold.ID,
		SlotID:           res.hold.SlotID,
		PaymentReference: res.booking.PaymentReference,
		Amount:           res.booking.Amount,
		Currency:         res.booking.Currency,
	}
	if res.quote != nil {
		event.CustomerEmail = res.quote.CustomerEmail
		event.CustomerPhone = res.quote.CustomerPhone
		event.Origin = res.quote.RouteOrigin
		event.Destination = res.quote.RouteDestination
		event.DepartureDate = res.quote.DepartureDate.Format("2006-01-02")
	}
	if err := f.publisher.PublishBookingPaid(ctx, event); err != nil {
		f.logger.Warn("failed to publish booking paid event",
			zap.String("booking_id", res.booking.ID), zap.Error(err))
	}
}
