package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/payment"
	"charter-service/internal/pricing"
	"charter-service/internal/util"
)

// PaymentLinkCreator is implemented by *payment.Client.
type PaymentLinkCreator interface {
	CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (string, error)
}

type CheckoutService struct {
	holds    HoldRepository
	bookings BookingRepository
	quotes   QuoteRepository
	links    PaymentLinkCreator
	clock    clock.Clock
	logger   *zap.Logger
}

func NewCheckoutService(holds HoldRepository, bookings BookingRepository, quotes QuoteRepository, links PaymentLinkCreator, clk clock.Clock) *CheckoutService {
	return &CheckoutService{
		holds:    holds,
		bookings: bookings,
		quotes:   quotes,
		links:    links,
		clock:    clk,
		logger:   util.Named("checkout"),
	}
}

// Checkout opens a PENDING booking for an active hold and attaches a payment
// link. Calling it again for the same hold returns the same booking.
func (s *CheckoutService) Checkout(ctx context.Context, holdID string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	var (
		booking *models.Booking
		hold    *models.Hold
		quote   *models.Quote
	)
	err := s.holds.WithTx(ctx, func(txCtx context.Context) error {
		h, err := s.holds.GetHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}
		if h == nil {
			return models.ErrHoldNotFound
		}
		hold = h

		existing, err := s.bookings.GetBookingByHoldID(txCtx, holdID)
		if err != nil {
			return err
		}
		if existing != nil && (existing.Status == models.BookingPaid || existing.PaymentLink != "") {
			booking = existing
			return nil
		}

		switch {
		case h.Status == models.HoldExpired || h.Status == models.HoldReleased:
			return models.ErrHoldExpired
		case h.Status != models.HoldActive:
			return models.ErrHoldNotActive
		case h.ExpiredAt(s.clock.Now()):
			return models.ErrHoldExpired
		}

		q, err := s.quotes.GetQuoteByID(txCtx, h.QuoteID)
		if err != nil {
			return err
		}
		if q == nil {
			return models.ErrQuoteNotFound
		}
		quote = q

		if existing != nil {
			booking = existing
			return nil
		}
		booking = &models.Booking{
			ID:        uuid.NewString(),
			HoldID:    h.ID,
			Status:    models.BookingPending,
			Amount:    q.TotalAmount,
			Currency:  q.Currency,
			CreatedAt: s.clock.Now(),
		}
		created, err := s.bookings.CreateBooking(txCtx, booking)
		if err != nil {
			return err
		}
		if !created {
			booking, err = s.bookings.GetBookingByHoldID(txCtx, holdID)
			if err != nil {
				return err
			}
			if booking == nil {
				return models.ErrStalePrecondition
			}
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if quote == nil || booking.PaymentLink != "" || booking.Status != models.BookingPending {
		return booking, nil
	}

	req := payment.LinkRequest{
		Reference:     hold.ID,
		Name:          fmt.Sprintf("Charter %s-%s", quote.RouteOrigin, quote.RouteDestination),
		Description:   fmt.Sprintf("%s, %d pax", quote.DepartureDate.Format("2006-01-02"), quote.PassengerCount),
		AmountInCents: booking.Amount,
		Currency:      booking.Currency,
	}
	if hold.ExpiresAt != nil {
		req.ExpiresAt = *hold.ExpiresAt
	}
	link, err := s.links.CreatePaymentLink(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		s.logger.Error("failed to create payment link",
			zap.String("hold_id", hold.ID), zap.Error(err))
		return nil, apperr.Unavailable("payments", err)
	}
	if err := s.bookings.SetPaymentLink(ctx, booking.ID, link); err != nil {
		return nil, err
	}
	booking.PaymentLink = link

	s.logger.Info("checkout started",
		zap.String("booking_id", booking.ID),
		zap.String("hold_id", hold.ID),
		zap.String("amount", pricing.FormatMinor(booking.Amount, booking.Currency)))
	return booking, nil
}
