package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"charter-service/internal/models"
)

const bookingColumns = `id, hold_id, payment_reference, status, amount, currency, payment_link, created_at, paid_at`

func (s *Store) GetBookingByHoldID(ctx context.Context, holdID string) (*models.Booking, error) {
	var b models.Booking
	err := sqlx.GetContext(ctx, s.ext(ctx), &b,
		`SELECT `+bookingColumns+` FROM bookings WHERE hold_id = $1`, holdID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get booking", err)
	}
	return &b, nil
}

// CreateBooking inserts b unless the hold already has a booking, in which
// case it returns false.
func (s *Store) CreateBooking(ctx context.Context, b *models.Booking) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hold_id) DO NOTHING`,
		b.ID, b.HoldID, b.PaymentReference, b.Status, b.Amount, b.Currency, b.PaymentLink,
		b.CreatedAt, b.PaidAt)
	if err != nil {
		return false, dbError("create booking", err)
	}
	created, err := rowsChanged(res)
	if err != nil {
		return false, dbError("create booking", err)
	}
	return created, nil
}

// MarkBookingPaid moves a PENDING booking to PAID. False means it was not PENDING.
func (s *Store) MarkBookingPaid(ctx context.Context, id, paymentRef string, paidAt time.Time) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE bookings SET status = 'PAID', payment_reference = $1, paid_at = $2
		WHERE id = $3 AND status = 'PENDING'`,
		paymentRef, paidAt, id)
	if err != nil {
		return false, dbError("mark booking paid", err)
	}
	changed, err := rowsChanged(res)
	if err != nil {
		return false, dbError("mark booking paid", err)
	}
	return changed, nil
}

func (s *Store) SetPaymentLink(ctx context.Context, id, link string) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		`UPDATE bookings SET payment_link = $1 WHERE id = $2`, link, id)
	if err != nil {
		return dbError("set payment link", err)
	}
	return nil
}
