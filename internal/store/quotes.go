package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"charter-service/internal/models"
)

const quoteColumns = `id, token, slot_id, route_origin, route_destination, passenger_count, departure_date,
	base_amount, fees_amount, taxes_amount, total_amount, surcharges, currency,
	customer_email, customer_phone, created_at, expires_at`

// CreateQuote persists an immutable quote
func (s *Store) CreateQuote(ctx context.Context, q *models.Quote) error {
	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		q.ID, q.Token, q.SlotID, q.RouteOrigin, q.RouteDestination, q.PassengerCount, q.DepartureDate,
		q.BaseAmount, q.FeesAmount, q.TaxesAmount, q.TotalAmount, q.Surcharges, q.Currency,
		q.CustomerEmail, q.CustomerPhone, q.CreatedAt, q.ExpiresAt)
	if err != nil {
		return dbError("insert quote", err)
	}
	return nil
}

func (s *Store) getQuote(ctx context.Context, query string, arg interface{}) (*models.Quote, error) {
	var q models.Quote
	err := sqlx.GetContext(ctx, s.ext(ctx), &q, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get quote", err)
	}
	return &q, nil
}

// GetQuoteByToken returns the quote regardless of expiry, nil if unknown.
func (s *Store) GetQuoteByToken(ctx context.Context, token string) (*models.Quote, error) {
	return s.getQuote(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE token = $1`, token)
}

func (s *Store) GetQuoteByID(ctx context.Context, id string) (*models.Quote, error) {
	return s.getQuote(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id)
}

// FindRate returns the newest rate in effect for the route on day at.
func (s *Store) FindRate(ctx context.Context, origin, destination string, at time.Time) (*models.PriceRate, error) {
	var rate models.PriceRate
	err := sqlx.GetContext(ctx, s.ext(ctx), &rate, `
		SELECT id, origin, destination, base_amount, per_extra_passenger, currency, effective_from, effective_to
		FROM price_rates
		WHERE origin = $1 AND destination = $2
		  AND effective_from <= $3 AND (effective_to IS NULL OR effective_to >= $3)
		ORDER BY effective_from DESC
		LIMIT 1`,
		origin, destination, at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("find rate", err)
	}
	return &rate, nil
}

func (s *Store) ListSurcharges(ctx context.Context) ([]models.Surcharge, error) {
	surcharges := []models.Surcharge{}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &surcharges, `
		SELECT id, code, kind, value, min_passengers, max_passengers, active
		FROM surcharges WHERE active ORDER BY code`)
	if err != nil {
		return nil, dbError("list surcharges", err)
	}
	return surcharges, nil
}
