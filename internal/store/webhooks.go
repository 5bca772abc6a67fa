package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"charter-service/internal/models"
)

// RecordWebhookEvent appends ev to the ledger. A redelivery of a known event
// id is a no-op and returns false.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, raw_payload, signature_valid, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Provider, ev.EventType, ev.RawPayload, ev.SignatureValid, ev.Outcome, ev.ReceivedAt)
	if err != nil {
		return false, dbError("record webhook event", err)
	}
	inserted, err := rowsChanged(res)
	if err != nil {
		return false, dbError("record webhook event", err)
	}
	return inserted, nil
}

// GetWebhookEventForUpdate locks the ledger row so concurrent deliveries of
// the same event serialize.
func (s *Store) GetWebhookEventForUpdate(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := sqlx.GetContext(ctx, s.ext(ctx), &ev, `
		SELECT id, provider, event_type, raw_payload, signature_valid, outcome, received_at, processed_at
		FROM webhook_events WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get webhook event", err)
	}
	return &ev, nil
}

func (s *Store) MarkWebhookProcessed(ctx context.Context, id, outcome string, at time.Time) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		`UPDATE webhook_events SET outcome = $1, processed_at = $2 WHERE id = $3`,
		outcome, at, id)
	if err != nil {
		return dbError("mark webhook processed", err)
	}
	return nil
}

// IsEventProcessed checks the consumer-side ledger
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, s.ext(ctx), &count,
		"SELECT COUNT(*) FROM processed_events WHERE event_id = $1", eventID)
	if err != nil {
		return false, dbError("check processed event", err)
	}
	return count > 0, nil
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		eventID, eventType)
	if err != nil {
		return dbError("mark event processed", err)
	}
	return nil
}
