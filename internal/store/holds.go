package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"charter-service/internal/models"
)

const holdColumns = `id, quote_id, slot_id, idempotency_key, status, lock_token, expires_at, created_at, updated_at`

// ClaimHold inserts a REQUESTED claim row. It returns false, without error,
// when another request already claimed the idempotency key.
func (s *Store) ClaimHold(ctx context.Context, h *models.Hold) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		h.ID, h.QuoteID, h.SlotID, h.IdempotencyKey, h.Status, h.LockToken, h.ExpiresAt,
		h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return false, dbError("claim hold", err)
	}
	claimed, err := rowsChanged(res)
	if err != nil {
		return false, dbError("claim hold", err)
	}
	return claimed, nil
}

// DeleteClaim removes an unfinished claim row. Settled holds are never deleted.
func (s *Store) DeleteClaim(ctx context.Context, id string) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		`DELETE FROM holds WHERE id = $1 AND status IN ('REQUESTED', 'LOCK_ACQUIRED')`, id)
	if err != nil {
		return dbError("delete hold claim", err)
	}
	return nil
}

func (s *Store) getHold(ctx context.Context, query string, arg interface{}) (*models.Hold, error) {
	var h models.Hold
	err := sqlx.GetContext(ctx, s.ext(ctx), &h, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get hold", err)
	}
	return &h, nil
}

func (s *Store) GetHold(ctx context.Context, id string) (*models.Hold, error) {
	return s.getHold(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id)
}

func (s *Store) GetHoldForUpdate(ctx context.Context, id string) (*models.Hold, error) {
	return s.getHold(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, id)
}

func (s *Store) FindHoldByIdempotencyKey(ctx context.Context, key string) (*models.Hold, error) {
	return s.getHold(ctx, `SELECT `+holdColumns+` FROM holds WHERE idempotency_key = $1`, key)
}

// TransitionHold writes h's status, lock token and deadline, provided the
// row is still in state from.
func (s *Store) TransitionHold(ctx context.Context, h *models.Hold, from models.HoldStatus) error {
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE holds SET status = $1, lock_token = $2, expires_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		h.Status, h.LockToken, h.ExpiresAt, h.UpdatedAt, h.ID, from)
	if err != nil {
		return dbError("transition hold", err)
	}
	changed, err := rowsChanged(res)
	if err != nil {
		return dbError("transition hold", err)
	}
	if !changed {
		return models.ErrStalePrecondition
	}
	return nil
}

// ListExpiredHolds returns ACTIVE holds whose deadline is at or before now.
func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	holds := []models.Hold{}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &holds, `
		SELECT `+holdColumns+` FROM holds
		WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, dbError("list expired holds", err)
	}
	return holds, nil
}

// ListStaleClaims returns claim rows created before cutoff that never settled.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]models.Hold, error) {
	holds := []models.Hold{}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &holds, `
		SELECT `+holdColumns+` FROM holds
		WHERE status IN ('REQUESTED', 'LOCK_ACQUIRED') AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, dbError("list stale claims", err)
	}
	return holds, nil
}
