package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"charter-service/internal/models"
)

const slotColumns = `id, resource_id, start_time, end_time, status, source, external_uid, notes, created_at, updated_at`

func (s *Store) getSlot(ctx context.Context, query string, args ...interface{}) (*models.Slot, error) {
	var slot models.Slot
	err := sqlx.GetContext(ctx, s.ext(ctx), &slot, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get slot", err)
	}
	return &slot, nil
}

// GetSlot returns nil when the slot does not exist.
func (s *Store) GetSlot(ctx context.Context, id string) (*models.Slot, error) {
	return s.getSlot(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
}

// GetSlotForUpdate row-locks the slot for the rest of the transaction.
func (s *Store) GetSlotForUpdate(ctx context.Context, id string) (*models.Slot, error) {
	return s.getSlot(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id)
}

func (s *Store) FindSlotByExternalUID(ctx context.Context, resourceID, uid string) (*models.Slot, error) {
	return s.getSlot(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE resource_id = $1 AND external_uid = $2`,
		resourceID, uid)
}

func (s *Store) FindSlotByRange(ctx context.Context, resourceID string, start, end time.Time) (*models.Slot, error) {
	return s.getSlot(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE resource_id = $1 AND start_time = $2 AND end_time = $3`,
		resourceID, start, end)
}

// CountOverlapping counts slots of resourceID intersecting [start, end) whose
// status is one of statuses, ignoring excludeID.
func (s *Store) CountOverlapping(ctx context.Context, resourceID string, start, end time.Time, statuses []models.SlotStatus, excludeID string) (int, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := `SELECT COUNT(*) FROM slots
		WHERE resource_id = $1 AND start_time < $3 AND end_time > $2 AND status = ANY($4)`
	args := []interface{}{resourceID, start, end, pq.Array(names)}
	if excludeID != "" {
		query += ` AND id <> $5`
		args = append(args, excludeID)
	}

	var n int
	if err := sqlx.GetContext(ctx, s.ext(ctx), &n, query, args...); err != nil {
		return 0, dbError("count overlapping slots", err)
	}
	return n, nil
}

func (s *Store) InsertSlot(ctx context.Context, slot *models.Slot) error {
	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO slots (id, resource_id, start_time, end_time, status, source, external_uid, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		slot.ID, slot.ResourceID, slot.StartTime, slot.EndTime, slot.Status, slot.Source,
		slot.ExternalUID, slot.Notes, slot.CreatedAt, slot.UpdatedAt)
	if isExclusionViolation(err) {
		return models.ErrSlotOverlap.Wrap(err)
	}
	if err != nil {
		return dbError("insert slot", err)
	}
	return nil
}

func (s *Store) UpdateSlot(ctx context.Context, slot *models.Slot) error {
	_, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE slots
		SET start_time = $1, end_time = $2, status = $3, source = $4, external_uid = $5, notes = $6, updated_at = $7
		WHERE id = $8`,
		slot.StartTime, slot.EndTime, slot.Status, slot.Source, slot.ExternalUID, slot.Notes,
		slot.UpdatedAt, slot.ID)
	if isExclusionViolation(err) {
		return models.ErrSlotOverlap.Wrap(err)
	}
	if err != nil {
		return dbError("update slot", err)
	}
	return nil
}

// TransitionSlot moves a slot from -> to. It fails with
// models.ErrStalePrecondition when the slot is no longer in state from.
func (s *Store) TransitionSlot(ctx context.Context, id string, from, to models.SlotStatus) error {
	res, err := s.ext(ctx).ExecContext(ctx,
		`UPDATE slots SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from)
	if isExclusionViolation(err) {
		return models.ErrSlotUnavailable.Wrap(err)
	}
	if err != nil {
		return dbError("transition slot", err)
	}
	changed, err := rowsChanged(res)
	if err != nil {
		return dbError("transition slot", err)
	}
	if !changed {
		return models.ErrStalePrecondition
	}
	return nil
}

// QuerySlots lists slots of resourceID intersecting [from, to) by start time.
func (s *Store) QuerySlots(ctx context.Context, resourceID string, from, to time.Time) ([]models.Slot, error) {
	slots := []models.Slot{}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &slots,
		`SELECT `+slotColumns+` FROM slots
		WHERE resource_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time`,
		resourceID, from, to)
	if err != nil {
		return nil, dbError("query slots", err)
	}
	return slots, nil
}
