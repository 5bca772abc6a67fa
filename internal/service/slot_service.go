package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/util"
)

// claimingStatuses are the states covered by the overlap invariant.
var claimingStatuses = []models.SlotStatus{models.SlotHeld, models.SlotBooked}

// holdBlockingStatuses also keep out holds on ranges an operator blocked.
var holdBlockingStatuses = []models.SlotStatus{models.SlotHeld, models.SlotBooked, models.SlotBlocked}

// SlotService owns the slot inventory: operator upserts, availability reads
// and the guarded status transitions used by holds and bookings.
type SlotService struct {
	slots   SlotRepository
	locks   LockManager
	clock   clock.Clock
	lockTTL time.Duration
	logger  *zap.Logger
}

func NewSlotService(slots SlotRepository, locks LockManager, clk clock.Clock, operatorLockTTL time.Duration) *SlotService {
	if operatorLockTTL <= 0 {
		operatorLockTTL = 30 * time.Second
	}
	return &SlotService{
		slots:   slots,
		locks:   locks,
		clock:   clk,
		lockTTL: operatorLockTTL,
		logger:  util.Named("slots"),
	}
}

type UpsertSlotInput struct {
	SlotID      string
	ResourceID  string
	Start       time.Time
	End         time.Time
	Status      models.SlotStatus
	Source      models.SlotSource
	ExternalUID string
	Notes       string
}

func (in *UpsertSlotInput) validate() error {
	in.ResourceID = strings.TrimSpace(in.ResourceID)
	if in.ResourceID == "" {
		return apperr.Validation("resource_required", "resource_id is required")
	}
	if !in.End.After(in.Start) {
		return apperr.Validation("invalid_range", "end must be after start")
	}
	if in.Status == "" {
		in.Status = models.SlotAvailable
	}
	if !in.Status.Valid() {
		return apperr.Validation("invalid_status", fmt.Sprintf("unknown slot status %q", in.Status))
	}
	if in.Status == models.SlotHeld {
		return apperr.Validation("invalid_status", "HELD is managed by holds")
	}
	if in.Source == "" {
		in.Source = models.SourceManual
	}
	if !in.Source.Valid() {
		return apperr.Validation("invalid_source", fmt.Sprintf("unknown slot source %q", in.Source))
	}
	return nil
}

// UpsertSlot creates or overwrites an operator slot. Existing slots are
// matched by id, then by external calendar uid, then by exact range. Updating
// an existing slot takes its lock so it cannot race a hold.
func (s *SlotService) UpsertSlot(ctx context.Context, in UpsertSlotInput) (*models.Slot, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.UpsertSlot")
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, err
	}

	existing, err := s.matchExisting(ctx, in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if existing == nil {
		slot := &models.Slot{
			ID:          uuid.NewString(),
			ResourceID:  in.ResourceID,
			StartTime:   in.Start.UTC(),
			EndTime:     in.End.UTC(),
			Status:      in.Status,
			Source:      in.Source,
			ExternalUID: in.ExternalUID,
			Notes:       in.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := s.slots.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.checkOverlap(txCtx, slot); err != nil {
				return err
			}
			return s.slots.InsertSlot(txCtx, slot)
		})
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		s.logger.Info("slot created",
			zap.String("slot_id", slot.ID),
			zap.String("resource_id", slot.ResourceID),
			zap.String("status", string(slot.Status)))
		return slot, nil
	}

	if existing.Status == models.SlotHeld {
		return nil, models.ErrSlotHeld
	}

	token, err := s.locks.TryAcquire(ctx, slotLockKey(existing.ID), s.lockTTL)
	if err != nil {
		if errors.Is(err, models.ErrLockBusy) {
			return nil, models.ErrSlotHeld
		}
		return nil, err
	}
	defer releaseLock(ctx, s.locks, s.logger, slotLockKey(existing.ID), token)

	var updated *models.Slot
	err = s.slots.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := s.slots.GetSlotForUpdate(txCtx, existing.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return models.ErrSlotNotFound
		}
		if cur.Status == models.SlotHeld {
			return models.ErrSlotHeld
		}

		cur.StartTime = in.Start.UTC()
		cur.EndTime = in.End.UTC()
		cur.Status = in.Status
		cur.Source = in.Source
		if in.ExternalUID != "" {
			cur.ExternalUID = in.ExternalUID
		}
		cur.Notes = in.Notes
		cur.UpdatedAt = now

		if err := s.checkOverlap(txCtx, cur); err != nil {
			return err
		}
		if err := s.slots.UpdateSlot(txCtx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("slot updated",
		zap.String("slot_id", updated.ID),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

func (s *SlotService) matchExisting(ctx context.Context, in UpsertSlotInput) (*models.Slot, error) {
	if in.SlotID != "" {
		slot, err := s.slots.GetSlot(ctx, in.SlotID)
		if err != nil {
			return nil, err
		}
		if slot == nil {
			return nil, models.ErrSlotNotFound
		}
		if slot.ResourceID != in.ResourceID {
			return nil, apperr.Validation("resource_mismatch", "slot belongs to another resource")
		}
		return slot, nil
	}
	if in.Source == models.SourceExternalCalendar && in.ExternalUID != "" {
		slot, err := s.slots.FindSlotByExternalUID(ctx, in.ResourceID, in.ExternalUID)
		if err != nil || slot != nil {
			return slot, err
		}
	}
	return s.slots.FindSlotByRange(ctx, in.ResourceID, in.Start.UTC(), in.End.UTC())
}

func (s *SlotService) checkOverlap(ctx context.Context, slot *models.Slot) error {
	if slot.Status != models.SlotBooked {
		return nil
	}
	n, err := s.slots.CountOverlapping(ctx, slot.ResourceID, slot.StartTime, slot.EndTime, claimingStatuses, slot.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return models.ErrSlotOverlap
	}
	return nil
}

// MarkHeld moves an AVAILABLE slot to HELD. It must run inside a transaction
// and fails with models.ErrSlotUnavailable if the slot or any overlapping
// slot of the same resource is already taken.
func (s *SlotService) MarkHeld(ctx context.Context, slotID string) (*models.Slot, error) {
	slot, err := s.slots.GetSlotForUpdate(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, models.ErrSlotNotFound
	}
	if slot.Status != models.SlotAvailable {
		return nil, models.ErrSlotUnavailable
	}
	n, err := s.slots.CountOverlapping(ctx, slot.ResourceID, slot.StartTime, slot.EndTime, holdBlockingStatuses, slot.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, models.ErrSlotUnavailable
	}
	if err := s.slots.TransitionSlot(ctx, slot.ID, models.SlotAvailable, models.SlotHeld); err != nil {
		if errors.Is(err, models.ErrStalePrecondition) {
			return nil, models.ErrSlotUnavailable
		}
		return nil, err
	}
	slot.Status = models.SlotHeld
	return slot, nil
}

// MarkBooked moves a HELD slot to BOOKED.
func (s *SlotService) MarkBooked(ctx context.Context, slotID string) error {
	return s.slots.TransitionSlot(ctx, slotID, models.SlotHeld, models.SlotBooked)
}

// MarkAvailable gives a HELD slot back. A slot an operator has since moved
// out of HELD is left alone.
func (s *SlotService) MarkAvailable(ctx context.Context, slotID string) error {
	err := s.slots.TransitionSlot(ctx, slotID, models.SlotHeld, models.SlotAvailable)
	if errors.Is(err, models.ErrStalePrecondition) {
		s.logger.Warn("slot not HELD on reclaim, leaving as is", zap.String("slot_id", slotID))
		return nil
	}
	return err
}

func (s *SlotService) GetSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	slot, err := s.slots.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, models.ErrSlotNotFound
	}
	return slot, nil
}

type Availability struct {
	ResourceID string                    `json:"resource_id"`
	From       time.Time                 `json:"from"`
	To         time.Time                 `json:"to"`
	Slots      []models.Slot             `json:"slots"`
	Summary    map[models.SlotStatus]int `json:"summary"`
}

// QuerySlots lists the resource's slots intersecting [from, to] by start time.
func (s *SlotService) QuerySlots(ctx context.Context, resourceID string, from, to time.Time) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.QuerySlots")
	defer span.End()

	if strings.TrimSpace(resourceID) == "" {
		return nil, apperr.Validation("resource_required", "resource_id is required")
	}
	if to.Before(from) {
		return nil, apperr.Validation("invalid_range", "range end is before start")
	}

	slots, err := s.slots.QuerySlots(ctx, resourceID, from, to)
	if err != nil {
		return nil, err
	}

	summary := map[models.SlotStatus]int{
		models.SlotAvailable: 0,
		models.SlotHeld:      0,
		models.SlotBooked:    0,
		models.SlotBlocked:   0,
	}
	for _, slot := range slots {
		summary[slot.Status]++
	}

	return &Availability{
		ResourceID: resourceID,
		From:       from,
		To:         to,
		Slots:      slots,
		Summary:    summary,
	}, nil
}

const dateLayout = "2006-01-02"

// ParseDateRange parses "YYYY-MM-DD..YYYY-MM-DD". The end day is inclusive.
func ParseDateRange(raw string) (time.Time, time.Time, error) {
	parts := strings.Split(raw, "..")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, apperr.Validation("invalid_date_range", "date_range must be YYYY-MM-DD..YYYY-MM-DD")
	}
	from, err := time.Parse(dateLayout, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid_date_range", "invalid start date")
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid_date_range", "invalid end date")
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, apperr.Validation("invalid_date_range", "end date before start date")
	}
	return from, to.Add(24*time.Hour - time.Second), nil
}
