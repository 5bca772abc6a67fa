package service

import (
	"context"
	"time"

	"charter-service/internal/models"
)

// Lookups return (nil, nil) when the row does not exist. Conditional updates
// return models.ErrStalePrecondition when the row left the expected state.
// *store.Store implements every interface in this file.

type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type SlotRepository interface {
	TxRunner
	GetSlot(ctx context.Context, id string) (*models.Slot, error)
	GetSlotForUpdate(ctx context.Context, id string) (*models.Slot, error)
	FindSlotByExternalUID(ctx context.Context, resourceID, uid string) (*models.Slot, error)
	FindSlotByRange(ctx context.Context, resourceID string, start, end time.Time) (*models.Slot, error)
	CountOverlapping(ctx context.Context, resourceID string, start, end time.Time, statuses []models.SlotStatus, excludeID string) (int, error)
	InsertSlot(ctx context.Context, slot *models.Slot) error
	UpdateSlot(ctx context.Context, slot *models.Slot) error
	TransitionSlot(ctx context.Context, id string, from, to models.SlotStatus) error
	QuerySlots(ctx context.Context, resourceID string, from, to time.Time) ([]models.Slot, error)
}

type QuoteRepository interface {
	CreateQuote(ctx context.Context, q *models.Quote) error
	GetQuoteByToken(ctx context.Context, token string) (*models.Quote, error)
	GetQuoteByID(ctx context.Context, id string) (*models.Quote, error)
}

type RateRepository interface {
	FindRate(ctx context.Context, origin, destination string, at time.Time) (*models.PriceRate, error)
	ListSurcharges(ctx context.Context) ([]models.Surcharge, error)
}

type HoldRepository interface {
	TxRunner
	ClaimHold(ctx context.Context, h *models.Hold) (bool, error)
	DeleteClaim(ctx context.Context, id string) error
	GetHold(ctx context.Context, id string) (*models.Hold, error)
	GetHoldForUpdate(ctx context.Context, id string) (*models.Hold, error)
	FindHoldByIdempotencyKey(ctx context.Context, key string) (*models.Hold, error)
	TransitionHold(ctx context.Context, h *models.Hold, from models.HoldStatus) error
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]models.Hold, error)
}

type BookingRepository interface {
	GetBookingByHoldID(ctx context.Context, holdID string) (*models.Booking, error)
	CreateBooking(ctx context.Context, b *models.Booking) (bool, error)
	MarkBookingPaid(ctx context.Context, id, paymentRef string, paidAt time.Time) (bool, error)
	SetPaymentLink(ctx context.Context, id, link string) error
}

type WebhookRepository interface {
	TxRunner
	RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	GetWebhookEventForUpdate(ctx context.Context, id string) (*models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id, outcome string, at time.Time) error
}

type ProcessedEventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventPublisher emits domain events. Failures are logged by callers, never
// propagated: events are notifications, not part of the state machine.
type EventPublisher interface {
	PublishHoldEvent(ctx context.Context, event *models.HoldEvent) error
	PublishBookingPaid(ctx context.Context, event *models.BookingPaidEvent) error
}
