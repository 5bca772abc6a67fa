package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"charter-service/internal/models"
	"charter-service/internal/util"
)

// Publisher is the subset of *Producer the EventPublisher needs.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishHoldEvent publishes HOLD_CREATED, HOLD_RELEASED and HOLD_EXPIRED,
// keyed by slot so the lifecycle of one slot is consumed in order.
func (ep *EventPublisher) PublishHoldEvent(ctx context.Context, event *models.HoldEvent) error {
	return ep.producer.PublishEvent(ctx, "slot-"+event.SlotID, event)
}

// PublishBookingPaid publishes BOOKING_PAID
func (ep *EventPublisher) PublishBookingPaid(ctx context.Context, event *models.BookingPaidEvent) error {
	return ep.producer.PublishEvent(ctx, "slot-"+event.SlotID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onBookingPaid func(context.Context, *models.BookingPaidEvent) error
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("events")}
}

// OnBookingPaid registers a handler for BookingPaid events
func (eh *EventHandler) OnBookingPaid(handler func(context.Context, *models.BookingPaidEvent) error) {
	eh.onBookingPaid = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without
// a registered handler are acknowledged and dropped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// Poison message: retrying would never succeed.
		eh.logger.Error("dropping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeBookingPaid:
		if eh.onBookingPaid != nil {
			var event models.BookingPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal BookingPaid event: %w", err)
			}
			return eh.onBookingPaid(ctx, &event)
		}
	}

	return nil
}
