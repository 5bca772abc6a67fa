package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"charter-service/internal/messaging"
	"charter-service/internal/models"
	"charter-service/internal/pricing"
	"charter-service/internal/util"
)

// Notifier is implemented by *messaging.Client.
type Notifier interface {
	SendTemplate(ctx context.Context, template, to string, params map[string]string) (string, error)
}

// NotificationService tells customers about confirmed bookings. Each event is
// handled once; redelivered events are skipped.
type NotificationService struct {
	processed ProcessedEventRepository
	notifier  Notifier
	logger    *zap.Logger
}

func NewNotificationService(processed ProcessedEventRepository, notifier Notifier) *NotificationService {
	return &NotificationService{
		processed: processed,
		notifier:  notifier,
		logger:    util.Named("notifications"),
	}
}

func (s *NotificationService) HandleBookingPaid(ctx context.Context, event *models.BookingPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleBookingPaid")
	defer span.End()

	done, err := s.processed.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if done {
		s.logger.Debug("booking paid event already handled", zap.String("event_id", event.EventID))
		return nil
	}

	status := "skipped"
	if event.CustomerPhone != "" {
		params := map[string]string{
			"customer_name":     event.CustomerEmail,
			"flight_details":    fmt.Sprintf("%s-%s %s", event.Origin, event.Destination, event.DepartureDate),
			"booking_reference": event.BookingID,
			"amount":            pricing.FormatMinor(event.Amount, event.Currency),
		}
		status, err = s.notifier.SendTemplate(ctx, messaging.TemplateBookingConfirmed, event.CustomerPhone, params)
		util.NotificationsTotal.WithLabelValues(status).Inc()
		if err != nil {
			util.RecordError(span, err)
			return fmt.Errorf("failed to notify booking %s: %w", event.BookingID, err)
		}
	} else {
		util.NotificationsTotal.WithLabelValues(status).Inc()
	}

	if err := s.processed.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return err
	}
	s.logger.Info("booking confirmation handled",
		zap.String("booking_id", event.BookingID),
		zap.String("status", status))
	return nil
}
