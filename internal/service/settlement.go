package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/payment"
	"charter-service/internal/util"
)

type SignatureVerifier interface {
	Verify(body []byte, signature string) bool
}

// Settlement consumes payment provider webhooks. Each provider event id is
// applied at most once; redeliveries are acknowledged without side effects.
type Settlement struct {
	webhooks  WebhookRepository
	finalizer *Finalizer
	verifier  SignatureVerifier
	clock     clock.Clock
	logger    *zap.Logger
}

func NewSettlement(webhooks WebhookRepository, finalizer *Finalizer, verifier SignatureVerifier, clk clock.Clock) *Settlement {
	return &Settlement{
		webhooks:  webhooks,
		finalizer: finalizer,
		verifier:  verifier,
		clock:     clk,
		logger:    util.Named("settlement"),
	}
}

type SettlementResult struct {
	EventID   string          `json:"event_id"`
	Outcome   string          `json:"outcome"`
	Duplicate bool            `json:"duplicate"`
	Booking   *models.Booking `json:"booking,omitempty"`
}

// HandleWebhook verifies, records and applies one provider notification.
// Errors after verification leave nothing behind so the provider can retry.
func (s *Settlement) HandleWebhook(ctx context.Context, body []byte, signature string) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "Settlement.HandleWebhook")
	defer span.End()

	if !s.verifier.Verify(body, signature) {
		util.WebhookSignatureFailures.Inc()
		s.logger.Error("payment webhook signature mismatch, check WOMPI_WEBHOOK_SECRET",
			zap.Int("body_bytes", len(body)))
		return nil, models.ErrInvalidSignature
	}

	ev, err := payment.ParseWebhook(body)
	if err != nil {
		util.WebhooksTotal.WithLabelValues("malformed").Inc()
		return nil, apperr.Validation("invalid_payload", err.Error())
	}
	tx := ev.Data.Transaction

	res := &SettlementResult{EventID: ev.ID}
	var finalized *finalizeResult

	err = s.webhooks.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		if _, err := s.webhooks.RecordWebhookEvent(txCtx, &models.WebhookEvent{
			ID:             ev.ID,
			Provider:       payment.ProviderWompi,
			EventType:      ev.Event,
			RawPayload:     body,
			SignatureValid: true,
			ReceivedAt:     now,
		}); err != nil {
			return err
		}

		stored, err := s.webhooks.GetWebhookEventForUpdate(txCtx, ev.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errors.New("webhook event vanished after insert")
		}
		if stored.ProcessedAt != nil {
			res.Duplicate = true
			res.Outcome = stored.Outcome
			return nil
		}

		outcome, fr, err := s.apply(txCtx, tx)
		if err != nil {
			return err
		}
		finalized = fr
		res.Outcome = outcome
		return s.webhooks.MarkWebhookProcessed(txCtx, ev.ID, outcome, now)
	})
	if err != nil {
		util.WebhooksTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		s.logger.Error("payment webhook failed, provider will redeliver",
			zap.String("event_id", ev.ID), zap.Error(err))
		return nil, err
	}

	if res.Duplicate {
		util.WebhooksTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate payment webhook", zap.String("event_id", ev.ID))
		return res, nil
	}

	util.WebhooksTotal.WithLabelValues(res.Outcome).Inc()
	if finalized != nil {
		res.Booking = finalized.booking
		s.finalizer.afterCommit(ctx, finalized)
	}
	s.logger.Info("payment webhook processed",
		zap.String("event_id", ev.ID),
		zap.String("reference", tx.Reference),
		zap.String("status", tx.Status),
		zap.String("outcome", res.Outcome))
	return res, nil
}

// apply decides the outcome of one transaction update. Rejections that need
// a human (expired hold, unknown reference) are outcomes, not errors.
func (s *Settlement) apply(ctx context.Context, tx payment.Transaction) (string, *finalizeResult, error) {
	if tx.Status != payment.StatusApproved {
		return models.OutcomeIgnoredPrefix + tx.Status, nil, nil
	}

	fr, err := s.finalizer.finalizeTx(ctx, tx.Reference, tx.ID, tx.AmountInCents)
	switch {
	case err == nil:
		if !fr.changed {
			return models.OutcomeAlreadyPaid, nil, nil
		}
		return models.OutcomeBookingPaid, fr, nil
	case errors.Is(err, models.ErrHoldExpired):
		s.logger.Error("payment approved for expired hold, refund required",
			zap.String("hold_id", tx.Reference),
			zap.String("transaction_id", tx.ID),
			zap.Int64("amount", tx.AmountInCents))
		return models.OutcomeHoldExpired, nil, nil
	case errors.Is(err, models.ErrHoldNotFound):
		s.logger.Error("payment approved for unknown hold",
			zap.String("reference", tx.Reference),
			zap.String("transaction_id", tx.ID))
		return models.OutcomeUnknownReference, nil, nil
	case errors.Is(err, models.ErrAmountMismatch):
		s.logger.Error("payment amount does not match quote",
			zap.String("hold_id", tx.Reference),
			zap.Int64("paid", tx.AmountInCents))
		return models.OutcomeAmountMismatch, nil, nil
	default:
		return "", nil, err
	}
}
