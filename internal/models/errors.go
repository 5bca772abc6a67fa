package models

import "charter-service/internal/apperr"

var (
	ErrSlotNotFound    = apperr.New(apperr.KindNotFound, "slot_not_found", "slot not found")
	ErrSlotOverlap     = apperr.New(apperr.KindConflict, "slot_overlap", "slot overlaps a held or booked slot")
	ErrSlotUnavailable = apperr.New(apperr.KindConflict, "slot_unavailable", "slot no longer available")
	ErrSlotHeld        = apperr.New(apperr.KindConflict, "slot_held", "slot is held by a customer")
	ErrLockBusy        = apperr.New(apperr.KindConflict, "slot_locked", "slot no longer available")

	ErrQuoteNotFound = apperr.New(apperr.KindNotFound, "quote_not_found", "quote not found")
	ErrQuoteExpired  = apperr.New(apperr.KindExpired, "quote_expired", "quote expired, please re-quote")
	ErrNoRate        = apperr.New(apperr.KindValidation, "no_rate", "no price for route")

	ErrQuoteDateMismatch = apperr.New(apperr.KindValidation, "date_mismatch", "date does not match the slot's departure date")

	ErrHoldNotFound           = apperr.New(apperr.KindNotFound, "hold_not_found", "hold not found")
	ErrHoldExpired            = apperr.New(apperr.KindExpired, "hold_expired", "hold expired, please re-quote")
	ErrHoldNotActive          = apperr.New(apperr.KindConflict, "hold_not_active", "hold is not active")
	ErrHoldNotOwned           = apperr.New(apperr.KindUnauthorized, "hold_not_owned", "idempotency key does not match hold")
	ErrIdempotencyKeyRequired = apperr.New(apperr.KindValidation, "idempotency_key_required", "idempotency key is required")
	ErrIdempotencyConflict    = apperr.New(apperr.KindConflict, "idempotency_conflict", "idempotency key reused with a different quote")
	ErrIdempotencyInFlight    = apperr.New(apperr.KindConflict, "idempotency_in_flight", "request with this idempotency key is still in progress")

	ErrInvalidTransition = apperr.New(apperr.KindConflict, "invalid_transition", "invalid state transition")
	// ErrStalePrecondition is returned when a conditional update matched no row.
	ErrStalePrecondition = apperr.New(apperr.KindConflict, "concurrent_modification", "state changed concurrently")

	ErrInvalidSignature = apperr.New(apperr.KindUnauthorized, "invalid_signature", "invalid webhook signature")
	ErrAmountMismatch   = apperr.New(apperr.KindValidation, "amount_mismatch", "payment amount does not match quote")
)
