package models

import "time"

// Event types
const (
	EventTypeHoldCreated  = "HOLD_CREATED"
	EventTypeHoldReleased = "HOLD_RELEASED"
	EventTypeHoldExpired  = "HOLD_EXPIRED"
	EventTypeBookingPaid  = "BOOKING_PAID"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// HoldEvent is published for every hold lifecycle change.
type HoldEvent struct {
	BaseEvent
	HoldID    string     `json:"hold_id"`
	SlotID    string     `json:"slot_id"`
	QuoteID   string     `json:"quote_id"`
	Status    HoldStatus `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// BookingPaidEvent is published once a payment confirmation turned a hold into a booking.
type BookingPaidEvent struct {
	BaseEvent
	BookingID        string `json:"booking_id"`
	HoldID           string `json:"hold_id"`
	SlotID           string `json:"slot_id"`
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	CustomerEmail    string `json:"customer_email,omitempty"`
	CustomerPhone    string `json:"customer_phone,omitempty"`
	Origin           string `json:"origin"`
	Destination      string `json:"destination"`
	DepartureDate    string `json:"departure_date"`
}
