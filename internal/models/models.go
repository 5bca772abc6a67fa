package models

import "time"

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotHeld      SlotStatus = "HELD"
	SlotBooked    SlotStatus = "BOOKED"
	SlotBlocked   SlotStatus = "BLOCKED"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotAvailable, SlotHeld, SlotBooked, SlotBlocked:
		return true
	}
	return false
}

type SlotSource string

const (
	SourceManual           SlotSource = "MANUAL"
	SourceExternalCalendar SlotSource = "EXTERNAL_CALENDAR"
)

func (s SlotSource) Valid() bool {
	return s == SourceManual || s == SourceExternalCalendar
}

// Slot is a bookable time window on one resource (aircraft). Slots are never deleted.
type Slot struct {
	ID          string     `db:"id" json:"slot_id"`
	ResourceID  string     `db:"resource_id" json:"resource_id"`
	StartTime   time.Time  `db:"start_time" json:"start_time"`
	EndTime     time.Time  `db:"end_time" json:"end_time"`
	Status      SlotStatus `db:"status" json:"status"`
	Source      SlotSource `db:"source" json:"source"`
	ExternalUID string     `db:"external_uid" json:"external_uid,omitempty"`
	Notes       string     `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Overlaps reports whether the half-open ranges [start, end) intersect.
func (s *Slot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// Quote is an immutable priced offer. Money is in integer minor units.
type Quote struct {
	ID               string     `db:"id" json:"quote_id"`
	Token            string     `db:"token" json:"token"`
	SlotID           string     `db:"slot_id" json:"slot_id"`
	RouteOrigin      string     `db:"route_origin" json:"origin"`
	RouteDestination string     `db:"route_destination" json:"destination"`
	PassengerCount   int        `db:"passenger_count" json:"passenger_count"`
	DepartureDate    time.Time  `db:"departure_date" json:"date"`
	BaseAmount       int64      `db:"base_amount" json:"-"`
	FeesAmount       int64      `db:"fees_amount" json:"-"`
	TaxesAmount      int64      `db:"taxes_amount" json:"-"`
	TotalAmount      int64      `db:"total_amount" json:"-"`
	Surcharges       PriceLines `db:"surcharges" json:"-"`
	Currency         string     `db:"currency" json:"currency"`
	CustomerEmail    string     `db:"customer_email" json:"-"`
	CustomerPhone    string     `db:"customer_phone" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
}

func (q *Quote) Breakdown() PriceBreakdown {
	return PriceBreakdown{
		Base:       q.BaseAmount,
		Fees:       q.FeesAmount,
		Taxes:      q.TaxesAmount,
		Total:      q.TotalAmount,
		Surcharges: q.Surcharges,
	}
}

func (q *Quote) ExpiredAt(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// PriceBreakdown in minor units. Total == Base + Fees + Taxes.
type PriceBreakdown struct {
	Base       int64      `json:"base"`
	Fees       int64      `json:"fees"`
	Taxes      int64      `json:"taxes"`
	Total      int64      `json:"total"`
	Surcharges PriceLines `json:"surcharges"`
}

type PriceLine struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
}

// Hold reserves a slot for a bounded time on behalf of a quote.
type Hold struct {
	ID             string     `db:"id" json:"hold_id"`
	QuoteID        string     `db:"quote_id" json:"quote_id"`
	SlotID         string     `db:"slot_id" json:"slot_id"`
	IdempotencyKey string     `db:"idempotency_key" json:"-"`
	Status         HoldStatus `db:"status" json:"status"`
	LockToken      string     `db:"lock_token" json:"-"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// ExpiredAt is true once an ACTIVE hold has reached its deadline.
func (h *Hold) ExpiredAt(now time.Time) bool {
	return h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}

type BookingStatus string

const (
	BookingPending  BookingStatus = "PENDING"
	BookingPaid     BookingStatus = "PAID"
	BookingCanceled BookingStatus = "CANCELED"
)

func (s BookingStatus) CanTransition(to BookingStatus) bool {
	switch s {
	case BookingPending:
		return to == BookingPaid || to == BookingCanceled
	case BookingPaid:
		return to == BookingCanceled
	}
	return false
}

type Booking struct {
	ID               string        `db:"id" json:"booking_id"`
	HoldID           string        `db:"hold_id" json:"hold_id"`
	PaymentReference string        `db:"payment_reference" json:"payment_reference,omitempty"`
	Status           BookingStatus `db:"status" json:"status"`
	Amount           int64         `db:"amount" json:"amount"`
	Currency         string        `db:"currency" json:"currency"`
	PaymentLink      string        `db:"payment_link" json:"payment_link,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	PaidAt           *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
}

// Webhook outcomes recorded on the ledger.
const (
	OutcomeBookingPaid      = "BOOKING_PAID"
	OutcomeAlreadyPaid      = "ALREADY_PAID"
	OutcomeHoldExpired      = "HOLD_EXPIRED"
	OutcomeUnknownReference = "UNKNOWN_REFERENCE"
	OutcomeAmountMismatch   = "AMOUNT_MISMATCH"
	OutcomeIgnoredPrefix    = "PAYMENT_"
)

// WebhookEvent is the append-only ledger of provider notifications.
type WebhookEvent struct {
	ID             string     `db:"id"`
	Provider       string     `db:"provider"`
	EventType      string     `db:"event_type"`
	RawPayload     []byte     `db:"raw_payload"`
	SignatureValid bool       `db:"signature_valid"`
	Outcome        string     `db:"outcome"`
	ReceivedAt     time.Time  `db:"received_at"`
	ProcessedAt    *time.Time `db:"processed_at"`
}

type SurchargeKind string

const (
	SurchargePercent SurchargeKind = "PERCENT"
	SurchargeFixed   SurchargeKind = "FIXED"
)

// PriceRate is the price book entry for a route.
type PriceRate struct {
	ID                int64      `db:"id"`
	Origin            string     `db:"origin"`
	Destination       string     `db:"destination"`
	BaseAmount        int64      `db:"base_amount"`
	PerExtraPassenger int64      `db:"per_extra_passenger"`
	Currency          string     `db:"currency"`
	EffectiveFrom     time.Time  `db:"effective_from"`
	EffectiveTo       *time.Time `db:"effective_to"`
}

type Surcharge struct {
	ID            int64         `db:"id"`
	Code          string        `db:"code"`
	Kind          SurchargeKind `db:"kind"`
	Value         int64         `db:"value"`
	MinPassengers int           `db:"min_passengers"`
	MaxPassengers int           `db:"max_passengers"`
	Active        bool          `db:"active"`
}

// ProcessedEvent for consumer-side idempotency.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
