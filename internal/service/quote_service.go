package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/pricing"
	"charter-service/internal/util"
)

var iataCode = regexp.MustCompile(`^[A-Z]{3}$`)

type QuoteConfig struct {
	Validity      time.Duration
	ServiceFeeBps int64
	TaxBps        int64
	Currency      string
	MaxPassengers int
}

// QuoteService prices trips and issues immutable quotes.
type QuoteService struct {
	quotes QuoteRepository
	rates  RateRepository
	slots  *SlotService
	clock  clock.Clock
	cfg    QuoteConfig
	logger *zap.Logger
}

func NewQuoteService(quotes QuoteRepository, rates RateRepository, slots *SlotService, clk clock.Clock, cfg QuoteConfig) *QuoteService {
	if cfg.Validity <= 0 {
		cfg.Validity = 48 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &QuoteService{
		quotes: quotes,
		rates:  rates,
		slots:  slots,
		clock:  clk,
		cfg:    cfg,
		logger: util.Named("quotes"),
	}
}

type CreateQuoteInput struct {
	Origin         string
	Destination    string
	PassengerCount int
	Date           time.Time
	SlotID         string
	Email          string
	Phone          string
}

func (in *CreateQuoteInput) normalize(maxPassengers int) error {
	in.Origin = strings.ToUpper(strings.TrimSpace(in.Origin))
	in.Destination = strings.ToUpper(strings.TrimSpace(in.Destination))
	if !iataCode.MatchString(in.Origin) || !iataCode.MatchString(in.Destination) {
		return apperr.Validation("invalid_route", "origin and destination must be IATA codes")
	}
	if in.Origin == in.Destination {
		return apperr.Validation("invalid_route", "origin and destination must differ")
	}
	if in.PassengerCount < 1 || (maxPassengers > 0 && in.PassengerCount > maxPassengers) {
		return apperr.Validation("invalid_passengers", "passenger count out of range")
	}
	if in.SlotID == "" {
		return apperr.Validation("slot_required", "slot_id is required")
	}
	if in.Date.IsZero() {
		return apperr.Validation("date_required", "date is required")
	}
	return nil
}

// CreateQuote prices the trip against the price book and stores the quote.
func (s *QuoteService) CreateQuote(ctx context.Context, in CreateQuoteInput) (*models.Quote, error) {
	ctx, span := util.StartSpan(ctx, "QuoteService.CreateQuote")
	defer span.End()

	if err := in.normalize(s.cfg.MaxPassengers); err != nil {
		return nil, err
	}

	slot, err := s.slots.GetSlot(ctx, in.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.Status == models.SlotBooked || slot.Status == models.SlotBlocked {
		return nil, models.ErrSlotUnavailable
	}

	// Priced on the slot's day; the requested date must agree with it.
	departure := departureDay(slot.StartTime)
	if !departureDay(in.Date).Equal(departure) {
		return nil, models.ErrQuoteDateMismatch
	}

	rate, err := s.rates.FindRate(ctx, in.Origin, in.Destination, departure)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, models.ErrNoRate
	}
	surcharges, err := s.rates.ListSurcharges(ctx)
	if err != nil {
		return nil, err
	}

	breakdown := pricing.Calculate(pricing.Input{
		Rate:          *rate,
		Surcharges:    surcharges,
		Passengers:    in.PassengerCount,
		Date:          departure,
		ServiceFeeBps: s.cfg.ServiceFeeBps,
		TaxBps:        s.cfg.TaxBps,
	})

	currency := rate.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	now := s.clock.Now()
	quote := &models.Quote{
		ID:               uuid.NewString(),
		Token:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		SlotID:           slot.ID,
		RouteOrigin:      in.Origin,
		RouteDestination: in.Destination,
		PassengerCount:   in.PassengerCount,
		DepartureDate:    departure,
		BaseAmount:       breakdown.Base,
		FeesAmount:       breakdown.Fees,
		TaxesAmount:      breakdown.Taxes,
		TotalAmount:      breakdown.Total,
		Surcharges:       breakdown.Surcharges,
		Currency:         currency,
		CustomerEmail:    strings.TrimSpace(in.Email),
		CustomerPhone:    strings.TrimSpace(in.Phone),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.Validity),
	}

	if err := s.quotes.CreateQuote(ctx, quote); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.QuotesCreatedTotal.Inc()
	s.logger.Info("quote created",
		zap.String("quote_id", quote.ID),
		zap.String("route", quote.RouteOrigin+"-"+quote.RouteDestination),
		zap.Int64("total", quote.TotalAmount))
	return quote, nil
}

// departureDay truncates t to its UTC calendar day. Slots are stored in UTC.
func departureDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetQuote returns a quote that is still valid.
func (s *QuoteService) GetQuote(ctx context.Context, token string) (*models.Quote, error) {
	quote, err := s.quotes.GetQuoteByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, models.ErrQuoteNotFound
	}
	if quote.ExpiredAt(s.clock.Now()) {
		return nil, models.ErrQuoteExpired
	}
	return quote, nil
}
