package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/payment"
	"charter-service/internal/redisclient"
)

type txMarker struct{}

// memStore is an in-memory implementation of every repository. Transactions
// are serialized and rolled back from a snapshot; statements outside a
// transaction run as their own single-statement transaction.
type memStore struct {
	txMu sync.Mutex

	slots      map[string]models.Slot
	quotes     map[string]models.Quote
	rates      []models.PriceRate
	surcharges []models.Surcharge
	holds      map[string]models.Hold
	bookings   map[string]models.Booking
	webhooks   map[string]models.WebhookEvent
	processed  map[string]string

	failMarkPaid error
	failExpire   map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		slots:     map[string]models.Slot{},
		quotes:    map[string]models.Quote{},
		holds:     map[string]models.Hold{},
		bookings:  map[string]models.Booking{},
		webhooks:  map[string]models.WebhookEvent{},
		processed: map[string]string{},
	}
}

type memSnapshot struct {
	slots    map[string]models.Slot
	quotes   map[string]models.Quote
	holds    map[string]models.Hold
	bookings map[string]models.Booking
	webhooks map[string]models.WebhookEvent
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := memSnapshot{
		slots:    copyMap(m.slots),
		quotes:   copyMap(m.quotes),
		holds:    copyMap(m.holds),
		bookings: copyMap(m.bookings),
		webhooks: copyMap(m.webhooks),
	}
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		m.slots, m.quotes, m.holds, m.bookings, m.webhooks =
			snap.slots, snap.quotes, snap.holds, snap.bookings, snap.webhooks
		return err
	}
	return nil
}

func (m *memStore) stmt(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

// snapshot helpers for assertions; callers must not be inside a transaction.

func (m *memStore) slot(id string) models.Slot {
	defer m.stmt(context.Background())()
	return m.slots[id]
}

func (m *memStore) hold(id string) models.Hold {
	defer m.stmt(context.Background())()
	return m.holds[id]
}

func (m *memStore) holdCount() int {
	defer m.stmt(context.Background())()
	return len(m.holds)
}

func (m *memStore) bookingCount() int {
	defer m.stmt(context.Background())()
	return len(m.bookings)
}

func (m *memStore) webhook(id string) (models.WebhookEvent, bool) {
	defer m.stmt(context.Background())()
	ev, ok := m.webhooks[id]
	return ev, ok
}

// slots

func (m *memStore) GetSlot(ctx context.Context, id string) (*models.Slot, error) {
	defer m.stmt(ctx)()
	s, ok := m.slots[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) GetSlotForUpdate(ctx context.Context, id string) (*models.Slot, error) {
	return m.GetSlot(ctx, id)
}

func (m *memStore) FindSlotByExternalUID(ctx context.Context, resourceID, uid string) (*models.Slot, error) {
	defer m.stmt(ctx)()
	for _, s := range m.slots {
		if s.ResourceID == resourceID && s.ExternalUID == uid {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindSlotByRange(ctx context.Context, resourceID string, start, end time.Time) (*models.Slot, error) {
	defer m.stmt(ctx)()
	for _, s := range m.slots {
		if s.ResourceID == resourceID && s.StartTime.Equal(start) && s.EndTime.Equal(end) {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memStore) countOverlapping(resourceID string, start, end time.Time, statuses []models.SlotStatus, excludeID string) int {
	n := 0
	for _, s := range m.slots {
		if s.ResourceID != resourceID || s.ID == excludeID || !s.Overlaps(start, end) {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				n++
				break
			}
		}
	}
	return n
}

func (m *memStore) CountOverlapping(ctx context.Context, resourceID string, start, end time.Time, statuses []models.SlotStatus, excludeID string) (int, error) {
	defer m.stmt(ctx)()
	return m.countOverlapping(resourceID, start, end, statuses, excludeID), nil
}

// violatesExclusion mirrors the slots_no_overlapping_claims constraint.
func (m *memStore) violatesExclusion(s models.Slot) bool {
	if s.Status != models.SlotHeld && s.Status != models.SlotBooked {
		return false
	}
	return m.countOverlapping(s.ResourceID, s.StartTime, s.EndTime, claimingStatuses, s.ID) > 0
}

func (m *memStore) InsertSlot(ctx context.Context, slot *models.Slot) error {
	defer m.stmt(ctx)()
	if m.violatesExclusion(*slot) {
		return models.ErrSlotOverlap
	}
	m.slots[slot.ID] = *slot
	return nil
}

func (m *memStore) UpdateSlot(ctx context.Context, slot *models.Slot) error {
	defer m.stmt(ctx)()
	if _, ok := m.slots[slot.ID]; !ok {
		return models.ErrSlotNotFound
	}
	if m.violatesExclusion(*slot) {
		return models.ErrSlotOverlap
	}
	m.slots[slot.ID] = *slot
	return nil
}

func (m *memStore) TransitionSlot(ctx context.Context, id string, from, to models.SlotStatus) error {
	defer m.stmt(ctx)()
	s, ok := m.slots[id]
	if !ok || s.Status != from {
		return models.ErrStalePrecondition
	}
	s.Status = to
	if m.violatesExclusion(s) {
		return models.ErrSlotUnavailable
	}
	m.slots[id] = s
	return nil
}

func (m *memStore) QuerySlots(ctx context.Context, resourceID string, from, to time.Time) ([]models.Slot, error) {
	defer m.stmt(ctx)()
	var out []models.Slot
	for _, s := range m.slots {
		if s.ResourceID == resourceID && !s.EndTime.Before(from) && !s.StartTime.After(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// quotes and rates

func (m *memStore) CreateQuote(ctx context.Context, q *models.Quote) error {
	defer m.stmt(ctx)()
	m.quotes[q.ID] = *q
	return nil
}

func (m *memStore) GetQuoteByToken(ctx context.Context, token string) (*models.Quote, error) {
	defer m.stmt(ctx)()
	for _, q := range m.quotes {
		if q.Token == token {
			q := q
			return &q, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetQuoteByID(ctx context.Context, id string) (*models.Quote, error) {
	defer m.stmt(ctx)()
	q, ok := m.quotes[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (m *memStore) FindRate(ctx context.Context, origin, destination string, at time.Time) (*models.PriceRate, error) {
	defer m.stmt(ctx)()
	for _, r := range m.rates {
		if r.Origin == origin && r.Destination == destination {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListSurcharges(ctx context.Context) ([]models.Surcharge, error) {
	defer m.stmt(ctx)()
	return append([]models.Surcharge(nil), m.surcharges...), nil
}

// holds

func (m *memStore) ClaimHold(ctx context.Context, h *models.Hold) (bool, error) {
	defer m.stmt(ctx)()
	for _, existing := range m.holds {
		if existing.IdempotencyKey == h.IdempotencyKey {
			return false, nil
		}
	}
	m.holds[h.ID] = *h
	return true, nil
}

func (m *memStore) DeleteClaim(ctx context.Context, id string) error {
	defer m.stmt(ctx)()
	if h, ok := m.holds[id]; ok && h.Status.InFlight() {
		delete(m.holds, id)
	}
	return nil
}

func (m *memStore) GetHold(ctx context.Context, id string) (*models.Hold, error) {
	defer m.stmt(ctx)()
	h, ok := m.holds[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memStore) GetHoldForUpdate(ctx context.Context, id string) (*models.Hold, error) {
	return m.GetHold(ctx, id)
}

func (m *memStore) FindHoldByIdempotencyKey(ctx context.Context, key string) (*models.Hold, error) {
	defer m.stmt(ctx)()
	for _, h := range m.holds {
		if h.IdempotencyKey == key {
			h := h
			return &h, nil
		}
	}
	return nil, nil
}

func (m *memStore) TransitionHold(ctx context.Context, h *models.Hold, from models.HoldStatus) error {
	defer m.stmt(ctx)()
	cur, ok := m.holds[h.ID]
	if !ok || cur.Status != from {
		return models.ErrStalePrecondition
	}
	if err := m.failExpire[h.ID]; err != nil && h.Status == models.HoldExpired {
		return err
	}
	m.holds[h.ID] = *h
	return nil
}

func (m *memStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	defer m.stmt(ctx)()
	var out []models.Hold
	for _, h := range m.holds {
		if h.Status == models.HoldActive && h.ExpiredAt(now) && len(out) < limit {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]models.Hold, error) {
	defer m.stmt(ctx)()
	var out []models.Hold
	for _, h := range m.holds {
		if h.Status.InFlight() && h.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, h)
		}
	}
	return out, nil
}

// bookings

func (m *memStore) GetBookingByHoldID(ctx context.Context, holdID string) (*models.Booking, error) {
	defer m.stmt(ctx)()
	for _, b := range m.bookings {
		if b.HoldID == holdID {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateBooking(ctx context.Context, b *models.Booking) (bool, error) {
	defer m.stmt(ctx)()
	for _, existing := range m.bookings {
		if existing.HoldID == b.HoldID {
			return false, nil
		}
	}
	m.bookings[b.ID] = *b
	return true, nil
}

func (m *memStore) MarkBookingPaid(ctx context.Context, id, paymentRef string, paidAt time.Time) (bool, error) {
	defer m.stmt(ctx)()
	if m.failMarkPaid != nil {
		return false, m.failMarkPaid
	}
	b, ok := m.bookings[id]
	if !ok || b.Status != models.BookingPending {
		return false, nil
	}
	b.Status = models.BookingPaid
	b.PaymentReference = paymentRef
	b.PaidAt = &paidAt
	m.bookings[id] = b
	return true, nil
}

func (m *memStore) SetPaymentLink(ctx context.Context, id, link string) error {
	defer m.stmt(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return models.ErrStalePrecondition
	}
	b.PaymentLink = link
	m.bookings[id] = b
	return nil
}

// webhook ledger

func (m *memStore) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	defer m.stmt(ctx)()
	if _, ok := m.webhooks[ev.ID]; ok {
		return false, nil
	}
	m.webhooks[ev.ID] = *ev
	return true, nil
}

func (m *memStore) GetWebhookEventForUpdate(ctx context.Context, id string) (*models.WebhookEvent, error) {
	defer m.stmt(ctx)()
	ev, ok := m.webhooks[id]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *memStore) MarkWebhookProcessed(ctx context.Context, id, outcome string, at time.Time) error {
	defer m.stmt(ctx)()
	ev := m.webhooks[id]
	ev.Outcome = outcome
	ev.ProcessedAt = &at
	m.webhooks[id] = ev
	return nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	defer m.stmt(ctx)()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	defer m.stmt(ctx)()
	m.processed[eventID] = eventType
	return nil
}

type fakePublisher struct {
	mu          sync.Mutex
	holdEvents  []*models.HoldEvent
	bookingPaid []*models.BookingPaidEvent
}

func (p *fakePublisher) PublishHoldEvent(_ context.Context, event *models.HoldEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdEvents = append(p.holdEvents, event)
	return nil
}

func (p *fakePublisher) PublishBookingPaid(_ context.Context, event *models.BookingPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookingPaid = append(p.bookingPaid, event)
	return nil
}

func (p *fakePublisher) holdEventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.holdEvents {
		out = append(out, e.EventType)
	}
	return out
}

func (p *fakePublisher) paidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bookingPaid)
}

const testWebhookSecret = "whsec_test"

// env wires every service over one memStore, a miniredis-backed lock
// manager and a manual clock starting on a weekday.
type env struct {
	t          *testing.T
	store      *memStore
	redis      *miniredis.Miniredis
	locks      *redisclient.Client
	clock      *clock.Manual
	publisher  *fakePublisher
	slots      *SlotService
	quotes     *QuoteService
	holds      *HoldService
	finalizer  *Finalizer
	settlement *Settlement
	verifier   *payment.Verifier
}

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	locks, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	st := newMemStore()
	st.rates = []models.PriceRate{{
		ID: 1, Origin: "PTY", Destination: "BOC",
		BaseAmount: 500000, PerExtraPassenger: 0, Currency: "USD",
		EffectiveFrom: testNow.AddDate(-1, 0, 0),
	}}

	clk := clock.NewManual(testNow)
	pub := &fakePublisher{}
	slots := NewSlotService(st, locks, clk, 30*time.Second)
	verifier := payment.NewVerifier(testWebhookSecret)
	finalizer := NewFinalizer(st, st, st, slots, locks, pub, clk)

	return &env{
		t:         t,
		store:     st,
		redis:     mr,
		locks:     locks,
		clock:     clk,
		publisher: pub,
		slots:     slots,
		quotes: NewQuoteService(st, st, slots, clk, QuoteConfig{
			Validity: 48 * time.Hour, ServiceFeeBps: 500, TaxBps: 700, Currency: "USD", MaxPassengers: 19,
		}),
		holds: NewHoldService(st, st, slots, locks, pub, clk,
			WithHoldTTL(900*time.Second),
			WithClaimWait(5*time.Millisecond, 500*time.Millisecond),
		),
		finalizer:  finalizer,
		settlement: NewSettlement(st, finalizer, verifier, clk),
		verifier:   verifier,
	}
}

func (e *env) seedSlot(start time.Time, d time.Duration) *models.Slot {
	e.t.Helper()
	slot, err := e.slots.UpsertSlot(context.Background(), UpsertSlotInput{
		ResourceID: "HP-1234",
		Start:      start,
		End:        start.Add(d),
		Status:     models.SlotAvailable,
		Source:     models.SourceManual,
	})
	require.NoError(e.t, err)
	return slot
}

func (e *env) seedQuote(slotID string) *models.Quote {
	e.t.Helper()
	q, err := e.quotes.CreateQuote(context.Background(), CreateQuoteInput{
		Origin:         "PTY",
		Destination:    "BOC",
		PassengerCount: 2,
		Date:           e.store.slot(slotID).StartTime,
		SlotID:         slotID,
		Email:          "ana@example.com",
		Phone:          "+50760000000",
	})
	require.NoError(e.t, err)
	return q
}
