package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter-service/internal/apperr"
	"charter-service/internal/models"
)

func TestCreateHold_HoldsSlotUntilExpiry(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), 2*time.Hour)
	quote := e.seedQuote(slot.ID)

	hold, err := e.holds.CreateHold(context.Background(), quote.Token, "key-1")
	require.NoError(t, err)

	assert.Equal(t, models.HoldActive, hold.Status)
	require.NotNil(t, hold.ExpiresAt)
	assert.Equal(t, testNow.Add(900*time.Second), *hold.ExpiresAt)
	assert.NotEmpty(t, hold.LockToken)
	assert.Equal(t, models.SlotHeld, e.store.slot(slot.ID).Status)
	assert.True(t, e.redis.Exists("lock:slot:"+slot.ID))
	assert.Equal(t, []string{models.EventTypeHoldCreated}, e.publisher.holdEventTypes())
}

func TestCreateHold_RequiresIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)

	_, err := e.holds.CreateHold(context.Background(), quote.Token, "  ")
	assert.ErrorIs(t, err, models.ErrIdempotencyKeyRequired)
	assert.Zero(t, e.store.holdCount())
}

func TestCreateHold_ReplaySameKey(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)
	ctx := context.Background()

	first, err := e.holds.CreateHold(ctx, quote.Token, "key-1")
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	second, err := e.holds.CreateHold(ctx, quote.Token, "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.ExpiresAt, *second.ExpiresAt)
	assert.Equal(t, 1, e.store.holdCount())
	assert.Len(t, e.publisher.holdEventTypes(), 1)
}

func TestCreateHold_KeyReusedForOtherQuote(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	other := e.seedSlot(testNow.Add(96*time.Hour), time.Hour)
	ctx := context.Background()

	_, err := e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-1")
	require.NoError(t, err)

	_, err = e.holds.CreateHold(ctx, e.seedQuote(other.ID).Token, "key-1")
	assert.ErrorIs(t, err, models.ErrIdempotencyConflict)
	assert.Equal(t, models.SlotAvailable, e.store.slot(other.ID).Status)
}

func TestCreateHold_SecondCustomerConflicts(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	ctx := context.Background()

	_, err := e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-a")
	require.NoError(t, err)

	_, err = e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-b")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	// the losing claim is removed again
	assert.Equal(t, 1, e.store.holdCount())
}

func TestCreateHold_ConcurrentRequestsOneWinner(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)

	const n = 20
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = e.seedQuote(slot.ID).Token
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := e.holds.CreateHold(context.Background(), tokens[i], fmt.Sprintf("key-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case apperr.KindOf(err) == apperr.KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, e.store.holdCount())
	assert.Equal(t, models.SlotHeld, e.store.slot(slot.ID).Status)
}

func TestCreateHold_ConcurrentSameKeyReturnsSameHold(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := e.holds.CreateHold(context.Background(), quote.Token, "shared-key")
			errs[i] = err
			if h != nil {
				ids[i] = h.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, e.store.holdCount())
}

func TestCreateHold_OverlappingSlotConflicts(t *testing.T) {
	e := newEnv(t)
	start := testNow.Add(72 * time.Hour)
	a := e.seedSlot(start, 2*time.Hour)
	b := e.seedSlot(start.Add(time.Hour), 2*time.Hour)
	ctx := context.Background()

	_, err := e.holds.CreateHold(ctx, e.seedQuote(a.ID).Token, "key-a")
	require.NoError(t, err)

	_, err = e.holds.CreateHold(ctx, e.seedQuote(b.ID).Token, "key-b")
	assert.ErrorIs(t, err, models.ErrSlotUnavailable)
	assert.Equal(t, models.SlotAvailable, e.store.slot(b.ID).Status)
	// compensation gave the lock back
	assert.False(t, e.redis.Exists("lock:slot:"+b.ID))
	assert.Equal(t, 1, e.store.holdCount())
}

func TestCreateHold_RedisDownFailsClosed(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)
	e.redis.Close()

	_, err := e.holds.CreateHold(context.Background(), quote.Token, "key-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Zero(t, e.store.holdCount())
	assert.Equal(t, models.SlotAvailable, e.store.slot(slot.ID).Status)
}

func TestCreateHold_QuoteExpiryCapsTTL(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)

	e.clock.Set(quote.ExpiresAt.Add(-5 * time.Minute))
	hold, err := e.holds.CreateHold(context.Background(), quote.Token, "key-1")
	require.NoError(t, err)
	assert.Equal(t, quote.ExpiresAt, *hold.ExpiresAt)

	e.clock.Set(quote.ExpiresAt)
	_, err = e.holds.CreateHold(context.Background(), quote.Token, "key-2")
	assert.ErrorIs(t, err, models.ErrQuoteExpired)

	// under a millisecond left is too short for a Redis TTL
	e.clock.Set(quote.ExpiresAt.Add(-500 * time.Microsecond))
	_, err = e.holds.CreateHold(context.Background(), quote.Token, "key-3")
	assert.ErrorIs(t, err, models.ErrQuoteExpired)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))
	assert.Equal(t, 1, e.store.holdCount())
}

func TestCreateHold_UnknownQuote(t *testing.T) {
	e := newEnv(t)
	_, err := e.holds.CreateHold(context.Background(), "nope", "key-1")
	assert.ErrorIs(t, err, models.ErrQuoteNotFound)
}

func TestSweepExpired_ReleasesSlotAfterTTL(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	ctx := context.Background()

	hold, err := e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-a")
	require.NoError(t, err)

	e.clock.Advance(899 * time.Second)
	res, err := e.holds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	e.clock.Advance(2 * time.Second)
	res, err = e.holds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	assert.Equal(t, models.HoldExpired, e.store.hold(hold.ID).Status)
	assert.Equal(t, models.SlotAvailable, e.store.slot(slot.ID).Status)
	assert.False(t, e.redis.Exists("lock:slot:"+slot.ID))
	assert.Contains(t, e.publisher.holdEventTypes(), models.EventTypeHoldExpired)

	// replaying the expired key is refused, a fresh key can take the slot
	_, err = e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-a")
	assert.ErrorIs(t, err, models.ErrIdempotencyConflict)

	_, err = e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-b")
	require.NoError(t, err)
}

func TestSweepExpired_DrainsBacklogBeyondOneBatch(t *testing.T) {
	e := newEnv(t)
	holds := NewHoldService(e.store, e.store, e.slots, e.locks, e.publisher, e.clock,
		WithHoldTTL(900*time.Second),
		WithSweepBatch(10),
	)
	ctx := context.Background()

	const n = 35
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		slot := e.seedSlot(testNow.Add(72*time.Hour+time.Duration(i)*2*time.Hour), time.Hour)
		hold, err := holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		ids = append(ids, hold.ID)
	}
	// one hold keeps failing; it must not stop the rest from draining
	e.store.failExpire = map[string]error{ids[0]: errors.New("disk full")}

	e.clock.Advance(901 * time.Second)
	res, err := holds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, n-1, res.Expired)

	for _, id := range ids[1:] {
		h := e.store.hold(id)
		assert.Equal(t, models.HoldExpired, h.Status)
		assert.Equal(t, models.SlotAvailable, e.store.slot(h.SlotID).Status)
	}
	assert.Equal(t, models.HoldActive, e.store.hold(ids[0]).Status)

	e.store.failExpire = nil
	res, err = holds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
}

func TestCreateHold_ReplayAfterExpiry(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)
	ctx := context.Background()

	_, err := e.holds.CreateHold(ctx, quote.Token, "key-a")
	require.NoError(t, err)

	// past the deadline but not swept yet
	e.clock.Advance(901 * time.Second)
	_, err = e.holds.CreateHold(ctx, quote.Token, "key-a")
	assert.ErrorIs(t, err, models.ErrHoldExpired)

	_, err = e.holds.SweepExpired(ctx)
	require.NoError(t, err)
	_, err = e.holds.CreateHold(ctx, quote.Token, "key-a")
	assert.ErrorIs(t, err, models.ErrHoldExpired)
}

func TestSweepExpired_RemovesStaleClaims(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	quote := e.seedQuote(slot.ID)
	ctx := context.Background()

	token, err := e.locks.TryAcquire(ctx, "slot:"+slot.ID, time.Hour)
	require.NoError(t, err)
	claimed, err := e.store.ClaimHold(ctx, &models.Hold{
		ID: "stale", QuoteID: quote.ID, SlotID: slot.ID, IdempotencyKey: "crashed",
		Status: models.HoldLockAcquired, LockToken: token, CreatedAt: testNow,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	e.clock.Advance(3 * time.Minute)
	res, err := e.holds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleClaims)
	assert.Zero(t, e.store.holdCount())
	assert.False(t, e.redis.Exists("lock:slot:"+slot.ID))
}

func TestReleaseHold(t *testing.T) {
	e := newEnv(t)
	slot := e.seedSlot(testNow.Add(72*time.Hour), time.Hour)
	ctx := context.Background()

	hold, err := e.holds.CreateHold(ctx, e.seedQuote(slot.ID).Token, "key-a")
	require.NoError(t, err)

	_, err = e.holds.ReleaseHold(ctx, hold.ID, "someone-else")
	assert.ErrorIs(t, err, models.ErrHoldNotOwned)

	released, err := e.holds.ReleaseHold(ctx, hold.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.HoldReleased, released.Status)
	assert.Equal(t, models.SlotAvailable, e.store.slot(slot.ID).Status)
	assert.False(t, e.redis.Exists("lock:slot:"+slot.ID))

	_, err = e.holds.ReleaseHold(ctx, hold.ID, "key-a")
	assert.True(t, errors.Is(err, models.ErrHoldNotActive))
}

func TestGetHold_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.holds.GetHold(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrHoldNotFound)
}
