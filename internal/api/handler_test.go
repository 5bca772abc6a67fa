package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter-service/internal/apperr"
	"charter-service/internal/clock"
	"charter-service/internal/models"
	"charter-service/internal/payment"
	"charter-service/internal/redisclient"
	"charter-service/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type quoteFixtures map[string]models.Quote

func (q quoteFixtures) CreateQuote(context.Context, *models.Quote) error { return nil }

func (q quoteFixtures) GetQuoteByToken(_ context.Context, token string) (*models.Quote, error) {
	quote, ok := q[token]
	if !ok {
		return nil, nil
	}
	return &quote, nil
}

func (q quoteFixtures) GetQuoteByID(context.Context, string) (*models.Quote, error) { return nil, nil }

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRouter(t *testing.T, deps Dependencies) *gin.Engine {
	t.Helper()
	router := gin.New()
	NewHandler(deps).SetupRoutes(router)
	return router
}

func do(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatusMapping(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:   http.StatusUnprocessableEntity,
		apperr.KindNotFound:     http.StatusNotFound,
		apperr.KindExpired:      http.StatusGone,
		apperr.KindConflict:     http.StatusConflict,
		apperr.KindRateLimited:  http.StatusTooManyRequests,
		apperr.KindUnauthorized: http.StatusUnauthorized,
		apperr.KindUnavailable:  http.StatusServiceUnavailable,
		apperr.KindInternal:     http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(kind), kind.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	router := newRouter(t, Dependencies{Checks: []ReadinessCheck{
		{Name: "postgres", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return errors.New("dial tcp: refused") }},
	}})

	w := do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "up", deps["postgres"])
	assert.Equal(t, "down", deps["redis"])
}

func TestGetQuote_StatusCodes(t *testing.T) {
	clk := clock.NewManual(now)
	quotes := quoteFixtures{
		"live":    {ID: "q1", Token: "live", RouteOrigin: "PTY", RouteDestination: "BOC", TotalAmount: 561750, ExpiresAt: now.Add(time.Hour)},
		"expired": {ID: "q2", Token: "expired", ExpiresAt: now.Add(-time.Second)},
	}
	router := newRouter(t, Dependencies{
		Quotes: service.NewQuoteService(quotes, nil, nil, clk, service.QuoteConfig{}),
	})

	w := do(router, http.MethodGet, "/api/v1/quotes/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "PTY", body["origin"])
	assert.Equal(t, float64(561750), body["breakdown"].(map[string]interface{})["total"])

	w = do(router, http.MethodGet, "/api/v1/quotes/expired", "", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "quote_expired", decode(t, w)["code"])

	w = do(router, http.MethodGet, "/api/v1/quotes/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateQuote_BindingValidation(t *testing.T) {
	router := newRouter(t, Dependencies{})

	w := do(router, http.MethodPost, "/api/v1/quotes",
		`{"origin":"PANAMA","destination":"BOC","date":"2026-03-09","passenger_count":2,"slot_id":"s1"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "invalid_request", body["code"])
	assert.Contains(t, body["error"], "origin")

	w = do(router, http.MethodPost, "/api/v1/quotes", `{`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCreateHold_RequiresIdempotencyKey(t *testing.T) {
	holds := service.NewHoldService(nil, nil, nil, nil, nil, clock.NewManual(now))
	router := newRouter(t, Dependencies{Holds: holds})

	w := do(router, http.MethodPost, "/api/v1/holds", `{"quote_token":"abc"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "idempotency_key_required", decode(t, w)["code"])
}

func TestWompiWebhook_BadSignature(t *testing.T) {
	settlement := service.NewSettlement(nil, nil, payment.NewVerifier("secret"), clock.NewManual(now))
	router := newRouter(t, Dependencies{Settlement: settlement})

	w := do(router, http.MethodPost, "/api/v1/webhooks/wompi", `{"id":"evt-1"}`,
		map[string]string{"X-Wompi-Signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["code"])
}

func TestAvailability_BadRange(t *testing.T) {
	router := newRouter(t, Dependencies{})

	w := do(router, http.MethodGet, "/api/v1/availability?resource_id=HP-1&date_range=tomorrow", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_date_range", decode(t, w)["code"])
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	router := newRouter(t, Dependencies{
		Limiter:   limiter,
		RateLimit: RateLimitConfig{Requests: 2, Window: time.Minute},
	})

	body := `{"origin":"X"}`
	for i := 0; i < 2; i++ {
		w := do(router, http.MethodPost, "/api/v1/quotes", body, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	}
	w := do(router, http.MethodPost, "/api/v1/quotes", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["code"])
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// unlimited routes are unaffected
	w = do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	router := newRouter(t, Dependencies{
		Limiter:   failingLimiter{},
		RateLimit: RateLimitConfig{Requests: 1, Window: time.Minute},
	})

	for i := 0; i < 3; i++ {
		w := do(router, http.MethodPost, "/api/v1/quotes", `{}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	}
}
