package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"charter-service/internal/apperr"
	"charter-service/internal/models"
	"charter-service/internal/service"
)

// ReadinessCheck reports whether one dependency is reachable.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Handler contains HTTP handlers
type Handler struct {
	slots      *service.SlotService
	quotes     *service.QuoteService
	holds      *service.HoldService
	checkout   *service.CheckoutService
	settlement *service.Settlement

	limiter   RateLimiter
	rateLimit RateLimitConfig
	checks    []ReadinessCheck
}

type Dependencies struct {
	Slots      *service.SlotService
	Quotes     *service.QuoteService
	Holds      *service.HoldService
	Checkout   *service.CheckoutService
	Settlement *service.Settlement
	Limiter    RateLimiter
	RateLimit  RateLimitConfig
	Checks     []ReadinessCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		slots:      deps.Slots,
		quotes:     deps.Quotes,
		holds:      deps.Holds,
		checkout:   deps.Checkout,
		settlement: deps.Settlement,
		limiter:    deps.Limiter,
		rateLimit:  deps.RateLimit,
		checks:     deps.Checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	SetupValidator()

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := rateLimit(h.limiter, h.rateLimit.Requests, h.rateLimit.Window)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/quotes", limited, h.createQuote)
		v1.GET("/quotes/:token", h.getQuote)

		v1.POST("/holds", limited, h.createHold)
		v1.GET("/holds/:id", h.getHold)
		v1.DELETE("/holds/:id", h.releaseHold)
		v1.POST("/holds/:id/checkout", limited, h.startCheckout)

		v1.POST("/webhooks/wompi", h.wompiWebhook)

		v1.GET("/availability", h.availability)
		v1.POST("/ops/slots", h.upsertSlot)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports every dependency independently.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(gin.H, len(h.checks))
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			deps[check.Name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[check.Name] = "up"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"dependencies": deps,
		"time":         time.Now().Unix(),
	})
}

type createQuoteRequest struct {
	Origin         string `json:"origin" binding:"required,iata"`
	Destination    string `json:"destination" binding:"required,iata"`
	Date           string `json:"date" binding:"required"`
	PassengerCount int    `json:"passenger_count" binding:"required,min=1"`
	SlotID         string `json:"slot_id" binding:"required"`
	Email          string `json:"email" binding:"omitempty,email"`
	Phone          string `json:"phone"`
}

type quoteResponse struct {
	Token          string                `json:"token"`
	SlotID         string                `json:"slot_id"`
	Origin         string                `json:"origin"`
	Destination    string                `json:"destination"`
	PassengerCount int                   `json:"passenger_count"`
	Date           string                `json:"date"`
	Breakdown      models.PriceBreakdown `json:"breakdown"`
	Currency       string                `json:"currency"`
	ExpiresAt      time.Time             `json:"expires_at"`
}

func newQuoteResponse(q *models.Quote) quoteResponse {
	return quoteResponse{
		Token:          q.Token,
		SlotID:         q.SlotID,
		Origin:         q.RouteOrigin,
		Destination:    q.RouteDestination,
		PassengerCount: q.PassengerCount,
		Date:           q.DepartureDate.Format("2006-01-02"),
		Breakdown:      q.Breakdown(),
		Currency:       q.Currency,
		ExpiresAt:      q.ExpiresAt,
	}
}

func (h *Handler) createQuote(c *gin.Context) {
	var req createQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	date, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
	if err != nil {
		respondError(c, apperr.Validation("invalid_date", "date must be YYYY-MM-DD"))
		return
	}

	quote, err := h.quotes.CreateQuote(c.Request.Context(), service.CreateQuoteInput{
		Origin:         req.Origin,
		Destination:    req.Destination,
		PassengerCount: req.PassengerCount,
		Date:           date,
		SlotID:         req.SlotID,
		Email:          req.Email,
		Phone:          req.Phone,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newQuoteResponse(quote))
}

func (h *Handler) getQuote(c *gin.Context) {
	quote, err := h.quotes.GetQuote(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQuoteResponse(quote))
}

type createHoldRequest struct {
	QuoteToken     string `json:"quote_token" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) createHold(c *gin.Context) {
	var req createHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	hold, err := h.holds.CreateHold(c.Request.Context(), req.QuoteToken, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, hold)
}

func (h *Handler) getHold(c *gin.Context) {
	hold, err := h.holds.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

// releaseHold cancels a hold. The caller proves ownership with the
// Idempotency-Key the hold was created with.
func (h *Handler) releaseHold(c *gin.Context) {
	hold, err := h.holds.ReleaseHold(c.Request.Context(), c.Param("id"), c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func (h *Handler) startCheckout(c *gin.Context) {
	booking, err := h.checkout.Checkout(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, booking)
}

func (h *Handler) wompiWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.settlement.HandleWebhook(c.Request.Context(), body, c.GetHeader("X-Wompi-Signature"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) availability(c *gin.Context) {
	from, to, err := service.ParseDateRange(c.Query("date_range"))
	if err != nil {
		respondError(c, err)
		return
	}

	avail, err := h.slots.QuerySlots(c.Request.Context(), c.Query("resource_id"), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

type upsertSlotRequest struct {
	SlotID      string    `json:"slot_id"`
	ResourceID  string    `json:"resource_id" binding:"required"`
	Start       time.Time `json:"start" binding:"required"`
	End         time.Time `json:"end" binding:"required"`
	Status      string    `json:"status" binding:"omitempty,oneof=AVAILABLE BOOKED BLOCKED"`
	Source      string    `json:"source" binding:"omitempty,oneof=MANUAL EXTERNAL_CALENDAR"`
	ExternalUID string    `json:"external_uid"`
	Notes       string    `json:"notes"`
}

func (h *Handler) upsertSlot(c *gin.Context) {
	var req upsertSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	slot, err := h.slots.UpsertSlot(c.Request.Context(), service.UpsertSlotInput{
		SlotID:      req.SlotID,
		ResourceID:  req.ResourceID,
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
		Status:      models.SlotStatus(req.Status),
		Source:      models.SlotSource(req.Source),
		ExternalUID: req.ExternalUID,
		Notes:       req.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}
