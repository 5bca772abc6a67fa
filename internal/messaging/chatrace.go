// Package messaging sends WhatsApp template messages through Chatrace.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"charter-service/internal/util"
)

// TemplateBookingConfirmed is registered with the WhatsApp business account.
const (
	TemplateBookingConfirmed = "booking_confirmed"
)

// Send statuses.
const (
	StatusSent     = "sent"
	StatusDisabled = "disabled"
	StatusFailed   = "failed"
)

var ErrNotConfigured = errors.New("chatrace token not configured")

type Message struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"parameters"`
	Language string            `json:"language"`
}

type Client struct {
	baseURL    string
	token      string
	enabled    bool
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, token string, enabled bool) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		enabled:    enabled,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     util.Named("chatrace"),
	}
	if enabled && token == "" {
		c.logger.Warn("whatsapp enabled but CHATRACE_TOKEN is empty")
	}
	return c
}

// SendTemplate delivers one template message. When the client is disabled it
// logs the message and reports StatusDisabled without calling out.
func (c *Client) SendTemplate(ctx context.Context, template, to string, params map[string]string) (string, error) {
	if !c.enabled {
		c.logger.Info("whatsapp disabled, message not sent",
			zap.String("template", template), zap.String("to", to))
		return StatusDisabled, nil
	}
	if c.token == "" {
		return StatusFailed, ErrNotConfigured
	}

	ctx, span := util.StartSpan(ctx, "Chatrace.SendTemplate")
	defer span.End()

	payload, err := json.Marshal(Message{To: to, Template: template, Params: params, Language: "es"})
	if err != nil {
		return StatusFailed, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messages/template", bytes.NewReader(payload))
	if err != nil {
		return StatusFailed, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.RecordError(span, err)
		return StatusFailed, fmt.Errorf("chatrace request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("chatrace returned status %d", resp.StatusCode)
		util.RecordError(span, err)
		c.logger.Error("whatsapp template rejected",
			zap.String("template", template),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return StatusFailed, err
	}

	c.logger.Info("whatsapp template sent", zap.String("template", template), zap.String("to", to))
	return StatusSent, nil
}
