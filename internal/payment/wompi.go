// Package payment talks to the Wompi payment provider.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"charter-service/internal/util"
)

const ProviderWompi = "WOMPI"

// Verifier checks webhook signatures: hex HMAC-SHA256 of the raw body.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. An empty secret rejects everything.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	expected := v.Sign(body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Transaction statuses reported by Wompi.
const (
	StatusApproved = "APPROVED"
	StatusDeclined = "DECLINED"
	StatusVoided   = "VOIDED"
	StatusError    = "ERROR"
	StatusPending  = "PENDING"
)

type Transaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
}

// WebhookEvent is the body of a Wompi event notification.
type WebhookEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Transaction Transaction `json:"transaction"`
	} `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

// ParseWebhook decodes and sanity-checks a webhook body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("webhook payload has no event id")
	}
	if ev.Data.Transaction.Reference == "" {
		return nil, fmt.Errorf("webhook payload has no transaction reference")
	}
	ev.Data.Transaction.Status = strings.ToUpper(ev.Data.Transaction.Status)
	return &ev, nil
}

type LinkRequest struct {
	Reference     string
	Name          string
	Description   string
	AmountInCents int64
	Currency      string
	ExpiresAt     time.Time
}

type Client struct {
	baseURL     string
	privateKey  string
	redirectURL string
	dryRun      bool
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewClient(baseURL, privateKey, redirectURL string, dryRun bool) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		privateKey:  privateKey,
		redirectURL: redirectURL,
		dryRun:      dryRun,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      util.Named("wompi"),
	}
}

type paymentLinkBody struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	SingleUse       bool              `json:"single_use"`
	CollectShipping bool              `json:"collect_shipping"`
	Currency        string            `json:"currency"`
	AmountInCents   int64             `json:"amount_in_cents"`
	RedirectURL     string            `json:"redirect_url,omitempty"`
	ExpiresAt       string            `json:"expires_at,omitempty"`
	Reference       string            `json:"reference"`
	Metadata        map[string]string `json:"metadata"`
}

type paymentLinkResponse struct {
	Data struct {
		ID        string `json:"id"`
		Permalink string `json:"permalink"`
	} `json:"data"`
}

// CreatePaymentLink returns a single-use checkout URL for req. In dry-run
// mode no request is made.
func (c *Client) CreatePaymentLink(ctx context.Context, req LinkRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "Wompi.CreatePaymentLink")
	defer span.End()

	if c.dryRun {
		ref := req.Reference
		if len(ref) > 8 {
			ref = ref[:8]
		}
		return "https://checkout.wompi.pa/l/mock_" + ref, nil
	}

	body := paymentLinkBody{
		Name:          req.Name,
		Description:   req.Description,
		SingleUse:     true,
		Currency:      req.Currency,
		AmountInCents: req.AmountInCents,
		Reference:     req.Reference,
		Metadata:      map[string]string{"hold_id": req.Reference},
	}
	if c.redirectURL != "" {
		body.RedirectURL = c.redirectURL + "/success?hold=" + req.Reference
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpiresAt = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment_links", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.privateKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		util.RecordError(span, err)
		return "", fmt.Errorf("wompi request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Error("wompi rejected payment link",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(msg)))
		return "", fmt.Errorf("wompi returned status %d", resp.StatusCode)
	}

	var out paymentLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode wompi response: %w", err)
	}
	if out.Data.Permalink == "" {
		return "", fmt.Errorf("wompi response has no permalink")
	}

	c.logger.Info("payment link created", zap.String("reference", req.Reference))
	return out.Data.Permalink, nil
}
