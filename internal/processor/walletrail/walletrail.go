package walletrail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/observability/tracing"
	"github.com/shiftmarket/escrow/internal/processor/domain"
)

const signatureHeader = "X-Wallet-Signature"

// Gateway drives the wallet rail over its JSON HTTP API. Requests are
// authenticated with a bearer key; webhooks carry an HMAC-SHA256
// signature of the raw body.
type Gateway struct {
	log           *zap.Logger
	client        *http.Client
	baseURL       string
	apiKey        string
	webhookSecret []byte
}

func NewGateway(cfg config.Config, log *zap.Logger) *Gateway {
	client := tracing.WrapHTTPClient(&http.Client{Timeout: cfg.WalletRail.Timeout})
	return &Gateway{
		log:           log.Named("processor.wallet"),
		client:        client,
		baseURL:       strings.TrimRight(cfg.WalletRail.BaseURL, "/"),
		apiKey:        cfg.WalletRail.APIKey,
		webhookSecret: []byte(cfg.WalletRail.WebhookSecret),
	}
}

func (g *Gateway) Rail() string { return domain.RailWallet }

type apiResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (g *Gateway) Authorize(ctx context.Context, req domain.AuthorizeRequest) (*domain.AuthorizeResult, error) {
	body := map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
	}
	resp, err := g.post(ctx, "/v1/holds", body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case "authorized", "held":
		return &domain.AuthorizeResult{Reference: resp.Reference, Status: domain.AuthorizeStatusAuthorized}, nil
	case "declined", "insufficient_funds":
		return &domain.AuthorizeResult{Reference: resp.Reference, Status: domain.AuthorizeStatusDeclined}, nil
	default:
		return nil, domain.ErrUnavailable
	}
}

func (g *Gateway) Capture(ctx context.Context, reference string) (*domain.CaptureResult, error) {
	resp, err := g.post(ctx, "/v1/holds/"+reference+"/capture", map[string]any{}, "")
	if err != nil {
		if errors.Is(err, domain.ErrRejected) {
			return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
		}
		return nil, err
	}
	if resp.Status == "captured" {
		return &domain.CaptureResult{Status: domain.CaptureStatusCaptured}, nil
	}
	return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
}

func (g *Gateway) Refund(ctx context.Context, reference string, amount int64) (*domain.RefundResult, error) {
	body := map[string]any{"amount": amount}
	resp, err := g.post(ctx, "/v1/holds/"+reference+"/refund", body, "")
	if err != nil {
		return nil, err
	}
	return &domain.RefundResult{RefundReference: resp.Reference, Status: resp.Status}, nil
}

func (g *Gateway) Payout(ctx context.Context, req domain.PayoutRequest) (*domain.PayoutResult, error) {
	body := map[string]any{
		"destination": req.Destination,
		"amount":      req.Amount,
		"currency":    req.Currency,
	}
	resp, err := g.post(ctx, "/v1/payouts", body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case "completed", "paid":
		return &domain.PayoutResult{Reference: resp.Reference, Status: domain.PayoutStatusCompleted}, nil
	case "failed", "rejected":
		return &domain.PayoutResult{Reference: resp.Reference, Status: domain.PayoutStatusFailed}, nil
	default:
		return &domain.PayoutResult{Reference: resp.Reference, Status: domain.PayoutStatusPending}, nil
	}
}

func (g *Gateway) VerifyWebhook(payload []byte, headers http.Header) error {
	provided := strings.TrimSpace(headers.Get(signatureHeader))
	if provided == "" || len(g.webhookSecret) == 0 {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, g.webhookSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(provided))) != 1 {
		return domain.ErrInvalidSignature
	}
	return nil
}

type webhookEnvelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Reference  string    `json:"reference"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (g *Gateway) ParseWebhook(payload []byte) (*domain.WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidEvent
	}

	eventType := ""
	switch envelope.Type {
	case "hold.created":
		eventType = domain.EventTypeAuthorizeSucceeded
	case "hold.declined":
		eventType = domain.EventTypeAuthorizeDeclined
	case "hold.captured":
		eventType = domain.EventTypeCaptureSucceeded
	case "hold.capture_failed":
		eventType = domain.EventTypeCaptureFailed
	case "payout.completed":
		eventType = domain.EventTypePayoutCompleted
	case "payout.failed":
		eventType = domain.EventTypePayoutFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	if envelope.ID == "" || envelope.Reference == "" {
		return nil, domain.ErrInvalidEvent
	}
	occurredAt := envelope.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &domain.WebhookEvent{
		Rail:            domain.RailWallet,
		ProviderEventID: envelope.ID,
		Type:            eventType,
		Reference:       envelope.Reference,
		Amount:          envelope.Amount,
		FailureReason:   envelope.Reason,
		OccurredAt:      occurredAt,
	}, nil
}

func (g *Gateway) post(ctx context.Context, path string, body map[string]any, idempotencyKey string) (*apiResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// The request may have landed upstream; callers retry with
		// the same idempotency key.
		return nil, domain.ErrUnavailable
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.ErrUnavailable
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.ErrUnavailable
	}
	if resp.StatusCode >= 400 {
		g.log.Warn("wallet rail rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", domain.ErrRejected, resp.StatusCode)
	}

	var decoded apiResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, domain.ErrUnavailable
	}
	return &decoded, nil
}
