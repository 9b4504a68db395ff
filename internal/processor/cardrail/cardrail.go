package cardrail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"

	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/processor/domain"
)

// Gateway drives the card rail through Stripe. Charges are created
// with manual capture so funds stay authorized until escrow release.
// The API client is per-gateway; nothing touches the SDK's package
// globals.
type Gateway struct {
	log           *zap.Logger
	api           *client.API
	webhookSecret string
}

func NewGateway(cfg config.Config, log *zap.Logger) *Gateway {
	api := &client.API{}
	api.Init(cfg.CardRail.SecretKey, nil)
	return &Gateway{
		log:           log.Named("processor.card"),
		api:           api,
		webhookSecret: cfg.CardRail.WebhookSecret,
	}
}

func (g *Gateway) Rail() string { return domain.RailCard }

func (g *Gateway) Authorize(ctx context.Context, req domain.AuthorizeRequest) (*domain.AuthorizeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.normalize(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return &domain.AuthorizeResult{Reference: pi.ID, Status: domain.AuthorizeStatusAuthorized}, nil
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return &domain.AuthorizeResult{Reference: pi.ID, Status: domain.AuthorizeStatusDeclined}, nil
	default:
		// Still in flight on the processor side; the reconciler will
		// re-invoke with the same idempotency key.
		return nil, domain.ErrUnavailable
	}
}

func (g *Gateway) Capture(ctx context.Context, reference string) (*domain.CaptureResult, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Capture(reference, params)
	if err != nil {
		if errors.Is(g.normalize(err), domain.ErrUnavailable) {
			return nil, domain.ErrUnavailable
		}
		return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		return &domain.CaptureResult{Status: domain.CaptureStatusCaptured}, nil
	}
	return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
}

func (g *Gateway) Refund(ctx context.Context, reference string, amount int64) (*domain.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx

	ref, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, g.normalize(err)
	}
	return &domain.RefundResult{RefundReference: ref.ID, Status: string(ref.Status)}, nil
}

func (g *Gateway) Payout(ctx context.Context, req domain.PayoutRequest) (*domain.PayoutResult, error) {
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	po, err := g.api.Payouts.New(params)
	if err != nil {
		return nil, g.normalize(err)
	}
	return &domain.PayoutResult{Reference: po.ID, Status: mapPayoutStatus(po.Status)}, nil
}

func (g *Gateway) VerifyWebhook(payload []byte, headers http.Header) error {
	sig := headers.Get("Stripe-Signature")
	if _, err := webhook.ConstructEvent(payload, sig, g.webhookSecret); err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (g *Gateway) ParseWebhook(payload []byte) (*domain.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidEvent
	}

	out := &domain.WebhookEvent{
		Rail:            domain.RailCard,
		ProviderEventID: event.ID,
		OccurredAt:      eventTime(event),
	}

	switch event.Type {
	case "payment_intent.amount_capturable_updated":
		out.Type = domain.EventTypeAuthorizeSucceeded
	case "payment_intent.payment_failed":
		out.Type = domain.EventTypeAuthorizeDeclined
	case "payment_intent.succeeded":
		out.Type = domain.EventTypeCaptureSucceeded
	case "payment_intent.canceled":
		out.Type = domain.EventTypeCaptureFailed
	case "payout.paid":
		out.Type = domain.EventTypePayoutCompleted
	case "payout.failed":
		out.Type = domain.EventTypePayoutFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	switch out.Type {
	case domain.EventTypePayoutCompleted, domain.EventTypePayoutFailed:
		var po stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
			return nil, domain.ErrInvalidEvent
		}
		out.Reference = po.ID
		out.Amount = po.Amount
		out.FailureReason = po.FailureMessage
	default:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, domain.ErrInvalidEvent
		}
		out.Reference = pi.ID
		out.Amount = pi.Amount
	}

	if out.Reference == "" {
		return nil, domain.ErrInvalidEvent
	}
	return out, nil
}

// normalize maps Stripe errors onto the transient/permanent split.
func (g *Gateway) normalize(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return domain.ErrUnavailable
		}
		g.log.Warn("card rail rejected request",
			zap.String("code", string(stripeErr.Code)),
			zap.String("type", string(stripeErr.Type)),
		)
		return domain.ErrRejected
	}
	// Transport-level failure; the charge may or may not exist upstream.
	return domain.ErrUnavailable
}

func mapPayoutStatus(status stripe.PayoutStatus) domain.PayoutStatus {
	switch status {
	case stripe.PayoutStatusPaid:
		return domain.PayoutStatusCompleted
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return domain.PayoutStatusFailed
	default:
		return domain.PayoutStatusPending
	}
}

func eventTime(event stripe.Event) time.Time {
	if event.Created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(event.Created, 0).UTC()
}
