package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	RailCard   = "card"
	RailWallet = "wallet"
)

var (
	// ErrUnavailable is transient: the caller may retry the identical
	// call with the same idempotency key.
	ErrUnavailable = errors.New("processor_unavailable")
	// ErrRejected is permanent for this attempt and must not be retried.
	ErrRejected = errors.New("processor_rejected")

	ErrUnknownRail      = errors.New("unknown_rail")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidEvent     = errors.New("invalid_event")
)

type AuthorizeStatus string

const (
	AuthorizeStatusAuthorized AuthorizeStatus = "authorized"
	AuthorizeStatusDeclined   AuthorizeStatus = "declined"
)

type AuthorizeRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type AuthorizeResult struct {
	Reference string
	Status    AuthorizeStatus
}

type CaptureStatus string

const (
	CaptureStatusCaptured CaptureStatus = "captured"
	CaptureStatusFailed   CaptureStatus = "failed"
)

type CaptureResult struct {
	Status CaptureStatus
}

type RefundResult struct {
	RefundReference string
	Status          string
}

type PayoutRequest struct {
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusCompleted PayoutStatus = "completed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

type PayoutResult struct {
	Reference string
	Status    PayoutStatus
}

// Webhook event types, normalized across rails.
const (
	EventTypeAuthorizeSucceeded = "authorize.succeeded"
	EventTypeAuthorizeDeclined  = "authorize.declined"
	EventTypeCaptureSucceeded   = "capture.succeeded"
	EventTypeCaptureFailed      = "capture.failed"
	EventTypePayoutCompleted    = "payout.completed"
	EventTypePayoutFailed       = "payout.failed"
)

// WebhookEvent is the canonical event parsed from a rail's envelope.
type WebhookEvent struct {
	Rail            string
	ProviderEventID string
	Type            string
	Reference       string
	Amount          int64
	FailureReason   string
	OccurredAt      time.Time
}

// Gateway normalizes one money-movement rail. Authorize and Payout are
// idempotent on the key: re-invoking with the same key returns the
// original outcome without moving money twice.
type Gateway interface {
	Rail() string

	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Capture(ctx context.Context, reference string) (*CaptureResult, error)
	Refund(ctx context.Context, reference string, amount int64) (*RefundResult, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)

	// VerifyWebhook fails closed with ErrInvalidSignature.
	VerifyWebhook(payload []byte, headers http.Header) error
	// ParseWebhook returns ErrEventIgnored for event types this
	// subsystem does not consume.
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}
