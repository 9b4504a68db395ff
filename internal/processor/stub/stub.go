package stub

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/shiftmarket/escrow/internal/processor/domain"
)

// Mode controls how the stub rail answers the next calls.
type Mode int

const (
	// ModeSucceed authorizes, captures, refunds and pays out normally.
	ModeSucceed Mode = iota
	// ModeDecline declines authorizations and fails captures/payouts.
	ModeDecline
	// ModeUnavailable returns ErrUnavailable without recording anything.
	ModeUnavailable
	// ModePhantom performs the side effect upstream but reports
	// ErrUnavailable, like a timed-out call that actually landed.
	ModePhantom
)

// Gateway is an in-memory rail for tests. Authorize and Payout are
// idempotent on the key, matching the real rails' contract.
type Gateway struct {
	mu sync.Mutex

	mode     Mode
	rail     string
	seq      int
	byKey    map[string]*domain.AuthorizeResult
	payouts  map[string]*domain.PayoutResult
	captured map[string]bool
	refunded map[string]int64

	AuthorizeCalls int
	CaptureCalls   int
	RefundCalls    int
	PayoutCalls    int
}

func NewGateway(rail string) *Gateway {
	return &Gateway{
		mode:     ModeSucceed,
		rail:     rail,
		byKey:    make(map[string]*domain.AuthorizeResult),
		payouts:  make(map[string]*domain.PayoutResult),
		captured: make(map[string]bool),
		refunded: make(map[string]int64),
	}
}

func (g *Gateway) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

func (g *Gateway) Rail() string { return g.rail }

func (g *Gateway) Authorize(ctx context.Context, req domain.AuthorizeRequest) (*domain.AuthorizeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AuthorizeCalls++

	// Same key replays the original outcome, never a second charge.
	if prior, ok := g.byKey[req.IdempotencyKey]; ok {
		return prior, nil
	}

	switch g.mode {
	case ModeUnavailable:
		return nil, domain.ErrUnavailable
	case ModeDecline:
		result := &domain.AuthorizeResult{Reference: g.nextRef("auth"), Status: domain.AuthorizeStatusDeclined}
		g.byKey[req.IdempotencyKey] = result
		return result, nil
	case ModePhantom:
		// Money moved upstream, but the caller sees a transport error.
		result := &domain.AuthorizeResult{Reference: g.nextRef("auth"), Status: domain.AuthorizeStatusAuthorized}
		g.byKey[req.IdempotencyKey] = result
		return nil, domain.ErrUnavailable
	default:
		result := &domain.AuthorizeResult{Reference: g.nextRef("auth"), Status: domain.AuthorizeStatusAuthorized}
		g.byKey[req.IdempotencyKey] = result
		return result, nil
	}
}

func (g *Gateway) Capture(ctx context.Context, reference string) (*domain.CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CaptureCalls++

	switch g.mode {
	case ModeUnavailable:
		return nil, domain.ErrUnavailable
	case ModeDecline:
		return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
	default:
		g.captured[reference] = true
		return &domain.CaptureResult{Status: domain.CaptureStatusCaptured}, nil
	}
}

func (g *Gateway) Refund(ctx context.Context, reference string, amount int64) (*domain.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls++

	switch g.mode {
	case ModeUnavailable:
		return nil, domain.ErrUnavailable
	case ModeDecline:
		return nil, domain.ErrRejected
	default:
		g.refunded[reference] += amount
		return &domain.RefundResult{RefundReference: g.nextRef("re"), Status: "succeeded"}, nil
	}
}

func (g *Gateway) Payout(ctx context.Context, req domain.PayoutRequest) (*domain.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PayoutCalls++

	if prior, ok := g.payouts[req.IdempotencyKey]; ok {
		return prior, nil
	}

	switch g.mode {
	case ModeUnavailable:
		return nil, domain.ErrUnavailable
	case ModeDecline:
		result := &domain.PayoutResult{Reference: g.nextRef("po"), Status: domain.PayoutStatusFailed}
		g.payouts[req.IdempotencyKey] = result
		return result, nil
	default:
		result := &domain.PayoutResult{Reference: g.nextRef("po"), Status: domain.PayoutStatusCompleted}
		g.payouts[req.IdempotencyKey] = result
		return result, nil
	}
}

func (g *Gateway) VerifyWebhook(payload []byte, headers http.Header) error {
	if headers.Get("X-Stub-Signature") != "valid" {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (g *Gateway) ParseWebhook(payload []byte) (*domain.WebhookEvent, error) {
	return nil, domain.ErrEventIgnored
}

// Captured reports whether a reference was captured upstream.
func (g *Gateway) Captured(reference string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captured[reference]
}

// Refunded returns the cumulative refunded amount for a reference.
func (g *Gateway) Refunded(reference string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[reference]
}

func (g *Gateway) nextRef(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%s_%d", prefix, g.rail, g.seq)
}
