package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	disputedomain "github.com/shiftmarket/escrow/internal/dispute/domain"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	"github.com/shiftmarket/escrow/internal/fee"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
	processordomain "github.com/shiftmarket/escrow/internal/processor/domain"
)

// APIError is the wire shape for any handler failure.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

var (
	ErrUnauthorized = &APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "authentication required"}
	ErrForbidden    = &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: "insufficient permissions"}
	ErrNotFound     = &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
)

func invalidRequestError() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request body"}
}

func newValidationError(field, code, message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: code, Message: message, Field: field}
}

// AbortWithError renders any error as a JSON body with a stable code.
// Domain sentinels map to their HTTP status; everything unknown is a
// 500 with the detail kept out of the response.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	status := statusForError(err)
	code := err.Error()
	message := err.Error()
	if status == http.StatusInternalServerError {
		code = "internal_error"
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, escrowdomain.ErrPaymentNotFound),
		errors.Is(err, disputedomain.ErrDisputeNotFound),
		errors.Is(err, payoutdomain.ErrPayoutNotFound):
		return http.StatusNotFound

	case errors.Is(err, escrowdomain.ErrDuplicatePayment),
		errors.Is(err, escrowdomain.ErrInvalidTransition),
		errors.Is(err, escrowdomain.ErrPaymentNotHeld),
		errors.Is(err, escrowdomain.ErrRefundExceedsRemains),
		errors.Is(err, disputedomain.ErrDisputeAlreadyOpen),
		errors.Is(err, disputedomain.ErrDisputeNotLive),
		errors.Is(err, payoutdomain.ErrInsufficientBalance),
		errors.Is(err, payoutdomain.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, escrowdomain.ErrNotPaymentClient),
		errors.Is(err, escrowdomain.ErrNotBookingParty),
		errors.Is(err, payoutdomain.ErrNotPayoutWorker):
		return http.StatusForbidden

	case errors.Is(err, escrowdomain.ErrAuthorizationDenied):
		return http.StatusPaymentRequired

	case errors.Is(err, escrowdomain.ErrProcessorUnavailable),
		errors.Is(err, payoutdomain.ErrRailUnavailable):
		return http.StatusServiceUnavailable

	case errors.Is(err, escrowdomain.ErrCaptureRejected),
		errors.Is(err, escrowdomain.ErrRefundRejected),
		errors.Is(err, payoutdomain.ErrPayoutRejected):
		return http.StatusBadGateway

	case errors.Is(err, escrowdomain.ErrInvalidAmount),
		errors.Is(err, escrowdomain.ErrMissingReason),
		errors.Is(err, escrowdomain.ErrInvalidBooking),
		errors.Is(err, escrowdomain.ErrInvalidOutcome),
		errors.Is(err, disputedomain.ErrMissingReason),
		errors.Is(err, payoutdomain.ErrInvalidAmount),
		errors.Is(err, processordomain.ErrUnknownRail),
		errors.Is(err, processordomain.ErrInvalidSignature),
		errors.Is(err, processordomain.ErrInvalidEvent),
		errors.Is(err, fee.ErrInvalidHours),
		errors.Is(err, fee.ErrInvalidRate),
		errors.Is(err, fee.ErrInvalidFee):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
