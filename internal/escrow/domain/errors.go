package domain

import "errors"

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrInvalidBooking       = errors.New("invalid_booking")
	ErrInvalidOutcome       = errors.New("invalid_dispute_outcome")
	ErrDuplicatePayment     = errors.New("duplicate_payment")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrMissingReason        = errors.New("missing_refund_reason")
	ErrNotPaymentClient     = errors.New("not_payment_client")
	ErrNotBookingParty      = errors.New("not_booking_party")
	ErrPaymentNotHeld       = errors.New("payment_not_held")
	ErrRefundExceedsRemains = errors.New("refund_exceeds_remaining")
	ErrAuthorizationDenied  = errors.New("authorization_declined")
	ErrProcessorUnavailable = errors.New("processor_unavailable")
	ErrCaptureRejected      = errors.New("capture_rejected")
	ErrRefundRejected       = errors.New("refund_rejected")
	ErrMissingTx            = errors.New("missing_transaction")
)
