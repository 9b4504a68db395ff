package events

// Notification event types emitted by the escrow core. A consumer
// outside this subsystem formats and delivers them.
const (
	EventPaymentReleased = "payment.released"
	EventPaymentDisputed = "payment.disputed"
	EventPaymentRefunded = "payment.refunded"
	EventPayoutCompleted = "payout.completed"
	EventPayoutFailed    = "payout.failed"
)
