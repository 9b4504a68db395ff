package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DisputeOutcome selects who receives the held funds when a dispute
// is resolved.
type DisputeOutcome string

const (
	OutcomeFavorWorker DisputeOutcome = "favor_worker"
	OutcomeFavorClient DisputeOutcome = "favor_client"
)

// AuthorizeInput carries the booking acceptance signal.
type AuthorizeInput struct {
	BookingID  snowflake.ID
	ClientID   snowflake.ID
	WorkerID   snowflake.ID
	Hours      int64
	HourlyRate int64
	Currency   string
	Processor  string
}

// RefundInput describes a client-initiated refund. Amount zero means
// the full remaining amount.
type RefundInput struct {
	PaymentID snowflake.ID
	ActorID   snowflake.ID
	Amount    int64
	Reason    string
}

// Service is the escrow payment state machine. All money movement for
// a payment goes through here; every transition is serialized on the
// payment row.
type Service interface {
	Authorize(ctx context.Context, in AuthorizeInput) (*Payment, error)
	Release(ctx context.Context, paymentID, actorID snowflake.ID) (*Payment, error)
	Refund(ctx context.Context, in RefundInput) (*Payment, error)
	GetPayment(ctx context.Context, id snowflake.ID) (*Payment, error)

	// Dispute lifecycle hooks. These run inside the dispute manager's
	// transaction so dispute and payment rows change atomically.
	MarkDisputedTx(ctx context.Context, tx *gorm.DB, paymentID, initiatorID snowflake.ID) (*Payment, error)
	SettleDisputeTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, outcome DisputeOutcome, notes string) (*Payment, error)
	ReinstateHeldTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*Payment, error)

	// Reconciliation entry points. Both are idempotent: applying the
	// same processor outcome twice leaves the payment unchanged.
	ApplyAuthorizeResult(ctx context.Context, reference string, authorized bool) error
	ApplyCaptureResult(ctx context.Context, reference string, captured bool) error
	ReconcilePending(ctx context.Context, paymentID snowflake.ID) error
}
