package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentState is the escrow lifecycle state of one charge.
type PaymentState string

const (
	StatePending  PaymentState = "pending"
	StateHeld     PaymentState = "held"
	StateReleased PaymentState = "released"
	StateRefunded PaymentState = "refunded"
	StateFailed   PaymentState = "failed"
	StateDisputed PaymentState = "disputed"
)

// transitions is the full table of legal state changes. Anything not
// listed fails with ErrInvalidTransition.
var transitions = map[PaymentState]map[PaymentState]bool{
	StatePending: {
		StateHeld:   true,
		StateFailed: true,
	},
	StateHeld: {
		StateReleased: true,
		StateDisputed: true,
		StateRefunded: true,
	},
	StateDisputed: {
		StateReleased: true,
		StateRefunded: true,
		StateHeld:     true,
	},
	StateReleased: {
		// A released charge can still be clawed back by refund.
		StateRefunded: true,
	},
	StateRefunded: {},
	StateFailed:   {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to PaymentState) bool {
	return transitions[from][to]
}

// Live reports whether the state still admits money movement. A
// booking may carry at most one live payment; only failed attempts
// may be retried with a fresh charge.
func (s PaymentState) Live() bool {
	return s != StateFailed
}

// Payment is one authorized-and-possibly-settled charge tied to
// exactly one booking. Amounts are integer minor units and satisfy
// Amount == PlatformFee + WorkerAmount at all times.
type Payment struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	BookingID snowflake.ID `gorm:"not null;index" json:"booking_id"`
	ClientID  snowflake.ID `gorm:"not null" json:"client_id"`
	WorkerID  snowflake.ID `gorm:"not null;index" json:"worker_id"`

	Amount         int64 `gorm:"not null" json:"amount"`
	PlatformFee    int64 `gorm:"not null" json:"platform_fee"`
	WorkerAmount   int64 `gorm:"not null" json:"worker_amount"`
	RefundedAmount int64 `gorm:"not null;default:0" json:"refunded_amount"`

	Currency  string `gorm:"type:text;not null" json:"currency"`
	Processor string `gorm:"type:text;not null" json:"processor"`
	// ProcessorReference is set once when the processor confirms the
	// authorization and is immutable thereafter. It is globally unique
	// and serves as the reconciliation idempotency handle.
	ProcessorReference string `gorm:"type:text" json:"processor_reference,omitempty"`
	IdempotencyKey     string `gorm:"type:text;not null" json:"-"`

	State        PaymentState      `gorm:"type:text;not null" json:"state"`
	RefundReason *string           `gorm:"type:text" json:"refund_reason,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	HeldAt     *time.Time `json:"held_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// RemainingAmount is the portion not yet refunded.
func (p *Payment) RemainingAmount() int64 {
	return p.Amount - p.RefundedAmount
}
