package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	StatusOpen        DisputeStatus = "open"
	StatusUnderReview DisputeStatus = "under_review"
	StatusResolved    DisputeStatus = "resolved"
	StatusClosed      DisputeStatus = "closed"
)

// Live reports whether the dispute still freezes its payment.
func (s DisputeStatus) Live() bool {
	return s == StatusOpen || s == StatusUnderReview
}

var (
	ErrDisputeNotFound    = errors.New("dispute_not_found")
	ErrDisputeAlreadyOpen = errors.New("dispute_already_open")
	ErrDisputeNotLive     = errors.New("dispute_not_live")
	ErrMissingReason      = errors.New("missing_dispute_reason")
)

// Dispute freezes its payment in escrow until a moderator resolves or
// closes it.
type Dispute struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	PaymentID   snowflake.ID `gorm:"not null;index" json:"payment_id"`
	InitiatedBy snowflake.ID `gorm:"not null" json:"initiated_by"`

	Reason      string        `gorm:"type:text;not null" json:"reason"`
	Description string        `gorm:"type:text" json:"description,omitempty"`
	Status      DisputeStatus `gorm:"type:text;not null" json:"status"`

	ResolvedBy      *snowflake.ID `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolutionNotes *string       `gorm:"type:text" json:"resolution_notes,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Dispute) TableName() string { return "disputes" }

// OpenInput creates a dispute against a held payment.
type OpenInput struct {
	PaymentID   snowflake.ID
	InitiatorID snowflake.ID
	Reason      string
	Description string
}

// ResolveInput settles a dispute one way or the other. The caller has
// already established the resolver's moderation authority.
type ResolveInput struct {
	DisputeID  snowflake.ID
	ResolverID snowflake.ID
	Outcome    escrowdomain.DisputeOutcome
	Notes      string
}

// Service manages the dispute lifecycle. Every status change moves the
// underlying payment in the same transaction.
type Service interface {
	Open(ctx context.Context, in OpenInput) (*Dispute, error)
	StartReview(ctx context.Context, disputeID, reviewerID snowflake.ID) (*Dispute, error)
	Resolve(ctx context.Context, in ResolveInput) (*Dispute, error)
	Close(ctx context.Context, disputeID, resolverID snowflake.ID, notes string) (*Dispute, error)
	GetDispute(ctx context.Context, id snowflake.ID) (*Dispute, error)
}
