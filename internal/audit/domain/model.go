package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType represents who triggered an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actions recorded against the escrow core. Privileged operations are
// always audited; automated transitions are recorded with the system
// actor.
const (
	ActionDisputeReview  = "dispute.review"
	ActionDisputeResolve = "dispute.resolve"
	ActionDisputeClose   = "dispute.close"
	ActionPayoutProcess  = "payout.process"
	ActionPaymentRefund  = "payment.refund"
)

// AuditLog captures an immutable record of a privileged action against
// a payment, dispute or payout.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"type:text;not null"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   *string           `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	IPAddress  *string           `gorm:"type:text"`
	CreatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }
