package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PayoutStatus is the lifecycle state of one worker withdrawal.
type PayoutStatus string

const (
	StatusPending    PayoutStatus = "pending"
	StatusProcessing PayoutStatus = "processing"
	StatusCompleted  PayoutStatus = "completed"
	StatusFailed     PayoutStatus = "failed"
)

// WorkerPayout is one withdrawal of released earnings. A pending or
// processing payout has already reserved its amount against the
// worker's balance; a failed payout returns it.
type WorkerPayout struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkerID snowflake.ID `gorm:"not null;index" json:"worker_id"`

	Amount   int64  `gorm:"not null" json:"amount"`
	Currency string `gorm:"type:text;not null" json:"currency"`

	Processor          string `gorm:"type:text;not null" json:"processor"`
	ProcessorReference string `gorm:"type:text" json:"processor_reference,omitempty"`
	IdempotencyKey     string `gorm:"type:text;not null" json:"-"`

	Status        PayoutStatus `gorm:"type:text;not null" json:"status"`
	FailureReason *string      `gorm:"type:text" json:"failure_reason,omitempty"`

	RequestedAt time.Time  `gorm:"not null" json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (WorkerPayout) TableName() string { return "worker_payouts" }

// PayoutItem links a payout to the released payments it draws from.
type PayoutItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	PayoutID  snowflake.ID `gorm:"not null;index" json:"payout_id"`
	PaymentID snowflake.ID `gorm:"not null;index" json:"payment_id"`
	Amount    int64        `gorm:"not null" json:"amount"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (PayoutItem) TableName() string { return "payout_items" }
