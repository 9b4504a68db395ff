package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RecordType classifies a money-affecting event.
type RecordType string

const (
	RecordTypePayment RecordType = "payment"
	RecordTypeEarning RecordType = "earning"
	RecordTypeRefund  RecordType = "refund"
	RecordTypePayout  RecordType = "payout"
	RecordTypeFee     RecordType = "fee"
)

// TransactionRecord is one append-only audit entry. Records are never
// updated or deleted; the table is the audit trail for money movement.
type TransactionRecord struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID      snowflake.ID `gorm:"not null;index" json:"user_id"`
	RecordType  RecordType   `gorm:"type:text;not null;column:record_type" json:"record_type"`
	Amount      int64        `gorm:"not null" json:"amount"`
	ReferenceID snowflake.ID `gorm:"not null;index" json:"reference_id"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (TransactionRecord) TableName() string { return "transaction_records" }
