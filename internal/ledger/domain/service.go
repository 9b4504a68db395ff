package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Recorder writes and reads the append-only audit trail. AppendTx must
// be called inside the same transaction as the state transition it
// records, so a rolled-back transition leaves no orphan record.
type Recorder interface {
	AppendTx(ctx context.Context, tx *gorm.DB, record *TransactionRecord) error
	ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]TransactionRecord, error)
}

// Service is the package alias for Recorder.
type Service = Recorder

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidRecordType = errors.New("invalid_record_type")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidReference  = errors.New("invalid_reference")
	ErrMissingTx         = errors.New("missing_transaction")
)
