package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrPayoutNotFound      = errors.New("payout_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTransition   = errors.New("invalid_payout_transition")
	ErrNotPayoutWorker     = errors.New("not_payout_worker")
	ErrPayoutRejected      = errors.New("payout_rejected")
	ErrRailUnavailable     = errors.New("payout_rail_unavailable")
)

// Service moves released earnings off the platform.
type Service interface {
	AvailableBalance(ctx context.Context, workerID snowflake.ID) (int64, error)
	RequestPayout(ctx context.Context, workerID snowflake.ID, amount int64, processor string) (*WorkerPayout, error)
	Process(ctx context.Context, payoutID snowflake.ID) (*WorkerPayout, error)
	GetPayout(ctx context.Context, id snowflake.ID) (*WorkerPayout, error)

	// ApplyPayoutResult folds a processor webhook into the payout. It
	// is idempotent on the processor reference.
	ApplyPayoutResult(ctx context.Context, reference string, completed bool, failureReason string) error
	ReconcileProcessing(ctx context.Context, payoutID snowflake.ID) error
}

// BalanceLedger adjusts the denormalized per-worker available balance.
// Both methods run inside the caller's transaction; the escrow service
// credits on release and debits on clawback.
type BalanceLedger interface {
	CreditTx(ctx context.Context, tx *gorm.DB, workerID snowflake.ID, amount int64) error
	DebitTx(ctx context.Context, tx *gorm.DB, workerID snowflake.ID, amount int64) error
}
