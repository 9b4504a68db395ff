package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/payout/domain"
)

// Repository is the raw SQL access layer for payouts, payout items and
// worker balances.
type Repository struct{}

func New() *Repository { return &Repository{} }

func rowLock(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func skipLocked(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO worker_payouts
		   (id, worker_id, amount, currency, processor, processor_reference, idempotency_key,
		    status, requested_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		p.ID, p.WorkerID, p.Amount, p.Currency, p.Processor,
		p.ProcessorReference, p.IdempotencyKey,
		p.Status, p.RequestedAt, p.UpdatedAt,
	).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WorkerPayout, error) {
	return r.findOne(ctx, db, `SELECT * FROM worker_payouts WHERE id = ?`, id)
}

func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.WorkerPayout, error) {
	return r.findOne(ctx, tx, `SELECT * FROM worker_payouts WHERE id = ?`+rowLock(tx), id)
}

func (r *Repository) FindByReferenceForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*domain.WorkerPayout, error) {
	return r.findOne(ctx, tx,
		`SELECT * FROM worker_payouts WHERE processor_reference = ?`+rowLock(tx),
		reference,
	)
}

func (r *Repository) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.WorkerPayout, error) {
	var payout domain.WorkerPayout
	err := db.WithContext(ctx).Raw(query, args...).Scan(&payout).Error
	if err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, domain.ErrPayoutNotFound
	}
	return &payout, nil
}

func (r *Repository) MarkProcessing(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout, reference string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE worker_payouts
		 SET status = 'processing',
		     processor_reference = COALESCE(processor_reference, NULLIF(?, '')),
		     processed_at = COALESCE(processed_at, ?),
		     updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		reference, now, now, p.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.StatusProcessing
	if p.ProcessorReference == "" {
		p.ProcessorReference = reference
	}
	if p.ProcessedAt == nil {
		p.ProcessedAt = &now
	}
	p.UpdatedAt = now
	return nil
}

func (r *Repository) MarkCompleted(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout, reference string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE worker_payouts
		 SET status = 'completed',
		     processor_reference = COALESCE(processor_reference, NULLIF(?, '')),
		     processed_at = COALESCE(processed_at, ?),
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		reference, now, now, now, p.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.StatusCompleted
	if p.ProcessorReference == "" {
		p.ProcessorReference = reference
	}
	if p.ProcessedAt == nil {
		p.ProcessedAt = &now
	}
	p.CompletedAt = &now
	p.UpdatedAt = now
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout, reason string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE worker_payouts
		 SET status = 'failed', failure_reason = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		reason, now, p.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.StatusFailed
	if reason != "" {
		p.FailureReason = &reason
	}
	p.UpdatedAt = now
	return nil
}

// StuckProcessingIDs claims payouts that dispatched but never heard
// back, so the sweep can re-drive them with the same idempotency key.
func (r *Repository) StuckProcessingIDs(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM worker_payouts
		 WHERE status = 'processing' AND updated_at < ?
		 ORDER BY updated_at
		 LIMIT ?`+skipLocked(tx),
		cutoff, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertItems links a payout to the released payments it draws from.
func (r *Repository) InsertItems(ctx context.Context, tx *gorm.DB, items []domain.PayoutItem) error {
	for _, item := range items {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO payout_items (id, payout_id, payment_id, amount, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			item.ID, item.PayoutID, item.PaymentID, item.Amount, item.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleasedShare is one released payment with its not-yet-withdrawn
// worker share.
type ReleasedShare struct {
	PaymentID snowflake.ID
	Remaining int64
}

// ReleasedRemaining lists the worker's released payments oldest first
// with the share no prior live payout has drawn down.
func (r *Repository) ReleasedRemaining(ctx context.Context, tx *gorm.DB, workerID snowflake.ID) ([]ReleasedShare, error) {
	var rows []ReleasedShare
	err := tx.WithContext(ctx).Raw(
		`SELECT p.id AS payment_id,
		        p.worker_amount - COALESCE(SUM(i.amount), 0) AS remaining
		 FROM payments p
		 LEFT JOIN payout_items i
		   ON i.payment_id = p.id
		  AND i.payout_id IN (SELECT id FROM worker_payouts WHERE status <> 'failed')
		 WHERE p.worker_id = ? AND p.state = 'released'
		 GROUP BY p.id, p.worker_amount, p.released_at
		 HAVING p.worker_amount - COALESCE(SUM(i.amount), 0) > 0
		 ORDER BY p.released_at`,
		workerID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BalanceStore is the denormalized per-worker available balance. It
// implements domain.BalanceLedger for the escrow service.
type BalanceStore struct{}

func NewBalanceStore() domain.BalanceLedger { return &BalanceStore{} }

// CreditTx adds released earnings to the worker's balance.
func (b *BalanceStore) CreditTx(ctx context.Context, tx *gorm.DB, workerID snowflake.ID, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO worker_balances (worker_id, available, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (worker_id)
		 DO UPDATE SET available = worker_balances.available + excluded.available,
		               updated_at = excluded.updated_at`,
		workerID, amount, time.Now().UTC(),
	).Error
}

// DebitTx claws back from the worker's balance, clamping at zero when
// the funds were already withdrawn.
func (b *BalanceStore) DebitTx(ctx context.Context, tx *gorm.DB, workerID snowflake.ID, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	available, err := b.lockBalance(ctx, tx, workerID)
	if err != nil {
		return err
	}
	if amount > available {
		amount = available
	}
	if amount == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE worker_balances SET available = available - ?, updated_at = ? WHERE worker_id = ?`,
		amount, time.Now().UTC(), workerID,
	).Error
}

// Reserve moves amount from available into a pending payout. The row
// lock serializes concurrent withdrawal requests for one worker.
func (b *BalanceStore) Reserve(ctx context.Context, tx *gorm.DB, workerID snowflake.ID, amount int64) error {
	available, err := b.lockBalance(ctx, tx, workerID)
	if err != nil {
		return err
	}
	if amount > available {
		return domain.ErrInsufficientBalance
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE worker_balances SET available = available - ?, updated_at = ? WHERE worker_id = ?`,
		amount, time.Now().UTC(), workerID,
	).Error
}

func (b *BalanceStore) Available(ctx context.Context, db *gorm.DB, workerID snowflake.ID) (int64, error) {
	var available int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE((SELECT available FROM worker_balances WHERE worker_id = ?), 0)`,
		workerID,
	).Scan(&available).Error
	if err != nil {
		return 0, err
	}
	return available, nil
}

func (b *BalanceStore) lockBalance(ctx context.Context, tx *gorm.DB, workerID snowflake.ID) (int64, error) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO worker_balances (worker_id, available, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (worker_id) DO NOTHING`,
		workerID, time.Now().UTC(),
	).Error
	if err != nil {
		return 0, err
	}
	var available int64
	err = tx.WithContext(ctx).Raw(
		`SELECT available FROM worker_balances WHERE worker_id = ?`+rowLock(tx),
		workerID,
	).Scan(&available).Error
	if err != nil {
		return 0, err
	}
	return available, nil
}
