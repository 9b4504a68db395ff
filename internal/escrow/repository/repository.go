package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/escrow/domain"
)

// Repository is the raw SQL access layer for payments. Methods that
// take a tx expect the caller to own the transaction; lock-taking
// variants use FOR UPDATE so one writer at a time advances a payment.
type Repository struct{}

func New() *Repository { return &Repository{} }

// rowLock returns the locking suffix for the dialect. SQLite, used by
// the test suite, serializes writers on its own and rejects the
// FOR UPDATE syntax.
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

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, p *domain.Payment) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payments
		   (id, booking_id, client_id, worker_id, amount, platform_fee, worker_amount,
		    refunded_amount, currency, processor, processor_reference, idempotency_key,
		    state, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		p.ID, p.BookingID, p.ClientID, p.WorkerID,
		p.Amount, p.PlatformFee, p.WorkerAmount,
		p.Currency, p.Processor, p.ProcessorReference, p.IdempotencyKey,
		p.State, p.Metadata, p.CreatedAt, p.UpdatedAt,
	).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, db, `SELECT * FROM payments WHERE id = ?`, id)
}

func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, tx, `SELECT * FROM payments WHERE id = ?`+rowLock(tx), id)
}

// FindLiveByBooking locks the live payment for a booking, if any. At
// most one such row exists; the partial unique index on booking_id
// enforces it.
func (r *Repository) FindLiveByBooking(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, tx,
		`SELECT * FROM payments WHERE booking_id = ? AND state <> 'failed'`+rowLock(tx),
		bookingID,
	)
}

func (r *Repository) FindByReferenceForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*domain.Payment, error) {
	return r.findOne(ctx, tx,
		`SELECT * FROM payments WHERE processor_reference = ?`+rowLock(tx),
		reference,
	)
}

func (r *Repository) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(query, args...).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

// UpdateState performs a compare-and-set transition. The caller must
// already hold the row lock; the WHERE clause is a second guard so a
// stale transition never lands.
func (r *Repository) UpdateState(ctx context.Context, tx *gorm.DB, p *domain.Payment, from, to domain.PaymentState, now time.Time) error {
	if !domain.CanTransition(from, to) {
		return domain.ErrInvalidTransition
	}
	res := tx.WithContext(ctx).Exec(
		`UPDATE payments SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, now, p.ID, from,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.State = to
	p.UpdatedAt = now
	return nil
}

// MarkHeld records a confirmed authorization. The processor reference
// is set exactly once.
func (r *Repository) MarkHeld(ctx context.Context, tx *gorm.DB, p *domain.Payment, reference string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE payments
		 SET state = 'held',
		     processor_reference = COALESCE(processor_reference, NULLIF(?, '')),
		     held_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'pending'`,
		reference, now, now, p.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.State = domain.StateHeld
	if p.ProcessorReference == "" {
		p.ProcessorReference = reference
	}
	p.HeldAt = &now
	p.UpdatedAt = now
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx *gorm.DB, p *domain.Payment, reference string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE payments
		 SET state = 'failed',
		     processor_reference = COALESCE(processor_reference, NULLIF(?, '')),
		     updated_at = ?
		 WHERE id = ? AND state = 'pending'`,
		reference, now, p.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.State = domain.StateFailed
	if p.ProcessorReference == "" {
		p.ProcessorReference = reference
	}
	p.UpdatedAt = now
	return nil
}

func (r *Repository) MarkReleased(ctx context.Context, tx *gorm.DB, p *domain.Payment, from domain.PaymentState, now time.Time) error {
	if err := r.UpdateState(ctx, tx, p, from, domain.StateReleased, now); err != nil {
		return err
	}
	err := tx.WithContext(ctx).Exec(
		`UPDATE payments SET released_at = ? WHERE id = ?`, now, p.ID,
	).Error
	if err != nil {
		return err
	}
	p.ReleasedAt = &now
	return nil
}

// ApplyRefund accumulates the refunded amount and, when the payment is
// fully refunded, moves it to the refunded state. The CAS on the prior
// refunded amount rejects concurrent double-application.
func (r *Repository) ApplyRefund(ctx context.Context, tx *gorm.DB, p *domain.Payment, amount int64, reason string, now time.Time) error {
	refunded := p.RefundedAmount + amount
	full := refunded == p.Amount

	var res *gorm.DB
	if full {
		res = tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET refunded_amount = ?, refund_reason = ?, updated_at = ?, state = 'refunded', refunded_at = ?
			 WHERE id = ? AND refunded_amount = ?`,
			refunded, reason, now, now, p.ID, p.RefundedAmount,
		)
	} else {
		res = tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET refunded_amount = ?, refund_reason = ?, updated_at = ?
			 WHERE id = ? AND refunded_amount = ?`,
			refunded, reason, now, p.ID, p.RefundedAmount,
		)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	p.RefundedAmount = refunded
	p.RefundReason = &reason
	p.UpdatedAt = now
	if full {
		p.State = domain.StateRefunded
		p.RefundedAt = &now
	}
	return nil
}

// StuckPendingIDs claims a batch of payments that have sat in pending
// past the cutoff. SKIP LOCKED keeps concurrent sweepers off the same
// rows.
func (r *Repository) StuckPendingIDs(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM payments
		 WHERE state = 'pending' AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`+skipLocked(tx),
		cutoff, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
