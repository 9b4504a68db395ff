package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/dispute/domain"
)

// Repository is the raw SQL access layer for disputes.
type Repository struct{}

func New() *Repository { return &Repository{} }

func rowLock(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, d *domain.Dispute) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO disputes
		   (id, payment_id, initiated_by, reason, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		d.ID, d.PaymentID, d.InitiatedBy, d.Reason, d.Description,
		d.Status, d.CreatedAt, d.UpdatedAt,
	).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Dispute, error) {
	return r.findOne(ctx, db, `SELECT * FROM disputes WHERE id = ?`, id)
}

func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Dispute, error) {
	return r.findOne(ctx, tx, `SELECT * FROM disputes WHERE id = ?`+rowLock(tx), id)
}

// HasLiveDispute reports whether the payment is currently frozen by an
// open or under-review dispute.
func (r *Repository) HasLiveDispute(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM disputes
		 WHERE payment_id = ? AND status IN ('open', 'under_review')`,
		paymentID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Dispute, error) {
	var dispute domain.Dispute
	err := db.WithContext(ctx).Raw(query, args...).Scan(&dispute).Error
	if err != nil {
		return nil, err
	}
	if dispute.ID == 0 {
		return nil, domain.ErrDisputeNotFound
	}
	return &dispute, nil
}

// UpdateStatus performs a compare-and-set status change.
func (r *Repository) UpdateStatus(ctx context.Context, tx *gorm.DB, d *domain.Dispute, from, to domain.DisputeStatus, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE disputes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, d.ID, from,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrDisputeNotLive
	}
	d.Status = to
	d.UpdatedAt = now
	return nil
}

// MarkSettled records who settled the dispute and how.
func (r *Repository) MarkSettled(ctx context.Context, tx *gorm.DB, d *domain.Dispute, to domain.DisputeStatus, resolverID snowflake.ID, notes string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE disputes
		 SET status = ?, resolved_by = ?, resolved_at = ?, resolution_notes = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status IN ('open', 'under_review')`,
		to, resolverID, now, notes, now, d.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrDisputeNotLive
	}
	d.Status = to
	d.ResolvedBy = &resolverID
	d.ResolvedAt = &now
	if notes != "" {
		d.ResolutionNotes = &notes
	}
	d.UpdatedAt = now
	return nil
}
