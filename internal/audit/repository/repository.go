package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/audit/domain"
)

type Repository struct{}

func Provide() domain.Repository { return &Repository{} }

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_logs
		   (id, actor_type, actor_id, action, target_type, target_id, metadata, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ActorType, entry.ActorID, entry.Action,
		entry.TargetType, entry.TargetID, entry.Metadata, entry.IPAddress,
		entry.CreatedAt,
	).Error
}

func (r *Repository) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.TargetType != "" {
		conds = append(conds, "target_type = ?")
		args = append(args, filter.TargetType)
	}
	if filter.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.StartAt != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.StartAt)
	}
	if filter.EndAt != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *filter.EndAt)
	}

	query := `SELECT * FROM audit_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var entries []*domain.AuditLog
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
