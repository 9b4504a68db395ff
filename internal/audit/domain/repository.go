package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorID    string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// Recorder appends audit entries. Writes are best-effort from the HTTP
// layer; a failed insert never fails the underlying operation.
type Recorder interface {
	Record(ctx context.Context, action, targetType, targetID string, metadata map[string]any)
	List(ctx context.Context, filter ListFilter) ([]*AuditLog, error)
}
