package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/audit/domain"
	"github.com/shiftmarket/escrow/internal/auditcontext"
	"github.com/shiftmarket/escrow/internal/clock"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Recorder {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends an audit entry. The actor and source address come from
// the request context; a missing actor is recorded as the system. An
// insert failure is logged, never surfaced, so auditing cannot take the
// operation down with it.
func (s *Service) Record(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	entry := &domain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(domain.ActorTypeSystem),
		Action:     action,
		TargetType: targetType,
		Metadata:   metadata,
		CreatedAt:  s.clock.Now(),
	}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if actorType, actorID := auditcontext.ActorFromContext(ctx); actorType != "" {
		entry.ActorType = actorType
		if actorID != "" {
			entry.ActorID = &actorID
		}
	}
	if ip := auditcontext.IPAddressFromContext(ctx); ip != "" {
		entry.IPAddress = &ip
	}

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Error("audit insert failed",
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	return s.repo.List(ctx, s.db, filter)
}
