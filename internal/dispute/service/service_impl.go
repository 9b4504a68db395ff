package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/dispute/domain"
	"github.com/shiftmarket/escrow/internal/dispute/repository"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	"github.com/shiftmarket/escrow/internal/events"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Escrow escrowdomain.Service
	Outbox *events.Outbox
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	escrow escrowdomain.Service
	outbox *events.Outbox
	repo   *repository.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("dispute.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		escrow: p.Escrow,
		outbox: p.Outbox,
		repo:   repository.New(),
	}
}

// Open freezes a held payment behind a new dispute. The payment moves
// to disputed in the same transaction, so release and refund are
// blocked the moment the dispute exists.
func (s *Service) Open(ctx context.Context, in domain.OpenInput) (*domain.Dispute, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return nil, domain.ErrMissingReason
	}

	var dispute *domain.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, err := s.repo.HasLiveDispute(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		if live {
			return domain.ErrDisputeAlreadyOpen
		}

		payment, err := s.escrow.MarkDisputedTx(ctx, tx, in.PaymentID, in.InitiatorID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		dispute = &domain.Dispute{
			ID:          s.genID.Generate(),
			PaymentID:   in.PaymentID,
			InitiatedBy: in.InitiatorID,
			Reason:      strings.TrimSpace(in.Reason),
			Description: strings.TrimSpace(in.Description),
			Status:      domain.StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.Insert(ctx, tx, dispute); err != nil {
			return err
		}

		counterparty := payment.WorkerID
		if in.InitiatorID == payment.WorkerID {
			counterparty = payment.ClientID
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			UserID: counterparty,
			Type:   events.EventPaymentDisputed,
			Payload: map[string]any{
				"dispute_id": dispute.ID.String(),
				"payment_id": payment.ID.String(),
				"reason":     dispute.Reason,
			},
			DedupeKey: fmt.Sprintf("dispute:%d:opened", dispute.ID),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute opened",
		zap.Int64("dispute_id", int64(dispute.ID)),
		zap.Int64("payment_id", int64(in.PaymentID)),
	)
	return dispute, nil
}

// StartReview marks an open dispute as being looked at. The payment
// stays frozen.
func (s *Service) StartReview(ctx context.Context, disputeID, reviewerID snowflake.ID) (*domain.Dispute, error) {
	var dispute *domain.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.FindByIDForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.StatusUnderReview {
			dispute = d
			return nil
		}
		if err := s.repo.UpdateStatus(ctx, tx, d, domain.StatusOpen, domain.StatusUnderReview, s.clock.Now()); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// Resolve settles a live dispute. Favoring the worker captures and
// releases the payment; favoring the client refunds it. Dispute and
// payment change in one transaction. Every dispute path locks the
// dispute row before the payment row, so two settlements cannot
// deadlock each other.
func (s *Service) Resolve(ctx context.Context, in domain.ResolveInput) (*domain.Dispute, error) {
	return s.settle(ctx, in.DisputeID, in.ResolverID, in.Outcome, in.Notes)
}

func (s *Service) settle(ctx context.Context, disputeID, resolverID snowflake.ID, outcome escrowdomain.DisputeOutcome, notes string) (*domain.Dispute, error) {
	var dispute *domain.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.FindByIDForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if !d.Status.Live() {
			return domain.ErrDisputeNotLive
		}

		if _, err := s.escrow.SettleDisputeTx(ctx, tx, d.PaymentID, outcome, notes); err != nil {
			return err
		}
		if err := s.repo.MarkSettled(ctx, tx, d, domain.StatusResolved, resolverID, notes, s.clock.Now()); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute resolved",
		zap.Int64("dispute_id", int64(dispute.ID)),
		zap.String("outcome", string(outcome)),
	)
	return dispute, nil
}

// Close abandons a live dispute without settling it; the payment
// returns to held.
func (s *Service) Close(ctx context.Context, disputeID, resolverID snowflake.ID, notes string) (*domain.Dispute, error) {
	var dispute *domain.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.FindByIDForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if !d.Status.Live() {
			return domain.ErrDisputeNotLive
		}

		if _, err := s.escrow.ReinstateHeldTx(ctx, tx, d.PaymentID); err != nil {
			return err
		}
		if err := s.repo.MarkSettled(ctx, tx, d, domain.StatusClosed, resolverID, notes, s.clock.Now()); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *Service) GetDispute(ctx context.Context, id snowflake.ID) (*domain.Dispute, error) {
	return s.repo.FindByID(ctx, s.db, id)
}
