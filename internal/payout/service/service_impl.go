package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/events"
	ledgerdomain "github.com/shiftmarket/escrow/internal/ledger/domain"
	"github.com/shiftmarket/escrow/internal/payout/domain"
	"github.com/shiftmarket/escrow/internal/payout/repository"
	"github.com/shiftmarket/escrow/internal/processor"
	processordomain "github.com/shiftmarket/escrow/internal/processor/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Registry *processor.Registry
	Recorder ledgerdomain.Recorder
	Outbox   *events.Outbox
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	registry *processor.Registry
	recorder ledgerdomain.Recorder
	outbox   *events.Outbox
	repo     *repository.Repository
	balances *repository.BalanceStore
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payout.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		registry: p.Registry,
		recorder: p.Recorder,
		outbox:   p.Outbox,
		repo:     repository.New(),
		balances: &repository.BalanceStore{},
	}
}

func (s *Service) AvailableBalance(ctx context.Context, workerID snowflake.ID) (int64, error) {
	if workerID == 0 {
		return 0, domain.ErrPayoutNotFound
	}
	return s.balances.Available(ctx, s.db, workerID)
}

// RequestPayout reserves part of the worker's available balance for
// withdrawal. The balance row lock serializes concurrent requests, so
// two requests can never reserve the same funds.
func (s *Service) RequestPayout(ctx context.Context, workerID snowflake.ID, amount int64, processorName string) (*domain.WorkerPayout, error) {
	if workerID == 0 {
		return nil, domain.ErrPayoutNotFound
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	gw, err := s.registry.Lookup(processorName)
	if err != nil {
		return nil, err
	}

	var payout *domain.WorkerPayout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.balances.Reserve(ctx, tx, workerID, amount); err != nil {
			return err
		}

		now := s.clock.Now()
		id := s.genID.Generate()
		payout = &domain.WorkerPayout{
			ID:             id,
			WorkerID:       workerID,
			Amount:         amount,
			Currency:       s.cfg.DefaultCurrency,
			Processor:      gw.Rail(),
			IdempotencyKey: fmt.Sprintf("payout:%d", id),
			Status:         domain.StatusPending,
			RequestedAt:    now,
			UpdatedAt:      now,
		}
		if err := s.repo.Insert(ctx, tx, payout); err != nil {
			return err
		}
		return s.allocateItems(ctx, tx, payout)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout requested",
		zap.Int64("payout_id", int64(payout.ID)),
		zap.Int64("worker_id", int64(workerID)),
		zap.Int64("amount", amount),
	)
	return payout, nil
}

// allocateItems draws the payout amount down from released payments,
// oldest first. The links are bookkeeping; the balance row is the
// authority on how much is withdrawable.
func (s *Service) allocateItems(ctx context.Context, tx *gorm.DB, payout *domain.WorkerPayout) error {
	shares, err := s.repo.ReleasedRemaining(ctx, tx, payout.WorkerID)
	if err != nil {
		return err
	}
	remaining := payout.Amount
	now := s.clock.Now()
	var items []domain.PayoutItem
	for _, share := range shares {
		if remaining == 0 {
			break
		}
		take := share.Remaining
		if take > remaining {
			take = remaining
		}
		items = append(items, domain.PayoutItem{
			ID:        s.genID.Generate(),
			PayoutID:  payout.ID,
			PaymentID: share.PaymentID,
			Amount:    take,
			CreatedAt: now,
		})
		remaining -= take
	}
	return s.repo.InsertItems(ctx, tx, items)
}

// Process dispatches a requested payout to its rail. The payout row
// lock is held across the rail call; on a transient failure the whole
// transaction rolls back and the payout stays pending for a retry with
// the same idempotency key.
func (s *Service) Process(ctx context.Context, payoutID snowflake.ID) (*domain.WorkerPayout, error) {
	var payout *domain.WorkerPayout
	var outcome error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByIDForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		switch p.Status {
		case domain.StatusPending, domain.StatusProcessing:
		case domain.StatusCompleted:
			payout = p
			return nil
		default:
			return domain.ErrInvalidTransition
		}

		gw, err := s.registry.Lookup(p.Processor)
		if err != nil {
			return err
		}
		res, err := gw.Payout(ctx, processordomain.PayoutRequest{
			Destination:    fmt.Sprintf("worker:%d", p.WorkerID),
			Amount:         p.Amount,
			Currency:       p.Currency,
			IdempotencyKey: p.IdempotencyKey,
		})
		if err != nil {
			if errors.Is(err, processordomain.ErrRejected) {
				if err := s.failLocked(ctx, tx, p, "rail rejected payout"); err != nil {
					return err
				}
				payout = p
				outcome = domain.ErrPayoutRejected
				return nil
			}
			return domain.ErrRailUnavailable
		}

		now := s.clock.Now()
		switch res.Status {
		case processordomain.PayoutStatusCompleted:
			if err := s.completeLocked(ctx, tx, p, res.Reference); err != nil {
				return err
			}
		case processordomain.PayoutStatusFailed:
			if err := s.failLocked(ctx, tx, p, "rail reported failure"); err != nil {
				return err
			}
			outcome = domain.ErrPayoutRejected
		default:
			// Rail accepted the transfer and will confirm by webhook.
			if err := s.repo.MarkProcessing(ctx, tx, p, res.Reference, now); err != nil {
				return err
			}
		}
		payout = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, outcome
}

// completeLocked finalizes a confirmed payout while the row lock is
// held: status change, payout record, notification.
func (s *Service) completeLocked(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout, reference string) error {
	if err := s.repo.MarkCompleted(ctx, tx, p, reference, s.clock.Now()); err != nil {
		return err
	}
	if err := s.recorder.AppendTx(ctx, tx, &ledgerdomain.TransactionRecord{
		UserID:      p.WorkerID,
		RecordType:  ledgerdomain.RecordTypePayout,
		Amount:      p.Amount,
		ReferenceID: p.ID,
		Description: "balance withdrawal",
	}); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		UserID: p.WorkerID,
		Type:   events.EventPayoutCompleted,
		Payload: map[string]any{
			"payout_id": p.ID.String(),
			"amount":    p.Amount,
		},
		DedupeKey: fmt.Sprintf("payout:%d:completed", p.ID),
	})
}

// failLocked marks the payout failed and returns the reserved amount
// to the worker's balance.
func (s *Service) failLocked(ctx context.Context, tx *gorm.DB, p *domain.WorkerPayout, reason string) error {
	if err := s.repo.MarkFailed(ctx, tx, p, reason, s.clock.Now()); err != nil {
		return err
	}
	if err := s.balances.CreditTx(ctx, tx, p.WorkerID, p.Amount); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		UserID: p.WorkerID,
		Type:   events.EventPayoutFailed,
		Payload: map[string]any{
			"payout_id": p.ID.String(),
			"amount":    p.Amount,
			"reason":    reason,
		},
		DedupeKey: fmt.Sprintf("payout:%d:failed", p.ID),
	})
}

func (s *Service) GetPayout(ctx context.Context, id snowflake.ID) (*domain.WorkerPayout, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

// ApplyPayoutResult folds a rail webhook into the payout. Duplicate
// deliveries and events for settled payouts are no-ops.
func (s *Service) ApplyPayoutResult(ctx context.Context, reference string, completed bool, failureReason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		switch p.Status {
		case domain.StatusCompleted:
			if !completed {
				s.log.Warn("ignoring failure event for completed payout",
					zap.Int64("payout_id", int64(p.ID)),
				)
			}
			return nil
		case domain.StatusFailed:
			if completed {
				s.log.Warn("ignoring completion event for failed payout",
					zap.Int64("payout_id", int64(p.ID)),
				)
			}
			return nil
		}
		if completed {
			return s.completeLocked(ctx, tx, p, reference)
		}
		return s.failLocked(ctx, tx, p, failureReason)
	})
}

// ReconcileProcessing re-drives a payout that dispatched but never
// heard back. The rail call reuses the stored idempotency key.
func (s *Service) ReconcileProcessing(ctx context.Context, payoutID snowflake.ID) error {
	p, err := s.repo.FindByID(ctx, s.db, payoutID)
	if err != nil {
		return err
	}
	if p.Status != domain.StatusProcessing {
		return nil
	}
	_, err = s.Process(ctx, payoutID)
	if errors.Is(err, domain.ErrPayoutRejected) {
		return nil
	}
	return err
}
