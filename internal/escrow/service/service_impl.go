package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/escrow/domain"
	"github.com/shiftmarket/escrow/internal/escrow/repository"
	"github.com/shiftmarket/escrow/internal/events"
	"github.com/shiftmarket/escrow/internal/fee"
	ledgerdomain "github.com/shiftmarket/escrow/internal/ledger/domain"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
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
	Fee      fee.Calculator
	Recorder ledgerdomain.Recorder
	Balances payoutdomain.BalanceLedger
	Outbox   *events.Outbox
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	registry *processor.Registry
	fee      fee.Calculator
	recorder ledgerdomain.Recorder
	balances payoutdomain.BalanceLedger
	outbox   *events.Outbox
	repo     *repository.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("escrow.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		registry: p.Registry,
		fee:      p.Fee,
		recorder: p.Recorder,
		balances: p.Balances,
		outbox:   p.Outbox,
		repo:     repository.New(),
	}
}

// Authorize charges the client for an accepted booking and holds the
// funds in escrow. The idempotency key is derived from the booking, so
// a retried signal re-joins the original charge instead of creating a
// second one.
func (s *Service) Authorize(ctx context.Context, in domain.AuthorizeInput) (*domain.Payment, error) {
	if in.BookingID == 0 || in.ClientID == 0 || in.WorkerID == 0 || in.ClientID == in.WorkerID {
		return nil, domain.ErrInvalidBooking
	}
	gw, err := s.registry.Lookup(in.Processor)
	if err != nil {
		return nil, err
	}
	breakdown, err := s.fee.Calculate(in.Hours, in.HourlyRate)
	if err != nil {
		return nil, err
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	var payment *domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindLiveByBooking(ctx, tx, in.BookingID)
		if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
			return err
		}
		if existing != nil {
			if existing.State == domain.StatePending {
				// Retry of an attempt whose outcome never landed; the
				// rail call below replays its stored idempotency key.
				payment = existing
				return nil
			}
			return domain.ErrDuplicatePayment
		}

		now := s.clock.Now()
		id := s.genID.Generate()
		// Keyed per attempt: a failed charge may be retried with a
		// fresh key, while the live-payment index still guarantees one
		// charge per booking.
		payment = &domain.Payment{
			ID:             id,
			BookingID:      in.BookingID,
			ClientID:       in.ClientID,
			WorkerID:       in.WorkerID,
			Amount:         breakdown.Amount,
			PlatformFee:    breakdown.PlatformFee,
			WorkerAmount:   breakdown.WorkerAmount,
			Currency:       currency,
			Processor:      gw.Rail(),
			IdempotencyKey: fmt.Sprintf("payment:%d:charge", id),
			State:          domain.StatePending,
			Metadata: datatypes.JSONMap{
				"hours":       in.Hours,
				"hourly_rate": in.HourlyRate,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicatePayment
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.settleAuthorization(ctx, payment, gw)
}

// settleAuthorization calls the rail with the payment's stored
// idempotency key and folds the outcome back into the row. Shared by
// the authorize path and the stuck-pending sweep; safe to call any
// number of times for the same payment.
func (s *Service) settleAuthorization(ctx context.Context, payment *domain.Payment, gw processordomain.Gateway) (*domain.Payment, error) {
	res, err := gw.Authorize(ctx, processordomain.AuthorizeRequest{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: payment.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, processordomain.ErrRejected) {
			if ferr := s.failPending(ctx, payment, ""); ferr != nil {
				return nil, ferr
			}
			return payment, domain.ErrAuthorizationDenied
		}
		// Outcome unknown. The payment stays pending and the sweep
		// retries the same key until the rail answers.
		s.log.Warn("authorization unresolved",
			zap.Int64("payment_id", int64(payment.ID)),
			zap.Error(err),
		)
		return payment, domain.ErrProcessorUnavailable
	}

	if res.Status == processordomain.AuthorizeStatusDeclined {
		if ferr := s.failPending(ctx, payment, res.Reference); ferr != nil {
			return nil, ferr
		}
		return payment, domain.ErrAuthorizationDenied
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if locked.State != domain.StatePending {
			// A webhook landed first.
			*payment = *locked
			return nil
		}
		if err := s.repo.MarkHeld(ctx, tx, locked, res.Reference, s.clock.Now()); err != nil {
			return err
		}
		if err := s.recorder.AppendTx(ctx, tx, &ledgerdomain.TransactionRecord{
			UserID:      locked.ClientID,
			RecordType:  ledgerdomain.RecordTypePayment,
			Amount:      locked.Amount,
			ReferenceID: locked.ID,
			Description: "escrow hold",
		}); err != nil {
			return err
		}
		*payment = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) failPending(ctx context.Context, payment *domain.Payment, reference string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if locked.State != domain.StatePending {
			*payment = *locked
			return nil
		}
		if err := s.repo.MarkFailed(ctx, tx, locked, reference, s.clock.Now()); err != nil {
			return err
		}
		*payment = *locked
		return nil
	})
}

// Release captures the held funds and credits the worker. The payment
// row lock is held across the capture call so a concurrent release or
// dispute cannot interleave; the capture has its own bounded timeout.
func (s *Service) Release(ctx context.Context, paymentID, actorID snowflake.ID) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if actorID != 0 && p.ClientID != actorID {
			return domain.ErrNotPaymentClient
		}
		if p.State != domain.StateHeld {
			return domain.ErrPaymentNotHeld
		}

		gw, err := s.registry.Lookup(p.Processor)
		if err != nil {
			return err
		}
		res, err := gw.Capture(ctx, p.ProcessorReference)
		if err != nil {
			if errors.Is(err, processordomain.ErrRejected) {
				return domain.ErrCaptureRejected
			}
			return domain.ErrProcessorUnavailable
		}
		if res.Status != processordomain.CaptureStatusCaptured {
			return domain.ErrCaptureRejected
		}

		if err := s.releaseLocked(ctx, tx, p, domain.StateHeld, "client_release"); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// releaseLocked finalizes a successful capture while the row lock is
// held: state change, worker earning record, balance credit, and the
// outbox notification, all in one transaction. When part of the charge
// was refunded before release, only the worker's share of the
// remainder is credited; the share formula matches the refund clawback
// so the two stay exact across partial refunds.
func (s *Service) releaseLocked(ctx context.Context, tx *gorm.DB, p *domain.Payment, from domain.PaymentState, trigger string) error {
	now := s.clock.Now()
	earned := p.WorkerAmount - p.WorkerAmount*p.RefundedAmount/p.Amount
	if err := s.repo.MarkReleased(ctx, tx, p, from, now); err != nil {
		return err
	}
	if err := s.recorder.AppendTx(ctx, tx, &ledgerdomain.TransactionRecord{
		UserID:      p.WorkerID,
		RecordType:  ledgerdomain.RecordTypeEarning,
		Amount:      earned,
		ReferenceID: p.ID,
		Description: "escrow release",
	}); err != nil {
		return err
	}
	if err := s.balances.CreditTx(ctx, tx, p.WorkerID, earned); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		UserID: p.WorkerID,
		Type:   events.EventPaymentReleased,
		Payload: map[string]any{
			"payment_id": p.ID.String(),
			"booking_id": p.BookingID.String(),
			"amount":     earned,
			"trigger":    trigger,
		},
		DedupeKey: fmt.Sprintf("payment:%d:released", p.ID),
	})
}

// Refund returns funds to the client. Amount zero refunds the full
// remaining amount; partial refunds accumulate until the payment is
// fully refunded.
func (s *Service) Refund(ctx context.Context, in domain.RefundInput) (*domain.Payment, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return nil, domain.ErrMissingReason
	}
	if in.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	var payment *domain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByIDForUpdate(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		if in.ActorID != 0 && p.ClientID != in.ActorID {
			return domain.ErrNotPaymentClient
		}
		if p.State != domain.StateHeld && p.State != domain.StateReleased {
			return domain.ErrInvalidTransition
		}

		remaining := p.RemainingAmount()
		amount := in.Amount
		if amount == 0 {
			amount = remaining
		}
		if amount > remaining {
			return domain.ErrRefundExceedsRemains
		}

		gw, err := s.registry.Lookup(p.Processor)
		if err != nil {
			return err
		}
		if _, err := gw.Refund(ctx, p.ProcessorReference, amount); err != nil {
			if errors.Is(err, processordomain.ErrRejected) {
				return domain.ErrRefundRejected
			}
			return domain.ErrProcessorUnavailable
		}

		if err := s.refundLocked(ctx, tx, p, amount, in.Reason, "client_refund"); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// refundLocked applies a refund the processor has already accepted.
// For a released payment the worker's share of the refunded portion is
// clawed back from the available balance.
func (s *Service) refundLocked(ctx context.Context, tx *gorm.DB, p *domain.Payment, amount int64, reason, trigger string) error {
	wasReleased := p.State == domain.StateReleased
	prevRefunded := p.RefundedAmount
	now := s.clock.Now()

	if err := s.repo.ApplyRefund(ctx, tx, p, amount, reason, now); err != nil {
		return err
	}
	if err := s.recorder.AppendTx(ctx, tx, &ledgerdomain.TransactionRecord{
		UserID:      p.ClientID,
		RecordType:  ledgerdomain.RecordTypeRefund,
		Amount:      amount,
		ReferenceID: p.ID,
		Description: reason,
	}); err != nil {
		return err
	}
	if wasReleased {
		// Cumulative shares keep the clawback exact across partial
		// refunds despite integer division.
		prevShare := p.WorkerAmount * prevRefunded / p.Amount
		newShare := p.WorkerAmount * p.RefundedAmount / p.Amount
		if debit := newShare - prevShare; debit > 0 {
			if err := s.balances.DebitTx(ctx, tx, p.WorkerID, debit); err != nil {
				return err
			}
		}
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		UserID: p.ClientID,
		Type:   events.EventPaymentRefunded,
		Payload: map[string]any{
			"payment_id": p.ID.String(),
			"booking_id": p.BookingID.String(),
			"amount":     amount,
			"reason":     reason,
			"trigger":    trigger,
		},
		DedupeKey: fmt.Sprintf("payment:%d:refund:%d", p.ID, p.RefundedAmount),
	})
}

func (s *Service) GetPayment(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

// MarkDisputedTx freezes a held payment inside the dispute manager's
// transaction.
func (s *Service) MarkDisputedTx(ctx context.Context, tx *gorm.DB, paymentID, initiatorID snowflake.ID) (*domain.Payment, error) {
	if tx == nil {
		return nil, domain.ErrMissingTx
	}
	p, err := s.repo.FindByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if initiatorID != p.ClientID && initiatorID != p.WorkerID {
		return nil, domain.ErrNotBookingParty
	}
	if p.State != domain.StateHeld {
		return nil, domain.ErrPaymentNotHeld
	}
	if err := s.repo.UpdateState(ctx, tx, p, domain.StateHeld, domain.StateDisputed, s.clock.Now()); err != nil {
		return nil, err
	}
	return p, nil
}

// SettleDisputeTx moves a disputed payment to its resolved terminal
// state, capturing or refunding on the rail as the outcome dictates.
func (s *Service) SettleDisputeTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, outcome domain.DisputeOutcome, notes string) (*domain.Payment, error) {
	if tx == nil {
		return nil, domain.ErrMissingTx
	}
	p, err := s.repo.FindByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != domain.StateDisputed {
		return nil, domain.ErrInvalidTransition
	}
	gw, err := s.registry.Lookup(p.Processor)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case domain.OutcomeFavorWorker:
		res, err := gw.Capture(ctx, p.ProcessorReference)
		if err != nil {
			if errors.Is(err, processordomain.ErrRejected) {
				return nil, domain.ErrCaptureRejected
			}
			return nil, domain.ErrProcessorUnavailable
		}
		if res.Status != processordomain.CaptureStatusCaptured {
			return nil, domain.ErrCaptureRejected
		}
		if err := s.releaseLocked(ctx, tx, p, domain.StateDisputed, "dispute_resolution"); err != nil {
			return nil, err
		}
	case domain.OutcomeFavorClient:
		amount := p.RemainingAmount()
		if _, err := gw.Refund(ctx, p.ProcessorReference, amount); err != nil {
			if errors.Is(err, processordomain.ErrRejected) {
				return nil, domain.ErrRefundRejected
			}
			return nil, domain.ErrProcessorUnavailable
		}
		reason := strings.TrimSpace(notes)
		if reason == "" {
			reason = "dispute_resolved"
		}
		if err := s.refundLocked(ctx, tx, p, amount, reason, "dispute_resolution"); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrInvalidOutcome
	}
	return p, nil
}

// ReinstateHeldTx returns a disputed payment to held when a dispute is
// closed without resolution.
func (s *Service) ReinstateHeldTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*domain.Payment, error) {
	if tx == nil {
		return nil, domain.ErrMissingTx
	}
	p, err := s.repo.FindByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != domain.StateDisputed {
		return nil, domain.ErrInvalidTransition
	}
	if err := s.repo.UpdateState(ctx, tx, p, domain.StateDisputed, domain.StateHeld, s.clock.Now()); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyAuthorizeResult folds an authorization webhook into the local
// payment. Events for unknown references surface ErrPaymentNotFound;
// events arriving after the payment left pending are discarded.
func (s *Service) ApplyAuthorizeResult(ctx context.Context, reference string, authorized bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if p.State != domain.StatePending {
			return nil
		}
		now := s.clock.Now()
		if !authorized {
			return s.repo.MarkFailed(ctx, tx, p, reference, now)
		}
		if err := s.repo.MarkHeld(ctx, tx, p, reference, now); err != nil {
			return err
		}
		return s.recorder.AppendTx(ctx, tx, &ledgerdomain.TransactionRecord{
			UserID:      p.ClientID,
			RecordType:  ledgerdomain.RecordTypePayment,
			Amount:      p.Amount,
			ReferenceID: p.ID,
			Description: "escrow hold",
		})
	})
}

// ApplyCaptureResult folds a capture webhook into the local payment.
// A successful capture releases a held payment; any event that would
// break the state machine is discarded.
func (s *Service) ApplyCaptureResult(ctx context.Context, reference string, captured bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if !captured {
			s.log.Info("capture failed upstream, payment stays held",
				zap.Int64("payment_id", int64(p.ID)),
			)
			return nil
		}
		switch p.State {
		case domain.StateHeld:
			return s.releaseLocked(ctx, tx, p, domain.StateHeld, "processor_webhook")
		case domain.StateReleased:
			return nil
		default:
			s.log.Warn("discarding capture event",
				zap.Int64("payment_id", int64(p.ID)),
				zap.String("state", string(p.State)),
			)
			return nil
		}
	})
}

// ReconcilePending re-drives the authorization of a payment whose
// first attempt never got an answer. The rail call reuses the stored
// idempotency key, so this never charges twice.
func (s *Service) ReconcilePending(ctx context.Context, paymentID snowflake.ID) error {
	p, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	if p.State != domain.StatePending {
		return nil
	}
	gw, err := s.registry.Lookup(p.Processor)
	if err != nil {
		return err
	}
	_, err = s.settleAuthorization(ctx, p, gw)
	if errors.Is(err, domain.ErrAuthorizationDenied) {
		// Resolved: the charge was declined and the payment is failed.
		return nil
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
