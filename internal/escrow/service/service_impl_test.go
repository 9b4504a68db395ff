package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/escrow/domain"
	"github.com/shiftmarket/escrow/internal/events"
	"github.com/shiftmarket/escrow/internal/fee"
	ledgerservice "github.com/shiftmarket/escrow/internal/ledger/service"
	"github.com/shiftmarket/escrow/internal/migration"
	payoutrepository "github.com/shiftmarket/escrow/internal/payout/repository"
	"github.com/shiftmarket/escrow/internal/processor"
	"github.com/shiftmarket/escrow/internal/processor/stub"
)

type testEnv struct {
	db   *gorm.DB
	rail *stub.Gateway
	svc  domain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migration.RunMigrations(sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	rail := stub.NewGateway("card")
	calc, err := fee.NewCalculator(500)
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}

	log := zap.NewNop()
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Config:   config.Config{DefaultCurrency: "usd", FeeBasisPoints: 500},
		Registry: processor.NewRegistry(rail),
		Fee:      calc,
		Recorder: ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node}),
		Balances: payoutrepository.NewBalanceStore(),
		Outbox:   events.NewOutbox(db, node),
	})

	return &testEnv{db: db, rail: rail, svc: svc}
}

func (e *testEnv) authorizeInput() domain.AuthorizeInput {
	return domain.AuthorizeInput{
		BookingID:  101,
		ClientID:   201,
		WorkerID:   301,
		Hours:      10,
		HourlyRate: 2000,
		Processor:  "card",
	}
}

func (e *testEnv) balance(t *testing.T, workerID snowflake.ID) int64 {
	t.Helper()
	var available int64
	err := e.db.Raw(
		`SELECT COALESCE((SELECT available FROM worker_balances WHERE worker_id = ?), 0)`,
		workerID,
	).Scan(&available).Error
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return available
}

func (e *testEnv) recordCount(t *testing.T, recordType string, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	err := e.db.Raw(
		`SELECT COUNT(1) FROM transaction_records WHERE record_type = ? AND user_id = ?`,
		recordType, userID,
	).Scan(&count).Error
	if err != nil {
		t.Fatalf("count records: %v", err)
	}
	return count
}

func TestAuthorizeHoldsFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if payment.State != domain.StateHeld {
		t.Fatalf("state = %s, want held", payment.State)
	}
	if payment.Amount != 20000 || payment.PlatformFee != 1000 || payment.WorkerAmount != 19000 {
		t.Fatalf("split = %d/%d/%d", payment.Amount, payment.PlatformFee, payment.WorkerAmount)
	}
	if payment.ProcessorReference == "" {
		t.Fatal("missing processor reference")
	}
	if payment.HeldAt == nil {
		t.Fatal("held_at not set")
	}
	if got := env.recordCount(t, "payment", payment.ClientID); got != 1 {
		t.Fatalf("payment records = %d, want 1", got)
	}

	if _, err := env.svc.Authorize(ctx, env.authorizeInput()); !errors.Is(err, domain.ErrDuplicatePayment) {
		t.Fatalf("second authorize err = %v, want duplicate_payment", err)
	}
}

func TestAuthorizeDeclinedThenRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.SetMode(stub.ModeDecline)
	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if !errors.Is(err, domain.ErrAuthorizationDenied) {
		t.Fatalf("err = %v, want authorization_declined", err)
	}
	if payment.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", payment.State)
	}

	// A failed attempt does not block a fresh charge for the booking.
	env.rail.SetMode(stub.ModeSucceed)
	retried, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("retry authorize: %v", err)
	}
	if retried.ID == payment.ID {
		t.Fatal("retry reused the failed payment")
	}
	if retried.State != domain.StateHeld {
		t.Fatalf("retried state = %s, want held", retried.State)
	}
}

func TestAuthorizeInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := env.authorizeInput()
	in.Hours = 0
	if _, err := env.svc.Authorize(ctx, in); !errors.Is(err, fee.ErrInvalidHours) {
		t.Fatalf("err = %v, want invalid_hours", err)
	}

	in = env.authorizeInput()
	in.WorkerID = in.ClientID
	if _, err := env.svc.Authorize(ctx, in); !errors.Is(err, domain.ErrInvalidBooking) {
		t.Fatalf("err = %v, want invalid_booking", err)
	}
}

func TestPhantomAuthorizeRecoveredBySweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.SetMode(stub.ModePhantom)
	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if !errors.Is(err, domain.ErrProcessorUnavailable) {
		t.Fatalf("err = %v, want processor_unavailable", err)
	}
	if payment.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", payment.State)
	}

	env.rail.SetMode(stub.ModeSucceed)
	if err := env.svc.ReconcilePending(ctx, payment.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	recovered, err := env.svc.GetPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if recovered.State != domain.StateHeld {
		t.Fatalf("state = %s, want held", recovered.State)
	}
	// Replayed key, not a second charge.
	if env.rail.AuthorizeCalls != 2 {
		t.Fatalf("authorize calls = %d, want 2", env.rail.AuthorizeCalls)
	}
}

func TestReleaseCreditsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if _, err := env.svc.Release(ctx, payment.ID, 999); !errors.Is(err, domain.ErrNotPaymentClient) {
		t.Fatalf("stranger release err = %v, want not_payment_client", err)
	}

	released, err := env.svc.Release(ctx, payment.ID, payment.ClientID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.State != domain.StateReleased {
		t.Fatalf("state = %s, want released", released.State)
	}
	if !env.rail.Captured(payment.ProcessorReference) {
		t.Fatal("capture never reached the rail")
	}
	if got := env.balance(t, payment.WorkerID); got != 19000 {
		t.Fatalf("balance = %d, want 19000", got)
	}
	if got := env.recordCount(t, "earning", payment.WorkerID); got != 1 {
		t.Fatalf("earning records = %d, want 1", got)
	}

	if _, err := env.svc.Release(ctx, payment.ID, payment.ClientID); !errors.Is(err, domain.ErrPaymentNotHeld) {
		t.Fatalf("double release err = %v, want payment_not_held", err)
	}
}

func TestReleaseUnavailableStaysHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	env.rail.SetMode(stub.ModeUnavailable)
	if _, err := env.svc.Release(ctx, payment.ID, payment.ClientID); !errors.Is(err, domain.ErrProcessorUnavailable) {
		t.Fatalf("err = %v, want processor_unavailable", err)
	}

	current, err := env.svc.GetPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if current.State != domain.StateHeld {
		t.Fatalf("state = %s, want held", current.State)
	}
	if got := env.balance(t, payment.WorkerID); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestRefundFromHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if _, err := env.svc.Refund(ctx, domain.RefundInput{PaymentID: payment.ID, ActorID: payment.ClientID}); !errors.Is(err, domain.ErrMissingReason) {
		t.Fatalf("err = %v, want missing_refund_reason", err)
	}

	refunded, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Reason:    "booking cancelled",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.State != domain.StateRefunded {
		t.Fatalf("state = %s, want refunded", refunded.State)
	}
	if refunded.RefundedAmount != refunded.Amount {
		t.Fatalf("refunded = %d, want %d", refunded.RefundedAmount, refunded.Amount)
	}
	if env.rail.Refunded(payment.ProcessorReference) != payment.Amount {
		t.Fatal("rail refund amount mismatch")
	}
	if got := env.balance(t, payment.WorkerID); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestPartialRefundsClawBackBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := env.svc.Release(ctx, payment.ID, payment.ClientID); err != nil {
		t.Fatalf("release: %v", err)
	}

	partial, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Amount:    5000,
		Reason:    "partial no-show",
	})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.State != domain.StateReleased {
		t.Fatalf("state = %s, want released", partial.State)
	}
	if partial.RefundedAmount != 5000 {
		t.Fatalf("refunded = %d, want 5000", partial.RefundedAmount)
	}
	// Worker share of 5000 of a 20000 charge with 19000 worker amount.
	if got := env.balance(t, payment.WorkerID); got != 19000-4750 {
		t.Fatalf("balance = %d, want %d", got, 19000-4750)
	}

	if _, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Amount:    16000,
		Reason:    "too much",
	}); !errors.Is(err, domain.ErrRefundExceedsRemains) {
		t.Fatalf("err = %v, want refund_exceeds_remaining", err)
	}

	full, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Reason:    "remainder",
	})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if full.State != domain.StateRefunded {
		t.Fatalf("state = %s, want refunded", full.State)
	}
	if got := env.balance(t, payment.WorkerID); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

// A refund taken while the payment is still held reduces what the
// worker earns on release; the client refund plus the worker credit
// plus the platform fee can never exceed the amount charged.
func TestReleaseAfterPartialRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	held, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Amount:    5000,
		Reason:    "arrived late",
	})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if held.State != domain.StateHeld {
		t.Fatalf("state = %s, want held", held.State)
	}

	released, err := env.svc.Release(ctx, payment.ID, payment.ClientID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.State != domain.StateReleased {
		t.Fatalf("state = %s, want released", released.State)
	}

	// Worker share of the refunded 5000 is 4750, leaving 14250 of the
	// 19000 worker amount creditable.
	if got := env.balance(t, payment.WorkerID); got != 14250 {
		t.Fatalf("balance = %d, want 14250", got)
	}
	var earned int64
	err = env.db.Raw(
		`SELECT amount FROM transaction_records WHERE record_type = 'earning' AND user_id = ?`,
		payment.WorkerID,
	).Scan(&earned).Error
	if err != nil {
		t.Fatalf("read earning record: %v", err)
	}
	if earned != 14250 {
		t.Fatalf("earning record = %d, want 14250", earned)
	}

	// Refunding the remainder claws the credited share back to zero.
	full, err := env.svc.Refund(ctx, domain.RefundInput{
		PaymentID: payment.ID,
		ActorID:   payment.ClientID,
		Reason:    "remainder",
	})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if full.State != domain.StateRefunded {
		t.Fatalf("state = %s, want refunded", full.State)
	}
	if got := env.balance(t, payment.WorkerID); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestApplyCaptureResultIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment, err := env.svc.Authorize(ctx, env.authorizeInput())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := env.svc.ApplyCaptureResult(ctx, payment.ProcessorReference, true); err != nil {
			t.Fatalf("apply capture %d: %v", i, err)
		}
	}

	current, err := env.svc.GetPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if current.State != domain.StateReleased {
		t.Fatalf("state = %s, want released", current.State)
	}
	if got := env.balance(t, payment.WorkerID); got != 19000 {
		t.Fatalf("balance = %d, want 19000", got)
	}
	if got := env.recordCount(t, "earning", payment.WorkerID); got != 1 {
		t.Fatalf("earning records = %d, want 1", got)
	}
}

func TestApplyCaptureResultUnknownReference(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.ApplyCaptureResult(context.Background(), "po_card_42", true)
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("err = %v, want payment_not_found", err)
	}
}
