package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/events"
	ledgerservice "github.com/shiftmarket/escrow/internal/ledger/service"
	"github.com/shiftmarket/escrow/internal/migration"
	"github.com/shiftmarket/escrow/internal/payout/domain"
	"github.com/shiftmarket/escrow/internal/payout/repository"
	"github.com/shiftmarket/escrow/internal/processor"
	"github.com/shiftmarket/escrow/internal/processor/stub"
)

type testEnv struct {
	db   *gorm.DB
	rail *stub.Gateway
	svc  domain.Service
	node *snowflake.Node
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

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	rail := stub.NewGateway("wallet")
	log := zap.NewNop()
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Config:   config.Config{DefaultCurrency: "usd"},
		Registry: processor.NewRegistry(rail),
		Recorder: ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node}),
		Outbox:   events.NewOutbox(db, node),
	})

	return &testEnv{db: db, rail: rail, svc: svc, node: node}
}

func (e *testEnv) credit(t *testing.T, workerID snowflake.ID, amount int64) {
	t.Helper()
	store := repository.BalanceStore{}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		return store.CreditTx(context.Background(), tx, workerID, amount)
	})
	if err != nil {
		t.Fatalf("credit balance: %v", err)
	}
}

func TestRequestPayoutReservesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(301)

	env.credit(t, worker, 50000)

	payout, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	if payout.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", payout.Status)
	}

	available, err := env.svc.AvailableBalance(ctx, worker)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if available != 20000 {
		t.Fatalf("available = %d, want 20000", available)
	}

	if _, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet"); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want insufficient_balance", err)
	}
	if _, err := env.svc.RequestPayout(ctx, worker, 0, "wallet"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err = %v, want invalid_amount", err)
	}
}

// Two simultaneous requests for the same funds must never both win.
func TestConcurrentRequestsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(302)

	env.credit(t, worker, 50000)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.svc.RequestPayout(ctx, worker, 40000, "wallet")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}

	available, err := env.svc.AvailableBalance(ctx, worker)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if available != 10000 {
		t.Fatalf("available = %d, want 10000", available)
	}
}

func TestProcessCompletesPayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(303)

	env.credit(t, worker, 50000)
	payout, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}

	processed, err := env.svc.Process(ctx, payout.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", processed.Status)
	}
	if processed.ProcessorReference == "" {
		t.Fatal("missing processor reference")
	}

	// Balance stays reserved; only a failure returns it.
	available, err := env.svc.AvailableBalance(ctx, worker)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if available != 20000 {
		t.Fatalf("available = %d, want 20000", available)
	}

	var count int64
	if err := env.db.Raw(
		`SELECT COUNT(1) FROM transaction_records WHERE record_type = 'payout' AND user_id = ?`,
		worker,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("payout records = %d, want 1", count)
	}

	// Processing a settled payout is a no-op.
	again, err := env.svc.Process(ctx, payout.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if again.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", again.Status)
	}
	if env.rail.PayoutCalls != 1 {
		t.Fatalf("payout calls = %d, want 1", env.rail.PayoutCalls)
	}
}

func TestProcessFailureRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(304)

	env.credit(t, worker, 50000)
	payout, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}

	env.rail.SetMode(stub.ModeDecline)
	failed, err := env.svc.Process(ctx, payout.ID)
	if !errors.Is(err, domain.ErrPayoutRejected) {
		t.Fatalf("err = %v, want payout_rejected", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}

	available, err := env.svc.AvailableBalance(ctx, worker)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if available != 50000 {
		t.Fatalf("available = %d, want 50000", available)
	}

	// A failed payout is terminal.
	if _, err := env.svc.Process(ctx, payout.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid_payout_transition", err)
	}
}

func TestProcessUnavailableStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(305)

	env.credit(t, worker, 50000)
	payout, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}

	env.rail.SetMode(stub.ModeUnavailable)
	if _, err := env.svc.Process(ctx, payout.ID); !errors.Is(err, domain.ErrRailUnavailable) {
		t.Fatalf("err = %v, want payout_rail_unavailable", err)
	}

	current, err := env.svc.GetPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if current.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", current.Status)
	}

	// The retry reuses the stored idempotency key.
	env.rail.SetMode(stub.ModeSucceed)
	processed, err := env.svc.Process(ctx, payout.ID)
	if err != nil {
		t.Fatalf("retry process: %v", err)
	}
	if processed.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", processed.Status)
	}
}

func TestApplyPayoutResultConflictIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := snowflake.ID(306)

	env.credit(t, worker, 50000)
	payout, err := env.svc.RequestPayout(ctx, worker, 30000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	processed, err := env.svc.Process(ctx, payout.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// A stale failure event after completion must not move the payout.
	if err := env.svc.ApplyPayoutResult(ctx, processed.ProcessorReference, false, "late failure"); err != nil {
		t.Fatalf("apply stale failure: %v", err)
	}
	current, err := env.svc.GetPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if current.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", current.Status)
	}

	if err := env.svc.ApplyPayoutResult(ctx, "po_wallet_99", true, ""); !errors.Is(err, domain.ErrPayoutNotFound) {
		t.Fatalf("err = %v, want payout_not_found", err)
	}
}
