package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	escrowservice "github.com/shiftmarket/escrow/internal/escrow/service"
	"github.com/shiftmarket/escrow/internal/events"
	"github.com/shiftmarket/escrow/internal/fee"
	ledgerservice "github.com/shiftmarket/escrow/internal/ledger/service"
	"github.com/shiftmarket/escrow/internal/migration"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
	payoutrepository "github.com/shiftmarket/escrow/internal/payout/repository"
	payoutservice "github.com/shiftmarket/escrow/internal/payout/service"
	"github.com/shiftmarket/escrow/internal/processor"
	processordomain "github.com/shiftmarket/escrow/internal/processor/domain"
	"github.com/shiftmarket/escrow/internal/processor/walletrail"
	"github.com/shiftmarket/escrow/internal/webhook/domain"
)

const webhookSecret = "whsec_test"

type testEnv struct {
	db      *gorm.DB
	escrow  escrowdomain.Service
	payouts payoutdomain.Service
	svc     domain.Reconciler
	payment *escrowdomain.Payment
}

// walletAPI fakes the wallet rail's HTTP surface.
func walletAPI(t *testing.T) *httptest.Server {
	t.Helper()
	seq := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/holds":
			seq++
			fmt.Fprintf(w, `{"reference":"hold_%d","status":"held"}`, seq)
		case r.URL.Path == "/v1/payouts":
			seq++
			fmt.Fprintf(w, `{"reference":"wpo_%d","status":"pending"}`, seq)
		default:
			fmt.Fprint(w, `{"status":"captured"}`)
		}
	}))
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

	api := walletAPI(t)
	t.Cleanup(api.Close)

	cfg := config.Config{
		DefaultCurrency: "usd",
		FeeBasisPoints:  500,
		WalletRail: config.WalletRailConfig{
			BaseURL:       api.URL,
			APIKey:        "wk_test",
			WebhookSecret: webhookSecret,
			Timeout:       5 * time.Second,
		},
	}

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := zap.NewNop()
	registry := processor.NewRegistry(walletrail.NewGateway(cfg, log))
	calc, err := fee.NewCalculator(500)
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	recorder := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	outbox := events.NewOutbox(db, node)

	escrowSvc := escrowservice.NewService(escrowservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Config:   cfg,
		Registry: registry,
		Fee:      calc,
		Recorder: recorder,
		Balances: payoutrepository.NewBalanceStore(),
		Outbox:   outbox,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Config:   cfg,
		Registry: registry,
		Recorder: recorder,
		Outbox:   outbox,
	})
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.SystemClock{},
		Registry: registry,
		Escrow:   escrowSvc,
		Payouts:  payoutSvc,
	})

	payment, err := escrowSvc.Authorize(context.Background(), escrowdomain.AuthorizeInput{
		BookingID:  501,
		ClientID:   201,
		WorkerID:   301,
		Hours:      10,
		HourlyRate: 2000,
		Processor:  "wallet",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	return &testEnv{db: db, escrow: escrowSvc, payouts: payoutSvc, svc: svc, payment: payment}
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func delivery(t *testing.T, eventID, eventType, reference string) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":        eventID,
		"type":      eventType,
		"reference": reference,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	headers := http.Header{}
	headers.Set("X-Wallet-Signature", sign(payload))
	return payload, headers
}

func (e *testEnv) eventProcessed(t *testing.T, eventID string) bool {
	t.Helper()
	var count int64
	err := e.db.Raw(
		`SELECT COUNT(1) FROM processor_webhook_events WHERE provider_event_id = ? AND processed_at IS NOT NULL`,
		eventID,
	).Scan(&count).Error
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	return count > 0
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := delivery(t, "evt_1", "hold.captured", env.payment.ProcessorReference)
	headers := http.Header{}
	headers.Set("X-Wallet-Signature", "deadbeef")

	err := env.svc.Ingest(context.Background(), "wallet", payload, headers)
	if !errors.Is(err, processordomain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want invalid_signature", err)
	}

	var count int64
	if err := env.db.Raw(`SELECT COUNT(1) FROM processor_webhook_events`).Scan(&count).Error; err != nil {
		t.Fatalf("query events: %v", err)
	}
	if count != 0 {
		t.Fatalf("stored %d events for an unverified delivery", count)
	}
}

func TestIngestAppliesCaptureOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload, headers := delivery(t, "evt_2", "hold.captured", env.payment.ProcessorReference)
	for i := 0; i < 3; i++ {
		if err := env.svc.Ingest(ctx, "wallet", payload, headers); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	payment, err := env.escrow.GetPayment(ctx, env.payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.State != escrowdomain.StateReleased {
		t.Fatalf("state = %s, want released", payment.State)
	}

	var earnings int64
	if err := env.db.Raw(
		`SELECT COUNT(1) FROM transaction_records WHERE record_type = 'earning' AND user_id = ?`,
		payment.WorkerID,
	).Scan(&earnings).Error; err != nil {
		t.Fatalf("count earnings: %v", err)
	}
	if earnings != 1 {
		t.Fatalf("earnings = %d, want 1", earnings)
	}
	if !env.eventProcessed(t, "evt_2") {
		t.Fatal("event not marked processed")
	}
}

func TestIngestUnknownReferenceStaysUnprocessed(t *testing.T) {
	env := newTestEnv(t)

	payload, headers := delivery(t, "evt_3", "hold.captured", "hold_unknown")
	if err := env.svc.Ingest(context.Background(), "wallet", payload, headers); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var count int64
	if err := env.db.Raw(
		`SELECT COUNT(1) FROM processor_webhook_events WHERE provider_event_id = 'evt_3'`,
	).Scan(&count).Error; err != nil {
		t.Fatalf("query events: %v", err)
	}
	if count != 1 {
		t.Fatalf("events = %d, want 1", count)
	}
	if env.eventProcessed(t, "evt_3") {
		t.Fatal("unknown reference marked processed")
	}
}

func TestIngestIgnoresUnknownEventType(t *testing.T) {
	env := newTestEnv(t)

	payload, err := json.Marshal(map[string]any{
		"id":        "evt_4",
		"type":      "hold.expired",
		"reference": env.payment.ProcessorReference,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	headers := http.Header{}
	headers.Set("X-Wallet-Signature", sign(payload))

	if err := env.svc.Ingest(context.Background(), "wallet", payload, headers); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestIngestStaleEventDiscarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Refund the payment first, then deliver a stale capture success.
	if _, err := env.escrow.Refund(ctx, escrowdomain.RefundInput{
		PaymentID: env.payment.ID,
		ActorID:   env.payment.ClientID,
		Reason:    "cancelled",
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	payload, headers := delivery(t, "evt_5", "hold.captured", env.payment.ProcessorReference)
	if err := env.svc.Ingest(ctx, "wallet", payload, headers); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	payment, err := env.escrow.GetPayment(ctx, env.payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.State != escrowdomain.StateRefunded {
		t.Fatalf("state = %s, want refunded", payment.State)
	}
}

// The fake wallet API answers payout requests with "pending", so the
// payout only settles once its webhook arrives.
func TestIngestCompletesAsyncPayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := env.payment.WorkerID

	payload, headers := delivery(t, "evt_6", "hold.captured", env.payment.ProcessorReference)
	if err := env.svc.Ingest(ctx, "wallet", payload, headers); err != nil {
		t.Fatalf("release via webhook: %v", err)
	}

	payout, err := env.payouts.RequestPayout(ctx, worker, 10000, "wallet")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	processing, err := env.payouts.Process(ctx, payout.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processing.Status != payoutdomain.StatusProcessing {
		t.Fatalf("status = %s, want processing", processing.Status)
	}

	payload, headers = delivery(t, "evt_7", "payout.completed", processing.ProcessorReference)
	if err := env.svc.Ingest(ctx, "wallet", payload, headers); err != nil {
		t.Fatalf("payout webhook: %v", err)
	}

	completed, err := env.payouts.GetPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if completed.Status != payoutdomain.StatusCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}
