package webhook

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	escrowrepository "github.com/shiftmarket/escrow/internal/escrow/repository"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
	payoutrepository "github.com/shiftmarket/escrow/internal/payout/repository"
)

type WorkerParams struct {
	fx.In

	LC      fx.Lifecycle
	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	Escrow  escrowdomain.Service
	Payouts payoutdomain.Service
}

// Worker periodically re-drives payments and payouts whose processor
// call dispatched but whose outcome never landed. Re-driving reuses
// the stored idempotency key, so the rail settles each operation at
// most once no matter how often the sweep retries it.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	cfg     config.ReconcileConfig
	escrow  escrowdomain.Service
	payouts payoutdomain.Service

	paymentRepo *escrowrepository.Repository
	payoutRepo  *payoutrepository.Repository

	stop chan struct{}
	done chan struct{}
}

func NewWorker(p WorkerParams) *Worker {
	w := &Worker{
		db:          p.DB,
		log:         p.Log.Named("webhook.worker"),
		clock:       p.Clock,
		cfg:         p.Config.Reconcile,
		escrow:      p.Escrow,
		payouts:     p.Payouts,
		paymentRepo: escrowrepository.New(),
		payoutRepo:  payoutrepository.New(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go w.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(w.stop)
			select {
			case <-w.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Sweep(context.Background())
		}
	}
}

// Sweep runs one reconciliation pass.
func (w *Worker) Sweep(ctx context.Context) {
	cutoff := w.clock.Now().Add(-w.cfg.StuckAfter)
	w.sweepPayments(ctx, cutoff)
	w.sweepPayouts(ctx, cutoff)
}

// The claim transaction ends before any payment is re-driven; the
// re-drive takes each row lock itself. A row claimed twice across
// ticks is harmless, the application is idempotent.
func (w *Worker) sweepPayments(ctx context.Context, cutoff time.Time) {
	var ids []snowflake.ID
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ids, err = w.paymentRepo.StuckPendingIDs(ctx, tx, cutoff, w.cfg.BatchSize)
		return err
	})
	if err != nil {
		w.log.Error("claiming stuck payments failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := w.escrow.ReconcilePending(ctx, id); err != nil {
			w.log.Warn("payment reconciliation deferred",
				zap.Int64("payment_id", int64(id)),
				zap.Error(err),
			)
		}
	}
	if len(ids) > 0 {
		w.log.Info("swept stuck payments", zap.Int("count", len(ids)))
	}
}

func (w *Worker) sweepPayouts(ctx context.Context, cutoff time.Time) {
	var ids []snowflake.ID
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ids, err = w.payoutRepo.StuckProcessingIDs(ctx, tx, cutoff, w.cfg.BatchSize)
		return err
	})
	if err != nil {
		w.log.Error("claiming stuck payouts failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := w.payouts.ReconcileProcessing(ctx, id); err != nil {
			w.log.Warn("payout reconciliation deferred",
				zap.Int64("payout_id", int64(id)),
				zap.Error(err),
			)
		}
	}
}
