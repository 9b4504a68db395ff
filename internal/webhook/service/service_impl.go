package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/clock"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
	"github.com/shiftmarket/escrow/internal/processor"
	processordomain "github.com/shiftmarket/escrow/internal/processor/domain"
	"github.com/shiftmarket/escrow/internal/webhook/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Registry *processor.Registry
	Escrow   escrowdomain.Service
	Payouts  payoutdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	registry *processor.Registry
	escrow   escrowdomain.Service
	payouts  payoutdomain.Service
}

func NewService(p Params) domain.Reconciler {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		registry: p.Registry,
		escrow:   p.Escrow,
		payouts:  p.Payouts,
	}
}

// Ingest verifies a delivery against the rail's signature scheme,
// stores it once, and folds it into local state. Replays of an already
// processed event are no-ops; events that arrive before their local
// record stay unprocessed so a redelivery can complete them.
func (s *Service) Ingest(ctx context.Context, rail string, payload []byte, headers http.Header) error {
	gw, err := s.registry.Lookup(rail)
	if err != nil {
		return err
	}
	if err := gw.VerifyWebhook(payload, headers); err != nil {
		return err
	}
	event, err := gw.ParseWebhook(payload)
	if err != nil {
		if errors.Is(err, processordomain.ErrEventIgnored) {
			return nil
		}
		return err
	}

	stored, fresh, err := s.store(ctx, gw.Rail(), event, payload)
	if err != nil {
		return err
	}
	if !fresh && stored.ProcessedAt != nil {
		s.log.Debug("duplicate webhook delivery",
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return nil
	}

	applied, err := s.apply(ctx, event)
	if err != nil {
		return err
	}
	if !applied {
		// Leave the record unprocessed so a redelivery after the local
		// row exists can complete it.
		return nil
	}
	return s.markProcessed(ctx, stored.ID)
}

func (s *Service) store(ctx context.Context, rail string, event *processordomain.WebhookEvent, payload []byte) (*domain.EventRecord, bool, error) {
	record := &domain.EventRecord{
		ID:                 s.genID.Generate(),
		Processor:          rail,
		ProviderEventID:    event.ProviderEventID,
		EventType:          event.Type,
		ProcessorReference: event.Reference,
		Payload:            datatypes.JSON(payload),
		ReceivedAt:         s.clock.Now(),
	}
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO processor_webhook_events
		   (id, processor, provider_event_id, event_type, processor_reference, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (processor, provider_event_id) DO NOTHING`,
		record.ID, record.Processor, record.ProviderEventID, record.EventType,
		record.ProcessorReference, record.Payload, record.ReceivedAt,
	)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return record, true, nil
	}

	var existing domain.EventRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM processor_webhook_events WHERE processor = ? AND provider_event_id = ?`,
		rail, event.ProviderEventID,
	).Scan(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// apply routes the normalized event to the owning state machine. It
// returns false when the reference has no local record yet.
func (s *Service) apply(ctx context.Context, event *processordomain.WebhookEvent) (bool, error) {
	var err error
	switch event.Type {
	case processordomain.EventTypeAuthorizeSucceeded:
		err = s.escrow.ApplyAuthorizeResult(ctx, event.Reference, true)
	case processordomain.EventTypeAuthorizeDeclined:
		err = s.escrow.ApplyAuthorizeResult(ctx, event.Reference, false)
	case processordomain.EventTypeCaptureSucceeded:
		err = s.escrow.ApplyCaptureResult(ctx, event.Reference, true)
	case processordomain.EventTypeCaptureFailed:
		err = s.escrow.ApplyCaptureResult(ctx, event.Reference, false)
	case processordomain.EventTypePayoutCompleted:
		err = s.payouts.ApplyPayoutResult(ctx, event.Reference, true, "")
	case processordomain.EventTypePayoutFailed:
		err = s.payouts.ApplyPayoutResult(ctx, event.Reference, false, event.FailureReason)
	default:
		s.log.Debug("unhandled event type", zap.String("event_type", event.Type))
		return true, nil
	}

	if errors.Is(err, escrowdomain.ErrPaymentNotFound) || errors.Is(err, payoutdomain.ErrPayoutNotFound) {
		s.log.Info("webhook for unknown reference",
			zap.String("event_type", event.Type),
			zap.String("reference", event.Reference),
		)
		return false, nil
	}
	return err == nil, err
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE processor_webhook_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		s.clock.Now(), id,
	).Error
}
