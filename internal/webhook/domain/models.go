package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is one webhook delivery from a rail. The unique index on
// (processor, provider_event_id) makes redelivery a no-op; processed_at
// stays null until the event has been folded into local state.
type EventRecord struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	Processor          string            `gorm:"type:text;not null" json:"processor"`
	ProviderEventID    string            `gorm:"type:text;not null" json:"provider_event_id"`
	EventType          string            `gorm:"type:text;not null" json:"event_type"`
	ProcessorReference string            `gorm:"type:text;not null" json:"processor_reference"`
	Payload            datatypes.JSON    `gorm:"type:jsonb" json:"payload,omitempty"`
	ReceivedAt         time.Time         `gorm:"not null" json:"received_at"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "processor_webhook_events" }

// Reconciler ingests rail webhooks and keeps local state converged
// with the processor's view.
type Reconciler interface {
	// Ingest verifies, deduplicates and applies one delivery. It is
	// safe to call any number of times with the same payload.
	Ingest(ctx context.Context, rail string, payload []byte, headers http.Header) error
}
