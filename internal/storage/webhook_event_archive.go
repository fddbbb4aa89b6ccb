package storage

import (
	"context"
	"fmt"
	"time"
)

// WebhookEvent is one raw provider callback as received
type WebhookEvent struct {
	ReceivedAt        time.Time
	EventName         string
	EventTime         time.Time
	ProviderMessageID string
	MappedStatus      string
	Outcome           string
	Payload           string
}

// WebhookEventArchive appends raw webhook events to ClickHouse
type WebhookEventArchive struct {
	db *ClickHouseDB
}

// NewWebhookEventArchive creates a new archive
func NewWebhookEventArchive(db *ClickHouseDB) *WebhookEventArchive {
	return &WebhookEventArchive{db: db}
}

// Append writes events in a single batch
func (a *WebhookEventArchive) Append(ctx context.Context, events ...WebhookEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `INSERT INTO webhook_events
		(received_at, event_name, event_time, provider_message_id, mapped_status, outcome, payload)`)
	if err != nil {
		return fmt.Errorf("failed to prepare webhook batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.ReceivedAt,
			e.EventName,
			e.EventTime,
			e.ProviderMessageID,
			e.MappedStatus,
			e.Outcome,
			e.Payload,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append webhook event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send webhook batch: %w", err)
	}
	return nil
}
