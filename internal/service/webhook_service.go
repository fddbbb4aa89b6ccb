package service

import (
	"context"
	"math"
	"time"

	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/types"
)

// providerEventStatus maps provider webhook event names to email statuses
var providerEventStatus = map[string]types.EmailStatus{
	"email.delivered":   types.EmailStatusDelivered,
	"email.opened":      types.EmailStatusOpened,
	"email.clicked":     types.EmailStatusClicked,
	"email.softBounced": types.EmailStatusBounced,
	"email.hardBounced": types.EmailStatusBounced,
}

// MapProviderEvent returns the email status a provider event moves a log to
func MapProviderEvent(eventName string) (types.EmailStatus, bool) {
	status, ok := providerEventStatus[eventName]
	return status, ok
}

// WebhookPayload is the provider callback body
type WebhookPayload struct {
	EventName string        `json:"eventName"`
	EventTime float64       `json:"eventTime"`
	Email     *WebhookEmail `json:"email,omitempty"`
}

// WebhookEmail identifies the message a callback is about
type WebhookEmail struct {
	ID string `json:"id"`
}

// MessageID returns the provider message id, or "" when absent
func (p WebhookPayload) MessageID() string {
	if p.Email == nil {
		return ""
	}
	return p.Email.ID
}

// OccurredAt converts the epoch-seconds event time. A missing time falls back to fallback.
func (p WebhookPayload) OccurredAt(fallback time.Time) time.Time {
	if p.EventTime <= 0 || math.IsNaN(p.EventTime) || math.IsInf(p.EventTime, 0) {
		return fallback
	}
	return time.UnixMilli(int64(p.EventTime * 1000)).UTC()
}

// WebhookOutcome is what a callback did to storage
type WebhookOutcome string

const (
	OutcomeIgnored   WebhookOutcome = "ignored"
	OutcomeMissingID WebhookOutcome = "missing_id"
	OutcomeNotFound  WebhookOutcome = "not_found"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeUpdated   WebhookOutcome = "updated"
)

// StatusRecorder moves the newest log row for a message to a status at most
// once. When it does, the counter for the row's send date and event is
// bumped in the same transaction; applied reports whether that happened.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, messageID string, status types.EmailStatus, at time.Time) (log *models.EmailLog, applied bool, err error)
}

// WebhookArchiver keeps raw callbacks for later analysis
type WebhookArchiver interface {
	Append(ctx context.Context, events ...storage.WebhookEvent) error
}

// WebhookService applies provider callbacks to email logs and counters
type WebhookService struct {
	statuses StatusRecorder
	archive  WebhookArchiver
	cache    DashboardInvalidator
	now      func() time.Time
	logger   *logging.Logger
}

// NewWebhookService creates a new webhook service. archive may be nil.
func NewWebhookService(statuses StatusRecorder, archive WebhookArchiver) *WebhookService {
	return &WebhookService{
		statuses: statuses,
		archive:  archive,
		now:      time.Now,
		logger:   logging.GetGlobalLogger().WithComponent("webhook"),
	}
}

// SetDashboardCache makes applied updates drop cached dashboard reads
func (s *WebhookService) SetDashboardCache(cache DashboardInvalidator) {
	s.cache = cache
}

// HandleEvent applies one callback. The counter for the new status is bumped
// on the day the email was sent, not the day the callback arrived.
func (s *WebhookService) HandleEvent(ctx context.Context, payload WebhookPayload, raw []byte) (WebhookOutcome, error) {
	received := s.now().UTC()
	status, known := MapProviderEvent(payload.EventName)
	messageID := payload.MessageID()

	outcome, err := s.apply(ctx, payload, status, known, messageID, received)

	s.archiveEvent(ctx, storage.WebhookEvent{
		ReceivedAt:        received,
		EventName:         payload.EventName,
		EventTime:         payload.OccurredAt(received),
		ProviderMessageID: messageID,
		MappedStatus:      string(status),
		Outcome:           string(outcome),
		Payload:           string(raw),
	})
	return outcome, err
}

func (s *WebhookService) apply(ctx context.Context, payload WebhookPayload, status types.EmailStatus, known bool, messageID string, received time.Time) (WebhookOutcome, error) {
	logger := s.logger.WithFields(map[string]interface{}{
		"event":      payload.EventName,
		"message_id": messageID,
	})

	if !known {
		logger.Debug("ignoring unhandled webhook event")
		return OutcomeIgnored, nil
	}
	if messageID == "" {
		return OutcomeMissingID, nil
	}

	log, applied, err := s.statuses.RecordStatus(ctx, messageID, status, payload.OccurredAt(received))
	if err != nil {
		return "", err
	}
	if log == nil {
		logger.Warn("no email log for webhook message")
		return OutcomeNotFound, nil
	}
	if !applied {
		logger.Debug("status already recorded")
		return OutcomeDuplicate, nil
	}

	invalidateDashboard(ctx, s.cache, logger)
	return OutcomeUpdated, nil
}

func (s *WebhookService) archiveEvent(ctx context.Context, event storage.WebhookEvent) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Append(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to archive webhook event")
	}
}
