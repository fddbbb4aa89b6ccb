package service

import (
	"context"
	"errors"
	"time"

	"github.com/lifecycle-mailer/internal/adapter"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/types"
)

// EmailProvider sends email through the external provider
type EmailProvider interface {
	SendEvent(ctx context.Context, req adapter.EventRequest) (*adapter.SendResponse, error)
	SendTransactional(ctx context.Context, req adapter.TransactionalRequest) (*adapter.SendResponse, error)
}

// EmailLogWriter persists send attempts. Create returns
// storage.ErrLogUserNotFound when the row names a user that does not exist.
type EmailLogWriter interface {
	Create(ctx context.Context, log *models.EmailLog) error
}

// StatsIncrementer bumps the daily per-event counters
type StatsIncrementer interface {
	Increment(ctx context.Context, date, eventName string, status types.EmailStatus) error
}

// SendEventInput is one event-triggered email
type SendEventInput struct {
	Email             string                 `json:"email"`
	EventName         string                 `json:"eventName"`
	UserID            string                 `json:"userId,omitempty"`
	EventProperties   map[string]interface{} `json:"eventProperties,omitempty"`
	ContactProperties map[string]interface{} `json:"contactProperties,omitempty"`
}

// SendTransactionalInput is one transactional email
type SendTransactionalInput struct {
	Email           string                 `json:"email"`
	TransactionalID string                 `json:"transactionalId"`
	UserID          string                 `json:"userId,omitempty"`
	DataVariables   map[string]interface{} `json:"dataVariables,omitempty"`
}

// SendResult reports what happened to one send
type SendResult struct {
	Success   bool              `json:"success"`
	Status    types.EmailStatus `json:"status"`
	LogID     string            `json:"logId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Dispatcher sends email and records every attempt as a log row plus a
// daily counter increment. Storage failures are logged, never returned.
type Dispatcher struct {
	provider EmailProvider
	logs     EmailLogWriter
	stats    StatsIncrementer
	cache    DashboardInvalidator
	now      func() time.Time
	logger   *logging.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(provider EmailProvider, logs EmailLogWriter, stats StatsIncrementer) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		logs:     logs,
		stats:    stats,
		now:      time.Now,
		logger:   logging.GetGlobalLogger().WithComponent("dispatcher"),
	}
}

// SetDashboardCache makes every recorded send drop cached dashboard reads
func (d *Dispatcher) SetDashboardCache(cache DashboardInvalidator) {
	d.cache = cache
}

// SendEvent triggers an event-based automation at the provider
func (d *Dispatcher) SendEvent(ctx context.Context, in SendEventInput) *SendResult {
	resp, err := d.provider.SendEvent(ctx, adapter.EventRequest{
		Email:             in.Email,
		EventName:         in.EventName,
		EventProperties:   in.EventProperties,
		ContactProperties: in.ContactProperties,
	})

	log := &models.EmailLog{
		EventName: in.EventName,
		Email:     in.Email,
		UserID:    optionalString(in.UserID),
		SentAt:    d.now().UTC(),
	}
	if err == nil {
		log.Metadata = map[string]interface{}{
			"eventProperties":   in.EventProperties,
			"contactProperties": in.ContactProperties,
		}
	}
	return d.record(ctx, log, resp, err)
}

// SendTransactional sends a transactional template. The log row is filed
// under the event name "transactional:<id>".
func (d *Dispatcher) SendTransactional(ctx context.Context, in SendTransactionalInput) *SendResult {
	resp, err := d.provider.SendTransactional(ctx, adapter.TransactionalRequest{
		Email:           in.Email,
		TransactionalID: in.TransactionalID,
		DataVariables:   in.DataVariables,
	})

	log := &models.EmailLog{
		EventName:       types.TransactionalEventPrefix + in.TransactionalID,
		Email:           in.Email,
		UserID:          optionalString(in.UserID),
		TransactionalID: optionalString(in.TransactionalID),
		SentAt:          d.now().UTC(),
	}
	if err == nil {
		log.Metadata = map[string]interface{}{"dataVariables": in.DataVariables}
	}
	return d.record(ctx, log, resp, err)
}

func (d *Dispatcher) record(ctx context.Context, log *models.EmailLog, resp *adapter.SendResponse, sendErr error) *SendResult {
	result := &SendResult{}
	logger := d.logger.WithFields(map[string]interface{}{
		"event": log.EventName,
		"email": log.Email,
	})

	if sendErr != nil {
		msg := sendErrorMessage(sendErr)
		log.Status = types.EmailStatusFailed
		log.ErrorMessage = &msg
		result.Error = msg
		logger.WithError(sendErr).Warn("email send failed")
	} else {
		log.Status = types.EmailStatusSent
		if resp != nil && resp.ID != "" {
			id := resp.ID
			log.ProviderMessageID = &id
			result.MessageID = id
		}
		result.Success = true
		logger.Debug("email sent")
	}
	result.Status = log.Status

	if err := d.writeLog(ctx, log, logger); err != nil {
		logger.WithError(err).Error("failed to write email log")
	} else {
		result.LogID = log.ID
	}

	if err := d.stats.Increment(ctx, log.StatDate(), log.EventName, log.Status); err != nil {
		logger.WithError(err).Error("failed to increment email stats")
	}
	invalidateDashboard(ctx, d.cache, logger)

	return result
}

// writeLog files the row, dropping a user id the users table does not know
// so the attempt is still logged and matches its counter.
func (d *Dispatcher) writeLog(ctx context.Context, log *models.EmailLog, logger *logging.Logger) error {
	err := d.logs.Create(ctx, log)
	if !errors.Is(err, storage.ErrLogUserNotFound) {
		return err
	}
	logger.WithField("user_id", *log.UserID).Warn("unknown user id, logging email without it")
	log.UserID = nil
	return d.logs.Create(ctx, log)
}

// sendErrorMessage is what a failed row stores: the categorized message when
// there is one, so log rows read "Invalid email" rather than the error code
func sendErrorMessage(err error) string {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) && catErr.Message != "" {
		return catErr.Message
	}
	return err.Error()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isoTime renders t the way the provider's templates expect timestamps
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
