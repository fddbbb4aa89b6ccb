package models

import (
	"time"

	"github.com/lifecycle-mailer/internal/types"
)

// EmailLog is one send attempt and its delivery history
type EmailLog struct {
	ID                string            `json:"id" db:"id"`
	EventName         string            `json:"eventName" db:"event_name"`
	Email             string            `json:"email" db:"email"`
	UserID            *string           `json:"userId,omitempty" db:"user_id"`
	ProviderMessageID *string           `json:"loopsMessageId,omitempty" db:"provider_message_id"`
	TransactionalID   *string           `json:"transactionalId,omitempty" db:"transactional_id"`
	Status            types.EmailStatus `json:"status" db:"status"`

	SentAt      time.Time  `json:"sentAt" db:"sent_at"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty" db:"delivered_at"`
	OpenedAt    *time.Time `json:"openedAt,omitempty" db:"opened_at"`
	ClickedAt   *time.Time `json:"clickedAt,omitempty" db:"clicked_at"`
	BouncedAt   *time.Time `json:"bouncedAt,omitempty" db:"bounced_at"`

	ErrorMessage *string                `json:"errorMessage,omitempty" db:"error_message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// StatDate returns the daily stat bucket the log row belongs to
func (l *EmailLog) StatDate() string {
	return FormatStatDate(l.SentAt)
}

// EmailLogFilter narrows the recent-logs query
type EmailLogFilter struct {
	EventName string
	Status    types.EmailStatus
	Limit     int
}
