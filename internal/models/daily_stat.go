package models

import (
	"time"

	"github.com/lifecycle-mailer/internal/types"
)

// StatDateLayout is the YYYY-MM-DD key of a daily stat row
const StatDateLayout = "2006-01-02"

// FormatStatDate returns the UTC day of t as a stat date key
func FormatStatDate(t time.Time) string {
	return t.UTC().Format(StatDateLayout)
}

// Counters holds one integer per email status
type Counters struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Bounced   int64 `json:"bounced"`
	Failed    int64 `json:"failed"`
}

// Add accumulates other into c
func (c *Counters) Add(other Counters) {
	c.Sent += other.Sent
	c.Delivered += other.Delivered
	c.Opened += other.Opened
	c.Clicked += other.Clicked
	c.Bounced += other.Bounced
	c.Failed += other.Failed
}

// Get returns the counter for a status
func (c Counters) Get(status types.EmailStatus) int64 {
	switch status {
	case types.EmailStatusSent:
		return c.Sent
	case types.EmailStatusDelivered:
		return c.Delivered
	case types.EmailStatusOpened:
		return c.Opened
	case types.EmailStatusClicked:
		return c.Clicked
	case types.EmailStatusBounced:
		return c.Bounced
	case types.EmailStatusFailed:
		return c.Failed
	}
	return 0
}

// Incr bumps the counter for a status by one
func (c *Counters) Incr(status types.EmailStatus) {
	switch status {
	case types.EmailStatusSent:
		c.Sent++
	case types.EmailStatusDelivered:
		c.Delivered++
	case types.EmailStatusOpened:
		c.Opened++
	case types.EmailStatusClicked:
		c.Clicked++
	case types.EmailStatusBounced:
		c.Bounced++
	case types.EmailStatusFailed:
		c.Failed++
	}
}

// DailyStat is the per-day, per-event counter row
type DailyStat struct {
	Date      string `json:"date" db:"stat_date"`
	EventName string `json:"eventName" db:"event_name"`
	Counters
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
