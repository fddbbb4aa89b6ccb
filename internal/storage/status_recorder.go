package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

// StatusRecorder applies a webhook status to its log row and bumps the
// send-date counter in one transaction, so a status is never stamped without
// being counted.
type StatusRecorder struct {
	db    *PostgresDB
	logs  *EmailLogRepository
	stats *EmailStatsRepository
}

// NewStatusRecorder creates a recorder over the log and stats tables
func NewStatusRecorder(db *PostgresDB) *StatusRecorder {
	return &StatusRecorder{
		db:    db,
		logs:  NewEmailLogRepository(db),
		stats: NewEmailStatsRepository(db),
	}
}

// RecordStatus applies status to the newest row for messageID. When the
// status timestamp was newly written the row's (send date, event) counter is
// incremented before commit; applied reports whether that happened.
func (s *StatusRecorder) RecordStatus(ctx context.Context, messageID string, status types.EmailStatus, at time.Time) (*models.EmailLog, bool, error) {
	var (
		log     *models.EmailLog
		applied bool
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		log, applied, err = s.logs.withTx(tx).ApplyStatus(ctx, messageID, status, at)
		if err != nil || !applied {
			return err
		}
		return s.stats.withTx(tx).Increment(ctx, log.StatDate(), log.EventName, status)
	})
	if err != nil {
		return nil, false, err
	}
	return log, applied, nil
}
