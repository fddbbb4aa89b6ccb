package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

// EmailStatsRepository maintains the per-day, per-event counter rows
type EmailStatsRepository struct {
	db *PostgresDB
	q  querier
}

// NewEmailStatsRepository creates a new stats repository
func NewEmailStatsRepository(db *PostgresDB) *EmailStatsRepository {
	return &EmailStatsRepository{db: db, q: db.Pool()}
}

func (r *EmailStatsRepository) withTx(tx pgx.Tx) *EmailStatsRepository {
	return &EmailStatsRepository{db: r.db, q: tx}
}

// counterColumns whitelists the columns Increment may touch
var counterColumns = map[types.EmailStatus]string{
	types.EmailStatusSent:      "sent",
	types.EmailStatusDelivered: "delivered",
	types.EmailStatusOpened:    "opened",
	types.EmailStatusClicked:   "clicked",
	types.EmailStatusBounced:   "bounced",
	types.EmailStatusFailed:    "failed",
}

const statColumns = `to_char(stat_date, 'YYYY-MM-DD'), event_name, sent, delivered, opened, clicked, bounced, failed, updated_at`

func scanDailyStat(row pgx.Row) (*models.DailyStat, error) {
	var s models.DailyStat
	err := row.Scan(
		&s.Date,
		&s.EventName,
		&s.Sent,
		&s.Delivered,
		&s.Opened,
		&s.Clicked,
		&s.Bounced,
		&s.Failed,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Increment adds one to the status counter of (date, eventName), creating the
// row on first use. The upsert is a single statement so concurrent increments
// never lose updates.
func (r *EmailStatsRepository) Increment(ctx context.Context, date, eventName string, status types.EmailStatus) error {
	column, ok := counterColumns[status]
	if !ok {
		return fmt.Errorf("unknown email status %q", status)
	}

	query := fmt.Sprintf(`
		INSERT INTO email_stats (stat_date, event_name, %[1]s, updated_at)
		VALUES ($1::date, $2, 1, NOW())
		ON CONFLICT (stat_date, event_name)
		DO UPDATE SET %[1]s = email_stats.%[1]s + 1, updated_at = NOW()
	`, column)

	if _, err := r.q.Exec(ctx, query, date, eventName); err != nil {
		return apperrors.NewDatabaseError("increment email stat", err)
	}
	return nil
}

// Get returns the counter row for (date, eventName), or nil when none exists
func (r *EmailStatsRepository) Get(ctx context.Context, date, eventName string) (*models.DailyStat, error) {
	s, err := scanDailyStat(r.q.QueryRow(ctx, `
		SELECT `+statColumns+` FROM email_stats WHERE stat_date = $1::date AND event_name = $2
	`, date, eventName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get email stat", err)
	}
	return s, nil
}

// ListSince returns every counter row dated on or after fromDate (YYYY-MM-DD)
func (r *EmailStatsRepository) ListSince(ctx context.Context, fromDate string) ([]*models.DailyStat, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+statColumns+` FROM email_stats
		WHERE stat_date >= $1::date
		ORDER BY stat_date, event_name
	`, fromDate)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list email stats", err)
	}
	defer rows.Close()

	var stats []*models.DailyStat
	for rows.Next() {
		s, err := scanDailyStat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
