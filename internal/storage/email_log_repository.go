package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

const (
	// DefaultRecentLogsLimit is used when the caller gives no limit
	DefaultRecentLogsLimit = 50
	// MaxRecentLogsLimit bounds a single recent-logs read
	MaxRecentLogsLimit = 500
)

// ErrLogUserNotFound is returned by Create when the row names a user id that
// is malformed or has no users row
var ErrLogUserNotFound = errors.New("email log user not found")

// EmailLogRepository persists one row per send attempt
type EmailLogRepository struct {
	db *PostgresDB
	q  querier
}

// NewEmailLogRepository creates a new email log repository
func NewEmailLogRepository(db *PostgresDB) *EmailLogRepository {
	return &EmailLogRepository{db: db, q: db.Pool()}
}

func (r *EmailLogRepository) withTx(tx pgx.Tx) *EmailLogRepository {
	return &EmailLogRepository{db: r.db, q: tx}
}

const emailLogColumns = `id, event_name, email, user_id, provider_message_id, transactional_id, status,
	sent_at, delivered_at, opened_at, clicked_at, bounced_at, error_message, metadata`

// statusColumns maps webhook statuses to the timestamp they stamp
var statusColumns = map[types.EmailStatus]string{
	types.EmailStatusDelivered: "delivered_at",
	types.EmailStatusOpened:    "opened_at",
	types.EmailStatusClicked:   "clicked_at",
	types.EmailStatusBounced:   "bounced_at",
}

// statusRankSQL ranks the stored status the same way types.StatusRank does
var statusRankSQL = func() string {
	var b strings.Builder
	b.WriteString("CASE status")
	for _, s := range types.AllEmailStatuses {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, types.StatusRank(s))
	}
	b.WriteString(" ELSE -1 END")
	return b.String()
}()

func scanEmailLog(row pgx.Row) (*models.EmailLog, error) {
	var l models.EmailLog
	err := row.Scan(
		&l.ID,
		&l.EventName,
		&l.Email,
		&l.UserID,
		&l.ProviderMessageID,
		&l.TransactionalID,
		&l.Status,
		&l.SentAt,
		&l.DeliveredAt,
		&l.OpenedAt,
		&l.ClickedAt,
		&l.BouncedAt,
		&l.ErrorMessage,
		&l.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a log row
func (r *EmailLogRepository) Create(ctx context.Context, log *models.EmailLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}

	query := `
		INSERT INTO email_logs (` + emailLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.q.Exec(ctx, query,
		log.ID,
		log.EventName,
		log.Email,
		log.UserID,
		log.ProviderMessageID,
		log.TransactionalID,
		log.Status,
		log.SentAt,
		log.DeliveredAt,
		log.OpenedAt,
		log.ClickedAt,
		log.BouncedAt,
		log.ErrorMessage,
		log.Metadata,
	)
	if err != nil {
		if log.UserID != nil && hasPgCode(err, pgForeignKeyViolation, pgInvalidText) {
			return fmt.Errorf("%w: %s", ErrLogUserNotFound, *log.UserID)
		}
		return apperrors.NewDatabaseError("create email log", err)
	}
	return nil
}

// GetByProviderMessageID returns the latest log row for a provider message id, or nil
func (r *EmailLogRepository) GetByProviderMessageID(ctx context.Context, messageID string) (*models.EmailLog, error) {
	l, err := scanEmailLog(r.q.QueryRow(ctx, `
		SELECT `+emailLogColumns+` FROM email_logs
		WHERE provider_message_id = $1
		ORDER BY sent_at DESC
		LIMIT 1
	`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get email log", err)
	}
	return l, nil
}

// ApplyStatus records a webhook status on the row for messageID. The status
// timestamp is written at most once per row, so applied is false when the row
// already carried that status. The status column only moves forward in
// types.StatusRank order; an out-of-order callback stamps its timestamp but
// leaves the later status in place. A nil log means no row matches messageID.
func (r *EmailLogRepository) ApplyStatus(ctx context.Context, messageID string, status types.EmailStatus, at time.Time) (log *models.EmailLog, applied bool, err error) {
	column, ok := statusColumns[status]
	if !ok {
		return nil, false, fmt.Errorf("status %q is not set by webhooks", status)
	}

	query := fmt.Sprintf(`
		UPDATE email_logs
		SET status = CASE WHEN $4::int > %[3]s THEN $2 ELSE status END, %[1]s = $3
		WHERE id = (
			SELECT id FROM email_logs WHERE provider_message_id = $1 ORDER BY sent_at DESC LIMIT 1
		) AND %[1]s IS NULL
		RETURNING %[2]s
	`, column, emailLogColumns, statusRankSQL)

	log, err = scanEmailLog(r.q.QueryRow(ctx, query, messageID, status, at, types.StatusRank(status)))
	if err == nil {
		return log, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.NewDatabaseError("apply email status", err)
	}

	// either no such message or the status was already recorded
	log, err = r.GetByProviderMessageID(ctx, messageID)
	return log, false, err
}

// Recent returns the newest rows matching filter. Filters are applied before the limit.
func (r *EmailLogRepository) Recent(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultRecentLogsLimit
	}
	if limit > MaxRecentLogsLimit {
		limit = MaxRecentLogsLimit
	}

	var where []string
	var args []interface{}
	if filter.EventName != "" {
		args = append(args, filter.EventName)
		where = append(where, fmt.Sprintf("event_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + emailLogColumns + ` FROM email_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sent_at DESC LIMIT $%d", len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("recent email logs", err)
	}
	defer rows.Close()

	logs := make([]*models.EmailLog, 0, limit)
	for rows.Next() {
		l, err := scanEmailLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DistinctEventNames returns every event name that has a log row, sorted
func (r *EmailLogRepository) DistinctEventNames(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT DISTINCT event_name FROM email_logs ORDER BY event_name`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("distinct event names", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan event name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountByDateEventStatus counts log rows for one (send date, event, status)
// triple: rows that reached the status, whatever they moved on to afterwards.
// Used to reconcile the daily counters.
func (r *EmailLogRepository) CountByDateEventStatus(ctx context.Context, date, eventName string, status types.EmailStatus) (int64, error) {
	var cond string
	switch status {
	case types.EmailStatusSent:
		cond = "status <> 'failed'"
	case types.EmailStatusFailed:
		cond = "status = 'failed'"
	default:
		column, ok := statusColumns[status]
		if !ok {
			return 0, fmt.Errorf("unknown status %q", status)
		}
		cond = column + " IS NOT NULL"
	}

	query := `SELECT COUNT(*) FROM email_logs
		WHERE (sent_at AT TIME ZONE 'UTC')::date = $1::date AND event_name = $2 AND ` + cond

	var n int64
	if err := r.q.QueryRow(ctx, query, date, eventName).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count email logs", err)
	}
	return n, nil
}
