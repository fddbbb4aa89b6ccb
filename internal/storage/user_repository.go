package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

// UserRepository handles user data persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, first_name, last_name, plan, subscription_status, trial_end_date,
	last_active_at, onboarding_completed, lifecycle_stage, last_inactive_reminder_at,
	trial_ending_reminder_sent, onboarding_reminder_sent, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&u.Plan,
		&u.SubscriptionStatus,
		&u.TrialEndDate,
		&u.LastActiveAt,
		&u.OnboardingCompleted,
		&u.LifecycleStage,
		&u.LastInactiveReminderAt,
		&u.TrialEndingReminderSent,
		&u.OnboardingReminderSent,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*models.User, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// Create inserts a new user. A taken email yields a duplicate-email error.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		user.ID,
		user.Email,
		user.FirstName,
		user.LastName,
		user.Plan,
		user.SubscriptionStatus,
		user.TrialEndDate,
		user.LastActiveAt,
		user.OnboardingCompleted,
		user.LifecycleStage,
		user.LastInactiveReminderAt,
		user.TrialEndingReminderSent,
		user.OnboardingReminderSent,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewDuplicateEmailError(user.Email)
		}
		return apperrors.NewDatabaseError("create user", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewUserNotFoundError(id)
	}

	u, err := scanUser(r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewUserNotFoundError(id)
		}
		return nil, apperrors.NewDatabaseError("get user", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewUserNotFoundError(email)
		}
		return nil, apperrors.NewDatabaseError("get user by email", err)
	}
	return u, nil
}

// List returns all users, newest first
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
}

// Update locks the user row, applies mutate to a copy and writes the result back
// in the same transaction. The returned change carries both versions of the row.
func (r *UserRepository) Update(ctx context.Context, id string, mutate func(u *models.User) error) (*models.UserChange, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewUserNotFoundError(id)
	}

	var change *models.UserChange
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		old, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NewUserNotFoundError(id)
			}
			return apperrors.NewDatabaseError("lock user", err)
		}

		updated := old.Clone()
		if err := mutate(updated); err != nil {
			return err
		}
		updated.UpdatedAt = time.Now().UTC()

		_, err = tx.Exec(ctx, `
			UPDATE users SET
				first_name = $2,
				last_name = $3,
				plan = $4,
				subscription_status = $5,
				trial_end_date = $6,
				last_active_at = $7,
				onboarding_completed = $8,
				lifecycle_stage = $9,
				last_inactive_reminder_at = $10,
				trial_ending_reminder_sent = $11,
				onboarding_reminder_sent = $12,
				updated_at = $13
			WHERE id = $1
		`,
			id,
			updated.FirstName,
			updated.LastName,
			updated.Plan,
			updated.SubscriptionStatus,
			updated.TrialEndDate,
			updated.LastActiveAt,
			updated.OnboardingCompleted,
			updated.LifecycleStage,
			updated.LastInactiveReminderAt,
			updated.TrialEndingReminderSent,
			updated.OnboardingReminderSent,
			updated.UpdatedAt,
		)
		if err != nil {
			return apperrors.NewDatabaseError("update user", err)
		}

		change = &models.UserChange{
			Operation: models.ChangeUpdate,
			UserID:    id,
			Old:       old,
			New:       updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CountByStage returns the number of users per stored lifecycle stage.
// Users without a stage are counted under the empty key.
func (r *UserRepository) CountByStage(ctx context.Context) (map[types.LifecycleStage]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT lifecycle_stage, COUNT(*) FROM users GROUP BY lifecycle_stage`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count users by stage", err)
	}
	defer rows.Close()

	counts := make(map[types.LifecycleStage]int64)
	for rows.Next() {
		var stage types.LifecycleStage
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stage count: %w", err)
		}
		counts[stage] += n
	}
	return counts, rows.Err()
}

// FindInactiveCandidates narrows users for the inactivity reminder
func (r *UserRepository) FindInactiveCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	cutoff := now.Add(-7 * 24 * time.Hour)
	return r.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE last_active_at IS NOT NULL
		  AND last_active_at <= $1
		  AND (last_inactive_reminder_at IS NULL OR last_inactive_reminder_at <= $1)
		  AND lifecycle_stage <> $2
		  AND subscription_status <> $3
		ORDER BY last_active_at
	`, cutoff, types.StageChurned, types.SubscriptionCancelled)
}

// FindTrialEndingCandidates narrows trial users whose trial ends within three days
func (r *UserRepository) FindTrialEndingCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE plan = $1
		  AND trial_end_date IS NOT NULL
		  AND trial_end_date >= $2
		  AND trial_end_date <= $3
		  AND NOT trial_ending_reminder_sent
		ORDER BY trial_end_date
	`, types.PlanTrial, now, now.Add(3*24*time.Hour))
}

// FindOnboardingCandidates narrows users who signed up at least three days ago
// and have not completed onboarding
func (r *UserRepository) FindOnboardingCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE NOT onboarding_completed
		  AND created_at <= $1
		  AND NOT onboarding_reminder_sent
		ORDER BY created_at
	`, now.Add(-3*24*time.Hour))
}

// MarkInactiveReminderSent stamps the inactivity cooldown and moves the user to at_risk
func (r *UserRepository) MarkInactiveReminderSent(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark inactive reminder", `
		UPDATE users SET last_inactive_reminder_at = $2, lifecycle_stage = $3, updated_at = $2
		WHERE id = $1
	`, id, at, types.StageAtRisk)
}

// MarkTrialReminderSent sets the send-once trial reminder flag
func (r *UserRepository) MarkTrialReminderSent(ctx context.Context, id string) error {
	return r.exec(ctx, "mark trial reminder", `
		UPDATE users SET trial_ending_reminder_sent = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
}

// MarkOnboardingReminderSent sets the send-once onboarding reminder flag
func (r *UserRepository) MarkOnboardingReminderSent(ctx context.Context, id string) error {
	return r.exec(ctx, "mark onboarding reminder", `
		UPDATE users SET onboarding_reminder_sent = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
}

func (r *UserRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return apperrors.NewDatabaseError(op, err)
	}
	if tag.RowsAffected() == 0 {
		if id, ok := args[0].(string); ok {
			return apperrors.NewUserNotFoundError(id)
		}
	}
	return nil
}
