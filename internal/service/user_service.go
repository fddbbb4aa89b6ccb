package service

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

// UserRepository interface for user data operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	Update(ctx context.Context, id string, mutate func(u *models.User) error) (*models.UserChange, error)
}

// SendScheduler defers sends until after the triggering write has committed
type SendScheduler interface {
	Schedule(ctx context.Context, in SendEventInput) error
}

// CreateUserInput represents input for creating a user
type CreateUserInput struct {
	Email        string     `json:"email"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	Plan         types.Plan `json:"plan,omitempty"`
	TrialEndDate *time.Time `json:"trialEndDate,omitempty"`
}

// UserService owns every user write and fires the mutation hooks
type UserService struct {
	repo      UserRepository
	scheduler SendScheduler
	hooks     []Hook
	cache     DashboardInvalidator
	now       func() time.Time
	logger    *logging.Logger
}

// NewUserService creates a new user service wired to the standard hooks
func NewUserService(repo UserRepository, scheduler SendScheduler) *UserService {
	return &UserService{
		repo:      repo,
		scheduler: scheduler,
		hooks:     Hooks,
		now:       time.Now,
		logger:    logging.GetGlobalLogger().WithComponent("user_service"),
	}
}

// SetDashboardCache makes committed user writes drop cached funnel reads
func (s *UserService) SetDashboardCache(cache DashboardInvalidator) {
	s.cache = cache
}

// CreateUser inserts a user with default lifecycle fields. A taken email is
// rejected before anything is written.
func (s *UserService) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return nil, apperrors.NewInvalidParameterError("email", "email is required")
	}
	if !strings.Contains(email, "@") {
		return nil, apperrors.NewInvalidParameterError("email", "email is malformed")
	}

	existing, err := s.repo.GetByEmail(ctx, email)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.NewDuplicateEmailError(email)
	}

	plan := in.Plan
	if plan == "" {
		plan = types.PlanFree
	}

	user := &models.User{
		Email:               email,
		FirstName:           in.FirstName,
		LastName:            in.LastName,
		Plan:                plan,
		SubscriptionStatus:  types.SubscriptionActive,
		TrialEndDate:        in.TrialEndDate,
		LifecycleStage:      types.StageNew,
		OnboardingCompleted: false,
		CreatedAt:           s.now().UTC(),
	}
	// the unique index still catches a concurrent insert of the same email
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.afterCommit(ctx, &models.UserChange{
		Operation: models.ChangeInsert,
		UserID:    user.ID,
		New:       user.Clone(),
	})
	return user, nil
}

// UpdateSubscriptionStatus sets the billing status
func (s *UserService) UpdateSubscriptionStatus(ctx context.Context, id string, status types.SubscriptionStatus) (*models.User, error) {
	if strings.TrimSpace(string(status)) == "" {
		return nil, apperrors.NewInvalidParameterError("status", "status is required")
	}
	return s.update(ctx, id, func(u *models.User) error {
		u.SubscriptionStatus = status
		return nil
	})
}

// UpdatePlan sets the plan. Unknown plan names are stored as-is.
func (s *UserService) UpdatePlan(ctx context.Context, id string, plan types.Plan) (*models.User, error) {
	if strings.TrimSpace(string(plan)) == "" {
		return nil, apperrors.NewInvalidParameterError("plan", "plan is required")
	}
	return s.update(ctx, id, func(u *models.User) error {
		u.Plan = plan
		return nil
	})
}

// RecordActivity stamps lastActiveAt and marks the user active
func (s *UserService) RecordActivity(ctx context.Context, id string) (*models.User, error) {
	now := s.now().UTC()
	return s.update(ctx, id, func(u *models.User) error {
		u.LastActiveAt = &now
		u.LifecycleStage = types.StageActive
		return nil
	})
}

// CompleteOnboarding sets the onboarding flag and marks the user active
func (s *UserService) CompleteOnboarding(ctx context.Context, id string) (*models.User, error) {
	return s.update(ctx, id, func(u *models.User) error {
		u.OnboardingCompleted = true
		u.LifecycleStage = types.StageActive
		return nil
	})
}

// GetUser retrieves a user by ID
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.repo.GetByID(ctx, id)
}

// ListUsers returns all users, newest first
func (s *UserService) ListUsers(ctx context.Context) ([]*models.User, error) {
	users, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*models.User{}
	}
	return users, nil
}

func (s *UserService) update(ctx context.Context, id string, mutate func(u *models.User) error) (*models.User, error) {
	change, err := s.repo.Update(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, change)
	return change.New, nil
}

// afterCommit drops cached dashboard reads, then evaluates the hooks against a
// committed change and hands the resulting sends to the scheduler. Scheduling
// failures are logged only.
func (s *UserService) afterCommit(ctx context.Context, change *models.UserChange) {
	invalidateDashboard(ctx, s.cache, s.logger)
	for _, in := range EvaluateHooks(s.hooks, change, s.now()) {
		if err := s.scheduler.Schedule(ctx, in); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"event":   in.EventName,
				"user_id": change.UserID,
			}).WithError(err).Error("failed to schedule triggered email")
		}
	}
}
