package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

const (
	// InactivityThreshold is how long a user may stay idle before a reminder
	InactivityThreshold = 7 * 24 * time.Hour
	// InactiveReminderCooldown is the minimum gap between two inactivity reminders
	InactiveReminderCooldown = 7 * 24 * time.Hour
	// TrialEndingWindow is how far ahead trial expiry is looked for
	TrialEndingWindow = 3 * 24 * time.Hour
	// OnboardingGrace is how long a new user has to finish onboarding
	OnboardingGrace = 3 * 24 * time.Hour

	day = 24 * time.Hour
)

// Job names a lifecycle scan
type Job string

const (
	JobInactive   Job = "inactive"
	JobTrial      Job = "trial"
	JobOnboarding Job = "onboarding"
)

// AllJobs lists the lifecycle scans
var AllJobs = []Job{JobInactive, JobTrial, JobOnboarding}

// ParseJob validates a job name
func ParseJob(name string) (Job, error) {
	for _, j := range AllJobs {
		if string(j) == name {
			return j, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle job %q", name)
}

// LifecycleRepository interface for the scan queries and reminder flags
type LifecycleRepository interface {
	FindInactiveCandidates(ctx context.Context, now time.Time) ([]*models.User, error)
	FindTrialEndingCandidates(ctx context.Context, now time.Time) ([]*models.User, error)
	FindOnboardingCandidates(ctx context.Context, now time.Time) ([]*models.User, error)
	MarkInactiveReminderSent(ctx context.Context, id string, at time.Time) error
	MarkTrialReminderSent(ctx context.Context, id string) error
	MarkOnboardingReminderSent(ctx context.Context, id string) error
}

// EventSender sends one event email and records it
type EventSender interface {
	SendEvent(ctx context.Context, in SendEventInput) *SendResult
}

// ScanResult summarises one lifecycle scan
type ScanResult struct {
	Job        Job           `json:"job"`
	Candidates int           `json:"candidates"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// IsInactiveCandidate reports whether u is due an inactivity reminder at now
func IsInactiveCandidate(u *models.User, now time.Time) bool {
	if u.LastActiveAt == nil {
		return false
	}
	if u.LastActiveAt.After(now.Add(-InactivityThreshold)) {
		return false
	}
	if u.LastInactiveReminderAt != nil && u.LastInactiveReminderAt.After(now.Add(-InactiveReminderCooldown)) {
		return false
	}
	return u.LifecycleStage != types.StageChurned && u.SubscriptionStatus != types.SubscriptionCancelled
}

// IsTrialEndingCandidate reports whether u's trial ends within the window
func IsTrialEndingCandidate(u *models.User, now time.Time) bool {
	if u.Plan != types.PlanTrial || u.TrialEndDate == nil || u.TrialEndingReminderSent {
		return false
	}
	return !u.TrialEndDate.Before(now) && !u.TrialEndDate.After(now.Add(TrialEndingWindow))
}

// IsOnboardingCandidate reports whether u has stalled in onboarding
func IsOnboardingCandidate(u *models.User, now time.Time) bool {
	if u.OnboardingCompleted || u.OnboardingReminderSent || u.CreatedAt.IsZero() {
		return false
	}
	return !u.CreatedAt.After(now.Add(-OnboardingGrace))
}

// LifecycleService runs the periodic lifecycle scans
type LifecycleService struct {
	repo   LifecycleRepository
	sender EventSender
	now    func() time.Time
	logger *logging.Logger
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(repo LifecycleRepository, sender EventSender) *LifecycleService {
	return &LifecycleService{
		repo:   repo,
		sender: sender,
		now:    time.Now,
		logger: logging.GetGlobalLogger().WithComponent("lifecycle"),
	}
}

// Run dispatches a scan by name
func (s *LifecycleService) Run(ctx context.Context, job Job) (*ScanResult, error) {
	switch job {
	case JobInactive:
		return s.RunInactiveCheck(ctx)
	case JobTrial:
		return s.RunTrialCheck(ctx)
	case JobOnboarding:
		return s.RunOnboardingCheck(ctx)
	}
	return nil, fmt.Errorf("unknown lifecycle job %q", job)
}

// RunInactiveCheck reminds users idle for a week and moves them to at_risk
func (s *LifecycleService) RunInactiveCheck(ctx context.Context) (*ScanResult, error) {
	return s.scan(ctx, scanPlan{
		job:       JobInactive,
		find:      s.repo.FindInactiveCandidates,
		predicate: IsInactiveCandidate,
		build: func(u *models.User, now time.Time) SendEventInput {
			return SendEventInput{
				Email:             u.Email,
				EventName:         types.EventInactiveReminder,
				UserID:            u.ID,
				ContactProperties: contactProperties("firstName", u.FirstName),
				EventProperties: map[string]interface{}{
					"lastActiveAt":    isoTime(*u.LastActiveAt),
					"daysSinceActive": floorDays(now.Sub(*u.LastActiveAt)),
				},
			}
		},
		mark: func(ctx context.Context, u *models.User, now time.Time) error {
			return s.repo.MarkInactiveReminderSent(ctx, u.ID, now)
		},
	})
}

// RunTrialCheck reminds trial users whose trial ends within three days
func (s *LifecycleService) RunTrialCheck(ctx context.Context) (*ScanResult, error) {
	return s.scan(ctx, scanPlan{
		job:       JobTrial,
		find:      s.repo.FindTrialEndingCandidates,
		predicate: IsTrialEndingCandidate,
		build: func(u *models.User, now time.Time) SendEventInput {
			return SendEventInput{
				Email:             u.Email,
				EventName:         types.EventTrialEnding,
				UserID:            u.ID,
				ContactProperties: contactProperties("firstName", u.FirstName),
				EventProperties: map[string]interface{}{
					"trialEndDate":  isoTime(*u.TrialEndDate),
					"daysRemaining": ceilDays(u.TrialEndDate.Sub(now)),
				},
			}
		},
		mark: func(ctx context.Context, u *models.User, _ time.Time) error {
			return s.repo.MarkTrialReminderSent(ctx, u.ID)
		},
	})
}

// RunOnboardingCheck nudges users who have not finished onboarding
func (s *LifecycleService) RunOnboardingCheck(ctx context.Context) (*ScanResult, error) {
	return s.scan(ctx, scanPlan{
		job:       JobOnboarding,
		find:      s.repo.FindOnboardingCandidates,
		predicate: IsOnboardingCandidate,
		build: func(u *models.User, now time.Time) SendEventInput {
			return SendEventInput{
				Email:             u.Email,
				EventName:         types.EventOnboardingIncomplete,
				UserID:            u.ID,
				ContactProperties: contactProperties("firstName", u.FirstName),
				EventProperties: map[string]interface{}{
					"createdAt":       isoTime(u.CreatedAt),
					"daysSinceSignup": floorDays(now.Sub(u.CreatedAt)),
				},
			}
		},
		mark: func(ctx context.Context, u *models.User, _ time.Time) error {
			return s.repo.MarkOnboardingReminderSent(ctx, u.ID)
		},
	})
}

type scanPlan struct {
	job       Job
	find      func(ctx context.Context, now time.Time) ([]*models.User, error)
	predicate func(u *models.User, now time.Time) bool
	build     func(u *models.User, now time.Time) SendEventInput
	mark      func(ctx context.Context, u *models.User, now time.Time) error
}

// scan narrows candidates in storage, re-checks each against the canonical
// predicate, sends, then sets the reminder flag whatever the send outcome.
func (s *LifecycleService) scan(ctx context.Context, p scanPlan) (*ScanResult, error) {
	start := time.Now()
	now := s.now().UTC()
	result := &ScanResult{Job: p.job, StartedAt: now}
	logger := s.logger.WithField("job", string(p.job))

	users, err := p.find(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s candidates: %w", p.job, err)
	}
	result.Candidates = len(users)

	for _, u := range users {
		if ctx.Err() != nil {
			logger.Warn("scan interrupted")
			break
		}
		if !p.predicate(u, now) {
			continue
		}

		sent := s.sender.SendEvent(ctx, p.build(u, now))
		result.Processed++

		failed := !sent.Success
		if err := p.mark(ctx, u, now); err != nil {
			logger.WithField("user_id", u.ID).WithError(err).Error("failed to mark reminder")
			failed = true
		}
		if failed {
			result.Failed++
		}
	}

	result.Duration = time.Since(start)
	logger.WithFields(map[string]interface{}{
		"candidates": result.Candidates,
		"processed":  result.Processed,
		"failed":     result.Failed,
	}).Info("lifecycle scan finished")
	return result, nil
}

func floorDays(d time.Duration) int {
	return int(math.Floor(float64(d) / float64(day)))
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}
