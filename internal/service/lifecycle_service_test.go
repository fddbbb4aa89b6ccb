package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scanNow = time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)

func newTestLifecycle(users ...*models.User) (*LifecycleService, *mockUserRepo, *mockProvider, *mockLogRepo) {
	repo := newMockUserRepo(users...)
	provider := &mockProvider{}
	logs := &mockLogRepo{}
	d := NewDispatcher(provider, logs, newMockStatsRepo())
	d.now = fixedClock(scanNow)

	svc := NewLifecycleService(repo, d)
	svc.now = fixedClock(scanNow)
	return svc, repo, provider, logs
}

func TestIsInactiveCandidate(t *testing.T) {
	weekAgo := scanNow.Add(-InactivityThreshold)

	tests := []struct {
		name string
		user models.User
		want bool
	}{
		{"never active", models.User{}, false},
		{"exactly seven days", models.User{LastActiveAt: timePtr(weekAgo)}, true},
		{"one second short", models.User{LastActiveAt: timePtr(weekAgo.Add(time.Second))}, false},
		{"recent reminder", models.User{LastActiveAt: timePtr(weekAgo), LastInactiveReminderAt: timePtr(scanNow.Add(-24 * time.Hour))}, false},
		{"reminder cooldown elapsed", models.User{LastActiveAt: timePtr(weekAgo), LastInactiveReminderAt: timePtr(weekAgo)}, true},
		{"churned", models.User{LastActiveAt: timePtr(weekAgo), LifecycleStage: types.StageChurned}, false},
		{"cancelled", models.User{LastActiveAt: timePtr(weekAgo), SubscriptionStatus: types.SubscriptionCancelled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			assert.Equal(t, tt.want, IsInactiveCandidate(&u, scanNow))
		})
	}
}

func TestIsTrialEndingCandidate(t *testing.T) {
	tests := []struct {
		name string
		user models.User
		want bool
	}{
		{"ends in two days", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(48 * time.Hour))}, true},
		{"ends exactly at window edge", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(TrialEndingWindow))}, true},
		{"ends after window", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(TrialEndingWindow + time.Second))}, false},
		{"already ended", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(-time.Second))}, false},
		{"ends now", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow)}, true},
		{"already reminded", models.User{Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(time.Hour)), TrialEndingReminderSent: true}, false},
		{"not on trial", models.User{Plan: types.PlanPro, TrialEndDate: timePtr(scanNow.Add(time.Hour))}, false},
		{"no end date", models.User{Plan: types.PlanTrial}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			assert.Equal(t, tt.want, IsTrialEndingCandidate(&u, scanNow))
		})
	}
}

func TestIsOnboardingCandidate(t *testing.T) {
	threeDaysAgo := scanNow.Add(-OnboardingGrace)

	assert.True(t, IsOnboardingCandidate(&models.User{CreatedAt: threeDaysAgo}, scanNow))
	assert.False(t, IsOnboardingCandidate(&models.User{CreatedAt: threeDaysAgo.Add(time.Minute)}, scanNow))
	assert.False(t, IsOnboardingCandidate(&models.User{CreatedAt: threeDaysAgo, OnboardingCompleted: true}, scanNow))
	assert.False(t, IsOnboardingCandidate(&models.User{CreatedAt: threeDaysAgo, OnboardingReminderSent: true}, scanNow))
}

func TestRunInactiveCheck(t *testing.T) {
	lastActive := scanNow.Add(-10*24*time.Hour - 5*time.Hour)
	svc, repo, provider, logs := newTestLifecycle(
		&models.User{ID: "a", Email: "a@example.com", FirstName: "Ada", LastActiveAt: &lastActive},
		&models.User{ID: "b", Email: "b@example.com", LastActiveAt: timePtr(scanNow.Add(-time.Hour))},
	)
	ctx := context.Background()

	res, err := svc.RunInactiveCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobInactive, res.Job)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Failed)

	require.Len(t, provider.events, 1)
	ev := provider.events[0]
	assert.Equal(t, types.EventInactiveReminder, ev.EventName)
	assert.Equal(t, 10, ev.EventProperties["daysSinceActive"])
	assert.Equal(t, isoTime(lastActive), ev.EventProperties["lastActiveAt"])
	assert.Equal(t, "Ada", ev.ContactProperties["firstName"])

	u, _ := repo.GetByID(ctx, "a")
	assert.Equal(t, types.StageAtRisk, u.LifecycleStage)
	require.NotNil(t, u.LastInactiveReminderAt)
	assert.Equal(t, scanNow, *u.LastInactiveReminderAt)
	require.Len(t, logs.rows, 1)

	// the cooldown keeps a second run quiet
	res, err = svc.RunInactiveCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestRunTrialCheck_DaysRemainingRoundsUp(t *testing.T) {
	svc, repo, provider, _ := newTestLifecycle(
		&models.User{ID: "t", Email: "t@example.com", Plan: types.PlanTrial, TrialEndDate: timePtr(scanNow.Add(25 * time.Hour))},
	)

	res, err := svc.RunTrialCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, provider.events[0].EventProperties["daysRemaining"])

	u, _ := repo.GetByID(context.Background(), "t")
	assert.True(t, u.TrialEndingReminderSent)
}

func TestRunOnboardingCheck_MarksEvenWhenSendFails(t *testing.T) {
	svc, repo, provider, logs := newTestLifecycle(
		&models.User{ID: "o", Email: "o@example.com", CreatedAt: scanNow.Add(-4 * 24 * time.Hour)},
	)
	provider.err = errors.New("connection refused")

	res, err := svc.RunOnboardingCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)

	u, _ := repo.GetByID(context.Background(), "o")
	assert.True(t, u.OnboardingReminderSent)
	require.Len(t, logs.rows, 1)
	assert.Equal(t, types.EmailStatusFailed, logs.rows[0].Status)
}

func TestRunContinuesPastMarkFailures(t *testing.T) {
	old := scanNow.Add(-5 * 24 * time.Hour)
	svc, repo, provider, _ := newTestLifecycle(
		&models.User{ID: "1", Email: "1@example.com", CreatedAt: old},
		&models.User{ID: "2", Email: "2@example.com", CreatedAt: old},
	)
	repo.markErr = errors.New("write conflict")

	res, err := svc.Run(context.Background(), JobOnboarding)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, provider.events, 2)

	_, err = svc.Run(context.Background(), Job("weekly"))
	assert.Error(t, err)
}

func TestParseJob(t *testing.T) {
	j, err := ParseJob("trial")
	require.NoError(t, err)
	assert.Equal(t, JobTrial, j)

	_, err = ParseJob("nope")
	assert.Error(t, err)
}

func TestInactivePredicateProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("idle for at least seven days with no recent reminder qualifies", prop.ForAll(
		func(idleMinutes int64) bool {
			lastActive := scanNow.Add(-time.Duration(idleMinutes) * time.Minute)
			u := &models.User{LastActiveAt: &lastActive}
			return IsInactiveCandidate(u, scanNow) == (time.Duration(idleMinutes)*time.Minute >= InactivityThreshold)
		},
		gen.Int64Range(0, 30*24*60),
	))

	properties.Property("a reminder inside the cooldown always suppresses", prop.ForAll(
		func(reminderMinutesAgo int64) bool {
			lastActive := scanNow.Add(-30 * 24 * time.Hour)
			reminded := scanNow.Add(-time.Duration(reminderMinutesAgo) * time.Minute)
			u := &models.User{LastActiveAt: &lastActive, LastInactiveReminderAt: &reminded}
			return !IsInactiveCandidate(u, scanNow)
		},
		gen.Int64Range(0, 7*24*60-1),
	))

	properties.Property("trial days remaining is never below one inside the window", prop.ForAll(
		func(minutesLeft int64) bool {
			end := scanNow.Add(time.Duration(minutesLeft) * time.Minute)
			return ceilDays(end.Sub(scanNow)) >= 1 && ceilDays(end.Sub(scanNow)) <= 3
		},
		gen.Int64Range(1, 3*24*60),
	))

	properties.TestingRun(t)
}
