// Package models provides data models for the lifecycle mailer.
package models

import (
	"time"

	"github.com/lifecycle-mailer/internal/types"
)

// User represents a customer tracked for lifecycle email
type User struct {
	ID        string `json:"id" db:"id"`
	Email     string `json:"email" db:"email"`
	FirstName string `json:"firstName,omitempty" db:"first_name"`
	LastName  string `json:"lastName,omitempty" db:"last_name"`

	Plan               types.Plan               `json:"plan,omitempty" db:"plan"`
	SubscriptionStatus types.SubscriptionStatus `json:"subscriptionStatus,omitempty" db:"subscription_status"`
	TrialEndDate       *time.Time               `json:"trialEndDate,omitempty" db:"trial_end_date"`

	LastActiveAt        *time.Time           `json:"lastActiveAt,omitempty" db:"last_active_at"`
	OnboardingCompleted bool                 `json:"onboardingCompleted" db:"onboarding_completed"`
	LifecycleStage      types.LifecycleStage `json:"lifecycleStage,omitempty" db:"lifecycle_stage"`

	// Reminder cooldowns
	LastInactiveReminderAt  *time.Time `json:"lastInactiveReminderAt,omitempty" db:"last_inactive_reminder_at"`
	TrialEndingReminderSent bool       `json:"trialEndingReminderSent" db:"trial_ending_reminder_sent"`
	OnboardingReminderSent  bool       `json:"onboardingReminderSent" db:"onboarding_reminder_sent"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Clone returns a copy of the user that shares no pointers with u
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.TrialEndDate = cloneTime(u.TrialEndDate)
	c.LastActiveAt = cloneTime(u.LastActiveAt)
	c.LastInactiveReminderAt = cloneTime(u.LastInactiveReminderAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ChangeOperation identifies the kind of user write
type ChangeOperation string

const (
	ChangeInsert ChangeOperation = "insert"
	ChangeUpdate ChangeOperation = "update"
)

// UserChange is the before/after view of one committed user write.
// Old is nil for inserts.
type UserChange struct {
	Operation ChangeOperation
	UserID    string
	Old       *User
	New       *User
}
