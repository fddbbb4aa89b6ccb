// Package types provides common type definitions for the lifecycle mailer.
package types

// LifecycleStage describes a user's engagement state
type LifecycleStage string

const (
	// StageNew is a freshly signed-up user
	StageNew LifecycleStage = "new"
	// StageOnboarding is a user working through onboarding
	StageOnboarding LifecycleStage = "onboarding"
	// StageActive is an engaged user
	StageActive LifecycleStage = "active"
	// StageAtRisk is a user who received an inactivity reminder
	StageAtRisk LifecycleStage = "at_risk"
	// StageChurned is a user who has left
	StageChurned LifecycleStage = "churned"
)

// AllStages lists lifecycle stages in funnel order
var AllStages = []LifecycleStage{StageNew, StageOnboarding, StageActive, StageAtRisk, StageChurned}

// EmailStatus represents the delivery state of a single email
type EmailStatus string

const (
	EmailStatusSent      EmailStatus = "sent"
	EmailStatusDelivered EmailStatus = "delivered"
	EmailStatusOpened    EmailStatus = "opened"
	EmailStatusClicked   EmailStatus = "clicked"
	EmailStatusBounced   EmailStatus = "bounced"
	EmailStatusFailed    EmailStatus = "failed"
)

// AllEmailStatuses lists every email status; each one has a daily counter
var AllEmailStatuses = []EmailStatus{
	EmailStatusSent,
	EmailStatusDelivered,
	EmailStatusOpened,
	EmailStatusClicked,
	EmailStatusBounced,
	EmailStatusFailed,
}

// IsValid reports whether s is a known email status
func (s EmailStatus) IsValid() bool {
	for _, known := range AllEmailStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// StatusRank orders delivery statuses so a late callback never moves a row
// backwards: sent < delivered, bounced < opened < clicked. Failed rows never
// reach a provider and rank lowest.
func StatusRank(s EmailStatus) int {
	switch s {
	case EmailStatusSent:
		return 0
	case EmailStatusDelivered, EmailStatusBounced:
		return 1
	case EmailStatusOpened:
		return 2
	case EmailStatusClicked:
		return 3
	default:
		return -1
	}
}

// SubscriptionStatus represents the billing state of a user
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
)

// Plan is a subscription plan name. Unknown names are stored as-is.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanTrial      Plan = "trial"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// planOrder is the upgrade ladder, lowest first
var planOrder = []Plan{PlanFree, PlanTrial, PlanPro, PlanEnterprise}

// PlanRank returns the position of a plan on the upgrade ladder.
// ok is false for plans outside the ladder.
func PlanRank(p Plan) (rank int, ok bool) {
	for i, known := range planOrder {
		if p == known {
			return i, true
		}
	}
	return -1, false
}

// Event names sent to the email provider
const (
	EventSignup                = "signup"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventPlanUpgraded          = "plan_upgraded"
	EventInactiveReminder      = "inactive_reminder"
	EventTrialEnding           = "trial_ending"
	EventOnboardingIncomplete  = "onboarding_incomplete"

	// TransactionalEventPrefix prefixes the event name of transactional sends
	TransactionalEventPrefix = "transactional:"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
