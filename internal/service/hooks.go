package service

import (
	"time"

	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/types"
)

// Hook inspects one committed user write and returns the emails it triggers.
// Hooks are pure: no I/O, no clock reads beyond the supplied now.
type Hook func(change *models.UserChange, now time.Time) []SendEventInput

// Hooks is the fixed, ordered set of mutation triggers
var Hooks = []Hook{
	SignupHook,
	CancellationHook,
	UpgradeHook,
}

// EvaluateHooks runs every hook against change in order
func EvaluateHooks(hooks []Hook, change *models.UserChange, now time.Time) []SendEventInput {
	if change == nil || change.New == nil {
		return nil
	}
	var sends []SendEventInput
	for _, h := range hooks {
		sends = append(sends, h(change, now)...)
	}
	return sends
}

// SignupHook fires once for every inserted user
func SignupHook(change *models.UserChange, now time.Time) []SendEventInput {
	if change.Operation != models.ChangeInsert {
		return nil
	}
	u := change.New

	plan := u.Plan
	if plan == "" {
		plan = types.PlanFree
	}

	return []SendEventInput{{
		Email:     u.Email,
		EventName: types.EventSignup,
		UserID:    u.ID,
		ContactProperties: contactProperties(
			"firstName", u.FirstName,
			"lastName", u.LastName,
		),
		EventProperties: map[string]interface{}{
			"plan":   string(plan),
			"source": "app",
		},
	}}
}

// CancellationHook fires on the transition into the cancelled status.
// Writes that keep an already cancelled status do not fire.
func CancellationHook(change *models.UserChange, now time.Time) []SendEventInput {
	if change.Operation != models.ChangeUpdate || change.Old == nil {
		return nil
	}
	if change.Old.SubscriptionStatus == types.SubscriptionCancelled ||
		change.New.SubscriptionStatus != types.SubscriptionCancelled {
		return nil
	}
	u := change.New

	return []SendEventInput{{
		Email:             u.Email,
		EventName:         types.EventSubscriptionCancelled,
		UserID:            u.ID,
		ContactProperties: contactProperties("firstName", u.FirstName),
		EventProperties: map[string]interface{}{
			"previousPlan": string(change.Old.Plan),
			"cancelledAt":  isoTime(now),
		},
	}}
}

// UpgradeHook fires when the plan moves strictly up the ladder
// free < trial < pro < enterprise. Unknown plans never fire.
func UpgradeHook(change *models.UserChange, now time.Time) []SendEventInput {
	if change.Operation != models.ChangeUpdate || change.Old == nil {
		return nil
	}
	oldPlan, newPlan := planOrFree(change.Old.Plan), planOrFree(change.New.Plan)
	if !IsUpgrade(oldPlan, newPlan) {
		return nil
	}
	u := change.New

	return []SendEventInput{{
		Email:     u.Email,
		EventName: types.EventPlanUpgraded,
		UserID:    u.ID,
		ContactProperties: contactProperties(
			"firstName", u.FirstName,
			"plan", string(newPlan),
		),
		EventProperties: map[string]interface{}{
			"oldPlan":    string(oldPlan),
			"newPlan":    string(newPlan),
			"upgradedAt": isoTime(now),
		},
	}}
}

// IsUpgrade reports whether to ranks strictly above from. Both plans must be
// on the ladder.
func IsUpgrade(from, to types.Plan) bool {
	fromRank, ok := types.PlanRank(from)
	if !ok {
		return false
	}
	toRank, ok := types.PlanRank(to)
	if !ok {
		return false
	}
	return toRank > fromRank
}

func planOrFree(p types.Plan) types.Plan {
	if p == "" {
		return types.PlanFree
	}
	return p
}

// contactProperties builds a property map from key/value pairs, dropping
// empty values so the provider keeps what it already has.
func contactProperties(kv ...string) map[string]interface{} {
	props := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			props[kv[i]] = kv[i+1]
		}
	}
	return props
}
