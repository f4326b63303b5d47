package automation

import (
	"time"

	"github.com/hylla/boardsync/internal/domain"
)

// Reason is the machine-readable outcome of a safeguard rejection.
type Reason string

// Reason values.
const (
	ReasonNotEnabled      Reason = "not_enabled"
	ReasonCooldownActive  Reason = "cooldown_active"
	ReasonDailyCapReached Reason = "daily_cap_reached"
	ReasonLoopPrevented   Reason = "loop_prevented"
)

// EventContext carries the triggering card's provenance for loop
// prevention. EventCreatedByRuleID comes from the event payload itself,
// covering a card so new it is not yet queryable; CardCreatedByRuleID is the
// reference stored on the card in current state.
type EventContext struct {
	CardID               string
	CardCreatedByRuleID  string
	EventCreatedByRuleID string
}

// CheckResult reports whether a rule may execute and, when it may not, why.
type CheckResult struct {
	CanExecute        bool
	Reason            Reason
	CooldownRemaining time.Duration
}

// Check runs the safeguard policy for one rule in order, short-circuiting on
// the first failure: enabled, cooldown, daily cap, loop prevention. A
// rejection is a normal non-executing outcome, not an error. The cooldown
// boundary is inclusive: an attempt at exactly cooldownMinutes after the
// last execution passes.
func Check(rule domain.InstructionRule, _ domain.TriggerType, eventCtx *EventContext, now time.Time) CheckResult {
	if !rule.Enabled {
		return CheckResult{Reason: ReasonNotEnabled}
	}

	effective := rule.Safeguards.Effective()

	if rule.LastExecutedAt != nil && effective.CooldownMinutes > 0 {
		cooldown := time.Duration(effective.CooldownMinutes) * time.Minute
		elapsed := now.Sub(*rule.LastExecutedAt)
		if elapsed < cooldown {
			return CheckResult{
				Reason:            ReasonCooldownActive,
				CooldownRemaining: cooldown - elapsed,
			}
		}
	}

	count := rule.DailyExecutionCount
	if !domain.SameCalendarDay(rule.DailyCountResetAt, now) {
		count = 0
	}
	if effective.DailyCap > 0 && count >= effective.DailyCap {
		return CheckResult{Reason: ReasonDailyCapReached}
	}

	if effective.PreventLoops && eventCtx != nil {
		if eventCtx.CardCreatedByRuleID == rule.ID || eventCtx.EventCreatedByRuleID == rule.ID {
			return CheckResult{Reason: ReasonLoopPrevented}
		}
	}

	return CheckResult{CanExecute: true}
}
