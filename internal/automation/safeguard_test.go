package automation

import (
	"testing"
	"time"

	"github.com/hylla/boardsync/internal/domain"
)

var checkNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func enabledRule(t *testing.T) domain.InstructionRule {
	t.Helper()
	rule, err := domain.NewInstructionRule("r1", "w1", "triage", "sort cards", domain.ActionModify, checkNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewInstructionRule() error = %v", err)
	}
	return rule
}

func TestCheckDisabledRule(t *testing.T) {
	rule := enabledRule(t)
	rule.Enabled = false
	result := Check(rule, domain.TriggerScheduled, nil, checkNow)
	if result.CanExecute || result.Reason != ReasonNotEnabled {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCheckCooldown(t *testing.T) {
	rule := enabledRule(t)
	last := checkNow.Add(-3 * time.Minute)
	rule.LastExecutedAt = &last

	result := Check(rule, domain.TriggerScheduled, nil, checkNow)
	if result.CanExecute || result.Reason != ReasonCooldownActive {
		t.Fatalf("expected cooldown rejection, got %+v", result)
	}
	if result.CooldownRemaining != 2*time.Minute {
		t.Fatalf("unexpected remaining %v", result.CooldownRemaining)
	}
}

func TestCheckCooldownBoundaryInclusive(t *testing.T) {
	rule := enabledRule(t)
	last := checkNow.Add(-time.Duration(domain.DefaultCooldownMinutes) * time.Minute)
	rule.LastExecutedAt = &last

	result := Check(rule, domain.TriggerScheduled, nil, checkNow)
	if !result.CanExecute {
		t.Fatalf("attempt exactly at the cooldown boundary must pass, got %+v", result)
	}
}

func TestCheckCooldownOverride(t *testing.T) {
	rule := enabledRule(t)
	one := 1
	rule.Safeguards.CooldownMinutes = &one
	last := checkNow.Add(-90 * time.Second)
	rule.LastExecutedAt = &last

	if result := Check(rule, domain.TriggerScheduled, nil, checkNow); !result.CanExecute {
		t.Fatalf("override cooldown of 1m should pass at 90s, got %+v", result)
	}
}

func TestCheckDailyCap(t *testing.T) {
	rule := enabledRule(t)
	rule.DailyExecutionCount = domain.DefaultDailyCap
	rule.DailyCountResetAt = checkNow.Add(-time.Hour)

	result := Check(rule, domain.TriggerScheduled, nil, checkNow)
	if result.CanExecute || result.Reason != ReasonDailyCapReached {
		t.Fatalf("expected cap rejection, got %+v", result)
	}
}

func TestCheckDailyCapResetsAcrossDays(t *testing.T) {
	rule := enabledRule(t)
	rule.DailyExecutionCount = domain.DefaultDailyCap
	rule.DailyCountResetAt = checkNow.Add(-26 * time.Hour)

	if result := Check(rule, domain.TriggerScheduled, nil, checkNow); !result.CanExecute {
		t.Fatalf("stale counter from a previous day must not block, got %+v", result)
	}
}

func TestCheckLoopPrevention(t *testing.T) {
	rule := enabledRule(t)

	result := Check(rule, domain.TriggerEvent, &EventContext{CardID: "c1", CardCreatedByRuleID: "r1"}, checkNow)
	if result.CanExecute || result.Reason != ReasonLoopPrevented {
		t.Fatalf("expected loop rejection via card provenance, got %+v", result)
	}

	result = Check(rule, domain.TriggerEvent, &EventContext{CardID: "c1", EventCreatedByRuleID: "r1"}, checkNow)
	if result.CanExecute || result.Reason != ReasonLoopPrevented {
		t.Fatalf("expected loop rejection via event provenance, got %+v", result)
	}

	// Cards created by a different rule do not trip prevention.
	result = Check(rule, domain.TriggerEvent, &EventContext{CardID: "c1", CardCreatedByRuleID: "r2"}, checkNow)
	if !result.CanExecute {
		t.Fatalf("other rule's card should pass, got %+v", result)
	}
}

func TestCheckLoopPreventionDisabled(t *testing.T) {
	rule := enabledRule(t)
	off := false
	rule.Safeguards.PreventLoops = &off

	result := Check(rule, domain.TriggerEvent, &EventContext{CardID: "c1", CardCreatedByRuleID: "r1"}, checkNow)
	if !result.CanExecute {
		t.Fatalf("loop prevention disabled must pass, got %+v", result)
	}
}

func TestCheckOrderCooldownBeforeCap(t *testing.T) {
	rule := enabledRule(t)
	last := checkNow.Add(-time.Minute)
	rule.LastExecutedAt = &last
	rule.DailyExecutionCount = domain.DefaultDailyCap
	rule.DailyCountResetAt = checkNow

	result := Check(rule, domain.TriggerScheduled, nil, checkNow)
	if result.Reason != ReasonCooldownActive {
		t.Fatalf("cooldown must be reported before the cap, got %+v", result)
	}
}
