package domain

import (
	"strings"
	"time"
)

// RunMode selects whether a rule fires on its own or only when asked.
type RunMode string

// RunMode values.
const (
	RunModeManual    RunMode = "manual"
	RunModeAutomatic RunMode = "automatic"
)

// ActionType classifies what a rule does when it executes.
type ActionType string

// ActionType values.
const (
	ActionGenerate  ActionType = "generate"
	ActionModify    ActionType = "modify"
	ActionMove      ActionType = "move"
	ActionMultiStep ActionType = "multi_step"
)

// TriggerType identifies the shape of a trigger.
type TriggerType string

// TriggerType values.
const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerThreshold TriggerType = "threshold"
)

// ScheduleInterval enumerates supported scheduled-trigger cadences.
type ScheduleInterval string

// ScheduleInterval values.
const (
	IntervalHourly      ScheduleInterval = "hourly"
	IntervalEvery4Hours ScheduleInterval = "every_4_hours"
	IntervalDaily       ScheduleInterval = "daily"
	IntervalWeekly      ScheduleInterval = "weekly"
)

// EventTriggerType enumerates card events a rule can match on.
type EventTriggerType string

// EventTriggerType values.
const (
	EventCardMovedTo   EventTriggerType = "card_moved_to"
	EventCardCreatedIn EventTriggerType = "card_created_in"
	EventCardModified  EventTriggerType = "card_modified"
)

// ThresholdOperator compares a column card count against a bound.
type ThresholdOperator string

// ThresholdOperator values.
const (
	ThresholdBelow ThresholdOperator = "below"
	ThresholdAbove ThresholdOperator = "above"
)

// Trigger is one of three shapes: scheduled, event, or threshold. Only the
// fields matching its Type are meaningful.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Scheduled.
	Interval     ScheduleInterval `json:"interval,omitempty"`
	SpecificTime string           `json:"specific_time,omitempty"` // "HH:MM", local to the replica
	DayOfWeek    *time.Weekday    `json:"day_of_week,omitempty"`

	// Event.
	EventType EventTriggerType `json:"event_type,omitempty"`

	// Event and threshold share a target column.
	ColumnID string `json:"column_id,omitempty"`

	// Threshold.
	Operator ThresholdOperator `json:"operator,omitempty"`
	Bound    int               `json:"bound,omitempty"`
}

// Validate reports whether the trigger's fields are coherent for its type.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerScheduled:
		switch t.Interval {
		case IntervalHourly, IntervalEvery4Hours, IntervalDaily, IntervalWeekly:
		default:
			return ErrInvalidTrigger
		}
	case TriggerEvent:
		switch t.EventType {
		case EventCardMovedTo, EventCardCreatedIn, EventCardModified:
		default:
			return ErrInvalidTrigger
		}
		if strings.TrimSpace(t.ColumnID) == "" {
			return ErrInvalidColumnID
		}
	case TriggerThreshold:
		switch t.Operator {
		case ThresholdBelow, ThresholdAbove:
		default:
			return ErrInvalidTrigger
		}
		if strings.TrimSpace(t.ColumnID) == "" {
			return ErrInvalidColumnID
		}
	default:
		return ErrInvalidTrigger
	}
	return nil
}

// Safeguard defaults applied when a rule does not override them.
const (
	DefaultCooldownMinutes = 5
	DefaultDailyCap        = 50
	DefaultPreventLoops    = true
)

// Safeguards carries per-rule overrides of the execution policy defaults.
// Nil fields fall back to the defaults; override wins per field.
type Safeguards struct {
	CooldownMinutes *int  `json:"cooldown_minutes,omitempty"`
	DailyCap        *int  `json:"daily_cap,omitempty"`
	PreventLoops    *bool `json:"prevent_loops,omitempty"`
}

// EffectiveSafeguards is the merged, fully resolved policy for one rule.
type EffectiveSafeguards struct {
	CooldownMinutes int
	DailyCap        int
	PreventLoops    bool
}

// Effective merges the overrides with package defaults.
func (s Safeguards) Effective() EffectiveSafeguards {
	out := EffectiveSafeguards{
		CooldownMinutes: DefaultCooldownMinutes,
		DailyCap:        DefaultDailyCap,
		PreventLoops:    DefaultPreventLoops,
	}
	if s.CooldownMinutes != nil {
		out.CooldownMinutes = *s.CooldownMinutes
	}
	if s.DailyCap != nil {
		out.DailyCap = *s.DailyCap
	}
	if s.PreventLoops != nil {
		out.PreventLoops = *s.PreventLoops
	}
	return out
}

// ExecutionStatus classifies one execution attempt.
type ExecutionStatus string

// ExecutionStatus values.
const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionSummary is one entry of a rule's bounded execution history.
type ExecutionSummary struct {
	Status     ExecutionStatus `json:"status"`
	ExecutedAt time.Time       `json:"executed_at"`
	Error      string          `json:"error,omitempty"`
}

// MaxExecutionHistory bounds a rule's retained execution summaries.
const MaxExecutionHistory = 10

// InstructionRule is a user-defined automation: an action, a target, a set
// of triggers, and safeguards, plus execution-tracking fields maintained by
// the trigger engine after every attempt.
type InstructionRule struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Name            string     `json:"name"`
	Instruction     string     `json:"instruction"`
	Enabled         bool       `json:"enabled"`
	RunMode         RunMode    `json:"run_mode"`
	Action          ActionType `json:"action"`
	TargetColumnIDs []string   `json:"target_column_ids,omitempty"`
	Triggers        []Trigger  `json:"triggers,omitempty"`
	Safeguards      Safeguards `json:"safeguards"`

	LastExecutedAt      *time.Time         `json:"last_executed_at,omitempty"`
	DailyExecutionCount int                `json:"daily_execution_count"`
	DailyCountResetAt   time.Time          `json:"daily_count_reset_at"`
	ExecutionHistory    []ExecutionSummary `json:"execution_history,omitempty"`
	NextScheduledRun    *time.Time         `json:"next_scheduled_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstructionRule constructs a new value for this package.
func NewInstructionRule(id, workspaceID, name, instruction string, action ActionType, now time.Time) (InstructionRule, error) {
	id = strings.TrimSpace(id)
	workspaceID = strings.TrimSpace(workspaceID)
	name = strings.TrimSpace(name)
	if id == "" || workspaceID == "" {
		return InstructionRule{}, ErrInvalidID
	}
	if name == "" {
		return InstructionRule{}, ErrInvalidName
	}
	return InstructionRule{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        name,
		Instruction: strings.TrimSpace(instruction),
		Enabled:     true,
		RunMode:     RunModeAutomatic,
		Action:      action,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// RecordExecution folds one attempt into the rule's tracking fields: last
// execution time, the calendar-day counter, and the bounded history. It runs
// for failed and cancelled attempts too, so cooldown and cap still apply.
func (r *InstructionRule) RecordExecution(status ExecutionStatus, errText string, now time.Time) {
	ts := now.UTC()
	r.LastExecutedAt = &ts
	if !SameCalendarDay(r.DailyCountResetAt, ts) {
		r.DailyExecutionCount = 0
		r.DailyCountResetAt = ts
	}
	r.DailyExecutionCount++
	r.ExecutionHistory = append([]ExecutionSummary{{
		Status:     status,
		ExecutedAt: ts,
		Error:      strings.TrimSpace(errText),
	}}, r.ExecutionHistory...)
	if len(r.ExecutionHistory) > MaxExecutionHistory {
		r.ExecutionHistory = r.ExecutionHistory[:MaxExecutionHistory]
	}
	r.UpdatedAt = ts
}

// ScheduledTrigger returns the rule's scheduled trigger, when it has one.
func (r *InstructionRule) ScheduledTrigger() (Trigger, bool) {
	for _, t := range r.Triggers {
		if t.Type == TriggerScheduled {
			return t, true
		}
	}
	return Trigger{}, false
}

// SameCalendarDay reports whether both times fall on the same UTC date.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
