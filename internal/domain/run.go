package domain

import (
	"strings"
	"time"
)

// ChangeKind identifies one reversible card change recorded by a rule execution.
type ChangeKind string

// ChangeKind values.
const (
	ChangeTaskAdded    ChangeKind = "task_added"
	ChangeTitleChanged ChangeKind = "title_changed"
	ChangePropertySet  ChangeKind = "property_set"
	ChangeMessageAdded ChangeKind = "message_added"
)

// CardChange records one atomic change with enough of the prior value to
// reverse it during undo.
type CardChange struct {
	Kind   ChangeKind `json:"kind"`
	CardID string     `json:"card_id"`

	// task_added / message_added.
	TaskID    string `json:"task_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// title_changed / property_set.
	PropertyKey string `json:"property_key,omitempty"`
	PrevValue   string `json:"prev_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	HadPrev     bool   `json:"had_prev,omitempty"`
}

// MaxRunsPerRule bounds the retained execution ledger per rule.
const MaxRunsPerRule = 10

// InstructionRun is the audit record of one rule execution's reversible
// effects, consumed by undo.
type InstructionRun struct {
	ID        string       `json:"id"`
	RuleID    string       `json:"rule_id"`
	Timestamp time.Time    `json:"timestamp"`
	Changes   []CardChange `json:"changes"`
	Undone    bool         `json:"undone"`
}

// NewInstructionRun constructs a new value for this package.
func NewInstructionRun(id, ruleID string, changes []CardChange, now time.Time) (InstructionRun, error) {
	id = strings.TrimSpace(id)
	ruleID = strings.TrimSpace(ruleID)
	if id == "" || ruleID == "" {
		return InstructionRun{}, ErrInvalidID
	}
	return InstructionRun{
		ID:        id,
		RuleID:    ruleID,
		Timestamp: now.UTC(),
		Changes:   changes,
	}, nil
}
