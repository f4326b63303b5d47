// Package automation evaluates instruction rules against the mutation
// stream and wall-clock schedules, executing them under cooldown, daily-cap,
// loop-prevention, and re-entrancy guarantees, and keeping a bounded
// execution ledger for undo.
package automation

import (
	"context"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
)

// View is a read-only window onto replica state. Implementations serialize
// access internally; every call returns a consistent copy.
type View interface {
	Rule(id string) (domain.InstructionRule, bool)
	AllRules() []domain.InstructionRule
	RulesInWorkspace(workspaceID string) []domain.InstructionRule
	Card(id string) (domain.Card, bool)
	CardsInColumn(columnID string) []domain.Card
	CardCountInColumn(columnID string) int
	Run(runID string) (domain.InstructionRun, bool)
}

// Mutator applies an event through the normal local mutation path, so rule
// effects replicate exactly like user edits.
type Mutator interface {
	ApplyLocal(event replica.Event)
}

// ExecutionInput is what the external rule-execution collaborator receives:
// the rule definition plus a snapshot of the relevant workspace cards. When
// an event trigger fired, TriggerCardID constrains modify/move actions to
// that card.
type ExecutionInput struct {
	Rule          domain.InstructionRule
	TriggerType   domain.TriggerType
	TriggerCardID string
	Cards         []domain.Card
}

// GeneratedCard describes one card the collaborator wants created.
type GeneratedCard struct {
	ColumnID    string            `json:"column_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tasks       []string          `json:"tasks,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// ModifiedCard describes requested changes to one existing card. Zero-value
// fields leave the card untouched.
type ModifiedCard struct {
	CardID        string            `json:"card_id"`
	Title         string            `json:"title,omitempty"`
	AddTasks      []string          `json:"add_tasks,omitempty"`
	AddMessage    string            `json:"add_message,omitempty"`
	SetProperties map[string]string `json:"set_properties,omitempty"`
}

// CardMove describes one requested card relocation.
type CardMove struct {
	CardID     string `json:"card_id"`
	ToColumnID string `json:"to_column_id"`
	ToIndex    int    `json:"to_index"`
}

// ExecutionResult is the collaborator's structured outcome.
type ExecutionResult struct {
	Action          domain.ActionType `json:"action"`
	TargetColumnIDs []string          `json:"target_column_ids,omitempty"`
	Generated       []GeneratedCard   `json:"generated_cards,omitempty"`
	Modified        []ModifiedCard    `json:"modified_cards,omitempty"`
	Moved           []CardMove        `json:"moved_cards,omitempty"`
	SkippedCardIDs  []string          `json:"skipped_card_ids,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Executor runs one instruction against a workspace snapshot. The call is
// opaque and may take a while; it must honor context cancellation.
type Executor interface {
	Execute(ctx context.Context, input ExecutionInput) (ExecutionResult, error)
}
