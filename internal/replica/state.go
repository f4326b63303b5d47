package replica

import (
	"sort"

	"github.com/hylla/boardsync/internal/domain"
)

// State is one replica's in-memory copy of workspace data. It is plain data:
// the reducer mutates it, the session serializes access, and read paths go
// through the lookup helpers. Ordering inside a column is carried by card
// Position fields, renumbered on every structural change.
type State struct {
	Workspaces map[string]domain.Workspace
	Columns    map[string]domain.Column
	Cards      map[string]domain.Card
	Tags       map[string]domain.Tag
	Rules      map[string]domain.InstructionRule
	Folders    map[string]domain.Folder

	// Runs holds the execution ledger, most recent first, bounded per rule.
	Runs map[string][]domain.InstructionRun
}

// NewState constructs a new value for this package.
func NewState() *State {
	return &State{
		Workspaces: map[string]domain.Workspace{},
		Columns:    map[string]domain.Column{},
		Cards:      map[string]domain.Card{},
		Tags:       map[string]domain.Tag{},
		Rules:      map[string]domain.InstructionRule{},
		Folders:    map[string]domain.Folder{},
		Runs:       map[string][]domain.InstructionRun{},
	}
}

// CardsInColumn returns the column's cards ordered by position.
func (s *State) CardsInColumn(columnID string) []domain.Card {
	out := make([]domain.Card, 0, 8)
	for _, card := range s.Cards {
		if card.ColumnID == columnID {
			out = append(out, card)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CardCountInColumn returns the current card count for threshold checks.
func (s *State) CardCountInColumn(columnID string) int {
	count := 0
	for _, card := range s.Cards {
		if card.ColumnID == columnID {
			count++
		}
	}
	return count
}

// RulesInWorkspace returns the workspace's rules in stable id order.
func (s *State) RulesInWorkspace(workspaceID string) []domain.InstructionRule {
	out := make([]domain.InstructionRule, 0, 4)
	for _, rule := range s.Rules {
		if rule.WorkspaceID == workspaceID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindRun returns a ledger entry by run id.
func (s *State) FindRun(runID string) (domain.InstructionRun, bool) {
	for _, runs := range s.Runs {
		for _, run := range runs {
			if run.ID == runID {
				return run, true
			}
		}
	}
	return domain.InstructionRun{}, false
}

// CardCreatorRule returns the creator-rule reference stored on a card, or ""
// when the card is unknown or user-created.
func (s *State) CardCreatorRule(cardID string) string {
	card, ok := s.Cards[cardID]
	if !ok {
		return ""
	}
	return card.CreatedByInstructionID
}

// renumberColumn rewrites positions 0..n-1 for a column's cards, preserving
// current relative order.
func (s *State) renumberColumn(columnID string) {
	cards := s.CardsInColumn(columnID)
	for i, card := range cards {
		card.Position = i
		s.Cards[card.ID] = card
	}
}
