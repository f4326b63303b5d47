package automation

import (
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
)

// Ledger records each execution's reversible changes and performs bounded
// undo. Entries live in replica state (run save and run undo are ordinary
// replicated event kinds), so the ledger itself holds no data; it reads
// through the view and writes through the mutator.
type Ledger struct {
	view    View
	mutator Mutator
	idGen   func() string
	clock   func() time.Time
	logger  *log.Logger
}

// NewLedger constructs a new value for this package.
func NewLedger(view View, mutator Mutator, idGen func() string, clock func() time.Time, logger *log.Logger) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Ledger{view: view, mutator: mutator, idGen: idGen, clock: clock, logger: logger}
}

// Record saves one run for the given rule. Runs with no reversible changes
// are not recorded. Retention pruning happens in the reducer, so every
// replica bounds the ledger identically.
func (l *Ledger) Record(workspaceID, ruleID string, changes []domain.CardChange) (domain.InstructionRun, bool) {
	if len(changes) == 0 {
		return domain.InstructionRun{}, false
	}
	run, err := domain.NewInstructionRun(l.idGen(), ruleID, changes, l.clock())
	if err != nil {
		l.logger.Error("ledger record failed", "rule_id", ruleID, "err", err)
		return domain.InstructionRun{}, false
	}
	l.mutator.ApplyLocal(replica.RunSaved{WorkspaceID: workspaceID, Run: run})
	return run, true
}

// Undo reverses a run's changes in order and marks it undone. A missing or
// already-undone run is a no-op, so a second call for the same id changes
// nothing. Each reversal goes through the normal mutation path and
// replicates like any user edit.
func (l *Ledger) Undo(runID string) bool {
	run, ok := l.view.Run(runID)
	if !ok || run.Undone {
		return false
	}
	workspaceID := ""
	if rule, ok := l.view.Rule(run.RuleID); ok {
		workspaceID = rule.WorkspaceID
	}
	for _, change := range run.Changes {
		card, ok := l.view.Card(change.CardID)
		if !ok {
			// The card went away since the run; nothing left to reverse.
			continue
		}
		if workspaceID == "" {
			workspaceID = card.WorkspaceID
		}
		switch change.Kind {
		case domain.ChangeTaskAdded:
			l.mutator.ApplyLocal(replica.TaskDeleted{
				WorkspaceID: card.WorkspaceID,
				CardID:      card.ID,
				TaskID:      change.TaskID,
			})
		case domain.ChangeTitleChanged:
			restored := card
			restored.Title = change.PrevValue
			restored.UpdatedAt = l.clock().UTC()
			l.mutator.ApplyLocal(replica.CardUpdated{Card: restored})
		case domain.ChangePropertySet:
			if change.HadPrev {
				l.mutator.ApplyLocal(replica.CardPropertySet{
					WorkspaceID: card.WorkspaceID,
					CardID:      card.ID,
					Key:         change.PropertyKey,
					Value:       change.PrevValue,
				})
			} else {
				l.mutator.ApplyLocal(replica.CardPropertyRemoved{
					WorkspaceID: card.WorkspaceID,
					CardID:      card.ID,
					Key:         change.PropertyKey,
				})
			}
		case domain.ChangeMessageAdded:
			l.mutator.ApplyLocal(replica.MessageDeleted{
				WorkspaceID: card.WorkspaceID,
				CardID:      card.ID,
				MessageID:   change.MessageID,
			})
		}
	}
	l.mutator.ApplyLocal(replica.RunUndone{
		WorkspaceID: workspaceID,
		RuleID:      run.RuleID,
		RunID:       run.ID,
	})
	l.logger.Info("run undone", "run_id", run.ID, "rule_id", run.RuleID, "changes", len(run.Changes))
	return true
}
