package automation

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
	"github.com/hylla/boardsync/internal/telemetry"
)

// DefaultSweepInterval paces the scheduled-trigger sweep.
const DefaultSweepInterval = 30 * time.Second

// TriggerManual attributes a user-requested run; it never appears on a
// stored trigger.
const TriggerManual = domain.TriggerType("manual")

// EngineOptions configures the trigger engine.
type EngineOptions struct {
	View          View
	Mutator       Mutator
	Executor      Executor
	Ledger        *Ledger
	Logger        *log.Logger
	Clock         func() time.Time
	IDGen         func() string
	Metrics       *telemetry.Metrics
	SweepInterval time.Duration
}

// Engine drives rule execution from three paths: a periodic sweep over
// scheduled triggers, event-trigger matching on the mutation stream, and
// threshold checks after count-affecting mutations. Per rule it moves
// Idle -> Evaluating -> Executing -> Idle; a safeguard rejection is a
// skipped attempt that stays Idle. The pending guard is the only mutual
// exclusion point.
type Engine struct {
	view     View
	mutator  Mutator
	executor Executor
	ledger   *Ledger
	guard    *PendingGuard
	logger   *log.Logger
	clock    func() time.Time
	idGen    func() string
	metrics  *telemetry.Metrics
	sweep    time.Duration

	abortMu sync.Mutex
	abort   context.CancelFunc
}

// NewEngine constructs a new value for this package.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Engine{
		view:     opts.View,
		mutator:  opts.Mutator,
		executor: opts.Executor,
		ledger:   opts.Ledger,
		guard:    NewPendingGuard(),
		logger:   opts.Logger,
		clock:    opts.Clock,
		idGen:    opts.IDGen,
		metrics:  opts.Metrics,
		sweep:    opts.SweepInterval,
	}
}

// Run blocks, sweeping scheduled triggers until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepScheduled(ctx)
		}
	}
}

// SweepScheduled executes every enabled automatic rule whose next scheduled
// run is due, then recomputes the next run. Rules without a computed next
// run get one seeded without executing.
func (e *Engine) SweepScheduled(ctx context.Context) {
	now := e.clock()
	for _, rule := range e.view.AllRules() {
		if !rule.Enabled || rule.RunMode != domain.RunModeAutomatic {
			continue
		}
		trigger, ok := rule.ScheduledTrigger()
		if !ok {
			continue
		}
		if rule.NextScheduledRun == nil {
			e.seedNextRun(rule, trigger, now)
			continue
		}
		if rule.NextScheduledRun.After(now) {
			continue
		}
		e.Execute(ctx, rule.ID, domain.TriggerScheduled, nil)
	}
}

// HandleEvent feeds one applied mutation event through the event-trigger
// and threshold paths. Both local and remote events arrive here; origin
// does not matter for triggering, only for replication.
func (e *Engine) HandleEvent(ctx context.Context, event replica.Event, _ replica.Origin) {
	switch ev := event.(type) {
	case replica.CardCreated:
		e.matchEventTriggers(ctx, ev.Card.WorkspaceID, domain.EventCardCreatedIn, ev.Card.ColumnID, ev.Card.ID, ev.Card.CreatedByInstructionID)
		e.checkThresholds(ctx, ev.Card.WorkspaceID)
	case replica.CardMoved:
		e.matchEventTriggers(ctx, ev.WorkspaceID, domain.EventCardMovedTo, ev.ToColumnID, ev.CardID, "")
		e.checkThresholds(ctx, ev.WorkspaceID)
	case replica.CardUpdated:
		e.matchEventTriggers(ctx, ev.Card.WorkspaceID, domain.EventCardModified, ev.Card.ColumnID, ev.Card.ID, ev.Card.CreatedByInstructionID)
	case replica.CardDeleted:
		e.checkThresholds(ctx, ev.WorkspaceID)
	}
}

// RunNow executes one rule on explicit user request, bypassing triggers but
// not safeguards.
func (e *Engine) RunNow(ctx context.Context, ruleID string) {
	e.Execute(ctx, ruleID, TriggerManual, nil)
}

// CancelCurrent aborts the outstanding external call, when one is in
// flight. The guard is still released and tracking fields still updated by
// the execution path itself.
func (e *Engine) CancelCurrent() {
	e.abortMu.Lock()
	cancel := e.abort
	e.abortMu.Unlock()
	if cancel != nil {
		e.logger.Info("cancelling current rule execution")
		cancel()
	}
}

// matchEventTriggers executes every rule in the workspace with a matching
// event trigger on the affected column, once per rule per event.
func (e *Engine) matchEventTriggers(ctx context.Context, workspaceID string, eventType domain.EventTriggerType, columnID, cardID, eventCreatorRuleID string) {
	for _, rule := range e.view.RulesInWorkspace(workspaceID) {
		if !rule.Enabled || rule.RunMode != domain.RunModeAutomatic {
			continue
		}
		for _, trigger := range rule.Triggers {
			if trigger.Type != domain.TriggerEvent || trigger.EventType != eventType || trigger.ColumnID != columnID {
				continue
			}
			cardCreator := ""
			if card, ok := e.view.Card(cardID); ok {
				cardCreator = card.CreatedByInstructionID
			}
			e.Execute(ctx, rule.ID, domain.TriggerEvent, &EventContext{
				CardID:               cardID,
				CardCreatedByRuleID:  cardCreator,
				EventCreatedByRuleID: eventCreatorRuleID,
			})
			break
		}
	}
}

// checkThresholds executes rules whose threshold condition holds against the
// current card count. There is no debounce; a rapid sequence of qualifying
// mutations can fire repeatedly, bounded only by cooldown and daily cap.
func (e *Engine) checkThresholds(ctx context.Context, workspaceID string) {
	for _, rule := range e.view.RulesInWorkspace(workspaceID) {
		if !rule.Enabled || rule.RunMode != domain.RunModeAutomatic {
			continue
		}
		for _, trigger := range rule.Triggers {
			if trigger.Type != domain.TriggerThreshold {
				continue
			}
			count := e.view.CardCountInColumn(trigger.ColumnID)
			fires := false
			switch trigger.Operator {
			case domain.ThresholdAbove:
				fires = count > trigger.Bound
			case domain.ThresholdBelow:
				fires = count < trigger.Bound
			}
			if fires {
				e.Execute(ctx, rule.ID, domain.TriggerThreshold, nil)
				break
			}
		}
	}
}

// Execute runs one attempt for a rule: guard, safeguards, the external
// call, result application, ledger record, and the tracking update that
// runs on every outcome.
func (e *Engine) Execute(ctx context.Context, ruleID string, triggerType domain.TriggerType, eventCtx *EventContext) {
	rule, ok := e.view.Rule(ruleID)
	if !ok {
		return
	}
	if !e.guard.TryAcquire(rule.ID) {
		e.logger.Info("rule already executing, skipping", "rule_id", rule.ID, "trigger", triggerType)
		e.metrics.RuleExecution("already_running")
		return
	}
	defer e.guard.Release(rule.ID)

	check := Check(rule, triggerType, eventCtx, e.clock())
	if !check.CanExecute {
		e.logger.Info("rule execution skipped by safeguard",
			"rule_id", rule.ID, "trigger", triggerType, "reason", check.Reason)
		e.metrics.RuleExecution(string(check.Reason))
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	e.setAbort(cancel)
	defer func() {
		e.setAbort(nil)
		cancel()
	}()

	input := e.buildInput(rule, triggerType, eventCtx)
	result, err := e.executor.Execute(execCtx, input)

	status := domain.ExecutionSucceeded
	errText := ""
	switch {
	case err == nil && result.Error != "":
		status = domain.ExecutionFailed
		errText = result.Error
	case errors.Is(err, context.Canceled):
		status = domain.ExecutionCancelled
		errText = "cancelled"
	case err != nil:
		status = domain.ExecutionFailed
		errText = err.Error()
	}

	if status == domain.ExecutionSucceeded {
		changes := e.applyResult(rule, eventCtx, result)
		if e.ledger != nil {
			e.ledger.Record(rule.WorkspaceID, rule.ID, changes)
		}
		e.logger.Info("rule executed",
			"rule_id", rule.ID, "trigger", triggerType,
			"generated", len(result.Generated), "modified", len(result.Modified), "moved", len(result.Moved))
	} else {
		e.logger.Warn("rule execution did not complete",
			"rule_id", rule.ID, "trigger", triggerType, "status", status, "err", errText)
	}

	e.finishExecution(rule.ID, status, errText)
	e.metrics.RuleExecution(string(status))
}

// seedNextRun initializes NextScheduledRun for a rule that never had one.
func (e *Engine) seedNextRun(rule domain.InstructionRule, trigger domain.Trigger, now time.Time) {
	next, err := NextRun(trigger, now)
	if err != nil {
		e.logger.Warn("cannot compute next scheduled run", "rule_id", rule.ID, "err", err)
		return
	}
	rule.NextScheduledRun = &next
	rule.UpdatedAt = now.UTC()
	e.mutator.ApplyLocal(replica.RuleUpdated{Rule: rule})
}

// finishExecution folds the attempt into the rule's tracking fields and
// recomputes the scheduled next run; it runs for every outcome, so cooldown
// and the daily cap apply to failures and cancellations too.
func (e *Engine) finishExecution(ruleID string, status domain.ExecutionStatus, errText string) {
	rule, ok := e.view.Rule(ruleID)
	if !ok {
		return
	}
	now := e.clock()
	rule.RecordExecution(status, errText, now)
	if trigger, ok := rule.ScheduledTrigger(); ok {
		if next, err := NextRun(trigger, now); err == nil {
			rule.NextScheduledRun = &next
		}
	}
	e.mutator.ApplyLocal(replica.RuleUpdated{Rule: rule})
}

// buildInput snapshots the cards the collaborator may consider: the rule's
// target columns, or just the triggering card when no targets are set.
func (e *Engine) buildInput(rule domain.InstructionRule, triggerType domain.TriggerType, eventCtx *EventContext) ExecutionInput {
	input := ExecutionInput{Rule: rule, TriggerType: triggerType}
	if eventCtx != nil {
		input.TriggerCardID = eventCtx.CardID
	}
	seen := map[string]struct{}{}
	for _, columnID := range rule.TargetColumnIDs {
		for _, card := range e.view.CardsInColumn(columnID) {
			if _, dup := seen[card.ID]; dup {
				continue
			}
			seen[card.ID] = struct{}{}
			input.Cards = append(input.Cards, card)
		}
	}
	if len(input.Cards) == 0 && input.TriggerCardID != "" {
		if card, ok := e.view.Card(input.TriggerCardID); ok {
			input.Cards = append(input.Cards, card)
		}
	}
	return input
}

// applyResult pushes each collaborator change through the normal mutation
// path so it replicates like a user edit, collecting the reversible ones
// for the ledger.
func (e *Engine) applyResult(rule domain.InstructionRule, eventCtx *EventContext, result ExecutionResult) []domain.CardChange {
	now := e.clock()
	var changes []domain.CardChange

	for _, generated := range result.Generated {
		columnID := generated.ColumnID
		if columnID == "" && len(rule.TargetColumnIDs) > 0 {
			columnID = rule.TargetColumnIDs[0]
		}
		position := e.view.CardCountInColumn(columnID)
		card, err := domain.NewCard(e.idGen(), rule.WorkspaceID, columnID, generated.Title, position, now)
		if err != nil {
			e.logger.Warn("skipping malformed generated card", "rule_id", rule.ID, "err", err)
			continue
		}
		card.Description = generated.Description
		card.CreatedByInstructionID = rule.ID
		if len(generated.Properties) > 0 {
			card.Properties = generated.Properties
		}
		for _, text := range generated.Tasks {
			card.Tasks = append(card.Tasks, domain.Task{ID: e.idGen(), Text: text, CreatedAt: now.UTC()})
		}
		e.mutator.ApplyLocal(replica.CardCreated{Card: card})
	}

	for _, modified := range result.Modified {
		if eventCtx != nil && eventCtx.CardID != "" && modified.CardID != eventCtx.CardID {
			// Event-triggered modify actions constrain themselves to the
			// triggering card.
			continue
		}
		card, ok := e.view.Card(modified.CardID)
		if !ok {
			continue
		}
		if modified.Title != "" && modified.Title != card.Title {
			changes = append(changes, domain.CardChange{
				Kind:      domain.ChangeTitleChanged,
				CardID:    card.ID,
				PrevValue: card.Title,
				NewValue:  modified.Title,
			})
			updated := card
			updated.Title = modified.Title
			updated.UpdatedAt = now.UTC()
			e.mutator.ApplyLocal(replica.CardUpdated{Card: updated})
		}
		for _, text := range modified.AddTasks {
			task := domain.Task{ID: e.idGen(), Text: text, CreatedAt: now.UTC()}
			changes = append(changes, domain.CardChange{
				Kind:   domain.ChangeTaskAdded,
				CardID: card.ID,
				TaskID: task.ID,
			})
			e.mutator.ApplyLocal(replica.TaskAdded{WorkspaceID: card.WorkspaceID, CardID: card.ID, Task: task})
		}
		if modified.AddMessage != "" {
			message := domain.Message{ID: e.idGen(), AuthorID: rule.ID, Body: modified.AddMessage, CreatedAt: now.UTC()}
			changes = append(changes, domain.CardChange{
				Kind:      domain.ChangeMessageAdded,
				CardID:    card.ID,
				MessageID: message.ID,
			})
			e.mutator.ApplyLocal(replica.MessageAdded{WorkspaceID: card.WorkspaceID, CardID: card.ID, Message: message})
		}
		for key, value := range modified.SetProperties {
			prev, had := "", false
			if card.Properties != nil {
				prev, had = card.Properties[key]
			}
			changes = append(changes, domain.CardChange{
				Kind:        domain.ChangePropertySet,
				CardID:      card.ID,
				PropertyKey: key,
				PrevValue:   prev,
				NewValue:    value,
				HadPrev:     had,
			})
			e.mutator.ApplyLocal(replica.CardPropertySet{
				WorkspaceID: card.WorkspaceID, CardID: card.ID, Key: key, Value: value,
			})
		}
	}

	for _, move := range result.Moved {
		if eventCtx != nil && eventCtx.CardID != "" && move.CardID != eventCtx.CardID {
			continue
		}
		card, ok := e.view.Card(move.CardID)
		if !ok {
			continue
		}
		e.mutator.ApplyLocal(replica.CardMoved{
			WorkspaceID:  card.WorkspaceID,
			CardID:       card.ID,
			FromColumnID: card.ColumnID,
			ToColumnID:   move.ToColumnID,
			ToIndex:      move.ToIndex,
		})
	}

	return changes
}

// setAbort publishes the in-flight execution's cancel func.
func (e *Engine) setAbort(cancel context.CancelFunc) {
	e.abortMu.Lock()
	e.abort = cancel
	e.abortMu.Unlock()
}
