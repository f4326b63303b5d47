package replica

import (
	"testing"
	"time"

	"github.com/hylla/boardsync/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestWorkspace(id string) (domain.Workspace, error) {
	return domain.NewWorkspace(id, "u1", "Board "+id, testNow)
}

func seedBoard(t *testing.T) *State {
	t.Helper()
	state := NewState()
	w, err := newTestWorkspace("w1")
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}
	Apply(state, WorkspaceCreated{Workspace: w})

	for i, id := range []string{"col1", "col2"} {
		column, err := domain.NewColumn(id, "w1", "Column "+id, i, testNow)
		if err != nil {
			t.Fatalf("NewColumn() error = %v", err)
		}
		Apply(state, ColumnCreated{Column: column})
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		card, err := domain.NewCard(id, "w1", "col1", "Card "+id, i, testNow)
		if err != nil {
			t.Fatalf("NewCard() error = %v", err)
		}
		Apply(state, CardCreated{Card: card})
	}
	return state
}

func TestApplyUnknownKind(t *testing.T) {
	state := NewState()
	if Apply(state, fakeEvent{}) {
		t.Fatal("unknown kind must report false")
	}
}

type fakeEvent struct{}

func (fakeEvent) Kind() Kind   { return Kind("bogus") }
func (fakeEvent) Scope() Scope { return Scope{} }

func TestCreateIsIdempotent(t *testing.T) {
	state := seedBoard(t)

	// Replaying the same create must not disturb existing state.
	w := state.Workspaces["w1"]
	w.Name = "imposter"
	Apply(state, WorkspaceCreated{Workspace: w})
	if state.Workspaces["w1"].Name == "imposter" {
		t.Fatal("replayed create overwrote existing workspace")
	}

	card := state.Cards["c1"]
	card.Title = "imposter"
	Apply(state, CardCreated{Card: card})
	if state.Cards["c1"].Title == "imposter" {
		t.Fatal("replayed create overwrote existing card")
	}
	if len(state.Cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(state.Cards))
	}
}

func TestUpdateMissingEntityIsNoop(t *testing.T) {
	state := NewState()
	card, _ := domain.NewCard("ghost", "w1", "col1", "Ghost", 0, testNow)
	Apply(state, CardUpdated{Card: card})
	if len(state.Cards) != 0 {
		t.Fatal("update of a missing card must not create it")
	}
	Apply(state, CardDeleted{WorkspaceID: "w1", CardID: "ghost"})
	Apply(state, TaskAdded{WorkspaceID: "w1", CardID: "ghost", Task: domain.Task{ID: "t1", Text: "x"}})
	if len(state.Cards) != 0 {
		t.Fatal("events against missing entities must stay no-ops")
	}
}

func TestCardUpdatedPreservesPlacement(t *testing.T) {
	state := seedBoard(t)
	card := state.Cards["c2"]
	card.Title = "Renamed"
	card.ColumnID = "col2" // stale placement on the update event
	card.Position = 9
	Apply(state, CardUpdated{Card: card})

	got := state.Cards["c2"]
	if got.Title != "Renamed" {
		t.Fatalf("expected content replaced, got title %q", got.Title)
	}
	if got.ColumnID != "col1" || got.Position != 1 {
		t.Fatalf("placement must survive updates, got %s/%d", got.ColumnID, got.Position)
	}
}

func TestCardMovedShiftsAndRenumbers(t *testing.T) {
	state := seedBoard(t)
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c3", FromColumnID: "col1", ToColumnID: "col2", ToIndex: 0})

	if got := state.Cards["c3"].ColumnID; got != "col2" {
		t.Fatalf("expected c3 in col2, got %s", got)
	}
	left := state.CardsInColumn("col1")
	if len(left) != 2 || left[0].ID != "c1" || left[0].Position != 0 || left[1].Position != 1 {
		t.Fatalf("source column not renumbered: %+v", left)
	}

	// Out-of-range index clamps to the end.
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c1", FromColumnID: "col1", ToColumnID: "col2", ToIndex: 99})
	dest := state.CardsInColumn("col2")
	if len(dest) != 2 || dest[1].ID != "c1" {
		t.Fatalf("expected c1 appended to col2, got %+v", dest)
	}

	// Moving within a column repositions without duplication.
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c1", FromColumnID: "col2", ToColumnID: "col2", ToIndex: 0})
	dest = state.CardsInColumn("col2")
	if len(dest) != 2 || dest[0].ID != "c1" {
		t.Fatalf("expected c1 first in col2, got %+v", dest)
	}
}

func TestCardMovedForwardWithinColumn(t *testing.T) {
	state := seedBoard(t)

	// Moving forward past later cards must land on the requested index,
	// counted in the order with the moved card taken out.
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c1", FromColumnID: "col1", ToColumnID: "col1", ToIndex: 2})
	cards := state.CardsInColumn("col1")
	if len(cards) != 3 || cards[0].ID != "c2" || cards[1].ID != "c3" || cards[2].ID != "c1" {
		t.Fatalf("expected [c2 c3 c1], got %+v", cards)
	}
	for i, card := range cards {
		if card.Position != i {
			t.Fatalf("positions not dense: %s at %d", card.ID, card.Position)
		}
	}

	// A move to the middle from the front.
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c2", FromColumnID: "col1", ToColumnID: "col1", ToIndex: 1})
	cards = state.CardsInColumn("col1")
	if cards[0].ID != "c3" || cards[1].ID != "c2" || cards[2].ID != "c1" {
		t.Fatalf("expected [c3 c2 c1], got %+v", cards)
	}
}

func TestCardMovedMissingTargetColumn(t *testing.T) {
	state := seedBoard(t)
	Apply(state, CardMoved{WorkspaceID: "w1", CardID: "c1", FromColumnID: "col1", ToColumnID: "nope", ToIndex: 0})
	if got := state.Cards["c1"].ColumnID; got != "col1" {
		t.Fatalf("move to a missing column must be a no-op, card now in %s", got)
	}
}

func TestWorkspaceDeleteCascades(t *testing.T) {
	state := seedBoard(t)
	tag := domain.Tag{ID: "tag1", WorkspaceID: "w1", Name: "urgent", CreatedAt: testNow}
	Apply(state, TagCreated{Tag: tag})
	rule, err := domain.NewInstructionRule("r1", "w1", "triage", "sort", domain.ActionModify, testNow)
	if err != nil {
		t.Fatalf("NewInstructionRule() error = %v", err)
	}
	Apply(state, RuleCreated{Rule: rule})
	run, err := domain.NewInstructionRun("run1", "r1", []domain.CardChange{{Kind: domain.ChangeTitleChanged, CardID: "c1"}}, testNow)
	if err != nil {
		t.Fatalf("NewInstructionRun() error = %v", err)
	}
	Apply(state, RunSaved{WorkspaceID: "w1", Run: run})

	Apply(state, WorkspaceDeleted{WorkspaceID: "w1"})

	if len(state.Workspaces)+len(state.Columns)+len(state.Cards)+len(state.Tags)+len(state.Rules) != 0 {
		t.Fatal("workspace delete must cascade to all owned entities")
	}
	if len(state.Runs) != 0 {
		t.Fatal("workspace delete must drop run history")
	}
}

func TestColumnDeleteCascadesToCards(t *testing.T) {
	state := seedBoard(t)
	Apply(state, ColumnDeleted{WorkspaceID: "w1", ColumnID: "col1"})
	if len(state.Cards) != 0 {
		t.Fatalf("expected cards removed with their column, got %d", len(state.Cards))
	}
	if _, exists := state.Columns["col2"]; !exists {
		t.Fatal("unrelated column must survive")
	}
}

func TestTagDeleteDetachesFromCards(t *testing.T) {
	state := seedBoard(t)
	tag := domain.Tag{ID: "tag1", WorkspaceID: "w1", Name: "urgent", CreatedAt: testNow}
	Apply(state, TagCreated{Tag: tag})
	card := state.Cards["c1"]
	card.TagIDs = []string{"tag1", "tag2"}
	state.Cards["c1"] = card

	Apply(state, TagDeleted{WorkspaceID: "w1", TagID: "tag1"})

	got := state.Cards["c1"].TagIDs
	if len(got) != 1 || got[0] != "tag2" {
		t.Fatalf("expected tag detached, got %v", got)
	}
}

func TestTaskEvents(t *testing.T) {
	state := seedBoard(t)
	task := domain.Task{ID: "t1", Text: "write docs", CreatedAt: testNow}
	Apply(state, TaskAdded{WorkspaceID: "w1", CardID: "c1", Task: task})
	Apply(state, TaskAdded{WorkspaceID: "w1", CardID: "c1", Task: task})
	if got := len(state.Cards["c1"].Tasks); got != 1 {
		t.Fatalf("duplicate task add must be idempotent, got %d tasks", got)
	}

	task.Done = true
	Apply(state, TaskUpdated{WorkspaceID: "w1", CardID: "c1", Task: task})
	if !state.Cards["c1"].Tasks[0].Done {
		t.Fatal("expected task marked done")
	}

	Apply(state, TaskDeleted{WorkspaceID: "w1", CardID: "c1", TaskID: "t1"})
	Apply(state, TaskDeleted{WorkspaceID: "w1", CardID: "c1", TaskID: "t1"})
	if got := len(state.Cards["c1"].Tasks); got != 0 {
		t.Fatalf("expected no tasks, got %d", got)
	}
}

func TestPropertyEvents(t *testing.T) {
	state := seedBoard(t)
	Apply(state, CardPropertySet{WorkspaceID: "w1", CardID: "c1", Key: "status", Value: "red"})
	Apply(state, CardPropertySet{WorkspaceID: "w1", CardID: "c1", Key: "status", Value: "green"})
	if got := state.Cards["c1"].Properties["status"]; got != "green" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	Apply(state, CardPropertyRemoved{WorkspaceID: "w1", CardID: "c1", Key: "status"})
	Apply(state, CardPropertyRemoved{WorkspaceID: "w1", CardID: "c1", Key: "status"})
	if _, has := state.Cards["c1"].Properties["status"]; has {
		t.Fatal("expected property removed")
	}
}

func TestFolderEvents(t *testing.T) {
	state := seedBoard(t)
	folder, err := domain.NewFolder("f1", "u1", "Work", 0, testNow)
	if err != nil {
		t.Fatalf("NewFolder() error = %v", err)
	}
	Apply(state, FolderCreated{Folder: folder})
	w := state.Workspaces["w1"]
	w.FolderID = "f1"
	Apply(state, WorkspaceUpdated{Workspace: w})

	Apply(state, FolderDeleted{UserID: "u1", FolderID: "f1"})
	if got := state.Workspaces["w1"].FolderID; got != "" {
		t.Fatalf("expected workspace unfiled after folder delete, got %q", got)
	}
}

func TestRunSavedBoundAndUndo(t *testing.T) {
	state := seedBoard(t)
	rule, err := domain.NewInstructionRule("r1", "w1", "triage", "sort", domain.ActionModify, testNow)
	if err != nil {
		t.Fatalf("NewInstructionRule() error = %v", err)
	}
	Apply(state, RuleCreated{Rule: rule})

	for i := 0; i < domain.MaxRunsPerRule+3; i++ {
		run := domain.InstructionRun{
			ID:        "run" + string(rune('a'+i)),
			RuleID:    "r1",
			Timestamp: testNow.Add(time.Duration(i) * time.Minute),
			Changes:   []domain.CardChange{{Kind: domain.ChangeTitleChanged, CardID: "c1"}},
		}
		Apply(state, RunSaved{WorkspaceID: "w1", Run: run})
	}
	if got := len(state.Runs["r1"]); got != domain.MaxRunsPerRule {
		t.Fatalf("expected %d retained runs, got %d", domain.MaxRunsPerRule, got)
	}
	newestID := state.Runs["r1"][0].ID
	if newestID != "run"+string(rune('a'+domain.MaxRunsPerRule+2)) {
		t.Fatalf("expected newest run first, got %s", newestID)
	}

	Apply(state, RunUndone{WorkspaceID: "w1", RuleID: "r1", RunID: newestID})
	run, ok := state.FindRun(newestID)
	if !ok || !run.Undone {
		t.Fatalf("expected run marked undone, got %+v ok=%t", run, ok)
	}
}
