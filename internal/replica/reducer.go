package replica

import "github.com/hylla/boardsync/internal/domain"

// Apply replays one event against replica state. It touches nothing but the
// passed state. A variant referencing a missing entity is a no-op, never an
// error; remote state may be stale relative to the event. Create-type
// variants are create-if-absent, which keeps replays and logically-duplicate
// creates from independent transports idempotent. Returns false when no
// handler covers the event's kind.
func Apply(state *State, event Event) bool {
	handler, ok := reducers[event.Kind()]
	if !ok {
		return false
	}
	handler(state, event)
	return true
}

// reducers holds one handler per event variant.
var reducers = map[Kind]func(*State, Event){
	KindWorkspaceCreated: func(s *State, e Event) {
		ev := e.(WorkspaceCreated)
		if _, exists := s.Workspaces[ev.Workspace.ID]; exists {
			return
		}
		s.Workspaces[ev.Workspace.ID] = ev.Workspace
	},
	KindWorkspaceUpdated: func(s *State, e Event) {
		ev := e.(WorkspaceUpdated)
		if _, exists := s.Workspaces[ev.Workspace.ID]; !exists {
			return
		}
		s.Workspaces[ev.Workspace.ID] = ev.Workspace
	},
	KindWorkspaceDeleted: func(s *State, e Event) {
		ev := e.(WorkspaceDeleted)
		if _, exists := s.Workspaces[ev.WorkspaceID]; !exists {
			return
		}
		delete(s.Workspaces, ev.WorkspaceID)
		for id, column := range s.Columns {
			if column.WorkspaceID == ev.WorkspaceID {
				delete(s.Columns, id)
			}
		}
		for id, card := range s.Cards {
			if card.WorkspaceID == ev.WorkspaceID {
				delete(s.Cards, id)
			}
		}
		for id, tag := range s.Tags {
			if tag.WorkspaceID == ev.WorkspaceID {
				delete(s.Tags, id)
			}
		}
		for id, rule := range s.Rules {
			if rule.WorkspaceID == ev.WorkspaceID {
				delete(s.Rules, id)
				delete(s.Runs, id)
			}
		}
	},

	KindColumnCreated: func(s *State, e Event) {
		ev := e.(ColumnCreated)
		if _, exists := s.Columns[ev.Column.ID]; exists {
			return
		}
		s.Columns[ev.Column.ID] = ev.Column
	},
	KindColumnUpdated: func(s *State, e Event) {
		ev := e.(ColumnUpdated)
		if _, exists := s.Columns[ev.Column.ID]; !exists {
			return
		}
		s.Columns[ev.Column.ID] = ev.Column
	},
	KindColumnDeleted: func(s *State, e Event) {
		ev := e.(ColumnDeleted)
		if _, exists := s.Columns[ev.ColumnID]; !exists {
			return
		}
		delete(s.Columns, ev.ColumnID)
		for id, card := range s.Cards {
			if card.ColumnID == ev.ColumnID {
				delete(s.Cards, id)
			}
		}
	},
	KindColumnsReordered: func(s *State, e Event) {
		ev := e.(ColumnsReordered)
		for position, id := range ev.OrderedIDs {
			column, exists := s.Columns[id]
			if !exists || column.WorkspaceID != ev.WorkspaceID {
				continue
			}
			column.Position = position
			s.Columns[id] = column
		}
	},

	KindCardCreated: func(s *State, e Event) {
		ev := e.(CardCreated)
		if _, exists := s.Cards[ev.Card.ID]; exists {
			return
		}
		s.Cards[ev.Card.ID] = ev.Card
		s.renumberColumn(ev.Card.ColumnID)
	},
	KindCardUpdated: func(s *State, e Event) {
		ev := e.(CardUpdated)
		current, exists := s.Cards[ev.Card.ID]
		if !exists {
			return
		}
		// Column membership and position are owned by move events; an update
		// replaces content fields only.
		next := ev.Card
		next.ColumnID = current.ColumnID
		next.Position = current.Position
		s.Cards[next.ID] = next
	},
	KindCardDeleted: func(s *State, e Event) {
		ev := e.(CardDeleted)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		delete(s.Cards, ev.CardID)
		s.renumberColumn(card.ColumnID)
	},
	KindCardMoved: func(s *State, e Event) {
		ev := e.(CardMoved)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		if _, exists := s.Columns[ev.ToColumnID]; !exists {
			return
		}
		from := card.ColumnID
		// Remove-then-insert: the destination order is built without the
		// moved card, the index clamped to it, and positions rewritten
		// densely around the insertion point. The store renumbers the same
		// way, so replayed state and a loaded snapshot agree.
		rest := make([]domain.Card, 0, 8)
		for _, other := range s.CardsInColumn(ev.ToColumnID) {
			if other.ID != card.ID {
				rest = append(rest, other)
			}
		}
		index := ev.ToIndex
		if index < 0 {
			index = 0
		}
		if index > len(rest) {
			index = len(rest)
		}
		for i, other := range rest {
			if i >= index {
				other.Position = i + 1
			} else {
				other.Position = i
			}
			s.Cards[other.ID] = other
		}
		card.ColumnID = ev.ToColumnID
		card.Position = index
		s.Cards[card.ID] = card
		if from != ev.ToColumnID {
			s.renumberColumn(from)
		}
	},

	KindTaskAdded: func(s *State, e Event) {
		ev := e.(TaskAdded)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		if _, found := card.FindTask(ev.Task.ID); found {
			return
		}
		card.Tasks = append(card.Tasks, ev.Task)
		s.Cards[card.ID] = card
	},
	KindTaskUpdated: func(s *State, e Event) {
		ev := e.(TaskUpdated)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		for i, task := range card.Tasks {
			if task.ID == ev.Task.ID {
				card.Tasks[i] = ev.Task
				s.Cards[card.ID] = card
				return
			}
		}
	},
	KindTaskDeleted: func(s *State, e Event) {
		ev := e.(TaskDeleted)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		for i, task := range card.Tasks {
			if task.ID == ev.TaskID {
				card.Tasks = append(card.Tasks[:i], card.Tasks[i+1:]...)
				s.Cards[card.ID] = card
				return
			}
		}
	},

	KindMessageAdded: func(s *State, e Event) {
		ev := e.(MessageAdded)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		for _, message := range card.Messages {
			if message.ID == ev.Message.ID {
				return
			}
		}
		card.Messages = append(card.Messages, ev.Message)
		s.Cards[card.ID] = card
	},
	KindMessageDeleted: func(s *State, e Event) {
		ev := e.(MessageDeleted)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		for i, message := range card.Messages {
			if message.ID == ev.MessageID {
				card.Messages = append(card.Messages[:i], card.Messages[i+1:]...)
				s.Cards[card.ID] = card
				return
			}
		}
	},

	KindTagCreated: func(s *State, e Event) {
		ev := e.(TagCreated)
		if _, exists := s.Tags[ev.Tag.ID]; exists {
			return
		}
		s.Tags[ev.Tag.ID] = ev.Tag
	},
	KindTagDeleted: func(s *State, e Event) {
		ev := e.(TagDeleted)
		if _, exists := s.Tags[ev.TagID]; !exists {
			return
		}
		delete(s.Tags, ev.TagID)
		for id, card := range s.Cards {
			changed := false
			kept := card.TagIDs[:0]
			for _, tagID := range card.TagIDs {
				if tagID == ev.TagID {
					changed = true
					continue
				}
				kept = append(kept, tagID)
			}
			if changed {
				card.TagIDs = kept
				s.Cards[id] = card
			}
		}
	},

	KindCardPropertySet: func(s *State, e Event) {
		ev := e.(CardPropertySet)
		card, exists := s.Cards[ev.CardID]
		if !exists {
			return
		}
		if card.Properties == nil {
			card.Properties = map[string]string{}
		}
		card.Properties[ev.Key] = ev.Value
		s.Cards[card.ID] = card
	},
	KindCardPropertyRemoved: func(s *State, e Event) {
		ev := e.(CardPropertyRemoved)
		card, exists := s.Cards[ev.CardID]
		if !exists || card.Properties == nil {
			return
		}
		if _, has := card.Properties[ev.Key]; !has {
			return
		}
		delete(card.Properties, ev.Key)
		s.Cards[card.ID] = card
	},

	KindRuleCreated: func(s *State, e Event) {
		ev := e.(RuleCreated)
		if _, exists := s.Rules[ev.Rule.ID]; exists {
			return
		}
		s.Rules[ev.Rule.ID] = ev.Rule
	},
	KindRuleUpdated: func(s *State, e Event) {
		ev := e.(RuleUpdated)
		if _, exists := s.Rules[ev.Rule.ID]; !exists {
			return
		}
		s.Rules[ev.Rule.ID] = ev.Rule
	},
	KindRuleDeleted: func(s *State, e Event) {
		ev := e.(RuleDeleted)
		if _, exists := s.Rules[ev.RuleID]; !exists {
			return
		}
		delete(s.Rules, ev.RuleID)
		delete(s.Runs, ev.RuleID)
	},

	KindFolderCreated: func(s *State, e Event) {
		ev := e.(FolderCreated)
		if _, exists := s.Folders[ev.Folder.ID]; exists {
			return
		}
		s.Folders[ev.Folder.ID] = ev.Folder
	},
	KindFolderUpdated: func(s *State, e Event) {
		ev := e.(FolderUpdated)
		if _, exists := s.Folders[ev.Folder.ID]; !exists {
			return
		}
		s.Folders[ev.Folder.ID] = ev.Folder
	},
	KindFolderDeleted: func(s *State, e Event) {
		ev := e.(FolderDeleted)
		if _, exists := s.Folders[ev.FolderID]; !exists {
			return
		}
		delete(s.Folders, ev.FolderID)
		for id, workspace := range s.Workspaces {
			if workspace.FolderID == ev.FolderID {
				workspace.FolderID = ""
				s.Workspaces[id] = workspace
			}
		}
	},
	KindFoldersReordered: func(s *State, e Event) {
		ev := e.(FoldersReordered)
		for position, id := range ev.OrderedIDs {
			folder, exists := s.Folders[id]
			if !exists || folder.UserID != ev.UserID {
				continue
			}
			folder.Position = position
			s.Folders[id] = folder
		}
	},

	KindRunSaved: func(s *State, e Event) {
		ev := e.(RunSaved)
		runs := s.Runs[ev.Run.RuleID]
		for _, run := range runs {
			if run.ID == ev.Run.ID {
				return
			}
		}
		runs = append([]domain.InstructionRun{ev.Run}, runs...)
		if len(runs) > domain.MaxRunsPerRule {
			runs = runs[:domain.MaxRunsPerRule]
		}
		s.Runs[ev.Run.RuleID] = runs
	},
	KindRunUndone: func(s *State, e Event) {
		ev := e.(RunUndone)
		runs := s.Runs[ev.RuleID]
		for i, run := range runs {
			if run.ID == ev.RunID {
				runs[i].Undone = true
				return
			}
		}
	},
}
