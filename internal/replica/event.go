// Package replica implements the local-first replication layer: the mutation
// event protocol, the pure reducer over replica state, the deduplication
// cache, the same-process broadcast bus, and the background sync queue.
package replica

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hylla/boardsync/internal/domain"
)

// Kind identifies one mutation event variant.
type Kind string

// Kind values, one per replicable operation.
const (
	KindWorkspaceCreated Kind = "workspace_created"
	KindWorkspaceUpdated Kind = "workspace_updated"
	KindWorkspaceDeleted Kind = "workspace_deleted"

	KindColumnCreated    Kind = "column_created"
	KindColumnUpdated    Kind = "column_updated"
	KindColumnDeleted    Kind = "column_deleted"
	KindColumnsReordered Kind = "columns_reordered"

	KindCardCreated Kind = "card_created"
	KindCardUpdated Kind = "card_updated"
	KindCardDeleted Kind = "card_deleted"
	KindCardMoved   Kind = "card_moved"

	KindTaskAdded   Kind = "task_added"
	KindTaskUpdated Kind = "task_updated"
	KindTaskDeleted Kind = "task_deleted"

	KindMessageAdded   Kind = "message_added"
	KindMessageDeleted Kind = "message_deleted"

	KindTagCreated Kind = "tag_created"
	KindTagDeleted Kind = "tag_deleted"

	KindCardPropertySet     Kind = "card_property_set"
	KindCardPropertyRemoved Kind = "card_property_removed"

	KindRuleCreated Kind = "rule_created"
	KindRuleUpdated Kind = "rule_updated"
	KindRuleDeleted Kind = "rule_deleted"

	KindFolderCreated    Kind = "folder_created"
	KindFolderUpdated    Kind = "folder_updated"
	KindFolderDeleted    Kind = "folder_deleted"
	KindFoldersReordered Kind = "folders_reordered"

	KindRunSaved  Kind = "run_saved"
	KindRunUndone Kind = "run_undone"
)

// Scope names the relay topic an event replicates on. Exactly one field is set.
type Scope struct {
	WorkspaceID string
	UserID      string
}

// Topic returns the relay topic name for this scope.
func (s Scope) Topic() string {
	if s.UserID != "" {
		return "user-" + s.UserID
	}
	return "channel-" + s.WorkspaceID
}

// Event is one self-contained replicable state change. Applying a variant
// never requires a secondary fetch; every field needed to replay the
// operation on an independent replica travels with it.
type Event interface {
	Kind() Kind
	Scope() Scope
}

// Origin records which side of the replication boundary produced an event.
type Origin string

// Origin values.
const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// WorkspaceCreated carries the full new workspace.
type WorkspaceCreated struct {
	Workspace domain.Workspace `json:"workspace"`
}

func (e WorkspaceCreated) Kind() Kind   { return KindWorkspaceCreated }
func (e WorkspaceCreated) Scope() Scope { return Scope{WorkspaceID: e.Workspace.ID} }

// WorkspaceUpdated carries the full replacement workspace; last writer wins.
type WorkspaceUpdated struct {
	Workspace domain.Workspace `json:"workspace"`
}

func (e WorkspaceUpdated) Kind() Kind   { return KindWorkspaceUpdated }
func (e WorkspaceUpdated) Scope() Scope { return Scope{WorkspaceID: e.Workspace.ID} }

// WorkspaceDeleted removes a workspace and everything under it.
type WorkspaceDeleted struct {
	WorkspaceID string `json:"workspace_id"`
}

func (e WorkspaceDeleted) Kind() Kind   { return KindWorkspaceDeleted }
func (e WorkspaceDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// ColumnCreated carries the full new column.
type ColumnCreated struct {
	Column domain.Column `json:"column"`
}

func (e ColumnCreated) Kind() Kind   { return KindColumnCreated }
func (e ColumnCreated) Scope() Scope { return Scope{WorkspaceID: e.Column.WorkspaceID} }

// ColumnUpdated carries the full replacement column.
type ColumnUpdated struct {
	Column domain.Column `json:"column"`
}

func (e ColumnUpdated) Kind() Kind   { return KindColumnUpdated }
func (e ColumnUpdated) Scope() Scope { return Scope{WorkspaceID: e.Column.WorkspaceID} }

// ColumnDeleted removes a column and its cards.
type ColumnDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	ColumnID    string `json:"column_id"`
}

func (e ColumnDeleted) Kind() Kind   { return KindColumnDeleted }
func (e ColumnDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// ColumnsReordered carries the complete new column ordering for a workspace.
type ColumnsReordered struct {
	WorkspaceID string   `json:"workspace_id"`
	OrderedIDs  []string `json:"ordered_ids"`
}

func (e ColumnsReordered) Kind() Kind   { return KindColumnsReordered }
func (e ColumnsReordered) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// CardCreated carries the full new card, including any creator-rule reference.
type CardCreated struct {
	Card domain.Card `json:"card"`
}

func (e CardCreated) Kind() Kind   { return KindCardCreated }
func (e CardCreated) Scope() Scope { return Scope{WorkspaceID: e.Card.WorkspaceID} }

// CardUpdated carries the full replacement card; last writer wins.
type CardUpdated struct {
	Card domain.Card `json:"card"`
}

func (e CardUpdated) Kind() Kind   { return KindCardUpdated }
func (e CardUpdated) Scope() Scope { return Scope{WorkspaceID: e.Card.WorkspaceID} }

// CardDeleted removes a card.
type CardDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	CardID      string `json:"card_id"`
}

func (e CardDeleted) Kind() Kind   { return KindCardDeleted }
func (e CardDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// CardMoved carries source column, destination column, and destination index,
// not just "moved".
type CardMoved struct {
	WorkspaceID  string `json:"workspace_id"`
	CardID       string `json:"card_id"`
	FromColumnID string `json:"from_column_id"`
	ToColumnID   string `json:"to_column_id"`
	ToIndex      int    `json:"to_index"`
}

func (e CardMoved) Kind() Kind   { return KindCardMoved }
func (e CardMoved) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// TaskAdded attaches a task to a card.
type TaskAdded struct {
	WorkspaceID string      `json:"workspace_id"`
	CardID      string      `json:"card_id"`
	Task        domain.Task `json:"task"`
}

func (e TaskAdded) Kind() Kind   { return KindTaskAdded }
func (e TaskAdded) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// TaskUpdated replaces a task on a card.
type TaskUpdated struct {
	WorkspaceID string      `json:"workspace_id"`
	CardID      string      `json:"card_id"`
	Task        domain.Task `json:"task"`
}

func (e TaskUpdated) Kind() Kind   { return KindTaskUpdated }
func (e TaskUpdated) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// TaskDeleted removes a task from a card.
type TaskDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	CardID      string `json:"card_id"`
	TaskID      string `json:"task_id"`
}

func (e TaskDeleted) Kind() Kind   { return KindTaskDeleted }
func (e TaskDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// MessageAdded attaches a message to a card.
type MessageAdded struct {
	WorkspaceID string         `json:"workspace_id"`
	CardID      string         `json:"card_id"`
	Message     domain.Message `json:"message"`
}

func (e MessageAdded) Kind() Kind   { return KindMessageAdded }
func (e MessageAdded) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// MessageDeleted removes a message from a card.
type MessageDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	CardID      string `json:"card_id"`
	MessageID   string `json:"message_id"`
}

func (e MessageDeleted) Kind() Kind   { return KindMessageDeleted }
func (e MessageDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// TagCreated carries the full new tag.
type TagCreated struct {
	Tag domain.Tag `json:"tag"`
}

func (e TagCreated) Kind() Kind   { return KindTagCreated }
func (e TagCreated) Scope() Scope { return Scope{WorkspaceID: e.Tag.WorkspaceID} }

// TagDeleted removes a workspace tag and detaches it from cards.
type TagDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	TagID       string `json:"tag_id"`
}

func (e TagDeleted) Kind() Kind   { return KindTagDeleted }
func (e TagDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// CardPropertySet writes one property key on a card.
type CardPropertySet struct {
	WorkspaceID string `json:"workspace_id"`
	CardID      string `json:"card_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
}

func (e CardPropertySet) Kind() Kind   { return KindCardPropertySet }
func (e CardPropertySet) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// CardPropertyRemoved deletes one property key from a card.
type CardPropertyRemoved struct {
	WorkspaceID string `json:"workspace_id"`
	CardID      string `json:"card_id"`
	Key         string `json:"key"`
}

func (e CardPropertyRemoved) Kind() Kind   { return KindCardPropertyRemoved }
func (e CardPropertyRemoved) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// RuleCreated carries the full new instruction rule.
type RuleCreated struct {
	Rule domain.InstructionRule `json:"rule"`
}

func (e RuleCreated) Kind() Kind   { return KindRuleCreated }
func (e RuleCreated) Scope() Scope { return Scope{WorkspaceID: e.Rule.WorkspaceID} }

// RuleUpdated carries the full replacement rule, including execution tracking.
type RuleUpdated struct {
	Rule domain.InstructionRule `json:"rule"`
}

func (e RuleUpdated) Kind() Kind   { return KindRuleUpdated }
func (e RuleUpdated) Scope() Scope { return Scope{WorkspaceID: e.Rule.WorkspaceID} }

// RuleDeleted removes an instruction rule.
type RuleDeleted struct {
	WorkspaceID string `json:"workspace_id"`
	RuleID      string `json:"rule_id"`
}

func (e RuleDeleted) Kind() Kind   { return KindRuleDeleted }
func (e RuleDeleted) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// FolderCreated carries the full new folder; folders replicate per user.
type FolderCreated struct {
	Folder domain.Folder `json:"folder"`
}

func (e FolderCreated) Kind() Kind   { return KindFolderCreated }
func (e FolderCreated) Scope() Scope { return Scope{UserID: e.Folder.UserID} }

// FolderUpdated carries the full replacement folder.
type FolderUpdated struct {
	Folder domain.Folder `json:"folder"`
}

func (e FolderUpdated) Kind() Kind   { return KindFolderUpdated }
func (e FolderUpdated) Scope() Scope { return Scope{UserID: e.Folder.UserID} }

// FolderDeleted removes a folder; contained workspaces become unfiled.
type FolderDeleted struct {
	UserID   string `json:"user_id"`
	FolderID string `json:"folder_id"`
}

func (e FolderDeleted) Kind() Kind   { return KindFolderDeleted }
func (e FolderDeleted) Scope() Scope { return Scope{UserID: e.UserID} }

// FoldersReordered carries the complete new folder ordering for a user.
type FoldersReordered struct {
	UserID     string   `json:"user_id"`
	OrderedIDs []string `json:"ordered_ids"`
}

func (e FoldersReordered) Kind() Kind   { return KindFoldersReordered }
func (e FoldersReordered) Scope() Scope { return Scope{UserID: e.UserID} }

// RunSaved replicates a new execution-ledger entry.
type RunSaved struct {
	WorkspaceID string                `json:"workspace_id"`
	Run         domain.InstructionRun `json:"run"`
}

func (e RunSaved) Kind() Kind   { return KindRunSaved }
func (e RunSaved) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// RunUndone replicates the undone flag on an existing ledger entry.
type RunUndone struct {
	WorkspaceID string `json:"workspace_id"`
	RuleID      string `json:"rule_id"`
	RunID       string `json:"run_id"`
}

func (e RunUndone) Kind() Kind   { return KindRunUndone }
func (e RunUndone) Scope() Scope { return Scope{WorkspaceID: e.WorkspaceID} }

// decodeAs unmarshals a wire payload into a value of the concrete variant.
func decodeAs[T Event](payload json.RawMessage) (Event, error) {
	var event T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// eventDecoders maps wire kinds to their concrete variants. Adding a kind
// means adding a decoder here and a handler in the reducer map; Apply refuses
// kinds with no handler, which keeps the union effectively closed.
var eventDecoders = map[Kind]func(json.RawMessage) (Event, error){
	KindWorkspaceCreated:    decodeAs[WorkspaceCreated],
	KindWorkspaceUpdated:    decodeAs[WorkspaceUpdated],
	KindWorkspaceDeleted:    decodeAs[WorkspaceDeleted],
	KindColumnCreated:       decodeAs[ColumnCreated],
	KindColumnUpdated:       decodeAs[ColumnUpdated],
	KindColumnDeleted:       decodeAs[ColumnDeleted],
	KindColumnsReordered:    decodeAs[ColumnsReordered],
	KindCardCreated:         decodeAs[CardCreated],
	KindCardUpdated:         decodeAs[CardUpdated],
	KindCardDeleted:         decodeAs[CardDeleted],
	KindCardMoved:           decodeAs[CardMoved],
	KindTaskAdded:           decodeAs[TaskAdded],
	KindTaskUpdated:         decodeAs[TaskUpdated],
	KindTaskDeleted:         decodeAs[TaskDeleted],
	KindMessageAdded:        decodeAs[MessageAdded],
	KindMessageDeleted:      decodeAs[MessageDeleted],
	KindTagCreated:          decodeAs[TagCreated],
	KindTagDeleted:          decodeAs[TagDeleted],
	KindCardPropertySet:     decodeAs[CardPropertySet],
	KindCardPropertyRemoved: decodeAs[CardPropertyRemoved],
	KindRuleCreated:         decodeAs[RuleCreated],
	KindRuleUpdated:         decodeAs[RuleUpdated],
	KindRuleDeleted:         decodeAs[RuleDeleted],
	KindFolderCreated:       decodeAs[FolderCreated],
	KindFolderUpdated:       decodeAs[FolderUpdated],
	KindFolderDeleted:       decodeAs[FolderDeleted],
	KindFoldersReordered:    decodeAs[FoldersReordered],
	KindRunSaved:            decodeAs[RunSaved],
	KindRunUndone:           decodeAs[RunUndone],
}

// Envelope wraps one event for transport. EventID is the sole deduplication
// key; SenderID survives for the process lifetime and lets subscribers skip
// their own publications.
type Envelope struct {
	Event     Event
	EventID   string
	SenderID  string
	Timestamp time.Time
}

// wireEnvelope matches the envelope wire shape.
type wireEnvelope struct {
	Event     wireEvent `json:"event"`
	EventID   string    `json:"eventId"`
	SenderID  string    `json:"senderId"`
	Timestamp int64     `json:"timestamp"`
}

// wireEvent tags the union payload with its kind.
type wireEvent struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope wire shape with a millisecond timestamp.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("envelope has no event")
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Event.Kind(), err)
	}
	return json.Marshal(wireEnvelope{
		Event:     wireEvent{Kind: e.Event.Kind(), Payload: payload},
		EventID:   e.EventID,
		SenderID:  e.SenderID,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes the tagged union via the kind registry.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	decode, ok := eventDecoders[wire.Event.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", wire.Event.Kind)
	}
	event, err := decode(wire.Event.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Event.Kind, err)
	}
	e.Event = event
	e.EventID = wire.EventID
	e.SenderID = wire.SenderID
	e.Timestamp = time.UnixMilli(wire.Timestamp).UTC()
	return nil
}
