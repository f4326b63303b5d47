// Package sqlite persists the replica to a local database so a device can
// restore its boards between launches. Writes arrive event by event from
// the background sync queue and are idempotent on client-generated ids.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Store is the sqlite-backed event sink and snapshot source.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database file and runs migrations. Foreign keys
// are enabled through the DSN so every pooled connection gets them.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenInMemory opens an in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open(driverName, "file::memory:?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// A second connection to :memory: would see a different database.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			folder_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS columns_v1 (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			column_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tag_ids_json TEXT NOT NULL DEFAULT '[]',
			properties_json TEXT NOT NULL DEFAULT '{}',
			tasks_json TEXT NOT NULL DEFAULT '[]',
			messages_json TEXT NOT NULL DEFAULT '[]',
			created_by_instruction_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY(workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS instruction_rules (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			instruction TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			run_mode TEXT NOT NULL,
			action TEXT NOT NULL,
			target_column_ids_json TEXT NOT NULL DEFAULT '[]',
			triggers_json TEXT NOT NULL DEFAULT '[]',
			safeguards_json TEXT NOT NULL DEFAULT '{}',
			last_executed_at TEXT,
			daily_execution_count INTEGER NOT NULL DEFAULT 0,
			daily_count_reset_at TEXT NOT NULL DEFAULT '',
			execution_history_json TEXT NOT NULL DEFAULT '[]',
			next_scheduled_run TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS instruction_runs (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			executed_at TEXT NOT NULL,
			changes_json TEXT NOT NULL DEFAULT '[]',
			undone INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_columns_workspace_position ON columns_v1(workspace_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_column_position ON cards(column_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_rules_workspace ON instruction_rules(workspace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_rule_executed_at ON instruction_runs(rule_id, executed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_folders_user_position ON folders(user_id, position);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// ApplyEvent writes one replicated mutation to disk. Every branch is
// idempotent so a retried event leaves the same rows behind.
func (s *Store) ApplyEvent(ctx context.Context, event replica.Event) error {
	switch ev := event.(type) {
	case replica.WorkspaceCreated:
		return s.upsertWorkspace(ctx, ev.Workspace)
	case replica.WorkspaceUpdated:
		return s.upsertWorkspace(ctx, ev.Workspace)
	case replica.WorkspaceDeleted:
		_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, ev.WorkspaceID)
		return err
	case replica.ColumnCreated:
		return s.upsertColumn(ctx, ev.Column)
	case replica.ColumnUpdated:
		return s.upsertColumn(ctx, ev.Column)
	case replica.ColumnDeleted:
		return s.execAll(ctx,
			stmt{`DELETE FROM cards WHERE column_id = ?`, []any{ev.ColumnID}},
			stmt{`DELETE FROM columns_v1 WHERE id = ?`, []any{ev.ColumnID}},
		)
	case replica.ColumnsReordered:
		return s.reorder(ctx, `UPDATE columns_v1 SET position = ? WHERE id = ?`, ev.OrderedIDs)
	case replica.CardCreated:
		return s.upsertCard(ctx, ev.Card)
	case replica.CardUpdated:
		return s.updateCardContent(ctx, ev.Card)
	case replica.CardDeleted:
		_, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, ev.CardID)
		return err
	case replica.CardMoved:
		return s.moveCard(ctx, ev)
	case replica.TaskAdded:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			if _, ok := card.FindTask(ev.Task.ID); !ok {
				card.Tasks = append(card.Tasks, ev.Task)
			}
		})
	case replica.TaskUpdated:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			for i := range card.Tasks {
				if card.Tasks[i].ID == ev.Task.ID {
					card.Tasks[i] = ev.Task
					return
				}
			}
		})
	case replica.TaskDeleted:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			card.RemoveTask(ev.TaskID, time.Now())
		})
	case replica.MessageAdded:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			for _, m := range card.Messages {
				if m.ID == ev.Message.ID {
					return
				}
			}
			card.Messages = append(card.Messages, ev.Message)
		})
	case replica.MessageDeleted:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			card.RemoveMessage(ev.MessageID, time.Now())
		})
	case replica.TagCreated:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tags(id, workspace_id, name, color, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color
		`, ev.Tag.ID, ev.Tag.WorkspaceID, ev.Tag.Name, ev.Tag.Color, ts(ev.Tag.CreatedAt))
		return err
	case replica.TagDeleted:
		return s.deleteTag(ctx, ev.WorkspaceID, ev.TagID)
	case replica.CardPropertySet:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			card.SetProperty(ev.Key, ev.Value, time.Now())
		})
	case replica.CardPropertyRemoved:
		return s.mutateCard(ctx, ev.CardID, func(card *domain.Card) {
			card.RemoveProperty(ev.Key, time.Now())
		})
	case replica.RuleCreated:
		return s.upsertRule(ctx, ev.Rule)
	case replica.RuleUpdated:
		return s.upsertRule(ctx, ev.Rule)
	case replica.RuleDeleted:
		return s.execAll(ctx,
			stmt{`DELETE FROM instruction_runs WHERE rule_id = ?`, []any{ev.RuleID}},
			stmt{`DELETE FROM instruction_rules WHERE id = ?`, []any{ev.RuleID}},
		)
	case replica.FolderCreated:
		return s.upsertFolder(ctx, ev.Folder)
	case replica.FolderUpdated:
		return s.upsertFolder(ctx, ev.Folder)
	case replica.FolderDeleted:
		return s.execAll(ctx,
			stmt{`UPDATE workspaces SET folder_id = '' WHERE folder_id = ?`, []any{ev.FolderID}},
			stmt{`DELETE FROM folders WHERE id = ?`, []any{ev.FolderID}},
		)
	case replica.FoldersReordered:
		return s.reorder(ctx, `UPDATE folders SET position = ? WHERE id = ?`, ev.OrderedIDs)
	case replica.RunSaved:
		return s.saveRun(ctx, ev.WorkspaceID, ev.Run)
	case replica.RunUndone:
		_, err := s.db.ExecContext(ctx, `UPDATE instruction_runs SET undone = 1 WHERE id = ?`, ev.RunID)
		return err
	default:
		return fmt.Errorf("unsupported event kind %q", event.Kind())
	}
}

type stmt struct {
	query string
	args  []any
}

func (s *Store) execAll(ctx context.Context, stmts ...stmt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) upsertWorkspace(ctx context.Context, w domain.Workspace) error {
	metaJSON, err := json.Marshal(orEmptyMap(w.Metadata))
	if err != nil {
		return fmt.Errorf("encode workspace metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces(id, owner_id, folder_id, name, description, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			folder_id = excluded.folder_id,
			name = excluded.name,
			description = excluded.description,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, w.ID, w.OwnerID, w.FolderID, w.Name, w.Description, string(metaJSON), ts(w.CreatedAt), ts(w.UpdatedAt))
	return err
}

func (s *Store) upsertColumn(ctx context.Context, c domain.Column) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO columns_v1(id, workspace_id, name, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, c.ID, c.WorkspaceID, c.Name, c.Position, ts(c.CreatedAt), ts(c.UpdatedAt))
	return err
}

func (s *Store) upsertCard(ctx context.Context, c domain.Card) error {
	encoded, err := encodeCard(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cards(
			id, workspace_id, column_id, position, title, description,
			tag_ids_json, properties_json, tasks_json, messages_json,
			created_by_instruction_id, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			tag_ids_json = excluded.tag_ids_json,
			properties_json = excluded.properties_json,
			tasks_json = excluded.tasks_json,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at
	`, c.ID, c.WorkspaceID, c.ColumnID, c.Position, c.Title, c.Description,
		encoded.tagIDs, encoded.properties, encoded.tasks, encoded.messages,
		c.CreatedByInstructionID, ts(c.CreatedAt), ts(c.UpdatedAt))
	return err
}

// updateCardContent writes everything but placement; move events own
// column_id and position.
func (s *Store) updateCardContent(ctx context.Context, c domain.Card) error {
	encoded, err := encodeCard(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE cards
		SET title = ?, description = ?, tag_ids_json = ?, properties_json = ?,
			tasks_json = ?, messages_json = ?, updated_at = ?
		WHERE id = ?
	`, c.Title, c.Description, encoded.tagIDs, encoded.properties,
		encoded.tasks, encoded.messages, ts(c.UpdatedAt), c.ID)
	return err
}

func (s *Store) moveCard(ctx context.Context, ev replica.CardMoved) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cards SET column_id = ?, position = ? WHERE id = ?
	`, ev.ToColumnID, ev.ToIndex, ev.CardID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, columnID := range []string{ev.FromColumnID, ev.ToColumnID} {
		if err := renumberColumn(ctx, tx, columnID, ev.CardID, ev.ToColumnID, ev.ToIndex); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// renumberColumn rewrites a column's positions as a dense 0..n-1 sequence,
// holding the moved card at its requested index.
func renumberColumn(ctx context.Context, tx *sql.Tx, columnID, movedID, movedColumnID string, movedIndex int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM cards WHERE column_id = ? ORDER BY position ASC, id ASC
	`, columnID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if columnID == movedColumnID {
		without := ids[:0]
		for _, id := range ids {
			if id != movedID {
				without = append(without, id)
			}
		}
		index := movedIndex
		if index < 0 {
			index = 0
		}
		if index > len(without) {
			index = len(without)
		}
		ids = append(without[:index:index], append([]string{movedID}, without[index:]...)...)
	}
	for position, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET position = ? WHERE id = ?`, position, id); err != nil {
			return err
		}
	}
	return nil
}

// mutateCard loads one card row, applies fn, and writes it back. A missing
// card is a no-op so replays of deleted-entity events stay silent.
func (s *Store) mutateCard(ctx context.Context, cardID string, fn func(*domain.Card)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, column_id, position, title, description,
			tag_ids_json, properties_json, tasks_json, messages_json,
			created_by_instruction_id, created_at, updated_at
		FROM cards WHERE id = ?
	`, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	fn(&card)
	encoded, err := encodeCard(card)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET title = ?, description = ?, tag_ids_json = ?, properties_json = ?,
			tasks_json = ?, messages_json = ?, updated_at = ?
		WHERE id = ?
	`, card.Title, card.Description, encoded.tagIDs, encoded.properties,
		encoded.tasks, encoded.messages, ts(card.UpdatedAt), card.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteTag(ctx context.Context, workspaceID, tagID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, tag_ids_json FROM cards WHERE workspace_id = ?
	`, workspaceID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	type patch struct {
		id   string
		json string
	}
	var patches []patch
	for rows.Next() {
		var id, tagJSON string
		if err := rows.Scan(&id, &tagJSON); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return err
		}
		var tagIDs []string
		if err := json.Unmarshal([]byte(tagJSON), &tagIDs); err != nil {
			continue
		}
		kept := tagIDs[:0]
		removed := false
		for _, id2 := range tagIDs {
			if id2 == tagID {
				removed = true
				continue
			}
			kept = append(kept, id2)
		}
		if !removed {
			continue
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			continue
		}
		patches = append(patches, patch{id: id, json: string(encoded)})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return err
	}
	_ = rows.Close()
	for _, p := range patches {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET tag_ids_json = ? WHERE id = ?`, p.json, p.id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, tagID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) upsertRule(ctx context.Context, r domain.InstructionRule) error {
	targetJSON, err := json.Marshal(orEmptySlice(r.TargetColumnIDs))
	if err != nil {
		return fmt.Errorf("encode rule targets: %w", err)
	}
	triggersJSON, err := json.Marshal(orEmptyTriggers(r.Triggers))
	if err != nil {
		return fmt.Errorf("encode rule triggers: %w", err)
	}
	safeguardsJSON, err := json.Marshal(r.Safeguards)
	if err != nil {
		return fmt.Errorf("encode rule safeguards: %w", err)
	}
	historyJSON, err := json.Marshal(orEmptyHistory(r.ExecutionHistory))
	if err != nil {
		return fmt.Errorf("encode rule history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instruction_rules(
			id, workspace_id, name, instruction, enabled, run_mode, action,
			target_column_ids_json, triggers_json, safeguards_json,
			last_executed_at, daily_execution_count, daily_count_reset_at,
			execution_history_json, next_scheduled_run, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			instruction = excluded.instruction,
			enabled = excluded.enabled,
			run_mode = excluded.run_mode,
			action = excluded.action,
			target_column_ids_json = excluded.target_column_ids_json,
			triggers_json = excluded.triggers_json,
			safeguards_json = excluded.safeguards_json,
			last_executed_at = excluded.last_executed_at,
			daily_execution_count = excluded.daily_execution_count,
			daily_count_reset_at = excluded.daily_count_reset_at,
			execution_history_json = excluded.execution_history_json,
			next_scheduled_run = excluded.next_scheduled_run,
			updated_at = excluded.updated_at
	`, r.ID, r.WorkspaceID, r.Name, r.Instruction, boolToInt(r.Enabled), string(r.RunMode), string(r.Action),
		string(targetJSON), string(triggersJSON), string(safeguardsJSON),
		nullableTS(r.LastExecutedAt), r.DailyExecutionCount, ts(r.DailyCountResetAt),
		string(historyJSON), nullableTS(r.NextScheduledRun), ts(r.CreatedAt), ts(r.UpdatedAt))
	return err
}

func (s *Store) upsertFolder(ctx context.Context, f domain.Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders(id, user_id, name, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, f.ID, f.UserID, f.Name, f.Position, ts(f.CreatedAt), ts(f.UpdatedAt))
	return err
}

// saveRun inserts the run and prunes the rule's history beyond the retained
// window.
func (s *Store) saveRun(ctx context.Context, workspaceID string, run domain.InstructionRun) error {
	changesJSON, err := json.Marshal(orEmptyChanges(run.Changes))
	if err != nil {
		return fmt.Errorf("encode run changes: %w", err)
	}
	return s.execAll(ctx,
		stmt{`
			INSERT INTO instruction_runs(id, rule_id, workspace_id, executed_at, changes_json, undone)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, []any{run.ID, run.RuleID, workspaceID, ts(run.Timestamp), string(changesJSON), boolToInt(run.Undone)}},
		stmt{`
			DELETE FROM instruction_runs
			WHERE rule_id = ? AND id NOT IN (
				SELECT id FROM instruction_runs
				WHERE rule_id = ?
				ORDER BY executed_at DESC, id DESC
				LIMIT ?
			)
		`, []any{run.RuleID, run.RuleID, domain.MaxRunsPerRule}},
	)
}

func (s *Store) reorder(ctx context.Context, query string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for position, id := range orderedIDs {
		if _, err := tx.ExecContext(ctx, query, position, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadState rebuilds the in-memory replica from disk.
func (s *Store) LoadState(ctx context.Context) (*replica.State, error) {
	state := replica.NewState()
	if err := s.loadWorkspaces(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadColumns(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadCards(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadRules(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadFolders(ctx, state); err != nil {
		return nil, err
	}
	if err := s.loadRuns(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) loadWorkspaces(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, folder_id, name, description, metadata_json, created_at, updated_at
		FROM workspaces
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var w domain.Workspace
		var metaJSON, createdAt, updatedAt string
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.FolderID, &w.Name, &w.Description, &metaJSON, &createdAt, &updatedAt); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(metaJSON), &w.Metadata); err != nil {
			return fmt.Errorf("decode workspace metadata: %w", err)
		}
		w.CreatedAt = parseTS(createdAt)
		w.UpdatedAt = parseTS(updatedAt)
		state.Workspaces[w.ID] = w
	}
	return rows.Err()
}

func (s *Store) loadColumns(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, position, created_at, updated_at FROM columns_v1
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Column
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Position, &createdAt, &updatedAt); err != nil {
			return err
		}
		c.CreatedAt = parseTS(createdAt)
		c.UpdatedAt = parseTS(updatedAt)
		state.Columns[c.ID] = c
	}
	return rows.Err()
}

func (s *Store) loadCards(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, column_id, position, title, description,
			tag_ids_json, properties_json, tasks_json, messages_json,
			created_by_instruction_id, created_at, updated_at
		FROM cards
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return err
		}
		state.Cards[card.ID] = card
	}
	return rows.Err()
}

func (s *Store) loadTags(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, name, color, created_at FROM tags`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.Tag
		var createdAt string
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Color, &createdAt); err != nil {
			return err
		}
		t.CreatedAt = parseTS(createdAt)
		state.Tags[t.ID] = t
	}
	return rows.Err()
}

func (s *Store) loadRules(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, instruction, enabled, run_mode, action,
			target_column_ids_json, triggers_json, safeguards_json,
			last_executed_at, daily_execution_count, daily_count_reset_at,
			execution_history_json, next_scheduled_run, created_at, updated_at
		FROM instruction_rules
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.InstructionRule
		var enabled int
		var runMode, action string
		var targetJSON, triggersJSON, safeguardsJSON, historyJSON string
		var lastExecutedAt, nextScheduledRun sql.NullString
		var dailyResetAt, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Instruction, &enabled, &runMode, &action,
			&targetJSON, &triggersJSON, &safeguardsJSON,
			&lastExecutedAt, &r.DailyExecutionCount, &dailyResetAt,
			&historyJSON, &nextScheduledRun, &createdAt, &updatedAt); err != nil {
			return err
		}
		r.Enabled = enabled != 0
		r.RunMode = domain.RunMode(runMode)
		r.Action = domain.ActionType(action)
		if err := json.Unmarshal([]byte(targetJSON), &r.TargetColumnIDs); err != nil {
			return fmt.Errorf("decode rule targets: %w", err)
		}
		if err := json.Unmarshal([]byte(triggersJSON), &r.Triggers); err != nil {
			return fmt.Errorf("decode rule triggers: %w", err)
		}
		if err := json.Unmarshal([]byte(safeguardsJSON), &r.Safeguards); err != nil {
			return fmt.Errorf("decode rule safeguards: %w", err)
		}
		if err := json.Unmarshal([]byte(historyJSON), &r.ExecutionHistory); err != nil {
			return fmt.Errorf("decode rule history: %w", err)
		}
		r.LastExecutedAt = parseNullTS(lastExecutedAt)
		r.NextScheduledRun = parseNullTS(nextScheduledRun)
		r.DailyCountResetAt = parseTS(dailyResetAt)
		r.CreatedAt = parseTS(createdAt)
		r.UpdatedAt = parseTS(updatedAt)
		state.Rules[r.ID] = r
	}
	return rows.Err()
}

func (s *Store) loadFolders(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, position, created_at, updated_at FROM folders`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.Folder
		var createdAt, updatedAt string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.Position, &createdAt, &updatedAt); err != nil {
			return err
		}
		f.CreatedAt = parseTS(createdAt)
		f.UpdatedAt = parseTS(updatedAt)
		state.Folders[f.ID] = f
	}
	return rows.Err()
}

func (s *Store) loadRuns(ctx context.Context, state *replica.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, executed_at, changes_json, undone
		FROM instruction_runs
		ORDER BY executed_at DESC, id DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var run domain.InstructionRun
		var executedAt, changesJSON string
		var undone int
		if err := rows.Scan(&run.ID, &run.RuleID, &executedAt, &changesJSON, &undone); err != nil {
			return err
		}
		run.Timestamp = parseTS(executedAt)
		run.Undone = undone != 0
		if err := json.Unmarshal([]byte(changesJSON), &run.Changes); err != nil {
			return fmt.Errorf("decode run changes: %w", err)
		}
		state.Runs[run.RuleID] = append(state.Runs[run.RuleID], run)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (domain.Card, error) {
	var c domain.Card
	var tagJSON, propsJSON, tasksJSON, messagesJSON, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.ColumnID, &c.Position, &c.Title, &c.Description,
		&tagJSON, &propsJSON, &tasksJSON, &messagesJSON,
		&c.CreatedByInstructionID, &createdAt, &updatedAt); err != nil {
		return domain.Card{}, err
	}
	if err := json.Unmarshal([]byte(tagJSON), &c.TagIDs); err != nil {
		return domain.Card{}, fmt.Errorf("decode card tags: %w", err)
	}
	if err := json.Unmarshal([]byte(propsJSON), &c.Properties); err != nil {
		return domain.Card{}, fmt.Errorf("decode card properties: %w", err)
	}
	if err := json.Unmarshal([]byte(tasksJSON), &c.Tasks); err != nil {
		return domain.Card{}, fmt.Errorf("decode card tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &c.Messages); err != nil {
		return domain.Card{}, fmt.Errorf("decode card messages: %w", err)
	}
	c.CreatedAt = parseTS(createdAt)
	c.UpdatedAt = parseTS(updatedAt)
	return c, nil
}

type encodedCard struct {
	tagIDs     string
	properties string
	tasks      string
	messages   string
}

func encodeCard(c domain.Card) (encodedCard, error) {
	tagJSON, err := json.Marshal(orEmptySlice(c.TagIDs))
	if err != nil {
		return encodedCard{}, fmt.Errorf("encode card tags: %w", err)
	}
	propsJSON, err := json.Marshal(orEmptyMap(c.Properties))
	if err != nil {
		return encodedCard{}, fmt.Errorf("encode card properties: %w", err)
	}
	tasksJSON, err := json.Marshal(orEmptyTasks(c.Tasks))
	if err != nil {
		return encodedCard{}, fmt.Errorf("encode card tasks: %w", err)
	}
	messagesJSON, err := json.Marshal(orEmptyMessages(c.Messages))
	if err != nil {
		return encodedCard{}, fmt.Errorf("encode card messages: %w", err)
	}
	return encodedCard{
		tagIDs:     string(tagJSON),
		properties: string(propsJSON),
		tasks:      string(tasksJSON),
		messages:   string(messagesJSON),
	}, nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	parsed := parseTS(v.String)
	return &parsed
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyTasks(s []domain.Task) []domain.Task {
	if s == nil {
		return []domain.Task{}
	}
	return s
}

func orEmptyMessages(s []domain.Message) []domain.Message {
	if s == nil {
		return []domain.Message{}
	}
	return s
}

func orEmptyTriggers(s []domain.Trigger) []domain.Trigger {
	if s == nil {
		return []domain.Trigger{}
	}
	return s
}

func orEmptyChanges(s []domain.CardChange) []domain.CardChange {
	if s == nil {
		return []domain.CardChange{}
	}
	return s
}

func orEmptyHistory(s []domain.ExecutionSummary) []domain.ExecutionSummary {
	if s == nil {
		return []domain.ExecutionSummary{}
	}
	return s
}
