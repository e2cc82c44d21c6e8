package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatthreads"
)

// SQLiteStore persists the conversation graph in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds the DSN the store expects for an on-disk database.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}

	createTableStmts := []string{
		`CREATE TABLE IF NOT EXISTS thread_groups (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			thread_group_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			model_json TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (thread_group_id) REFERENCES thread_groups(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_groups (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			previous_message_id TEXT NOT NULL DEFAULT '',
			selected_index INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'loaded',
			cache_id TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL,
			FOREIGN KEY (group_id) REFERENCES message_groups(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS parts (
			message_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			file_id TEXT NOT NULL DEFAULT '',
			meta_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (message_id, ordinal),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}
	for _, st := range createTableStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}

	createIndexStmts := []string{
		`CREATE INDEX IF NOT EXISTS message_groups_by_thread ON message_groups(thread_id, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS message_groups_by_previous ON message_groups(previous_message_id);`,
		`CREATE INDEX IF NOT EXISTS messages_by_group ON messages(group_id);`,
		`CREATE INDEX IF NOT EXISTS threads_by_group ON threads(thread_group_id);`,
	}
	for _, st := range createIndexStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, g *chatgraph.MessageGroup) (*chatgraph.PersistedTurn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	persisted := &chatgraph.PersistedTurn{GroupID: chatgraph.GroupID("grp_" + uuid.NewString())}
	nowMs := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_groups (id, thread_id, role, previous_message_id, selected_index, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(persisted.GroupID), string(g.ThreadID), string(g.Role), string(g.PreviousMessageID), g.SelectedIndex, nowMs,
	); err != nil {
		return nil, errors.Wrap(err, "sqlite store: insert group")
	}

	for _, m := range g.Messages {
		msgID := chatgraph.MessageID("msg_" + uuid.NewString())
		persisted.MessageIDs = append(persisted.MessageIDs, msgID)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, group_id, status, cache_id, updated_at_ms) VALUES (?, ?, ?, ?, ?)`,
			string(msgID), string(persisted.GroupID), string(chatgraph.StatusLoaded), m.CacheID, nowMs,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite store: insert message")
		}
		if err := insertParts(ctx, tx, msgID, m.Contents); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: commit")
	}
	return persisted, nil
}

func insertParts(ctx context.Context, tx *sql.Tx, messageID chatgraph.MessageID, parts []*chatgraph.ContentPart) error {
	for i, p := range parts {
		metaJSON := "{}"
		if len(p.Meta) > 0 {
			b, err := json.Marshal(p.Meta)
			if err != nil {
				return errors.Wrap(err, "sqlite store: marshal part meta")
			}
			metaJSON = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO parts (message_id, ordinal, kind, text, file_id, meta_json) VALUES (?, ?, ?, ?, ?, ?)`,
			string(messageID), i, string(p.Kind), p.Text, p.FileID, metaJSON,
		); err != nil {
			return errors.Wrap(err, "sqlite store: insert part")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveGroup(ctx context.Context, g *chatgraph.MessageGroup) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if g.ID == "" {
		return errors.New("sqlite store: group has no id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_groups (id, thread_id, role, previous_message_id, selected_index, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			previous_message_id = excluded.previous_message_id,
			selected_index = excluded.selected_index,
			updated_at_ms = excluded.updated_at_ms`,
		string(g.ID), string(g.ThreadID), string(g.Role), string(g.PreviousMessageID), g.SelectedIndex, nowMs,
	); err != nil {
		return errors.Wrap(err, "sqlite store: upsert group")
	}
	for _, m := range g.Messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, group_id, status, cache_id, updated_at_ms) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status = excluded.status, cache_id = excluded.cache_id, updated_at_ms = excluded.updated_at_ms`,
			string(m.ID), string(g.ID), string(m.Status), m.CacheID, nowMs,
		); err != nil {
			return errors.Wrap(err, "sqlite store: upsert message")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE message_id = ?`, string(m.ID)); err != nil {
			return errors.Wrap(err, "sqlite store: clear parts")
		}
		if err := insertParts(ctx, tx, m.ID, m.Contents); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id chatgraph.GroupID) (*chatgraph.MessageGroup, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, role, previous_message_id, selected_index, updated_at_ms FROM message_groups WHERE id = ?`,
		string(id))
	g, err := scanGroup(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*chatgraph.MessageGroup, error) {
	var g chatgraph.MessageGroup
	var threadID, role, prev string
	var updatedMs int64
	var gid string
	if err := row.Scan(&gid, &threadID, &role, &prev, &g.SelectedIndex, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("sqlite store: group not found")
		}
		return nil, errors.Wrap(err, "sqlite store: scan group")
	}
	g.ID = chatgraph.GroupID(gid)
	g.ThreadID = chatgraph.ThreadID(threadID)
	g.Role = chatgraph.Role(role)
	g.PreviousMessageID = chatgraph.MessageID(prev)
	g.UpdatedAt = time.UnixMilli(updatedMs)
	return &g, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, g *chatgraph.MessageGroup) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, cache_id, updated_at_ms FROM messages WHERE group_id = ? ORDER BY updated_at_ms, id`,
		string(g.ID))
	if err != nil {
		return errors.Wrap(err, "sqlite store: query messages")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m chatgraph.Message
		var mid, status string
		var updatedMs int64
		if err := rows.Scan(&mid, &status, &m.CacheID, &updatedMs); err != nil {
			return errors.Wrap(err, "sqlite store: scan message")
		}
		m.ID = chatgraph.MessageID(mid)
		m.GroupID = g.ID
		m.Status = chatgraph.MessageStatus(status)
		m.UpdatedAt = time.UnixMilli(updatedMs)
		g.Messages = append(g.Messages, &m)
	}
	return errors.Wrap(rows.Err(), "sqlite store: iterate messages")
}

func (s *SQLiteStore) ListGroups(ctx context.Context, threadID chatgraph.ThreadID) ([]*chatgraph.MessageGroup, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, previous_message_id, selected_index, updated_at_ms
		 FROM message_groups WHERE thread_id = ? ORDER BY updated_at_ms, id`,
		string(threadID))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query groups")
	}
	defer func() { _ = rows.Close() }()

	var out []*chatgraph.MessageGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate groups")
	}
	for _, g := range out {
		if err := s.loadMessages(ctx, g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, id chatgraph.GroupID) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_groups WHERE id = ?`, string(id))
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete group")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("sqlite store: group %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetParts(ctx context.Context, messageID chatgraph.MessageID) ([]*chatgraph.ContentPart, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, text, file_id, meta_json FROM parts WHERE message_id = ? ORDER BY ordinal`,
		string(messageID))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query parts")
	}
	defer func() { _ = rows.Close() }()

	var out []*chatgraph.ContentPart
	for rows.Next() {
		var p chatgraph.ContentPart
		var kind, metaJSON string
		if err := rows.Scan(&kind, &p.Text, &p.FileID, &metaJSON); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan part")
		}
		p.Kind = chatgraph.PartKind(kind)
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &p.Meta); err != nil {
				return nil, errors.Wrap(err, "sqlite store: unmarshal part meta")
			}
		}
		out = append(out, &p)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: iterate parts")
}

func (s *SQLiteStore) SaveParts(ctx context.Context, messageID chatgraph.MessageID, parts []*chatgraph.ContentPart) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE message_id = ?`, string(messageID)); err != nil {
		return errors.Wrap(err, "sqlite store: clear parts")
	}
	if err := insertParts(ctx, tx, messageID, parts); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

func (s *SQLiteStore) SaveThreadGroup(ctx context.Context, tg *chatthreads.ThreadGroup) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if tg.ID == "" {
		return errors.New("sqlite store: thread group has no id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_groups (id, title, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at_ms = excluded.updated_at_ms`,
		tg.ID, tg.Title, time.Now().UnixMilli(),
	); err != nil {
		return errors.Wrap(err, "sqlite store: upsert thread group")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_group_id = ?`, tg.ID); err != nil {
		return errors.Wrap(err, "sqlite store: clear threads")
	}
	for _, th := range tg.Threads {
		modelJSON, err := json.Marshal(th.Model)
		if err != nil {
			return errors.Wrap(err, "sqlite store: marshal model")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO threads (id, thread_group_id, project_id, model_json) VALUES (?, ?, ?, ?)`,
			string(th.ID), tg.ID, th.ProjectID, string(modelJSON),
		); err != nil {
			return errors.Wrap(err, "sqlite store: insert thread")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

func (s *SQLiteStore) GetThreadGroup(ctx context.Context, id string) (*chatthreads.ThreadGroup, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	var tg chatthreads.ThreadGroup
	row := s.db.QueryRowContext(ctx, `SELECT id, title FROM thread_groups WHERE id = ?`, id)
	if err := row.Scan(&tg.ID, &tg.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Errorf("sqlite store: thread group %s not found", id)
		}
		return nil, errors.Wrap(err, "sqlite store: scan thread group")
	}
	if err := s.loadThreads(ctx, &tg); err != nil {
		return nil, err
	}
	return &tg, nil
}

func (s *SQLiteStore) loadThreads(ctx context.Context, tg *chatthreads.ThreadGroup) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, model_json FROM threads WHERE thread_group_id = ? ORDER BY id`, tg.ID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: query threads")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var th chatthreads.Thread
		var tid, modelJSON string
		if err := rows.Scan(&tid, &th.ProjectID, &modelJSON); err != nil {
			return errors.Wrap(err, "sqlite store: scan thread")
		}
		th.ID = chatgraph.ThreadID(tid)
		if err := json.Unmarshal([]byte(modelJSON), &th.Model); err != nil {
			return errors.Wrap(err, "sqlite store: unmarshal model")
		}
		tg.Threads = append(tg.Threads, &th)
	}
	return errors.Wrap(rows.Err(), "sqlite store: iterate threads")
}

func (s *SQLiteStore) ListThreadGroups(ctx context.Context) ([]*chatthreads.ThreadGroup, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM thread_groups ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query thread groups")
	}
	defer func() { _ = rows.Close() }()

	var out []*chatthreads.ThreadGroup
	for rows.Next() {
		var tg chatthreads.ThreadGroup
		if err := rows.Scan(&tg.ID, &tg.Title); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan thread group")
		}
		out = append(out, &tg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate thread groups")
	}
	for _, tg := range out {
		if err := s.loadThreads(ctx, tg); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteThreadGroup(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_groups WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete thread group")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("sqlite store: thread group %s not found", id)
	}
	return nil
}
