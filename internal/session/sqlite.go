package session

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
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT,
    provider TEXT,
    model TEXT,
    system_prompt TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT,
    tool_calls TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
`

// schemaVersion is the current schema version. Fresh databases get the
// full schema and start here; older ones run migrations to reach it.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{
	{
		version:     1,
		description: "add system_prompt column to threads",
		up: func(db *sql.DB) error {
			_, err := db.Exec("ALTER TABLE threads ADD COLUMN system_prompt TEXT")
			if err != nil && !isDuplicateColumnError(err) {
				return err
			}
			return nil
		},
	},
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// initSchema creates the schema and runs pending migrations. The common
// case of a current schema costs a single query.
func initSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == nil && current >= schemaVersion {
		return nil
	}
	versionErr := err

	var existing int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='threads'`).Scan(&existing); err != nil {
		return fmt.Errorf("check threads table: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil {
		if !errors.Is(versionErr, sql.ErrNoRows) && !strings.Contains(versionErr.Error(), "no such table") {
			return fmt.Errorf("get current version: %w", versionErr)
		}
		// Tables that predate version tracking start at 0.
		current = schemaVersion
		if existing > 0 {
			current = 0
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", current); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// CreateThread inserts a thread, filling in the id and timestamps if unset.
func (s *SQLiteStore) CreateThread(ctx context.Context, t *Thread) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, provider, model, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.Title), nullString(t.Provider), nullString(t.Model),
		nullString(t.SystemPrompt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

const threadColumns = `t.id, t.title, t.provider, t.model, t.system_prompt, t.created_at, t.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.id)`

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var title, provider, model, prompt sql.NullString
	if err := row.Scan(&t.ID, &title, &provider, &model, &prompt, &t.CreatedAt, &t.UpdatedAt, &t.MessageCount); err != nil {
		return nil, err
	}
	t.Title = title.String
	t.Provider = provider.String
	t.Model = model.String
	t.SystemPrompt = prompt.String
	return &t, nil
}

// GetThread returns the thread with id, or ErrThreadNotFound.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns threads, most recently updated first.
func (s *SQLiteStore) ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads t ORDER BY t.updated_at DESC, t.id`
	var args []any
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// DeleteThread removes a thread and its messages.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return nil
}

// AddMessage appends rec to a thread inside one transaction, so sequence
// allocation and the thread timestamp update are atomic.
func (s *SQLiteStore) AddMessage(ctx context.Context, threadID string, rec *Record) error {
	rec.ThreadID = threadID
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	calls, err := rec.toolCallsJSON()
	if err != nil {
		return fmt.Errorf("serialize tool calls: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE threads SET updated_at = ? WHERE id = ?", rec.CreatedAt, threadID)
	if err != nil {
		return fmt.Errorf("update thread timestamp: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	if rec.Seq < 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE thread_id = ?`, threadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("get max sequence: %w", err)
		}
		rec.Seq = 0
		if maxSeq.Valid {
			rec.Seq = int(maxSeq.Int64) + 1
		}
	}

	var content sql.NullString
	if rec.Content != nil {
		content = sql.NullString{String: *rec.Content, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, role, content, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, threadID, rec.Seq, string(rec.Role), content, calls, string(meta), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages returns the records of a thread in sequence order.
func (s *SQLiteStore) GetMessages(ctx context.Context, threadID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, role, content, tool_calls, metadata, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var content, calls sql.NullString
		var meta string
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Seq, &rec.Role, &content, &calls, &meta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			rec.Content = stringPtr(content.String)
		}
		if err := rec.setToolCallsFromJSON(calls.String); err != nil {
			return nil, fmt.Errorf("deserialize tool calls: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("deserialize metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
