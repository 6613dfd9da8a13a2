// Package store provides SQLite-backed persistence for projects, issues,
// execution logs and application settings.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store provides SQLite-based storage operations.
type Store struct {
	db     *sqlx.DB // writer (single connection)
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// New creates a store owning the given connections and initializes the schema.
func New(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, true)
}

// NewWithDB creates a store with shared database connections (caller closes them).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections if the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// reader returns the connection used for read queries. Falls back to the
// writer when no read-only pool was provided.
func (s *Store) reader() *sqlx.DB {
	if s.ro != nil {
		return s.ro
	}
	return s.db
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initProjectSchema(); err != nil {
		return err
	}
	if err := s.initIssueSchema(); err != nil {
		return err
	}
	if err := s.initLogSchema(); err != nil {
		return err
	}
	if err := s.initSettingsSchema(); err != nil {
		return err
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *Store) initProjectSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		alias TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		directory TEXT NOT NULL,
		repository_url TEXT DEFAULT '',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initIssueSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		issue_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo' CHECK (status IN ('todo', 'working', 'review', 'done')),
		priority INTEGER NOT NULL DEFAULT 0,
		sort_order REAL NOT NULL DEFAULT 0,
		parent_issue_id TEXT DEFAULT '',
		dev_mode INTEGER NOT NULL DEFAULT 0,
		engine_type TEXT DEFAULT '',
		session_status TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		external_session_id TEXT DEFAULT '',
		model TEXT DEFAULT '',
		base_commit_hash TEXT DEFAULT '',
		use_worktree INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (project_id, issue_number)
	);
	`)
	return err
}

func (s *Store) initLogSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS issues_logs (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL REFERENCES issues(id),
		turn_index INTEGER NOT NULL,
		entry_index INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		content TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		reply_to_message_id TEXT DEFAULT '',
		tool_call_ref_id TEXT DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues_logs_tools_call (
		id TEXT PRIMARY KEY,
		log_id TEXT NOT NULL REFERENCES issues_logs(id),
		issue_id TEXT NOT NULL REFERENCES issues(id),
		tool_name TEXT NOT NULL,
		tool_call_id TEXT DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'other',
		is_result INTEGER NOT NULL DEFAULT 0,
		raw TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL REFERENCES issues(id),
		log_id TEXT DEFAULT '',
		original_name TEXT NOT NULL,
		stored_name TEXT NOT NULL,
		mime_type TEXT DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initSettingsSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations() error {
	// Ignore errors when columns already exist.
	_, _ = s.db.Exec(`ALTER TABLE issues ADD COLUMN model TEXT DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE issues ADD COLUMN base_commit_hash TEXT DEFAULT ''`)
	return nil
}

func (s *Store) ensureIndexes() error {
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_project_id ON issues(project_id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_session_status ON issues(session_status)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(parent_issue_id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_logs_order ON issues_logs(issue_id, turn_index, entry_index)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issues_logs_tools_call_issue ON issues_logs_tools_call(issue_id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_attachments_issue ON attachments(issue_id)`); err != nil {
		return err
	}
	return nil
}
