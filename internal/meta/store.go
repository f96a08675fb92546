// SPDX-License-Identifier: MIT

// Package meta is the SQLite metadata store: projects, tasks, clips,
// collections. It exclusively owns the durable rows; other components hold
// ids and absolute paths, never row state.
package meta

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

const (
	schemaVersion = 1
	busyTimeout   = 5 * time.Second
	maxOpenConns  = 25
)

// Store wraps the pooled database handle and the input validator.
type Store struct {
	db       *sql.DB
	validate *validator.Validate
	logger   zerolog.Logger
}

// Open connects to the database named by dbURL (bare path or file: DSN),
// applies the operational pragmas and runs pending migrations.
func Open(dbURL string) (*Store, error) {
	dsn := dbURL
	if !strings.HasPrefix(dbURL, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbURL), 0o755); err != nil {
			return nil, fmt.Errorf("meta: create db directory: %w", err)
		}
		// The pragmas ride the DSN so they apply to every pooled connection.
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
			dbURL, busyTimeout.Milliseconds(),
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("meta: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: ping: %w", err)
	}

	s := &Store{
		db:       db,
		validate: validator.New(),
		logger:   log.WithComponent("meta"),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database answers. Used by readiness checks.
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const schema = `
	CREATE TABLE IF NOT EXISTS projects (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		source_type    TEXT NOT NULL,
		source_url     TEXT NOT NULL DEFAULT '',
		platform       TEXT NOT NULL DEFAULT '',
		cookie_jar_id  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		current_stage  INTEGER NOT NULL DEFAULT 0,
		progress       REAL NOT NULL DEFAULT 0,
		error_stage    TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		video_path     TEXT NOT NULL DEFAULT '',
		subtitle_path  TEXT NOT NULL DEFAULT '',
		video_duration REAL NOT NULL DEFAULT 0,
		settings       TEXT NOT NULL DEFAULT '{}',
		auto_prune     INTEGER NOT NULL DEFAULT 0,
		created_at_ms  INTEGER NOT NULL,
		updated_at_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	CREATE INDEX IF NOT EXISTS idx_projects_created ON projects(created_at_ms);

	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL,
		progress        REAL NOT NULL DEFAULT 0,
		current_step    TEXT NOT NULL DEFAULT '',
		worker_id       TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT '',
		created_at_ms   INTEGER NOT NULL,
		started_at_ms   INTEGER,
		completed_at_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at_ms);
	CREATE UNIQUE INDEX IF NOT EXISTS tasks_one_running
		ON tasks(project_id, kind) WHERE status = 'RUNNING';

	CREATE TABLE IF NOT EXISTS clips (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title         TEXT NOT NULL,
		score         REAL NOT NULL DEFAULT 0,
		start_time    REAL NOT NULL,
		end_time      REAL NOT NULL,
		duration      REAL NOT NULL,
		original_id   TEXT NOT NULL DEFAULT '',
		metadata      TEXT NOT NULL DEFAULT '{}',
		artifact_path TEXT NOT NULL DEFAULT '',
		file_path     TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clips_project ON clips(project_id);

	CREATE TABLE IF NOT EXISTS collections (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		clip_ids      TEXT NOT NULL DEFAULT '[]',
		status        TEXT NOT NULL DEFAULT 'CREATED',
		export_path   TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collections_project ON collections(project_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info().
		Int("version", schemaVersion).
		Str(log.FieldEvent, "meta.migrated").
		Msg("schema migrated")
	return nil
}

// observe times one store operation for the query duration histogram.
func observe(op string) func() {
	start := time.Now()
	return func() { metrics.ObserveQuery(op, time.Since(start)) }
}

// isUniqueViolation detects a UNIQUE constraint failure from the driver.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMSToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}
