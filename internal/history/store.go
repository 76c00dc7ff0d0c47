package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable journal of agent runs. One row per spawned
// agent; the exit columns stay NULL until the run ends.
type Store struct {
	db *sql.DB
}

// Run is one journaled agent lifecycle.
type Run struct {
	AgentID     string
	ProjectPath string
	Preset      string
	SpawnedAt   time.Time
	ExitedAt    *time.Time
	ExitCode    *int
	ExitReason  string
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// RecordSpawn journals a new agent run.
func (s *Store) RecordSpawn(id, projectPath, preset string, createdAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO agent_runs (agent_id, project_path, preset, spawned_at)
		VALUES (?, ?, ?, ?)`,
		id, projectPath, preset, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("record spawn: %w", err)
	}
	return nil
}

// RecordExit closes out a journaled run. A nil exitCode stays NULL,
// marking a signal death.
func (s *Store) RecordExit(id string, exitCode *int, reason string, exitedAt time.Time) error {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := s.db.Exec(`UPDATE agent_runs SET exited_at = ?, exit_code = ?, exit_reason = ?
		WHERE agent_id = ?`,
		exitedAt.UTC(), code, reason, id)
	if err != nil {
		return fmt.Errorf("record exit: %w", err)
	}
	return nil
}

// Recent returns the newest runs first, at most limit rows.
func (s *Store) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT agent_id, project_path, preset, spawned_at, exited_at, exit_code, exit_reason
		FROM agent_runs ORDER BY spawned_at DESC, agent_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			exitedAt sql.NullTime
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&r.AgentID, &r.ProjectPath, &r.Preset, &r.SpawnedAt, &exitedAt, &exitCode, &r.ExitReason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if exitedAt.Valid {
			t := exitedAt.Time
			r.ExitedAt = &t
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			r.ExitCode = &c
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
