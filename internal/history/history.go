// Package history persists completed workflow runs to SQLite so past
// sessions can be listed and inspected after the process restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/glassline-ai/mcpscope/internal/model"
)

// Run is a persisted workflow execution.
type Run struct {
	ID            uuid.UUID           `json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	UserMessage   string              `json:"user_message"`
	FinalResponse string              `json:"final_response"`
	Success       bool                `json:"success"`
	Error         string              `json:"error,omitempty"`
	ToolsUsed     []string            `json:"tools_used"`
	TotalTimeMs   int64               `json:"total_time_ms"`
	PhaseTimings  *model.PhaseTimings `json:"phase_timings,omitempty"`
}

// Store records completed runs. A nil *Store is valid and drops all
// writes, which is how history is disabled.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run database at path and
// initializes the schema. An empty path returns a nil store, which
// disables persistence.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			user_message TEXT NOT NULL,
			final_response TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			tools_used TEXT NOT NULL DEFAULT '[]',
			total_time_ms INTEGER NOT NULL DEFAULT 0,
			phase_timings TEXT NOT NULL DEFAULT '{}'
		);`,
	)
	if err != nil {
		return fmt.Errorf("init run schema: %w", err)
	}
	return nil
}

// Save records a completed workflow result. On a nil store nothing is
// persisted and the returned ID is uuid.Nil.
func (s *Store) Save(ctx context.Context, userMessage string, result *model.WorkflowResult) (uuid.UUID, error) {
	if s == nil {
		return uuid.Nil, nil
	}
	id := uuid.New()

	toolsUsed := []byte("[]")
	if result.Metadata.ToolsUsed != nil {
		var err error
		toolsUsed, err = json.Marshal(result.Metadata.ToolsUsed)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode tools used: %w", err)
		}
	}
	timings, err := json.Marshal(result.Metadata.PhaseTimings)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode phase timings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, user_message, final_response, success, error, tools_used, total_time_ms, phase_timings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
		userMessage,
		result.FinalResponse,
		boolToInt(result.Success),
		result.Error,
		string(toolsUsed),
		result.Metadata.TotalTimeMs,
		string(timings),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save run: %w", err)
	}
	return id, nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if s == nil {
		return []Run{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, user_message, final_response, success, error, tools_used, total_time_ms, phase_timings
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Get returns a single run by ID, or sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	if s == nil {
		return Run{}, sql.ErrNoRows
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, user_message, final_response, success, error, tools_used, total_time_ms, phase_timings
		FROM runs WHERE id = ?`, id.String())
	return scanRun(row)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run       Run
		idStr     string
		createdAt string
		success   int
		toolsUsed string
		timings   string
	)
	err := row.Scan(&idStr, &createdAt, &run.UserMessage, &run.FinalResponse, &success, &run.Error, &toolsUsed, &run.TotalTimeMs, &timings)
	if err != nil {
		return Run{}, err
	}

	run.ID, err = uuid.Parse(idStr)
	if err != nil {
		return Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Run{}, fmt.Errorf("parse run timestamp: %w", err)
	}
	run.Success = success != 0
	if err := json.Unmarshal([]byte(toolsUsed), &run.ToolsUsed); err != nil {
		return Run{}, fmt.Errorf("decode tools used: %w", err)
	}
	run.PhaseTimings = &model.PhaseTimings{}
	if err := json.Unmarshal([]byte(timings), run.PhaseTimings); err != nil {
		return Run{}, fmt.Errorf("decode phase timings: %w", err)
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
