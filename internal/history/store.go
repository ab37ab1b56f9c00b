// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history persists a record of every MCP tool call to SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/mcplink/internal/config"
	"github.com/tombee/mcplink/internal/mcp"
)

// DefaultFileName is the database file created under the data directory.
const DefaultFileName = "history.db"

// Store is a SQLite-backed mcp.CallRecorder.
type Store struct {
	db *sql.DB
}

// Config contains history store configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	// Empty uses history.db in the mcplink data directory.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// DefaultPath returns the database path in the mcplink data directory.
func DefaultPath() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// Open opens (creating if needed) the history database.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	dsn := path
	maxConns := cfg.MaxOpenConns
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		maxConns = 1
	} else {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		if maxConns == 0 {
			maxConns = 4
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_started_at ON tool_calls(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// RecordCall implements mcp.CallRecorder.
func (s *Store) RecordCall(ctx context.Context, rec mcp.CallRecord) error {
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (request_id, server, tool, started_at, duration_ms, outcome, error, tokens, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.Server,
		rec.Tool,
		rec.StartedAt.UnixNano(),
		rec.Duration.Milliseconds(),
		rec.Outcome,
		errText,
		rec.Tokens,
		rec.Truncated,
	)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// Filter narrows Recent.
type Filter struct {
	// Server limits results to one server.
	Server string

	// Outcome limits results to one outcome, e.g. mcp.OutcomeError.
	Outcome string

	// Since excludes calls started before this time.
	Since time.Time

	// Limit caps the number of results. Zero means 50.
	Limit int
}

// Recent returns the most recent calls first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]mcp.CallRecord, error) {
	query := `SELECT request_id, server, tool, started_at, duration_ms, outcome, error, tokens, truncated
		FROM tool_calls WHERE 1=1`
	args := []any{}

	if f.Server != "" {
		query += " AND server = ?"
		args = append(args, f.Server)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UnixNano())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var records []mcp.CallRecord
	for rows.Next() {
		var (
			rec        mcp.CallRecord
			startedAt  int64
			durationMS int64
			errText    sql.NullString
		)
		if err := rows.Scan(&rec.RequestID, &rec.Server, &rec.Tool, &startedAt, &durationMS,
			&rec.Outcome, &errText, &rec.Tokens, &rec.Truncated); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		rec.StartedAt = time.Unix(0, startedAt)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Error = errText.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats summarizes calls for one server, or all servers when server is empty.
type Stats struct {
	Calls     int     `json:"calls"`
	Errors    int     `json:"errors"`
	Truncated int     `json:"truncated"`
	AvgMS     float64 `json:"avg_ms"`
}

// Summary returns aggregate counts.
func (s *Store) Summary(ctx context.Context, server string) (Stats, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN outcome IN ('error', 'tool_error') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(truncated), 0),
		COALESCE(AVG(duration_ms), 0)
		FROM tool_calls`
	var args []any
	if server != "" {
		query += " WHERE server = ?"
		args = append(args, server)
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Calls, &st.Errors, &st.Truncated, &st.AvgMS); err != nil {
		return Stats{}, fmt.Errorf("failed to summarize tool calls: %w", err)
	}
	return st, nil
}

// DeleteOlderThan removes calls started before the given time and returns
// how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tool_calls WHERE started_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tool calls: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
