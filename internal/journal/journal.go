// Package journal keeps an append-only SQLite log of plugin lifecycle
// transitions so operators can audit what started, failed, and was stopped,
// and when.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one lifecycle transition row.
type Record struct {
	ID        string    `json:"id"`
	Plugin    string    `json:"plugin"`
	Path      string    `json:"path"`
	Event     string    `json:"event"` // registered | active | failed | killed
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal wraps the lifecycle log database.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plugin_log (
  id         TEXT PRIMARY KEY,
  plugin     TEXT NOT NULL,
  path       TEXT NOT NULL,
  event      TEXT NOT NULL,
  detail     TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS plugin_log_plugin_created_at_idx ON plugin_log(plugin, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap journal: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

// Record appends one lifecycle transition.
func (j *Journal) Record(ctx context.Context, plugin, path, event, detail string) error {
	if plugin == "" {
		return fmt.Errorf("plugin is empty")
	}
	if event == "" {
		return fmt.Errorf("event is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO plugin_log(id, plugin, path, event, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, uuid.NewString(), plugin, path, event, detail, now)
	if err != nil {
		return fmt.Errorf("insert plugin_log: %w", err)
	}
	return nil
}

// Tail returns up to limit rows, newest first.
func (j *Journal) Tail(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, plugin, path, event, detail, created_at
FROM plugin_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plugin_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			detail     sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&rec.ID, &rec.Plugin, &rec.Path, &rec.Event, &detail, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan plugin_log row: %w", err)
		}
		if detail.Valid {
			rec.Detail = detail.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
