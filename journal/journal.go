// Package journal records file events in a SQLite database so they can be
// inspected after the fact with the "dirnotify journal" command.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/internal"
)

// SinkType is the sink name used in logs & metrics.
const SinkType = "journal"

var _ dirnotify.Listener = (*Journal)(nil)

// Entry is a single journaled event.
type Entry struct {
	ID    int64
	Path  string
	Kind  dirnotify.EventKind
	Error string
	Time  time.Time
}

// Journal appends file events to a SQLite table.
type Journal struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	logger *slog.Logger

	// Returns the current time. Overridden in tests.
	Now func() time.Time
}

// NewJournal returns a new instance of Journal for the database at path.
func NewJournal(path string) *Journal {
	return &Journal{
		path:   path,
		logger: slog.Default().WithGroup(SinkType),
		Now:    time.Now,
	}
}

// Path returns the path of the journal database.
func (j *Journal) Path() string { return j.path }

// Open opens the database and creates the schema if it does not exist.
func (j *Journal) Open() (err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}

	if j.db, err = sql.Open("sqlite", j.path); err != nil {
		return err
	}
	j.db.SetMaxOpenConns(1)

	if _, err := j.db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		_ = j.db.Close()
		j.db = nil
		return fmt.Errorf("enable wal: %w", err)
	}

	if _, err := j.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);`); err != nil {
		_ = j.db.Close()
		j.db = nil
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// FileChanged appends e to the journal.
func (j *Journal) FileChanged(e dirnotify.FileEvent) {
	if err := j.Append(context.Background(), e); err != nil {
		internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "error").Inc()
		j.logger.Error("cannot journal event", "path", e.Path, "error", err)
		return
	}
	internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "ok").Inc()
}

// Append inserts e into the events table.
func (j *Journal) Append(ctx context.Context, e dirnotify.FileEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return errors.New("journal not open")
	}

	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (path, kind, error, created_at) VALUES (?, ?, ?, ?)`,
		e.Path, e.Kind.String(), errMsg, j.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Entries returns up to limit of the most recent entries, oldest first. A
// non-positive limit returns all entries. If path is non-empty only entries
// at or below path are returned.
func (j *Journal) Entries(ctx context.Context, path string, limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil, errors.New("journal not open")
	} else if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, path, kind, error, created_at FROM (
	SELECT id, path, kind, error, created_at
	FROM events
	WHERE ?1 = '' OR path = ?1 OR substr(path, 1, length(?2)) = ?2
	ORDER BY id DESC
	LIMIT ?3
) ORDER BY id ASC`, path, dirPrefix(path), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var a []Entry
	for rows.Next() {
		var entry Entry
		var kind, createdAt string
		if err := rows.Scan(&entry.ID, &entry.Path, &kind, &entry.Error, &createdAt); err != nil {
			return nil, err
		}
		entry.Kind = dirnotify.ParseEventKind(kind)
		if entry.Time, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse entry time: %w", err)
		}
		a = append(a, entry)
	}
	return a, rows.Err()
}

// dirPrefix returns path with a trailing separator.
func dirPrefix(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path) + string(filepath.Separator)
}
