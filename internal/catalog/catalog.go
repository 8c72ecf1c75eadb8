// Package catalog is the embedded relational store for source-file state
// and per-destination backup records.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Error wraps a catalog open/query/constraint failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// SourceFile is one row of the source_files table.
type SourceFile struct {
	ID           int64
	FileName     string
	FilePath     string
	Hash         string
	FileSize     int64
	LastModified int64
}

// BackupFile is one row of the backup_files table.
type BackupFile struct {
	ID           int64
	SourceID     int64
	FileName     string
	FilePath     string
	LastModified int64
}

// RunSummary records the outcome of one completed, cancelled, or failed
// run, kept in the bounded in-process history ring.
type RunSummary struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	State       string
	Copied      int
	Unchanged   int
	Failed      int
	BytesCopied int64
	DryRun      bool
	Error       string
}

const historyLimit = 100

// Catalog owns the database/sql pool and the in-process run-history ring.
type Catalog struct {
	db *sql.DB

	historyMu sync.Mutex
	history   []RunSummary
}

// Open creates the schema if absent and configures the connection pool per
// §4.B: WAL + busy timeout + NORMAL synchronous + foreign keys for
// file-backed databases, collapsed to a single connection for ":memory:".
func Open(path string) (*Catalog, error) {
	inMemory := path == ":memory:"

	dsn := path
	if !inMemory {
		dsn = fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
			path,
		)
	} else {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		n := runtime.NumCPU() + 7
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
	}

	c := &Catalog{db: db}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS source_files (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name     TEXT NOT NULL,
			file_path     TEXT NOT NULL,
			hash          TEXT NOT NULL DEFAULT '',
			file_size     INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			UNIQUE(file_name, file_path)
		)`,
		`CREATE TABLE IF NOT EXISTS backup_files (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id     INTEGER NOT NULL REFERENCES source_files(id),
			file_name     TEXT NOT NULL,
			file_path     TEXT NOT NULL,
			last_modified INTEGER NOT NULL,
			UNIQUE(file_name, file_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_files_source ON backup_files(source_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return &Error{Op: "migrate", Err: err}
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// GetSourceByPath looks up a SourceFile by its (file_name, file_path) key.
func (c *Catalog) GetSourceByPath(ctx context.Context, name, path string) (SourceFile, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, file_name, file_path, hash, file_size, last_modified FROM source_files WHERE file_name = ? AND file_path = ?`,
		name, path,
	)
	var sf SourceFile
	err := row.Scan(&sf.ID, &sf.FileName, &sf.FilePath, &sf.Hash, &sf.FileSize, &sf.LastModified)
	if err == sql.ErrNoRows {
		return SourceFile{}, false, nil
	}
	if err != nil {
		return SourceFile{}, false, &Error{Op: "get source", Err: err}
	}
	return sf, true, nil
}

// UpsertSource inserts or updates a SourceFile row and returns it.
func (c *Catalog) UpsertSource(ctx context.Context, name, path, hash string, size, mtime int64) (SourceFile, error) {
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO source_files (file_name, file_path, hash, file_size, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_name, file_path) DO UPDATE SET
			hash = excluded.hash,
			file_size = excluded.file_size,
			last_modified = excluded.last_modified
		RETURNING id, file_name, file_path, hash, file_size, last_modified`,
		name, path, hash, size, mtime,
	)
	var sf SourceFile
	if err := row.Scan(&sf.ID, &sf.FileName, &sf.FilePath, &sf.Hash, &sf.FileSize, &sf.LastModified); err != nil {
		return SourceFile{}, &Error{Op: "upsert source", Err: err}
	}
	return sf, nil
}

// GetBackupForSource looks up a BackupFile row by its own (file_name,
// file_path) key at the destination.
func (c *Catalog) GetBackupForSource(ctx context.Context, name, path string) (BackupFile, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, source_id, file_name, file_path, last_modified FROM backup_files WHERE file_name = ? AND file_path = ?`,
		name, path,
	)
	var bf BackupFile
	err := row.Scan(&bf.ID, &bf.SourceID, &bf.FileName, &bf.FilePath, &bf.LastModified)
	if err == sql.ErrNoRows {
		return BackupFile{}, false, nil
	}
	if err != nil {
		return BackupFile{}, false, &Error{Op: "get backup", Err: err}
	}
	return bf, true, nil
}

// UpsertBackup inserts or updates a BackupFile row and returns it.
func (c *Catalog) UpsertBackup(ctx context.Context, sourceID int64, name, path string, mtime int64) (BackupFile, error) {
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO backup_files (source_id, file_name, file_path, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_name, file_path) DO UPDATE SET
			source_id = excluded.source_id,
			last_modified = excluded.last_modified
		RETURNING id, source_id, file_name, file_path, last_modified`,
		sourceID, name, path, mtime,
	)
	var bf BackupFile
	if err := row.Scan(&bf.ID, &bf.SourceID, &bf.FileName, &bf.FilePath, &bf.LastModified); err != nil {
		return BackupFile{}, &Error{Op: "upsert backup", Err: err}
	}
	return bf, nil
}

// GetSourceByID loads a SourceFile by its surrogate id, used by
// replication to compare a prepared backup's digest against the catalog's
// current record for its linked source.
func (c *Catalog) GetSourceByID(ctx context.Context, id int64) (SourceFile, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, file_name, file_path, hash, file_size, last_modified FROM source_files WHERE id = ?`,
		id,
	)
	var sf SourceFile
	err := row.Scan(&sf.ID, &sf.FileName, &sf.FilePath, &sf.Hash, &sf.FileSize, &sf.LastModified)
	if err == sql.ErrNoRows {
		return SourceFile{}, false, nil
	}
	if err != nil {
		return SourceFile{}, false, &Error{Op: "get source by id", Err: err}
	}
	return sf, true, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// AppendHistory records a completed run, evicting the oldest entry once the
// ring exceeds historyLimit.
func (c *Catalog) AppendHistory(entry RunSummary) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, entry)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
}

// ListHistory returns up to limit most-recent run summaries, newest last.
func (c *Catalog) ListHistory(limit int) []RunSummary {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]RunSummary, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}
