package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS files (
  name        TEXT PRIMARY KEY,
  size        INTEGER NOT NULL,
  sha256      TEXT NOT NULL,
  transfer_id TEXT NOT NULL DEFAULT '',
  encrypted   INTEGER NOT NULL DEFAULT 0,
  stored_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_stored_at
ON files (stored_at DESC, name);
`,
}

// Catalog records finalized uploads in SQLite.
type Catalog struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenCatalog opens (or creates) the catalog database at path and runs
// schema migrations.
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		err = c.db.Close()
	})
	return err
}

func (c *Catalog) applyMigrations() error {
	var version int
	if err := c.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (c *Catalog) enableWALMode() error {
	var journalMode string
	if err := c.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// Record inserts or replaces the entry for f.Name.
func (c *Catalog) Record(ctx context.Context, f FileInfo) error {
	if f.Name == "" {
		return errors.New("name is required")
	}
	if f.SHA256 == "" {
		return errors.New("sha256 is required")
	}
	if f.StoredAt.IsZero() {
		f.StoredAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO files (name, size, sha256, transfer_id, encrypted, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			size = excluded.size,
			sha256 = excluded.sha256,
			transfer_id = excluded.transfer_id,
			encrypted = excluded.encrypted,
			stored_at = excluded.stored_at`,
		f.Name,
		f.Size,
		f.SHA256,
		f.TransferID,
		boolToInt(f.Encrypted),
		f.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record file %q: %w", f.Name, err)
	}
	return nil
}

// Get returns the entry for name.
func (c *Catalog) Get(ctx context.Context, name string) (FileInfo, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT name, size, sha256, transfer_id, encrypted, stored_at
		FROM files
		WHERE name = ?`,
		name,
	)
	f, err := scanFileInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("get file %q: %w", name, err)
	}
	return f, nil
}

// List returns all entries, newest first.
func (c *Catalog) List(ctx context.Context) ([]FileInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, size, sha256, transfer_id, encrypted, stored_at
		FROM files
		ORDER BY stored_at DESC, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		f, err := scanFileInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return out, nil
}

// Delete removes the entry for name.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete file %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %q: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileInfo(s scanner) (FileInfo, error) {
	var (
		f         FileInfo
		encrypted int
		storedAt  int64
	)
	if err := s.Scan(&f.Name, &f.Size, &f.SHA256, &f.TransferID, &encrypted, &storedAt); err != nil {
		return FileInfo{}, err
	}
	f.Encrypted = encrypted != 0
	f.StoredAt = time.UnixMilli(storedAt)
	return f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
