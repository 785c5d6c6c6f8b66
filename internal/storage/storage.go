// Package storage keeps uploaded files on the local filesystem and records
// finalized uploads in a SQLite catalog.
//
// Files are stored as plaintext. Transfer encryption ends at the server; the
// per-transfer key never outlives its session, so nothing stored on disk can
// depend on it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/pakedrop/internal/logging"
)

var (
	// ErrNotFound is returned for files that do not exist.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName is returned for names that fail ValidateName.
	ErrInvalidName = errors.New("invalid file name")

	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds maximum size")

	// ErrBusy is returned when another upload to the same name is in flight.
	ErrBusy = errors.New("upload already in progress")
)

// FileInfo describes a stored file.
type FileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	Encrypted  bool      `json:"encrypted"`
	StoredAt   time.Time `json:"stored_at"`
}

// Options configures a Store.
type Options struct {
	// Dir holds uploaded files. It is created if missing.
	Dir string

	// MaxFileSize limits a single upload in bytes. Zero means unlimited.
	MaxFileSize int64

	// Catalog is optional. Without it listings come from the directory.
	Catalog *Catalog

	Logger *slog.Logger
}

// Store manages the upload directory.
type Store struct {
	dir     string
	maxSize int64
	catalog *Catalog
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]string // name -> transfer id
}

// New creates the upload directory if needed and returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{
		dir:     dir,
		maxSize: opts.MaxFileSize,
		catalog: opts.Catalog,
		logger:  logger.With(logging.KeyComponent, "storage"),
		active:  make(map[string]string),
	}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create starts an upload of name for transferID. declaredSize is checked
// against the limit up front when known (>0).
func (s *Store) Create(name, transferID string, declaredSize int64) (*Upload, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	if s.maxSize > 0 && declaredSize > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, declaredSize, s.maxSize)
	}

	s.mu.Lock()
	if owner, ok := s.active[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (transfer %s)", ErrBusy, name, owner)
	}
	s.active[name] = transferID
	s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	f, err := createPartialFile(path, declaredSize, transferID)
	if err != nil {
		s.release(name)
		return nil, err
	}

	s.logger.Debug("upload started",
		logging.KeyFilename, name,
		logging.KeyTransferID, transferID)
	return newUpload(s, name, path, transferID, f), nil
}

func (s *Store) release(name string) {
	s.mu.Lock()
	delete(s.active, name)
	s.mu.Unlock()
}

// File is an open stored file.
type File struct {
	*os.File
	Info FileInfo
}

// Open opens a stored file for download.
func (s *Store) Open(ctx context.Context, name string) (*File, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, name)
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(ctx, name)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	info := FileInfo{Name: name, Size: st.Size(), StoredAt: st.ModTime()}
	if s.catalog != nil {
		if rec, err := s.catalog.Get(ctx, name); err == nil && rec.Size == st.Size() {
			info = rec
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &File{File: f, Info: info}, nil
}

// forget drops a catalog entry whose file has gone missing.
func (s *Store) forget(ctx context.Context, name string) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.Delete(ctx, name); err == nil {
		s.logger.Warn("removed catalog entry for missing file", logging.KeyFilename, name)
	}
}

// List returns the stored files. With a catalog the order is newest first,
// otherwise by name.
func (s *Store) List(ctx context.Context) ([]FileInfo, error) {
	if s.catalog != nil {
		return s.catalog.List(ctx)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	var out []FileInfo
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		if _, err := ValidateName(de.Name()); err != nil {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: de.Name(), Size: fi.Size(), StoredAt: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CleanupPartials removes leftover partial uploads last modified before
// cutoff. In-flight uploads are never touched.
func (s *Store) CleanupPartials(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read storage directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, de := range entries {
		name := de.Name()
		if !strings.HasSuffix(name, partialSuffix) {
			continue
		}
		final := strings.TrimSuffix(name, partialSuffix)
		if _, ok := s.active[final]; ok {
			continue
		}
		fi, err := de.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := cleanupPartial(filepath.Join(s.dir, final)); err != nil {
			s.logger.Warn("failed to remove stale partial",
				logging.KeyFilename, final,
				logging.KeyError, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed stale partial uploads", logging.KeyCount, removed)
	}
	return removed, nil
}
