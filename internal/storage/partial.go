package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/postalsys/pakedrop/internal/logging"
)

// partialInfo is stored in a .partial.json sidecar next to an in-flight
// upload so leftovers can be attributed after a crash.
type partialInfo struct {
	TransferID   string    `json:"transfer_id"`
	ExpectedSize int64     `json:"expected_size,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

func partialPath(path string) string {
	return path + partialSuffix
}

func partialInfoPath(path string) string {
	return path + partialInfoSuffix
}

// writePartialInfo writes the sidecar atomically via temp file and rename.
func writePartialInfo(path string, info *partialInfo) error {
	infoPath := partialInfoPath(path)

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal partial info: %w", err)
	}

	tmpPath := infoPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write partial info: %w", err)
	}
	if err := os.Rename(tmpPath, infoPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename partial info: %w", err)
	}
	return nil
}

// cleanupPartial removes both partial files for path, ignoring missing ones.
func cleanupPartial(path string) error {
	var errs []error
	if err := os.Remove(partialPath(path)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove partial file: %w", err))
	}
	if err := os.Remove(partialInfoPath(path)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove partial info: %w", err))
	}
	return errors.Join(errs...)
}

// createPartialFile creates (or truncates) the .partial file for path and
// writes its sidecar.
func createPartialFile(path string, expectedSize int64, transferID string) (*os.File, error) {
	f, err := os.OpenFile(partialPath(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}

	info := &partialInfo{
		TransferID:   transferID,
		ExpectedSize: expectedSize,
		StartedAt:    time.Now(),
	}
	if err := writePartialInfo(path, info); err != nil {
		f.Close()
		os.Remove(partialPath(path))
		return nil, err
	}
	return f, nil
}

// finalizePartial renames the .partial file into place and drops the sidecar.
func finalizePartial(path string, mode os.FileMode) error {
	if err := os.Chmod(partialPath(path), mode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(partialPath(path), path); err != nil {
		return fmt.Errorf("failed to rename partial to final: %w", err)
	}
	os.Remove(partialInfoPath(path))
	return nil
}

// Upload is an in-flight file. It is an io.Writer sink; exactly one of
// Commit or Abort finishes it.
type Upload struct {
	store      *Store
	name       string
	path       string
	transferID string

	mu      sync.Mutex
	f       *os.File
	hash    hash.Hash
	written int64
	done    bool
}

func newUpload(s *Store, name, path, transferID string, f *os.File) *Upload {
	return &Upload{
		store:      s,
		name:       name,
		path:       path,
		transferID: transferID,
		f:          f,
		hash:       sha256.New(),
	}
}

// Name returns the normalized file name.
func (u *Upload) Name() string {
	return u.name
}

// Written returns the number of bytes written so far.
func (u *Upload) Written() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.written
}

// Write appends p. Writes that would exceed the size limit are rejected
// whole with ErrTooLarge.
func (u *Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return 0, os.ErrClosed
	}
	if limit := u.store.maxSize; limit > 0 && u.written+int64(len(p)) > limit {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	n, err := u.f.Write(p)
	u.hash.Write(p[:n])
	u.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", u.name, err)
	}
	return n, nil
}

// Commit moves the upload into place and records it in the catalog.
// encrypted records whether the bytes arrived under transport encryption.
func (u *Upload) Commit(ctx context.Context, encrypted bool) (FileInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return FileInfo{}, os.ErrClosed
	}
	u.done = true
	defer u.store.release(u.name)

	if err := u.f.Sync(); err != nil {
		u.f.Close()
		cleanupPartial(u.path)
		return FileInfo{}, fmt.Errorf("sync %s: %w", u.name, err)
	}
	if err := u.f.Close(); err != nil {
		cleanupPartial(u.path)
		return FileInfo{}, fmt.Errorf("close %s: %w", u.name, err)
	}
	if err := finalizePartial(u.path, 0o640); err != nil {
		cleanupPartial(u.path)
		return FileInfo{}, err
	}

	info := FileInfo{
		Name:       u.name,
		Size:       u.written,
		SHA256:     hex.EncodeToString(u.hash.Sum(nil)),
		TransferID: u.transferID,
		Encrypted:  encrypted,
		StoredAt:   time.Now(),
	}
	if c := u.store.catalog; c != nil {
		if err := c.Record(ctx, info); err != nil {
			return info, err
		}
	}

	u.store.logger.Info("file stored",
		logging.KeyFilename, u.name,
		logging.KeyTransferID, u.transferID,
		logging.KeyBytes, u.written)
	return info, nil
}

// Abort discards the upload. It is safe to call after Commit.
func (u *Upload) Abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	defer u.store.release(u.name)

	u.f.Close()
	if err := cleanupPartial(u.path); err != nil {
		return err
	}
	u.store.logger.Debug("upload discarded",
		logging.KeyFilename, u.name,
		logging.KeyTransferID, u.transferID)
	return nil
}
