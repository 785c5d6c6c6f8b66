package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxSize int64, withCatalog bool) *Store {
	t.Helper()
	dir := t.TempDir()

	var catalog *Catalog
	if withCatalog {
		var err error
		catalog, err = OpenCatalog(filepath.Join(dir, ".pakedrop.db"))
		if err != nil {
			t.Fatalf("open catalog: %v", err)
		}
		t.Cleanup(func() {
			if err := catalog.Close(); err != nil {
				t.Errorf("close catalog: %v", err)
			}
		})
	}

	s, err := New(Options{Dir: dir, MaxFileSize: maxSize, Catalog: catalog})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "report.pdf", "report.pdf", false},
		{"spaces inside", "my report.pdf", "my report.pdf", false},
		{"unicode", "r\u00e9sum\u00e9.txt", "r\u00e9sum\u00e9.txt", false},
		{"decomposed to NFC", "e\u0301.txt", "\u00e9.txt", false},
		{"empty", "", "", true},
		{"parent", "..", "", true},
		{"traversal", "../etc/passwd", "", true},
		{"slash", "a/b", "", true},
		{"backslash", `a\b`, "", true},
		{"hidden", ".env", "", true},
		{"null byte", "a\x00b", "", true},
		{"newline", "a\nb", "", true},
		{"bidi override", "txt.\u202eexe", "", true},
		{"leading space", " a.txt", "", true},
		{"partial suffix", "a.txt.partial", "", true},
		{"sidecar suffix", "a.txt.partial.json", "", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), "", true},
		{"max length", strings.Repeat("a", MaxNameLength), strings.Repeat("a", MaxNameLength), false},
		{"invalid utf8", "a\xffb", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error = %v, want ErrInvalidName", err)
			}
			if got != tt.want {
				t.Errorf("ValidateName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUpload_Commit(t *testing.T) {
	s := newTestStore(t, 0, true)
	ctx := context.Background()
	data := bytes.Repeat([]byte("pakedrop"), 4096)

	u, err := s.Create("data.bin", "xfer-1", int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(s.Dir(), "data.bin.partial")
	if _, err := os.Stat(partial); err != nil {
		t.Fatalf("partial file missing: %v", err)
	}
	if _, err := os.Stat(partial + ".json"); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}

	if _, err := io.Copy(u, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if u.Written() != int64(len(data)) {
		t.Errorf("Written() = %d", u.Written())
	}

	info, err := u.Commit(ctx, true)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	sum := sha256.Sum256(data)
	if info.SHA256 != hex.EncodeToString(sum[:]) || info.Size != int64(len(data)) || !info.Encrypted {
		t.Errorf("info = %+v", info)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
	got, err := os.ReadFile(filepath.Join(s.Dir(), "data.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("stored file mismatch: %v", err)
	}

	files, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "data.bin" || files[0].TransferID != "xfer-1" {
		t.Errorf("List() = %+v", files)
	}

	f, err := s.Open(ctx, "data.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Info.SHA256 != info.SHA256 {
		t.Errorf("Open() info = %+v", f.Info)
	}

	if _, err := u.Commit(ctx, true); err == nil {
		t.Error("second Commit() succeeded")
	}
	if err := u.Abort(); err != nil {
		t.Errorf("Abort() after Commit error = %v", err)
	}
}

func TestUpload_Abort(t *testing.T) {
	s := newTestStore(t, 0, true)

	u, err := s.Create("gone.txt", "xfer", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Write([]byte("half")); err != nil {
		t.Fatal(err)
	}
	if err := u.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gone.txt") {
			t.Errorf("left behind %s", e.Name())
		}
	}
	if _, err := s.Open(context.Background(), "gone.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
	if _, err := u.Write([]byte("more")); err == nil {
		t.Error("Write() after Abort succeeded")
	}
}

func TestStore_MaxFileSize(t *testing.T) {
	s := newTestStore(t, 10, false)

	if _, err := s.Create("big.bin", "x", 11); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Create() declared too large error = %v", err)
	}

	u, err := s.Create("big.bin", "x", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Abort()
	if _, err := u.Write([]byte("123456")); err != nil {
		t.Fatal(err)
	}
	if n, err := u.Write([]byte("78901")); !errors.Is(err, ErrTooLarge) || n != 0 {
		t.Errorf("Write() past limit = %d, %v", n, err)
	}
	if _, err := u.Write([]byte("7890")); err != nil {
		t.Errorf("Write() up to limit error = %v", err)
	}
}

func TestStore_ConcurrentUploadSameName(t *testing.T) {
	s := newTestStore(t, 0, false)

	u, err := s.Create("same.txt", "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("same.txt", "b", 0); !errors.Is(err, ErrBusy) {
		t.Errorf("second Create() error = %v, want ErrBusy", err)
	}
	_ = u.Abort()
	u2, err := s.Create("same.txt", "b", 0)
	if err != nil {
		t.Fatalf("Create() after Abort error = %v", err)
	}
	_ = u2.Abort()
}

func TestStore_OpenRejectsBadNames(t *testing.T) {
	s := newTestStore(t, 0, false)
	if err := os.WriteFile(filepath.Join(filepath.Dir(s.Dir()), "secret"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../secret", "", ".pakedrop.db"} {
		if _, err := s.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(s.Dir(), "subdir"), 0o700); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), "subdir"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(dir) error = %v, want ErrNotFound", err)
	}
}

func TestStore_OpenForgetsMissingFile(t *testing.T) {
	s := newTestStore(t, 0, true)
	ctx := context.Background()

	u, _ := s.Create("vanish.txt", "x", 0)
	_, _ = u.Write([]byte("data"))
	if _, err := u.Commit(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(s.Dir(), "vanish.txt")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Open(ctx, "vanish.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
	files, _ := s.List(ctx)
	if len(files) != 0 {
		t.Errorf("catalog still lists %+v", files)
	}
}

func TestStore_ListWithoutCatalog(t *testing.T) {
	s := newTestStore(t, 0, false)
	ctx := context.Background()

	for _, name := range []string{"b.txt", "a.txt"} {
		u, err := s.Create(name, "x", 0)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = u.Write([]byte(name))
		if _, err := u.Commit(ctx, false); err != nil {
			t.Fatal(err)
		}
	}
	inflight, _ := s.Create("c.txt", "x", 0)
	defer inflight.Abort()

	files, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Name != "a.txt" || files[1].Name != "b.txt" {
		t.Errorf("List() = %+v", files)
	}
}

func TestStore_CleanupPartials(t *testing.T) {
	s := newTestStore(t, 0, false)

	stale := filepath.Join(s.Dir(), "stale.bin")
	f, err := createPartialFile(stale, 0, "old")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(partialPath(stale), old, old); err != nil {
		t.Fatal(err)
	}

	live, err := s.Create("live.bin", "new", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Abort()
	if err := os.Chtimes(filepath.Join(s.Dir(), "live.bin.partial"), old, old); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupPartials(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CleanupPartials() = %d, want 1", n)
	}
	if _, err := os.Stat(partialPath(stale)); !os.IsNotExist(err) {
		t.Error("stale partial not removed")
	}
	if _, err := os.Stat(partialInfoPath(stale)); !os.IsNotExist(err) {
		t.Error("stale sidecar not removed")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "live.bin.partial")); err != nil {
		t.Error("in-flight partial removed")
	}
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for empty dir")
	}
}
