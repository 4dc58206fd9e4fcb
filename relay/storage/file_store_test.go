package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guni1192/droprelay/relay/codes"
)

func TestFileStore_PutOpen(t *testing.T) {
	store, alloc := newTestStore(t, Config{Retention: time.Hour})

	meta, err := store.Put(context.Background(), strings.NewReader("hello"), Meta{Name: "a.txt", Type: "text/plain"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !codes.Valid(meta.Code) {
		t.Errorf("Put() returned malformed code %q", meta.Code)
	}
	if meta.Size != 5 {
		t.Errorf("Expected size 5, got %d", meta.Size)
	}
	if a, _ := alloc.GetAllocation(meta.Code); a == nil || a.Owner != OwnerStorage {
		t.Errorf("Expected code %s allocated to %s", meta.Code, OwnerStorage)
	}

	rc, got, err := store.Open(strings.ToLower(meta.Code))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	if got.Name != "a.txt" {
		t.Errorf("Expected name a.txt, got %s", got.Name)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("Expected content hello, got %q", data)
	}
}

func TestFileStore_TooLarge(t *testing.T) {
	store, alloc := newTestStore(t, Config{MaxFileSize: 4})

	_, err := store.Put(context.Background(), strings.NewReader("hello"), Meta{Name: "big"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if stats := alloc.GetStats(); stats.Allocated != 0 {
		t.Errorf("Expected no allocated codes, got %d", stats.Allocated)
	}
	if n := countBlobs(t, store.cfg.Dir); n != 0 {
		t.Errorf("Expected no blob files, got %d", n)
	}

	if _, err := store.Put(context.Background(), strings.NewReader("fits"), Meta{Name: "ok"}); err != nil {
		t.Errorf("Put() at the limit error = %v", err)
	}
}

func TestFileStore_Canceled(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, strings.NewReader("data"), Meta{Name: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if n := countBlobs(t, store.cfg.Dir); n != 0 {
		t.Errorf("Expected no blob files, got %d", n)
	}
}

func TestFileStore_DeleteOnDownload(t *testing.T) {
	store, alloc := newTestStore(t, Config{DeleteOnDownload: true})

	meta, err := store.Put(context.Background(), strings.NewReader("payload"), Meta{Name: "p"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// A partial read keeps the blob.
	rc, _, err := store.Open(meta.Code)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	buf := make([]byte, 2)
	rc.Read(buf)
	rc.Close()
	if !store.Exists(meta.Code) {
		t.Fatal("Blob should survive a partial download")
	}

	rc, _, err = store.Open(meta.Code)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if store.Exists(meta.Code) {
		t.Error("Blob should be removed after a complete download")
	}
	if alloc.InUse(meta.Code) {
		t.Errorf("Code %s should be released", meta.Code)
	}
}

func TestFileStore_Retention(t *testing.T) {
	store, alloc := newTestStore(t, Config{Retention: time.Hour})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	meta, err := store.Put(context.Background(), strings.NewReader("x"), Meta{Name: "x"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !meta.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected expiry %v, got %v", now.Add(time.Hour), meta.ExpiresAt)
	}

	if n := store.Sweep(now.Add(30 * time.Minute)); n != 0 {
		t.Errorf("Expected nothing swept, got %d", n)
	}

	now = now.Add(time.Hour)
	if _, err := store.Stat(meta.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired blob to be hidden, got %v", err)
	}

	if n := store.Sweep(now); n != 1 {
		t.Errorf("Expected 1 swept, got %d", n)
	}
	if alloc.InUse(meta.Code) {
		t.Errorf("Code %s should be released", meta.Code)
	}
	if n := countBlobs(t, store.cfg.Dir); n != 0 {
		t.Errorf("Expected no blob files, got %d", n)
	}
}

func TestFileStore_SweepOrphans(t *testing.T) {
	store, _ := newTestStore(t, Config{OrphanAge: 10 * time.Minute})

	kept, err := store.Put(context.Background(), strings.NewReader("keep"), Meta{Name: "k"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	orphan := filepath.Join(store.cfg.Dir, "deadbeef"+blobSuffix)
	if err := os.WriteFile(orphan, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(store.cfg.Dir, "notes.txt")
	if err := os.WriteFile(other, []byte("unrelated"), 0o640); err != nil {
		t.Fatal(err)
	}

	if n := store.Sweep(time.Now()); n != 0 {
		t.Errorf("Expected fresh orphan to survive, got %d swept", n)
	}
	if n := store.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("Expected 1 orphan swept, got %d", n)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("Orphan blob should be removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("Non-blob files should be left alone")
	}
	if !store.Exists(kept.Code) {
		t.Error("Tracked blob should survive the orphan sweep")
	}
}

func TestFileStore_Delete(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	meta, err := store.Put(context.Background(), strings.NewReader("x"), Meta{Name: "x"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(meta.Code); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(meta.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if _, _, err := store.Open(meta.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on open, got %v", err)
	}
	if err := store.Delete("bad!"); !errors.Is(err, codes.ErrInvalidFormat) {
		t.Errorf("Expected ErrInvalidFormat, got %v", err)
	}
}

func TestFileStore_SharedKeyspace(t *testing.T) {
	store, alloc := newTestStore(t, Config{})

	sessionCode, err := alloc.Allocate("session")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	meta, err := store.Put(context.Background(), strings.NewReader("x"), Meta{Name: "x"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if meta.Code == sessionCode {
		t.Errorf("Stored blob reused live session code %s", sessionCode)
	}
	if store.Exists(sessionCode) {
		t.Errorf("Session code %s should not resolve to a blob", sessionCode)
	}
}

// Helper functions

func newTestStore(t *testing.T, cfg Config) (*FileStore, codes.Allocator) {
	t.Helper()
	cfg.Dir = t.TempDir()
	alloc := codes.NewAllocator(codes.Config{})
	store, err := NewFileStore(cfg, alloc, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		alloc.Close()
	})
	return store, alloc
}

func countBlobs(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), blobSuffix) {
			n++
		}
	}
	return n
}
