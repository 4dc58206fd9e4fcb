package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/guni1192/droprelay/relay/codes"
	"github.com/guni1192/droprelay/relay/logger"
)

const blobSuffix = ".blob"

// Config configures a FileStore.
type Config struct {
	Dir              string
	MaxFileSize      int64
	Retention        time.Duration
	DeleteOnDownload bool
	OrphanAge        time.Duration
}

type entry struct {
	meta Meta
	path string
}

// FileStore implements Store on a local directory. Codes come from the
// same allocator as live sessions.
type FileStore struct {
	cfg       Config
	allocator codes.Allocator
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the upload directory if needed.
func NewFileStore(cfg Config, allocator codes.Allocator, l *slog.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	if l == nil {
		l = logger.Discard()
	}
	return &FileStore{
		cfg:       cfg,
		allocator: allocator,
		logger:    logger.WithComponent(l, "Storage"),
		now:       time.Now,
		entries:   make(map[string]*entry),
	}, nil
}

// SetClock replaces the time source.
func (s *FileStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *FileStore) Put(ctx context.Context, r io.Reader, meta Meta) (Meta, error) {
	name, err := randomName()
	if err != nil {
		return Meta{}, err
	}
	path := filepath.Join(s.cfg.Dir, name+blobSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Meta{}, fmt.Errorf("create blob: %w", err)
	}

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if s.cfg.MaxFileSize > 0 {
		src = io.LimitReader(src, s.cfg.MaxFileSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.cfg.MaxFileSize > 0 && n > s.cfg.MaxFileSize {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.cfg.MaxFileSize)
	}
	if err != nil {
		os.Remove(path)
		return Meta{}, err
	}

	code, err := s.allocator.Allocate(OwnerStorage)
	if err != nil {
		os.Remove(path)
		return Meta{}, fmt.Errorf("failed to allocate pickup code: %w", err)
	}

	s.mu.Lock()
	now := s.now()
	meta.Code = code
	meta.Size = n
	meta.UploadedAt = now
	meta.DeleteOnDownload = s.cfg.DeleteOnDownload
	meta.ExpiresAt = time.Time{}
	if s.cfg.Retention > 0 {
		meta.ExpiresAt = now.Add(s.cfg.Retention)
	}
	s.entries[code] = &entry{meta: meta, path: path}
	s.mu.Unlock()

	s.logger.Info("File stored",
		slog.String("pickup_code", code),
		slog.Int64("bytes", n),
	)
	return meta, nil
}

func (s *FileStore) lookup(code string) (*entry, error) {
	norm, err := codes.Normalize(code)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[norm]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.meta.ExpiresAt.IsZero() && !s.now().Before(e.meta.ExpiresAt) {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *FileStore) Open(code string) (io.ReadCloser, Meta, error) {
	e, err := s.lookup(code)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("open blob: %w", err)
	}
	if !e.meta.DeleteOnDownload {
		return f, e.meta, nil
	}
	return &deletingReader{f: f, store: s, code: e.meta.Code}, e.meta, nil
}

func (s *FileStore) Stat(code string) (Meta, error) {
	e, err := s.lookup(code)
	if err != nil {
		return Meta{}, err
	}
	return e.meta, nil
}

func (s *FileStore) Exists(code string) bool {
	_, err := s.lookup(code)
	return err == nil
}

func (s *FileStore) Delete(code string) error {
	norm, err := codes.Normalize(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[norm]
	if ok {
		delete(s.entries, norm)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.allocator.Release(norm)
	if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	s.logger.Info("File deleted", slog.String("pickup_code", norm))
	return nil
}

func (s *FileStore) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []string
	known := make(map[string]bool, len(s.entries))
	for code, e := range s.entries {
		if !e.meta.ExpiresAt.IsZero() && !now.Before(e.meta.ExpiresAt) {
			expired = append(expired, code)
			continue
		}
		known[filepath.Base(e.path)] = true
	}
	s.mu.Unlock()

	removed := 0
	for _, code := range expired {
		if err := s.Delete(code); err == nil {
			removed++
		}
	}

	if s.cfg.OrphanAge > 0 {
		removed += s.sweepOrphans(now, known)
	}
	return removed
}

// sweepOrphans removes blob files no entry refers to, e.g. left behind by a
// restart, once they are older than OrphanAge.
func (s *FileStore) sweepOrphans(now time.Time, known map[string]bool) int {
	dirents, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Warn("Failed to scan storage directory", slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), blobSuffix) || known[de.Name()] {
			continue
		}
		info, err := de.Info()
		if err != nil || now.Sub(info.ModTime()) < s.cfg.OrphanAge {
			continue
		}
		s.mu.Lock()
		inUse := false
		for _, e := range s.entries {
			if filepath.Base(e.path) == de.Name() {
				inUse = true
				break
			}
		}
		s.mu.Unlock()
		if inUse {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, de.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval until ctx ends.
func (s *FileStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				s.logger.Info("Expired files removed", slog.Int("count", n))
			}
		}
	}
}

// Count returns the number of stored blobs.
func (s *FileStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close forgets every entry and releases their codes. Files stay on disk
// and are reclaimed as orphans.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code := range s.entries {
		s.allocator.Release(code)
	}
	s.entries = make(map[string]*entry)
	return nil
}

func randomName() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate blob name: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// deletingReader removes its blob when closed after reaching EOF.
type deletingReader struct {
	f     *os.File
	store *FileStore
	code  string
	eof   bool
}

func (d *deletingReader) Read(p []byte) (int, error) {
	n, err := d.f.Read(p)
	if errors.Is(err, io.EOF) {
		d.eof = true
	}
	return n, err
}

func (d *deletingReader) Close() error {
	err := d.f.Close()
	if d.eof {
		if derr := d.store.Delete(d.code); derr != nil && !errors.Is(derr, ErrNotFound) {
			return derr
		}
	}
	return err
}
