// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore provides random-access byte storage per file id.
// Each file lives in its own blob under the store directory. Open
// handles are cached and shared: piece writes and reads are positional
// (pread/pwrite) on disjoint ranges, so the one writer and any number
// of readers need no byte-level locking. Handles idle longer than the
// configured window are closed by a clock-driven sweep.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pieceline/pieceline/lib/clock"
)

// ErrNotFound is returned when no blob exists for a file id.
var ErrNotFound = errors.New("blobstore: not found")

// Config holds the parameters for opening a store. Dir is required.
type Config struct {
	// Dir is the directory holding blob files, created if absent.
	Dir string

	// IdleTimeout closes cached handles unused for this long. Zero
	// disables the sweep; handles then stay open until Remove or
	// Close.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs. Defaults to
	// IdleTimeout when zero.
	SweepInterval time.Duration

	// Clock drives the idle sweep. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the blob store. Safe for concurrent use.
type Store struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	sweepDone chan struct{}
	sweepStop chan struct{}
}

// handle is one cached open blob file. inUse counts in-flight I/O
// operations; the sweep never closes a handle with inUse > 0.
type handle struct {
	file     *os.File
	lastUsed time.Time
	inUse    int
}

// Open opens the store rooted at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("blobstore: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", cfg.Dir, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store := &Store{
		dir:     cfg.Dir,
		clock:   clk,
		logger:  logger,
		handles: make(map[string]*handle),
	}

	if cfg.IdleTimeout > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout
		}
		store.sweepStop = make(chan struct{})
		store.sweepDone = make(chan struct{})
		// The ticker is registered before Open returns, so a fake
		// clock advanced right after Open still fires the first sweep.
		ticker := clk.NewTicker(interval)
		go store.sweep(ticker, cfg.IdleTimeout)
	}

	return store, nil
}

// validateID rejects ids that could escape the store directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("blobstore: invalid file id %q", id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".blob")
}

// Create allocates the blob for a new file at its full declared size.
// Preallocation is best-effort; at minimum the file is extended to
// size so later positional writes cannot fail on a short file.
func (s *Store) Create(id string, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("blobstore: size %d must be positive", size)
	}

	file, err := os.OpenFile(s.path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("blobstore: creating blob %s: %w", id, err)
	}

	if err := preallocate(file, size); err != nil {
		file.Close()
		os.Remove(s.path(id))
		return fmt.Errorf("blobstore: allocating %d bytes for %s: %w", size, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		file.Close()
		return fmt.Errorf("blobstore: store is closed")
	}
	s.handles[id] = &handle{file: file, lastUsed: s.clock.Now()}
	return nil
}

// acquire returns the cached handle for id, opening the blob if the
// handle was swept. The caller must release it after I/O.
func (s *Store) acquire(id string) (*handle, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("blobstore: store is closed")
	}

	h, ok := s.handles[id]
	if !ok {
		file, err := os.OpenFile(s.path(id), os.O_RDWR, 0o644)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("blobstore: blob %s: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("blobstore: opening blob %s: %w", id, err)
		}
		h = &handle{file: file}
		s.handles[id] = h
	}
	h.inUse++
	h.lastUsed = s.clock.Now()
	return h, nil
}

func (s *Store) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.inUse--
	h.lastUsed = s.clock.Now()
}

// WriteAt writes data at the given offset. Piece ranges are disjoint,
// so concurrent WriteAt calls for different pieces are safe.
func (s *Store) WriteAt(id string, data []byte, offset int64) error {
	h, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer s.release(h)

	if _, err := h.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("blobstore: writing %d bytes at %d in %s: %w", len(data), offset, id, err)
	}
	return nil
}

// ReadAt reads length bytes at the given offset.
func (s *Store) ReadAt(id string, offset, length int64) ([]byte, error) {
	h, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.release(h)

	buffer := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(h.file, offset, length), buffer); err != nil {
		return nil, fmt.Errorf("blobstore: reading %d bytes at %d in %s: %w", length, offset, id, err)
	}
	return buffer, nil
}

// OpenFile opens an independent read-only handle on a blob, outside
// the handle cache. Used by the HTTP gateway to serve whole files
// with ServeContent; the caller closes it.
func (s *Store) OpenFile(id string) (*os.File, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore: blob %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("blobstore: opening blob %s: %w", id, err)
	}
	return file, nil
}

// Sync flushes a blob's data to stable storage.
func (s *Store) Sync(id string) error {
	h, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer s.release(h)

	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("blobstore: syncing %s: %w", id, err)
	}
	return nil
}

// Remove closes any cached handle and deletes the blob. Removing an
// unknown id is a no-op, so abort cleanup is idempotent.
func (s *Store) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	if h, ok := s.handles[id]; ok {
		h.file.Close()
		delete(s.handles, id)
	}
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: removing blob %s: %w", id, err)
	}
	return nil
}

// sweep periodically closes handles that have been idle longer than
// timeout. Runs until Close.
func (s *Store) sweep(ticker *clock.Ticker, timeout time.Duration) {
	defer close(s.sweepDone)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case now := <-ticker.C:
			s.closeIdle(now, timeout)
		}
	}
}

func (s *Store) closeIdle(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.handles {
		if h.inUse > 0 || now.Sub(h.lastUsed) < timeout {
			continue
		}
		if err := h.file.Close(); err != nil {
			s.logger.Warn("closing idle blob handle", "file_id", id, "error", err)
		}
		delete(s.handles, id)
	}
}

// OpenHandles reports how many blob handles are currently cached.
func (s *Store) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close stops the sweep and closes every cached handle.
func (s *Store) Close() error {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	var firstErr error
	for id, h := range s.handles {
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("blobstore: closing %s: %w", id, err)
		}
		delete(s.handles, id)
	}
	return firstErr
}
