// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/boljen/go-bitmap"

	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/clock"
	"github.com/pieceline/pieceline/lib/metastore"
	"github.com/pieceline/pieceline/lib/piecehash"
	"github.com/pieceline/pieceline/lib/pieceplan"
	"github.com/pieceline/pieceline/lib/quota"
)

// IngestConfig tunes the write-behind flush of piece completion
// flags. Metadata writes are batched: flushed every FlushEveryPieces
// verified pieces or after FlushInterval, whichever comes first, and
// always synchronously on the final piece. A crash loses at most one
// batch window of flags; the bytes themselves are already on disk.
type IngestConfig struct {
	FlushEveryPieces int
	FlushInterval    time.Duration
}

// DefaultIngestConfig returns the standard flush heuristic.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{FlushEveryPieces: 16, FlushInterval: 2 * time.Second}
}

// SessionState is the ingest session lifecycle state.
type SessionState uint8

const (
	// StateReceiving accepts pieces in any order.
	StateReceiving SessionState = iota

	// StateComplete means every piece verified; the file is now
	// immutable.
	StateComplete

	// StateAborted means the partial artifact was destroyed.
	StateAborted
)

// IngestSession owns the write path for one file id: it is the sole
// writer of the file's bytes and completion flags while active.
// Pieces arrive in any order; each is verified against its claimed
// hash before any byte lands in the blob store.
type IngestSession struct {
	FileID string
	Plan   pieceplan.Plan

	name     string
	mimeType string

	meta   *metastore.Store
	blobs  *blobstore.Store
	quotas quota.Checker
	hub    *Hub
	clk    clock.Clock
	logger *slog.Logger
	cfg    IngestConfig

	// onClose removes the session from the registry. Called exactly
	// once, on completion or abort.
	onClose func(fileID string)

	// onComplete and onAbort notify the producer's transport. Set at
	// creation, never mutated.
	onComplete func(fileID string)
	onAbort    func(fileID, message string)

	mu            sync.Mutex
	state         SessionState
	complete      bitmap.Bitmap
	inflight      bitmap.Bitmap
	completeCount int
	pending       []metastore.PieceMark
	lastFlush     time.Time

	flushStop chan struct{}
	flushDone chan struct{}
	stopOnce  sync.Once
}

func newIngestSession(fileID string, plan pieceplan.Plan, req InitRequest, deps sessionDeps) *IngestSession {
	session := &IngestSession{
		FileID:     fileID,
		Plan:       plan,
		name:       req.Name,
		mimeType:   req.MimeType,
		meta:       deps.meta,
		blobs:      deps.blobs,
		quotas:     deps.quotas,
		hub:        deps.hub,
		clk:        deps.clk,
		logger:     deps.logger,
		cfg:        deps.cfg,
		onClose:    deps.onClose,
		onComplete: req.OnComplete,
		onAbort:    req.OnAbort,
		complete:   bitmap.New(plan.PieceCount),
		inflight:   bitmap.New(plan.PieceCount),
		lastFlush:  deps.clk.Now(),
		flushStop:  make(chan struct{}),
		flushDone:  make(chan struct{}),
	}
	// The ticker is registered before the session is returned, so a
	// fake clock advanced right after StartIngest still fires the
	// first timed flush.
	ticker := deps.clk.NewTicker(deps.cfg.FlushInterval)
	go session.flusher(ticker)
	return session
}

// Name returns the declared file name.
func (s *IngestSession) Name() string { return s.name }

// MimeType returns the declared content type.
func (s *IngestSession) MimeType() string { return s.mimeType }

// State returns the current lifecycle state.
func (s *IngestSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CompleteBitfield returns a copy of the completion bitfield and
// whether every piece is complete.
func (s *IngestSession) CompleteBitfield() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.complete.Data(true)
	return raw, s.completeCount == s.Plan.PieceCount
}

// PieceComplete reports whether one index is verified.
func (s *IngestSession) PieceComplete(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < s.Plan.PieceCount && s.complete.Get(index)
}

// PutPiece verifies and stores one piece. Any order; duplicates of a
// verified piece are idempotent no-ops, while a concurrent resubmission
// of an index still being verified is rejected with a conflict, since
// the racing verification may yet fail. The piece is rejected and stays
// incomplete when its length disagrees with the plan or its hash
// disagrees with the claimed hash. On success the bytes are written at
// the piece's offset, completion is recorded, and the fan-out hub is
// notified.
func (s *IngestSession) PutPiece(ctx context.Context, index int, data []byte, claimed piecehash.Hash) error {
	entry, ok := s.Plan.Entry(index)
	if !ok {
		return Errorf(KindNotFound, s.FileID, "piece index %d out of range [0, %d)", index, s.Plan.PieceCount)
	}

	s.mu.Lock()
	switch s.state {
	case StateAborted:
		s.mu.Unlock()
		return Errorf(KindSessionFailed, s.FileID, "session aborted")
	case StateComplete:
		s.mu.Unlock()
		return nil // every piece already verified; duplicate
	}
	if s.complete.Get(index) {
		s.mu.Unlock()
		return nil // duplicate of a verified piece
	}
	if s.inflight.Get(index) {
		// A success reply must mean "verified and stored". The racing
		// submission may still fail its hash check, so this one cannot
		// be acked as a duplicate; the producer retries if needed.
		s.mu.Unlock()
		return Errorf(KindConflict, s.FileID, "piece %d verification already in flight", index)
	}
	if int64(len(data)) != entry.Length {
		s.mu.Unlock()
		return Errorf(KindValidation, s.FileID, "piece %d is %d bytes, plan says %d", index, len(data), entry.Length)
	}
	s.inflight.Set(index, true)
	s.mu.Unlock()

	actual := piecehash.Sum(data)
	if actual != claimed {
		s.clearInflight(index)
		return Errorf(KindIntegrity, s.FileID, "piece %d hash %s does not match claimed %s", index, actual, claimed)
	}

	if err := s.blobs.WriteAt(s.FileID, data, entry.Offset); err != nil {
		// A storage write failure is fatal for the whole session.
		s.clearInflight(index)
		s.logger.Error("piece write failed, aborting session",
			"file_id", s.FileID, "index", index, "error", err)
		s.Abort(ctx, "storage write failed")
		return Errorf(KindSessionFailed, s.FileID, "storage write failed for piece %d", index)
	}

	s.mu.Lock()
	if s.state != StateReceiving {
		s.mu.Unlock()
		return Errorf(KindSessionFailed, s.FileID, "session aborted")
	}
	s.inflight.Set(index, false)
	s.complete.Set(index, true)
	s.completeCount++
	s.pending = append(s.pending, metastore.PieceMark{Index: index, Hash: actual})
	final := s.completeCount == s.Plan.PieceCount

	var batch []metastore.PieceMark
	if final || len(s.pending) >= s.cfg.FlushEveryPieces ||
		s.clk.Now().Sub(s.lastFlush) >= s.cfg.FlushInterval {
		batch = s.takeBatchLocked()
	}
	s.mu.Unlock()

	s.hub.PieceCompleted(s.FileID, index, entry.Offset, entry.Length, actual)

	if batch != nil {
		if err := s.flushBatch(ctx, batch); err != nil {
			if final {
				s.logger.Error("final metadata flush failed, aborting session",
					"file_id", s.FileID, "error", err)
				s.Abort(ctx, "metadata flush failed")
				return Errorf(KindSessionFailed, s.FileID, "metadata flush failed")
			}
			// A mid-transfer flush failure costs at most this batch
			// window on crash; the marks are requeued and retried.
			s.requeue(batch)
			s.logger.Warn("metadata flush failed, batch requeued",
				"file_id", s.FileID, "pieces", len(batch), "error", err)
		}
	}

	if final {
		return s.finish(ctx)
	}
	return nil
}

func (s *IngestSession) clearInflight(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight.Set(index, false)
}

// takeBatchLocked removes and returns the pending marks. Caller holds
// s.mu.
func (s *IngestSession) takeBatchLocked() []metastore.PieceMark {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.lastFlush = s.clk.Now()
	return batch
}

func (s *IngestSession) requeue(batch []metastore.PieceMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
}

func (s *IngestSession) flushBatch(ctx context.Context, batch []metastore.PieceMark) error {
	return s.meta.MarkComplete(ctx, s.FileID, batch)
}

// flusher drains pending marks on the time window, so progress is
// persisted even when the producer stalls between pieces.
func (s *IngestSession) flusher(ticker *clock.Ticker) {
	defer close(s.flushDone)
	defer ticker.Stop()

	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			var batch []metastore.PieceMark
			if s.state == StateReceiving && s.clk.Now().Sub(s.lastFlush) >= s.cfg.FlushInterval {
				batch = s.takeBatchLocked()
			}
			s.mu.Unlock()

			if batch == nil {
				continue
			}
			if err := s.flushBatch(context.Background(), batch); err != nil {
				s.requeue(batch)
				s.logger.Warn("periodic metadata flush failed, batch requeued",
					"file_id", s.FileID, "pieces", len(batch), "error", err)
			}
		}
	}
}

func (s *IngestSession) stopFlusher() {
	s.stopOnce.Do(func() {
		close(s.flushStop)
		<-s.flushDone
	})
}

// finish runs the completion path after the final piece: durable
// flags, state transition, registry removal, and the completion
// signal to producer and subscribers.
func (s *IngestSession) finish(ctx context.Context) error {
	if err := s.meta.MarkFileComplete(ctx, s.FileID); err != nil {
		s.logger.Error("marking file complete failed, aborting session",
			"file_id", s.FileID, "error", err)
		s.Abort(ctx, "metadata flush failed")
		return Errorf(KindSessionFailed, s.FileID, "metadata flush failed")
	}
	if err := s.blobs.Sync(s.FileID); err != nil {
		s.logger.Warn("blob sync on completion failed", "file_id", s.FileID, "error", err)
	}

	s.mu.Lock()
	s.state = StateComplete
	s.mu.Unlock()

	s.stopFlusher()
	s.onClose(s.FileID)
	s.hub.TransferCompleted(s.FileID)

	s.logger.Info("ingest complete",
		"file_id", s.FileID, "pieces", s.Plan.PieceCount, "size", s.Plan.Size)

	if s.onComplete != nil {
		s.onComplete(s.FileID)
	}
	return nil
}

// Abort destroys the session and everything it wrote: the partial
// blob, all piece rows, and the descriptor. Every current subscriber
// receives a failure notification exactly once. Idempotent; a no-op
// after completion.
func (s *IngestSession) Abort(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state != StateReceiving {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.mu.Unlock()

	s.stopFlusher()
	s.onClose(s.FileID)
	s.hub.TransferFailed(s.FileID, reason)

	if err := s.blobs.Remove(s.FileID); err != nil {
		s.logger.Error("removing aborted blob failed", "file_id", s.FileID, "error", err)
	}
	if err := s.meta.DeleteFile(ctx, s.FileID); err != nil {
		s.logger.Error("deleting aborted metadata failed", "file_id", s.FileID, "error", err)
	}
	s.quotas.Release(s.Plan.Size)

	s.logger.Info("ingest aborted", "file_id", s.FileID, "reason", reason)

	if s.onAbort != nil {
		s.onAbort(s.FileID, reason)
	}
}
