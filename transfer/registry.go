// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/clock"
	"github.com/pieceline/pieceline/lib/metastore"
	"github.com/pieceline/pieceline/lib/pieceplan"
	"github.com/pieceline/pieceline/lib/quota"
)

// InitRequest describes a new transfer. FileID is optional: when empty
// the server assigns a fresh UUID; when set it must not collide with
// any live session or stored file.
type InitRequest struct {
	FileID   string
	Name     string
	Size     int64
	MimeType string

	// OnComplete and OnAbort notify the producer's transport when the
	// session leaves the receiving state. They receive the session's
	// file id, which may have been server-assigned. Either may be nil.
	OnComplete func(fileID string)
	OnAbort    func(fileID, message string)
}

type sessionDeps struct {
	meta    *metastore.Store
	blobs   *blobstore.Store
	quotas  quota.Checker
	hub     *Hub
	clk     clock.Clock
	logger  *slog.Logger
	cfg     IngestConfig
	onClose func(fileID string)
}

// Registry tracks the active ingest session per file id and enforces
// single-writer semantics: at most one session may ever exist for an
// id, and an id with a stored descriptor can never be re-ingested.
type Registry struct {
	meta   *metastore.Store
	blobs  *blobstore.Store
	quotas quota.Checker
	hub    *Hub
	clk    clock.Clock
	logger *slog.Logger
	cfg    IngestConfig

	mu       sync.Mutex
	sessions map[string]*IngestSession
}

// RegistryConfig carries the registry's collaborators. Quotas, Clock,
// and Logger are optional.
type RegistryConfig struct {
	Meta   *metastore.Store
	Blobs  *blobstore.Store
	Quotas quota.Checker
	Hub    *Hub
	Clock  clock.Clock
	Logger *slog.Logger
	Ingest IngestConfig
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Quotas == nil {
		cfg.Quotas = quota.Unlimited()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Ingest.FlushEveryPieces <= 0 || cfg.Ingest.FlushInterval <= 0 {
		cfg.Ingest = DefaultIngestConfig()
	}
	return &Registry{
		meta:     cfg.Meta,
		blobs:    cfg.Blobs,
		quotas:   cfg.Quotas,
		hub:      cfg.Hub,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		cfg:      cfg.Ingest,
		sessions: make(map[string]*IngestSession),
	}
}

// StartIngest validates the request, reserves quota, persists the
// descriptor and piece table, preallocates the blob, and returns the
// live session. Nothing is visible to consumers until all of that
// succeeded; on any failure the partial state is unwound.
func (r *Registry) StartIngest(ctx context.Context, req InitRequest) (*IngestSession, error) {
	if req.Name == "" {
		return nil, Errorf(KindValidation, req.FileID, "file name is required")
	}
	if req.Size <= 0 {
		return nil, Errorf(KindValidation, req.FileID, "declared size must be positive, got %d", req.Size)
	}

	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	plan, err := pieceplan.New(req.Size)
	if err != nil {
		return nil, Errorf(KindValidation, fileID, "planning pieces: %v", err)
	}

	// Claim the id in the live map first so two concurrent inits for
	// the same id cannot both proceed.
	r.mu.Lock()
	if _, exists := r.sessions[fileID]; exists {
		r.mu.Unlock()
		return nil, Errorf(KindConflict, fileID, "transfer already in progress")
	}
	r.sessions[fileID] = nil // placeholder while setup runs
	r.mu.Unlock()

	session, err := r.setupSession(ctx, fileID, plan, req)
	if err != nil {
		r.remove(fileID)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[fileID] = session
	r.mu.Unlock()

	r.logger.Info("ingest started",
		"file_id", fileID,
		"name", req.Name,
		"size", req.Size,
		"piece_size", plan.PieceSize,
		"piece_count", plan.PieceCount)
	return session, nil
}

func (r *Registry) setupSession(ctx context.Context, fileID string, plan pieceplan.Plan, req InitRequest) (*IngestSession, error) {
	if err := r.quotas.Reserve(ctx, req.Size); err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			return nil, Errorf(KindQuota, fileID, "declared size %d exceeds available capacity", req.Size)
		}
		return nil, fmt.Errorf("reserving quota: %w", err)
	}

	descriptor := metastore.FileDescriptor{
		ID:           fileID,
		Name:         req.Name,
		DeclaredSize: plan.Size,
		PieceSize:    plan.PieceSize,
		PieceCount:   plan.PieceCount,
		MimeType:     req.MimeType,
		CreatedAt:    r.clk.Now(),
	}
	if err := r.meta.CreateFile(ctx, descriptor, plan.Table); err != nil {
		r.quotas.Release(req.Size)
		if errors.Is(err, metastore.ErrExists) {
			return nil, Errorf(KindConflict, fileID, "file id already stored")
		}
		return nil, fmt.Errorf("creating file metadata: %w", err)
	}

	if err := r.blobs.Create(fileID, plan.Size); err != nil {
		if deleteErr := r.meta.DeleteFile(ctx, fileID); deleteErr != nil {
			r.logger.Error("unwinding metadata after blob create failure",
				"file_id", fileID, "error", deleteErr)
		}
		r.quotas.Release(req.Size)
		return nil, fmt.Errorf("creating blob: %w", err)
	}

	r.hub.OpenStream(fileID)
	return newIngestSession(fileID, plan, req, sessionDeps{
		meta:    r.meta,
		blobs:   r.blobs,
		quotas:  r.quotas,
		hub:     r.hub,
		clk:     r.clk,
		logger:  r.logger,
		cfg:     r.cfg,
		onClose: r.remove,
	}), nil
}

func (r *Registry) remove(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, fileID)
}

// Session returns the active ingest session for a file id, if any. A
// nil return with ok=false means the file is either finished or
// unknown; consult the metadata store to tell which.
func (r *Registry) Session(fileID string) (*IngestSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[fileID]
	if !ok || session == nil {
		return nil, false
	}
	return session, true
}

// ActiveCount reports how many ingest sessions are live.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, session := range r.sessions {
		if session != nil {
			count++
		}
	}
	return count
}

// AbortAll aborts every live session with the given reason. Used on
// server shutdown so subscribers learn their transfers died rather
// than hanging.
func (r *Registry) AbortAll(ctx context.Context, reason string) {
	r.mu.Lock()
	live := make([]*IngestSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session != nil {
			live = append(live, session)
		}
	}
	r.mu.Unlock()

	for _, session := range live {
		session.Abort(ctx, reason)
	}
}
