// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/metastore"
	"github.com/pieceline/pieceline/lib/piecehash"
)

// Service is the read path: join snapshots, piece reads with
// verification, and manifest queries. It serves live transfers from
// the session registry and finished files from the metadata store, so
// a consumer cannot tell a late join from a join mid-transfer except
// by how many pieces the snapshot already covers.
type Service struct {
	registry *Registry
	meta     *metastore.Store
	blobs    *blobstore.Store
	hub      *Hub
	logger   *slog.Logger
}

// NewService bundles the read-path collaborators.
func NewService(registry *Registry, meta *metastore.Store, blobs *blobstore.Store, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{registry: registry, meta: meta, blobs: blobs, hub: hub, logger: logger}
}

// Registry exposes the session registry for the ingest path.
func (s *Service) Registry() *Registry { return s.registry }

// JoinInfo is the consistent snapshot handed to a joining consumer:
// the descriptor plus which pieces were already complete at join time.
// Pieces completing after the snapshot arrive as pushes; a push may
// duplicate a snapshot entry and consumers dedup by index.
type JoinInfo struct {
	Descriptor      metastore.FileDescriptor
	CompleteIndices []int
	Complete        bool
}

// Join subscribes a consumer to a file and returns the join snapshot.
// The deliver function receives live events and must not block on
// piece pushes. For a file that is already complete (or has no live
// session) the returned subscription is nil: there are no events left
// to deliver and everything is served by request.
func (s *Service) Join(ctx context.Context, fileID string, deliver func(Event) bool) (JoinInfo, *Subscription, error) {
	session, live := s.registry.Session(fileID)
	if !live {
		info, err := s.storedSnapshot(ctx, fileID)
		if err != nil {
			return JoinInfo{}, nil, err
		}
		return info, nil, nil
	}

	// Subscribe before snapshotting so a piece completing in between
	// shows up at least once (snapshot or push), never zero times.
	sub := s.hub.Subscribe(fileID, deliver)

	bitfield, complete := session.CompleteBitfield()
	info := JoinInfo{
		Descriptor: metastore.FileDescriptor{
			ID:           fileID,
			Name:         session.Name(),
			DeclaredSize: session.Plan.Size,
			PieceSize:    session.Plan.PieceSize,
			PieceCount:   session.Plan.PieceCount,
			MimeType:     session.MimeType(),
			Complete:     complete,
		},
		CompleteIndices: bitfieldIndices(bitfield, session.Plan.PieceCount),
		Complete:        complete,
	}
	return info, sub, nil
}

func (s *Service) storedSnapshot(ctx context.Context, fileID string) (JoinInfo, error) {
	desc, err := s.meta.File(ctx, fileID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return JoinInfo{}, Errorf(KindNotFound, fileID, "unknown file")
		}
		return JoinInfo{}, err
	}
	indices, err := s.meta.CompleteIndices(ctx, fileID)
	if err != nil {
		return JoinInfo{}, err
	}
	return JoinInfo{Descriptor: desc, CompleteIndices: indices, Complete: desc.Complete}, nil
}

// Snapshot returns the join snapshot without subscribing. Used by the
// manifest endpoint.
func (s *Service) Snapshot(ctx context.Context, fileID string) (JoinInfo, error) {
	session, live := s.registry.Session(fileID)
	if !live {
		return s.storedSnapshot(ctx, fileID)
	}
	bitfield, complete := session.CompleteBitfield()
	return JoinInfo{
		Descriptor: metastore.FileDescriptor{
			ID:           fileID,
			Name:         session.Name(),
			DeclaredSize: session.Plan.Size,
			PieceSize:    session.Plan.PieceSize,
			PieceCount:   session.Plan.PieceCount,
			MimeType:     session.MimeType(),
			Complete:     complete,
		},
		CompleteIndices: bitfieldIndices(bitfield, session.Plan.PieceCount),
		Complete:        complete,
	}, nil
}

// Piece reads one verified piece. A valid index whose bytes are not
// yet verified returns a not_ready error; an unknown file or
// out-of-range index returns not_found. Bytes read from a finished
// file are verified against the stored hash before they leave the
// server.
func (s *Service) Piece(ctx context.Context, fileID string, index int) ([]byte, piecehash.Hash, error) {
	if session, live := s.registry.Session(fileID); live {
		entry, ok := session.Plan.Entry(index)
		if !ok {
			return nil, piecehash.Hash{}, Errorf(KindNotFound, fileID, "piece index %d out of range [0, %d)", index, session.Plan.PieceCount)
		}
		if !session.PieceComplete(index) {
			return nil, piecehash.Hash{}, Errorf(KindNotReady, fileID, "piece %d not yet complete", index)
		}
		data, err := s.blobs.ReadAt(fileID, entry.Offset, entry.Length)
		if err != nil {
			return nil, piecehash.Hash{}, Errorf(KindSessionFailed, fileID, "reading piece %d: %v", index, err)
		}
		// The stored hash may still sit in the unflushed batch, so
		// recompute. The bytes were verified on the way in and the
		// session is the only writer.
		return data, piecehash.Sum(data), nil
	}

	row, err := s.meta.PieceRow(ctx, fileID, index)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, piecehash.Hash{}, Errorf(KindNotFound, fileID, "unknown file or piece index %d", index)
		}
		return nil, piecehash.Hash{}, err
	}
	if !row.Complete {
		// No live session will ever complete it: a crash left this
		// row behind. Still not_ready, not a lie about the bytes.
		return nil, piecehash.Hash{}, Errorf(KindNotReady, fileID, "piece %d not complete", index)
	}

	data, err := s.blobs.ReadAt(fileID, row.Offset, row.Length)
	if err != nil {
		return nil, piecehash.Hash{}, Errorf(KindSessionFailed, fileID, "reading piece %d: %v", index, err)
	}
	if sum := piecehash.Sum(data); sum != row.Hash {
		s.logger.Error("stored piece failed verification",
			"file_id", fileID, "index", index, "stored", row.Hash, "actual", sum)
		return nil, piecehash.Hash{}, Errorf(KindIntegrity, fileID, "piece %d failed verification on read", index)
	}
	return data, row.Hash, nil
}

// PieceResultFunc receives one per-index answer from Pieces. It may be
// called from several goroutines at once and must be safe for
// concurrent use.
type PieceResultFunc func(index int, data []byte, hash piecehash.Hash, err error)

// pieceReadWorkers bounds the parallel blob reads serving one batched
// request.
const pieceReadWorkers = 4

// Pieces serves a batched request: the per-index reads fan out across
// a bounded worker group and each result is emitted as its read
// completes, so a slow read for one index never blocks replies for the
// others. Results arrive in no particular order.
func (s *Service) Pieces(ctx context.Context, fileID string, indices []int, emit PieceResultFunc) {
	if len(indices) == 0 {
		return
	}

	work := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < min(pieceReadWorkers, len(indices)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range work {
				data, hash, err := s.Piece(ctx, fileID, index)
				emit(index, data, hash, err)
			}
		}()
	}

	for _, index := range indices {
		work <- index
	}
	close(work)
	wg.Wait()
}

// ListFiles returns every stored descriptor plus one synthetic
// descriptor per live session not yet visible in the store's complete
// state. Live sessions already have a stored row, so this is just the
// store listing.
func (s *Service) ListFiles(ctx context.Context) ([]metastore.FileDescriptor, error) {
	return s.meta.ListFiles(ctx)
}

// PieceRows returns the stored per-piece rows in index order. During a
// live transfer the hashes of recently verified pieces may trail the
// batched metadata flush; such rows still report complete=false until
// the flush lands.
func (s *Service) PieceRows(ctx context.Context, fileID string) ([]metastore.PieceRow, error) {
	rows, err := s.meta.Pieces(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(KindNotFound, fileID, "unknown file")
	}
	return rows, nil
}

func bitfieldIndices(bitfield []byte, count int) []int {
	result := (&EgressJoinResult{Bitfield: bitfield, PieceCount: count})
	return result.CompleteIndices()
}
