// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pieceline/pieceline/lib/piecehash"
)

func TestService_JoinLiveTransfer(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000)
	session, err := env.registry.StartIngest(ctx, InitRequest{
		Name:     "artifact.bin",
		Size:     int64(len(content)),
		MimeType: "application/octet-stream",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Two pieces land before the consumer joins.
	for _, index := range []int{1, 3} {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	c := newCollector()
	info, sub, err := env.service.Join(ctx, session.FileID, c.deliver)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sub == nil {
		t.Fatal("live transfer should return a subscription")
	}
	defer sub.Cancel()

	if info.Descriptor.Name != "artifact.bin" {
		t.Errorf("descriptor name = %q", info.Descriptor.Name)
	}
	if info.Complete {
		t.Error("transfer should not be complete")
	}
	if !slices.Equal(info.CompleteIndices, []int{1, 3}) {
		t.Errorf("snapshot = %v, want [1 3]", info.CompleteIndices)
	}

	// Pieces after the join arrive as events.
	data := pieceOf(session, content, 0)
	if err := session.PutPiece(ctx, 0, data, piecehash.Sum(data)); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, func(events []Event) bool {
		return slices.ContainsFunc(events, func(ev Event) bool {
			return ev.Type == EventPiece && ev.Index == 0
		})
	})
}

func TestService_JoinFinishedFile(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(1000)
	session, err := env.registry.StartIngest(ctx, InitRequest{FileID: "done", Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	if err := session.PutPiece(ctx, 0, content, piecehash.Sum(content)); err != nil {
		t.Fatal(err)
	}

	info, sub, err := env.service.Join(ctx, "done", func(Event) bool { return true })
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sub != nil {
		t.Error("finished file should not return a subscription")
	}
	if !info.Complete {
		t.Error("finished file should report complete")
	}
	if !slices.Equal(info.CompleteIndices, []int{0}) {
		t.Errorf("snapshot = %v", info.CompleteIndices)
	}
}

func TestService_JoinUnknownFile(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, _, err := env.service.Join(context.Background(), "missing", func(Event) bool { return true })
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestService_PieceStates(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}

	data := pieceOf(session, content, 2)
	if err := session.PutPiece(ctx, 2, data, piecehash.Sum(data)); err != nil {
		t.Fatal(err)
	}

	// Complete piece reads back verified.
	got, hash, err := env.service.Piece(ctx, session.FileID, 2)
	if err != nil {
		t.Fatalf("Piece: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("piece bytes differ")
	}
	if hash != piecehash.Sum(data) {
		t.Error("piece hash differs")
	}

	// Valid but unverified piece is not_ready, not not_found.
	if _, _, err := env.service.Piece(ctx, session.FileID, 0); !IsKind(err, KindNotReady) {
		t.Errorf("pending piece: expected not_ready, got %v", err)
	}

	// Out-of-range index and unknown file are not_found.
	if _, _, err := env.service.Piece(ctx, session.FileID, 99); !IsKind(err, KindNotFound) {
		t.Errorf("bad index: expected not_found, got %v", err)
	}
	if _, _, err := env.service.Piece(ctx, "missing", 0); !IsKind(err, KindNotFound) {
		t.Errorf("unknown file: expected not_found, got %v", err)
	}
}

func TestService_PieceFromFinishedFile(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(100000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	fileID := session.FileID
	for index := range session.Plan.PieceCount {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	// No live session anymore; reads come from the stores with
	// verification against the recorded hash.
	if _, live := env.registry.Session(fileID); live {
		t.Fatal("session should be gone")
	}
	got, _, err := env.service.Piece(ctx, fileID, 1)
	if err != nil {
		t.Fatalf("Piece: %v", err)
	}
	entry := session.Plan.Table[1]
	if !bytes.Equal(got, content[entry.Offset:entry.Offset+entry.Length]) {
		t.Error("stored piece bytes differ")
	}
}

func TestService_PieceDetectsCorruption(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(1000)
	session, err := env.registry.StartIngest(ctx, InitRequest{FileID: "c", Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	if err := session.PutPiece(ctx, 0, content, piecehash.Sum(content)); err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored bytes behind the service's back.
	if err := env.blobs.WriteAt("c", []byte{0xAA, 0xBB, 0xCC}, 0); err != nil {
		t.Fatal(err)
	}

	if _, _, err := env.service.Piece(ctx, "c", 0); !IsKind(err, KindIntegrity) {
		t.Fatalf("expected hash_mismatch for corrupted bytes, got %v", err)
	}
}

func TestService_Pieces(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	for _, index := range []int{0, 2} {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	results := map[int]error{}
	env.service.Pieces(ctx, session.FileID, []int{0, 1, 2, 99}, func(index int, data []byte, hash piecehash.Hash, err error) {
		mu.Lock()
		results[index] = err
		mu.Unlock()
	})

	if results[0] != nil || results[2] != nil {
		t.Errorf("complete pieces should succeed: %v, %v", results[0], results[2])
	}
	if !IsKind(results[1], KindNotReady) {
		t.Errorf("piece 1: expected not_ready, got %v", results[1])
	}
	if !IsKind(results[99], KindNotFound) {
		t.Errorf("piece 99: expected not_found, got %v", results[99])
	}
}

func TestService_PiecesServesBatchInParallel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000) // four pieces
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	for index := range session.Plan.PieceCount {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	// Every emit stalls until released. If the batch were served
	// serially, the first stalled result would keep any second one
	// from ever being emitted.
	entered := make(chan int, session.Plan.PieceCount)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.service.Pieces(ctx, session.FileID, []int{0, 1, 2, 3}, func(index int, data []byte, hash piecehash.Hash, err error) {
			if err != nil {
				t.Errorf("piece %d: %v", index, err)
			}
			entered <- index
			<-release
		})
	}()

	for range 2 {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("a stalled result blocked the rest of the batch")
		}
	}
	close(release)
	<-done
}

func TestService_ListFiles(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	if _, err := env.registry.StartIngest(ctx, InitRequest{FileID: "a", Name: "one", Size: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.registry.StartIngest(ctx, InitRequest{FileID: "b", Name: "two", Size: 1000}); err != nil {
		t.Fatal(err)
	}

	files, err := env.service.ListFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("listed %d files, want 2", len(files))
	}
}
