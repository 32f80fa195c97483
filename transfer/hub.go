// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"log/slog"
	"sync"

	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/piecehash"
)

// EventType classifies a fan-out event.
type EventType uint8

const (
	// EventPiece carries a newly completed piece's verified bytes.
	EventPiece EventType = iota

	// EventCompleted reports that the source transfer finished; a
	// consumer reconciles missed pushes by re-requesting.
	EventCompleted

	// EventFailed reports that the source transfer died. No further
	// pieces will ever arrive for this file.
	EventFailed
)

// Event is one fan-out delivery to a subscriber.
type Event struct {
	Type    EventType
	FileID  string
	Index   int
	Data    []byte
	Hash    piecehash.Hash
	Message string
}

// Subscription is one consumer's view of a file's event stream. It
// never owns piece data.
type Subscription struct {
	FileID string

	hub     *Hub
	deliver func(Event) bool
}

// Cancel removes the subscription. Safe to call more than once; no
// effect on the underlying transfer.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
}

// Hub fans newly completed pieces out to live subscribers. Each
// actively ingesting file has one dispatch worker: the ingest path
// only enqueues an event, the worker reads the piece's bytes once
// from the blob store and delivers them to every subscriber through
// that subscriber's non-blocking deliver function. A slow subscriber
// drops pushes instead of delaying the producer or its peers —
// pushes are optimistic, explicit requests are the authoritative
// recovery path.
type Hub struct {
	blobs  *blobstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	streams map[string]*stream
}

// streamEventBuffer bounds the per-file event queue between the
// ingest path and the dispatch worker.
const streamEventBuffer = 128

type stream struct {
	events chan streamEvent
	done   chan struct{}
}

type streamEvent struct {
	kind    EventType
	index   int
	offset  int64
	length  int64
	hash    piecehash.Hash
	message string
}

// NewHub creates a hub reading piece bytes from blobs.
func NewHub(blobs *blobstore.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		blobs:   blobs,
		logger:  logger,
		subs:    make(map[string]map[*Subscription]struct{}),
		streams: make(map[string]*stream),
	}
}

// Subscribe registers a consumer for a file's events. The deliver
// function must not block: it enqueues to the consumer's transport
// and reports whether the event was accepted. Dropped piece events
// are recovered by request; completion and failure events are
// delivered with a blocking enqueue by the transport layer, so a
// deliver function may choose to block for those.
func (h *Hub) Subscribe(fileID string, deliver func(Event) bool) *Subscription {
	sub := &Subscription{FileID: fileID, hub: h, deliver: deliver}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[fileID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[fileID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.FileID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.FileID)
		}
	}
}

// SubscriberCount reports how many subscriptions a file has.
func (h *Hub) SubscriberCount(fileID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[fileID])
}

// OpenStream starts the dispatch worker for a file entering ingest.
// Idempotent per file id while the stream is open.
func (h *Hub) OpenStream(fileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[fileID]; ok {
		return
	}
	st := &stream{
		events: make(chan streamEvent, streamEventBuffer),
		done:   make(chan struct{}),
	}
	h.streams[fileID] = st
	go h.dispatch(fileID, st)
}

// PieceCompleted enqueues a verified piece for fan-out. Non-blocking:
// if the dispatch queue is full the event is dropped — subscribers
// recover missed pieces by request after the completion event.
func (h *Hub) PieceCompleted(fileID string, index int, offset, length int64, hash piecehash.Hash) {
	h.mu.Lock()
	st, ok := h.streams[fileID]
	h.mu.Unlock()
	if !ok {
		return
	}

	select {
	case st.events <- streamEvent{kind: EventPiece, index: index, offset: offset, length: length, hash: hash}:
	default:
		h.logger.Debug("fan-out queue full, piece push dropped",
			"file_id", fileID, "index", index)
	}
}

// TransferCompleted delivers the completion event and retires the
// dispatch worker. Blocks until the event is queued behind any
// pending piece events, so completion is always observed last.
func (h *Hub) TransferCompleted(fileID string) {
	h.closeStream(fileID, streamEvent{kind: EventCompleted})
}

// TransferFailed delivers the failure notification to every current
// subscriber exactly once, clears the subscriber set, and retires the
// dispatch worker.
func (h *Hub) TransferFailed(fileID, message string) {
	h.closeStream(fileID, streamEvent{kind: EventFailed, message: message})
}

func (h *Hub) closeStream(fileID string, final streamEvent) {
	h.mu.Lock()
	st, ok := h.streams[fileID]
	if ok {
		delete(h.streams, fileID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	// The channel is deliberately never closed: a PutPiece goroutine
	// that snapshotted the stream just before the delete above may
	// still be about to send, and dispatch returns on the final event
	// anyway. A late piece event left in the buffer is garbage, not a
	// panic.
	st.events <- final
	<-st.done
}

// dispatch is the per-file worker: it owns the single blob read per
// piece event and fans the bytes out to the current subscriber set.
func (h *Hub) dispatch(fileID string, st *stream) {
	defer close(st.done)

	for ev := range st.events {
		switch ev.kind {
		case EventPiece:
			h.dispatchPiece(fileID, ev)

		case EventCompleted:
			h.broadcast(Event{Type: EventCompleted, FileID: fileID})
			return

		case EventFailed:
			h.broadcast(Event{Type: EventFailed, FileID: fileID, Message: ev.message})
			h.mu.Lock()
			delete(h.subs, fileID)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dispatchPiece(fileID string, ev streamEvent) {
	if h.SubscriberCount(fileID) == 0 {
		return
	}

	data, err := h.blobs.ReadAt(fileID, ev.offset, ev.length)
	if err != nil {
		// Subscribers recover by requesting the index; the read
		// error only suppresses this push.
		h.logger.Warn("fan-out blob read failed",
			"file_id", fileID, "index", ev.index, "error", err)
		return
	}

	h.broadcast(Event{
		Type:   EventPiece,
		FileID: fileID,
		Index:  ev.index,
		Data:   data,
		Hash:   ev.hash,
	})
}

// broadcast delivers one event to a snapshot of the file's
// subscribers. Delivery to each is independent: one full or broken
// subscriber never affects another.
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	snapshot := make([]*Subscription, 0, len(h.subs[ev.FileID]))
	for sub := range h.subs[ev.FileID] {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.deliver(ev) && ev.Type == EventPiece {
			h.logger.Debug("subscriber dropped piece push",
				"file_id", ev.FileID, "index", ev.Index)
		}
	}
}
