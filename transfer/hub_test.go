// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pieceline/pieceline/lib/piecehash"
)

// collector records delivered events in order.
type collector struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) deliver(ev Event) bool {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// waitFor blocks until the predicate holds over the collected events.
func (c *collector) waitFor(t *testing.T, predicate func([]Event) bool) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		events := c.snapshot()
		if predicate(events) {
			return events
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("condition never held; events: %+v", c.snapshot())
		}
	}
}

func TestHub_FansOutPieces(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(100000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}

	first := newCollector()
	second := newCollector()
	env.hub.Subscribe(session.FileID, first.deliver)
	env.hub.Subscribe(session.FileID, second.deliver)
	if env.hub.SubscriberCount(session.FileID) != 2 {
		t.Fatalf("subscriber count = %d", env.hub.SubscriberCount(session.FileID))
	}

	data := pieceOf(session, content, 0)
	if err := session.PutPiece(ctx, 0, data, piecehash.Sum(data)); err != nil {
		t.Fatal(err)
	}

	for name, c := range map[string]*collector{"first": first, "second": second} {
		events := c.waitFor(t, func(events []Event) bool { return len(events) >= 1 })
		ev := events[0]
		if ev.Type != EventPiece || ev.Index != 0 {
			t.Errorf("%s: unexpected event %+v", name, ev)
		}
		if !bytes.Equal(ev.Data, data) {
			t.Errorf("%s: event carries wrong bytes", name)
		}
		if ev.Hash != piecehash.Sum(data) {
			t.Errorf("%s: event carries wrong hash", name)
		}
	}
}

func TestHub_CompletionDeliveredLast(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000) // four pieces
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	env.hub.Subscribe(session.FileID, c.deliver)

	for index := range session.Plan.PieceCount {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	events := c.waitFor(t, func(events []Event) bool {
		return len(events) > 0 && events[len(events)-1].Type == EventCompleted
	})
	for _, ev := range events[:len(events)-1] {
		if ev.Type != EventPiece {
			t.Errorf("non-piece event before completion: %+v", ev)
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	sub := env.hub.Subscribe(session.FileID, c.deliver)

	data := pieceOf(session, content, 0)
	if err := session.PutPiece(ctx, 0, data, piecehash.Sum(data)); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, func(events []Event) bool { return len(events) == 1 })

	sub.Cancel()
	sub.Cancel() // safe to repeat
	if env.hub.SubscriberCount(session.FileID) != 0 {
		t.Error("cancelled subscription still counted")
	}

	data = pieceOf(session, content, 1)
	if err := session.PutPiece(ctx, 1, data, piecehash.Sum(data)); err != nil {
		t.Fatal(err)
	}

	// Give the dispatcher a moment; no further events may arrive.
	time.Sleep(100 * time.Millisecond)
	if events := c.snapshot(); len(events) != 1 {
		t.Errorf("events after cancel: %+v", events[1:])
	}
}

func TestHub_FailureClearsSubscribers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: 1000})
	if err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	env.hub.Subscribe(session.FileID, c.deliver)

	session.Abort(ctx, "broken pipe")

	events := c.waitFor(t, func(events []Event) bool { return len(events) >= 1 })
	if events[0].Type != EventFailed || events[0].Message != "broken pipe" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if env.hub.SubscriberCount(session.FileID) != 0 {
		t.Error("failure must clear the subscriber set")
	}
}

func TestHub_LatePieceEventAfterRetirementIsHarmless(t *testing.T) {
	h := NewHub(nil, nil)
	h.OpenStream("late")

	// A piece-completion path can snapshot the stream just before
	// retirement deletes it and send just after.
	h.mu.Lock()
	st := h.streams["late"]
	h.mu.Unlock()

	h.TransferCompleted("late")

	// The stale sender must land in the buffer or drop, never panic.
	select {
	case st.events <- streamEvent{kind: EventPiece}:
	default:
	}

	// A fresh event routes nowhere once the stream is retired.
	h.PieceCompleted("late", 0, 0, 1, piecehash.Hash{})
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	content := testFile(200000)
	session, err := env.registry.StartIngest(ctx, InitRequest{Name: "f", Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}

	// The slow subscriber rejects every piece push.
	env.hub.Subscribe(session.FileID, func(ev Event) bool {
		return ev.Type != EventPiece
	})
	healthy := newCollector()
	env.hub.Subscribe(session.FileID, healthy.deliver)

	for index := range session.Plan.PieceCount {
		data := pieceOf(session, content, index)
		if err := session.PutPiece(ctx, index, data, piecehash.Sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	healthy.waitFor(t, func(events []Event) bool {
		pieces := 0
		for _, ev := range events {
			if ev.Type == EventPiece {
				pieces++
			}
		}
		return pieces == session.Plan.PieceCount
	})
}
