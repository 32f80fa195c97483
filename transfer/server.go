// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pieceline/pieceline/lib/piecehash"
)

// outgoingBuffer bounds the per-connection write queue. Piece pushes
// are enqueued without blocking and dropped when the queue is full;
// everything else blocks until there is room.
const outgoingBuffer = 256

// pieceWorkers bounds how many piece submissions one producer
// connection may have in flight through verification and disk.
const pieceWorkers = 8

// Server accepts transfer protocol connections. Each connection may
// act as producer, consumer, or both at once: message correlation
// keeps the roles apart.
type Server struct {
	service *Service
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server for the given service.
func NewServer(service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{service: service, logger: logger}
}

// Serve accepts connections on listener until ctx is cancelled. It
// always returns a non-nil error; after cancellation the error is
// ctx.Err().
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	// Closing the listener is what actually unblocks Accept.
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		s.logger.Debug("connection accepted", "remote", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			newServerConn(s, conn).run(ctx)
		}()
	}
}

// Addr returns the listening address, once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

type outbound struct {
	msgType byte
	payload any
}

// serverConn is the per-connection state: the write queue, the ingest
// sessions this connection produces, and the subscriptions it
// consumes. All writes to the socket go through the single write
// loop.
type serverConn struct {
	server  *Server
	service *Service
	conn    net.Conn
	logger  *slog.Logger

	outgoing chan outbound
	done     chan struct{}

	workers chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*IngestSession
	subs     map[string]*Subscription
}

func newServerConn(server *Server, conn net.Conn) *serverConn {
	return &serverConn{
		server:   server,
		service:  server.service,
		conn:     conn,
		logger:   server.logger.With("remote", conn.RemoteAddr().String()),
		outgoing: make(chan outbound, outgoingBuffer),
		done:     make(chan struct{}),
		workers:  make(chan struct{}, pieceWorkers),
		sessions: make(map[string]*IngestSession),
		subs:     make(map[string]*Subscription),
	}
}

func (c *serverConn) run(ctx context.Context) {
	go c.writeLoop()

	// Close the socket on shutdown so the read loop unblocks.
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()
	defer c.teardown(ctx)

	for {
		msgType, payload, err := ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		c.dispatch(ctx, msgType, payload)
	}
}

// teardown runs once the read loop exits: a producer disconnect aborts
// every session it owned, destroying the partial transfers; a consumer
// disconnect silently drops its subscriptions.
func (c *serverConn) teardown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	owned := make([]*IngestSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		owned = append(owned, session)
	}
	c.sessions = map[string]*IngestSession{}
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[string]*Subscription{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	c.wg.Wait()
	for _, session := range owned {
		session.Abort(ctx, "producer disconnected")
	}

	close(c.done)
	c.conn.Close()
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outgoing:
			if err := WriteMessage(c.conn, msg.msgType, msg.payload); err != nil {
				c.logger.Debug("connection write failed", "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

// send enqueues a message, blocking until there is room. Returns false
// once the connection is being torn down.
func (c *serverConn) send(msgType byte, payload any) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.outgoing <- outbound{msgType, payload}:
		return true
	case <-c.done:
		return false
	}
}

// trySend enqueues without blocking. Used for optimistic piece pushes.
func (c *serverConn) trySend(msgType byte, payload any) bool {
	select {
	case c.outgoing <- outbound{msgType, payload}:
		return true
	default:
		return false
	}
}

func (c *serverConn) dispatch(ctx context.Context, msgType byte, payload []byte) {
	switch msgType {
	case MsgIngestInit:
		c.handleIngestInit(ctx, payload)
	case MsgIngestPiece:
		c.handleIngestPiece(ctx, payload)
	case MsgEgressJoin:
		c.handleJoin(ctx, payload)
	case MsgEgressRequest:
		c.handleRequest(ctx, payload)
	case MsgEgressCancel:
		c.handleCancel(payload)
	default:
		c.send(MsgError, ErrorPayload{
			Kind:    string(KindValidation),
			Message: "unexpected message type",
		})
	}
}

func (c *serverConn) handleIngestInit(ctx context.Context, payload []byte) {
	var msg IngestInit
	if err := DecodePayload(payload, &msg); err != nil {
		c.send(MsgError, ErrorPayload{Kind: string(KindValidation), Message: err.Error()})
		return
	}

	session, err := c.service.Registry().StartIngest(ctx, InitRequest{
		FileID:   msg.FileID,
		Name:     msg.Name,
		Size:     msg.Size,
		MimeType: msg.MimeType,
		OnComplete: func(fileID string) {
			c.dropSession(fileID)
			c.send(MsgIngestDone, IngestDone{FileID: fileID})
		},
		OnAbort: func(fileID, message string) {
			c.dropSession(fileID)
			c.send(MsgTransferFailed, TransferFailed{FileID: fileID, Message: message})
		},
	})
	if err != nil {
		c.send(MsgIngestInitResult, IngestInitResult{
			Correlation: msg.Correlation,
			FileID:      msg.FileID,
			Err:         ToWireError(err),
		})
		return
	}

	c.mu.Lock()
	c.sessions[session.FileID] = session
	c.mu.Unlock()

	c.send(MsgIngestInitResult, IngestInitResult{
		Correlation: msg.Correlation,
		FileID:      session.FileID,
		PieceSize:   session.Plan.PieceSize,
		PieceCount:  session.Plan.PieceCount,
	})
}

func (c *serverConn) dropSession(fileID string) {
	c.mu.Lock()
	delete(c.sessions, fileID)
	c.mu.Unlock()
}

func (c *serverConn) ownedSession(fileID string) (*IngestSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[fileID]
	return session, ok
}

func (c *serverConn) handleIngestPiece(ctx context.Context, payload []byte) {
	var msg IngestPiece
	if err := DecodePayload(payload, &msg); err != nil {
		c.send(MsgError, ErrorPayload{Kind: string(KindValidation), Message: err.Error()})
		return
	}

	reply := func(err error) {
		c.send(MsgIngestPieceResult, IngestPieceResult{
			Correlation: msg.Correlation,
			FileID:      msg.FileID,
			Index:       msg.Index,
			Err:         ToWireError(err),
		})
	}

	session, ok := c.ownedSession(msg.FileID)
	if !ok {
		reply(Errorf(KindNotFound, msg.FileID, "no ingest session on this connection"))
		return
	}

	hash, err := piecehash.FromBytes(msg.Hash)
	if err != nil {
		reply(Errorf(KindValidation, msg.FileID, "piece %d: %v", msg.Index, err))
		return
	}

	// Verification and the disk write run off the read loop so pieces
	// in flight overlap, bounded by the worker limit.
	c.workers <- struct{}{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.workers }()

		rawLength := int(msg.RawLength)
		if msg.Encoding == uint8(EncodingNone) && rawLength == 0 {
			rawLength = len(msg.Data)
		}
		data, err := DecodePiece(msg.Data, Encoding(msg.Encoding), rawLength)
		if err != nil {
			reply(Errorf(KindValidation, msg.FileID, "piece %d: %v", msg.Index, err))
			return
		}
		reply(session.PutPiece(ctx, msg.Index, data, hash))
	}()
}

func (c *serverConn) handleJoin(ctx context.Context, payload []byte) {
	var msg EgressJoin
	if err := DecodePayload(payload, &msg); err != nil {
		c.send(MsgError, ErrorPayload{Kind: string(KindValidation), Message: err.Error()})
		return
	}

	// The push encoding depends on the mime type, which Join itself
	// returns; events racing the join default to LZ4.
	var pushEncoding atomic.Uint32
	pushEncoding.Store(uint32(EncodingLZ4))

	deliver := func(ev Event) bool {
		switch ev.Type {
		case EventPiece:
			encoded, used, err := EncodePiece(ev.Data, Encoding(pushEncoding.Load()))
			if err != nil {
				return false
			}
			return c.trySend(MsgEgressPush, EgressPush{
				FileID:    ev.FileID,
				Index:     ev.Index,
				Data:      encoded,
				Hash:      ev.Hash[:],
				Encoding:  uint8(used),
				RawLength: int64(len(ev.Data)),
			})

		case EventCompleted:
			c.dropSub(ev.FileID)
			return c.send(MsgEgressCompleted, EgressCompleted{FileID: ev.FileID})

		case EventFailed:
			c.dropSub(ev.FileID)
			return c.send(MsgTransferFailed, TransferFailed{FileID: ev.FileID, Message: ev.Message})
		}
		return false
	}

	info, sub, err := c.service.Join(ctx, msg.FileID, deliver)
	if err != nil {
		c.send(MsgEgressJoinResult, EgressJoinResult{
			Correlation: msg.Correlation,
			FileID:      msg.FileID,
			Err:         ToWireError(err),
		})
		return
	}
	pushEncoding.Store(uint32(ChooseEncoding(info.Descriptor.MimeType)))

	if sub != nil {
		c.mu.Lock()
		if previous, ok := c.subs[msg.FileID]; ok {
			previous.Cancel()
		}
		c.subs[msg.FileID] = sub
		c.mu.Unlock()
	}

	c.send(MsgEgressJoinResult, EgressJoinResult{
		Correlation: msg.Correlation,
		FileID:      msg.FileID,
		Name:        info.Descriptor.Name,
		Size:        info.Descriptor.DeclaredSize,
		MimeType:    info.Descriptor.MimeType,
		PieceSize:   info.Descriptor.PieceSize,
		PieceCount:  info.Descriptor.PieceCount,
		Complete:    info.Complete,
		Bitfield:    NewBitfield(info.Descriptor.PieceCount, info.CompleteIndices),
	})
}

func (c *serverConn) dropSub(fileID string) {
	c.mu.Lock()
	delete(c.subs, fileID)
	c.mu.Unlock()
}

func (c *serverConn) handleRequest(ctx context.Context, payload []byte) {
	var msg EgressRequest
	if err := DecodePayload(payload, &msg); err != nil {
		c.send(MsgError, ErrorPayload{Kind: string(KindValidation), Message: err.Error()})
		return
	}

	encoding := EncodingLZ4
	if info, err := c.service.Snapshot(ctx, msg.FileID); err == nil {
		encoding = ChooseEncoding(info.Descriptor.MimeType)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.service.Pieces(ctx, msg.FileID, msg.Indices, func(index int, data []byte, hash piecehash.Hash, err error) {
			result := EgressPieceResult{
				Correlation: msg.Correlation,
				FileID:      msg.FileID,
				Index:       index,
			}
			if err != nil {
				result.Err = ToWireError(err)
				c.send(MsgEgressPieceResult, result)
				return
			}
			encoded, used, encodeErr := EncodePiece(data, encoding)
			if encodeErr != nil {
				result.Err = ToWireError(Errorf(KindSessionFailed, msg.FileID, "encoding piece %d failed", index))
				c.send(MsgEgressPieceResult, result)
				return
			}
			result.Data = encoded
			result.Hash = hash[:]
			result.Encoding = uint8(used)
			result.RawLength = int64(len(data))
			c.send(MsgEgressPieceResult, result)
		})
	}()
}

func (c *serverConn) handleCancel(payload []byte) {
	var msg EgressCancel
	if err := DecodePayload(payload, &msg); err != nil {
		c.send(MsgError, ErrorPayload{Kind: string(KindValidation), Message: err.Error()})
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[msg.FileID]
	delete(c.subs, msg.FileID)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

