// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/boljen/go-bitmap"

	"github.com/pieceline/pieceline/lib/piecehash"
	"github.com/pieceline/pieceline/lib/pieceplan"
)

// clientEventBuffer bounds the per-file unsolicited event queue on the
// client. Overflowing piece pushes are dropped and recovered by
// request after the completion event.
const clientEventBuffer = 256

// Client is a transfer protocol connection. One client can run many
// concurrent sends and fetches; replies pair with requests by
// correlation id and unsolicited events route by file id.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	correlation atomic.Uint64

	mu           sync.Mutex
	calls        map[uint64]chan any
	ingestEvents map[string]chan fileEvent
	egressEvents map[string]chan fileEvent
	err          error

	closed    chan struct{}
	closeOnce sync.Once
}

type fileEvent struct {
	kind      EventType
	index     int
	data      []byte
	hash      []byte
	encoding  uint8
	rawLength int64
	message   string
}

// Dial connects to a transfer server.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}

	client := &Client{
		conn:         conn,
		logger:       logger,
		calls:        make(map[uint64]chan any),
		ingestEvents: make(map[string]chan fileEvent),
		egressEvents: make(map[string]chan fileEvent),
		closed:       make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Close tears down the connection. In-flight calls fail with the
// close error.
func (c *Client) Close() error {
	c.fail(errors.New("client closed"))
	return nil
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

// Err returns the terminal connection error, once the client is
// closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) write(msgType byte, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, msgType, payload)
}

// newCall registers a correlation id expecting up to buffer replies.
func (c *Client) newCall(buffer int) (uint64, chan any) {
	correlation := c.correlation.Add(1)
	ch := make(chan any, buffer)
	c.mu.Lock()
	c.calls[correlation] = ch
	c.mu.Unlock()
	return correlation, ch
}

func (c *Client) dropCall(correlation uint64) {
	c.mu.Lock()
	delete(c.calls, correlation)
	c.mu.Unlock()
}

func (c *Client) await(ctx context.Context, ch chan any) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.Err()
	case msg := <-ch:
		return msg, nil
	}
}

func (c *Client) readLoop() {
	for {
		msgType, payload, err := ReadMessage(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("connection lost: %w", err))
			return
		}
		c.route(msgType, payload)
	}
}

func (c *Client) route(msgType byte, payload []byte) {
	switch msgType {
	case MsgIngestInitResult:
		var msg IngestInitResult
		if DecodePayload(payload, &msg) == nil {
			c.deliverCall(msg.Correlation, msg)
		}
	case MsgIngestPieceResult:
		var msg IngestPieceResult
		if DecodePayload(payload, &msg) == nil {
			c.deliverCall(msg.Correlation, msg)
		}
	case MsgEgressJoinResult:
		var msg EgressJoinResult
		if DecodePayload(payload, &msg) == nil {
			c.deliverCall(msg.Correlation, msg)
		}
	case MsgEgressPieceResult:
		var msg EgressPieceResult
		if DecodePayload(payload, &msg) == nil {
			c.deliverCall(msg.Correlation, msg)
		}
	case MsgError:
		var msg ErrorPayload
		if DecodePayload(payload, &msg) == nil {
			if msg.Correlation != 0 {
				c.deliverCall(msg.Correlation, msg)
			} else {
				c.logger.Warn("server error", "kind", msg.Kind, "message", msg.Message)
			}
		}
	case MsgIngestDone:
		var msg IngestDone
		if DecodePayload(payload, &msg) == nil {
			c.deliverEvent(c.ingestEvents, msg.FileID, fileEvent{kind: EventCompleted}, true)
		}
	case MsgEgressCompleted:
		var msg EgressCompleted
		if DecodePayload(payload, &msg) == nil {
			c.deliverEvent(c.egressEvents, msg.FileID, fileEvent{kind: EventCompleted}, true)
		}
	case MsgTransferFailed:
		var msg TransferFailed
		if DecodePayload(payload, &msg) == nil {
			ev := fileEvent{kind: EventFailed, message: msg.Message}
			c.deliverEvent(c.ingestEvents, msg.FileID, ev, true)
			c.deliverEvent(c.egressEvents, msg.FileID, ev, true)
		}
	case MsgEgressPush:
		var msg EgressPush
		if DecodePayload(payload, &msg) == nil {
			c.deliverEvent(c.egressEvents, msg.FileID, fileEvent{
				kind:      EventPiece,
				index:     msg.Index,
				data:      msg.Data,
				hash:      msg.Hash,
				encoding:  msg.Encoding,
				rawLength: msg.RawLength,
			}, false)
		}
	default:
		c.logger.Warn("unexpected message type", "type", msgType)
	}
}

func (c *Client) deliverCall(correlation uint64, msg any) {
	c.mu.Lock()
	ch, ok := c.calls[correlation]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Warn("reply dropped, call buffer full", "correlation", correlation)
	}
}

// deliverEvent routes an unsolicited event. Control events block so
// they are never lost; piece pushes are best-effort.
func (c *Client) deliverEvent(events map[string]chan fileEvent, fileID string, ev fileEvent, block bool) {
	c.mu.Lock()
	ch, ok := events[fileID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if block {
		select {
		case ch <- ev:
		case <-c.closed:
		}
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

func (c *Client) registerEvents(events map[string]chan fileEvent, fileID string) chan fileEvent {
	ch := make(chan fileEvent, clientEventBuffer)
	c.mu.Lock()
	events[fileID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) dropEvents(events map[string]chan fileEvent, fileID string) {
	c.mu.Lock()
	delete(events, fileID)
	c.mu.Unlock()
}

// InitOptions describes a transfer to start. FileID is optional.
type InitOptions struct {
	FileID   string
	Name     string
	Size     int64
	MimeType string
}

// RemoteTransfer is the producer's handle on one in-flight upload.
type RemoteTransfer struct {
	FileID string
	Plan   pieceplan.Plan

	client   *Client
	encoding Encoding
	events   chan fileEvent
}

// Init starts a transfer and returns the handle carrying the agreed
// piece plan.
func (c *Client) Init(ctx context.Context, opts InitOptions) (*RemoteTransfer, error) {
	correlation, ch := c.newCall(1)
	defer c.dropCall(correlation)

	err := c.write(MsgIngestInit, IngestInit{
		Correlation: correlation,
		FileID:      opts.FileID,
		Name:        opts.Name,
		Size:        opts.Size,
		MimeType:    opts.MimeType,
	})
	if err != nil {
		return nil, err
	}

	reply, err := c.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	result, err := initResult(reply, opts.FileID)
	if err != nil {
		return nil, err
	}

	plan, err := pieceplan.New(opts.Size)
	if err != nil {
		return nil, err
	}
	if plan.PieceSize != result.PieceSize || plan.PieceCount != result.PieceCount {
		return nil, Errorf(KindValidation, result.FileID,
			"server plan %d pieces of %d disagrees with local plan %d of %d",
			result.PieceCount, result.PieceSize, plan.PieceCount, plan.PieceSize)
	}

	return &RemoteTransfer{
		FileID:   result.FileID,
		Plan:     plan,
		client:   c,
		encoding: ChooseEncoding(opts.MimeType),
		events:   c.registerEvents(c.ingestEvents, result.FileID),
	}, nil
}

func initResult(reply any, fileID string) (IngestInitResult, error) {
	switch msg := reply.(type) {
	case IngestInitResult:
		if msg.Err != nil {
			return IngestInitResult{}, msg.Err.Err(fileID)
		}
		return msg, nil
	case ErrorPayload:
		return IngestInitResult{}, &Error{Kind: Kind(msg.Kind), FileID: fileID, Message: msg.Message}
	default:
		return IngestInitResult{}, fmt.Errorf("unexpected init reply %T", reply)
	}
}

// SendPiece hashes, compresses, and submits one piece, waiting for
// the server's verdict.
func (t *RemoteTransfer) SendPiece(ctx context.Context, index int, data []byte) error {
	hash := piecehash.Sum(data)
	encoded, used, err := EncodePiece(data, t.encoding)
	if err != nil {
		return err
	}

	correlation, ch := t.client.newCall(1)
	defer t.client.dropCall(correlation)

	err = t.client.write(MsgIngestPiece, IngestPiece{
		Correlation: correlation,
		FileID:      t.FileID,
		Index:       index,
		Data:        encoded,
		Hash:        hash[:],
		Encoding:    uint8(used),
		RawLength:   int64(len(data)),
	})
	if err != nil {
		return err
	}

	reply, err := t.client.await(ctx, ch)
	if err != nil {
		return err
	}
	switch msg := reply.(type) {
	case IngestPieceResult:
		return msg.Err.Err(t.FileID)
	case ErrorPayload:
		return &Error{Kind: Kind(msg.Kind), FileID: t.FileID, Message: msg.Message}
	default:
		return fmt.Errorf("unexpected piece reply %T", reply)
	}
}

// Wait blocks until the server reports the transfer complete or
// failed.
func (t *RemoteTransfer) Wait(ctx context.Context) error {
	defer t.client.dropEvents(t.client.ingestEvents, t.FileID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.client.closed:
		return t.client.Err()
	case ev := <-t.events:
		if ev.kind == EventFailed {
			return Errorf(KindSessionFailed, t.FileID, "%s", ev.message)
		}
		return nil
	}
}

// SendFile uploads an entire file: init, pieces with bounded
// concurrency, then wait for the server's completion report. Returns
// the file id.
func (c *Client) SendFile(ctx context.Context, opts InitOptions, r io.ReaderAt, concurrency int) (string, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	transfer, err := c.Init(ctx, opts)
	if err != nil {
		return "", err
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	record := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		errMu.Unlock()
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indices {
				entry, _ := transfer.Plan.Entry(index)
				data := make([]byte, entry.Length)
				if _, err := r.ReadAt(data, entry.Offset); err != nil {
					record(fmt.Errorf("reading piece %d: %w", index, err))
					return
				}
				if err := transfer.SendPiece(sendCtx, index, data); err != nil {
					record(err)
					return
				}
			}
		}()
	}

feed:
	for index := 0; index < transfer.Plan.PieceCount; index++ {
		select {
		case indices <- index:
		case <-sendCtx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	errMu.Lock()
	err = firstErr
	errMu.Unlock()
	if err != nil {
		return transfer.FileID, err
	}
	return transfer.FileID, transfer.Wait(ctx)
}

// RemoteFile is the consumer's handle on one subscribed file.
type RemoteFile struct {
	FileID     string
	Name       string
	Size       int64
	MimeType   string
	PieceSize  int64
	PieceCount int

	// Complete reports whether the file was already fully stored at
	// join time.
	Complete bool

	// Snapshot lists the indices complete at join time.
	Snapshot []int

	client *Client
	plan   pieceplan.Plan
	events chan fileEvent
}

// Join subscribes to a file and returns the descriptor plus the
// completion snapshot.
func (c *Client) Join(ctx context.Context, fileID string) (*RemoteFile, error) {
	events := c.registerEvents(c.egressEvents, fileID)

	correlation, ch := c.newCall(1)
	defer c.dropCall(correlation)

	if err := c.write(MsgEgressJoin, EgressJoin{Correlation: correlation, FileID: fileID}); err != nil {
		c.dropEvents(c.egressEvents, fileID)
		return nil, err
	}

	reply, err := c.await(ctx, ch)
	if err != nil {
		c.dropEvents(c.egressEvents, fileID)
		return nil, err
	}

	var result EgressJoinResult
	switch msg := reply.(type) {
	case EgressJoinResult:
		if msg.Err != nil {
			c.dropEvents(c.egressEvents, fileID)
			return nil, msg.Err.Err(fileID)
		}
		result = msg
	case ErrorPayload:
		c.dropEvents(c.egressEvents, fileID)
		return nil, &Error{Kind: Kind(msg.Kind), FileID: fileID, Message: msg.Message}
	default:
		c.dropEvents(c.egressEvents, fileID)
		return nil, fmt.Errorf("unexpected join reply %T", reply)
	}

	plan, err := pieceplan.New(result.Size)
	if err != nil {
		c.dropEvents(c.egressEvents, fileID)
		return nil, err
	}

	return &RemoteFile{
		FileID:     fileID,
		Name:       result.Name,
		Size:       result.Size,
		MimeType:   result.MimeType,
		PieceSize:  result.PieceSize,
		PieceCount: result.PieceCount,
		Complete:   result.Complete,
		Snapshot:   result.CompleteIndices(),
		client:     c,
		plan:       plan,
		events:     events,
	}, nil
}

// Cancel drops the subscription. The transfer itself continues.
func (f *RemoteFile) Cancel() error {
	f.client.dropEvents(f.client.egressEvents, f.FileID)
	return f.client.write(MsgEgressCancel, EgressCancel{FileID: f.FileID})
}

// requestBatchSize bounds one egress request so replies interleave
// with pushes instead of monopolizing the connection.
const requestBatchSize = 32

// request sends one batched egress request and forwards each reply
// into results.
func (f *RemoteFile) request(indices []int, results chan<- EgressPieceResult) error {
	correlation, ch := f.client.newCall(len(indices))
	if err := f.client.write(MsgEgressRequest, EgressRequest{
		Correlation: correlation,
		FileID:      f.FileID,
		Indices:     indices,
	}); err != nil {
		f.client.dropCall(correlation)
		return err
	}

	go func() {
		defer f.client.dropCall(correlation)
		for range indices {
			select {
			case <-f.client.closed:
				return
			case reply := <-ch:
				switch msg := reply.(type) {
				case EgressPieceResult:
					select {
					case results <- msg:
					case <-f.client.closed:
						return
					}
				case ErrorPayload:
					// A request-level error stands in for every index.
					select {
					case results <- EgressPieceResult{
						FileID: f.FileID,
						Index:  -1,
						Err:    &WireError{Kind: msg.Kind, Message: msg.Message},
					}:
					case <-f.client.closed:
					}
					return
				}
			}
		}
	}()
	return nil
}

// Fetch downloads the whole file into w, deduplicating the join
// snapshot, live pushes, and explicit requests by piece index. Every
// piece is verified against its hash before it is written. Fetch
// returns once all pieces landed; it fails if the source transfer
// dies first.
func (f *RemoteFile) Fetch(ctx context.Context, w io.WriterAt) error {
	have := bitmap.New(f.PieceCount)
	requested := bitmap.New(f.PieceCount)
	remaining := f.PieceCount
	sourceDone := f.Complete

	results := make(chan EgressPieceResult, requestBatchSize)

	store := func(index int, raw []byte, claimed []byte, encoding uint8, rawLength int64) error {
		if index < 0 || index >= f.PieceCount || have.Get(index) {
			return nil
		}
		entry, ok := f.plan.Entry(index)
		if !ok {
			return nil
		}
		if encoding == uint8(EncodingNone) && rawLength == 0 {
			rawLength = int64(len(raw))
		}
		data, err := DecodePiece(raw, Encoding(encoding), int(rawLength))
		if err != nil {
			return Errorf(KindValidation, f.FileID, "piece %d: %v", index, err)
		}
		sum := piecehash.Sum(data)
		claimedHash, err := piecehash.FromBytes(claimed)
		if err != nil || sum != claimedHash {
			return Errorf(KindIntegrity, f.FileID, "piece %d failed verification", index)
		}
		if int64(len(data)) != entry.Length {
			return Errorf(KindValidation, f.FileID, "piece %d is %d bytes, plan says %d", index, len(data), entry.Length)
		}
		if _, err := w.WriteAt(data, entry.Offset); err != nil {
			return fmt.Errorf("writing piece %d: %w", index, err)
		}
		have.Set(index, true)
		remaining--
		return nil
	}

	// requestMissing asks for every piece believed available that is
	// neither stored nor already in flight.
	requestMissing := func(available []int) error {
		var batch []int
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			for _, index := range batch {
				requested.Set(index, true)
			}
			err := f.request(batch, results)
			batch = nil
			return err
		}
		for _, index := range available {
			if index < 0 || index >= f.PieceCount || have.Get(index) || requested.Get(index) {
				continue
			}
			batch = append(batch, index)
			if len(batch) == requestBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	}

	allIndices := func() []int {
		indices := make([]int, f.PieceCount)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	if sourceDone {
		if err := requestMissing(allIndices()); err != nil {
			return err
		}
	} else if err := requestMissing(f.Snapshot); err != nil {
		return err
	}

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-f.client.closed:
			return f.client.Err()

		case ev := <-f.events:
			switch ev.kind {
			case EventPiece:
				if err := store(ev.index, ev.data, ev.hash, ev.encoding, ev.rawLength); err != nil {
					return err
				}
			case EventCompleted:
				// The source finished; anything still missing is now
				// requestable.
				sourceDone = true
				if err := requestMissing(allIndices()); err != nil {
					return err
				}
			case EventFailed:
				return Errorf(KindSessionFailed, f.FileID, "%s", ev.message)
			}

		case res := <-results:
			if res.Err != nil {
				kind := Kind(res.Err.Kind)
				if kind == KindNotReady {
					// Expected during a live transfer: the piece will
					// arrive by push, or be re-requested on completion.
					if res.Index >= 0 {
						requested.Set(res.Index, false)
						if sourceDone {
							if err := requestMissing([]int{res.Index}); err != nil {
								return err
							}
						}
					}
					continue
				}
				return res.Err.Err(f.FileID)
			}
			if err := store(res.Index, res.Data, res.Hash, res.Encoding, res.RawLength); err != nil {
				return err
			}
		}
	}

	return f.Cancel()
}
