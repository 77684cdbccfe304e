package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"

	"qlbridge/internal/logging"
)

// Options configures a Conn.
type Options struct {
	Framing       Framing
	MaxFrameBytes int
	Logger        *slog.Logger
	Observer      Observer
}

// Conn correlates requests and responses over one framed stream.
type Conn struct {
	reader   FrameReader
	writer   FrameWriter
	rc       io.Closer
	wc       io.Closer
	logger   *slog.Logger
	observer Observer

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	handlers map[string]NotificationHandler
	closed   bool
	err      error

	startOnce sync.Once
	done      chan struct{}
}

type pendingCall struct {
	id         int64
	method     string
	started    time.Time
	onProgress ProgressFunc
	ch         chan reply

	// progressMu orders progress callbacks before Call returns.
	progressMu sync.Mutex
	finished   bool
}

func (p *pendingCall) progress(progress Progress) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if p.finished || p.onProgress == nil {
		return
	}
	p.onProgress(progress)
}

// finish waits for a running progress callback and suppresses later ones.
func (p *pendingCall) finish() {
	p.progressMu.Lock()
	p.finished = true
	p.progressMu.Unlock()
}

type reply struct {
	result  json.RawMessage
	err     error
	outcome Outcome
}

// NewConn wraps the stream halves. When r or w also implement io.Closer they
// are closed once the connection fails or Close is called. Call Start to
// begin reading after registering notification handlers.
func NewConn(r io.Reader, w io.Writer, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	framing := opts.Framing
	if framing == "" {
		framing = FramingHeader
	}
	c := &Conn{
		reader:   NewFrameReader(framing, r, opts.MaxFrameBytes),
		writer:   NewFrameWriter(framing, w),
		logger:   logger,
		observer: observer,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
	if closer, ok := r.(io.Closer); ok {
		c.rc = closer
	}
	if closer, ok := w.(io.Closer); ok {
		c.wc = closer
	}
	return c
}

// Start launches the read loop. It is safe to call more than once.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// OnNotification registers fn for notifications named method, replacing any
// previous handler. Progress notifications are routed to calls instead.
func (c *Conn) OnNotification(method string, fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = fn
}

// Call sends method with params and blocks until the call terminates. On
// success the result is decoded into result when result is non-nil.
//
// If params is a ProgressParams its ProgressID is set to the request id, and
// onProgress receives the matching ql/progressUpdated notifications.
//
// No progress callback runs after Call has returned.
//
// When ctx ends first Call returns an error matching ErrCancelled and the
// context's error, and a $/cancelRequest notification is sent without
// waiting. A late response for that id is discarded.
func (c *Conn) Call(ctx context.Context, method string, params, result any, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCancelled, method, context.Cause(ctx))
	}

	id := c.nextID.Add(1)
	if envelope, ok := params.(ProgressParams); ok {
		envelope.ProgressID = id
		params = envelope
	}
	body, err := json.Marshal(outgoingRequest{JSONRPC: version, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	call := &pendingCall{
		id:         id,
		method:     method,
		started:    time.Now(),
		onProgress: onProgress,
		ch:         make(chan reply, 1),
	}
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.observer.CallStarted(method)
	c.logger.Debug("jsonrpc request sent",
		logging.String(logging.FieldMethod, method),
		logging.Int64(logging.FieldRequestID, id),
	)

	if err := c.write(body); err != nil {
		if c.take(id) != nil {
			call.finish()
			c.observer.CallFinished(method, OutcomeWriteError, time.Since(call.started))
			c.CloseWithError(fmt.Errorf("write %s: %w", method, err))
			return fmt.Errorf("%w: write %s: %w", ErrConnectionClosed, method, err)
		}
		return c.complete(call, <-call.ch, result)
	}

	select {
	case r := <-call.ch:
		return c.complete(call, r, result)
	case <-ctx.Done():
		if c.take(id) == nil {
			// A terminal reply won the race and is already buffered.
			return c.complete(call, <-call.ch, result)
		}
		call.finish()
		c.observer.CallFinished(method, OutcomeCancelled, time.Since(call.started))
		c.logger.Debug("jsonrpc request cancelled",
			logging.String(logging.FieldMethod, method),
			logging.Int64(logging.FieldRequestID, id),
		)
		go c.sendCancel(id)
		return fmt.Errorf("%w: %s: %w", ErrCancelled, method, context.Cause(ctx))
	}
}

// Notify sends a notification. It does not wait for any acknowledgement.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(outgoingNotification{JSONRPC: version, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	if err := c.write(body); err != nil {
		return fmt.Errorf("write %s notification: %w", method, err)
	}
	return nil
}

// Pending reports the number of in-flight calls.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error handed to pending calls once the connection has
// closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.err
}

// Close fails every pending call with ErrConnectionClosed and closes the
// underlying stream. It is idempotent.
func (c *Conn) Close() error {
	c.CloseWithError(nil)
	return nil
}

// CloseWithError is Close with a cause attached to the ErrConnectionClosed
// returned to pending calls. Only the first cause is kept.
func (c *Conn) CloseWithError(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause == nil {
		c.err = ErrConnectionClosed
	} else {
		c.err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	failure := c.err
	c.mu.Unlock()

	for _, call := range pending {
		call.ch <- reply{err: failure, outcome: OutcomeConnectionClosed}
	}
	if len(pending) > 0 {
		c.logger.Debug("jsonrpc pending requests rejected",
			logging.Int("count", len(pending)),
			logging.Error(failure),
		)
	}
	if c.wc != nil {
		_ = c.wc.Close()
	}
	if c.rc != nil {
		_ = c.rc.Close()
	}
	c.startOnce.Do(func() { close(c.done) })
}

func (c *Conn) complete(call *pendingCall, r reply, result any) error {
	call.finish()
	c.observer.CallFinished(call.method, r.outcome, time.Since(call.started))
	if r.err != nil {
		return r.err
	}
	if result == nil || len(r.result) == 0 || isNull(r.result) {
		return nil
	}
	if err := json.Unmarshal(r.result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", call.method, err)
	}
	return nil
}

// take removes the pending entry for id. Exactly one caller observes a
// non-nil entry, and that caller owns the call's terminal outcome.
func (c *Conn) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Conn) lookup(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Conn) handler(method string) NotificationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[method]
}

func (c *Conn) write(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(body)
}

func (c *Conn) sendCancel(id int64) {
	if c.Err() != nil {
		return
	}
	if err := c.Notify(context.Background(), MethodCancelRequest, cancelParams{ID: id}); err != nil {
		c.logger.Debug("jsonrpc cancel notification failed",
			logging.Int64(logging.FieldRequestID, id),
			logging.Error(err),
		)
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Debug("jsonrpc stream ended")
			case c.Err() == nil:
				logging.ErrorWithContext(c.logger, "jsonrpc stream failed", "jsonrpc_stream_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "the peer process likely exited; check its stderr"),
				)
			}
			c.CloseWithError(err)
			return
		}
		if err := c.dispatch(frame); err != nil {
			logging.ErrorWithContext(c.logger, "jsonrpc malformed frame; closing connection", "jsonrpc_malformed_frame",
				logging.Error(err),
				logging.Int("frame_bytes", len(frame)),
			)
			c.CloseWithError(err)
			return
		}
	}
}

func (c *Conn) dispatch(frame []byte) error {
	msg, err := decodeMessage(frame)
	if err != nil {
		return err
	}
	switch {
	case msg.Method != "" && msg.hasID():
		go c.rejectServerRequest(msg)
	case msg.Method == MethodProgress:
		c.routeProgress(msg.Params)
	case msg.Method != "":
		fn := c.handler(msg.Method)
		if fn == nil {
			c.logger.Debug("jsonrpc notification ignored", logging.String(logging.FieldMethod, msg.Method))
			c.observer.FrameDropped("unhandled_notification")
			return nil
		}
		fn(msg.Params)
	default:
		c.routeResponse(msg)
	}
	return nil
}

func (c *Conn) routeResponse(msg *incoming) {
	id, ok := parseID(msg.ID)
	if !ok {
		c.logger.Debug("jsonrpc response with foreign id dropped", logging.String("id", string(msg.ID)))
		c.observer.FrameDropped("foreign_id")
		return
	}
	call := c.take(id)
	if call == nil {
		c.logger.Debug("jsonrpc response for unknown request dropped", logging.Int64(logging.FieldRequestID, id))
		c.observer.FrameDropped("unknown_id")
		return
	}
	var r reply
	switch {
	case msg.Error != nil && msg.Error.Code == CodeRequestCancelled:
		r = reply{err: fmt.Errorf("%w: %s: %s", ErrCancelled, call.method, msg.Error.Message), outcome: OutcomeCancelled}
	case msg.Error != nil:
		r = reply{err: fmt.Errorf("%s: %w", call.method, msg.Error), outcome: OutcomeRPCError}
	default:
		r = reply{result: msg.Result, outcome: OutcomeOK}
	}
	call.ch <- r
}

func (c *Conn) routeProgress(params json.RawMessage) {
	var progress Progress
	if err := json.Unmarshal(params, &progress); err != nil {
		c.logger.Debug("jsonrpc progress payload dropped", logging.Error(err))
		c.observer.FrameDropped("bad_progress")
		return
	}
	call := c.lookup(progress.ID)
	if call == nil {
		c.observer.FrameDropped("unknown_progress_id")
		return
	}
	c.observer.ProgressReceived(call.method)
	call.progress(progress)
}

func (c *Conn) rejectServerRequest(msg *incoming) {
	c.logger.Debug("jsonrpc server request rejected", logging.String(logging.FieldMethod, msg.Method))
	body, err := json.Marshal(outgoingError{
		JSONRPC: version,
		ID:      msg.ID,
		Error:   &Error{Code: CodeMethodNotFound, Message: "method not supported by client: " + msg.Method},
	})
	if err != nil {
		return
	}
	_ = c.write(body)
}
