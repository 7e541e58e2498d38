package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the lifecycle stage of a push connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// DefaultMaxBufferedBytes caps the frames queued for one connection.
	DefaultMaxBufferedBytes = 1 << 20
	// queueFrames caps the number of queued frames independently of size.
	queueFrames  = 256
	writeTimeout = 10 * time.Second
)

// wsConn is a WebSocket push connection. Frames are queued by Send and
// written by a single writer goroutine, so a slow peer only ever costs its
// own bounded buffer.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	state  atomic.Int32
	userID atomic.Pointer[string]

	out         chan []byte
	buffered    atomic.Int64
	maxBuffered int64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn, maxBuffered int64, logger *slog.Logger) *wsConn {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferedBytes
	}
	c := &wsConn{
		id:          uuid.NewString(),
		ws:          ws,
		out:         make(chan []byte, queueFrames),
		maxBuffered: maxBuffered,
		done:        make(chan struct{}),
	}
	c.logger = logger.With("connection_id", c.id)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) UserID() string {
	if p := c.userID.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *wsConn) State() State { return State(c.state.Load()) }

// authenticate moves the connection from connecting to authenticated.
func (c *wsConn) authenticate(userID string) bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return false
	}
	c.userID.Store(&userID)
	return true
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

// Send queues frame for the writer. A frame that would push the buffered
// bytes over the cap closes the connection.
func (c *wsConn) Send(frame []byte) error {
	if c.State() != StateAuthenticated {
		return ErrClosed
	}
	size := int64(len(frame))
	if c.buffered.Add(size) > c.maxBuffered {
		c.buffered.Add(-size)
		c.Close(ErrBufferExceeded)
		return ErrBufferExceeded
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		c.buffered.Add(-size)
		return ErrClosed
	default:
		c.buffered.Add(-size)
		c.Close(ErrBufferExceeded)
		return ErrBufferExceeded
	}
}

// Buffered returns the bytes queued but not yet written.
func (c *wsConn) Buffered() int64 { return c.buffered.Load() }

func (c *wsConn) Ping(ctx context.Context) error {
	if c.ws == nil {
		return ErrClosed
	}
	return c.ws.Ping(ctx)
}

// Close moves the connection to closing, stops the writer and closes the
// transport with a status derived from reason. It never blocks.
func (c *wsConn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeErr = reason
		close(c.done)
		if c.ws == nil {
			c.state.Store(int32(StateClosed))
			return
		}
		code, text := closeStatus(reason)
		go func() {
			if err := c.ws.Close(code, text); err != nil {
				c.logger.Debug("close handshake incomplete", "error", err)
			}
			c.state.Store(int32(StateClosed))
		}()
	})
}

// Err returns the reason the connection was closed with.
func (c *wsConn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// writeNow writes frame on the caller's goroutine. Only valid while no
// writeLoop is running.
func (c *wsConn) writeNow(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, frame)
}

// writeLoop drains the queue until the connection closes.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close(ctx.Err())
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(err)
				return
			}
		}
	}
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case reason == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(reason, ErrHeartbeatTimeout):
		return websocket.StatusPolicyViolation, "heartbeat timeout"
	case errors.Is(reason, ErrBufferExceeded):
		return websocket.StatusPolicyViolation, "outbound buffer exceeded"
	case errors.Is(reason, ErrUnauthenticated):
		return websocket.StatusPolicyViolation, "unauthenticated"
	case errors.Is(reason, ErrServerShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(reason, context.Canceled):
		return websocket.StatusGoingAway, ""
	}
	return websocket.StatusInternalError, ""
}
