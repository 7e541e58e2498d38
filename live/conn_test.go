package live

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendRequiresAuthentication(t *testing.T) {
	c := newConn(nil, 1024, slog.New(slog.DiscardHandler))
	assert.Equal(t, StateConnecting, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)

	assert.True(t, c.authenticate("alice"))
	assert.False(t, c.authenticate("mallory"), "authenticated only once")
	assert.Equal(t, "alice", c.UserID())
	assert.NoError(t, c.Send([]byte("x")))
}

func TestSendClosesConnectionOverBufferCap(t *testing.T) {
	c := newConn(nil, 100, slog.New(slog.DiscardHandler))
	c.authenticate("alice")

	// no writer is running, so everything stays buffered
	assert.NoError(t, c.Send(bytes.Repeat([]byte("a"), 60)))
	assert.EqualValues(t, 60, c.Buffered())

	err := c.Send(bytes.Repeat([]byte("b"), 60))
	assert.ErrorIs(t, err, ErrBufferExceeded)
	assert.ErrorIs(t, c.Err(), ErrBufferExceeded)
	assert.Equal(t, StateClosed, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("connection should be closed")
	}
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClosed)
}

func TestSendClosesConnectionOnFullQueue(t *testing.T) {
	c := newConn(nil, 1<<30, slog.New(slog.DiscardHandler))
	c.authenticate("alice")

	for i := 0; i < queueFrames; i++ {
		assert.NoError(t, c.Send([]byte("x")))
	}
	assert.ErrorIs(t, c.Send([]byte("x")), ErrBufferExceeded)
	assert.ErrorIs(t, c.Err(), ErrBufferExceeded)
}

func TestCloseStatus(t *testing.T) {
	tests := []struct {
		reason error
		text   string
	}{
		{nil, ""},
		{ErrHeartbeatTimeout, "heartbeat timeout"},
		{ErrBufferExceeded, "outbound buffer exceeded"},
		{ErrUnauthenticated, "unauthenticated"},
		{ErrServerShutdown, "server shutting down"},
	}
	for _, tt := range tests {
		_, text := closeStatus(tt.reason)
		assert.Equal(t, tt.text, text)
	}
}
