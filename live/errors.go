package live

import (
	"errors"
	"fmt"
)

var (
	// ErrHeartbeatTimeout closes a connection that left a probe unanswered.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrBufferExceeded closes a connection whose outbound buffer overflowed.
	ErrBufferExceeded = errors.New("outbound buffer exceeded")
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrUnauthenticated is returned when the handshake credential is rejected.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrServerShutdown closes every connection when the server stops.
	ErrServerShutdown = errors.New("server shutting down")
)

// ProtocolError reports an inbound frame that could not be understood. The
// frame is dropped and the connection stays open.
type ProtocolError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("protocol error in %s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
