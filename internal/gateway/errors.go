package gateway

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrHeartbeatTimeout is returned by Run when a ping was not acknowledged within
// the configured ack timeout.
var ErrHeartbeatTimeout = errors.New("gateway: heartbeat not acknowledged in time")

// ErrSessionStarted is returned when Run is called on a session more than once.
var ErrSessionStarted = errors.New("gateway: session already started")

// ResolutionError reports a failure to fetch or parse the gateway endpoint.
type ResolutionError struct {
	URL string
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("resolving gateway endpoint from %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("resolving gateway endpoint from %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// AuthenticationError reports that the server rejected the Authenticate frame.
type AuthenticationError struct {
	// Reason is the server's error message, possibly empty.
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "gateway: authentication rejected"
	}
	return fmt.Sprintf("gateway: authentication rejected: %s", e.Reason)
}

// HandshakeError reports a handshake response that was neither Authenticated nor Error.
type HandshakeError struct {
	// Raw is the offending frame, kept for diagnostics.
	Raw []byte
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway: invalid handshake response %q: %v", truncate(e.Raw, 256), e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// FrameTypeError reports a non-text frame. Only text frames carry gateway messages.
type FrameTypeError struct {
	MessageType int
}

func (e *FrameTypeError) Error() string {
	return fmt.Sprintf("gateway: unexpected %s frame", frameTypeName(e.MessageType))
}

func frameTypeName(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return fmt.Sprintf("type %d", mt)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
