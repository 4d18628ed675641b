// Package gateway manages one authenticated WebSocket session against the chat
// service's real-time gateway: endpoint resolution, handshake, heartbeat, frame
// decoding and ordered shutdown.
package gateway

import "fmt"

// State is a session lifecycle state. States are ordered; a session only ever
// moves to a higher state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateConnected:      "connected",
	StateClosing:        "closing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// CanAdvance reports whether a session in state from may move to state to.
//
// Postcondition: Returns true only when to is strictly after from.
func CanAdvance(from, to State) bool {
	return to > from && to <= StateClosing
}
