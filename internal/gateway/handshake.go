package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandshakeOutcome is the terminal result of the open handshake.
type HandshakeOutcome struct {
	Authenticated bool
	// Reason is the server's rejection message when Authenticated is false.
	Reason string
}

func (o HandshakeOutcome) String() string {
	if o.Authenticated {
		return "authenticated"
	}
	if o.Reason == "" {
		return "rejected"
	}
	return "rejected: " + o.Reason
}

// Client frames.
type authenticateFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type pingFrame struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
}

type openPacket struct {
	Type  *string         `json:"type"`
	Error json.RawMessage `json:"error"`
}

// ClassifyOpenPacket decodes the first server frame after Authenticate.
//
// Postcondition: Returns an Authenticated outcome, a rejected outcome for an
// Error frame, or a *HandshakeError carrying raw for anything else.
func ClassifyOpenPacket(raw []byte) (HandshakeOutcome, error) {
	var p openPacket
	if err := json.Unmarshal(raw, &p); err != nil {
		return HandshakeOutcome{}, &HandshakeError{Raw: raw, Err: err}
	}
	if p.Type == nil {
		return HandshakeOutcome{}, &HandshakeError{Raw: raw, Err: errors.New("missing type")}
	}
	switch *p.Type {
	case "Authenticated":
		return HandshakeOutcome{Authenticated: true}, nil
	case "Error":
		return HandshakeOutcome{Reason: errorReason(p.Error)}, nil
	default:
		return HandshakeOutcome{}, &HandshakeError{Raw: raw, Err: fmt.Errorf("unexpected type %q", *p.Type)}
	}
}

// errorReason renders the optional error field, which is usually a string but
// may be an object on newer servers.
func errorReason(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type != "" {
		return obj.Type
	}
	return string(raw)
}

// handshake sends the Authenticate frame and classifies exactly one response.
//
// Precondition: conn must be open and unread.
// Postcondition: Returns nil only when the server answered Authenticated.
func (s *Session) handshake(ctx context.Context, conn Conn) error {
	data, err := json.Marshal(authenticateFrame{Type: "Authenticate", Token: s.cfg.Token})
	if err != nil {
		return fmt.Errorf("encoding authenticate frame: %w", err)
	}
	if err := conn.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("sending authenticate frame: %w", err)
	}

	mt, raw, err := conn.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if mt != websocket.TextMessage {
		return &FrameTypeError{MessageType: mt}
	}

	outcome, err := ClassifyOpenPacket(raw)
	if err != nil {
		return err
	}
	s.logger.Debug("handshake complete", zap.Stringer("outcome", outcome))
	if !outcome.Authenticated {
		return &AuthenticationError{Reason: outcome.Reason}
	}
	return nil
}
