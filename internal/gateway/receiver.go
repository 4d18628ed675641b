package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/event"
)

// receive reads frames in arrival order, decodes them and hands each event to
// the dispatcher. Malformed frames are logged and dropped.
//
// Postcondition: Returns nil on cancellation, a *FrameTypeError for a non-text
// frame, or a wrapped read error when the connection is lost.
func (s *Session) receive(ctx context.Context, conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if mt != websocket.TextMessage {
			return &FrameTypeError{MessageType: mt}
		}

		ev, err := event.Decode(data)
		if err != nil {
			var decErr *event.DecodeError
			if errors.As(err, &decErr) {
				s.logger.Warn("dropping malformed frame",
					zap.String("type", decErr.Type),
					zap.String("frame", truncate(data, 512)),
					zap.Error(err),
				)
			}
			s.recorder.DecodeFailed()
			continue
		}

		s.observe(ev)
		s.recorder.EventDecoded(ev.Kind())
		s.dispatcher.Dispatch(ev)
	}
}

// observe applies the session-level effects of an event before dispatch.
func (s *Session) observe(ev event.Event) {
	switch e := ev.(type) {
	case event.Ready:
		self, ok := e.Self()
		if !ok {
			s.logger.Warn("ready event carried no users")
			return
		}
		s.mu.Lock()
		first := s.self == nil
		if first {
			s.self = &self
		}
		s.mu.Unlock()
		if first {
			s.logger.Info("hello", zap.String("user", self.Username), zap.String("user_id", self.ID))
		}

	case event.Pong:
		s.acceptPong(e)

	case event.Unknown:
		s.logger.Debug("unhandled event", zap.String("type", e.Type))
	}
}
