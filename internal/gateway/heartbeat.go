package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/event"
)

// heartbeat pings the server every interval while the session is connected.
//
// Pings are {"type":"Ping","time":<seq>} where seq starts at 0 and increases
// by one per ping. The first frame therefore matches the fixed
// {"type":"Ping","time":0} of the wire protocol; later pings depart from it so
// that pongs can be matched to the ping they answer. The next ping is
// scheduled one interval after the previous send, and only after the previous
// ping was acknowledged. Without an ack timeout a missing pong blocks the loop
// until ctx is cancelled.
//
// Postcondition: Returns nil on cancellation, ErrHeartbeatTimeout when an ack
// deadline expires, or a wrapped write error.
func (s *Session) heartbeat(ctx context.Context, conn Conn) error {
	next := s.clock.Now().Add(s.cfg.HeartbeatInterval)
	for seq := int64(0); ; seq++ {
		if !s.sleepUntil(ctx, next) {
			return nil
		}

		sentAt, err := s.sendPing(ctx, conn, seq)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sending ping %d: %w", seq, err)
		}
		next = sentAt.Add(s.cfg.HeartbeatInterval)

		if err := s.awaitAck(ctx, seq); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// sleepUntil waits on the session clock. It reports false when ctx ended first.
func (s *Session) sleepUntil(ctx context.Context, at time.Time) bool {
	d := at.Sub(s.clock.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

// sendPing marks seq outstanding and writes the ping frame. The ack state is
// armed before the write so that a fast pong is never dropped.
func (s *Session) sendPing(ctx context.Context, conn Conn, seq int64) (time.Time, error) {
	data, err := json.Marshal(pingFrame{Type: "Ping", Time: seq})
	if err != nil {
		return time.Time{}, fmt.Errorf("encoding ping: %w", err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.pendingAck = true
	s.pendingSeq = seq
	s.lastPingAt = now
	s.mu.Unlock()

	if err := conn.WriteMessage(ctx, data); err != nil {
		return time.Time{}, err
	}
	s.logger.Debug("ping sent", zap.Int64("seq", seq))
	return now, nil
}

// awaitAck blocks until the receiver accepts a pong for seq.
func (s *Session) awaitAck(ctx context.Context, seq int64) error {
	var expired <-chan time.Time
	if s.cfg.AckTimeout > 0 {
		t := s.clock.NewTimer(s.cfg.AckTimeout)
		defer t.Stop()
		expired = t.Chan()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.acks:
		return nil
	case <-expired:
		s.logger.Warn("heartbeat not acknowledged",
			zap.Int64("seq", seq),
			zap.Duration("ack_timeout", s.cfg.AckTimeout),
		)
		return ErrHeartbeatTimeout
	}
}

// acceptPong matches a pong against the outstanding ping and signals the
// heartbeat loop. A pong echoing the sequence of an earlier ping is stale and
// discarded, as is a pong with no ping outstanding. A pong with no integer
// echo, or one outside the range of sequences sent so far (a server timestamp,
// for example), acknowledges the outstanding ping.
//
// Postcondition: Returns true when the pong acknowledged the outstanding ping.
func (s *Session) acceptPong(p event.Pong) bool {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.pendingAck {
		s.mu.Unlock()
		s.logger.Debug("discarding unsolicited pong")
		return false
	}
	if p.Seq != nil && *p.Seq >= 0 && *p.Seq < s.pendingSeq {
		want := s.pendingSeq
		s.mu.Unlock()
		s.logger.Debug("discarding stale pong", zap.Int64("seq", *p.Seq), zap.Int64("want", want))
		return false
	}
	s.pendingAck = false
	s.lastPongAt = now
	s.latency = now.Sub(s.lastPingAt)
	latency := s.latency
	s.mu.Unlock()

	select {
	case s.acks <- struct{}{}:
	default:
	}
	s.recorder.HeartbeatAcked(latency)
	s.logger.Debug("heartbeat acknowledged", zap.Duration("latency", latency))
	return true
}
