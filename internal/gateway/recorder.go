package gateway

import (
	"time"

	"github.com/cory-johannsen/kairi/internal/event"
)

// Recorder observes session activity. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	StateChanged(from, to State)
	HeartbeatAcked(latency time.Duration)
	EventDecoded(kind event.Kind)
	DecodeFailed()
	HandlerFailed(kind event.Kind)
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(State, State) {}
func (nopRecorder) HeartbeatAcked(time.Duration) {}
func (nopRecorder) EventDecoded(event.Kind) {}
func (nopRecorder) DecodeFailed() {}
func (nopRecorder) HandlerFailed(event.Kind) {}
