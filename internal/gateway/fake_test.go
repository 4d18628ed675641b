package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/cory-johannsen/kairi/internal/event"
	"github.com/cory-johannsen/kairi/internal/gateway"
)

type frame struct {
	mt   int
	data []byte
}

type written struct {
	data []byte
	at   time.Time
}

// fakeConn is an in-memory gateway socket. Frames pushed with serve are read
// by the session; frames written by the session are captured in writes.
type fakeConn struct {
	clock clockwork.Clock

	in     chan frame
	writes chan written

	closeOnce sync.Once
	closed    chan struct{}
	closes    atomic.Int32
}

func newFakeConn(clock clockwork.Clock) *fakeConn {
	return &fakeConn{
		clock:  clock,
		in:     make(chan frame, 64),
		writes: make(chan written, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.mt, f.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	var now time.Time
	if c.clock != nil {
		now = c.clock.Now()
	}
	c.writes <- written{data: append([]byte(nil), data...), at: now}
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) serve(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- frame{mt: websocket.TextMessage, data: data}
}

func (c *fakeConn) serveRaw(mt int, data string) {
	c.in <- frame{mt: mt, data: []byte(data)}
}

// next returns the next frame written by the session.
func (c *fakeConn) next(t *testing.T) written {
	t.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written by the session")
		return written{}
	}
}

// nothingWritten asserts that no frame is written for d.
func (c *fakeConn) nothingWritten(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case w := <-c.writes:
		t.Fatalf("unexpected frame written: %s", w.data)
	case <-time.After(d):
	}
}

type fakeDialer struct {
	conn *fakeConn
	err  error

	mu   sync.Mutex
	urls []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (gateway.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// blockingResolver blocks until ctx ends.
type blockingResolver struct {
	entered chan struct{}
}

func (r blockingResolver) Resolve(ctx context.Context) (gateway.Endpoint, error) {
	close(r.entered)
	<-ctx.Done()
	return gateway.Endpoint{}, ctx.Err()
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions []gateway.State
	latencies   []time.Duration
	kinds       map[event.Kind]int
	decodeFails int
	handlerFail int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{kinds: map[event.Kind]int{}}
}

func (r *countingRecorder) StateChanged(_, to gateway.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func (r *countingRecorder) HeartbeatAcked(l time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, l)
}

func (r *countingRecorder) EventDecoded(k event.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k]++
}

func (r *countingRecorder) DecodeFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decodeFails++
}

func (r *countingRecorder) HandlerFailed(event.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlerFail++
}

type recorded struct {
	transitions []gateway.State
	latencies   []time.Duration
	kinds       map[event.Kind]int
	decodeFails int
	handlerFail int
}

func (r *countingRecorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make(map[event.Kind]int, len(r.kinds))
	for k, v := range r.kinds {
		kinds[k] = v
	}
	return recorded{
		transitions: append([]gateway.State(nil), r.transitions...),
		latencies:   append([]time.Duration(nil), r.latencies...),
		kinds:       kinds,
		decodeFails: r.decodeFails,
		handlerFail: r.handlerFail,
	}
}
