package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/event"
	"github.com/cory-johannsen/kairi/internal/gateway"
)

// Metrics records gateway session activity in a private Prometheus registry.
// It implements gateway.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	state          prometheus.Gauge
	transitions    *prometheus.CounterVec
	latency        prometheus.Histogram
	events         *prometheus.CounterVec
	decodeFailures prometheus.Counter
	handlerErrors  *prometheus.CounterVec
}

// NewMetrics creates a Metrics with its own registry, including Go runtime and
// process collectors.
//
// Postcondition: Returns a Metrics ready to record and serve.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kairi",
			Name:      "session_state",
			Help:      "Current gateway session state (0 disconnected, 1 connecting, 2 authenticating, 3 connected, 4 closing).",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairi",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kairi",
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip between a ping and its pong.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairi",
			Name:      "events_total",
			Help:      "Decoded gateway events by kind.",
		}, []string{"kind"}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kairi",
			Name:      "decode_failures_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairi",
			Name:      "handler_errors_total",
			Help:      "Event handler failures by event kind.",
		}, []string{"kind"}),
	}
}

var _ gateway.Recorder = (*Metrics)(nil)

// StateChanged implements gateway.Recorder.
func (m *Metrics) StateChanged(_, to gateway.State) {
	m.state.Set(float64(to))
	m.transitions.WithLabelValues(to.String()).Inc()
}

// HeartbeatAcked implements gateway.Recorder.
func (m *Metrics) HeartbeatAcked(latency time.Duration) {
	m.latency.Observe(latency.Seconds())
}

// EventDecoded implements gateway.Recorder.
func (m *Metrics) EventDecoded(kind event.Kind) {
	m.events.WithLabelValues(string(kind)).Inc()
}

// DecodeFailed implements gateway.Recorder.
func (m *Metrics) DecodeFailed() {
	m.decodeFailures.Inc()
}

// HandlerFailed implements gateway.Recorder.
func (m *Metrics) HandlerFailed(kind event.Kind) {
	m.handlerErrors.WithLabelValues(string(kind)).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsServer serves /metrics. It satisfies server.Service.
type MetricsServer struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger
	ready  chan net.Addr
}

// NewMetricsServer creates a server for m listening on addr.
//
// Precondition: addr must be a "host:port" string; port 0 picks a free port.
func NewMetricsServer(addr string, m *Metrics, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		addr: addr,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		ready:  make(chan net.Addr, 1),
	}
}

// Start listens and serves until Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	s.ready <- ln.Addr()
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// Ready yields the bound address once Start is listening.
func (s *MetricsServer) Ready() <-chan net.Addr { return s.ready }

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics shutdown", zap.Error(err))
	}
}
