package observability

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/kairi/internal/event"
	"github.com/cory-johannsen/kairi/internal/gateway"
)

func TestMetrics_RecordsSessionActivity(t *testing.T) {
	m := NewMetrics()

	m.StateChanged(gateway.StateDisconnected, gateway.StateConnecting)
	m.StateChanged(gateway.StateConnecting, gateway.StateConnected)
	assert.Equal(t, float64(gateway.StateConnected), testutil.ToFloat64(m.state))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("connected")))

	m.EventDecoded(event.KindReady)
	m.EventDecoded(event.KindPong)
	m.EventDecoded(event.KindPong)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.events.WithLabelValues("Pong")))

	m.DecodeFailed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeFailures))

	m.HandlerFailed(event.KindReady)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handlerErrors.WithLabelValues("Ready")))

	m.HeartbeatAcked(50 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestMetrics_Lint(t *testing.T) {
	m := NewMetrics()
	m.EventDecoded(event.KindUnknown)
	m.HandlerFailed(event.KindUnknown)
	m.StateChanged(gateway.StateDisconnected, gateway.StateConnecting)
	for name, c := range map[string]prometheus.Collector{
		"state":       m.state,
		"transitions": m.transitions,
		"latency":     m.latency,
		"events":      m.events,
		"decode":      m.decodeFailures,
		"handler":     m.handlerErrors,
	} {
		problems, err := testutil.CollectAndLint(c)
		require.NoError(t, err, name)
		assert.Empty(t, problems, name)
	}
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.EventDecoded(event.KindReady)

	srv := NewMetricsServer("127.0.0.1:0", m, zaptest.NewLogger(t))
	errs := make(chan error, 1)
	go func() { errs <- srv.Start() }()

	var addr string
	select {
	case a := <-srv.Ready():
		addr = a.String()
	case err := <-errs:
		t.Fatalf("metrics server failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not start")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `kairi_events_total{kind="Ready"} 1`)

	srv.Stop()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestMetricsServer_ListenError(t *testing.T) {
	srv := NewMetricsServer("256.0.0.1:bad", NewMetrics(), zaptest.NewLogger(t))
	assert.Error(t, srv.Start())
}
