package server

import (
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/kairi/internal/config"
	"github.com/cory-johannsen/kairi/internal/gateway"
	"github.com/cory-johannsen/kairi/internal/testutil"
)

func sessionFactory(t *testing.T, srv *testutil.GatewayServer, token string) SessionFactory {
	return func() (*gateway.Session, error) {
		cfg := config.GatewayConfig{
			Token:             token,
			APIURL:            srv.URL,
			HeartbeatInterval: time.Minute,
			WriteTimeout:      time.Second,
		}
		return gateway.NewSession(cfg,
			gateway.NewHTTPResolver(cfg, http.DefaultClient),
			gateway.NewWebsocketDialer(cfg.WriteTimeout),
			zaptest.NewLogger(t),
			gateway.Options{Workers: 2},
		), nil
	}
}

var fastRetry = config.RetryConfig{
	Enabled:         true,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     20 * time.Millisecond,
	MaxElapsedTime:  300 * time.Millisecond,
}

func startAsync(svc Service) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- svc.Start() }()
	return errs
}

func TestGatewayService_StopEndsCleanly(t *testing.T) {
	srv := testutil.NewGatewayServer(t, testutil.GatewayOptions{Token: "abc"})

	var started, ended atomic.Int32
	svc := NewGatewayService(sessionFactory(t, srv, "abc"), fastRetry, SessionHooks{
		Started: func(*gateway.Session) { started.Add(1) },
		Ended: func(_ *gateway.Session, err error) {
			assert.NoError(t, err)
			ended.Add(1)
		},
	}, zaptest.NewLogger(t))

	errs := startAsync(svc)
	srv.Accept(2 * time.Second)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway service did not stop")
	}
	assert.Equal(t, int32(1), ended.Load())
	assert.Equal(t, 1, svc.Attempts())
}

func TestGatewayService_AuthenticationIsPermanent(t *testing.T) {
	srv := testutil.NewGatewayServer(t, testutil.GatewayOptions{Token: "abc", Reject: "InvalidSession"})
	svc := NewGatewayService(sessionFactory(t, srv, "abc"), fastRetry, SessionHooks{}, zaptest.NewLogger(t))

	err := svc.Start()
	var authErr *gateway.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, svc.Attempts())
}

func TestGatewayService_RetriesTransientFailures(t *testing.T) {
	srv := testutil.NewGatewayServer(t, testutil.GatewayOptions{Token: "abc"})
	svc := NewGatewayService(sessionFactory(t, srv, "wrong"), fastRetry, SessionHooks{}, zaptest.NewLogger(t))

	err := svc.Start()
	var resErr *gateway.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Greater(t, svc.Attempts(), 1)
}

func TestGatewayService_NoRetryWhenDisabled(t *testing.T) {
	srv := testutil.NewGatewayServer(t, testutil.GatewayOptions{Token: "abc"})
	svc := NewGatewayService(sessionFactory(t, srv, "wrong"), config.RetryConfig{}, SessionHooks{}, zaptest.NewLogger(t))

	err := svc.Start()
	require.Error(t, err)
	assert.Equal(t, 1, svc.Attempts())
}

func TestGatewayService_StopBeforeStart(t *testing.T) {
	srv := testutil.NewGatewayServer(t, testutil.GatewayOptions{Token: "abc"})
	svc := NewGatewayService(sessionFactory(t, srv, "abc"), fastRetry, SessionHooks{}, zaptest.NewLogger(t))
	svc.Stop()

	assert.NoError(t, svc.Start())
	assert.Equal(t, 0, svc.Attempts())
}
