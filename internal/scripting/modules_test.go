package scripting_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/kairi/internal/event"
)

func TestLogModule_WritesToLogger(t *testing.T) {
	mgr, logs := newTestManager(t)
	load(t, mgr, `
		function on_pong()
			log.info("hello from lua")
		end
	`)
	require.NoError(t, mgr.Handle(context.Background(), event.Pong{}))

	entries := logs.FilterMessage("hello from lua").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "lua", entries[0].ContextMap()["source"])
}

func TestLogModule_AllLevels(t *testing.T) {
	mgr, logs := newTestManager(t)
	load(t, mgr, `
		function on_pong()
			log.debug("d")
			log.info("i")
			log.warn("w")
			log.error("e")
		end
	`)
	require.NoError(t, mgr.Handle(context.Background(), event.Pong{}))

	levels := map[string]observer.LoggedEntry{}
	for _, e := range logs.All() {
		levels[e.Message] = e
	}
	assert.Equal(t, zap.DebugLevel, levels["d"].Level)
	assert.Equal(t, zap.InfoLevel, levels["i"].Level)
	assert.Equal(t, zap.WarnLevel, levels["w"].Level)
	assert.Equal(t, zap.ErrorLevel, levels["e"].Level)
}

func TestLogModule_RequiresString(t *testing.T) {
	mgr, _ := newTestManager(t)
	load(t, mgr, `
		function on_pong()
			log.info()
		end
	`)
	assert.Error(t, mgr.Handle(context.Background(), event.Pong{}))
}

func TestBotModule_StopCallsInjectedFunc(t *testing.T) {
	mgr, _ := newTestManager(t)
	var stopped atomic.Int32
	mgr.Stop = func() { stopped.Add(1) }
	load(t, mgr, `
		function on_unknown(kind, raw)
			if kind == "Shutdown" then
				bot.stop()
			end
		end
	`)
	require.NoError(t, mgr.Handle(context.Background(), event.Unknown{Type: "Other"}))
	assert.Equal(t, int32(0), stopped.Load())
	require.NoError(t, mgr.Handle(context.Background(), event.Unknown{Type: "Shutdown"}))
	assert.Equal(t, int32(1), stopped.Load())
}

func TestBotModule_StopWithoutTargetIsNoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	load(t, mgr, `
		function on_pong()
			bot.stop()
		end
	`)
	assert.NoError(t, mgr.Handle(context.Background(), event.Pong{}))
}
