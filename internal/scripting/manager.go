package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/dispatch"
	"github.com/cory-johannsen/kairi/internal/event"
	"github.com/cory-johannsen/kairi/internal/gateway"
)

// Hook names a Lua global invoked for one event kind.
const (
	HookReady   = "on_ready"
	HookPong    = "on_pong"
	HookUnknown = "on_unknown"
)

var hookByKind = map[event.Kind]string{
	event.KindReady:   HookReady,
	event.KindPong:    HookPong,
	event.KindUnknown: HookUnknown,
}

// Manager owns one sandboxed LState loaded from a script directory and turns
// gateway events into hook calls.
//
// Hook calls are serialized; the LState is never entered by two goroutines.
type Manager struct {
	mu     sync.Mutex
	state  *lua.LState
	limit  int
	logger *zap.Logger

	// Stop is invoked by bot.stop(). Attach sets it to the session's Close.
	Stop func()
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil. limit <= 0 selects DefaultInstructionLimit.
// Postcondition: Returns a non-nil Manager; Handle is a no-op until Load succeeds.
func NewManager(limit int, logger *zap.Logger) *Manager {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	return &Manager{limit: limit, logger: logger}
}

// Load creates a fresh VM, registers the log and bot modules, then executes
// every *.lua file in dir in lexicographic order. A successful Load replaces
// the previously loaded VM.
//
// Precondition: dir must be a readable directory.
// Postcondition: On error the previous VM stays active.
func (m *Manager) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	L := NewSandboxedState()
	m.registerModules(L)
	for _, path := range files {
		err := withBudget(context.Background(), L, m.limit, func() error {
			return L.DoFile(path)
		})
		if err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	old := m.state
	m.state = L
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.logger.Info("scripts loaded", zap.String("dir", dir), zap.Int("files", len(files)))
	return nil
}

// Defined reports whether the loaded scripts define the hook for kind.
func (m *Manager) Defined(kind event.Kind) bool {
	hook, ok := hookByKind[kind]
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false
	}
	_, isFn := m.state.GetGlobal(hook).(*lua.LFunction)
	return isFn
}

// Handle calls the hook matching ev's kind. A missing hook is a no-op.
//
// Postcondition: Lua runtime errors, including an exhausted instruction budget
// or a cancelled ctx, are returned wrapped with the hook name.
func (m *Manager) Handle(ctx context.Context, ev event.Event) error {
	hook, ok := hookByKind[ev.Kind()]
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	L := m.state
	if L == nil {
		return nil
	}
	fn, isFn := L.GetGlobal(hook).(*lua.LFunction)
	if !isFn {
		return nil
	}

	args := m.hookArgs(L, ev)
	err := withBudget(ctx, L, m.limit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	})
	if err != nil {
		return fmt.Errorf("scripting: %s: %w", hook, err)
	}
	return nil
}

func (m *Manager) hookArgs(L *lua.LState, ev event.Event) []lua.LValue {
	switch e := ev.(type) {
	case event.Ready:
		self := L.NewTable()
		if u, ok := e.Self(); ok {
			L.SetField(self, "id", lua.LString(u.ID))
			L.SetField(self, "username", lua.LString(u.Username))
		}
		return []lua.LValue{self, lua.LNumber(len(e.Users))}
	case event.Unknown:
		return []lua.LValue{lua.LString(e.Type), lua.LString(string(e.Raw))}
	default:
		return nil
	}
}

// Attach subscribes the manager to s for every hook the scripts define and
// points bot.stop() at s.Close.
//
// Precondition: Load has succeeded; s has not started running.
// Postcondition: Returns the created subscriptions, one per defined hook.
func (m *Manager) Attach(s *gateway.Session) []*dispatch.Subscription {
	m.mu.Lock()
	m.Stop = s.Close
	m.mu.Unlock()

	kinds := []event.Kind{event.KindReady, event.KindPong, event.KindUnknown}
	var subs []*dispatch.Subscription
	for _, kind := range kinds {
		if !m.Defined(kind) {
			continue
		}
		subs = append(subs, s.On(kind, m.Handle))
		m.logger.Debug("hook attached", zap.String("hook", hookByKind[kind]), zap.String("session", s.ID()))
	}
	return subs
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}
