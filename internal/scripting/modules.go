package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the log and bot tables into L.
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: log.debug/info/warn/error and bot.stop are defined in L.
func (m *Manager) registerModules(L *lua.LState) {
	logTbl := L.NewTable()
	for name, fn := range map[string]func(string, ...zap.Field){
		"debug": m.logger.Debug,
		"info":  m.logger.Info,
		"warn":  m.logger.Warn,
		"error": m.logger.Error,
	} {
		fn := fn
		L.SetField(logTbl, name, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}))
	}
	L.SetGlobal("log", logTbl)

	bot := L.NewTable()
	L.SetField(bot, "stop", L.NewFunction(func(L *lua.LState) int {
		if m.Stop != nil {
			m.Stop()
		}
		return 0
	}))
	L.SetGlobal("bot", bot)
}
