// Package policy lets an operator override the admission package's static
// priority-multiplier table with a small Lua script, without a redeploy.
package policy

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Policy evaluates a priority value into a burst multiplier using a
// user-supplied Lua script exposing a global `multiplier(priority)`
// function. It falls back to the caller-supplied default when no script
// is loaded or the script errors.
type Policy struct {
	mu      sync.Mutex
	state   *lua.LState
	loaded  bool
	fnName  string
}

// New creates an empty Policy with no script loaded; Multiplier will
// always return the fallback until Load succeeds.
func New() *Policy {
	return &Policy{fnName: "multiplier"}
}

// Load compiles and runs script, registering its global multiplier
// function for subsequent Multiplier calls. The script is expected to
// define:
//
//	function multiplier(priority)
//	  if priority >= 255 then return 5.0 end
//	  return 1.0
//	end
func (p *Policy) Load(script string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != nil {
		p.state.Close()
	}
	L := lua.NewState()
	if err := L.DoString(script); err != nil {
		L.Close()
		return fmt.Errorf("loading policy script: %w", err)
	}
	fn := L.GetGlobal(p.fnName)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return fmt.Errorf("policy script does not define a %s function", p.fnName)
	}
	p.state = L
	p.loaded = true
	return nil
}

// Multiplier evaluates the loaded script for priority, returning fallback
// if no script is loaded or evaluation fails.
func (p *Policy) Multiplier(priority int, fallback float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		return fallback
	}

	L := p.state
	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(p.fnName),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(priority)); err != nil {
		return fallback
	}
	ret := L.Get(-1)
	L.Pop(1)

	num, ok := ret.(lua.LNumber)
	if !ok {
		return fallback
	}
	return float64(num)
}

// Close releases the underlying Lua state, if one was loaded.
func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		p.state.Close()
		p.state = nil
		p.loaded = false
	}
}
