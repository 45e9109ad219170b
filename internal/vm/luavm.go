// Package vm implements the scripting VM collaborator on gopher-lua.
//
// Scripts declare classes with a small DSL registered as globals:
//
//	local Player = class("Player", "CharacterBody2D")
//	tool(Player)
//	export(Player, "speed", 5)
//	signal(Player, "died", "cause")
//
//	function Player:init(name)
//	    self.name = name
//	end
//
//	function Player:take_damage(amount)
//	    self.speed = self.speed - amount
//	end
//
// The first class a chunk declares is the chunk's class. Class metadata
// is recorded on the Go side while the chunk runs and committed to the
// registry only if the whole chunk succeeds, so a broken reload never
// clobbers the last good class.
package vm

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/script"
)

// exportDecl records one export() call, in declaration order.
type exportDecl struct {
	name       string
	def        lua.LValue
	hasDefault bool
}

// signalDecl records one signal() call.
type signalDecl struct {
	name string
	args []string
}

// classInfo is the Go-side record for one declared class.
type classInfo struct {
	name     string
	table    *lua.LTable
	extends  string
	icon     string
	tool     bool
	abstract bool
	global   bool
	exports  []exportDecl
	signals  []signalDecl
}

// LuaVM is the gopher-lua implementation of script.VM. One shared LState,
// driven from the single object-mutation thread.
type LuaVM struct {
	cfg     *config.Config
	state   *lua.LState
	classes map[string]*classInfo
	byTable map[*lua.LTable]*classInfo
	pending []*classInfo
}

var _ script.VM = (*LuaVM)(nil)

// New creates a LuaVM with the class DSL registered.
func New(cfg *config.Config) *LuaVM {
	L := lua.NewState()
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	v := &LuaVM{
		cfg:     cfg,
		state:   L,
		classes: make(map[string]*classInfo),
		byTable: make(map[*lua.LTable]*classInfo),
	}
	v.registerDSL()
	return v
}

// Close releases the Lua state.
func (v *LuaVM) Close() {
	v.state.Close()
}

// State exposes the underlying Lua state for tests and tooling.
func (v *LuaVM) State() *lua.LState {
	return v.state
}

func (v *LuaVM) registerDSL() {
	L := v.state

	// class(name, extends) -> class table
	L.SetGlobal("class", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		extends := L.OptString(2, "")
		tbl := L.NewTable()
		L.SetField(tbl, "type", lua.LString(name))
		L.SetField(tbl, "__index", tbl)
		if base, ok := v.classes[extends]; ok {
			L.SetMetatable(tbl, base.table)
		}
		v.pending = append(v.pending, &classInfo{name: name, table: tbl, extends: extends})
		L.Push(tbl)
		return 1
	}))

	// export(cls, name, default) - declare an exported property
	L.SetGlobal("export", L.NewFunction(func(L *lua.LState) int {
		ci := v.checkClass(L, 1)
		name := L.CheckString(2)
		decl := exportDecl{name: name}
		if L.GetTop() >= 3 {
			decl.def = L.Get(3)
			decl.hasDefault = true
		}
		for i, e := range ci.exports {
			if e.name == name {
				ci.exports[i] = decl
				return 0
			}
		}
		ci.exports = append(ci.exports, decl)
		return 0
	}))

	// signal(cls, name, argnames...) - declare a signal
	L.SetGlobal("signal", L.NewFunction(func(L *lua.LState) int {
		ci := v.checkClass(L, 1)
		name := L.CheckString(2)
		var args []string
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, L.CheckString(i))
		}
		for i, s := range ci.signals {
			if s.name == name {
				ci.signals[i] = signalDecl{name: name, args: args}
				return 0
			}
		}
		ci.signals = append(ci.signals, signalDecl{name: name, args: args})
		return 0
	}))

	// tool(cls), abstract(cls), global_class(cls), icon(cls, path)
	L.SetGlobal("tool", L.NewFunction(func(L *lua.LState) int {
		v.checkClass(L, 1).tool = true
		return 0
	}))
	L.SetGlobal("abstract", L.NewFunction(func(L *lua.LState) int {
		v.checkClass(L, 1).abstract = true
		return 0
	}))
	L.SetGlobal("global_class", L.NewFunction(func(L *lua.LState) int {
		v.checkClass(L, 1).global = true
		return 0
	}))
	L.SetGlobal("icon", L.NewFunction(func(L *lua.LState) int {
		v.checkClass(L, 1).icon = L.CheckString(2)
		return 0
	}))
}

// checkClass resolves argument n to a declared class, raising a Lua error
// for tables that did not come from class().
func (v *LuaVM) checkClass(L *lua.LState, n int) *classInfo {
	tbl := L.CheckTable(n)
	if ci := v.findClass(tbl); ci != nil {
		return ci
	}
	L.ArgError(n, "not a class table")
	return nil
}

// findClass looks a class table up in the pending chunk first, then in
// the committed registry.
func (v *LuaVM) findClass(tbl *lua.LTable) *classInfo {
	for i := len(v.pending) - 1; i >= 0; i-- {
		if v.pending[i].table == tbl {
			return v.pending[i]
		}
	}
	return v.byTable[tbl]
}

// LoadChunk compiles and runs a source chunk. Classes declared by the
// chunk are committed to the registry only when the whole chunk succeeds.
// Returns the first declared class name.
func (v *LuaVM) LoadChunk(path, source string) (string, error) {
	L := v.state
	v.pending = nil
	defer func() { v.pending = nil }()

	fn, err := L.Load(strings.NewReader(source), path)
	if err != nil {
		return "", fmt.Errorf("compile %s: %w", path, err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return "", fmt.Errorf("run %s: %w", path, err)
	}

	if len(v.pending) == 0 {
		return "", fmt.Errorf("chunk %s declares no class: %w", path, script.ErrClassNotFound)
	}

	primary := v.pending[0].name
	for _, ci := range v.pending {
		if old, ok := v.classes[ci.name]; ok {
			delete(v.byTable, old.table)
		}
		v.classes[ci.name] = ci
		v.byTable[ci.table] = ci
		v.cfg.Log(3, "vm: %s: class %s (extends %q)", path, ci.name, ci.extends)
	}
	return primary, nil
}

// ResolveClass returns the handle for a committed class.
func (v *LuaVM) ResolveClass(name string) (script.ClassHandle, error) {
	ci, ok := v.classes[name]
	if !ok {
		return nil, fmt.Errorf("class %q: %w", name, script.ErrClassNotFound)
	}
	return ci, nil
}

// ClassMeta returns class-level metadata.
func (v *LuaVM) ClassMeta(h script.ClassHandle) script.ClassMeta {
	ci := h.(*classInfo)
	return script.ClassMeta{
		Name:     ci.name,
		Extends:  ci.extends,
		IconPath: ci.icon,
		Tool:     ci.tool,
		Abstract: ci.abstract,
		Global:   ci.global,
	}
}

// PropertyList returns exported property descriptors in declaration order.
func (v *LuaVM) PropertyList(h script.ClassHandle) []script.PropertyInfo {
	ci := h.(*classInfo)
	out := make([]script.PropertyInfo, 0, len(ci.exports))
	for _, e := range ci.exports {
		p := script.PropertyInfo{Name: e.name, Type: "any"}
		if e.hasDefault {
			p.Type = e.def.Type().String()
			p.Default = LuaToGo(e.def)
			p.HasDefault = true
		}
		out = append(out, p)
	}
	return out
}

// DefaultValues returns the declared property defaults.
func (v *LuaVM) DefaultValues(h script.ClassHandle) map[string]interface{} {
	ci := h.(*classInfo)
	out := make(map[string]interface{}, len(ci.exports))
	for _, e := range ci.exports {
		if e.hasDefault {
			out[e.name] = LuaToGo(e.def)
		}
	}
	return out
}

// Methods enumerates function-valued fields of the class table.
func (v *LuaVM) Methods(h script.ClassHandle) []script.MethodInfo {
	ci := h.(*classInfo)
	var out []script.MethodInfo
	ci.table.ForEach(func(key, value lua.LValue) {
		name, ok := key.(lua.LString)
		if !ok {
			return
		}
		if string(name) == "__index" || string(name) == "type" {
			return
		}
		fn, ok := value.(*lua.LFunction)
		if !ok {
			return
		}
		mi := script.MethodInfo{Name: string(name)}
		if fn.IsG {
			mi.Variadic = true
		} else {
			// NumParameters includes the method receiver.
			mi.Arity = int(fn.Proto.NumParameters) - 1
			if mi.Arity < 0 {
				mi.Arity = 0
			}
			mi.Variadic = fn.Proto.IsVarArg != 0
		}
		out = append(out, mi)
	})
	return out
}

// Signals returns the declared signals.
func (v *LuaVM) Signals(h script.ClassHandle) []script.SignalInfo {
	ci := h.(*classInfo)
	out := make([]script.SignalInfo, 0, len(ci.signals))
	for _, s := range ci.signals {
		out = append(out, script.SignalInfo{Name: s.name, Args: append([]string(nil), s.args...)})
	}
	return out
}

// Construct creates an instance table with the class as its metatable,
// copies exported defaults in, and runs the init constructor if declared.
func (v *LuaVM) Construct(h script.ClassHandle, args []interface{}) (script.ScriptValue, error) {
	ci := h.(*classInfo)
	L := v.state

	init := v.lookupField(ci, "init")
	initFn, hasInit := init.(*lua.LFunction)
	if !hasInit && len(args) > 0 {
		return nil, fmt.Errorf("class %q has no constructor but got %d arg(s): %w",
			ci.name, len(args), script.ErrConstructorMismatch)
	}
	if hasInit && !initFn.IsG && initFn.Proto.IsVarArg == 0 {
		want := int(initFn.Proto.NumParameters) - 1
		if want < 0 {
			want = 0
		}
		if len(args) != want {
			return nil, fmt.Errorf("class %q constructor wants %d arg(s), got %d: %w",
				ci.name, want, len(args), script.ErrConstructorMismatch)
		}
	}

	instance := L.NewTable()
	L.SetMetatable(instance, ci.table)

	// Each instance gets its own copy of the defaults, chain included so
	// inherited exports land too.
	for _, decl := range v.exportChain(ci) {
		if decl.hasDefault {
			instance.RawSetString(decl.name, copyLuaValue(L, decl.def))
		}
	}

	if hasInit {
		callArgs := make([]lua.LValue, 0, len(args)+1)
		callArgs = append(callArgs, instance)
		for _, a := range args {
			callArgs = append(callArgs, GoToLua(L, a))
		}
		if err := L.CallByParam(lua.P{Fn: initFn, NRet: 0, Protect: true}, callArgs...); err != nil {
			return nil, fmt.Errorf("class %q constructor failed: %w", ci.name, err)
		}
	}
	return instance, nil
}

// maxChainDepth bounds class-chain walks. The script layer rejects base
// cycles, but a cycle can exist transiently between chunk commit and that
// validation, so every walk is bounded.
const maxChainDepth = 64

// lookupField reads a class field through the script-class chain.
func (v *LuaVM) lookupField(ci *classInfo, name string) lua.LValue {
	for cur, depth := ci, 0; cur != nil && depth < maxChainDepth; cur, depth = v.classes[cur.extends], depth+1 {
		if val := cur.table.RawGetString(name); val != lua.LNil {
			return val
		}
	}
	return lua.LNil
}

// exportChain returns export declarations from the root of the chain
// down, so derived defaults override base defaults.
func (v *LuaVM) exportChain(ci *classInfo) []exportDecl {
	var chain []*classInfo
	for cur := ci; cur != nil && len(chain) < maxChainDepth; cur = v.classes[cur.extends] {
		chain = append(chain, cur)
	}
	var out []exportDecl
	index := make(map[string]int)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, e := range chain[i].exports {
			if at, ok := index[e.name]; ok {
				out[at] = e
				continue
			}
			index[e.name] = len(out)
			out = append(out, e)
		}
	}
	return out
}

// exportedInChain reports whether name is an exported property of the
// instance's class or any base class.
func (v *LuaVM) exportedInChain(instance *lua.LTable, name string) bool {
	meta, ok := v.state.GetMetatable(instance).(*lua.LTable)
	if !ok {
		return false
	}
	for cur, depth := v.byTable[meta], 0; cur != nil && depth < maxChainDepth; cur, depth = v.classes[cur.extends], depth+1 {
		for _, e := range cur.exports {
			if e.name == name {
				return true
			}
		}
	}
	return false
}

// GetProperty reads a property from an instance. Values the instance
// holds win; otherwise a declared export default answers. Unknown names
// report false.
func (v *LuaVM) GetProperty(val script.ScriptValue, name string) (interface{}, bool) {
	instance, ok := val.(*lua.LTable)
	if !ok {
		return nil, false
	}
	if raw := instance.RawGetString(name); raw != lua.LNil {
		return LuaToGo(raw), true
	}
	meta, ok := v.state.GetMetatable(instance).(*lua.LTable)
	if !ok {
		return nil, false
	}
	for cur, depth := v.byTable[meta], 0; cur != nil && depth < maxChainDepth; cur, depth = v.classes[cur.extends], depth+1 {
		for _, e := range cur.exports {
			if e.name == name {
				if e.hasDefault {
					return LuaToGo(e.def), true
				}
				return nil, true
			}
		}
	}
	return nil, false
}

// SetProperty writes a property. Exported properties and fields the
// instance already carries are accepted; anything else is refused.
func (v *LuaVM) SetProperty(val script.ScriptValue, name string, value interface{}) bool {
	instance, ok := val.(*lua.LTable)
	if !ok {
		return false
	}
	if instance.RawGetString(name) == lua.LNil && !v.exportedInChain(instance, name) {
		return false
	}
	instance.RawSetString(name, GoToLua(v.state, value))
	return true
}

// CallMethod invokes a method on an instance through the class chain.
func (v *LuaVM) CallMethod(val script.ScriptValue, name string, args []interface{}) (interface{}, error) {
	instance, ok := val.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("not a script instance")
	}
	L := v.state
	fn := L.GetField(instance, name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("no method %q", name)
	}
	callArgs := make([]lua.LValue, 0, len(args)+1)
	callArgs = append(callArgs, instance)
	for _, a := range args {
		callArgs = append(callArgs, GoToLua(L, a))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, callArgs...); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return LuaToGo(ret), nil
}

// Release drops the VM-side reference. The Lua GC reclaims the instance
// once nothing else reaches it.
func (v *LuaVM) Release(val script.ScriptValue) {
}

// copyLuaValue copies a default value for a new instance. Tables are
// copied recursively so instances never share mutable defaults.
func copyLuaValue(L *lua.LState, val lua.LValue) lua.LValue {
	tbl, ok := val.(*lua.LTable)
	if !ok {
		return val
	}
	out := L.NewTable()
	tbl.ForEach(func(key, value lua.LValue) {
		L.RawSet(out, key, copyLuaValue(L, value))
	})
	return out
}
