package vm

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to Go.
// Fields prefixed with "_" are skipped (internal/private fields).
func LuaToGo(val lua.LValue) interface{} {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// Count numeric and string keys to determine if array or map
		hasNumericKeys := false
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				hasNumericKeys = true
				if int(n) > maxN {
					maxN = int(n)
				}
			} else if ks, ok := key.(lua.LString); ok {
				if !strings.HasPrefix(string(ks), "_") {
					hasStringKeys = true
				}
			}
		})

		// Pure array (only numeric keys)
		if hasNumericKeys && !hasStringKeys && maxN > 0 {
			arr := make([]interface{}, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = LuaToGo(v.RawGetInt(i))
			}
			return arr
		}

		// Object (string keys, possibly mixed with numeric)
		m := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				keyStr := string(ks)
				if !strings.HasPrefix(keyStr, "_") {
					m[keyStr] = LuaToGo(value)
				}
			}
		})
		return m
	case *lua.LNilType:
		return nil
	default:
		return nil
	}
}

// GoToLua converts a Go value to Lua. Unconvertible values become nil.
func GoToLua(L *lua.LState, val interface{}) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(GoToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for key, value := range v {
			tbl.RawSetString(key, GoToLua(L, value))
		}
		return tbl
	case lua.LValue:
		return v
	default:
		return lua.LNil
	}
}
