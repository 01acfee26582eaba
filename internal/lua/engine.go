// Package lua runs EVAL scripts against the keyspace through the
// gopher-lua interpreter. Scripts see the usual KEYS and ARGV globals
// plus redis.call/redis.pcall bridged to the command executor.
package lua

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// ScriptEngine executes Lua scripts and caches sources by SHA1 for
// EVALSHA.
type ScriptEngine struct {
	scriptCache map[string]string
	executor    *Executor
}

func NewScriptEngine(executor *Executor) *ScriptEngine {
	return &ScriptEngine{
		scriptCache: make(map[string]string),
		executor:    executor,
	}
}

// Eval executes a script with the given keys and arguments. Each call
// gets a fresh interpreter state.
func (se *ScriptEngine) Eval(script string, keys []string, args []string) (interface{}, error) {
	L := lua.NewState()
	defer L.Close()

	se.registerRedisAPI(L)
	se.setGlobals(L, keys, args)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("ERR Error running script: %v", err)
	}

	return se.convertLuaToGo(L.Get(-1)), nil
}

// EvalSHA executes a previously loaded script by its SHA1 hash.
func (se *ScriptEngine) EvalSHA(hash string, keys []string, args []string) (interface{}, error) {
	script, exists := se.scriptCache[hash]
	if !exists {
		return nil, fmt.Errorf("NOSCRIPT No matching script. Please use EVAL")
	}
	return se.Eval(script, keys, args)
}

// LoadScript caches a script and returns its SHA1 hash.
func (se *ScriptEngine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	hash := hex.EncodeToString(sum[:])
	se.scriptCache[hash] = script
	return hash
}

// ScriptExists reports, per hash, whether the script is cached.
func (se *ScriptEngine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, results[i] = se.scriptCache[hash]
	}
	return results
}

// ScriptFlush drops the whole script cache.
func (se *ScriptEngine) ScriptFlush() {
	se.scriptCache = make(map[string]string)
}

func (se *ScriptEngine) registerRedisAPI(L *lua.LState) {
	redisTable := L.NewTable()

	// redis.call raises a Lua error when the command fails.
	redisTable.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		name, args, err := se.popCommand(L)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		result, err := se.executor.Execute(name, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(se.convertGoToLua(L, result))
		return 1
	}))

	// redis.pcall returns the failure as an {err=...} table instead.
	redisTable.RawSetString("pcall", L.NewFunction(func(L *lua.LState) int {
		name, args, err := se.popCommand(L)
		if err == nil {
			var result interface{}
			result, err = se.executor.Execute(name, args)
			if err == nil {
				L.Push(se.convertGoToLua(L, result))
				return 1
			}
		}
		errorTable := L.NewTable()
		errorTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errorTable)
		return 1
	}))

	redisTable.RawSetString("status_reply", L.NewFunction(func(L *lua.LState) int {
		statusTable := L.NewTable()
		statusTable.RawSetString("ok", lua.LString(L.CheckString(1)))
		L.Push(statusTable)
		return 1
	}))

	redisTable.RawSetString("error_reply", L.NewFunction(func(L *lua.LState) int {
		errorTable := L.NewTable()
		errorTable.RawSetString("err", lua.LString(L.CheckString(1)))
		L.Push(errorTable)
		return 1
	}))

	L.SetGlobal("redis", redisTable)
}

// popCommand collects the redis.call argument list as strings.
func (se *ScriptEngine) popCommand(L *lua.LState) (string, []string, error) {
	n := L.GetTop()
	if n < 1 {
		return "", nil, fmt.Errorf("ERR redis.call requires at least one argument")
	}
	name := L.CheckString(1)
	args := make([]string, 0, n-1)
	for i := 2; i <= n; i++ {
		args = append(args, luaValueToString(L.Get(i)))
	}
	return name, args, nil
}

func luaValueToString(lv lua.LValue) string {
	switch v := lv.(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return strconv.FormatInt(int64(v), 10)
	default:
		return lv.String()
	}
}

func (se *ScriptEngine) setGlobals(L *lua.LState, keys []string, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)
}

func (se *ScriptEngine) convertLuaToGo(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return int64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if ok := v.RawGetString("ok"); ok != lua.LNil {
			return map[string]interface{}{"ok": se.convertLuaToGo(ok)}
		}
		if errVal := v.RawGetString("err"); errVal != lua.LNil {
			return map[string]interface{}{"err": se.convertLuaToGo(errVal)}
		}

		length := v.Len()
		arr := make([]interface{}, 0, length)
		for i := 1; i <= length; i++ {
			arr = append(arr, se.convertLuaToGo(v.RawGetInt(i)))
		}
		return arr
	default:
		return nil
	}
}

func (se *ScriptEngine) convertGoToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LFalse // Redis maps a null reply into Lua false
	case bool:
		return lua.LBool(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, se.convertGoToLua(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for k, item := range val {
			table.RawSetString(k, se.convertGoToLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
