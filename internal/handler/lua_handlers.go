package handler

import (
	"strconv"
	"strings"

	"redistream/internal/protocol"
)

func (h *CommandHandler) handleEval(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'eval' command")
	}
	return h.runScript(cmd.Args[1], cmd.Args[2:], false)
}

func (h *CommandHandler) handleEvalSHA(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'evalsha' command")
	}
	return h.runScript(cmd.Args[1], cmd.Args[2:], true)
}

func (h *CommandHandler) runScript(source string, rest []string, bySHA bool) []byte {
	numKeys, err := strconv.Atoi(rest[0])
	if err != nil || numKeys < 0 || numKeys > len(rest)-1 {
		return protocol.EncodeError("ERR value is not an integer or out of range")
	}
	keys := rest[1 : 1+numKeys]
	argv := rest[1+numKeys:]

	var result interface{}
	if bySHA {
		result, err = h.scripts.EvalSHA(strings.ToLower(source), keys, argv)
	} else {
		result, err = h.scripts.Eval(source, keys, argv)
	}
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return encodeScriptResult(result)
}

func (h *CommandHandler) handleScript(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'script' command")
	}

	switch strings.ToUpper(cmd.Args[1]) {
	case "LOAD":
		if len(cmd.Args) != 3 {
			return protocol.EncodeError("ERR wrong number of arguments for 'script load' command")
		}
		return protocol.EncodeBulkString(h.scripts.LoadScript(cmd.Args[2]))

	case "EXISTS":
		exists := h.scripts.ScriptExists(cmd.Args[2:])
		frames := make([][]byte, len(exists))
		for i, ok := range exists {
			if ok {
				frames[i] = protocol.EncodeInteger(1)
			} else {
				frames[i] = protocol.EncodeInteger(0)
			}
		}
		return protocol.EncodeRawArray(frames)

	case "FLUSH":
		h.scripts.ScriptFlush()
		return protocol.EncodeSimpleString("OK")

	default:
		return protocol.EncodeError("ERR Unknown SCRIPT subcommand or wrong number of arguments")
	}
}

// encodeScriptResult maps a script's return value onto RESP following
// the usual Lua conversion rules: false and nil become null, true
// becomes 1, tables become arrays, {ok=...}/{err=...} become simple
// string and error replies.
func encodeScriptResult(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return protocol.EncodeNullBulkString()
	case bool:
		if val {
			return protocol.EncodeInteger(1)
		}
		return protocol.EncodeNullBulkString()
	case int64:
		return protocol.EncodeInteger(val)
	case string:
		return protocol.EncodeBulkString(val)
	case []interface{}:
		frames := make([][]byte, 0, len(val))
		for _, item := range val {
			frames = append(frames, encodeScriptResult(item))
		}
		return protocol.EncodeRawArray(frames)
	case map[string]interface{}:
		if ok, exists := val["ok"].(string); exists {
			return protocol.EncodeSimpleString(ok)
		}
		if errMsg, exists := val["err"].(string); exists {
			return protocol.EncodeError(errMsg)
		}
		return protocol.EncodeNullBulkString()
	default:
		return protocol.EncodeNullBulkString()
	}
}
