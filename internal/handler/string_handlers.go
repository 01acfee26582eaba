package handler

import (
	"strconv"
	"strings"

	"redistream/internal/processor"
	"redistream/internal/protocol"
)

func (h *CommandHandler) handlePing(cmd *protocol.Command) []byte {
	if len(cmd.Args) > 1 {
		return protocol.EncodeBulkString(cmd.Args[1])
	}
	return protocol.EncodeSimpleString("PONG")
}

func (h *CommandHandler) handleEcho(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	return protocol.EncodeBulkString(cmd.Args[1])
}

func (h *CommandHandler) handleSet(cmd *protocol.Command) []byte {
	var px int64
	switch len(cmd.Args) {
	case 3:
	case 5:
		if !strings.EqualFold(cmd.Args[3], "PX") {
			return protocol.EncodeError("ERR syntax error")
		}
		parsed, err := strconv.ParseInt(cmd.Args[4], 10, 64)
		if err != nil {
			return protocol.EncodeError("ERR PX value must be an integer")
		}
		px = parsed
	default:
		return protocol.EncodeError("ERR wrong number of arguments for 'set' command")
	}

	procCmd := &processor.Command{
		Type:      processor.CmdSet,
		Key:       cmd.Args[1],
		Value:     cmd.Args[2],
		PX:        px,
		Propagate: h.propagateArgs(cmd),
		Response:  make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	<-procCmd.Response

	return protocol.EncodeSimpleString("OK")
}

func (h *CommandHandler) handleGet(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'get' command")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdGet,
		Key:      cmd.Args[1],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, ok := result.(processor.GetResult)
	if !ok || !res.Exists {
		return protocol.EncodeNullBulkString()
	}
	return protocol.EncodeBulkString(res.Value)
}

func (h *CommandHandler) handleDel(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'del' command")
	}

	count := int64(0)
	for i := 1; i < len(cmd.Args); i++ {
		procCmd := &processor.Command{
			Type:      processor.CmdDelete,
			Key:       cmd.Args[i],
			Propagate: h.propagateArgs(&protocol.Command{Args: []string{"DEL", cmd.Args[i]}}),
			Response:  make(chan interface{}, 1),
		}
		h.processor.Submit(procCmd)
		if deleted, ok := (<-procCmd.Response).(bool); ok && deleted {
			count++
		}
	}

	return protocol.EncodeInteger(count)
}

func (h *CommandHandler) handleExists(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'exists' command")
	}

	count := int64(0)
	for i := 1; i < len(cmd.Args); i++ {
		procCmd := &processor.Command{
			Type:     processor.CmdExists,
			Key:      cmd.Args[i],
			Response: make(chan interface{}, 1),
		}
		h.processor.Submit(procCmd)
		if exists, ok := (<-procCmd.Response).(bool); ok && exists {
			count++
		}
	}

	return protocol.EncodeInteger(count)
}

func (h *CommandHandler) handleKeys(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'keys' command")
	}
	if cmd.Args[1] != "*" {
		return protocol.EncodeError("ERR only the '*' pattern is supported")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdKeys,
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.StringSliceResult)
	return protocol.EncodeArray(res.Result)
}

func (h *CommandHandler) handleType(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'type' command")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdType,
		Key:      cmd.Args[1],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	name, _ := result.(string)
	return protocol.EncodeSimpleString(name)
}

func (h *CommandHandler) handleTTL(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'ttl' command")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdTTL,
		Key:      cmd.Args[1],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	ttl, _ := result.(int64)
	return protocol.EncodeInteger(ttl)
}

func (h *CommandHandler) handleIncr(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'incr' command")
	}
	return h.applyIncrBy(cmd, cmd.Args[1], 1)
}

func (h *CommandHandler) handleDecr(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'decr' command")
	}
	return h.applyIncrBy(cmd, cmd.Args[1], -1)
}

func (h *CommandHandler) handleIncrBy(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'incrby' command")
	}
	delta, err := strconv.ParseInt(cmd.Args[2], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR value is not an integer or out of range")
	}
	return h.applyIncrBy(cmd, cmd.Args[1], delta)
}

func (h *CommandHandler) handleDecrBy(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'decrby' command")
	}
	delta, err := strconv.ParseInt(cmd.Args[2], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR value is not an integer or out of range")
	}
	return h.applyIncrBy(cmd, cmd.Args[1], -delta)
}

func (h *CommandHandler) applyIncrBy(cmd *protocol.Command, key string, delta int64) []byte {
	procCmd := &processor.Command{
		Type:      processor.CmdIncrBy,
		Key:       key,
		Delta:     delta,
		Propagate: h.propagateArgs(cmd),
		Response:  make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.Int64Result)
	if res.Err != nil {
		return protocol.EncodeError(res.Err.Error())
	}
	return protocol.EncodeInteger(res.Result)
}
