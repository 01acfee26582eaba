package lua

import (
	"fmt"
	"strings"

	"redistream/internal/processor"
	"redistream/internal/replication"
)

// Executor bridges redis.call invocations from scripts into the
// processor, so scripted access is serialized with every other client
// and scripted writes propagate to followers like any other write.
type Executor struct {
	proc *processor.Processor
	repl *replication.Manager
}

func NewExecutor(proc *processor.Processor, repl *replication.Manager) *Executor {
	return &Executor{proc: proc, repl: repl}
}

func (e *Executor) propagate(args []string) []string {
	if e.repl == nil || e.repl.Role() != replication.RoleMaster {
		return nil
	}
	return args
}

// Execute runs one command on behalf of a script and returns a plain Go
// value for conversion back into Lua.
func (e *Executor) Execute(name string, args []string) (interface{}, error) {
	switch strings.ToUpper(name) {
	case "ECHO":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'echo' command")
		}
		return args[0], nil

	case "GET":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'get' command")
		}
		result := e.submit(&processor.Command{Type: processor.CmdGet, Key: args[0]})
		res, ok := result.(processor.GetResult)
		if !ok || !res.Exists {
			return nil, nil
		}
		return res.Value, nil

	case "SET":
		if len(args) != 2 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'set' command")
		}
		e.submit(&processor.Command{
			Type:      processor.CmdSet,
			Key:       args[0],
			Value:     args[1],
			Propagate: e.propagate([]string{"SET", args[0], args[1]}),
		})
		return map[string]interface{}{"ok": "OK"}, nil

	case "DEL":
		count := int64(0)
		for _, key := range args {
			result := e.submit(&processor.Command{
				Type:      processor.CmdDelete,
				Key:       key,
				Propagate: e.propagate([]string{"DEL", key}),
			})
			if deleted, ok := result.(bool); ok && deleted {
				count++
			}
		}
		return count, nil

	case "EXISTS":
		count := int64(0)
		for _, key := range args {
			result := e.submit(&processor.Command{Type: processor.CmdExists, Key: key})
			if exists, ok := result.(bool); ok && exists {
				count++
			}
		}
		return count, nil

	case "INCR", "DECR", "INCRBY", "DECRBY":
		return e.executeIncr(strings.ToUpper(name), args)

	case "XADD":
		if len(args) < 4 || len(args)%2 != 0 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'xadd' command")
		}
		result := e.submit(&processor.Command{
			Type:      processor.CmdXAdd,
			Key:       args[0],
			IDSpec:    args[1],
			Fields:    args[2:],
			Propagate: e.propagate(append([]string{"XADD"}, args...)),
		})
		res, _ := result.(processor.StringResult)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Result, nil

	case "XLEN":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'xlen' command")
		}
		result := e.submit(&processor.Command{Type: processor.CmdXLen, Key: args[0]})
		res, _ := result.(processor.Int64Result)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Result, nil

	default:
		return nil, fmt.Errorf("ERR unknown command '%s' called from script", name)
	}
}

func (e *Executor) executeIncr(name string, args []string) (interface{}, error) {
	var delta int64
	var key string
	switch name {
	case "INCR", "DECR":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
		}
		key = args[0]
		delta = 1
	default:
		if len(args) != 2 {
			return nil, fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
		}
		key = args[0]
		if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
			return nil, fmt.Errorf("ERR value is not an integer or out of range")
		}
	}
	if name == "DECR" || name == "DECRBY" {
		delta = -delta
	}

	result := e.submit(&processor.Command{
		Type:      processor.CmdIncrBy,
		Key:       key,
		Delta:     delta,
		Propagate: e.propagate(append([]string{name}, args...)),
	})
	res, _ := result.(processor.Int64Result)
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Result, nil
}

func (e *Executor) submit(cmd *processor.Command) interface{} {
	cmd.Response = make(chan interface{}, 1)
	e.proc.Submit(cmd)
	return <-cmd.Response
}
