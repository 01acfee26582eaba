package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"redistream/internal/lua"
	"redistream/internal/metrics"
	"redistream/internal/processor"
	"redistream/internal/protocol"
	"redistream/internal/replication"
)

var log = logging.MustGetLogger("handler")

// CommandFunc is a function type for command handlers.
type CommandFunc func(cmd *protocol.Command) []byte

type Client struct {
	ID   int64
	Conn net.Conn

	// listeningPort is the port announced via REPLCONF before PSYNC.
	listeningPort int
	// replica flips when PSYNC completes: the connection then belongs
	// to the replication engine and the handler only consumes ACKs.
	replica bool
}

// HandlerConfig holds the handler's slice of server configuration.
type HandlerConfig struct {
	ReadBufferSize int
	Dir            string
	DBFilename     string
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize: 4096,
		Dir:            "tmp",
		DBFilename:     "dump.rdb",
	}
}

type CommandHandler struct {
	processor *processor.Processor
	replMgr   *replication.Manager
	config    HandlerConfig
	commands  map[string]CommandFunc
	scripts   *lua.ScriptEngine
}

func NewCommandHandler(proc *processor.Processor, config HandlerConfig, replMgr *replication.Manager) *CommandHandler {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}
	h := &CommandHandler{
		processor: proc,
		replMgr:   replMgr,
		config:    config,
		scripts:   lua.NewScriptEngine(lua.NewExecutor(proc, replMgr)),
	}
	h.registerCommands()
	return h
}

func (h *CommandHandler) registerCommands() {
	h.commands = make(map[string]CommandFunc)

	// String/basic commands
	h.commands["PING"] = h.handlePing
	h.commands["ECHO"] = h.handleEcho
	h.commands["SET"] = h.handleSet
	h.commands["GET"] = h.handleGet
	h.commands["DEL"] = h.handleDel
	h.commands["EXISTS"] = h.handleExists
	h.commands["KEYS"] = h.handleKeys
	h.commands["TYPE"] = h.handleType
	h.commands["TTL"] = h.handleTTL
	h.commands["INCR"] = h.handleIncr
	h.commands["DECR"] = h.handleDecr
	h.commands["INCRBY"] = h.handleIncrBy
	h.commands["DECRBY"] = h.handleDecrBy

	// Stream commands
	h.commands["XADD"] = h.handleXAdd
	h.commands["XRANGE"] = h.handleXRange
	h.commands["XREAD"] = h.handleXRead
	h.commands["XLEN"] = h.handleXLen

	// Admin commands
	h.commands["CONFIG"] = h.handleConfig
	h.commands["INFO"] = h.handleInfo
	h.commands["COMMAND"] = h.handleCommand
	h.commands["FLUSHALL"] = h.handleFlushAll

	// Scripting
	h.commands["EVAL"] = h.handleEval
	h.commands["EVALSHA"] = h.handleEvalSHA
	h.commands["SCRIPT"] = h.handleScript
}

// writeCommands are the verbs a follower refuses from normal clients.
// A leader propagates all of them except EVAL and EVALSHA, whose
// scripts propagate the individual writes they make instead.
var writeCommands = map[string]bool{
	"SET":      true,
	"DEL":      true,
	"INCR":     true,
	"DECR":     true,
	"INCRBY":   true,
	"DECRBY":   true,
	"FLUSHALL": true,
	"XADD":     true,
	"EVAL":     true,
	"EVALSHA":  true,
}

func IsWriteCommand(command string) bool {
	return writeCommands[command]
}

// Handle drives one connection: read into a growing buffer, decode and
// dispatch every complete frame, reply, repeat. Returns on EOF or on an
// unrecoverable framing error.
func (h *CommandHandler) Handle(ctx context.Context, client *Client) {
	defer h.dropClient(client)

	writer := bufio.NewWriter(client.Conn)
	buf := make([]byte, 0, h.config.ReadBufferSize)
	chunk := make([]byte, h.config.ReadBufferSize)

	for {
		for {
			cmd, n, err := protocol.DecodeCommand(buf)
			if err == protocol.ErrIncomplete {
				break
			}
			if err != nil {
				log.Warningf("closing %s: %v", client.Conn.RemoteAddr(), err)
				return
			}
			buf = buf[n:]

			if client.replica {
				h.handleReplicaFrame(client, cmd)
				continue
			}
			if handled := h.handleConnectionCommand(client, writer, cmd); handled {
				continue
			}
			writer.Write(h.executeCommand(cmd))
		}
		if err := writer.Flush(); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := client.Conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil && n == 0 {
			if err != io.EOF {
				log.Debugf("read from %s: %v", client.Conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (h *CommandHandler) dropClient(client *Client) {
	if client.replica {
		h.replMgr.DetachReplica(client.Conn)
	}
}

func (h *CommandHandler) executeCommand(cmd *protocol.Command) []byte {
	if cmd == nil || len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}

	command := strings.ToUpper(cmd.Args[0])
	metrics.CommandsTotal.WithLabelValues(command).Inc()

	if h.isReplica() && IsWriteCommand(command) {
		return protocol.EncodeError("READONLY You can't write against a read only replica")
	}

	if handler, exists := h.commands[command]; exists {
		return handler(cmd)
	}

	return protocol.EncodeError("ERR unknown command '" + cmd.Args[0] + "'")
}

// ExecuteCommand dispatches a command without a connection attached.
// Used by tests; replicated and snapshot writes go through
// ExecuteReplicatedCommand.
func (h *CommandHandler) ExecuteCommand(cmd *protocol.Command) []byte {
	return h.executeCommand(cmd)
}

// ExecuteReplicatedCommand applies a command from the replication
// stream, bypassing the follower's read-only guard.
func (h *CommandHandler) ExecuteReplicatedCommand(cmd *protocol.Command) []byte {
	if cmd == nil || len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}
	command := strings.ToUpper(cmd.Args[0])
	handler, exists := h.commands[command]
	if !exists {
		return protocol.EncodeError("ERR unknown command '" + cmd.Args[0] + "'")
	}
	return handler(cmd)
}

func (h *CommandHandler) isReplica() bool {
	return h.replMgr != nil && h.replMgr.Role() == replication.RoleReplica
}

// propagateArgs returns the original args for the processor's write
// hook when this node propagates writes, nil otherwise.
func (h *CommandHandler) propagateArgs(cmd *protocol.Command) []string {
	if h.replMgr == nil || h.replMgr.Role() != replication.RoleMaster {
		return nil
	}
	return cmd.Args
}
