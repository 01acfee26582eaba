package handler

import (
	"bufio"
	"strconv"
	"strings"

	"redistream/internal/protocol"
	"redistream/internal/replication"
)

// handleConnectionCommand intercepts the commands that need the raw
// connection instead of the plain dispatch table: REPLCONF during a
// follower's handshake and PSYNC, which converts the connection into a
// replication socket. Returns true when the command was consumed.
func (h *CommandHandler) handleConnectionCommand(client *Client, writer *bufio.Writer, cmd *protocol.Command) bool {
	if len(cmd.Args) == 0 {
		return false
	}

	switch strings.ToUpper(cmd.Args[0]) {
	case "REPLCONF":
		h.handleReplConf(client, writer, cmd.Args[1:])
		return true
	case "PSYNC":
		h.handlePSync(client, writer, cmd.Args[1:])
		return true
	default:
		return false
	}
}

// handleReplConf acknowledges every subcommand with +OK except ACK,
// which is noted against the follower's registry entry and never
// answered.
func (h *CommandHandler) handleReplConf(client *Client, writer *bufio.Writer, args []string) {
	if len(args) < 1 {
		writer.Write(protocol.EncodeError("ERR wrong number of arguments for 'replconf' command"))
		return
	}

	switch strings.ToLower(args[0]) {
	case "listening-port":
		if len(args) == 2 {
			if port, err := strconv.Atoi(args[1]); err == nil {
				client.listeningPort = port
			}
		}
		writer.Write(protocol.EncodeSimpleString("OK"))

	case "ack":
		if len(args) == 2 {
			if offset, err := strconv.ParseInt(args[1], 10, 64); err == nil {
				h.replMgr.NoteAck(client.Conn, offset)
			}
		}

	default:
		writer.Write(protocol.EncodeSimpleString("OK"))
	}
}

// handlePSync serves a full resync: the FULLRESYNC line, then the
// snapshot as a bulk payload with no trailing CRLF, then registration
// with the replication engine, which replays the buffered command log
// before the connection joins the broadcast set.
func (h *CommandHandler) handlePSync(client *Client, writer *bufio.Writer, args []string) {
	if h.replMgr == nil || h.replMgr.Role() != replication.RoleMaster {
		writer.Write(protocol.EncodeError("ERR PSYNC can only be used with a master"))
		return
	}
	if len(args) != 2 {
		writer.Write(protocol.EncodeError("ERR wrong number of arguments for 'psync' command"))
		return
	}

	writer.Write(protocol.EncodeSimpleString("FULLRESYNC " + h.replMgr.ReplID() + " 0"))
	writer.Write(protocol.EncodeBulkPayload(h.replMgr.Snapshot()))
	if err := writer.Flush(); err != nil {
		log.Warningf("PSYNC transfer to %s failed: %v", client.Conn.RemoteAddr(), err)
		return
	}

	h.replMgr.AttachReplica(client.Conn, client.listeningPort)
	client.replica = true
}

// handleReplicaFrame consumes traffic arriving from an attached
// follower. Only acknowledgements are meaningful; nothing is ever
// written back on this path.
func (h *CommandHandler) handleReplicaFrame(client *Client, cmd *protocol.Command) {
	if len(cmd.Args) == 3 &&
		strings.EqualFold(cmd.Args[0], "REPLCONF") &&
		strings.EqualFold(cmd.Args[1], "ACK") {
		if offset, err := strconv.ParseInt(cmd.Args[2], 10, 64); err == nil {
			h.replMgr.NoteAck(client.Conn, offset)
		}
	}
}
