package handler

import (
	"strconv"
	"strings"

	"redistream/internal/processor"
	"redistream/internal/protocol"
	"redistream/internal/replication"
)

func (h *CommandHandler) handleConfig(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 3 || !strings.EqualFold(cmd.Args[1], "GET") {
		return protocol.EncodeError("ERR wrong number of arguments for 'config' command")
	}

	param := strings.ToLower(cmd.Args[2])
	var value string
	switch param {
	case "dir":
		value = h.config.Dir
	case "db_file_name":
		value = h.config.DBFilename
	default:
		return protocol.EncodeArray(nil)
	}
	return protocol.EncodeArray([]string{param, value})
}

// handleInfo renders the replication section: role, propagated (or
// applied) offset, and the replication ID, one field per CRLF line.
func (h *CommandHandler) handleInfo(cmd *protocol.Command) []byte {
	role := replication.RoleMaster
	var offset int64
	var replID string
	if h.replMgr != nil {
		role = h.replMgr.Role()
		offset = h.replMgr.Offset()
		if role == replication.RoleMaster {
			replID = h.replMgr.ReplID()
		} else {
			replID = h.replMgr.LeaderReplID()
		}
	}

	lines := []string{
		"role:" + string(role),
		"master_repl_offset:" + strconv.FormatInt(offset, 10),
		"master_replid:" + replID,
	}
	return protocol.EncodeBulkString(strings.Join(lines, "\r\n"))
}

func (h *CommandHandler) handleCommand(cmd *protocol.Command) []byte {
	return protocol.EncodeArray(nil)
}

func (h *CommandHandler) handleFlushAll(cmd *protocol.Command) []byte {
	procCmd := &processor.Command{
		Type:      processor.CmdFlush,
		Propagate: h.propagateArgs(cmd),
		Response:  make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	<-procCmd.Response

	return protocol.EncodeSimpleString("OK")
}
