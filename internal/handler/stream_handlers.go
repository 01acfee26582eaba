package handler

import (
	"strings"

	"redistream/internal/processor"
	"redistream/internal/protocol"
	"redistream/internal/storage"
)

func (h *CommandHandler) handleXAdd(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 5 || (len(cmd.Args)-3)%2 != 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'xadd' command")
	}

	procCmd := &processor.Command{
		Type:      processor.CmdXAdd,
		Key:       cmd.Args[1],
		IDSpec:    cmd.Args[2],
		Fields:    cmd.Args[3:],
		Propagate: h.propagateArgs(cmd),
		Response:  make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.StringResult)
	if res.Err != nil {
		return protocol.EncodeError(res.Err.Error())
	}
	return protocol.EncodeBulkString(res.Result)
}

func (h *CommandHandler) handleXRange(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 4 {
		return protocol.EncodeError("ERR wrong number of arguments for 'xrange' command")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdXRange,
		Key:      cmd.Args[1],
		Start:    cmd.Args[2],
		End:      cmd.Args[3],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.XRangeResult)
	if res.Err != nil {
		return protocol.EncodeError(res.Err.Error())
	}
	if !res.Exists {
		return protocol.EncodeNullBulkString()
	}
	return encodeStreamEntries(res.Entries)
}

// handleXRead splits the "STREAMS k1 … kn id1 … idn" suffix into its
// parallel key and ID sequences before querying.
func (h *CommandHandler) handleXRead(cmd *protocol.Command) []byte {
	if len(cmd.Args) < 4 || !strings.EqualFold(cmd.Args[1], "STREAMS") {
		return protocol.EncodeError("ERR wrong number of arguments for 'xread' command")
	}

	rest := cmd.Args[2:]
	if len(rest)%2 != 0 {
		return protocol.EncodeError("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
	}
	half := len(rest) / 2

	procCmd := &processor.Command{
		Type:     processor.CmdXRead,
		Keys:     rest[:half],
		LastIDs:  rest[half:],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.XReadResult)
	if res.Err != nil {
		return protocol.EncodeError(res.Err.Error())
	}
	if len(res.Matches) == 0 {
		return protocol.EncodeNullBulkString()
	}

	frames := make([][]byte, 0, len(res.Matches))
	for _, match := range res.Matches {
		frames = append(frames, protocol.EncodeRawArray([][]byte{
			protocol.EncodeBulkString(match.Key),
			encodeStreamEntries(match.Entries),
		}))
	}
	return protocol.EncodeRawArray(frames)
}

func (h *CommandHandler) handleXLen(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'xlen' command")
	}

	procCmd := &processor.Command{
		Type:     processor.CmdXLen,
		Key:      cmd.Args[1],
		Response: make(chan interface{}, 1),
	}
	h.processor.Submit(procCmd)
	result := <-procCmd.Response

	res, _ := result.(processor.Int64Result)
	if res.Err != nil {
		return protocol.EncodeError(res.Err.Error())
	}
	return protocol.EncodeInteger(res.Result)
}

// encodeStreamEntries renders entries as the nested RESP shape
// [[id, [field, value, …]], …].
func encodeStreamEntries(entries []storage.StreamEntry) []byte {
	frames := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		frames = append(frames, protocol.EncodeRawArray([][]byte{
			protocol.EncodeBulkString(entry.ID.String()),
			protocol.EncodeArray(entry.Fields),
		}))
	}
	return protocol.EncodeRawArray(frames)
}
