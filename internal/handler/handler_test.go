package handler

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redistream/internal/processor"
	"redistream/internal/protocol"
	"redistream/internal/replication"
	"redistream/internal/storage"
)

type fixture struct {
	handler *CommandHandler
	proc    *processor.Processor
	repl    *replication.Manager
	now     *int64
}

func newFixture(t *testing.T, role replication.Role) *fixture {
	t.Helper()

	now := int64(1000)
	proc := processor.NewProcessor(storage.NewStore())
	proc.SetClock(func() int64 { return now })

	repl := replication.NewManager(role)
	proc.SetWriteHook(repl.Propagate)

	h := NewCommandHandler(proc, HandlerConfig{
		ReadBufferSize: 4096,
		Dir:            "/data/snapshots",
		DBFilename:     "dump.rdb",
	}, repl)

	f := &fixture{handler: h, proc: proc, repl: repl, now: &now}
	t.Cleanup(func() {
		repl.Shutdown()
		proc.Shutdown()
	})
	return f
}

func (f *fixture) exec(args ...string) string {
	return string(f.handler.ExecuteCommand(&protocol.Command{Args: args}))
}

func TestPingAndEcho(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, "+PONG\r\n", f.exec("PING"))
	assert.Equal(t, "$3\r\nhey\r\n", f.exec("ECHO", "hey"))
	assert.Equal(t, "-ERR wrong number of arguments for 'echo' command\r\n", f.exec("ECHO"))
}

func TestSetGetType(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, "+OK\r\n", f.exec("SET", "foo", "bar"))
	assert.Equal(t, "$3\r\nbar\r\n", f.exec("GET", "foo"))
	assert.Equal(t, "+string\r\n", f.exec("TYPE", "foo"))
	assert.Equal(t, "$-1\r\n", f.exec("GET", "missing"))
	assert.Equal(t, "+none\r\n", f.exec("TYPE", "missing"))
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, "+OK\r\n", f.exec("set", "foo", "bar"))
	assert.Equal(t, "$3\r\nbar\r\n", f.exec("gEt", "foo"))
}

func TestSetWithExpiry(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, "+OK\r\n", f.exec("SET", "foo", "bar", "PX", "100"))
	assert.Equal(t, "$3\r\nbar\r\n", f.exec("GET", "foo"))

	*f.now += 150
	assert.Equal(t, "$-1\r\n", f.exec("GET", "foo"))
	assert.Equal(t, "*0\r\n", f.exec("KEYS", "*"))
}

func TestSetPXMustBeInteger(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)
	assert.Equal(t, "-ERR PX value must be an integer\r\n", f.exec("SET", "k", "v", "PX", "soon"))
	assert.Equal(t, "-ERR PX value must be an integer\r\n", f.exec("SET", "k", "v", "px", "1.5"))
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)
	assert.Equal(t, "-ERR unknown command 'WIBBLE'\r\n", f.exec("WIBBLE"))
}

func TestKeysOnlyStarPattern(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)
	f.exec("SET", "a", "1")

	assert.Equal(t, "*1\r\n$1\r\na\r\n", f.exec("KEYS", "*"))
	assert.True(t, strings.HasPrefix(f.exec("KEYS", "a*"), "-ERR"))
}

func TestConfigGet(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, "*2\r\n$3\r\ndir\r\n$15\r\n/data/snapshots\r\n", f.exec("CONFIG", "GET", "dir"))
	assert.Equal(t, "*2\r\n$12\r\ndb_file_name\r\n$8\r\ndump.rdb\r\n", f.exec("CONFIG", "GET", "db_file_name"))
	assert.Equal(t, "*0\r\n", f.exec("CONFIG", "GET", "maxmemory"))
}

func TestInfoReplication(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	reply := f.exec("INFO", "REPLICATION")
	require.True(t, strings.HasPrefix(reply, "$"))
	body := reply[strings.Index(reply, "\r\n")+2 : len(reply)-2]

	lines := strings.Split(body, "\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "role:master", lines[0])
	assert.Equal(t, "master_repl_offset:0", lines[1])
	assert.Equal(t, "master_replid:"+f.repl.ReplID(), lines[2])
}

func TestXAddScenarios(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t,
		"-ERR The ID specified in XADD must be greater than 0-0\r\n",
		f.exec("XADD", "s", "0-0", "field", "val"))

	assert.Equal(t, "$3\r\n1-1\r\n", f.exec("XADD", "s", "1-1", "field", "val"))

	reply := f.exec("XADD", "s", "1-1", "field", "val")
	assert.Contains(t, reply, "equal or smaller")

	// Auto ID: ms >= now, seq 0 on a fresh millisecond.
	reply = f.exec("XADD", "s", "*", "field", "val")
	assert.Equal(t, "$6\r\n1000-0\r\n", reply)

	assert.Equal(t, "+stream\r\n", f.exec("TYPE", "s"))
	assert.Equal(t, ":2\r\n", f.exec("XLEN", "s"))
}

func TestXRangeWireFormat(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	f.exec("XADD", "s", "1-1", "a", "1")
	f.exec("XADD", "s", "1-2", "b", "2")

	expected := "*2\r\n" +
		"*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\na\r\n$1\r\n1\r\n" +
		"*2\r\n$3\r\n1-2\r\n*2\r\n$1\r\nb\r\n$1\r\n2\r\n"
	assert.Equal(t, expected, f.exec("XRANGE", "s", "-", "+"))

	assert.Equal(t, "$-1\r\n", f.exec("XRANGE", "missing", "-", "+"))
}

func TestXRead(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	f.exec("XADD", "a", "1-1", "f", "v")
	f.exec("XADD", "b", "2-1", "g", "w")

	reply := f.exec("XREAD", "STREAMS", "a", "b", "0-0", "0-0")
	expected := "*2\r\n" +
		"*2\r\n$1\r\na\r\n*1\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\nf\r\n$1\r\nv\r\n" +
		"*2\r\n$1\r\nb\r\n*1\r\n*2\r\n$3\r\n2-1\r\n*2\r\n$1\r\ng\r\n$1\r\nw\r\n"
	assert.Equal(t, expected, reply)

	// No stream has newer entries.
	assert.Equal(t, "$-1\r\n", f.exec("XREAD", "STREAMS", "a", "b", "1-1", "2-1"))

	assert.True(t, strings.HasPrefix(f.exec("XREAD", "STREAMS", "a"), "-ERR"))
}

func TestDelExistsIncr(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	f.exec("SET", "a", "1")
	f.exec("SET", "b", "2")
	assert.Equal(t, ":2\r\n", f.exec("EXISTS", "a", "b", "c"))
	assert.Equal(t, ":2\r\n", f.exec("DEL", "a", "b"))
	assert.Equal(t, ":0\r\n", f.exec("EXISTS", "a", "b"))

	assert.Equal(t, ":1\r\n", f.exec("INCR", "n"))
	assert.Equal(t, ":11\r\n", f.exec("INCRBY", "n", "10"))
	assert.Equal(t, ":10\r\n", f.exec("DECR", "n"))
	assert.Equal(t, ":5\r\n", f.exec("DECRBY", "n", "5"))

	f.exec("SET", "text", "abc")
	assert.Equal(t, "-ERR value is not an integer or out of range\r\n", f.exec("INCR", "text"))
}

func TestReplicaRejectsWrites(t *testing.T) {
	f := newFixture(t, replication.RoleReplica)

	reply := f.exec("SET", "k", "v")
	assert.Equal(t, "-READONLY You can't write against a read only replica\r\n", reply)

	// Reads still work.
	assert.Equal(t, "$-1\r\n", f.exec("GET", "k"))

	// The replication stream applies writes regardless.
	applied := f.handler.ExecuteReplicatedCommand(&protocol.Command{Args: []string{"SET", "k", "v"}})
	assert.Equal(t, "+OK\r\n", string(applied))
	assert.Equal(t, "$1\r\nv\r\n", f.exec("GET", "k"))
}

func TestEvalScripts(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	assert.Equal(t, ":3\r\n", f.exec("EVAL", "return 1 + 2", "0"))

	reply := f.exec("EVAL", "return redis.call('SET', KEYS[1], ARGV[1])", "1", "greeting", "hello")
	assert.Equal(t, "+OK\r\n", reply)
	assert.Equal(t, "$5\r\nhello\r\n", f.exec("GET", "greeting"))

	assert.Equal(t, "$5\r\nhello\r\n", f.exec("EVAL", "return redis.call('GET', KEYS[1])", "1", "greeting"))
}

func TestScriptCache(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	reply := f.exec("SCRIPT", "LOAD", "return 42")
	require.True(t, strings.HasPrefix(reply, "$40\r\n"))
	sha := reply[5 : 5+40]

	assert.Equal(t, ":42\r\n", f.exec("EVALSHA", sha, "0"))
	assert.Equal(t, "*1\r\n:1\r\n", f.exec("SCRIPT", "EXISTS", sha))
	assert.Equal(t, "+OK\r\n", f.exec("SCRIPT", "FLUSH"))
	assert.Equal(t, "*1\r\n:0\r\n", f.exec("SCRIPT", "EXISTS", sha))
	assert.True(t, strings.HasPrefix(f.exec("EVALSHA", sha, "0"), "-NOSCRIPT"))
}

// readExact reads exactly n bytes from conn within the deadline.
func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += read
	}
	return buf
}

func TestConnectionLoopPipelining(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.handler.Handle(ctx, &Client{ID: 1, Conn: serverSide})
	defer clientSide.Close()
	defer serverSide.Close()

	// Two commands in one write, answered in order.
	payload := append(protocol.EncodeCommand([]string{"PING"}),
		protocol.EncodeCommand([]string{"ECHO", "hey"})...)
	_, err := clientSide.Write(payload)
	require.NoError(t, err)

	reply := readExact(t, clientSide, len("+PONG\r\n$3\r\nhey\r\n"))
	assert.Equal(t, "+PONG\r\n$3\r\nhey\r\n", string(reply))

	// A command split across writes is buffered until complete.
	encoded := protocol.EncodeCommand([]string{"ECHO", "again"})
	_, err = clientSide.Write(encoded[:5])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = clientSide.Write(encoded[5:])
	require.NoError(t, err)

	reply = readExact(t, clientSide, len("$5\r\nagain\r\n"))
	assert.Equal(t, "$5\r\nagain\r\n", string(reply))
}

func TestPSyncConvertsConnection(t *testing.T) {
	f := newFixture(t, replication.RoleMaster)

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.handler.Handle(ctx, &Client{ID: 1, Conn: serverSide})
	defer clientSide.Close()
	defer serverSide.Close()

	clientSide.Write(protocol.EncodeCommand([]string{"REPLCONF", "listening-port", "6380"}))
	assert.Equal(t, "+OK\r\n", string(readExact(t, clientSide, 5)))

	clientSide.Write(protocol.EncodeCommand([]string{"REPLCONF", "capa", "psync2"}))
	assert.Equal(t, "+OK\r\n", string(readExact(t, clientSide, 5)))

	clientSide.Write(protocol.EncodeCommand([]string{"PSYNC", "?", "-1"}))

	// +FULLRESYNC <40-hex id> 0\r\n
	header := readExact(t, clientSide, len("+FULLRESYNC ")+40+len(" 0\r\n"))
	assert.Equal(t, "+FULLRESYNC "+f.repl.ReplID()+" 0\r\n", string(header))

	// The snapshot payload: $<len>\r\n<bytes>, no trailing CRLF.
	snapshot := f.repl.Snapshot()
	payloadFrame := protocol.EncodeBulkPayload(snapshot)
	assert.Equal(t, payloadFrame, readExact(t, clientSide, len(payloadFrame)))

	require.Eventually(t, func() bool { return f.repl.ReplicaCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A write on the leader now arrives on the replication socket.
	assert.Equal(t, "+OK\r\n", f.exec("SET", "replicated", "yes"))
	expected := protocol.EncodeCommand([]string{"SET", "replicated", "yes"})
	assert.Equal(t, expected, readExact(t, clientSide, len(expected)))

	// The follower's ACK is noted, never answered.
	clientSide.Write(protocol.EncodeCommand([]string{"REPLCONF", "ACK", "42"}))
	clientSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	one := make([]byte, 1)
	_, err := clientSide.Read(one)
	assert.Error(t, err, "leader must not reply to REPLCONF ACK")
}
