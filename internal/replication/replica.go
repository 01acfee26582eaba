package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"redistream/internal/protocol"
	"redistream/internal/rdb"
)

// SetCommandExecutor installs the callback a follower uses to apply
// writes from the replication stream to its local keyspace.
func (m *Manager) SetCommandExecutor(executor func(args []string) error) {
	m.executor = executor
}

// AppliedOffset returns the byte count of replication stream the
// follower has consumed. Written by the applier, read by the
// acknowledgement path and INFO, hence the mutex.
func (m *Manager) AppliedOffset() int64 {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.appliedOffset
}

func (m *Manager) advanceAppliedOffset(n int) {
	m.ackMu.Lock()
	m.appliedOffset += int64(n)
	m.ackMu.Unlock()
}

// LeaderReplID returns the replication ID learned from FULLRESYNC,
// empty until the handshake completes.
func (m *Manager) LeaderReplID() string {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.leaderReplID
}

// ConnectToLeader runs the outbound handshake against the configured
// leader and, on success, starts applying the replication stream on the
// same socket. A handshake failure closes the connection and is
// returned to the caller; there is no automatic retry.
func (m *Manager) ConnectToLeader(host string, port int) error {
	m.leaderHost = host
	m.leaderPort = port

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to leader: %w", err)
	}
	m.leaderConn = conn

	link := &leaderLink{conn: conn, buf: make([]byte, 0, 4096)}
	if err := m.handshake(link); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}

	log.Infof("synchronized with leader %s, applying replication stream", addr)
	go m.applyLoop(link)
	return nil
}

// handshake walks the four-step sync protocol: PING, both REPLCONF
// announcements, then PSYNC followed by the snapshot transfer.
func (m *Manager) handshake(link *leaderLink) error {
	if err := link.send(protocol.EncodeCommand([]string{"PING"})); err != nil {
		return err
	}
	reply, err := link.readLine()
	if err != nil {
		return err
	}
	if reply != "+PONG" {
		return fmt.Errorf("unexpected PING reply %q", reply)
	}

	port := strconv.Itoa(m.listeningPort)
	if err := link.send(protocol.EncodeCommand([]string{"REPLCONF", "listening-port", port})); err != nil {
		return err
	}
	if reply, err = link.readLine(); err != nil {
		return err
	}
	if reply != "+OK" {
		return fmt.Errorf("unexpected REPLCONF listening-port reply %q", reply)
	}

	if err := link.send(protocol.EncodeCommand([]string{"REPLCONF", "capa", "psync2"})); err != nil {
		return err
	}
	if reply, err = link.readLine(); err != nil {
		return err
	}
	if reply != "+OK" {
		return fmt.Errorf("unexpected REPLCONF capa reply %q", reply)
	}

	if err := link.send(protocol.EncodeCommand([]string{"PSYNC", "?", "-1"})); err != nil {
		return err
	}
	if reply, err = link.readLine(); err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "+FULLRESYNC") {
		return fmt.Errorf("expected FULLRESYNC, got %q", reply)
	}
	if parts := strings.Fields(reply); len(parts) >= 2 {
		m.ackMu.Lock()
		m.leaderReplID = parts[1]
		m.ackMu.Unlock()
	}

	snapshot, err := link.readBulkPayload()
	if err != nil {
		return fmt.Errorf("snapshot transfer failed: %w", err)
	}
	m.ingestSnapshot(snapshot)

	return nil
}

// ingestSnapshot loads the transferred database image into the local
// keyspace through the executor.
func (m *Manager) ingestSnapshot(snapshot []byte) {
	now := time.Now().UnixMilli()
	records, err := rdb.Parse(snapshot, now)
	if err != nil {
		log.Warningf("discarding snapshot: %v", err)
		return
	}
	log.Infof("snapshot received: %d bytes, %d records", len(snapshot), len(records))

	for _, rec := range records {
		args := []string{"SET", rec.Key, rec.Value}
		if rec.ExpiresAt > 0 {
			ttl := rec.ExpiresAt - now
			if ttl <= 0 {
				continue
			}
			args = append(args, "PX", strconv.FormatInt(ttl, 10))
		}
		if err := m.applyCommand(args); err != nil {
			log.Warningf("snapshot record %s not applied: %v", rec.Key, err)
		}
	}
}

// applyLoop parses the continuous stream of RESP arrays the leader
// sends after FULLRESYNC and applies them locally. The applied offset
// advances by the exact byte count of every consumed frame, whether or
// not the frame mutates state.
func (m *Manager) applyLoop(link *leaderLink) {
	for {
		cmd, n, err := link.readCommand()
		if err != nil {
			log.Errorf("replication stream ended: %v", err)
			link.conn.Close()
			return
		}
		m.applyFrame(link, cmd.Args, n)
	}
}

// applyFrame handles one replication stream frame of n encoded bytes.
func (m *Manager) applyFrame(link *leaderLink, args []string, n int) {
	if len(args) == 0 {
		m.advanceAppliedOffset(n)
		return
	}

	switch strings.ToUpper(args[0]) {
	case "PING":
		// Keepalive, nothing to apply.

	case "REPLCONF":
		if len(args) >= 2 && strings.EqualFold(args[1], "GETACK") {
			// The reported offset excludes the GETACK frame itself.
			offset := strconv.FormatInt(m.AppliedOffset(), 10)
			ack := protocol.EncodeCommand([]string{"REPLCONF", "ACK", offset})
			if err := link.send(ack); err != nil {
				log.Errorf("failed to send ACK: %v", err)
			}
		}

	default:
		if err := m.applyCommand(args); err != nil {
			log.Warningf("replicated command %v not applied: %v", args, err)
		}
	}

	m.advanceAppliedOffset(n)
}

func (m *Manager) applyCommand(args []string) error {
	if m.executor == nil {
		return fmt.Errorf("no command executor configured")
	}
	return m.executor(args)
}

// leaderLink reads the mixed protocol a follower sees on its one
// socket: first simple-string lines, then one bulk payload without a
// trailer, then a stream of RESP arrays. Consumed bytes are never
// rewound; the buffer always begins at the next unparsed frame.
type leaderLink struct {
	conn net.Conn
	buf  []byte
}

func (l *leaderLink) send(payload []byte) error {
	_, err := l.conn.Write(payload)
	return err
}

func (l *leaderLink) fill() error {
	chunk := make([]byte, 4096)
	n, err := l.conn.Read(chunk)
	if n > 0 {
		l.buf = append(l.buf, chunk[:n]...)
		return nil
	}
	return err
}

func (l *leaderLink) readLine() (string, error) {
	for {
		line, n, err := protocol.DecodeLine(l.buf)
		if err == nil {
			l.buf = l.buf[n:]
			return line, nil
		}
		if err := l.fill(); err != nil {
			return "", err
		}
	}
}

func (l *leaderLink) readBulkPayload() ([]byte, error) {
	for {
		payload, n, err := protocol.DecodeBulkPayload(l.buf)
		if err == nil {
			l.buf = l.buf[n:]
			return payload, nil
		}
		if err != protocol.ErrIncomplete {
			return nil, err
		}
		if err := l.fill(); err != nil {
			return nil, err
		}
	}
}

func (l *leaderLink) readCommand() (*protocol.Command, int, error) {
	for {
		cmd, n, err := protocol.DecodeCommand(l.buf)
		if err == nil {
			l.buf = l.buf[n:]
			return cmd, n, nil
		}
		if err != protocol.ErrIncomplete {
			return nil, 0, err
		}
		if err := l.fill(); err != nil {
			return nil, 0, err
		}
	}
}
