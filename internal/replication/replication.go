package replication

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"redistream/internal/metrics"
	"redistream/internal/protocol"
	"redistream/internal/rdb"
)

var log = logging.MustGetLogger("replication")

// Role represents the server's replication role.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave" // protocol-visible name
)

// ReplicaState tracks where a registered follower is in its lifecycle.
type ReplicaState string

const (
	ReplicaStateOnline  ReplicaState = "online"
	ReplicaStateOffline ReplicaState = "offline"
)

// ReplicaInfo is one attached follower connection on the leader.
type ReplicaInfo struct {
	Conn          net.Conn
	Writer        *bufio.Writer
	ID            string
	Addr          string
	ListeningPort int
	ConnectedAt   time.Time
	AckOffset     int64
	State         ReplicaState
}

// Manager holds the replication state machine for both roles. A leader
// tracks followers and the append-only command log; a follower tracks
// its link to the leader and the applied offset.
type Manager struct {
	role   Role
	replID string

	// mu guards offset, commandLog, and replicas together: log append,
	// broadcast, and follower attachment must be mutually atomic so
	// every follower sees a prefix of the commit sequence.
	mu         sync.Mutex
	offset     int64
	commandLog [][]byte
	replicas   map[string]*ReplicaInfo

	commandChan  chan []string
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	listeningPort int

	// Follower-side link state, see replica.go.
	leaderHost    string
	leaderPort    int
	leaderReplID  string
	leaderConn    net.Conn
	appliedOffset int64
	ackMu         sync.Mutex
	executor      func(args []string) error
}

// NewManager creates a replication manager. A master starts its
// propagation goroutine immediately.
func NewManager(role Role) *Manager {
	m := &Manager{
		role:         role,
		replID:       generateReplID(),
		replicas:     make(map[string]*ReplicaInfo),
		commandChan:  make(chan []string, 1000),
		shutdownChan: make(chan struct{}),
	}

	if role == RoleMaster {
		m.wg.Add(1)
		go m.propagateLoop()
	}

	return m
}

// generateReplID produces the 40-hex-character replication ID assigned
// at startup.
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		log.Warningf("crypto/rand failed, replication ID degraded: %v", err)
	}
	return hex.EncodeToString(b)
}

func (m *Manager) Role() Role {
	return m.role
}

func (m *Manager) ReplID() string {
	return m.replID
}

// Offset returns the leader's propagated byte count (master) or the
// applied byte count (replica), the value INFO reports.
func (m *Manager) Offset() int64 {
	if m.role == RoleReplica {
		return m.AppliedOffset()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

func (m *Manager) SetListeningPort(port int) {
	m.listeningPort = port
}

func (m *Manager) ListeningPort() int {
	return m.listeningPort
}

// Propagate queues a committed write for delivery to followers. Callers
// invoke it in commit order; the send blocks rather than drops so the
// propagated sequence stays a prefix of the commit sequence.
func (m *Manager) Propagate(args []string) {
	if m.role != RoleMaster {
		return
	}
	select {
	case m.commandChan <- args:
	case <-m.shutdownChan:
	}
}

func (m *Manager) propagateLoop() {
	defer m.wg.Done()

	for {
		select {
		case args := <-m.commandChan:
			m.broadcast(args)
		case <-m.shutdownChan:
			// Drain what is already queued so shutdown does not lose
			// acknowledged writes.
			for {
				select {
				case args := <-m.commandChan:
					m.broadcast(args)
				default:
					return
				}
			}
		}
	}
}

// broadcast serializes one write, appends it to the command log, bumps
// the replication offset by its byte length, and sends it to every
// attached follower. A failed send detaches the follower.
func (m *Manager) broadcast(args []string) {
	payload := protocol.EncodeCommand(args)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.commandLog = append(m.commandLog, payload)
	m.offset += int64(len(payload))
	metrics.PropagatedBytes.Add(float64(len(payload)))

	for id, replica := range m.replicas {
		if _, err := replica.Writer.Write(payload); err != nil {
			m.detachLocked(id, err)
			continue
		}
		if err := replica.Writer.Flush(); err != nil {
			m.detachLocked(id, err)
		}
	}
}

// AttachReplica registers a follower that completed PSYNC. The command
// log is replayed first so the follower receives every write that
// happened between snapshot materialization and registration, then the
// follower joins the broadcast set — all under one lock, so no write
// can fall in the gap.
func (m *Manager) AttachReplica(conn net.Conn, listeningPort int) *ReplicaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	replica := &ReplicaInfo{
		Conn:          conn,
		Writer:        bufio.NewWriter(conn),
		ID:            "replica-" + conn.RemoteAddr().String(),
		Addr:          conn.RemoteAddr().String(),
		ListeningPort: listeningPort,
		ConnectedAt:   time.Now(),
		State:         ReplicaStateOnline,
	}

	for _, payload := range m.commandLog {
		if _, err := replica.Writer.Write(payload); err != nil {
			log.Errorf("replay to %s failed: %v", replica.Addr, err)
			replica.State = ReplicaStateOffline
			conn.Close()
			return replica
		}
	}
	if err := replica.Writer.Flush(); err != nil {
		log.Errorf("replay flush to %s failed: %v", replica.Addr, err)
		replica.State = ReplicaStateOffline
		conn.Close()
		return replica
	}

	m.replicas[replica.ID] = replica
	metrics.ReplicasConnected.Set(float64(len(m.replicas)))
	log.Infof("replica attached: %s (%d logged writes replayed)", replica.Addr, len(m.commandLog))

	return replica
}

// DetachReplica removes a follower, typically after its connection
// closed.
func (m *Manager) DetachReplica(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked("replica-"+conn.RemoteAddr().String(), nil)
}

func (m *Manager) detachLocked(id string, cause error) {
	replica, exists := m.replicas[id]
	if !exists {
		return
	}
	replica.State = ReplicaStateOffline
	replica.Conn.Close()
	delete(m.replicas, id)
	metrics.ReplicasConnected.Set(float64(len(m.replicas)))
	if cause != nil {
		log.Warningf("replica %s detached: %v", replica.Addr, cause)
	} else {
		log.Infof("replica %s detached", replica.Addr)
	}
}

// NoteAck records a follower's REPLCONF ACK offset. The leader never
// replies to acknowledgements.
func (m *Manager) NoteAck(conn net.Conn, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if replica, exists := m.replicas["replica-"+conn.RemoteAddr().String()]; exists {
		replica.AckOffset = offset
	}
}

// ReplicaCount reports how many followers are attached.
func (m *Manager) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// Snapshot returns the bootstrap snapshot bytes a leader transfers
// during FULLRESYNC. The database image is the fixed empty snapshot;
// the command log carries the actual state.
func (m *Manager) Snapshot() []byte {
	return rdb.EmptySnapshot()
}

// Shutdown stops propagation and closes every replication socket.
func (m *Manager) Shutdown() {
	close(m.shutdownChan)
	if m.role == RoleMaster {
		m.wg.Wait()
	}

	m.mu.Lock()
	for _, replica := range m.replicas {
		replica.Writer.Flush()
		replica.Conn.Close()
	}
	m.replicas = make(map[string]*ReplicaInfo)
	m.mu.Unlock()

	if m.leaderConn != nil {
		m.leaderConn.Close()
	}
}
