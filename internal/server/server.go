package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/op/go-logging.v1"

	"redistream/internal/handler"
	"redistream/internal/metrics"
	"redistream/internal/processor"
	"redistream/internal/protocol"
	"redistream/internal/rdb"
	"redistream/internal/replication"
	"redistream/internal/storage"
)

var log = logging.MustGetLogger("server")

// Server wires the keyspace, the command handler, and the replication
// engine behind one listening socket.
type Server struct {
	config         *Config
	listener       net.Listener
	processor      *processor.Processor
	handler        *handler.CommandHandler
	replicationMgr *replication.Manager
	connections    sync.Map
	connIDCounter  atomic.Int64
	wg             sync.WaitGroup
	shutdownChan   chan struct{}
	mu             sync.Mutex
	isShutdown     bool
}

// New assembles a server from configuration: loads the bootstrap
// snapshot, builds the processor and handler, and prepares the
// replication role.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	store := storage.NewStore()
	loadSnapshot(store, cfg.SnapshotPath())

	role := replication.RoleMaster
	if cfg.ReplicaOf != "" {
		role = replication.RoleReplica
	}
	replMgr := replication.NewManager(role)
	replMgr.SetListeningPort(cfg.Port)
	log.Infof("replication role: %s", role)

	proc := processor.NewProcessor(store)
	proc.SetWriteHook(replMgr.Propagate)

	handlerConfig := handler.HandlerConfig{
		ReadBufferSize: cfg.ReadBufferSize,
		Dir:            cfg.Dir,
		DBFilename:     cfg.DBFilename,
	}
	cmdHandler := handler.NewCommandHandler(proc, handlerConfig, replMgr)

	if role == replication.RoleReplica {
		replMgr.SetCommandExecutor(func(args []string) error {
			response := cmdHandler.ExecuteReplicatedCommand(&protocol.Command{Args: args})
			if len(response) > 0 && response[0] == '-' {
				return fmt.Errorf("command failed: %s", string(response))
			}
			return nil
		})
	}

	return &Server{
		config:         cfg,
		processor:      proc,
		handler:        cmdHandler,
		replicationMgr: replMgr,
		shutdownChan:   make(chan struct{}),
	}
}

// loadSnapshot seeds the store from the on-disk snapshot before any
// connection exists, so no locking is involved yet.
func loadSnapshot(store *storage.Store, path string) {
	now := time.Now().UnixMilli()
	records, err := rdb.Load(path, now)
	if err != nil {
		log.Warningf("snapshot load failed: %v", err)
		return
	}
	for _, rec := range records {
		px := int64(0)
		if rec.ExpiresAt > 0 {
			px = rec.ExpiresAt - now
			if px <= 0 {
				continue
			}
		}
		store.Set(rec.Key, rec.Value, px, now)
	}
	if len(records) > 0 {
		log.Infof("restored %d keys from %s", len(records), path)
	}
}

// Replication exposes the replication manager, mainly for tests and
// INFO assertions.
func (s *Server) Replication() *replication.Manager {
	return s.replicationMgr
}

// Processor exposes the keyspace processor for tests.
func (s *Server) Processor() *processor.Processor {
	return s.processor
}

// Addr returns the bound listener address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listening socket and serves until ctx is done. When
// configured as a follower it also kicks off the outbound handshake;
// a handshake failure is surfaced in the log without retry.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := listenReusePort(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	log.Infof("listening on %s", addr)

	go s.acceptConnections(ctx)

	if s.config.ReplicaOf != "" {
		host, port, err := ParseReplicaOf(s.config.ReplicaOf)
		if err != nil {
			listener.Close()
			return err
		}
		go func() {
			if err := s.replicationMgr.ConnectToLeader(host, port); err != nil {
				log.Errorf("replication handshake failed: %v", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// listenReusePort binds with SO_REUSEPORT so a restarting process can
// rebind while old sockets drain.
func listenReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.Lock()
				down := s.isShutdown
				s.mu.Unlock()
				if down {
					return
				}
				log.Errorf("accept failed: %v", err)
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	s.connections.Store(connID, conn)
	defer s.connections.Delete(connID)
	defer conn.Close()

	client := &handler.Client{
		ID:   connID,
		Conn: conn,
	}
	s.handler.Handle(ctx, client)
}

// Shutdown closes the listener and every connection, then stops the
// processor and replication engine.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	close(s.shutdownChan)
	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warningf("shutdown timeout reached, forcing exit")
	}

	s.replicationMgr.Shutdown()
	s.processor.Shutdown()
	log.Infof("shutdown complete")
}
