// Package ws hosts the WebSocket server: upgrading HTTP connections,
// authenticating the handshake token, feeding the poller event loop, and
// dispatching inbound frames to the command router.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/relay/chat-app/internal/metrics"
	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/store"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket, authenticates them against
// the session store, registers them in the connection registry, and reads
// frames via the poller event loop with a bounded worker pool.
type Server struct {
	config   ServerConfig
	poller   *Poller
	registry *registry.Registry
	sessions store.SessionStore

	workerPool chan struct{} // semaphore limiting concurrent read workers
	onMessage  func(conn *registry.Conn, data []byte)

	// onConnect/onDisconnect fire when an identity gains or loses its live
	// connection (eviction by a newer login does not fire onDisconnect:
	// the identity is still live).
	onConnect    func(identityID string)
	onDisconnect func(identityID string)

	// connGate, when set, decides whether an upgrade attempt from the given
	// remote address may proceed (connection rate limiting).
	connGate func(remoteAddr string) bool

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage callback is invoked from a
// worker goroutine for every complete data frame.
func NewServer(config ServerConfig, reg *registry.Registry, sessions store.SessionStore, onMessage func(conn *registry.Conn, data []byte)) *Server {
	return &Server{
		config:     config,
		registry:   reg,
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback fired after an identity's connection is
// registered and ready.
func (s *Server) SetOnConnect(fn func(identityID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback fired after an identity's live
// connection is gone (transport close, heartbeat timeout, or shutdown).
func (s *Server) SetOnDisconnect(fn func(identityID string)) {
	s.onDisconnect = fn
}

// SetConnGate registers a predicate consulted before each upgrade. Returning
// false rejects the attempt with 429.
func (s *Server) SetConnGate(fn func(remoteAddr string) bool) {
	s.connGate = fn
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting connections. It blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.eventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to WebSocket and performs the
// authentication handshake: the token travels as a query parameter and must
// resolve to a non-expired identity. An invalid token closes the fresh
// connection with a policy-violation code, which tells well-behaved clients
// not to retry with the same token.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.connGate != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.connGate(host) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	ident, err := s.sessions.Resolve(ctx, token)
	cancel()
	if err != nil {
		log.Printf("ws: handshake rejected: %v", err)
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(
			ws.StatusPolicyViolation, "authentication failed")))
		_ = conn.Close()
		return
	}

	c := registry.NewConn(uuid.New().String(), ident.ID, conn, registry.SocketFD(conn), s.config.WriteTimeout)

	// Register evicts any previous connection for the identity; the evicted
	// socket must also leave the poller so the event loop stops seeing it.
	if evicted := s.registry.Register(c); evicted != nil {
		_ = s.poller.Remove(evicted.NetConn)
		log.Printf("ws: evicted previous connection identity=%s conn=%s", ident.ID, evicted.ID)
	}

	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.registry.Unregister(c)
		c.CloseWithStatus(ws.StatusInternalServerError, "poller registration failed")
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	if s.onConnect != nil {
		s.onConnect(ident.ID)
	}

	log.Printf("ws: new connection identity=%s conn=%s (total=%d)",
		ident.ID, c.ID, s.registry.Count())
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop runs the poller wait loop, dispatching each ready connection to
// a worker goroutine bounded by the pool semaphore. Frames from one
// connection are read sequentially (the read CAS flag rejects duplicate
// dispatch), so per-sender ordering holds.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled without blocking on a data frame that may never arrive; read
// failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.registry.GetByConn(netConn)
	if c == nil {
		return
	}

	if !c.TryAcquireRead() {
		return
	}
	defer c.ReleaseRead()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch); the heartbeat owns dead-connection detection.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	metrics.EventsTotal.WithLabelValues("in").Inc()

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the registry and
// closes the socket. The registry only drops the mapping if this handle is
// still the identity's live one, so a stale close cannot evict a newer
// connection.
func (s *Server) RemoveConnection(c *registry.Conn) {
	_ = s.poller.Remove(c.NetConn)

	if !s.registry.Unregister(c) {
		c.Close()
		return
	}

	c.Close()
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.IdentityID)
	}

	log.Printf("ws: connection closed identity=%s conn=%s (total=%d)",
		c.IdentityID, c.ID, s.registry.Count())
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, and closes every live connection with a going-away
// code.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.registry.All() {
		_ = s.poller.Remove(c.NetConn)
		s.registry.Unregister(c)
		c.CloseWithStatus(ws.StatusGoingAway, registry.ReasonShuttingDown)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks for an interrupted syscall, which is expected during signal
// handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
