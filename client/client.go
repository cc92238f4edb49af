// Package client implements the connection side of the chat protocol: a
// managed WebSocket connection with automatic reconnection and backoff, an
// envelope-level heartbeat, an offline send queue, and an optimistic message
// timeline that reconciles against server-confirmed messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/relay/chat-app/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ErrAuthFailed is returned by Connect when the server rejected the token.
// The client will not retry until SetToken provides a new one.
var ErrAuthFailed = errors.New("client: authentication rejected")

// errDialAborted is returned by dial when the handshake succeeded but the
// client was manually closed (or auth-failed) while it was in flight. The
// freshly dialed connection is closed instead of promoted.
var errDialAborted = errors.New("client: closed during dial")

// Config holds client tuning parameters.
type Config struct {
	URL   string // e.g. ws://localhost:8080/ws
	Token string

	HeartbeatInterval time.Duration // envelope PING cadence
	HeartbeatTimeout  time.Duration // max wait for the matching PONG
	BackoffBase       time.Duration // first reconnect delay
	BackoffCap        time.Duration // reconnect delay ceiling
	MaxAttempts       int           // reconnect attempts before giving up
	QueueHorizon      time.Duration // max age of queued sends
	QueueLimit        int           // max queued frames; oldest dropped first
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(rawURL, token string) Config {
	return Config{
		URL:               rawURL,
		Token:             token,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		BackoffBase:       1 * time.Second,
		BackoffCap:        30 * time.Second,
		MaxAttempts:       10,
		QueueHorizon:      5 * time.Minute,
		QueueLimit:        256,
	}
}

// Listener receives a decoded server envelope. Listeners run on the read
// goroutine; a panicking listener is recovered and logged without affecting
// the others.
type Listener func(env *wire.Envelope)

// Client manages a single authenticated connection to the chat server.
type Client struct {
	config Config

	mu          sync.Mutex
	state       State
	conn        net.Conn
	manualClose bool
	authFailed  bool
	connEpoch   int // bumps on every (re)connect; stale goroutines check it

	writeMu sync.Mutex // serializes frames onto the transport

	lastPong time.Time

	listenersMu sync.RWMutex
	listeners   map[string][]Listener

	queue    *sendQueue
	Timeline *Timeline
}

// New creates a Client. Call Connect to establish the connection.
func New(config Config) *Client {
	return &Client{
		config:    config,
		state:     StateDisconnected,
		listeners: make(map[string][]Listener),
		queue:     newSendQueue(config.QueueHorizon, config.QueueLimit),
		Timeline:  NewTimeline(),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetToken replaces the handshake token and clears a previous auth failure,
// re-arming reconnection.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Token = token
	c.authFailed = false
}

// WaitForReady blocks until the client reaches the connected state or the
// context ends.
func (c *Client) WaitForReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.State() == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// On registers a listener for a server event name. Multiple listeners per
// event are supported and run in registration order.
func (c *Client) On(event string, fn Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[event] = append(c.listeners[event], fn)
}

// Connect dials the server and starts the read and heartbeat loops. It is a
// no-op when already connected, connecting, or reconnecting: a second dial
// racing the reconnect loop would leave two live connections fighting over
// one identity.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	if c.authFailed {
		c.mu.Unlock()
		return ErrAuthFailed
	}
	c.state = StateConnecting
	c.manualClose = false
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		failed := c.authFailed
		c.mu.Unlock()
		if failed {
			return ErrAuthFailed
		}
		return err
	}
	return nil
}

// Disconnect closes the connection cleanly and suppresses reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.connEpoch++
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Send encodes and transmits an envelope. When offline, the envelope is
// queued and flushed in order on the next successful connect; entries older
// than the queue horizon at flush time are dropped.
func (c *Client) Send(event string, payload interface{}) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.queue.enqueue(frame)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame); err != nil {
		// The write surfaced a dead transport; queue the frame so it is not
		// lost, the read loop will notice and reconnect.
		c.mu.Lock()
		c.queue.enqueue(frame)
		c.mu.Unlock()
		return nil
	}
	return nil
}

// writeFrame serializes concurrent senders onto the single transport.
func (c *Client) writeFrame(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientBinary(conn, frame)
}

// dial performs the handshake and, on success, promotes the client to
// connected, flushes the offline queue, and starts the per-connection loops.
func (c *Client) dial(ctx context.Context) error {
	u := c.config.URL + "?token=" + c.config.Token

	conn, _, _, err := ws.Dial(ctx, u)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	// Disconnect or an auth rejection may have landed while the handshake was
	// in flight; promoting this connection would override that decision.
	if c.manualClose || c.authFailed {
		c.mu.Unlock()
		_ = conn.Close()
		return errDialAborted
	}
	c.conn = conn
	c.state = StateConnected
	c.lastPong = time.Now()
	c.connEpoch++
	epoch := c.connEpoch
	pending := c.queue.drain()
	c.mu.Unlock()

	go c.readLoop(conn, epoch)
	go c.heartbeatLoop(conn, epoch)

	for _, frame := range pending {
		if err := c.writeFrame(conn, frame); err != nil {
			log.Printf("client: queued send failed: %v", err)
			break
		}
	}
	return nil
}

// readLoop reads server frames until the transport dies, then decides whether
// to reconnect.
func (c *Client) readLoop(conn net.Conn, epoch int) {
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			c.handleReadError(conn, epoch, err)
			return
		}

		env, derr := wire.Decode(data)
		if derr != nil {
			log.Printf("client: dropping malformed frame: %v", derr)
			continue
		}

		if env.Event == wire.EventPong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}

		c.dispatch(env)
	}
}

// handleReadError classifies the transport failure. A policy-violation close
// means the token was rejected: reconnection stays off until SetToken. A
// normal or going-away close is a deliberate server decision (eviction by a
// newer login, or shutdown) and is terminal: re-dialing would evict the very
// connection that replaced this one. Only abnormal failures reconnect. A
// manual disconnect suppresses reconnection entirely.
func (c *Client) handleReadError(conn net.Conn, epoch int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if epoch != c.connEpoch {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if c.manualClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case ws.StatusPolicyViolation:
			log.Printf("client: server rejected credentials: %s", closed.Reason)
			c.authFailed = true
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		case ws.StatusNormalClosure, ws.StatusGoingAway:
			log.Printf("client: server closed the connection: %s", closed.Reason)
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
	}

	c.state = StateReconnecting
	c.mu.Unlock()

	log.Printf("client: connection lost: %v", err)
	go c.reconnect()
}

// reconnect retries the dial with exponential backoff until it succeeds, the
// maximum attempt count is reached, or the client is manually closed.
func (c *Client) reconnect() {
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		time.Sleep(backoffDelay(c.config.BackoffBase, c.config.BackoffCap, attempt))

		c.mu.Lock()
		if c.manualClose || c.authFailed {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			log.Printf("client: reconnected after %d attempt(s)", attempt+1)
			return
		}
		if errors.Is(err, errDialAborted) {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		failed := c.authFailed
		c.mu.Unlock()
		if failed {
			return
		}
		log.Printf("client: reconnect attempt %d failed: %v", attempt+1, err)
	}

	log.Printf("client: giving up after %d attempts", c.config.MaxAttempts)
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// backoffDelay computes the delay before reconnect attempt n (0-based):
// base doubled per attempt, capped.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	// Guard the shift; past ~30 doublings any realistic base overflows.
	if attempt > 30 {
		return cap
	}
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// heartbeatLoop sends envelope-level PINGs and tears the connection down when
// the matching PONG does not arrive in time. The read loop then drives
// reconnection.
func (c *Client) heartbeatLoop(conn net.Conn, epoch int) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if epoch != c.connEpoch {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		sentAt := time.Now()
		frame, err := wire.Encode(wire.EventPing, wire.PingPayload{})
		if err != nil {
			return
		}
		if err := c.writeFrame(conn, frame); err != nil {
			return // read loop will observe the dead transport
		}

		time.Sleep(c.config.HeartbeatTimeout)

		c.mu.Lock()
		stale := epoch == c.connEpoch && c.lastPong.Before(sentAt)
		c.mu.Unlock()
		if stale {
			log.Printf("client: heartbeat timed out, dropping connection")
			_ = conn.Close()
			return
		}
	}
}

// dispatch fans a server envelope out to the registered listeners. The
// timeline consumes confirmed messages before user listeners run so that a
// listener reading the timeline sees the reconciled view.
func (c *Client) dispatch(env *wire.Envelope) {
	if env.Event == wire.EventMessageReceived {
		var p wire.MessageReceivedPayload
		if err := env.DecodePayload(&p); err == nil {
			c.Timeline.ApplyConfirmed(p.Message)
		}
	}

	c.listenersMu.RLock()
	listeners := c.listeners[env.Event]
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("client: listener panic event=%s: %v", env.Event, rec)
				}
			}()
			fn(env)
		}()
	}
}
