// Package registry tracks live server-side connections keyed by identity and
// enforces the single-live-connection-per-identity rule: registering a new
// handle for an identity evicts the previous one with a distinct close
// reason.
package registry

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/relay/chat-app/internal/metrics"
)

// Close reasons used when the server ends a connection.
const (
	ReasonReplaced     = "replaced by new connection"
	ReasonShuttingDown = "server shutting down"
	ReasonSlowConsumer = "outbound buffer overflow"
)

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("registry: connection closed")

// DefaultOutboundBuffer is the per-connection outbound frame buffer size.
// A peer that cannot drain this many frames is closed rather than allowed
// to stall broadcasters.
const DefaultOutboundBuffer = 64

// Conn is a live authenticated connection handle. Outbound frames go through
// a bounded buffer drained by a dedicated writer goroutine, so Send never
// blocks the caller on the peer's I/O.
type Conn struct {
	ID         string   // connection id (UUID), distinct from the identity
	IdentityID string   // authenticated identity that owns this connection
	NetConn    net.Conn // underlying TCP connection
	Fd         int      // file descriptor for epoll lookups
	CreatedAt  time.Time

	lastActivity atomic.Int64 // unix nanos of the last successful read

	writeTimeout time.Duration
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frames onto the socket
	processing   int32      // CAS flag: 0 = idle, 1 = being read
}

// NewConn wraps an upgraded network connection into a handle and starts its
// writer goroutine.
func NewConn(id, identityID string, nc net.Conn, fd int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		IdentityID:   identityID,
		NetConn:      nc,
		Fd:           fd,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan []byte, DefaultOutboundBuffer),
		done:         make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// Touch records read activity for heartbeat accounting.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last successful read.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TryAcquireRead marks the connection as being read by a worker. It returns
// false if another worker already holds it (duplicate dispatch from
// level-triggered epoll).
func (c *Conn) TryAcquireRead() bool {
	return atomic.CompareAndSwapInt32(&c.processing, 0, 1)
}

// ReleaseRead clears the read flag set by TryAcquireRead.
func (c *Conn) ReleaseRead() {
	atomic.StoreInt32(&c.processing, 0)
}

// Send queues an encoded envelope for delivery. It never blocks: if the
// outbound buffer is full the connection is closed as a slow consumer and an
// error is returned so the caller can treat the member as offline.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	default:
		metrics.OutboundDrops.Inc()
		c.CloseWithStatus(ws.StatusInternalServerError, ReasonSlowConsumer)
		return ErrConnClosed
	}
}

// writeLoop drains the outbound buffer onto the socket. It exits when the
// connection is closed.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.writeFrame(frame); err != nil {
				// Let the read path observe the broken socket and clean up.
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.NetConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.NetConn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.NetConn, ws.OpBinary, frame)
}

// WritePing sends a WebSocket protocol-level ping frame. The write mutex
// keeps it from interleaving with data frames.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.NetConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = c.NetConn.SetWriteDeadline(time.Time{}) }()
	return ws.WriteFrame(c.NetConn, ws.NewPingFrame(nil))
}

// CloseWithStatus sends a close frame with the given status code and reason,
// then closes the socket. Safe to call multiple times. It never blocks the
// caller: an in-flight write is interrupted via the deadline and the close
// frame goes out on a separate goroutine.
func (c *Conn) CloseWithStatus(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.NetConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		go func() {
			c.writeMu.Lock()
			_ = c.NetConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = ws.WriteFrame(c.NetConn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
			c.writeMu.Unlock()
			_ = c.NetConn.Close()
		}()
	})
}

// Close closes the socket without a close frame (used after transport
// errors, where the peer is already gone).
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.NetConn.Close()
	})
}
