package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters. The client drives its
// own envelope-level PING/PONG; this sweep is the server's backstop against
// peers that vanished without a close frame.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and removes those with no
// successful reads within Interval + Timeout. The goroutine exits when the
// server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections sweeps all live connections. Stale ones are removed; the
// rest receive a protocol-level ping frame, which peers answer automatically.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.registry.All() {
		if now.Sub(c.LastActivity()) > deadline {
			log.Printf("ws: heartbeat timeout identity=%s last_activity=%s ago",
				c.IdentityID, now.Sub(c.LastActivity()).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed identity=%s: %v", c.IdentityID, err)
			server.RemoveConnection(c)
		}
	}
}
