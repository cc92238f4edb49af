package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relay/chat-app/internal/metrics"
	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/wire"
)

// HandlerError is a typed failure a command handler returns when the request
// itself is at fault. The router converts it into an ERROR envelope sent to
// the originating connection only.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a HandlerError with a formatted message.
func Errorf(code, format string, args ...interface{}) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler processes one decoded client command. payload is the concrete
// struct produced by wire.DecodeClientPayload for the event.
type Handler func(ctx context.Context, conn *registry.Conn, payload interface{}) error

// Router dispatches inbound envelopes by event name to registered handlers.
// Each handler is fault-isolated: a typed error, an unexpected error, or a
// panic produces an ERROR envelope for the caller and never touches other
// connections.
type Router struct {
	handlers map[string]Handler
	timeout  time.Duration
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		timeout:  5 * time.Second,
	}
}

// Register associates a Handler with an event name. Registering twice for
// the same event silently replaces the first handler.
func (r *Router) Register(event string, handler Handler) {
	r.handlers[event] = handler
}

// Dispatch is the server's onMessage callback. Malformed frames are logged
// and dropped without closing the connection; handler failures are reported
// to the caller as ERROR envelopes.
func (r *Router) Dispatch(conn *registry.Conn, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		var derr *wire.DecodeError
		if errors.As(err, &derr) {
			log.Printf("ws: dropping malformed frame identity=%s: %v", conn.IdentityID, err)
			metrics.EventsTotal.WithLabelValues("dropped").Inc()
			return
		}
		log.Printf("ws: decode error identity=%s: %v", conn.IdentityID, err)
		return
	}

	// Built-in heartbeat reply; no registration required.
	if env.Event == wire.EventPing {
		r.sendPong(conn)
		return
	}

	if !wire.IsClientEvent(env.Event) {
		r.sendError(conn, "unsupported_event", "unsupported event "+env.Event)
		return
	}

	payload, err := wire.DecodeClientPayload(env)
	if err != nil {
		log.Printf("ws: bad payload event=%s identity=%s: %v", env.Event, conn.IdentityID, err)
		r.sendError(conn, "bad_payload", "invalid payload for "+env.Event)
		return
	}

	handler, ok := r.handlers[env.Event]
	if !ok {
		r.sendError(conn, "unsupported_event", "no handler for "+env.Event)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ws: handler panic event=%s identity=%s: %v", env.Event, conn.IdentityID, rec)
			metrics.HandlerErrors.WithLabelValues("internal_error").Inc()
			r.sendError(conn, "internal_error", "internal server error")
		}
	}()

	if err := handler(ctx, conn, payload); err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			metrics.HandlerErrors.WithLabelValues(herr.Code).Inc()
			r.sendError(conn, herr.Code, herr.Message)
			return
		}
		log.Printf("ws: handler error event=%s identity=%s: %v", env.Event, conn.IdentityID, err)
		metrics.HandlerErrors.WithLabelValues("internal_error").Inc()
		r.sendError(conn, "internal_error", "internal server error")
	}
}

// sendError sends an ERROR envelope to the originating connection only.
func (r *Router) sendError(conn *registry.Conn, code, message string) {
	frame, err := wire.Encode(wire.EventError, wire.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error envelope identity=%s: %v", conn.IdentityID, err)
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Printf("ws: failed to send error envelope identity=%s: %v", conn.IdentityID, err)
	}
}

// sendPong answers a client PING.
func (r *Router) sendPong(conn *registry.Conn) {
	conn.Touch()

	frame, err := wire.Encode(wire.EventPong, wire.PongPayload{})
	if err != nil {
		log.Printf("ws: failed to build pong identity=%s: %v", conn.IdentityID, err)
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Printf("ws: failed to send pong identity=%s: %v", conn.IdentityID, err)
	}
}
