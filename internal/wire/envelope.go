// Package wire defines the binary wire protocol: the envelope that carries
// every event between client and server, the closed event sets, and one typed
// payload struct per event. Envelopes are encoded as a MessagePack 3-element
// array: [event name, payload, server timestamp in unix millis].
package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventSendMessage    = "SEND_MESSAGE"
	EventEditMessage    = "EDIT_MESSAGE"
	EventDeleteMessage  = "DELETE_MESSAGE"
	EventAddReaction    = "ADD_REACTION"
	EventRemoveReaction = "REMOVE_REACTION"
	EventStartTyping    = "START_TYPING"
	EventStopTyping     = "STOP_TYPING"
	EventFetchMessages  = "FETCH_MESSAGES"
	EventJoinChannel    = "JOIN_CHANNEL"
	EventLeaveChannel   = "LEAVE_CHANNEL"
	EventMarkAsRead     = "MARK_AS_READ"
	EventPing           = "PING"
)

// Server -> Client events.
const (
	EventMessageReceived    = "MESSAGE_RECEIVED"
	EventMessageEdited      = "MESSAGE_EDITED"
	EventMessageDeleted     = "MESSAGE_DELETED"
	EventReactionAdded      = "REACTION_ADDED"
	EventReactionRemoved    = "REACTION_REMOVED"
	EventTypingStarted      = "TYPING_STARTED"
	EventTypingStopped      = "TYPING_STOPPED"
	EventUserJoined         = "USER_JOINED"
	EventUserLeft           = "USER_LEFT"
	EventUserStatusChanged  = "USER_STATUS_CHANGED"
	EventReadReceiptUpdated = "READ_RECEIPT_UPDATED"
	EventMessagesLoaded     = "MESSAGES_LOADED"
	EventChannelCreated     = "CHANNEL_CREATED"
	EventPong               = "PONG"
	EventError              = "ERROR"
)

// clientEvents is the closed set of events a client may send.
var clientEvents = map[string]bool{
	EventSendMessage:    true,
	EventEditMessage:    true,
	EventDeleteMessage:  true,
	EventAddReaction:    true,
	EventRemoveReaction: true,
	EventStartTyping:    true,
	EventStopTyping:     true,
	EventFetchMessages:  true,
	EventJoinChannel:    true,
	EventLeaveChannel:   true,
	EventMarkAsRead:     true,
	EventPing:           true,
}

// serverEvents is the closed set of events a server may send.
var serverEvents = map[string]bool{
	EventMessageReceived:    true,
	EventMessageEdited:      true,
	EventMessageDeleted:     true,
	EventReactionAdded:      true,
	EventReactionRemoved:    true,
	EventTypingStarted:      true,
	EventTypingStopped:      true,
	EventUserJoined:         true,
	EventUserLeft:           true,
	EventUserStatusChanged:  true,
	EventReadReceiptUpdated: true,
	EventMessagesLoaded:     true,
	EventChannelCreated:     true,
	EventPong:               true,
	EventError:              true,
}

// IsClientEvent reports whether event belongs to the client -> server set.
func IsClientEvent(event string) bool { return clientEvents[event] }

// IsServerEvent reports whether event belongs to the server -> client set.
func IsServerEvent(event string) bool { return serverEvents[event] }

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the sole unit of wire transport. Payload stays raw until the
// receiver knows which struct to decode it into (see DecodePayload).
type Envelope struct {
	Event   string
	Payload msgpack.RawMessage
	Ts      int64 // unix millis, stamped by the sender
}

// DecodeError reports a malformed frame. Callers must log and drop the frame
// rather than close the connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes an envelope with the current time as its timestamp.
func Encode(event string, payload interface{}) ([]byte, error) {
	return EncodeAt(event, payload, time.Now().UnixMilli())
}

// EncodeAt serializes an envelope with an explicit timestamp. The payload may
// be any msgpack-serializable value, including nested maps, lists, and binary
// blobs.
func EncodeAt(event string, payload interface{}, ts int64) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload for %s: %w", event, err)
	}
	data, err := msgpack.Marshal([]interface{}{event, msgpack.RawMessage(raw), ts})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope for %s: %w", event, err)
	}
	return data, nil
}

// Decode parses raw bytes into an Envelope. Malformed input yields a
// *DecodeError; the payload is left raw for DecodePayload.
func Decode(data []byte) (*Envelope, error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &parts); err != nil {
		return nil, &DecodeError{Reason: "not a msgpack array", Err: err}
	}
	if len(parts) != 3 {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected 3 elements, got %d", len(parts))}
	}

	var env Envelope
	if err := msgpack.Unmarshal(parts[0], &env.Event); err != nil {
		return nil, &DecodeError{Reason: "event name is not a string", Err: err}
	}
	if env.Event == "" {
		return nil, &DecodeError{Reason: "empty event name"}
	}
	if err := msgpack.Unmarshal(parts[2], &env.Ts); err != nil {
		return nil, &DecodeError{Reason: "timestamp is not an integer", Err: err}
	}
	env.Payload = parts[1]
	return &env, nil
}

// DecodePayload decodes the raw payload into dst. A mismatch between the
// payload shape and dst yields a *DecodeError.
func (e *Envelope) DecodePayload(dst interface{}) error {
	if err := msgpack.Unmarshal(e.Payload, dst); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("bad payload for %s", e.Event), Err: err}
	}
	return nil
}
