// Package fanout pushes channel events to every live connection of a
// channel's members. Membership is resolved through the external channel
// store once per call and never cached. Members without a live handle are
// skipped: offline delivery is a read-on-reconnect concern handled by
// history fetch, not by fan-out.
package fanout

import (
	"context"
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relay/chat-app/internal/metrics"
	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/store"
	"github.com/relay/chat-app/internal/wire"
)

// Bridge is the cross-instance distribution hook. *messaging.Client
// satisfies it; a nil Bridge keeps delivery instance-local.
type Bridge interface {
	PublishChannelEvent(channelID string, data []byte) error
}

// bridgeEvent is the wrapper carried on the NATS channel.<id> subject. The
// frame is already wire-encoded; receiving instances deliver it verbatim.
type bridgeEvent struct {
	ChannelID string `msgpack:"channel_id"`
	Exclude   string `msgpack:"exclude,omitempty"`
	Frame     []byte `msgpack:"frame"`
}

// Fanout distributes events to channel members.
type Fanout struct {
	registry *registry.Registry
	channels store.ChannelStore
	bridge   Bridge
}

// New creates a Fanout. bridge may be nil for single-instance deployments.
func New(reg *registry.Registry, channels store.ChannelStore, bridge Bridge) *Fanout {
	return &Fanout{registry: reg, channels: channels, bridge: bridge}
}

// Broadcast encodes the event once and pushes it to every member of the
// channel except excludeIdentity (empty string excludes nobody). With a
// bridge configured, the frame rides NATS and every instance, this one
// included, delivers to its local members.
func (f *Fanout) Broadcast(ctx context.Context, channelID, event string, payload interface{}, excludeIdentity string) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	if f.bridge != nil {
		data, err := msgpack.Marshal(bridgeEvent{
			ChannelID: channelID,
			Exclude:   excludeIdentity,
			Frame:     frame,
		})
		if err != nil {
			return err
		}
		return f.bridge.PublishChannelEvent(channelID, data)
	}

	return f.deliverLocal(ctx, channelID, frame, excludeIdentity)
}

// SendTo pushes an event to one identity's live connection, if any. Used for
// replies that target the caller only (history pages, channel creation acks).
func (f *Fanout) SendTo(identityID, event string, payload interface{}) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	c := f.registry.Lookup(identityID)
	if c == nil {
		return nil
	}
	if err := c.Send(frame); err != nil {
		log.Printf("[fanout] send to %s failed: %v", identityID, err)
	}
	metrics.EventsTotal.WithLabelValues("out").Inc()
	return nil
}

// HandleBridgeEvent is the NATS subscription callback. It unwraps the frame
// and delivers it to local members of the named channel.
func (f *Fanout) HandleBridgeEvent(data []byte) {
	var ev bridgeEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		log.Printf("[fanout] bad bridge event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.deliverLocal(ctx, ev.ChannelID, ev.Frame, ev.Exclude); err != nil {
		log.Printf("[fanout] bridge delivery for channel=%s failed: %v", ev.ChannelID, err)
	}
}

// deliverLocal snapshots membership once and pushes the frame to each local
// live handle. A send failure (dead or slow connection) is treated as
// "member offline": logged and skipped, never allowed to stall the rest.
func (f *Fanout) deliverLocal(ctx context.Context, channelID string, frame []byte, excludeIdentity string) error {
	start := time.Now()

	members, err := f.channels.Members(ctx, channelID)
	if err != nil {
		return err
	}

	for _, id := range members {
		if id == excludeIdentity {
			continue
		}
		c := f.registry.Lookup(id)
		if c == nil {
			continue // offline
		}
		if err := c.Send(frame); err != nil {
			log.Printf("[fanout] channel=%s member=%s send failed: %v", channelID, id, err)
			continue
		}
		metrics.EventsTotal.WithLabelValues("out").Inc()
	}

	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	return nil
}
