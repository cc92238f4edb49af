// Package messaging provides a NATS client wrapper for cross-instance
// event distribution. Channel events published by one server instance are
// delivered to members whose connections live on any instance, including the
// publisher's own.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChannelPrefix carries encoded channel events: channel.<channel_id>.
// Presence transitions ride these subjects too, as USER_STATUS_CHANGED
// broadcasts to the channels the identity belongs to.
const SubjectChannelPrefix = "channel."

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "relay-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// New connects to NATS with the given config and returns a ready client.
func New(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishChannelEvent publishes data to the channel.<channelID> subject.
func (c *Client) PublishChannelEvent(channelID string, data []byte) error {
	return c.Publish(SubjectChannelPrefix+channelID, data)
}

// SubscribeChannelEvents subscribes to every channel subject. One wildcard
// subscription per instance is enough: the payload names its channel and the
// handler resolves local membership itself.
func (c *Client) SubscribeChannelEvents(handler func(data []byte)) error {
	return c.subscribe(SubjectChannelPrefix+"*", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for cleanup on Close.
func (c *Client) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
