// Package messaging bridges session lifecycle events onto NATS so other
// services can consume them without holding an observer WebSocket open. It
// wraps the connection lifecycle, subject-based subscriptions, and the sink
// adapter the notification gateway fans out through.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectSessionEvent is the subject prefix for lifecycle events; the full
// subject is session.event.<identifier>.
const SubjectSessionEvent = "session.event"

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
		URL:           nats.DefaultURL,
		Name:          "sessiond",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with helpers for the session event
// subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: connected")

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishSessionEvent publishes an encoded lifecycle event for an identifier.
func (c *Client) PublishSessionEvent(identifier string, data []byte) error {
	return c.conn.Publish(SubjectSessionEvent+"."+identifier, data)
}

// SubscribeSessionEvents registers a handler for one identifier's lifecycle
// events and stores the subscription for later cleanup.
func (c *Client) SubscribeSessionEvents(identifier string, handler func(data []byte)) error {
	return c.subscribe(SubjectSessionEvent+"."+identifier, handler)
}

// SubscribeAllSessionEvents registers a handler for every identifier's
// lifecycle events.
func (c *Client) SubscribeAllSessionEvents(handler func(data []byte)) error {
	return c.subscribe(SubjectSessionEvent+".>", handler)
}

func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSessionEvents drops the subscription for one identifier.
func (c *Client) UnsubscribeSessionEvents(identifier string) error {
	subject := SubjectSessionEvent + "." + identifier

	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("nats: drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats: connection drain")
	}
	log.Info().Msg("nats: client closed")
}

// EventSink adapts the client to the gateway's fan-out interface. Encoded
// events carry their identifier, so the subject is derived by decoding just
// that field; publish failures are logged and dropped, matching the
// gateway's fire-and-forget contract.
type EventSink struct {
	client *Client
}

// NewEventSink returns a gateway sink publishing through client.
func NewEventSink(client *Client) *EventSink {
	return &EventSink{client: client}
}

// Broadcast implements the gateway sink.
func (s *EventSink) Broadcast(data []byte) {
	var ev struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Identifier == "" {
		log.Warn().Err(err).Msg("nats: drop event without identifier")
		return
	}
	if err := s.client.PublishSessionEvent(ev.Identifier, data); err != nil {
		log.Warn().Err(err).Str("identifier", ev.Identifier).Msg("nats: publish session event")
	}
}
