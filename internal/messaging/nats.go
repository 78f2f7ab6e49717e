// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the REST API and the socket relays. Every user has a personal
// subject; whatever is published there is written to each of that user's
// open sockets, whichever relay holds them.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chatsync/internal/protocol"
)

// SubjectUser is the per-user delivery subject prefix: user.<user_id>.
const SubjectUser = "user"

// UserSubject returns the delivery subject for userID.
func UserSubject(userID string) string {
	return SubjectUser + "." + userID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "whisper",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
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

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishToUser sends a pre-encoded frame to every socket of userID.
func (c *NATSClient) PublishToUser(userID string, data []byte) error {
	return c.Publish(UserSubject(userID), data)
}

// PublishEvent encodes a server event once and publishes it to each user.
// Delivery is best-effort: a failed publish is logged and the rest continue.
func (c *NATSClient) PublishEvent(userIDs []string, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", msgType, err)
	}
	var firstErr error
	for _, id := range userIDs {
		if err := c.PublishToUser(id, data); err != nil {
			log.Printf("[nats] publish %s to user=%s: %v", msgType, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SubscribeUser subscribes a connection to its user's subject. The
// subscription is keyed by connID so several sockets of the same user on
// this server each get their own copy.
func (c *NATSClient) SubscribeUser(connID, userID string, handler func(data []byte)) error {
	subject := UserSubject(userID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[connKey(connID)] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUser removes a connection's subscription.
func (c *NATSClient) UnsubscribeUser(connID string) error {
	return c.unsubscribe(connKey(connID))
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func connKey(connID string) string { return "conn:" + connID }

// unsubscribe removes and unsubscribes a stored subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
