// Package messaging wraps the NATS connection used to publish moderation and
// notification events to other services (audit trail, push gateways).
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS subjects.
const (
	SubjectModerationAction = "dmchat.moderation.action"
	SubjectNotification     = "dmchat.notification" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultNATSConfig returns defaults for a local broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "dm-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("module", "nats").Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject. A second subscription on the same
// subject replaces the first.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// PublishModerationAction publishes an audit record of a moderation action.
func (c *NATSClient) PublishModerationAction(data []byte) error {
	return c.Publish(SubjectModerationAction, data)
}

// PublishNotification publishes a created notification on
// dmchat.notification.<userID>.
func (c *NATSClient) PublishNotification(userID string, data []byte) error {
	return c.Publish(SubjectNotification+"."+userID, data)
}

// SubscribeModerationActions delivers every published moderation action.
func (c *NATSClient) SubscribeModerationActions(handler func(data []byte)) error {
	return c.Subscribe(SubjectModerationAction, handler)
}

// SubscribeNotifications delivers notifications for every user. The user id
// is the last subject token.
func (c *NATSClient) SubscribeNotifications(handler func(data []byte)) error {
	return c.Subscribe(SubjectNotification+".*", handler)
}

// Close drains all subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("module", "nats").Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Str("module", "nats").Msg("connection drain failed")
	}
	log.Info().Str("module", "nats").Msg("client closed")
}
