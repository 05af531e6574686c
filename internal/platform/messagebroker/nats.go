package messagebroker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is the broker-agnostic view of a delivered message.
type Message interface {
	Subject() string
	Data() []byte
}

// Subscription is a handle to an active subscription.
type Subscription interface {
	Drain() error
	Unsubscribe() error
}

// NATSClient is the surface app code depends on, so processors can be tested
// against mocks instead of a live broker.
type NATSClient interface {
	Publish(ctx context.Context, subject string, data []byte) error
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error)
	Close()
}

type natsMessage struct {
	msg *nats.Msg
}

func (m natsMessage) Subject() string { return m.msg.Subject }
func (m natsMessage) Data() []byte    { return m.msg.Data }

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Drain() error       { return s.sub.Drain() }
func (s natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

// Client wraps a core NATS connection.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient connects to NATS with reconnect handling.
// natsURL example: "nats://localhost:4222"
func NewClient(natsURL, appName string, logger *slog.Logger) (*Client, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Error("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeToSubjectWithQueue subscribes with a queue group so that multiple
// service instances share the work. An empty queueGroup subscribes normally.
func (c *Client) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error) {
	cb := func(msg *nats.Msg) { handler(natsMessage{msg: msg}) }

	var sub *nats.Subscription
	var err error
	if queueGroup == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queueGroup, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// Close drains the connection so queued publishes flush before shutdown.
func (c *Client) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Drain()
		c.conn.Close()
	}
}
