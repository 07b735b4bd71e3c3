// Package mqtt connects the pipeline to an MQTT broker.
//
// Incoming messages are copied into ingest.Message values and handed to a
// sink without blocking the paho network loop. Subscriptions are replayed
// from the OnConnect hook, so they survive broker restarts and reconnects.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/ingest"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var log = logging.Component("mqtt")

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration

	QoS          byte
	CleanSession bool
}

// DefaultConfig returns a Config pointing at a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:               config.DefaultBroker,
		ClientID:             config.DefaultClientIDPrefix,
		KeepAlive:            config.DefaultKeepAlive,
		ConnectTimeout:       config.DefaultConnectTimeout,
		MaxReconnectInterval: config.DefaultMaxReconnectInterval,
		QoS:                  config.DefaultQoS,
		CleanSession:         true,
	}
}

// Subscription is a topic filter whose messages flow into a sink.
type Subscription struct {
	Topic string

	// Source labels the messages for logs and metrics.
	Source string
}

// Sink receives messages. *ingest.Dispatcher satisfies it.
type Sink interface {
	Enqueue(msg ingest.Message) error
}

// Client is a reconnecting MQTT client.
//
// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	client paho.Client

	mu   sync.Mutex
	subs []Subscription
	sink Sink
}

// ClientID returns prefix followed by a random suffix. Brokers disconnect
// the older of two sessions sharing an id.
func ClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New creates a client. It does not connect.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Broker == "" {
		cfg.Broker = def.Broker
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	cfg.ClientID = ClientID(cfg.ClientID)

	c := &Client{cfg: cfg}
	c.client = paho.NewClient(c.options())
	return c
}

// ID returns the client id presented to the broker.
func (c *Client) ID() string {
	return c.cfg.ClientID
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetCleanSession(c.cfg.CleanSession).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.cfg.MaxReconnectInterval).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("broker connection lost", "broker", c.cfg.Broker, "error", err)
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			log.Info("reconnecting to broker", "broker", c.cfg.Broker)
		})

	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts.SetUsername(c.cfg.Username).SetPassword(c.cfg.Password)
	}
	return opts
}

// Subscribe registers subscriptions feeding sink. They take effect on the
// next (re)connect, or immediately when already connected.
func (c *Client) Subscribe(ctx context.Context, sink Sink, subs ...Subscription) error {
	for _, s := range subs {
		if err := validation.ValidateTopicPattern(s.Topic); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sink = sink
	c.subs = append(c.subs, subs...)
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	for _, s := range subs {
		if err := c.subscribe(ctx, s, sink); err != nil {
			return err
		}
	}
	return nil
}

// Connect dials the broker and waits for the first connection. Later
// connection losses are repaired in the background.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.client.Connect()
	if err := wait(ctx, tok, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w: %w", c.cfg.Broker, errors.ErrConnectionFailed, err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload to topic with the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, errors.ErrConnectionFailed)
	}
	tok := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if err := wait(ctx, tok, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight work a short quiesce period.
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		log.Info("disconnected from broker", "broker", c.cfg.Broker)
	}
}

func (c *Client) onConnect(paho.Client) {
	log.Info("connected to broker", "broker", c.cfg.Broker, "client_id", c.cfg.ClientID)

	c.mu.Lock()
	subs := append([]Subscription(nil), c.subs...)
	sink := c.sink
	c.mu.Unlock()

	for _, s := range subs {
		s := s
		// The hook runs on paho's goroutine; subscribe asynchronously so
		// the acknowledgement can be delivered.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			defer cancel()
			if err := c.subscribe(ctx, s, sink); err != nil {
				log.Error("resubscribe failed", "topic", s.Topic, "error", err)
			}
		}()
	}
}

func (c *Client) subscribe(ctx context.Context, s Subscription, sink Sink) error {
	tok := c.client.Subscribe(s.Topic, c.cfg.QoS, messageHandler(s.Source, sink))
	if err := wait(ctx, tok, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Topic, err)
	}
	log.Info("subscribed to topic", "topic", s.Topic, "qos", c.cfg.QoS)
	return nil
}

// messageHandler copies each message into sink. Enqueue failures are
// already logged and counted by the sink.
func messageHandler(source string, sink Sink) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())

		_ = sink.Enqueue(ingest.Message{
			Topic:      m.Topic(),
			Payload:    payload,
			ReceivedAt: time.Now(),
			Source:     source,
		})
	}
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("after %v: %w", timeout, errors.ErrTimeout)
	}
}
