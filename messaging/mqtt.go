package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"dronecore/config"
)

// MQTTTransport is a paho client with automatic reconnect. Subscriptions use a
// nil callback so every PUBLISH goes through the default handler exactly once.
type MQTTTransport struct {
	cfg config.MQTTConfig
	log zerolog.Logger

	mu     sync.RWMutex
	client mqtt.Client
}

func NewMQTTTransport(cfg config.MQTTConfig, log zerolog.Logger) *MQTTTransport {
	return &MQTTTransport{
		cfg: cfg,
		log: log.With().Str("component", "mqtt").Logger(),
	}
}

func (t *MQTTTransport) Name() string { return "mqtt" }

// brokerURL maps mqtt:// and mqtts:// onto the schemes paho dials.
func brokerURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(raw, "mqtt://")
	case strings.HasPrefix(raw, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(raw, "mqtts://")
	case !strings.Contains(raw, "://"):
		return "tcp://" + raw
	}
	return raw
}

func (t *MQTTTransport) Connect(ctx context.Context, h TransportHandler) error {
	broker := brokerURL(t.cfg.URL)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(t.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(t.cfg.RetryInterval).
		SetKeepAlive(t.cfg.KeepAlive).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			h.OnMessage(m.Topic(), m.Payload(), QoS(m.Qos()), m.Retained())
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			t.log.Info().Str("broker", broker).Msg("connected")
			h.OnConnect()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn().Err(err).Msg("connection lost")
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			t.log.Info().Str("broker", broker).Msg("reconnecting")
		})
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username).SetPassword(t.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", broker, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect %s: %w", broker, ctx.Err())
	case <-afterTimeout(t.cfg.ConnectTimeout):
		return fmt.Errorf("mqtt connect %s: %w", broker, ErrConnectPending)
	}
}

func (t *MQTTTransport) conn() mqtt.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// Publish hands the message to paho. While paho is (re)connecting it queues the
// message; the wait here is bounded by ctx.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	c := t.conn()
	if c == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, c.Publish(topic, byte(qos), retain, payload))
}

func (t *MQTTTransport) Subscribe(ctx context.Context, pattern string, qos QoS) error {
	c := t.conn()
	if c == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, c.Subscribe(pattern, byte(qos), nil))
}

func (t *MQTTTransport) Unsubscribe(ctx context.Context, pattern string) error {
	c := t.conn()
	if c == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, c.Unsubscribe(pattern))
}

func (t *MQTTTransport) IsConnected() bool {
	c := t.conn()
	return c != nil && c.IsConnectionOpen()
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
