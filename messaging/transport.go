package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dronecore/config"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrConnectPending = errors.New("connect still pending")
)

// TransportHandler receives transport callbacks. OnMessage may be called from
// any goroutine; OnConnect is called after every successful (re)connect.
type TransportHandler interface {
	OnMessage(topic string, payload []byte, qos QoS, retain bool)
	OnConnect()
}

// Transport is a broker connection. Wildcard matching at the transport is an
// optimisation; the Bus re-matches every inbound message locally.
type Transport interface {
	Name() string
	Connect(ctx context.Context, h TransportHandler) error
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
	Subscribe(ctx context.Context, pattern string, qos QoS) error
	Unsubscribe(ctx context.Context, pattern string) error
	IsConnected() bool
	Close() error
}

// NewTransport builds the transport selected by cfg.Backend.
func NewTransport(cfg *config.MessagingConfig, log zerolog.Logger) (Transport, error) {
	switch cfg.Backend {
	case "mqtt":
		return NewMQTTTransport(cfg.MQTT, log), nil
	case "kafka":
		return NewKafkaTransport(cfg.Kafka, log), nil
	case "memory":
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend: %s", cfg.Backend)
	}
}

// afterTimeout is time.After that never fires for a non-positive duration.
func afterTimeout(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
