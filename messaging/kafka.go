package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"dronecore/config"
)

const (
	headerQoS    = "qos"
	headerRetain = "retain"
)

// KafkaTransport carries every bus topic on one Kafka topic. The bus topic is
// the message key, so the hash balancer keeps one topic's messages on one
// partition and in publish order. Pattern matching is left to the Bus and
// retain is not supported.
//
// If no broker answers at Connect, the transport keeps probing every
// RetryInterval and reports OnConnect once one does.
type KafkaTransport struct {
	cfg config.KafkaConfig
	log zerolog.Logger

	// dial checks broker reachability before the reader and writer are built.
	dial func(ctx context.Context) error

	mu     sync.RWMutex
	writer *kafka.Writer
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	retry  sync.WaitGroup
}

func NewKafkaTransport(cfg config.KafkaConfig, log zerolog.Logger) *KafkaTransport {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	t := &KafkaTransport{
		cfg: cfg,
		log: log.With().Str("component", "kafka").Logger(),
	}
	t.dial = t.dialBrokers
	return t
}

func (t *KafkaTransport) Name() string { return "kafka" }

// Connect returns nil once a broker answered. Otherwise it returns
// ErrConnectPending and retries in the background.
func (t *KafkaTransport) Connect(ctx context.Context, h TransportHandler) error {
	if len(t.cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	runCtx := t.ctx
	t.mu.Unlock()

	err := t.dial(ctx)
	if err == nil {
		t.start(h)
		return nil
	}
	t.log.Warn().Err(err).Dur("retry", t.cfg.RetryInterval).Msg("no broker reachable, retrying")
	t.retry.Add(1)
	go t.retryLoop(runCtx, h)
	return fmt.Errorf("kafka connect: %w: %v", ErrConnectPending, err)
}

func (t *KafkaTransport) retryLoop(ctx context.Context, h TransportHandler) {
	defer t.retry.Done()
	ticker := time.NewTicker(t.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.dial(ctx); err != nil {
			t.log.Debug().Err(err).Msg("kafka still unreachable")
			continue
		}
		t.start(h)
		return
	}
}

// dialBrokers dials the configured brokers in turn and makes sure the bus
// topic exists on the first one that answers.
func (t *KafkaTransport) dialBrokers(ctx context.Context) error {
	var lastErr error
	for _, broker := range t.cfg.Brokers {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := kafka.DialContext(dctx, "tcp", broker)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		t.log.Info().Str("broker", broker).Msg("connected")
		t.ensureTopic(conn)
		conn.Close()
		return nil
	}
	return lastErr
}

// start builds the writer and reader and announces the connection. It does
// nothing after Close.
func (t *KafkaTransport) start(h TransportHandler) {
	t.mu.Lock()
	if t.ctx == nil || t.ctx.Err() != nil || t.writer != nil {
		t.mu.Unlock()
		return
	}
	t.writer = &kafka.Writer{
		Addr:         kafka.TCP(t.cfg.Brokers...),
		Topic:        t.cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	t.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.cfg.Brokers,
		Topic:       t.cfg.Topic,
		GroupID:     t.cfg.GroupID,
		StartOffset: kafka.LastOffset,
	})
	t.done = make(chan struct{})
	ctx, reader, done := t.ctx, t.reader, t.done
	t.mu.Unlock()

	go t.readLoop(ctx, reader, done, h)
	h.OnConnect()
}

// ensureTopic creates the bus topic if it does not exist. Errors are logged but
// not fatal since the broker may have auto.create.topics.enable=true anyway.
func (t *KafkaTransport) ensureTopic(conn *kafka.Conn) {
	controller, err := conn.Controller()
	if err != nil {
		t.log.Warn().Err(err).Msg("cannot find controller for topic creation")
		return
	}
	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := kafka.Dial("tcp", controllerAddr)
	if err != nil {
		t.log.Warn().Err(err).Msg("cannot connect to controller")
		return
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             t.cfg.Topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("topic auto-create")
		return
	}
	t.log.Info().Str("topic", t.cfg.Topic).Msg("ensured topic exists")
}

func (t *KafkaTransport) readLoop(ctx context.Context, r *kafka.Reader, done chan struct{}, h TransportHandler) {
	defer close(done)
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.log.Warn().Err(err).Msg("read")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		qos, retain := AtLeastOnce, false
		for _, hd := range m.Headers {
			switch hd.Key {
			case headerQoS:
				if n, err := strconv.Atoi(string(hd.Value)); err == nil {
					qos = QoS(n)
				}
			case headerRetain:
				retain = string(hd.Value) == "1"
			}
		}
		h.OnMessage(string(m.Key), m.Value, qos, retain)
	}
}

func (t *KafkaTransport) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	t.mu.RLock()
	w := t.writer
	t.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	r := "0"
	if retain {
		r = "1"
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerQoS, Value: []byte(strconv.Itoa(int(qos)))},
			{Key: headerRetain, Value: []byte(r)},
		},
	})
}

// Subscribe is a no-op: all bus topics share one Kafka topic.
func (t *KafkaTransport) Subscribe(context.Context, string, QoS) error { return nil }

func (t *KafkaTransport) Unsubscribe(context.Context, string) error { return nil }

func (t *KafkaTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.writer != nil
}

func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.retry.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.reader != nil {
		errs = append(errs, t.reader.Close())
		<-t.done
		t.reader = nil
	}
	if t.writer != nil {
		errs = append(errs, t.writer.Close())
		t.writer = nil
	}
	return errors.Join(errs...)
}
