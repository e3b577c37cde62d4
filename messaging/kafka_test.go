package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dronecore/config"
)

type countingHandler struct {
	connects atomic.Int32
}

func (h *countingHandler) OnMessage(string, []byte, QoS, bool) {}
func (h *countingHandler) OnConnect()                          { h.connects.Add(1) }

func testKafka(failures int32) (*KafkaTransport, *atomic.Int32) {
	tr := NewKafkaTransport(config.KafkaConfig{
		Brokers:       []string{"127.0.0.1:1"},
		Topic:         "dronecore.test",
		GroupID:       "dronecore-test",
		RetryInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	var calls atomic.Int32
	tr.dial = func(context.Context) error {
		if calls.Add(1) <= failures {
			return errors.New("connection refused")
		}
		return nil
	}
	return tr, &calls
}

func TestKafkaConnectRetriesUntilBrokerAnswers(t *testing.T) {
	tr, calls := testKafka(3)
	h := &countingHandler{}

	err := tr.Connect(context.Background(), h)
	if !errors.Is(err, ErrConnectPending) {
		t.Fatalf("Connect = %v, want ErrConnectPending", err)
	}
	if tr.IsConnected() {
		t.Fatal("connected before any broker answered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.connects.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("OnConnect never called after %d dials", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.IsConnected() {
		t.Error("OnConnect fired before the transport was ready")
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.connects.Load(); n != 1 {
		t.Errorf("OnConnect called %d times, want 1", n)
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("dialed %d times, want 4", n)
	}
	if err := tr.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if tr.IsConnected() {
		t.Error("still connected after Close")
	}
}

func TestKafkaCloseStopsRetrying(t *testing.T) {
	tr, calls := testKafka(1 << 30)
	h := &countingHandler{}
	if err := tr.Connect(context.Background(), h); !errors.Is(err, ErrConnectPending) {
		t.Fatalf("Connect = %v, want ErrConnectPending", err)
	}
	time.Sleep(30 * time.Millisecond)
	tr.Close()

	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != n {
		t.Error("probing continued after Close")
	}
	if h.connects.Load() != 0 || tr.IsConnected() {
		t.Error("transport connected without a broker")
	}
}

func TestKafkaConnectRequiresBrokers(t *testing.T) {
	tr := NewKafkaTransport(config.KafkaConfig{Topic: "x"}, zerolog.Nop())
	if err := tr.Connect(context.Background(), &countingHandler{}); err == nil {
		t.Error("expected error with no brokers")
	}
}
