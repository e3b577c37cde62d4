package messaging

import (
	"context"
	"sync"
)

type memoryMessage struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
}

// MemoryTransport is an in-process broker for single-process deployments and
// tests. Drop and Restore simulate a clean-session connection loss.
type MemoryTransport struct {
	mu        sync.Mutex
	handler   TransportHandler
	connected bool
	subs      map[string]QoS
	retained  map[string]memoryMessage
	pending   []memoryMessage
	wake      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:     make(map[string]QoS),
		retained: make(map[string]memoryMessage),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) Connect(_ context.Context, h TransportHandler) error {
	t.mu.Lock()
	t.handler = h
	t.connected = true
	t.mu.Unlock()
	t.startOnce.Do(func() { go t.pump() })
	h.OnConnect()
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	msg := memoryMessage{topic: topic, payload: payload, qos: qos, retain: retain}
	if retain {
		if len(payload) == 0 {
			delete(t.retained, topic)
		} else {
			t.retained[topic] = msg
		}
	}
	// subscribers present at publish time get the live copy, never flagged retained
	if !t.matchLocked(topic) {
		t.mu.Unlock()
		return nil
	}
	msg.retain = false
	t.pending = append(t.pending, msg)
	t.mu.Unlock()
	t.signal()
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, pattern string, qos QoS) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.subs[pattern] = qos
	queued := false
	for topic, m := range t.retained {
		if TopicMatches(pattern, topic) {
			t.pending = append(t.pending, m)
			queued = true
		}
	}
	t.mu.Unlock()
	if queued {
		t.signal()
	}
	return nil
}

func (t *MemoryTransport) Unsubscribe(_ context.Context, pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, pattern)
	return nil
}

func (t *MemoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Drop simulates a connection loss; the broker forgets all subscriptions.
func (t *MemoryTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.subs = make(map[string]QoS)
}

// Restore reconnects and fires the connect callback, as a real client does
// after an automatic reconnect.
func (t *MemoryTransport) Restore() {
	t.mu.Lock()
	t.connected = true
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.OnConnect()
	}
}

// Subscriptions returns the number of patterns the broker currently holds.
func (t *MemoryTransport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *MemoryTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) pump() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.pending) == 0 {
				t.mu.Unlock()
				break
			}
			msg := t.pending[0]
			t.pending = t.pending[1:]
			deliver := t.connected
			h := t.handler
			t.mu.Unlock()
			if deliver && h != nil {
				h.OnMessage(msg.topic, msg.payload, msg.qos, msg.retain)
			}
		}
	}
}

func (t *MemoryTransport) matchLocked(topic string) bool {
	for p := range t.subs {
		if TopicMatches(p, topic) {
			return true
		}
	}
	return false
}
