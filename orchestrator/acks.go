package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"dronecore/messaging"
	"dronecore/protocol"
)

type ackKey struct {
	vehicle string
	action  protocol.Action
	mission string
}

type ackWaiter struct {
	key ackKey
	ch  chan protocol.Ack
}

// ackRegistry routes acks to the step waiting for them. A waiter is
// registered before its command is published so a fast ack is never lost.
type ackRegistry struct {
	mu      sync.Mutex
	waiters map[ackKey]*ackWaiter
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{waiters: make(map[ackKey]*ackWaiter)}
}

func (r *ackRegistry) expect(vehicle string, action protocol.Action, mission string) *ackWaiter {
	w := &ackWaiter{key: ackKey{vehicle, action, mission}, ch: make(chan protocol.Ack, 1)}
	r.mu.Lock()
	r.waiters[w.key] = w
	r.mu.Unlock()
	return w
}

func (r *ackRegistry) forget(w *ackWaiter) {
	r.mu.Lock()
	if r.waiters[w.key] == w {
		delete(r.waiters, w.key)
	}
	r.mu.Unlock()
}

// deliver hands ack to its waiter. Duplicates and acks nobody waits for are
// reported as not delivered.
func (r *ackRegistry) deliver(vehicle string, ack protocol.Ack) bool {
	r.mu.Lock()
	w, ok := r.waiters[ackKey{vehicle, ack.Action, ack.MissionID}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- ack:
		return true
	default:
		return false
	}
}

// HandleAck is the ack/+/+ handler.
func (o *Orchestrator) HandleAck(_ context.Context, msg messaging.Message) error {
	vehicle, action, err := protocol.ParseAckTopic(msg.Topic)
	if err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping ack")
		return nil
	}
	ack, err := protocol.DecodeAck(msg.Payload)
	if err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed ack")
		return nil
	}
	if ack.Action != action {
		return fmt.Errorf("ack action %q does not match topic %s", ack.Action, msg.Topic)
	}
	if !o.acks.deliver(vehicle, ack) {
		o.log.Debug().Str("vehicle", vehicle).Str("mission", ack.MissionID).Str("action", string(action)).Msg("unexpected ack")
	}
	return nil
}
