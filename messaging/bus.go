package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. Returned errors and panics are logged by the
// Bus and never reach other handlers or the delivery loop.
type Handler func(ctx context.Context, msg Message) error

type SubscriptionID int

type Options struct {
	AsyncWorkers   int           // concurrent async handler invocations
	QueueSize      int           // inbound and async queue depth
	PublishTimeout time.Duration // bounded wait for the transport to accept a publish
	Logger         zerolog.Logger
}

type handlerEntry struct {
	id    SubscriptionID
	fn    Handler
	async bool
}

type subscription struct {
	pattern  string
	qos      QoS
	handlers []handlerEntry
}

type asyncJob struct {
	entry handlerEntry
	msg   Message
}

// Bus is a topic publish/subscribe layer over a Transport. Inbound messages are
// dispatched on a single delivery goroutine: sync handlers run inline, async
// handlers are handed to a separate bounded scheduler.
// A stopped Bus cannot be restarted.
type Bus struct {
	transport Transport
	opts      Options
	log       zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []string
	nextID SubscriptionID

	lifeMu  sync.Mutex
	started bool
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan Message
	jobs    chan asyncJob
	wg      sync.WaitGroup
}

func NewBus(t Transport, opts Options) *Bus {
	if opts.AsyncWorkers <= 0 {
		opts.AsyncWorkers = 64
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		transport: t,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "bus").Str("transport", t.Name()).Logger(),
		subs:      make(map[string]*subscription),
		ctx:       ctx,
		cancel:    cancel,
		inbound:   make(chan Message, opts.QueueSize),
		jobs:      make(chan asyncJob, opts.QueueSize),
	}
}

// Start launches the delivery loop and the async scheduler, then connects the
// transport. A connect error is returned for logging; the transport keeps
// retrying and registered patterns are subscribed once it connects.
func (b *Bus) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	if b.started || b.stopped {
		b.lifeMu.Unlock()
		return nil
	}
	b.started = true
	b.lifeMu.Unlock()

	b.wg.Add(2)
	go b.deliveryLoop()
	go b.scheduler()

	if err := b.transport.Connect(ctx, busHooks{b}); err != nil {
		b.log.Warn().Err(err).Msg("connect failed, transport will retry")
		return err
	}
	return nil
}

// Stop cancels handler contexts, closes the transport and waits for running
// handlers to return.
func (b *Bus) Stop() {
	b.lifeMu.Lock()
	if b.stopped {
		b.lifeMu.Unlock()
		return
	}
	b.stopped = true
	b.lifeMu.Unlock()

	b.cancel()
	if err := b.transport.Close(); err != nil {
		b.log.Warn().Err(err).Msg("transport close")
	}
	b.wg.Wait()
	b.log.Info().Msg("stopped")
}

func (b *Bus) IsConnected() bool { return b.transport.IsConnected() }

// Subscribe registers a handler run inline on the delivery goroutine. It must not block.
func (b *Bus) Subscribe(pattern string, qos QoS, h Handler) (SubscriptionID, error) {
	return b.subscribe(pattern, qos, h, false)
}

// SubscribeAsync registers a handler run on the async scheduler.
func (b *Bus) SubscribeAsync(pattern string, qos QoS, h Handler) (SubscriptionID, error) {
	return b.subscribe(pattern, qos, h, true)
}

func (b *Bus) subscribe(pattern string, qos QoS, h Handler, async bool) (SubscriptionID, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}
	if h == nil {
		return 0, fmt.Errorf("nil handler for %s", pattern)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	s, ok := b.subs[pattern]
	needSub := !ok
	if !ok {
		s = &subscription{pattern: pattern, qos: qos}
		b.subs[pattern] = s
		b.order = append(b.order, pattern)
	} else if qos > s.qos {
		s.qos = qos
		needSub = true
	}
	s.handlers = append(s.handlers, handlerEntry{id: id, fn: h, async: async})
	effective := s.qos
	b.mu.Unlock()

	if needSub && b.transport.IsConnected() {
		b.transportSubscribe(pattern, effective)
	}
	return id, nil
}

// Unsubscribe removes the given handlers from pattern, or every handler when
// no ids are passed. The transport subscription is dropped with the last handler.
func (b *Bus) Unsubscribe(pattern string, ids ...SubscriptionID) {
	b.mu.Lock()
	s, ok := b.subs[pattern]
	if !ok {
		b.mu.Unlock()
		return
	}
	if len(ids) == 0 {
		s.handlers = nil
	} else {
		drop := make(map[SubscriptionID]struct{}, len(ids))
		for _, id := range ids {
			drop[id] = struct{}{}
		}
		kept := s.handlers[:0]
		for _, e := range s.handlers {
			if _, ok := drop[e.id]; !ok {
				kept = append(kept, e)
			}
		}
		s.handlers = kept
	}
	empty := len(s.handlers) == 0
	if empty {
		delete(b.subs, pattern)
		for i, p := range b.order {
			if p == pattern {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if empty && b.transport.IsConnected() {
		ctx, cancel := context.WithTimeout(b.ctx, b.opts.PublishTimeout)
		defer cancel()
		if err := b.transport.Unsubscribe(ctx, pattern); err != nil {
			b.log.Warn().Err(err).Str("pattern", pattern).Msg("unsubscribe")
		}
	}
}

// Patterns returns the registered patterns in registration order.
func (b *Bus) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Publish encodes payload (raw bytes and strings pass through, anything else is
// JSON) and hands it to the transport, waiting at most PublishTimeout. Failures
// are logged; callers treating publish as best effort may ignore the error.
func (b *Bus) Publish(topic string, payload any, qos QoS, retain bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("publish encode")
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.PublishTimeout)
	defer cancel()
	if err := b.transport.Publish(ctx, topic, data, qos, retain); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return err
	}
	b.log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("published")
	return nil
}

func (b *Bus) transportSubscribe(pattern string, qos QoS) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.PublishTimeout)
	defer cancel()
	if err := b.transport.Subscribe(ctx, pattern, qos); err != nil {
		b.log.Warn().Err(err).Str("pattern", pattern).Msg("subscribe failed, will retry on reconnect")
	}
}

// resubscribe restores every registered pattern after a (re)connect.
func (b *Bus) resubscribe() {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.order))
	for _, p := range b.order {
		subs = append(subs, subscription{pattern: p, qos: b.subs[p].qos})
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.transportSubscribe(s.pattern, s.qos)
	}
	b.log.Info().Int("patterns", len(subs)).Msg("connected, subscriptions restored")
}

func (b *Bus) enqueue(msg Message) {
	select {
	case b.inbound <- msg:
	case <-b.ctx.Done():
	}
}

func (b *Bus) deliveryLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.inbound:
			b.dispatch(msg)
		}
	}
}

func (b *Bus) dispatch(msg Message) {
	for _, e := range b.matching(msg.Topic) {
		if !e.async {
			b.invoke(e, msg)
			continue
		}
		select {
		case b.jobs <- asyncJob{entry: e, msg: msg}:
		case <-b.ctx.Done():
			return
		}
	}
}

// matching snapshots the handlers whose pattern matches topic, each at most once.
func (b *Bus) matching(topic string) []handlerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []handlerEntry
	seen := make(map[SubscriptionID]struct{})
	for _, p := range b.order {
		if !TopicMatches(p, topic) {
			continue
		}
		for _, e := range b.subs[p].handlers {
			if _, dup := seen[e.id]; dup {
				continue
			}
			seen[e.id] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) scheduler() {
	defer b.wg.Done()
	var g errgroup.Group
	g.SetLimit(b.opts.AsyncWorkers)
	for {
		select {
		case <-b.ctx.Done():
			g.Wait()
			return
		case job := <-b.jobs:
			g.Go(func() error {
				b.invoke(job.entry, job.msg)
				return nil
			})
		}
	}
}

func (b *Bus) invoke(e handlerEntry, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("topic", msg.Topic).Int("handler", int(e.id)).Msg("handler panicked")
		}
	}()
	if err := e.fn(b.ctx, msg); err != nil {
		b.log.Warn().Err(err).Str("topic", msg.Topic).Int("handler", int(e.id)).Msg("handler error")
	}
}

// busHooks adapts the Bus to TransportHandler without exporting the callbacks.
type busHooks struct{ b *Bus }

func (h busHooks) OnMessage(topic string, payload []byte, qos QoS, retain bool) {
	h.b.enqueue(Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain, Timestamp: time.Now()})
}

func (h busHooks) OnConnect() { h.b.resubscribe() }
