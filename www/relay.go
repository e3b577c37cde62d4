package www

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dronecore/messaging"
	"dronecore/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var relayPatterns = []string{
	protocol.TopicFleetActive,
	protocol.TopicAllTelemetry,
	protocol.TopicAllMissionEvents,
}

// relayFrame is one bus message as sent to WebSocket clients.
type relayFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Relay copies bus traffic for the dashboard topics to WebSocket clients.
// Clients are read-only; anything they send is discarded.
type Relay struct {
	bus      *messaging.Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[chan relayFrame]struct{}
	subs    map[string]messaging.SubscriptionID
}

func NewRelay(bus *messaging.Bus, log zerolog.Logger) *Relay {
	return &Relay{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[chan relayFrame]struct{}),
		subs:    make(map[string]messaging.SubscriptionID),
	}
}

func (r *Relay) Start() error {
	for _, p := range relayPatterns {
		id, err := r.bus.Subscribe(p, messaging.AtMostOnce, r.forward)
		if err != nil {
			r.Stop()
			return err
		}
		r.mu.Lock()
		r.subs[p] = id
		r.mu.Unlock()
	}
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]messaging.SubscriptionID)
	r.mu.Unlock()
	for p, id := range subs {
		r.bus.Unsubscribe(p, id)
	}
}

// forward runs on the bus delivery goroutine and never blocks.
func (r *Relay) forward(_ context.Context, msg messaging.Message) error {
	frame := relayFrame{Topic: msg.Topic, Payload: msg.Value()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.clients {
		select {
		case ch <- frame:
		default:
		}
	}
	return nil
}

func (r *Relay) addClient() chan relayFrame {
	ch := make(chan relayFrame, 128)
	r.mu.Lock()
	r.clients[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

func (r *Relay) removeClient(ch chan relayFrame) {
	r.mu.Lock()
	delete(r.clients, ch)
	r.mu.Unlock()
}

func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ServeWS upgrades the request and streams relay frames until the client goes away.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug().Err(err).Msg("ws upgrade")
		return
	}
	defer conn.Close()

	ch := r.addClient()
	defer r.removeClient(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case frame := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				r.log.Debug().Err(err).Msg("ws write")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
