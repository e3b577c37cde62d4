// Package engine wires the bus, repositories, orchestrator and ingestor
// together and exposes their events to the web layer.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dronecore/config"
	"dronecore/fleetstate"
	"dronecore/ingest"
	"dronecore/messaging"
	"dronecore/orchestrator"
	"dronecore/protocol"
	"dronecore/store"
)

const healthInterval = 10 * time.Second

type Config struct {
	AppConfig *config.Config
	Bus       *messaging.Bus
	Fleet     *fleetstate.Manager
	Missions  store.MissionRepository
	Logger    zerolog.Logger
}

type Engine struct {
	cfg          *config.Config
	bus          *messaging.Bus
	fleet        *fleetstate.Manager
	missions     store.MissionRepository
	orchestrator *orchestrator.Orchestrator
	ingestor     *ingest.Ingestor
	Events       *EventBus
	log          zerolog.Logger

	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	msgConnected bool
}

func New(c Config) *Engine {
	return &Engine{
		cfg:      c.AppConfig,
		bus:      c.Bus,
		fleet:    c.Fleet,
		missions: c.Missions,
		Events:   NewEventBus(),
		log:      c.Logger.With().Str("component", "engine").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start builds the orchestrator and ingestor, subscribes them to the bus and
// starts the health loop. The bus may be started before or after.
func (e *Engine) Start(ctx context.Context) error {
	e.orchestrator = orchestrator.New(
		e.bus,
		e.fleet,
		e.missions,
		&missionEmitter{bus: e.Events},
		orchestrator.ConfigFrom(&e.cfg.Orchestrator),
		e.log,
	)
	e.ingestor = ingest.New(e.fleet, e.missions, &fleetEmitter{bus: e.Events}, e.log)

	e.wireEventHandlers()

	e.ingestor.Start()
	if err := e.ingestor.Subscribe(e.bus); err != nil {
		return err
	}
	if err := e.orchestrator.Subscribe(); err != nil {
		return err
	}

	if _, err := e.orchestrator.AbortStale(ctx); err != nil {
		e.log.Warn().Err(err).Msg("abort stale missions")
	}

	e.checkConnectionStatus()

	e.wg.Add(1)
	go e.healthLoop()

	e.log.Info().Msg("started")
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
	if e.ingestor != nil {
		e.ingestor.Stop()
	}
	e.log.Info().Msg("stopped")
}

// Accessors
func (e *Engine) AppConfig() *config.Config                { return e.cfg }
func (e *Engine) Bus() *messaging.Bus                      { return e.bus }
func (e *Engine) Fleet() *fleetstate.Manager               { return e.fleet }
func (e *Engine) Missions() store.MissionRepository        { return e.missions }
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orchestrator }
func (e *Engine) Ingestor() *ingest.Ingestor               { return e.ingestor }

// SubmitOrder publishes an order to orders/new, filling in the configured
// base when the order has none.
func (e *Engine) SubmitOrder(o protocol.Order) (protocol.Order, error) {
	if o.ID == "" {
		o.ID = protocol.NewOrderID()
	}
	if o.Base == (protocol.Position{}) {
		b := e.cfg.Fleet.Base
		o.Base = protocol.Position{Lat: b.Lat, Lon: b.Lon, Alt: b.Alt}
	}
	if o.PayloadKg == 0 {
		o.PayloadKg = protocol.DefaultPayloadKg
	}
	if o.Priority == "" {
		o.Priority = protocol.PriorityNormal
	}
	for _, p := range []protocol.Position{o.Base, o.Addr1, o.Addr2} {
		if err := p.Validate(); err != nil {
			return o, err
		}
	}
	if err := e.bus.Publish(protocol.TopicOrdersNew, o, messaging.AtLeastOnce, false); err != nil {
		return o, fmt.Errorf("publish order: %w", err)
	}
	return o, nil
}

func (e *Engine) checkConnectionStatus() {
	if e.bus.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
	} else {
		if e.msgConnected {
			e.msgConnected = false
			e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
		}
	}
}

// MessagingConnected reports whether the bus transport is connected.
func (e *Engine) MessagingConnected() bool { return e.bus.IsConnected() }

func (e *Engine) healthLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
			e.sweepStale()
		}
	}
}

func (e *Engine) sweepStale() {
	maxAge := e.cfg.Fleet.StaleAfter
	if maxAge <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthInterval)
	defer cancel()
	if _, err := e.ingestor.SweepStale(ctx, maxAge); err != nil {
		e.log.Warn().Err(err).Msg("stale sweep")
	}
}
