// Package ingest applies vehicle presence and telemetry to the fleet
// repository. It is the only writer of telemetry-owned vehicle fields.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dronecore/messaging"
	"dronecore/protocol"
	"dronecore/store"
)

// Emitter is the interface adapters must satisfy to bridge fleet events to the engine.
type Emitter interface {
	EmitVehicleRegistered(vehicleID string)
	EmitVehicleStatus(vehicleID string, status protocol.VehicleStatus, detail string)
}

type Subscriber interface {
	Subscribe(pattern string, qos messaging.QoS, h messaging.Handler) (messaging.SubscriptionID, error)
}

// Missions is the mission lookup used to tell a recovering vehicle that is
// still flying from one that is free.
type Missions interface {
	ListActive(ctx context.Context) ([]*store.Mission, error)
}

const queueSize = 1024

var errStopped = errors.New("ingestor stopped")

type job struct {
	handle messaging.Handler
	msg    messaging.Message
}

// Ingestor applies bus traffic on its own worker so repository and cache
// round trips never hold up the bus delivery loop. One worker keeps messages
// in arrival order.
type Ingestor struct {
	fleet    store.FleetRepository
	missions Missions
	emitter  Emitter
	log      zerolog.Logger

	queue     chan job
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

func New(fleet store.FleetRepository, missions Missions, emitter Emitter, log zerolog.Logger) *Ingestor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		fleet:    fleet,
		missions: missions,
		emitter:  emitter,
		log:      log.With().Str("component", "ingest").Logger(),
		queue:    make(chan job, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers the telemetry (best effort) and presence handlers.
// Messages are queued for the worker started by Start.
func (ing *Ingestor) Subscribe(bus Subscriber) error {
	if _, err := bus.Subscribe(protocol.TopicAllTelemetry, messaging.AtMostOnce, ing.enqueue(ing.HandleTelemetry, true)); err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	if _, err := bus.Subscribe(protocol.TopicFleetActive, messaging.AtLeastOnce, ing.enqueue(ing.HandlePresence, false)); err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	return nil
}

// Start launches the worker. It is safe to call more than once.
func (ing *Ingestor) Start() {
	ing.startOnce.Do(func() {
		ing.wg.Add(1)
		go ing.work()
	})
}

// Stop cancels the worker and waits for it. Queued messages are discarded.
func (ing *Ingestor) Stop() {
	ing.cancel()
	ing.wg.Wait()
}

// enqueue wraps h for the bus. Telemetry is dropped when the queue is full;
// presence waits for room.
func (ing *Ingestor) enqueue(h messaging.Handler, dropWhenFull bool) messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) error {
		j := job{handle: h, msg: msg}
		if dropWhenFull {
			select {
			case ing.queue <- j:
			default:
				ing.log.Warn().Str("topic", msg.Topic).Msg("ingest queue full, dropping telemetry")
			}
			return nil
		}
		select {
		case ing.queue <- j:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ing.ctx.Done():
			return errStopped
		}
	}
}

func (ing *Ingestor) work() {
	defer ing.wg.Done()
	for {
		select {
		case <-ing.ctx.Done():
			return
		case j := <-ing.queue:
			if err := j.handle(ing.ctx, j.msg); err != nil {
				ing.log.Warn().Err(err).Str("topic", j.msg.Topic).Msg("ingest failed")
			}
		}
	}
}

// HandleTelemetry is the telem/+/+ handler.
func (ing *Ingestor) HandleTelemetry(ctx context.Context, msg messaging.Message) error {
	veh, kind, err := protocol.ParseTelemetryTopic(msg.Topic)
	if err != nil {
		ing.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping telemetry")
		return nil
	}
	t, err := protocol.DecodeTelemetry(kind, msg.Payload)
	if err != nil {
		ing.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed telemetry")
		return nil
	}

	patch := store.Telemetry{At: received(msg)}
	switch t := t.(type) {
	case protocol.Pose:
		patch.Pos = &protocol.Position{Lat: t.Lat, Lon: t.Lon, Alt: t.Altitude()}
	case protocol.Battery:
		patch.Charge = &t.SoC
	case protocol.Status:
		patch.Armed, patch.Mode = t.Armed, t.Mode
	case protocol.Health:
		// last-seen is still recorded below
	}

	err = ing.fleet.ApplyTelemetry(ctx, veh, patch)
	if errors.Is(err, store.ErrNotFound) {
		ing.log.Debug().Str("vehicle", veh).Str("kind", string(kind)).Msg("telemetry for unknown vehicle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s telemetry for %s: %w", kind, veh, err)
	}

	if h, ok := t.(protocol.Health); ok {
		return ing.applyHealth(ctx, veh, h)
	}
	return nil
}

// applyHealth maps a health report onto the vehicle status. A healthy report
// only recovers OFFLINE/ERROR vehicles; BUSY and IDLE belong to the orchestrator.
func (ing *Ingestor) applyHealth(ctx context.Context, veh string, h protocol.Health) error {
	switch {
	case h.Online != nil && !*h.Online:
		return ing.setStatus(ctx, veh, protocol.VehicleOffline, h.Detail)
	case !h.OK:
		return ing.setStatus(ctx, veh, protocol.VehicleError, h.Detail)
	}
	return ing.recoverVehicle(ctx, veh, "healthy", protocol.VehicleOffline, protocol.VehicleError)
}

// recoverVehicle brings a vehicle out of one of the given states. A vehicle still
// assigned to an unfinished mission goes back to BUSY, any other to IDLE.
func (ing *Ingestor) recoverVehicle(ctx context.Context, veh, detail string, from ...protocol.VehicleStatus) error {
	flying, err := ing.hasMission(ctx, veh)
	if err != nil {
		return err
	}
	to := protocol.VehicleIdle
	if flying {
		to = protocol.VehicleBusy
	}
	for _, f := range from {
		ok, err := ing.fleet.CompareAndSetStatus(ctx, veh, f, to)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if to == protocol.VehicleBusy {
			// The mission may have ended after the lookup, when the release
			// could not apply. Hand the vehicle back ourselves.
			still, err := ing.hasMission(ctx, veh)
			if err != nil {
				return err
			}
			if !still {
				if ok, err := ing.fleet.CompareAndSetStatus(ctx, veh, protocol.VehicleBusy, protocol.VehicleIdle); err != nil {
					return err
				} else if ok {
					to = protocol.VehicleIdle
				}
			}
		}
		ing.log.Info().Str("vehicle", veh).Str("from", string(f)).Str("status", string(to)).Msg("vehicle recovered")
		ing.emit(veh, to, detail)
		return nil
	}
	return nil
}

// hasMission reports whether veh is assigned to a mission that has not
// reached COMPLETED or ABORTED.
func (ing *Ingestor) hasMission(ctx context.Context, veh string) (bool, error) {
	if ing.missions == nil {
		return false, nil
	}
	active, err := ing.missions.ListActive(ctx)
	if err != nil {
		return false, fmt.Errorf("list active missions: %w", err)
	}
	for _, m := range active {
		if m.VehicleID == veh {
			return true, nil
		}
	}
	return false, nil
}

func (ing *Ingestor) setStatus(ctx context.Context, veh string, status protocol.VehicleStatus, detail string) error {
	v, err := ing.fleet.Get(ctx, veh)
	if err != nil {
		return err
	}
	if v.Status == status {
		return nil
	}
	if err := ing.fleet.SetStatus(ctx, veh, status); err != nil {
		return err
	}
	ing.log.Warn().Str("vehicle", veh).Str("status", string(status)).Str("detail", detail).Msg("vehicle status reported")
	ing.emit(veh, status, detail)
	return nil
}

// HandlePresence is the fleet/active handler. Unknown vehicles are registered,
// known ones have their name, position and capacity refreshed.
func (ing *Ingestor) HandlePresence(ctx context.Context, msg messaging.Message) error {
	p, err := protocol.DecodePresence(msg.Payload)
	if err != nil {
		ing.log.Warn().Err(err).Msg("dropping malformed presence")
		return nil
	}
	pos := protocol.Position{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt}
	at := received(msg)

	_, err = ing.fleet.Get(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		v := &store.Vehicle{
			ID:            p.ID,
			Name:          p.Name,
			Home:          pos,
			Pos:           &pos,
			Status:        protocol.VehicleIdle,
			LastTelemetry: &at,
		}
		if p.MaxPayloadKg != nil {
			v.MaxPayloadKg = *p.MaxPayloadKg
		}
		if p.Status == protocol.VehicleOffline || p.Status == protocol.VehicleError {
			v.Status = p.Status
		}
		err = ing.fleet.Add(ctx, v)
		if err == nil {
			ing.log.Info().Str("vehicle", p.ID).Str("name", p.Name).Msg("vehicle registered")
			if ing.emitter != nil {
				ing.emitter.EmitVehicleRegistered(p.ID)
			}
			return nil
		}
		if !errors.Is(err, store.ErrExists) {
			return fmt.Errorf("register %s: %w", p.ID, err)
		}
		// registered concurrently; refresh it instead
	} else if err != nil {
		return err
	}

	patch := store.Telemetry{Pos: &pos, MaxPayloadKg: p.MaxPayloadKg, At: at}
	if p.Name != "" {
		patch.Name = &p.Name
	}
	if err := ing.fleet.ApplyTelemetry(ctx, p.ID, patch); err != nil {
		return fmt.Errorf("refresh %s: %w", p.ID, err)
	}

	switch p.Status {
	case protocol.VehicleOffline, protocol.VehicleError:
		return ing.setStatus(ctx, p.ID, p.Status, "presence")
	}
	return ing.recoverVehicle(ctx, p.ID, "presence", protocol.VehicleOffline)
}

// SweepStale marks IDLE vehicles OFFLINE when their last telemetry is older
// than maxAge. Vehicles that never reported are left alone.
func (ing *Ingestor) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	vehicles, err := ing.fleet.ListFree(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, v := range vehicles {
		if v.LastTelemetry == nil || v.LastTelemetry.After(cutoff) {
			continue
		}
		ok, err := ing.fleet.CompareAndSetStatus(ctx, v.ID, protocol.VehicleIdle, protocol.VehicleOffline)
		if err != nil {
			ing.log.Warn().Err(err).Str("vehicle", v.ID).Msg("sweep")
			continue
		}
		if ok {
			n++
			ing.log.Warn().Str("vehicle", v.ID).Time("last_telemetry", *v.LastTelemetry).Msg("vehicle silent, marked offline")
			ing.emit(v.ID, protocol.VehicleOffline, "telemetry timeout")
		}
	}
	return n, nil
}

func (ing *Ingestor) emit(veh string, status protocol.VehicleStatus, detail string) {
	if ing.emitter != nil {
		ing.emitter.EmitVehicleStatus(veh, status, detail)
	}
}

func received(msg messaging.Message) time.Time {
	if msg.Timestamp.IsZero() {
		return time.Now()
	}
	return msg.Timestamp
}
