// Package orchestrator turns new orders into missions and drives each mission
// through its lifecycle by publishing vehicle commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dronecore/config"
	"dronecore/messaging"
	"dronecore/planner"
	"dronecore/protocol"
	"dronecore/store"
)

var (
	ErrNoVehicle     = errors.New("no vehicle available")
	ErrStepTimeout   = errors.New("step timed out waiting for ack")
	ErrRejected      = errors.New("command rejected by vehicle")
	ErrBadTransition = errors.New("invalid mission transition")
)

// Bus is the part of messaging.Bus the orchestrator uses.
type Bus interface {
	Publish(topic string, payload any, qos messaging.QoS, retain bool) error
	Subscribe(pattern string, qos messaging.QoS, h messaging.Handler) (messaging.SubscriptionID, error)
	SubscribeAsync(pattern string, qos messaging.QoS, h messaging.Handler) (messaging.SubscriptionID, error)
}

// Fleet is the vehicle state the orchestrator reads. Its only writes are the
// BUSY/IDLE claim and release.
type Fleet interface {
	ListFree(ctx context.Context) ([]*store.Vehicle, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to protocol.VehicleStatus) (bool, error)
}

type Config struct {
	MinCharge float64
	Planner   planner.Params

	// TimeUnit scales hold durations.
	TimeUnit time.Duration

	// Settle intervals used when RequireAck is false.
	UploadSettle time.Duration
	ArmSettle    time.Duration
	LandSettle   time.Duration

	RequireAck bool
	AckTimeout time.Duration
}

func ConfigFrom(c *config.OrchestratorConfig) Config {
	return Config{
		MinCharge: c.MinCharge,
		Planner: planner.Params{
			CruiseSpeedMps:   c.CruiseSpeedMps,
			GroundAllowanceS: c.GroundAllowanceS,
			HoldS:            c.HoldS,
		},
		TimeUnit:     c.TimeUnit,
		UploadSettle: c.UploadSettle,
		ArmSettle:    c.ArmSettle,
		LandSettle:   c.LandSettle,
		RequireAck:   c.RequireAck,
		AckTimeout:   c.AckTimeout,
	}
}

type Orchestrator struct {
	bus      Bus
	fleet    Fleet
	missions store.MissionRepository
	emitter  Emitter
	cfg      Config
	log      zerolog.Logger

	acks  *ackRegistry
	wg    sync.WaitGroup
	newID func() string
}

func New(bus Bus, fleet Fleet, missions store.MissionRepository, emitter Emitter, cfg Config, log zerolog.Logger) *Orchestrator {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if cfg.TimeUnit <= 0 {
		cfg.TimeUnit = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	return &Orchestrator{
		bus:      bus,
		fleet:    fleet,
		missions: missions,
		emitter:  emitter,
		cfg:      cfg,
		log:      log.With().Str("component", "orchestrator").Logger(),
		acks:     newAckRegistry(),
		newID:    protocol.NewMissionID,
	}
}

// Subscribe registers the order handler (async, one routine per order) and
// the ack handler (inline).
func (o *Orchestrator) Subscribe() error {
	if _, err := o.bus.SubscribeAsync(protocol.TopicOrdersNew, messaging.AtLeastOnce, o.HandleNewOrder); err != nil {
		return fmt.Errorf("subscribe orders: %w", err)
	}
	if _, err := o.bus.Subscribe(protocol.TopicAllAcks, messaging.AtLeastOnce, o.HandleAck); err != nil {
		return fmt.Errorf("subscribe acks: %w", err)
	}
	return nil
}

// HandleNewOrder is the orders/new handler. Malformed orders are dropped.
func (o *Orchestrator) HandleNewOrder(ctx context.Context, msg messaging.Message) error {
	order, err := protocol.DecodeOrder(msg.Payload)
	if err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed order")
		return nil
	}
	o.wg.Add(1)
	defer o.wg.Done()
	m, err := o.Run(ctx, order)
	switch {
	case errors.Is(err, ErrNoVehicle):
		return nil
	case err != nil && m != nil:
		return fmt.Errorf("mission %s: %w", m.ID, err)
	}
	return err
}

// Wait blocks until every mission being run has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Run plans, persists, assigns and executes one order. It returns the mission
// in its final state; ErrNoVehicle leaves it PLANNED.
func (o *Orchestrator) Run(ctx context.Context, order protocol.Order) (*store.Mission, error) {
	m := planner.Plan(order, o.cfg.Planner)
	m.Status = protocol.MissionCreated
	m.CreatedAt = time.Now()
	if err := o.create(ctx, m); err != nil {
		return nil, err
	}
	log := o.log.With().Str("mission", m.ID).Str("order", order.ID).Logger()

	if err := o.transition(ctx, m, protocol.MissionPlanned, "route planned"); err != nil {
		return m, err
	}
	o.publish(protocol.MissionTopic(m.ID, protocol.EventPlanned), m)
	o.emitter.EmitMissionPlanned(m)
	log.Info().Float64("distance_m", m.DistanceM).Float64("eta_s", m.EstDurationS).Msg("mission planned")

	v, err := o.SelectVehicle(ctx, m.PayloadKg)
	if err != nil {
		if errors.Is(err, ErrNoVehicle) {
			log.Warn().Msg("no eligible vehicle, mission stays planned")
			o.emitter.EmitNoCapacity(m.ID)
		}
		return m, err
	}
	log = log.With().Str("vehicle", v.ID).Logger()

	if err := o.missions.AssignVehicle(ctx, m.ID, v.ID); err != nil {
		o.release(ctx, v.ID)
		return m, fmt.Errorf("assign vehicle: %w", err)
	}
	m.VehicleID = v.ID
	if err := o.transition(ctx, m, protocol.MissionAssigned, "vehicle "+v.ID); err != nil {
		o.release(ctx, v.ID)
		return m, err
	}
	o.publish(protocol.MissionTopic(m.ID, protocol.EventAssigned), protocol.AssignedEvent{MissionID: m.ID, VehicleID: v.ID})
	o.emitter.EmitMissionAssigned(m.ID, v.ID)
	log.Info().Msg("mission assigned")

	if err := o.execute(ctx, m); err != nil {
		log.Warn().Err(err).Msg("mission aborted")
		o.abort(ctx, m, err.Error())
		return m, err
	}
	o.release(ctx, v.ID)
	log.Info().Msg("mission completed")
	return m, nil
}

const maxIDAttempts = 5

// create persists m under a fresh id, drawing another while the id is taken.
func (o *Orchestrator) create(ctx context.Context, m *store.Mission) error {
	for attempt := 1; ; attempt++ {
		m.ID = o.newID()
		err := o.missions.Create(ctx, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrExists) || attempt == maxIDAttempts {
			return fmt.Errorf("create mission: %w", err)
		}
		o.log.Warn().Str("mission", m.ID).Int("attempt", attempt).Msg("mission id collision, drawing a new id")
	}
}

// execute publishes the command sequence for an ASSIGNED mission and leaves
// it COMPLETED.
func (o *Orchestrator) execute(ctx context.Context, m *store.Mission) error {
	veh := m.VehicleID

	if err := o.step(ctx, m, protocol.UploadCommand{MissionID: m.ID, Waypoints: waypointSpecs(m.Waypoints)}, o.cfg.UploadSettle); err != nil {
		return err
	}
	if err := o.transition(ctx, m, protocol.MissionUploaded, ""); err != nil {
		return err
	}

	if err := o.step(ctx, m, protocol.ArmCommand{MissionID: m.ID}, o.cfg.ArmSettle); err != nil {
		return err
	}
	var alt float64
	if len(m.Waypoints) > 0 {
		alt = m.Waypoints[0].Pos.Alt
	}
	if err := o.step(ctx, m, protocol.TakeoffCommand{MissionID: m.ID, Alt: alt}, 0); err != nil {
		return err
	}
	if err := o.transition(ctx, m, protocol.MissionInProgress, ""); err != nil {
		return err
	}

	for _, w := range m.Waypoints {
		if w.Kind != protocol.KindNav {
			continue
		}
		cmd := protocol.GotoCommand{MissionID: m.ID, Lat: w.Pos.Lat, Lon: w.Pos.Lon, Alt: w.Pos.Alt, HoldS: w.HoldS}
		if err := o.step(ctx, m, cmd, 0); err != nil {
			return err
		}
		if err := sleep(ctx, o.holdFor(w.HoldS)); err != nil {
			return err
		}
		o.log.Debug().Str("mission", m.ID).Str("vehicle", veh).Int("seq", w.Seq).Msg("waypoint reached")
	}

	if err := o.step(ctx, m, protocol.LandCommand{MissionID: m.ID}, o.cfg.LandSettle); err != nil {
		return err
	}
	return o.transition(ctx, m, protocol.MissionCompleted, "landed")
}

// step publishes one command. With RequireAck it waits for the matching ack
// or AckTimeout; otherwise it waits out the settle interval.
func (o *Orchestrator) step(ctx context.Context, m *store.Mission, cmd protocol.Command, settle time.Duration) error {
	topic := protocol.CommandTopic(m.VehicleID, cmd.Action())
	if !o.cfg.RequireAck {
		o.publish(topic, cmd)
		return sleep(ctx, settle)
	}

	w := o.acks.expect(m.VehicleID, cmd.Action(), m.ID)
	defer o.acks.forget(w)
	o.publish(topic, cmd)

	timer := time.NewTimer(o.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-w.ch:
		if !ack.OK {
			if ack.Detail != "" {
				return fmt.Errorf("%s: %w: %s", cmd.Action(), ErrRejected, ack.Detail)
			}
			return fmt.Errorf("%s: %w", cmd.Action(), ErrRejected)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", cmd.Action(), ErrStepTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// holdFor converts a hold in time-units to a duration, at least one time-unit.
func (o *Orchestrator) holdFor(holdS float64) time.Duration {
	d := time.Duration(holdS * float64(o.cfg.TimeUnit))
	if d < o.cfg.TimeUnit {
		d = o.cfg.TimeUnit
	}
	return d
}

// transition validates, persists and publishes a status change.
func (o *Orchestrator) transition(ctx context.Context, m *store.Mission, to protocol.MissionStatus, detail string) error {
	if !IsValidTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, to)
	}
	if err := o.missions.SetStatus(ctx, m.ID, to, detail); err != nil {
		return fmt.Errorf("set status %s: %w", to, err)
	}
	m.Status = to
	o.publish(protocol.MissionTopic(m.ID, protocol.EventStatus), protocol.StatusEvent{MissionID: m.ID, Status: to, Detail: detail})
	o.emitter.EmitMissionStatus(m.ID, to, detail)
	return nil
}

// abort moves a mission to ABORTED, orders the vehicle home and releases it.
// It runs on a fresh context so a cancelled run still leaves a terminal record.
func (o *Orchestrator) abort(ctx context.Context, m *store.Mission, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if m.Status.IsTerminal() {
		return
	}
	if err := o.transition(ctx, m, protocol.MissionAborted, reason); err != nil {
		o.log.Error().Err(err).Str("mission", m.ID).Msg("abort")
	}
	if m.VehicleID != "" {
		o.publish(protocol.CommandTopic(m.VehicleID, protocol.ActionRTL), protocol.RTLCommand{MissionID: m.ID, Reason: reason})
		o.release(ctx, m.VehicleID)
	}
}

// release hands the vehicle back as IDLE unless the ingestor has since
// reported it OFFLINE or ERROR.
func (o *Orchestrator) release(ctx context.Context, vehicleID string) {
	ok, err := o.fleet.CompareAndSetStatus(ctx, vehicleID, protocol.VehicleBusy, protocol.VehicleIdle)
	switch {
	case err != nil:
		o.log.Warn().Err(err).Str("vehicle", vehicleID).Msg("release vehicle")
	case !ok:
		o.log.Info().Str("vehicle", vehicleID).Msg("vehicle no longer busy, status left unchanged")
	}
}

// AbortStale aborts missions a previous process left between ASSIGNED and
// IN_PROGRESS; nothing is driving them any more. Called on startup.
func (o *Orchestrator) AbortStale(ctx context.Context) (int, error) {
	active, err := o.missions.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range active {
		switch m.Status {
		case protocol.MissionAssigned, protocol.MissionUploaded, protocol.MissionInProgress:
			o.abort(ctx, m, "orchestrator restarted")
			n++
		}
	}
	if n > 0 {
		o.log.Warn().Int("missions", n).Msg("aborted stale missions")
	}
	return n, nil
}

func (o *Orchestrator) publish(topic string, payload any) {
	// Failures are logged by the bus; a missing ack surfaces them as a timeout.
	o.bus.Publish(topic, payload, messaging.AtLeastOnce, false)
}

func waypointSpecs(wps []store.Waypoint) []protocol.WaypointSpec {
	out := make([]protocol.WaypointSpec, len(wps))
	for i, w := range wps {
		out[i] = protocol.WaypointSpec{Seq: w.Seq, Kind: w.Kind, Lat: w.Pos.Lat, Lon: w.Pos.Lon, Alt: w.Pos.Alt, HoldS: w.HoldS}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
