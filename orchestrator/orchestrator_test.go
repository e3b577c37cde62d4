package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dronecore/messaging"
	"dronecore/planner"
	"dronecore/protocol"
	"dronecore/store"
)

type statusEvent struct {
	missionID string
	status    protocol.MissionStatus
	detail    string
}

type recordingEmitter struct {
	mu         sync.Mutex
	planned    []string
	assigned   map[string]string
	statuses   []statusEvent
	noCapacity []string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{assigned: make(map[string]string)}
}

func (e *recordingEmitter) EmitMissionPlanned(m *store.Mission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planned = append(e.planned, m.ID)
}

func (e *recordingEmitter) EmitMissionAssigned(missionID, vehicleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned[missionID] = vehicleID
}

func (e *recordingEmitter) EmitMissionStatus(missionID string, status protocol.MissionStatus, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, statusEvent{missionID, status, detail})
}

func (e *recordingEmitter) EmitNoCapacity(missionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noCapacity = append(e.noCapacity, missionID)
}

func (e *recordingEmitter) statusList() []protocol.MissionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.MissionStatus, len(e.statuses))
	for i, s := range e.statuses {
		out[i] = s.status
	}
	return out
}

type harness struct {
	bus      *messaging.Bus
	fleet    *store.MemFleet
	missions *store.MemMissions
	emitter  *recordingEmitter
	orch     *Orchestrator
	cmds     chan messaging.Message
}

func fastConfig(requireAck bool) Config {
	return Config{
		MinCharge:    40,
		Planner:      planner.DefaultParams(),
		TimeUnit:     time.Millisecond,
		UploadSettle: time.Millisecond,
		ArmSettle:    time.Millisecond,
		LandSettle:   time.Millisecond,
		RequireAck:   requireAck,
		AckTimeout:   100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := messaging.NewBus(messaging.NewMemoryTransport(), messaging.Options{Logger: zerolog.Nop(), PublishTimeout: time.Second})
	t.Cleanup(bus.Stop)
	h := &harness{
		bus:      bus,
		fleet:    store.NewMemFleet(),
		missions: store.NewMemMissions(),
		emitter:  newRecordingEmitter(),
		cmds:     make(chan messaging.Message, 64),
	}
	h.orch = New(bus, h.fleet, h.missions, h.emitter, cfg, zerolog.Nop())
	if err := h.orch.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Subscribe(protocol.TopicAllCommands, messaging.AtLeastOnce, func(_ context.Context, msg messaging.Message) error {
		h.cmds <- msg
		return nil
	})
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	return h
}

// ackAll makes every command published to a vehicle answer with ok, except
// the action in reject which is refused.
func (h *harness) ackAll(t *testing.T, reject protocol.Action) {
	t.Helper()
	_, err := h.bus.Subscribe(protocol.TopicAllCommands, messaging.AtLeastOnce, func(_ context.Context, msg messaging.Message) error {
		veh, action, err := protocol.ParseCommandTopic(msg.Topic)
		if err != nil {
			return err
		}
		cmd, err := protocol.DecodeCommand(action, msg.Payload)
		if err != nil {
			return err
		}
		ack := protocol.Ack{MissionID: cmd.Mission(), Action: action, OK: action != reject}
		if !ack.OK {
			ack.Detail = "refused"
		}
		return h.bus.Publish(protocol.AckTopic(veh, action), ack, messaging.AtLeastOnce, false)
	})
	if err != nil {
		t.Fatalf("subscribe executor: %v", err)
	}
}

func (h *harness) addVehicle(t *testing.T, id string, charge float64, status protocol.VehicleStatus) {
	t.Helper()
	c := charge
	if err := h.fleet.Add(context.Background(), &store.Vehicle{ID: id, Charge: &c, Status: status}); err != nil {
		t.Fatalf("add vehicle: %v", err)
	}
}

func (h *harness) actions(t *testing.T, n int) []protocol.Action {
	t.Helper()
	var out []protocol.Action
	for len(out) < n {
		select {
		case msg := <-h.cmds:
			_, a, err := protocol.ParseCommandTopic(msg.Topic)
			if err != nil {
				t.Fatalf("bad command topic %s", msg.Topic)
			}
			out = append(out, a)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d commands: %v", len(out), n, out)
		}
	}
	return out
}

func testOrder() protocol.Order {
	return protocol.Order{
		ID:        "ord_1",
		Base:      protocol.Position{Lat: 52.0, Lon: 21.0, Alt: 30},
		Addr1:     protocol.Position{Lat: 52.1, Lon: 21.1, Alt: 30},
		Addr2:     protocol.Position{Lat: 52.2, Lon: 21.2, Alt: 30},
		PayloadKg: 2,
		Priority:  protocol.PriorityNormal,
	}
}

func vehicle(id string, charge float64) *store.Vehicle {
	return &store.Vehicle{ID: id, Status: protocol.VehicleIdle, Charge: &charge}
}

func TestCandidatesPreferHighestCharge(t *testing.T) {
	got := Candidates([]*store.Vehicle{vehicle("a", 90), vehicle("b", 95)}, 40, 2)
	if len(got) != 2 || got[0].ID != "b" {
		t.Errorf("first candidate = %v, want b", got)
	}
}

func TestCandidatesFilter(t *testing.T) {
	busy := vehicle("busy", 95)
	busy.Status = protocol.VehicleBusy
	small := vehicle("small", 99)
	small.MaxPayloadKg = 1
	unknown := &store.Vehicle{ID: "unknown", Status: protocol.VehicleIdle}

	tests := []struct {
		name string
		in   []*store.Vehicle
		want []string
	}{
		{"below floor", []*store.Vehicle{vehicle("low", 35)}, nil},
		{"at floor", []*store.Vehicle{vehicle("edge", 40)}, nil},
		{"busy", []*store.Vehicle{busy}, nil},
		{"payload too heavy", []*store.Vehicle{small}, nil},
		{"unknown charge ranked last", []*store.Vehicle{unknown, vehicle("a", 41)}, []string{"a", "unknown"}},
		{"ties keep order", []*store.Vehicle{vehicle("x", 80), vehicle("y", 80)}, []string{"x", "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(tt.in, 40, 2)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %v", len(got), tt.want)
			}
			for i, v := range got {
				if v.ID != tt.want[i] {
					t.Errorf("candidate %d = %s, want %s", i, v.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSelectVehicleClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)
	h.addVehicle(t, "d2", 95, protocol.VehicleIdle)

	v, err := h.orch.SelectVehicle(ctx, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if v.ID != "d2" {
		t.Errorf("selected %s, want d2", v.ID)
	}
	got, _ := h.fleet.Get(ctx, "d2")
	if got.Status != protocol.VehicleBusy {
		t.Errorf("d2 status = %s, want BUSY", got.Status)
	}
	v, err = h.orch.SelectVehicle(ctx, 2)
	if err != nil || v.ID != "d1" {
		t.Fatalf("second select = %v, %v; want d1", v, err)
	}
	if _, err := h.orch.SelectVehicle(ctx, 2); !errors.Is(err, ErrNoVehicle) {
		t.Errorf("third select err = %v, want ErrNoVehicle", err)
	}
}

func TestSelectVehicleNoneEligible(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "low", 35, protocol.VehicleIdle)
	h.addVehicle(t, "busy", 95, protocol.VehicleBusy)

	if _, err := h.orch.SelectVehicle(ctx, 2); !errors.Is(err, ErrNoVehicle) {
		t.Errorf("err = %v, want ErrNoVehicle", err)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to protocol.MissionStatus
		want     bool
	}{
		{protocol.MissionCreated, protocol.MissionPlanned, true},
		{protocol.MissionPlanned, protocol.MissionAssigned, true},
		{protocol.MissionAssigned, protocol.MissionUploaded, true},
		{protocol.MissionUploaded, protocol.MissionInProgress, true},
		{protocol.MissionInProgress, protocol.MissionCompleted, true},
		{protocol.MissionPlanned, protocol.MissionAborted, true},
		{protocol.MissionInProgress, protocol.MissionAborted, true},
		{protocol.MissionPlanned, protocol.MissionCompleted, false},
		{protocol.MissionCompleted, protocol.MissionAborted, false},
		{protocol.MissionAborted, protocol.MissionPlanned, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunSettleModeCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	m, err := h.orch.Run(ctx, testOrder())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.Status != protocol.MissionCompleted || m.VehicleID != "d1" {
		t.Errorf("mission = %s on %q", m.Status, m.VehicleID)
	}

	want := []protocol.Action{protocol.ActionUpload, protocol.ActionArm, protocol.ActionTakeoff,
		protocol.ActionGoto, protocol.ActionGoto, protocol.ActionLand}
	got := h.actions(t, len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}

	stored, _ := h.missions.Get(ctx, m.ID)
	if stored.Status != protocol.MissionCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
	v, _ := h.fleet.Get(ctx, "d1")
	if v.Status != protocol.VehicleIdle {
		t.Errorf("vehicle status = %s, want IDLE", v.Status)
	}
	wantStatuses := []protocol.MissionStatus{protocol.MissionPlanned, protocol.MissionAssigned,
		protocol.MissionUploaded, protocol.MissionInProgress, protocol.MissionCompleted}
	gotStatuses := h.emitter.statusList()
	if len(gotStatuses) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", gotStatuses, wantStatuses)
	}
	for i := range wantStatuses {
		if gotStatuses[i] != wantStatuses[i] {
			t.Errorf("statuses = %v, want %v", gotStatuses, wantStatuses)
			break
		}
	}
	hist, _ := h.missions.History(ctx, m.ID)
	if len(hist) != 6 {
		t.Errorf("history rows = %d, want 6", len(hist))
	}
}

func TestRunWithAckingVehicle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(true))
	h.ackAll(t, "")
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	m, err := h.orch.Run(ctx, testOrder())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.Status != protocol.MissionCompleted {
		t.Errorf("status = %s, want COMPLETED", m.Status)
	}
	v, _ := h.fleet.Get(ctx, "d1")
	if v.Status != protocol.VehicleIdle {
		t.Errorf("vehicle status = %s, want IDLE", v.Status)
	}
}

func TestRunAckTimeoutAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(true))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	m, err := h.orch.Run(ctx, testOrder())
	if !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("err = %v, want ErrStepTimeout", err)
	}
	stored, _ := h.missions.Get(ctx, m.ID)
	if stored.Status != protocol.MissionAborted {
		t.Errorf("status = %s, want ABORTED", stored.Status)
	}
	got := h.actions(t, 2)
	if got[0] != protocol.ActionUpload || got[1] != protocol.ActionRTL {
		t.Errorf("commands = %v, want [mission.upload rtl]", got)
	}
	v, _ := h.fleet.Get(ctx, "d1")
	if v.Status != protocol.VehicleIdle {
		t.Errorf("vehicle status = %s, want IDLE", v.Status)
	}
}

func TestRunRejectedCommandAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(true))
	h.ackAll(t, protocol.ActionArm)
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	m, err := h.orch.Run(ctx, testOrder())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	hist, _ := h.missions.History(ctx, m.ID)
	last := hist[len(hist)-1]
	if last.Status != protocol.MissionAborted {
		t.Errorf("last history = %+v, want ABORTED", last)
	}
	if prev := hist[len(hist)-2]; prev.Status != protocol.MissionUploaded {
		t.Errorf("aborted after %s, want UPLOADED", prev.Status)
	}
}

func TestRunBusyVehicleIsNotReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(true))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	// the ingestor reports the vehicle OFFLINE while the mission waits for an ack
	h.bus.Subscribe(protocol.TopicAllCommands, messaging.AtLeastOnce, func(ctx context.Context, msg messaging.Message) error {
		return h.fleet.SetStatus(ctx, "d1", protocol.VehicleOffline)
	})
	if _, err := h.orch.Run(ctx, testOrder()); err == nil {
		t.Fatal("expected abort")
	}
	v, _ := h.fleet.Get(ctx, "d1")
	if v.Status != protocol.VehicleOffline {
		t.Errorf("vehicle status = %s, OFFLINE must survive the release", v.Status)
	}
}

func TestNoCapacityLeavesMissionPlanned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "low", 20, protocol.VehicleIdle)

	m, err := h.orch.Run(ctx, testOrder())
	if !errors.Is(err, ErrNoVehicle) {
		t.Fatalf("err = %v, want ErrNoVehicle", err)
	}
	stored, _ := h.missions.Get(ctx, m.ID)
	if stored.Status != protocol.MissionPlanned || stored.VehicleID != "" {
		t.Errorf("mission = %s on %q, want PLANNED unassigned", stored.Status, stored.VehicleID)
	}
	if len(h.emitter.noCapacity) != 1 {
		t.Errorf("no-capacity events = %d, want 1", len(h.emitter.noCapacity))
	}
	select {
	case msg := <-h.cmds:
		t.Errorf("unexpected command %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleNewOrderDropsMalformed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	for _, payload := range []string{`not json`, `{"base":{"lat":52,"lon":21}}`, `{"base":{"lat":95,"lon":21},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1}}`} {
		err := h.orch.HandleNewOrder(ctx, messaging.Message{Topic: protocol.TopicOrdersNew, Payload: []byte(payload)})
		if err != nil {
			t.Errorf("HandleNewOrder(%s) = %v, want nil", payload, err)
		}
	}
	recent, _ := h.missions.ListRecent(ctx, 10)
	if len(recent) != 0 {
		t.Errorf("missions created from malformed orders: %d", len(recent))
	}
}

func TestOrderOverBusPublishesLifecycle(t *testing.T) {
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	events := make(chan messaging.Message, 16)
	h.bus.Subscribe(protocol.TopicAllMissionEvents, messaging.AtLeastOnce, func(_ context.Context, msg messaging.Message) error {
		events <- msg
		return nil
	})
	order := `{"id":"ord_9","base":{"lat":52,"lon":21,"alt":30},"addr1":{"lat":52.1,"lon":21.1},"addr2":{"lat":52.2,"lon":21.2}}`
	if err := h.bus.Publish(protocol.TopicOrdersNew, order, messaging.AtLeastOnce, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var planned *store.Mission
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-events:
			switch {
			case strings.HasSuffix(msg.Topic, "/planned"):
				var m store.Mission
				if err := msg.Decode(&m); err != nil {
					t.Fatalf("decode planned: %v", err)
				}
				if len(m.Waypoints) != 4 {
					t.Errorf("planned snapshot has %d waypoints", len(m.Waypoints))
				}
				planned = &m
			case strings.HasSuffix(msg.Topic, "/status"):
				ev, err := protocol.DecodeStatusEvent(msg.Payload)
				if err != nil {
					t.Fatalf("decode status: %v", err)
				}
				if ev.Status != protocol.MissionCompleted {
					continue
				}
				if planned == nil || ev.MissionID != planned.ID {
					t.Errorf("completed %s without matching planned event", ev.MissionID)
				}
				return
			}
		case <-deadline:
			t.Fatal("mission never completed")
		}
	}
}

func TestAbortStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "d1", 90, protocol.VehicleBusy)

	stale := planner.Plan(testOrder(), planner.DefaultParams())
	stale.Status = protocol.MissionInProgress
	stale.VehicleID = "d1"
	h.missions.Create(ctx, stale)
	waiting := planner.Plan(testOrder(), planner.DefaultParams())
	h.missions.Create(ctx, waiting)

	n, err := h.orch.AbortStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("AbortStale = %d, %v; want 1", n, err)
	}
	got, _ := h.missions.Get(ctx, stale.ID)
	if got.Status != protocol.MissionAborted {
		t.Errorf("stale status = %s", got.Status)
	}
	got, _ = h.missions.Get(ctx, waiting.ID)
	if got.Status != protocol.MissionPlanned {
		t.Errorf("planned mission touched: %s", got.Status)
	}
	v, _ := h.fleet.Get(ctx, "d1")
	if v.Status != protocol.VehicleIdle {
		t.Errorf("vehicle status = %s, want IDLE", v.Status)
	}
}

func TestRunDrawsNewIDOnCollision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)
	taken := &store.Mission{ID: "mis_dup", PayloadKg: 7, Status: protocol.MissionPlanned}
	if err := h.missions.Create(ctx, taken); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ids := []string{"mis_dup", "mis_new"}
	h.orch.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	m, err := h.orch.Run(ctx, testOrder())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.ID != "mis_new" {
		t.Errorf("mission id = %s, want mis_new", m.ID)
	}
	old, _ := h.missions.Get(ctx, "mis_dup")
	if old.PayloadKg != 7 || old.Status != protocol.MissionPlanned {
		t.Errorf("existing mission changed: %+v", old)
	}
	if stored, _ := h.missions.Get(ctx, "mis_new"); stored == nil || stored.Status != protocol.MissionCompleted {
		t.Errorf("new mission = %+v, want COMPLETED", stored)
	}
}

func TestRunGivesUpAfterRepeatedCollisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(false))
	h.missions.Create(ctx, &store.Mission{ID: "mis_dup"})
	h.orch.newID = func() string { return "mis_dup" }

	if _, err := h.orch.Run(ctx, testOrder()); !errors.Is(err, store.ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
}

func TestConcurrentOrdersClaimOneVehicleOnce(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig(false)
	cfg.UploadSettle = 300 * time.Millisecond
	h := newHarness(t, cfg)
	h.addVehicle(t, "d1", 90, protocol.VehicleIdle)

	type result struct {
		m   *store.Mission
		err error
	}
	results := make(chan result, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			m, err := h.orch.Run(ctx, testOrder())
			results <- result{m, err}
		}()
	}
	close(start)

	var completed, planned int
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			completed++
			if r.m.VehicleID != "d1" {
				t.Errorf("completed mission on %q, want d1", r.m.VehicleID)
			}
		case errors.Is(r.err, ErrNoVehicle):
			planned++
			stored, _ := h.missions.Get(ctx, r.m.ID)
			if stored.Status != protocol.MissionPlanned || stored.VehicleID != "" {
				t.Errorf("losing mission = %s on %q, want PLANNED unassigned", stored.Status, stored.VehicleID)
			}
		default:
			t.Errorf("run: %v", r.err)
		}
	}
	if completed != 1 || planned != 1 {
		t.Errorf("completed=%d planned=%d, want 1/1", completed, planned)
	}
	h.emitter.mu.Lock()
	defer h.emitter.mu.Unlock()
	if len(h.emitter.assigned) != 1 {
		t.Errorf("assignments = %v, want exactly one", h.emitter.assigned)
	}
}
