package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dronecore/config"
	"dronecore/protocol"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: dbPath},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

type backend struct {
	name     string
	fleet    func(t *testing.T) FleetRepository
	missions func(t *testing.T) MissionRepository
}

var backends = []backend{
	{
		name:     "memory",
		fleet:    func(*testing.T) FleetRepository { return NewMemFleet() },
		missions: func(*testing.T) MissionRepository { return NewMemMissions() },
	},
	{
		name:     "sqlite",
		fleet:    func(t *testing.T) FleetRepository { return testDB(t).Fleet() },
		missions: func(t *testing.T) MissionRepository { return testDB(t).Missions() },
	},
}

func ptr[T any](v T) *T { return &v }

func testMission(id string) *Mission {
	base := protocol.Position{Lat: 52.0, Lon: 21.0, Alt: 30}
	a1 := protocol.Position{Lat: 52.1, Lon: 21.1, Alt: 60}
	a2 := protocol.Position{Lat: 52.2, Lon: 21.0, Alt: 60}
	return &Mission{
		ID:        id,
		PayloadKg: 2,
		Priority:  protocol.PriorityNormal,
		Status:    protocol.MissionPlanned,
		Waypoints: []Waypoint{
			{Seq: 0, Kind: protocol.KindTakeoff, Pos: base},
			{Seq: 1, Kind: protocol.KindNav, Pos: a1, HoldS: 3},
			{Seq: 2, Kind: protocol.KindNav, Pos: a2, HoldS: 3},
			{Seq: 3, Kind: protocol.KindRTL, Pos: base},
		},
		DistanceM:    52199.49,
		EstDurationS: 5279.95,
	}
}

// --- Fleet tests ---

func TestFleetAddGet(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)

			v := &Vehicle{ID: "d1", Name: "alpha", MaxPayloadKg: 3, Home: protocol.Position{Lat: 52, Lon: 21, Alt: 30}}
			if err := f.Add(ctx, v); err != nil {
				t.Fatalf("add: %v", err)
			}
			if err := f.Add(ctx, v); !errors.Is(err, ErrExists) {
				t.Errorf("second add err = %v, want ErrExists", err)
			}
			got, err := f.Get(ctx, "d1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != protocol.VehicleIdle {
				t.Errorf("Status = %q, want IDLE", got.Status)
			}
			if got.Name != "alpha" || got.MaxPayloadKg != 3 {
				t.Errorf("got %+v", got)
			}
			if got.Charge != nil || got.Pos != nil {
				t.Errorf("unset telemetry should stay nil: %+v", got)
			}
			if got.CreatedAt.IsZero() {
				t.Error("CreatedAt should be set")
			}
			if _, err := f.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get unknown err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFleetListFreeKeepsRegistrationOrder(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)
			for _, id := range []string{"c", "a", "b"} {
				if err := f.Add(ctx, &Vehicle{ID: id}); err != nil {
					t.Fatalf("add %s: %v", id, err)
				}
			}
			if err := f.SetStatus(ctx, "a", protocol.VehicleBusy); err != nil {
				t.Fatalf("set status: %v", err)
			}
			free, err := f.ListFree(ctx)
			if err != nil {
				t.Fatalf("list free: %v", err)
			}
			if len(free) != 2 || free[0].ID != "c" || free[1].ID != "b" {
				t.Errorf("free = %v, want [c b]", ids(free))
			}
			all, _ := f.ListAll(ctx)
			if len(all) != 3 || all[1].ID != "a" {
				t.Errorf("all = %v, want [c a b]", ids(all))
			}
		})
	}
}

func ids(vs []*Vehicle) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

func TestFleetCompareAndSetStatus(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)
			f.Add(ctx, &Vehicle{ID: "d1"})

			ok, err := f.CompareAndSetStatus(ctx, "d1", protocol.VehicleIdle, protocol.VehicleBusy)
			if err != nil || !ok {
				t.Fatalf("first claim = %v, %v; want true", ok, err)
			}
			ok, err = f.CompareAndSetStatus(ctx, "d1", protocol.VehicleIdle, protocol.VehicleBusy)
			if err != nil || ok {
				t.Fatalf("second claim = %v, %v; want false", ok, err)
			}
			if _, err := f.CompareAndSetStatus(ctx, "ghost", protocol.VehicleIdle, protocol.VehicleBusy); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown vehicle err = %v, want ErrNotFound", err)
			}
			if err := f.SetStatus(ctx, "ghost", protocol.VehicleIdle); !errors.Is(err, ErrNotFound) {
				t.Errorf("set status unknown err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFleetConcurrentClaim(t *testing.T) {
	const claimers = 16
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)
			if err := f.Add(ctx, &Vehicle{ID: "d1"}); err != nil {
				t.Fatalf("add: %v", err)
			}

			var wins atomic.Int32
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := f.CompareAndSetStatus(ctx, "d1", protocol.VehicleIdle, protocol.VehicleBusy)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if n := wins.Load(); n != 1 {
				t.Errorf("%d claims succeeded, want exactly 1", n)
			}
			v, err := f.Get(ctx, "d1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if v.Status != protocol.VehicleBusy {
				t.Errorf("status = %s, want BUSY", v.Status)
			}
		})
	}
}

func TestFleetApplyTelemetryLeavesStatus(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)
			f.Add(ctx, &Vehicle{ID: "d1", Name: "alpha", Status: protocol.VehicleBusy})

			at := time.Now().UTC().Truncate(time.Millisecond)
			err := f.ApplyTelemetry(ctx, "d1", Telemetry{Charge: ptr(87.5), At: at})
			if err != nil {
				t.Fatalf("apply battery: %v", err)
			}
			err = f.ApplyTelemetry(ctx, "d1", Telemetry{
				Pos:   &protocol.Position{Lat: 52.1, Lon: 21.2, Alt: 55},
				Mode:  ptr("AUTO"),
				Armed: ptr(true),
			})
			if err != nil {
				t.Fatalf("apply pose: %v", err)
			}

			got, _ := f.Get(ctx, "d1")
			if got.Status != protocol.VehicleBusy {
				t.Errorf("Status = %q, telemetry must not touch it", got.Status)
			}
			if got.Charge == nil || *got.Charge != 87.5 {
				t.Errorf("Charge = %v, want 87.5", got.Charge)
			}
			if got.Pos == nil || got.Pos.Alt != 55 {
				t.Errorf("Pos = %+v", got.Pos)
			}
			if got.Name != "alpha" || got.Mode != "AUTO" || !got.Armed {
				t.Errorf("got %+v", got)
			}
			if got.LastTelemetry == nil || !got.LastTelemetry.Equal(at) {
				t.Errorf("LastTelemetry = %v, want %v", got.LastTelemetry, at)
			}
			if err := f.ApplyTelemetry(ctx, "ghost", Telemetry{Charge: ptr(1.0)}); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown vehicle err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFleetUpdateUpserts(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			f := b.fleet(t)
			if err := f.Update(ctx, &Vehicle{ID: "d9", Name: "new", Status: protocol.VehicleOffline}); err != nil {
				t.Fatalf("update missing: %v", err)
			}
			got, err := f.Get(ctx, "d9")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			got.Name = "renamed"
			got.Charge = ptr(50.0)
			if err := f.Update(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, _ := f.Get(ctx, "d9")
			if again.Name != "renamed" || again.Status != protocol.VehicleOffline {
				t.Errorf("got %+v", again)
			}
			if again.Charge == nil || *again.Charge != 50 {
				t.Errorf("Charge = %v, want 50", again.Charge)
			}
			all, _ := f.ListAll(ctx)
			if len(all) != 1 {
				t.Errorf("len(all) = %d, want 1", len(all))
			}
		})
	}
}

// --- Mission tests ---

func TestMissionCreateRejectsDuplicateID(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.missions(t)
			m := testMission("mis_1")
			if err := r.Create(ctx, m); err != nil {
				t.Fatalf("create: %v", err)
			}
			dup := testMission("mis_1")
			dup.PayloadKg = 9
			if err := r.Create(ctx, dup); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create err = %v, want ErrExists", err)
			}
			active, err := r.ListActive(ctx)
			if err != nil {
				t.Fatalf("list active: %v", err)
			}
			if len(active) != 1 {
				t.Fatalf("len(active) = %d, want 1", len(active))
			}
			if active[0].PayloadKg != 2 {
				t.Errorf("PayloadKg = %v, duplicate must not overwrite", active[0].PayloadKg)
			}
			if len(active[0].Waypoints) != 4 {
				t.Errorf("len(waypoints) = %d, want 4", len(active[0].Waypoints))
			}
		})
	}
}

func TestMissionLifecycle(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.missions(t)
			r.Create(ctx, testMission("mis_1"))

			if err := r.AssignVehicle(ctx, "mis_1", "d1"); err != nil {
				t.Fatalf("assign: %v", err)
			}
			for _, st := range []protocol.MissionStatus{protocol.MissionAssigned, protocol.MissionUploaded, protocol.MissionInProgress} {
				if err := r.SetStatus(ctx, "mis_1", st, ""); err != nil {
					t.Fatalf("set %s: %v", st, err)
				}
			}
			got, err := r.Get(ctx, "mis_1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.VehicleID != "d1" || got.Status != protocol.MissionInProgress {
				t.Errorf("got vehicle=%q status=%q", got.VehicleID, got.Status)
			}
			if err := r.SetStatus(ctx, "mis_1", protocol.MissionCompleted, "landed"); err != nil {
				t.Fatalf("complete: %v", err)
			}
			active, _ := r.ListActive(ctx)
			if len(active) != 0 {
				t.Errorf("completed mission still active")
			}

			hist, err := r.History(ctx, "mis_1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 5 {
				t.Fatalf("len(history) = %d, want 5", len(hist))
			}
			last := hist[len(hist)-1]
			if last.Status != protocol.MissionCompleted || last.Detail != "landed" {
				t.Errorf("last history = %+v", last)
			}
			if hist[0].Detail != "created" {
				t.Errorf("first history detail = %q, want created", hist[0].Detail)
			}
		})
	}
}

func TestMissionNotFound(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.missions(t)
			if _, err := r.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get err = %v", err)
			}
			if err := r.SetStatus(ctx, "ghost", protocol.MissionAborted, ""); !errors.Is(err, ErrNotFound) {
				t.Errorf("set status err = %v", err)
			}
			if err := r.AssignVehicle(ctx, "ghost", "d1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("assign err = %v", err)
			}
			if err := r.SaveWaypoints(ctx, "ghost", nil); !errors.Is(err, ErrNotFound) {
				t.Errorf("save waypoints err = %v", err)
			}
			if _, err := r.History(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("history err = %v", err)
			}
		})
	}
}

func TestMissionSaveWaypointsReplaces(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.missions(t)
			r.Create(ctx, testMission("mis_1"))
			wps := []Waypoint{
				{Seq: 0, Kind: protocol.KindTakeoff, Pos: protocol.Position{Lat: 1, Lon: 1, Alt: 30}},
				{Seq: 1, Kind: protocol.KindLand, Pos: protocol.Position{Lat: 1, Lon: 2, Alt: 0}},
			}
			if err := r.SaveWaypoints(ctx, "mis_1", wps); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, _ := r.Get(ctx, "mis_1")
			if len(got.Waypoints) != 2 || got.Waypoints[1].Kind != protocol.KindLand {
				t.Errorf("waypoints = %+v", got.Waypoints)
			}
			if got.Pickup() != nil {
				t.Error("two-waypoint route should have no pickup")
			}
		})
	}
}

func TestMissionListRecentNewestFirst(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.missions(t)
			base := time.Now().Add(-time.Hour)
			for i, id := range []string{"mis_a", "mis_b", "mis_c"} {
				m := testMission(id)
				m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				r.Create(ctx, m)
			}
			r.SetStatus(ctx, "mis_b", protocol.MissionAborted, "no ack")
			recent, err := r.ListRecent(ctx, 2)
			if err != nil {
				t.Fatalf("list recent: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "mis_c" || recent[1].ID != "mis_b" {
				t.Errorf("recent = %v, want [mis_c mis_b]", missionIDs(recent))
			}
		})
	}
}

func missionIDs(ms []*Mission) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestMissionPickupDropoff(t *testing.T) {
	m := testMission("mis_1")
	if p := m.Pickup(); p == nil || p.Lat != 52.1 {
		t.Errorf("Pickup = %+v", p)
	}
	if d := m.Dropoff(); d == nil || d.Lat != 52.2 {
		t.Errorf("Dropoff = %+v", d)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"id", "waypoints", "pickup", "dropoff", "status"} {
		if _, ok := out[k]; !ok {
			t.Errorf("json missing %q: %s", k, data)
		}
	}
	if _, ok := out["vehicle_id"]; ok {
		t.Error("unassigned mission should omit vehicle_id")
	}
}

func TestRebind(t *testing.T) {
	got := Rebind(`UPDATE missions SET status=? WHERE id=? AND status=?`)
	want := `UPDATE missions SET status=$1 WHERE id=$2 AND status=$3`
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestOpenRepositoriesRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenRepositories(&config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	repos, err := OpenRepositories(&config.DatabaseConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if err := repos.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
