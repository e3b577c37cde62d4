package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dronecore/protocol"
)

// MemFleet is an in-memory FleetRepository. One mutex serializes all access;
// records are copied in and out so callers never share state.
type MemFleet struct {
	mu    sync.Mutex
	byID  map[string]*Vehicle
	order []string
}

func NewMemFleet() *MemFleet {
	return &MemFleet{byID: make(map[string]*Vehicle)}
}

func (f *MemFleet) Add(_ context.Context, v *Vehicle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[v.ID]; ok {
		return fmt.Errorf("vehicle %s: %w", v.ID, ErrExists)
	}
	f.insertLocked(v)
	return nil
}

func (f *MemFleet) insertLocked(v *Vehicle) {
	c := v.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = protocol.VehicleIdle
	}
	f.byID[c.ID] = c
	f.order = append(f.order, c.ID)
}

func (f *MemFleet) Get(_ context.Context, id string) (*Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (f *MemFleet) ListAll(_ context.Context) ([]*Vehicle, error) {
	return f.list(func(*Vehicle) bool { return true }), nil
}

func (f *MemFleet) ListFree(_ context.Context) ([]*Vehicle, error) {
	return f.list(func(v *Vehicle) bool { return v.Status == protocol.VehicleIdle }), nil
}

func (f *MemFleet) list(keep func(*Vehicle) bool) []*Vehicle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Vehicle, 0, len(f.order))
	for _, id := range f.order {
		if v := f.byID[id]; keep(v) {
			out = append(out, v.Clone())
		}
	}
	return out
}

func (f *MemFleet) SetStatus(_ context.Context, id string, status protocol.VehicleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	v.Status = status
	return nil
}

func (f *MemFleet) CompareAndSetStatus(_ context.Context, id string, from, to protocol.VehicleStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	if v.Status != from {
		return false, nil
	}
	v.Status = to
	return true, nil
}

func (f *MemFleet) Update(_ context.Context, v *Vehicle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.byID[v.ID]
	if !ok {
		f.insertLocked(v)
		return nil
	}
	c := v.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = old.CreatedAt
	}
	f.byID[v.ID] = c
	return nil
}

func (f *MemFleet) ApplyTelemetry(_ context.Context, id string, t Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	t.apply(v)
	return nil
}

// MemMissions is an in-memory MissionRepository.
type MemMissions struct {
	mu      sync.Mutex
	byID    map[string]*Mission
	order   []string
	history map[string][]*MissionHistory
	histSeq int64
}

func NewMemMissions() *MemMissions {
	return &MemMissions{
		byID:    make(map[string]*Mission),
		history: make(map[string][]*MissionHistory),
	}
}

func (r *MemMissions) Create(_ context.Context, m *Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[m.ID]; ok {
		return fmt.Errorf("mission %s: %w", m.ID, ErrExists)
	}
	c := m.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = protocol.MissionCreated
	}
	r.byID[c.ID] = c
	r.order = append(r.order, c.ID)
	r.appendHistoryLocked(c.ID, c.Status, "created")
	return nil
}

func (r *MemMissions) Get(_ context.Context, id string) (*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (r *MemMissions) SetStatus(_ context.Context, id string, status protocol.MissionStatus, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	m.Status = status
	r.appendHistoryLocked(id, status, detail)
	return nil
}

func (r *MemMissions) AssignVehicle(_ context.Context, id, vehicleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	m.VehicleID = vehicleID
	return nil
}

func (r *MemMissions) SaveWaypoints(_ context.Context, id string, wps []Waypoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	m.Waypoints = append([]Waypoint(nil), wps...)
	return nil
}

func (r *MemMissions) ListActive(_ context.Context) ([]*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Mission
	for _, id := range r.order {
		if m := r.byID[id]; !m.Status.IsTerminal() {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (r *MemMissions) ListRecent(_ context.Context, limit int) ([]*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Mission, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.byID[r.order[i]].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemMissions) History(_ context.Context, id string) ([]*MissionHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	out := make([]*MissionHistory, 0, len(r.history[id]))
	for _, h := range r.history[id] {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemMissions) appendHistoryLocked(id string, status protocol.MissionStatus, detail string) {
	r.histSeq++
	r.history[id] = append(r.history[id], &MissionHistory{
		ID:        r.histSeq,
		MissionID: id,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}
