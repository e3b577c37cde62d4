package store

import (
	"context"
	"errors"
	"fmt"

	"dronecore/config"
	"dronecore/protocol"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// FleetRepository stores vehicles. Every mutation is atomic per vehicle.
type FleetRepository interface {
	Add(ctx context.Context, v *Vehicle) error
	Get(ctx context.Context, id string) (*Vehicle, error)
	// ListAll returns vehicles in registration order.
	ListAll(ctx context.Context) ([]*Vehicle, error)
	// ListFree returns IDLE vehicles in registration order.
	ListFree(ctx context.Context) ([]*Vehicle, error)
	SetStatus(ctx context.Context, id string, status protocol.VehicleStatus) error
	// CompareAndSetStatus sets status to `to` only if it is currently `from`.
	CompareAndSetStatus(ctx context.Context, id string, from, to protocol.VehicleStatus) (bool, error)
	// Update replaces the whole record, inserting it if missing.
	Update(ctx context.Context, v *Vehicle) error
	ApplyTelemetry(ctx context.Context, id string, t Telemetry) error
}

// MissionRepository stores missions with their waypoints and status history.
type MissionRepository interface {
	// Create returns ErrExists, leaving the stored mission untouched, when
	// the id is taken.
	Create(ctx context.Context, m *Mission) error
	Get(ctx context.Context, id string) (*Mission, error)
	SetStatus(ctx context.Context, id string, status protocol.MissionStatus, detail string) error
	AssignVehicle(ctx context.Context, id, vehicleID string) error
	SaveWaypoints(ctx context.Context, id string, wps []Waypoint) error
	// ListActive returns missions not COMPLETED or ABORTED, oldest first.
	ListActive(ctx context.Context) ([]*Mission, error)
	ListRecent(ctx context.Context, limit int) ([]*Mission, error)
	History(ctx context.Context, id string) ([]*MissionHistory, error)
}

// Repositories is the backend pair chosen by configuration.
type Repositories struct {
	Fleet    FleetRepository
	Missions MissionRepository
	close    func() error
}

func (r *Repositories) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// OpenRepositories opens the backend named by cfg.Driver: memory, sqlite or postgres.
func OpenRepositories(cfg *config.DatabaseConfig) (*Repositories, error) {
	switch cfg.Driver {
	case "memory", "mem":
		return &Repositories{Fleet: NewMemFleet(), Missions: NewMemMissions()}, nil
	case "sqlite", "postgres":
		db, err := Open(cfg)
		if err != nil {
			return nil, err
		}
		return &Repositories{Fleet: db.Fleet(), Missions: db.Missions(), close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
