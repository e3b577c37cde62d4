package fleetstate

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"dronecore/protocol"
	"dronecore/store"
)

// Manager provides write-through vehicle state: repository first, then cache.
// It satisfies store.FleetRepository so callers never touch the cache directly.
// A nil cache disables caching.
type Manager struct {
	repo  store.FleetRepository
	cache Cache
	log   zerolog.Logger

	// refreshMu spans the repository read and the cache write so a slow
	// refresh cannot overwrite a newer snapshot.
	refreshMu sync.Mutex
}

func NewManager(repo store.FleetRepository, cache Cache, log zerolog.Logger) *Manager {
	return &Manager{repo: repo, cache: cache, log: log.With().Str("component", "fleetstate").Logger()}
}

var _ store.FleetRepository = (*Manager)(nil)

func (m *Manager) Add(ctx context.Context, v *store.Vehicle) error {
	if err := m.repo.Add(ctx, v); err != nil {
		return err
	}
	m.refresh(ctx, v.ID)
	return nil
}

// Get reads from the cache, falling back to the repository.
func (m *Manager) Get(ctx context.Context, id string) (*store.Vehicle, error) {
	if m.cache != nil {
		v, err := m.cache.GetVehicle(ctx, id)
		if err == nil && v != nil {
			return v, nil
		}
		if err != nil {
			m.log.Debug().Err(err).Str("vehicle", id).Msg("cache read failed")
		}
	}
	return m.repo.Get(ctx, id)
}

func (m *Manager) ListAll(ctx context.Context) ([]*store.Vehicle, error) {
	return m.repo.ListAll(ctx)
}

func (m *Manager) ListFree(ctx context.Context) ([]*store.Vehicle, error) {
	return m.repo.ListFree(ctx)
}

func (m *Manager) SetStatus(ctx context.Context, id string, status protocol.VehicleStatus) error {
	if err := m.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	m.refresh(ctx, id)
	return nil
}

func (m *Manager) CompareAndSetStatus(ctx context.Context, id string, from, to protocol.VehicleStatus) (bool, error) {
	ok, err := m.repo.CompareAndSetStatus(ctx, id, from, to)
	if err != nil || !ok {
		return ok, err
	}
	m.refresh(ctx, id)
	return true, nil
}

func (m *Manager) Update(ctx context.Context, v *store.Vehicle) error {
	if err := m.repo.Update(ctx, v); err != nil {
		return err
	}
	m.refresh(ctx, v.ID)
	return nil
}

func (m *Manager) ApplyTelemetry(ctx context.Context, id string, t store.Telemetry) error {
	if err := m.repo.ApplyTelemetry(ctx, id, t); err != nil {
		return err
	}
	m.refresh(ctx, id)
	return nil
}

// SyncCacheFromStore rebuilds the cache from the repository. Called on startup.
func (m *Manager) SyncCacheFromStore(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.FlushAll(ctx); err != nil {
		return err
	}
	vehicles, err := m.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, v := range vehicles {
		if err := m.cache.SetVehicle(ctx, v); err != nil {
			m.log.Warn().Err(err).Str("vehicle", v.ID).Msg("cache sync failed")
		}
	}
	m.log.Info().Int("vehicles", len(vehicles)).Msg("synced vehicle cache")
	return nil
}

// refresh copies the committed record into the cache. On failure the stale
// entry is dropped so reads fall back to the repository.
func (m *Manager) refresh(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	v, err := m.repo.Get(ctx, id)
	if err == nil {
		err = m.cache.SetVehicle(ctx, v)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("vehicle", id).Msg("cache refresh failed")
		m.cache.RemoveVehicle(ctx, id)
	}
}
