package fleetstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dronecore/store"
)

// Cache holds the latest snapshot of each vehicle for fast reads.
type Cache interface {
	SetVehicle(ctx context.Context, v *store.Vehicle) error
	// GetVehicle returns nil, nil on a miss.
	GetVehicle(ctx context.Context, id string) (*store.Vehicle, error)
	RemoveVehicle(ctx context.Context, id string) error
	FlushAll(ctx context.Context) error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func vehicleKey(id string) string {
	return fmt.Sprintf("dronecore:vehicle:%s", id)
}

const allVehiclesKey = "dronecore:vehicles"

func (r *RedisStore) SetVehicle(ctx context.Context, v *store.Vehicle) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, vehicleKey(v.ID), data, 0)
	pipe.SAdd(ctx, allVehiclesKey, v.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetVehicle(ctx context.Context, id string) (*store.Vehicle, error) {
	data, err := r.client.Get(ctx, vehicleKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v store.Vehicle
	return &v, json.Unmarshal(data, &v)
}

func (r *RedisStore) VehicleIDs(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, allVehiclesKey).Result()
}

func (r *RedisStore) RemoveVehicle(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, vehicleKey(id))
	pipe.SRem(ctx, allVehiclesKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) FlushAll(ctx context.Context) error {
	ids, err := r.VehicleIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.RemoveVehicle(ctx, id)
	}
	return r.client.Del(ctx, allVehiclesKey).Err()
}
