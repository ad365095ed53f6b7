package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/baseline"
	"github.com/fleetpulse/pdm-engine/internal/models"
)

// DefaultVehicleClass is assumed for vehicles first seen via telemetry
// before the fleet registered them explicitly.
const DefaultVehicleClass = "standard"

// Registry tracks fleet vehicles and their classes. Vehicle identity is
// immutable; class and metadata may be updated.
type Registry struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
	now      func() time.Time
}

// NewRegistry constructs an empty vehicle registry.
func NewRegistry() *Registry {
	return &Registry{
		vehicles: make(map[string]models.Vehicle),
		now:      time.Now,
	}
}

// Register adds or updates a vehicle. The commissioning date of an existing
// vehicle is preserved.
func (r *Registry) Register(v models.Vehicle) models.Vehicle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.vehicles[v.ID]; ok {
		v.Commissioned = existing.Commissioned
		v.Decommissioned = existing.Decommissioned
	} else if v.Commissioned.IsZero() {
		v.Commissioned = r.now().UTC()
	}
	if v.Class == "" {
		v.Class = DefaultVehicleClass
	}
	r.vehicles[v.ID] = v
	return v
}

// GetOrRegister resolves a vehicle, auto-registering unknown ids with the
// default class so telemetry from freshly provisioned trucks is not lost.
func (r *Registry) GetOrRegister(id string) models.Vehicle {
	r.mu.RLock()
	v, ok := r.vehicles[id]
	r.mu.RUnlock()
	if ok {
		return v
	}
	return r.Register(models.Vehicle{ID: id, Class: DefaultVehicleClass})
}

// Get returns a vehicle when registered.
func (r *Registry) Get(id string) (models.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vehicles[id]
	return v, ok
}

// List returns all registered vehicles ordered by id.
func (r *Registry) List() []models.Vehicle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Decommission marks the vehicle out of service and archives its baselines.
func (r *Registry) Decommission(ctx context.Context, id string, baselines *baseline.Store, archiver baseline.Archiver) error {
	r.mu.Lock()
	v, ok := r.vehicles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("vehicle %s is not registered", id)
	}
	if v.Decommissioned == nil {
		ts := r.now().UTC()
		v.Decommissioned = &ts
		r.vehicles[id] = v
	}
	r.mu.Unlock()

	if baselines == nil {
		return nil
	}
	return baselines.Decommission(ctx, id, archiver)
}
