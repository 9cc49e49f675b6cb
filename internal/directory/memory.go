// Package directory holds in-process route and vehicle stores and the route
// cache placed in front of any directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"bus-tracker/internal/transit"
)

// Memory is a directory kept in process memory. It is used for development
// and tests, optionally seeded from a JSON file.
type Memory struct {
	mu       sync.RWMutex
	routes   map[string]transit.Route
	vehicles map[string]transit.Vehicle
}

func NewMemory() *Memory {
	return &Memory{
		routes:   make(map[string]transit.Route),
		vehicles: make(map[string]transit.Vehicle),
	}
}

// Seed is the layout of a seed file.
type Seed struct {
	Routes   []transit.Route   `json:"routes"`
	Vehicles []transit.Vehicle `json:"vehicles"`
}

// ReadSeed parses and validates a seed file. Vehicles without a status are
// inactive.
func ReadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := json.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, r := range s.Routes {
		if r.ID == "" {
			return Seed{}, fmt.Errorf("seed %s: route without id", path)
		}
	}
	for i, v := range s.Vehicles {
		v.Code = transit.NormalizeCode(v.Code)
		if v.Code == "" {
			return Seed{}, fmt.Errorf("seed %s: vehicle without code", path)
		}
		if v.Status == "" {
			v.Status = transit.StatusInactive
		}
		if !v.Status.Valid() {
			return Seed{}, fmt.Errorf("seed %s: vehicle %s: invalid status: %q", path, v.Code, v.Status)
		}
		s.Vehicles[i] = v
	}
	return s, nil
}

// LoadSeed reads a seed file into a new Memory directory.
func LoadSeed(path string) (*Memory, error) {
	s, err := ReadSeed(path)
	if err != nil {
		return nil, err
	}
	m := NewMemory()
	for _, r := range s.Routes {
		m.PutRoute(r)
	}
	for _, v := range s.Vehicles {
		m.PutVehicle(v)
	}
	return m, nil
}

func (m *Memory) PutRoute(r transit.Route) {
	r.Stops = append([]transit.Stop(nil), r.Stops...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
}

func (m *Memory) PutVehicle(v transit.Vehicle) {
	v.Code = transit.NormalizeCode(v.Code)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.Code] = v
}

func (m *Memory) RouteByID(_ context.Context, id string) (*transit.Route, error) {
	m.mu.RLock()
	r, ok := m.routes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, transit.ErrNotFound)
	}
	r.Stops = append([]transit.Stop(nil), r.Stops...)
	return &r, nil
}

func (m *Memory) VehicleByCode(_ context.Context, code string) (transit.Vehicle, error) {
	code = transit.NormalizeCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[code]
	if !ok {
		return transit.Vehicle{}, fmt.Errorf("vehicle %s: %w", code, transit.ErrNotFound)
	}
	return v, nil
}

// SaveVehicle replaces a known vehicle. Unknown codes are not found; new
// vehicles are added through PutVehicle.
func (m *Memory) SaveVehicle(ctx context.Context, v transit.Vehicle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.Code = transit.NormalizeCode(v.Code)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[v.Code]; !ok {
		return fmt.Errorf("vehicle %s: %w", v.Code, transit.ErrNotFound)
	}
	m.vehicles[v.Code] = v
	return nil
}

func (m *Memory) ListVehicles(_ context.Context) ([]transit.Vehicle, error) {
	m.mu.RLock()
	out := make([]transit.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
