package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/tracking"
	"bus-tracker/internal/transit"
)

const seedJSON = `{
  "routes": [
    {"id": "R1", "routeName": "Harbour Loop", "routeNumber": "12",
     "stops": [
       {"name": "Depot", "lat": 1.30, "lng": 103.80, "order": 0},
       {"name": "Pier", "lat": 1.31, "lng": 103.81, "order": 1}
     ]}
  ],
  "vehicles": [
    {"vehicleCode": "sg-101", "routeId": "R1", "capacity": 50},
    {"vehicleCode": "SG-102", "capacity": 30, "status": "maintenance"}
  ]
}`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	m, err := LoadSeed(writeSeed(t, seedJSON))
	require.NoError(t, err)
	ctx := context.Background()

	r, err := m.RouteByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "Harbour Loop", r.Name)
	require.Len(t, r.Stops, 2)
	assert.Equal(t, "Pier", r.Stops[1].Name)

	v, err := m.VehicleByCode(ctx, "Sg-101")
	require.NoError(t, err)
	assert.Equal(t, "SG-101", v.Code)
	assert.Equal(t, transit.StatusInactive, v.Status)
	assert.Equal(t, 50, v.Capacity)

	list, err := m.ListVehicles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "SG-101", list[0].Code)
	assert.Equal(t, transit.StatusMaintenance, list[1].Status)
}

func TestReadSeed(t *testing.T) {
	s, err := ReadSeed(writeSeed(t, seedJSON))
	require.NoError(t, err)
	require.Len(t, s.Routes, 1)
	require.Len(t, s.Vehicles, 2)
	assert.Equal(t, "SG-101", s.Vehicles[0].Code)
	assert.Equal(t, transit.StatusInactive, s.Vehicles[0].Status)
}

func TestLoadSeed_Errors(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadSeed(writeSeed(t, `{"routes": [`))
	assert.Error(t, err)

	_, err = LoadSeed(writeSeed(t, `{"routes": [{"routeName": "no id"}]}`))
	assert.ErrorContains(t, err, "route without id")

	_, err = LoadSeed(writeSeed(t, `{"vehicles": [{"vehicleCode": " "}]}`))
	assert.ErrorContains(t, err, "vehicle without code")

	_, err = LoadSeed(writeSeed(t, `{"vehicles": [{"vehicleCode": "A", "status": "parked"}]}`))
	assert.ErrorContains(t, err, "invalid status")
}

func TestMemory_NotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.RouteByID(ctx, "nope")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, err = m.VehicleByCode(ctx, "nope")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	assert.ErrorIs(t, m.SaveVehicle(ctx, transit.Vehicle{Code: "nope"}), transit.ErrNotFound)
}

func TestMemory_SaveVehicle(t *testing.T) {
	m := NewMemory()
	m.PutVehicle(transit.Vehicle{Code: "b1"})

	require.NoError(t, m.SaveVehicle(context.Background(), transit.Vehicle{Code: "B1", CurrentStopIndex: 3}))
	v, err := m.VehicleByCode(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.CurrentStopIndex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.SaveVehicle(ctx, transit.Vehicle{Code: "B1"}), context.Canceled)
}

func TestMemory_RouteIsACopy(t *testing.T) {
	m := NewMemory()
	m.PutRoute(transit.Route{ID: "R1", Stops: []transit.Stop{{Name: "A"}}})

	r, err := m.RouteByID(context.Background(), "R1")
	require.NoError(t, err)
	r.Stops[0].Name = "changed"

	again, err := m.RouteByID(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Stops[0].Name)
}

type cacheCounter struct{ hits, misses int }

func (c *cacheCounter) RouteCacheHit()  { c.hits++ }
func (c *cacheCounter) RouteCacheMiss() { c.misses++ }

type countingDirectory struct {
	*Memory
	routeCalls int
}

func (d *countingDirectory) RouteByID(ctx context.Context, id string) (*transit.Route, error) {
	d.routeCalls++
	return d.Memory.RouteByID(ctx, id)
}

func TestRouteCache(t *testing.T) {
	inner := &countingDirectory{Memory: NewMemory()}
	inner.PutRoute(transit.Route{ID: "R1", Name: "first"})
	inner.PutVehicle(transit.Vehicle{Code: "B1", RouteID: "R1"})
	counter := &cacheCounter{}
	c := NewRouteCache(inner, 8, time.Minute, counter)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := c.RouteByID(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, "first", r.Name)
	}
	assert.Equal(t, 1, inner.routeCalls)
	assert.Equal(t, 2, counter.hits)
	assert.Equal(t, 1, counter.misses)

	inner.PutRoute(transit.Route{ID: "R1", Name: "second"})
	c.Invalidate("R1")
	r, err := c.RouteByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "second", r.Name)

	// vehicle calls pass through
	v, err := c.VehicleByCode(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "R1", v.RouteID)
}

func TestRouteCache_DoesNotCacheMisses(t *testing.T) {
	inner := &countingDirectory{Memory: NewMemory()}
	c := NewRouteCache(inner, 0, 0, nil)
	ctx := context.Background()

	_, err := c.RouteByID(ctx, "R1")
	assert.ErrorIs(t, err, transit.ErrNotFound)

	inner.PutRoute(transit.Route{ID: "R1"})
	_, err = c.RouteByID(ctx, "R1")
	assert.NoError(t, err)
	assert.Equal(t, 2, inner.routeCalls)
}

func TestRouteCache_Expires(t *testing.T) {
	inner := &countingDirectory{Memory: NewMemory()}
	inner.PutRoute(transit.Route{ID: "R1"})
	c := NewRouteCache(inner, 4, 20*time.Millisecond, nil)
	ctx := context.Background()

	_, err := c.RouteByID(ctx, "R1")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.RouteByID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.routeCalls)
}

type recordingPublisher struct{ events []transit.Event }

func (p *recordingPublisher) Publish(topic hub.Topic, ev transit.Event) int {
	p.events = append(p.events, ev)
	return 0
}

func TestRouteCache_StartTripReadsRouteEdits(t *testing.T) {
	inner := &countingDirectory{Memory: NewMemory()}
	inner.PutRoute(transit.Route{ID: "R1", Name: "Harbour Loop", Stops: []transit.Stop{{Name: "Depot"}, {Name: "Pier", Order: 1}}})
	inner.PutVehicle(transit.Vehicle{Code: "SG-101", RouteID: "R1", Status: transit.StatusInactive})
	c := NewRouteCache(inner, 8, time.Hour, nil)
	engine := tracking.NewEngine(c, &recordingPublisher{}, tracking.DefaultOptions(), nil)
	ctx := context.Background()
	grant := tracking.Allow("test")

	_, err := engine.StartTrip(ctx, "SG-101", grant)
	require.NoError(t, err)
	_, err = engine.EndTrip(ctx, "SG-101", grant)
	require.NoError(t, err)

	inner.PutRoute(transit.Route{ID: "R1", Name: "Harbour Express", Stops: []transit.Stop{{Name: "Terminal"}, {Name: "Pier", Order: 1}}})
	view, err := engine.Vehicle(ctx, "SG-101")
	require.NoError(t, err)
	assert.Equal(t, "Harbour Loop", view.RouteName, "cached between trips")

	_, err = engine.StartTrip(ctx, "SG-101", grant)
	require.NoError(t, err)
	view, err = engine.Vehicle(ctx, "SG-101")
	require.NoError(t, err)
	assert.Equal(t, "Harbour Express", view.RouteName)
	require.NotNil(t, view.CurrentStop)
	assert.Equal(t, "Terminal", view.CurrentStop.Name)
}
