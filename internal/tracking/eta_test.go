package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/transit"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func fix(lng float64, at time.Time) transit.Position {
	return transit.Position{Lat: 0, Lng: lng, UpdatedAt: at, Valid: true}
}

func TestToNextStop_MeasuredSpeed(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	d250 := 250 / metersPerDegree
	d750 := 750 / metersPerDegree
	route := &transit.Route{Stops: []transit.Stop{
		{Name: "start", Lng: 0},
		{Name: "ahead", Lng: d750},
	}}

	// 250 m in 30 s is 30 km/h; 500 m left takes one minute
	eta := e.ToNextStop(fix(0, t0), fix(d250, t0.Add(30*time.Second)), route, 0)
	require.NotNil(t, eta)
	assert.Equal(t, 1, *eta)

	// same distance at a tenth of the speed
	eta = e.ToNextStop(fix(0, t0), fix(d250, t0.Add(300*time.Second)), route, 0)
	require.NotNil(t, eta)
	assert.Equal(t, 10, *eta)
}

func TestToNextStop_FallsBackToAssumedSpeed(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	d1000 := 1000 / metersPerDegree
	route := &transit.Route{Stops: []transit.Stop{{Name: "A"}, {Name: "B", Lng: d1000}}}
	at := t0.Add(time.Minute)

	cases := map[string]transit.Position{
		"no previous fix":  {UpdatedAt: t0},
		"no previous time": {Valid: true},
		"same timestamp":   fix(0.0001, at),
		"later timestamp":  fix(0.0001, at.Add(time.Second)),
		"no movement":      fix(0, t0),
	}
	for name, prev := range cases {
		t.Run(name, func(t *testing.T) {
			eta := e.ToNextStop(prev, fix(0, at), route, 0)
			require.NotNil(t, eta)
			// 1 km at 30 km/h
			assert.Equal(t, 2, *eta)
		})
	}
}

func TestToNextStop_NilAtLastStop(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	route := abcRoute()
	assert.Nil(t, e.ToNextStop(fix(0, t0), fix(0.002, t0.Add(time.Minute)), route, 2))
	assert.Nil(t, e.ToNextStop(fix(0, t0), fix(0.002, t0.Add(time.Minute)), nil, 0))
	assert.Nil(t, e.ToNextStop(fix(0, t0), fix(0.002, t0.Add(time.Minute)), &transit.Route{}, 0))
}

func TestToNextStop_NonNegative(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	route := abcRoute()
	for i := 0; i < 2; i++ {
		eta := e.ToNextStop(fix(0, t0), fix(0.0005, t0.Add(10*time.Second)), route, i)
		require.NotNil(t, eta)
		assert.GreaterOrEqual(t, *eta, 0)
	}
}

func TestToNextStop_NoAssumedSpeed(t *testing.T) {
	e := ETAEstimator{}
	assert.Nil(t, e.ToNextStop(transit.Position{}, fix(0, t0), abcRoute(), 0))
}

func TestToRouteEnd(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	d500 := 500 / metersPerDegree
	route := &transit.Route{Stops: []transit.Stop{
		{Name: "A", Lng: 0},
		{Name: "B", Lng: 2 * d500},
		{Name: "C", Lng: 4 * d500},
		{Name: "D", Lng: 6 * d500},
	}}

	// 500 m to B, then 1 km to C and 1 km to D: 2.5 km at 30 km/h
	v := transit.Vehicle{CurrentStopIndex: 1, Position: fix(d500, t0)}
	eta := e.ToRouteEnd(v, route)
	require.NotNil(t, eta)
	assert.Equal(t, 5, *eta)

	// without a fix only the remaining legs count
	v.Position = transit.Position{}
	eta = e.ToRouteEnd(v, route)
	require.NotNil(t, eta)
	assert.Equal(t, 4, *eta)

	v.CurrentStopIndex = 3
	eta = e.ToRouteEnd(v, route)
	require.NotNil(t, eta)
	assert.Equal(t, 0, *eta)
}

func TestToRouteEnd_NoRoute(t *testing.T) {
	e := ETAEstimator{AssumedSpeedKmh: 30}
	assert.Nil(t, e.ToRouteEnd(transit.Vehicle{}, nil))
	assert.Nil(t, e.ToRouteEnd(transit.Vehicle{}, &transit.Route{}))
}
