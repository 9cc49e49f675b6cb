package tracking

import (
	"math"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// ProgressTracker decides when a vehicle has reached a stop.
type ProgressTracker struct {
	StopRadiusMeters float64
}

// NearbyStop returns the index of the first stop, in stored order, within the
// stop radius of the position, or -1. It does not look for the nearest one.
func (p ProgressTracker) NearbyStop(route *transit.Route, lat, lng float64) int {
	if route == nil {
		return -1
	}
	for i, s := range route.Stops {
		if math.IsNaN(s.Lat) || math.IsNaN(s.Lng) {
			continue
		}
		if geo.DistanceMeters(lat, lng, s.Lat, s.Lng) <= p.StopRadiusMeters {
			return i
		}
	}
	return -1
}

// Advance returns the new stop index for a vehicle at current that reported
// the given position. The index never decreases and never passes the last stop.
func (p ProgressTracker) Advance(route *transit.Route, current int, lat, lng float64) int {
	last := route.LastIndex()
	if last < 0 || current >= last {
		return current
	}
	idx := p.NearbyStop(route, lat, lng)
	if idx > current {
		return idx
	}
	return current
}
