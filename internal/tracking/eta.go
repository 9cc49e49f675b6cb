package tracking

import (
	"math"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// ETAEstimator turns observed movement into minutes to the next stop and to
// the end of the route.
type ETAEstimator struct {
	AssumedSpeedKmh float64
}

// ToNextStop estimates minutes from next to the stop after currentStopIndex,
// using the speed between prev and next. It returns nil when there is no
// next stop or when the measured speed is degenerate.
func (e ETAEstimator) ToNextStop(prev, next transit.Position, route *transit.Route, currentStopIndex int) *int {
	target, ok := route.StopAt(currentStopIndex + 1)
	if !ok {
		return nil
	}
	distanceKm := geo.DistanceMeters(next.Lat, next.Lng, target.Lat, target.Lng) / 1000

	var covered, elapsed float64
	if prev.Valid && !prev.UpdatedAt.IsZero() {
		covered = geo.DistanceMeters(prev.Lat, prev.Lng, next.Lat, next.Lng)
		elapsed = next.UpdatedAt.Sub(prev.UpdatedAt).Seconds()
	}
	if elapsed <= 0 || covered <= 0 {
		return e.atAssumedSpeed(distanceKm)
	}

	speedKmh := covered / elapsed * 3.6
	if speedKmh <= 0 || math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) {
		return nil
	}
	return minutes(distanceKm / speedKmh * 60)
}

// ToRouteEnd sums the distance from the vehicle to its current stop and then
// stop to stop until the end of the route, at the assumed speed.
func (e ETAEstimator) ToRouteEnd(v transit.Vehicle, route *transit.Route) *int {
	if route == nil || len(route.Stops) == 0 {
		return nil
	}
	total := 0.0
	if cur, ok := route.StopAt(v.CurrentStopIndex); ok && v.Position.Valid {
		total += geo.DistanceMeters(v.Position.Lat, v.Position.Lng, cur.Lat, cur.Lng)
	}
	start := v.CurrentStopIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(route.Stops)-1; i++ {
		a, b := route.Stops[i], route.Stops[i+1]
		total += geo.DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
	}
	return e.atAssumedSpeed(total / 1000)
}

func (e ETAEstimator) atAssumedSpeed(distanceKm float64) *int {
	if e.AssumedSpeedKmh <= 0 {
		return nil
	}
	return minutes(distanceKm / e.AssumedSpeedKmh * 60)
}

func minutes(m float64) *int {
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return nil
	}
	v := int(math.Round(m))
	return &v
}
