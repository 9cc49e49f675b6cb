// Package geo holds the great-circle helpers shared by tracking and the
// driver simulator. All functions are pure; NaN inputs propagate.
package geo

import "math"

const EarthRadiusMeters = 6371000.0

type Point struct {
	Lat float64
	Lng float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceMeters is the haversine distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// BearingDegrees is the initial bearing from the first point to the second, in [0, 360).
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	y := math.Sin(toRad(lng2-lng1)) * math.Cos(toRad(lat2))
	x := math.Cos(toRad(lat1))*math.Sin(toRad(lat2)) - math.Sin(toRad(lat1))*math.Cos(toRad(lat2))*math.Cos(toRad(lng2-lng1))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// CumulativeDistances returns the distance travelled from pts[0] to each point.
func CumulativeDistances(pts []Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += DistanceMeters(pts[i-1].Lat, pts[i-1].Lng, pts[i].Lat, pts[i].Lng)
		cum[i] = sum
	}
	return cum
}

// Interpolate walks dist meters along the polyline and returns the position
// and the bearing of the segment it lands on. dist is clamped to the line.
func Interpolate(pts []Point, cum []float64, dist float64) (lat, lng, bearing float64) {
	n := len(pts)
	if n == 0 {
		return 0, 0, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0].Lat, pts[0].Lng, 0
	}
	if dist <= 0 {
		return pts[0].Lat, pts[0].Lng, segmentBearing(pts[0], pts[1])
	}
	if dist >= cum[n-1] {
		return pts[n-1].Lat, pts[n-1].Lng, segmentBearing(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0.Lat, p0.Lng, segmentBearing(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	lat = p0.Lat + (p1.Lat-p0.Lat)*frac
	lng = p0.Lng + (p1.Lng-p0.Lng)*frac
	return lat, lng, segmentBearing(p0, p1)
}

func segmentBearing(a, b Point) float64 {
	return BearingDegrees(a.Lat, a.Lng, b.Lat, b.Lng)
}
