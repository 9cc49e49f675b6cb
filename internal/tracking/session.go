package tracking

import (
	"sync"
	"sync/atomic"

	"bus-tracker/internal/transit"
)

// session owns the committed state of one vehicle. Writers serialize on mu;
// readers load the snapshot without locking. A stored snapshot is never
// mutated again.
type session struct {
	mu    sync.Mutex
	state atomic.Pointer[transit.Vehicle]

	// announcedLive is the liveness last sent in a vehicleStatusChanged
	// event. Guarded by mu.
	announcedLive bool
}

func newSession(v transit.Vehicle) *session {
	s := &session{}
	s.state.Store(&v)
	return s
}

func (s *session) snapshot() transit.Vehicle {
	return *s.state.Load()
}

// commit must be called with mu held.
func (s *session) commit(v transit.Vehicle) {
	s.state.Store(&v)
}

// NextStopLastStop is shown as the next stop once the vehicle is at the end
// of its route.
const NextStopLastStop = "Last Stop"

// VehicleView is a read model of one vehicle with derived fields computed at
// read time.
type VehicleView struct {
	transit.Vehicle
	IsLive          bool          `json:"isLive"`
	RouteName       string        `json:"routeName,omitempty"`
	RouteNumber     string        `json:"routeNumber,omitempty"`
	CurrentStop     *transit.Stop `json:"currentStop,omitempty"`
	NextStop        string        `json:"nextStop,omitempty"`
	RouteETAMinutes *int          `json:"routeEtaMinutes"`
}

func (e *Engine) view(v transit.Vehicle, route *transit.Route) VehicleView {
	out := VehicleView{
		Vehicle: v,
		IsLive:  e.liveness.IsLive(v, e.now()),
	}
	if route == nil {
		return out
	}
	out.RouteName = route.Name
	out.RouteNumber = route.Number
	if cur, ok := route.StopAt(v.CurrentStopIndex); ok {
		out.CurrentStop = &cur
	}
	if next, ok := route.StopAt(v.CurrentStopIndex + 1); ok {
		out.NextStop = next.Name
	} else if len(route.Stops) > 0 {
		out.NextStop = NextStopLastStop
	}
	out.RouteETAMinutes = e.eta.ToRouteEnd(v, route)
	return out
}
