package transit

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by directories when a route or vehicle is unknown.
var ErrNotFound = errors.New("not found")

type Stop struct {
	Name  string  `json:"name" bson:"name"`
	Lat   float64 `json:"lat" bson:"lat"`
	Lng   float64 `json:"lng" bson:"lng"`
	Order int     `json:"order" bson:"order"`
}

// Route is owned by the directory. Stops are kept in stored order, which is
// the direction of travel.
type Route struct {
	ID     string `json:"id" bson:"_id"`
	Name   string `json:"routeName" bson:"routeName"`
	Number string `json:"routeNumber" bson:"routeNumber"`
	Stops  []Stop `json:"stops" bson:"stops"`
}

// LastIndex returns the index of the final stop, or -1 for an empty route.
func (r *Route) LastIndex() int {
	if r == nil {
		return -1
	}
	return len(r.Stops) - 1
}

// StopAt returns the stop at i if it exists.
func (r *Route) StopAt(i int) (Stop, bool) {
	if r == nil || i < 0 || i >= len(r.Stops) {
		return Stop{}, false
	}
	return r.Stops[i], true
}

type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	}
	return false
}

// Position is the last reported fix. Valid=false is the "no fix" sentinel;
// a zero UpdatedAt means no timestamp was ever recorded.
type Position struct {
	Lat       float64   `json:"lat" bson:"lat"`
	Lng       float64   `json:"lng" bson:"lng"`
	UpdatedAt time.Time `json:"lastUpdated" bson:"lastUpdated"`
	Valid     bool      `json:"valid" bson:"valid"`
}

type Vehicle struct {
	Code              string     `json:"vehicleCode" bson:"_id"`
	OperatorID        string     `json:"operatorId,omitempty" bson:"operatorId,omitempty"`
	RouteID           string     `json:"routeId,omitempty" bson:"routeId,omitempty"`
	Capacity          int        `json:"capacity" bson:"capacity"`
	CurrentPassengers int        `json:"currentPassengers" bson:"currentPassengers"`
	CurrentStopIndex  int        `json:"currentStopIndex" bson:"currentStopIndex"`
	IsActive          bool       `json:"isActive" bson:"isActive"`
	Status            Status     `json:"status" bson:"status"`
	Position          Position   `json:"location" bson:"location"`
	LastTripEndedAt   *time.Time `json:"lastTripEnded,omitempty" bson:"lastTripEnded,omitempty"`
}

// NormalizeCode upper-cases and trims a vehicle code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
