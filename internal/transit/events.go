package transit

import "time"

type EventKind string

const (
	KindLocationUpdate       EventKind = "locationUpdate"
	KindStatusUpdate         EventKind = "statusUpdate"
	KindVehicleStatusChanged EventKind = "vehicleStatusChanged"
)

// Event is what the hub carries. Payload is one of the three update types below.
type Event struct {
	Kind    EventKind `json:"event"`
	Vehicle string    `json:"-"`
	Payload any       `json:"data"`
}

type LocationUpdate struct {
	VehicleCode      string    `json:"vehicleCode"`
	Lat              float64   `json:"lat"`
	Lng              float64   `json:"lng"`
	Bearing          float64   `json:"bearing"`
	CurrentStopIndex int       `json:"currentStopIndex"`
	CurrentStopName  string    `json:"currentStopName"`
	ETAMinutes       *int      `json:"etaMinutes"`
	Timestamp        time.Time `json:"timestamp"`
}

type StatusUpdate struct {
	VehicleCode string `json:"vehicleCode"`
	IsActive    bool   `json:"isActive"`
	Status      Status `json:"status"`
	TripEnded   bool   `json:"tripEnded"`
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type VehicleStatusChanged struct {
	VehicleCode string `json:"vehicleCode"`
	IsActive    bool   `json:"isActive"`
	IsLive      bool   `json:"isLive"`
	Location    LatLng `json:"location"`
}

func NewLocationEvent(u LocationUpdate) Event {
	return Event{Kind: KindLocationUpdate, Vehicle: u.VehicleCode, Payload: u}
}

func NewStatusEvent(u StatusUpdate) Event {
	return Event{Kind: KindStatusUpdate, Vehicle: u.VehicleCode, Payload: u}
}

func NewStatusChangedEvent(u VehicleStatusChanged) Event {
	return Event{Kind: KindVehicleStatusChanged, Vehicle: u.VehicleCode, Payload: u}
}
