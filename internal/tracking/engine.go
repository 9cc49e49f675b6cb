// Package tracking turns position reports into trip progress and publishes
// the resulting events.
//
// Each vehicle has its own session. Reports for one vehicle are applied one
// at a time; reports for different vehicles never wait on each other. Reads
// see the last committed snapshot and never block writers.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/transit"
)

// Directory is the source of routes and vehicle records.
type Directory interface {
	RouteByID(ctx context.Context, id string) (*transit.Route, error)
	VehicleByCode(ctx context.Context, code string) (transit.Vehicle, error)
	SaveVehicle(ctx context.Context, v transit.Vehicle) error
	ListVehicles(ctx context.Context) ([]transit.Vehicle, error)
}

// RouteInvalidator is implemented by directories that cache routes. The
// engine drops a vehicle's route when a trip starts so edits made between
// trips are read through.
type RouteInvalidator interface {
	Invalidate(routeID string)
}

// Publisher receives committed events. *hub.Hub satisfies it.
type Publisher interface {
	Publish(topic hub.Topic, ev transit.Event) int
}

type Metrics interface {
	ReportAccepted()
	Rejected(reason string)
	StopAdvanced()
	TripStarted()
	TripEnded()
	LiveVehiclesSet(n int)
	SaveObserved(d time.Duration)
}

// Grant is the result of the caller's authorization decision. The zero value
// denies every mutating operation.
type Grant struct {
	Actor   string
	Allowed bool
}

func Allow(actor string) Grant { return Grant{Actor: actor, Allowed: true} }

type Options struct {
	StopRadiusMeters float64
	LiveTimeout      time.Duration
	AssumedSpeedKmh  float64
	// SaveTimeout bounds each directory save made while a vehicle is locked.
	SaveTimeout   time.Duration
	SweepInterval time.Duration
	// MaxClockSkew is how far ahead of the engine clock a report may be
	// stamped before it is refused.
	MaxClockSkew time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		StopRadiusMeters: 100,
		LiveTimeout:      2 * time.Minute,
		AssumedSpeedKmh:  30,
		SaveTimeout:      5 * time.Second,
		SweepInterval:    30 * time.Second,
		MaxClockSkew:     30 * time.Second,
	}
}

// endedTripAge is how far in the past an ended trip's position timestamp is
// placed so liveness reads false at once.
const endedTripAge = 10 * time.Minute

// Report is one position fix from a vehicle. A zero At means "now".
type Report struct {
	Lat     float64
	Lng     float64
	Bearing *float64
	At      time.Time
}

func (r Report) validate() error {
	if !finite(r.Lat) || !finite(r.Lng) {
		return errors.New("lat and lng must be numbers")
	}
	if r.Lat < -90 || r.Lat > 90 {
		return fmt.Errorf("invalid lat: %v", r.Lat)
	}
	if r.Lng < -180 || r.Lng > 180 {
		return fmt.Errorf("invalid lng: %v", r.Lng)
	}
	if r.Bearing != nil && !finite(*r.Bearing) {
		return errors.New("bearing must be a number")
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// ReportResult describes the state committed by ReportPosition.
type ReportResult struct {
	Vehicle     transit.Vehicle
	CurrentStop *transit.Stop
	ETAMinutes  *int
	Advanced    bool
}

type Engine struct {
	dir      Directory
	pub      Publisher
	opts     Options
	metrics  Metrics
	now      func() time.Time
	progress ProgressTracker
	eta      ETAEstimator
	liveness LivenessEvaluator

	mu       sync.Mutex
	sessions map[string]*session

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

func NewEngine(dir Directory, pub Publisher, opts Options, metrics Metrics) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		dir:      dir,
		pub:      pub,
		opts:     opts,
		metrics:  metrics,
		now:      now,
		progress: ProgressTracker{StopRadiusMeters: opts.StopRadiusMeters},
		eta:      ETAEstimator{AssumedSpeedKmh: opts.AssumedSpeedKmh},
		liveness: LivenessEvaluator{Timeout: opts.LiveTimeout},
		sessions: make(map[string]*session),
	}
}

// StartTrip moves an inactive vehicle to an active trip. The vehicle record
// is reloaded from the directory so route and capacity changes made between
// trips take effect.
func (e *Engine) StartTrip(ctx context.Context, code string, g Grant) (transit.Vehicle, error) {
	const op = "start trip"
	code, err := e.precheck(op, code, g)
	if err != nil {
		return transit.Vehicle{}, err
	}
	fresh, err := e.dir.VehicleByCode(ctx, code)
	if err != nil {
		return transit.Vehicle{}, e.directoryError(op, code, err)
	}
	if inv, ok := e.dir.(RouteInvalidator); ok && fresh.RouteID != "" {
		inv.Invalidate(fresh.RouteID)
	}
	route, err := e.routeFor(ctx, fresh.RouteID)
	if err != nil {
		return transit.Vehicle{}, e.directoryError(op, code, err)
	}
	s := e.adopt(code, fresh)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	if cur.IsActive {
		e.reject("trip_active")
		return cur, newError(op, code, KindPreconditionFailed, ErrTripActive)
	}
	next := fresh
	next.Code = code
	next.Position = cur.Position
	next.CurrentStopIndex = cur.CurrentStopIndex
	next.LastTripEndedAt = cur.LastTripEndedAt
	if next.CurrentStopIndex > route.LastIndex() || next.CurrentStopIndex < 0 {
		next.CurrentStopIndex = 0
	}
	next.IsActive = true
	next.Status = transit.StatusActive

	if err := e.save(ctx, next); err != nil {
		return cur, newError(op, code, KindInternal, err)
	}
	s.commit(next)
	if e.metrics != nil {
		e.metrics.TripStarted()
	}
	logrus.WithFields(logrus.Fields{"vehicle": code, "route": next.RouteID, "actor": g.Actor}).Info("trip started")
	e.publishStatus(s, next, false)
	return next, nil
}

// ReportPosition applies one position fix to an active trip. Either the
// whole transition is committed and published or nothing changes.
func (e *Engine) ReportPosition(ctx context.Context, code string, r Report, g Grant) (ReportResult, error) {
	const op = "report position"
	code, err := e.precheck(op, code, g)
	if err != nil {
		return ReportResult{}, err
	}
	if err := r.validate(); err != nil {
		e.reject("invalid")
		return ReportResult{}, newError(op, code, KindInvalidInput, err)
	}
	if !r.At.IsZero() && r.At.After(e.now().Add(e.opts.MaxClockSkew)) {
		e.reject("future")
		return ReportResult{}, newError(op, code, KindInvalidInput, ErrFutureReport)
	}
	s, err := e.session(ctx, code)
	if err != nil {
		return ReportResult{}, e.directoryError(op, code, err)
	}
	cur, route, err := e.lockWithRoute(ctx, s)
	if err != nil {
		return ReportResult{}, e.directoryError(op, code, err)
	}
	defer s.mu.Unlock()

	if !cur.IsActive {
		e.reject("inactive")
		return ReportResult{}, newError(op, code, KindPreconditionFailed, ErrVehicleNotActive)
	}
	at := r.At
	if at.IsZero() {
		at = e.now()
	}
	if cur.Position.Valid && at.Before(cur.Position.UpdatedAt) {
		e.reject("stale")
		return ReportResult{}, newError(op, code, KindPreconditionFailed, ErrStaleReport)
	}

	prev := cur.Position
	next := cur
	next.Position = transit.Position{Lat: r.Lat, Lng: r.Lng, UpdatedAt: at, Valid: true}
	next.CurrentStopIndex = e.progress.Advance(route, cur.CurrentStopIndex, r.Lat, r.Lng)
	eta := e.eta.ToNextStop(prev, next.Position, route, next.CurrentStopIndex)

	if err := e.save(ctx, next); err != nil {
		return ReportResult{}, newError(op, code, KindInternal, err)
	}
	s.commit(next)

	res := ReportResult{Vehicle: next, ETAMinutes: eta, Advanced: next.CurrentStopIndex > cur.CurrentStopIndex}
	var stopName string
	if stop, ok := route.StopAt(next.CurrentStopIndex); ok {
		res.CurrentStop = &stop
		stopName = stop.Name
	}
	if e.metrics != nil {
		e.metrics.ReportAccepted()
		if res.Advanced {
			e.metrics.StopAdvanced()
		}
	}
	if res.Advanced {
		logrus.WithFields(logrus.Fields{"vehicle": code, "stop": next.CurrentStopIndex, "name": stopName}).Info("reached stop")
	}

	bearing := 0.0
	if r.Bearing != nil {
		bearing = *r.Bearing
	}
	e.pub.Publish(hub.VehicleTopic(code), transit.NewLocationEvent(transit.LocationUpdate{
		VehicleCode:      code,
		Lat:              r.Lat,
		Lng:              r.Lng,
		Bearing:          bearing,
		CurrentStopIndex: next.CurrentStopIndex,
		CurrentStopName:  stopName,
		ETAMinutes:       eta,
		Timestamp:        at,
	}))
	e.announce(s, next)
	return res, nil
}

// EndTrip finishes the active trip and resets progress and position.
func (e *Engine) EndTrip(ctx context.Context, code string, g Grant) (transit.Vehicle, error) {
	const op = "end trip"
	code, err := e.precheck(op, code, g)
	if err != nil {
		return transit.Vehicle{}, err
	}
	s, err := e.session(ctx, code)
	if err != nil {
		return transit.Vehicle{}, e.directoryError(op, code, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	if !cur.IsActive {
		e.reject("inactive")
		return cur, newError(op, code, KindPreconditionFailed, ErrVehicleNotActive)
	}

	now := e.now()
	next := cur
	next.IsActive = false
	next.Status = transit.StatusInactive
	next.CurrentStopIndex = 0
	next.Position = transit.Position{UpdatedAt: now.Add(-endedTripAge)}
	next.LastTripEndedAt = &now

	if err := e.save(ctx, next); err != nil {
		return cur, newError(op, code, KindInternal, err)
	}
	s.commit(next)
	if e.metrics != nil {
		e.metrics.TripEnded()
	}
	logrus.WithFields(logrus.Fields{"vehicle": code, "actor": g.Actor}).Info("trip ended")
	e.publishStatus(s, next, true)
	return next, nil
}

// SetStatus overrides the status of a vehicle without touching its position.
// IsActive follows the status.
func (e *Engine) SetStatus(ctx context.Context, code string, status transit.Status, g Grant) (transit.Vehicle, error) {
	const op = "set status"
	code, err := e.precheck(op, code, g)
	if err != nil {
		return transit.Vehicle{}, err
	}
	if !status.Valid() {
		e.reject("invalid")
		return transit.Vehicle{}, newError(op, code, KindInvalidInput, fmt.Errorf("invalid status: %q", status))
	}
	s, err := e.session(ctx, code)
	if err != nil {
		return transit.Vehicle{}, e.directoryError(op, code, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	next := cur
	next.Status = status
	next.IsActive = status == transit.StatusActive

	if err := e.save(ctx, next); err != nil {
		return cur, newError(op, code, KindInternal, err)
	}
	s.commit(next)
	logrus.WithFields(logrus.Fields{"vehicle": code, "status": status, "actor": g.Actor}).Info("status set")
	e.publishStatus(s, next, false)
	return next, nil
}

// Vehicle returns the current view of one vehicle.
func (e *Engine) Vehicle(ctx context.Context, code string) (VehicleView, error) {
	const op = "get vehicle"
	code = transit.NormalizeCode(code)
	if code == "" {
		return VehicleView{}, newError(op, code, KindInvalidInput, errors.New("vehicle code is required"))
	}
	s, err := e.session(ctx, code)
	if err != nil {
		return VehicleView{}, e.directoryError(op, code, err)
	}
	v := s.snapshot()
	route, err := e.routeFor(ctx, v.RouteID)
	if err != nil {
		return VehicleView{}, e.directoryError(op, code, err)
	}
	return e.view(v, route), nil
}

// Vehicles lists every vehicle, or only those assigned to routeID when it is
// not empty. Vehicles with a session report their committed snapshot.
func (e *Engine) Vehicles(ctx context.Context, routeID string) ([]VehicleView, error) {
	const op = "list vehicles"
	list, err := e.dir.ListVehicles(ctx)
	if err != nil {
		return nil, e.directoryError(op, "", err)
	}
	e.mu.Lock()
	for i, v := range list {
		if s, ok := e.sessions[transit.NormalizeCode(v.Code)]; ok {
			list[i] = s.snapshot()
		}
	}
	e.mu.Unlock()

	routes := make(map[string]*transit.Route)
	out := make([]VehicleView, 0, len(list))
	for _, v := range list {
		if routeID != "" && v.RouteID != routeID {
			continue
		}
		route, seen := routes[v.RouteID]
		if !seen {
			route, err = e.routeFor(ctx, v.RouteID)
			if err != nil {
				return nil, e.directoryError(op, v.Code, err)
			}
			routes[v.RouteID] = route
		}
		out = append(out, e.view(v, route))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// StartSweeper launches a background loop that announces vehicles whose
// reports stopped arriving.
func (e *Engine) StartSweeper(parent context.Context) {
	if e.opts.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.sweepCancel = cancel
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Sweep()
			}
		}
	}()
}

// Sweep publishes a vehicleStatusChanged for every vehicle last announced as
// live that no longer is. It returns the number of live vehicles.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	live := 0
	for _, s := range sessions {
		s.mu.Lock()
		v := s.snapshot()
		isLive := e.liveness.IsLive(v, e.now())
		if isLive {
			live++
		} else if s.announcedLive {
			logrus.WithField("vehicle", v.Code).Info("vehicle went silent")
			e.announce(s, v)
		}
		s.mu.Unlock()
	}
	if e.metrics != nil {
		e.metrics.LiveVehiclesSet(live)
	}
	return live
}

func (e *Engine) Stop() {
	if e.sweepCancel != nil {
		e.sweepCancel()
	}
	e.sweepWG.Wait()
}

func (e *Engine) precheck(op, code string, g Grant) (string, error) {
	code = transit.NormalizeCode(code)
	if !g.Allowed {
		e.reject("unauthorized")
		return code, newError(op, code, KindUnauthorized, ErrNoGrant)
	}
	if code == "" {
		e.reject("invalid")
		return code, newError(op, code, KindInvalidInput, errors.New("vehicle code is required"))
	}
	return code, nil
}

// session returns the vehicle's session, loading the record from the
// directory the first time. The directory is never called with e.mu held.
func (e *Engine) session(ctx context.Context, code string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[code]
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	v, err := e.dir.VehicleByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return e.adopt(code, v), nil
}

// adopt registers v unless another caller won the race.
func (e *Engine) adopt(code string, v transit.Vehicle) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[code]; ok {
		return s
	}
	v.Code = code
	s := newSession(v)
	s.announcedLive = e.liveness.IsLive(v, e.now())
	e.sessions[code] = s
	return s
}

// lockWithRoute fetches the vehicle's route and then locks the session. If
// the route assignment changed in between, it fetches again.
func (e *Engine) lockWithRoute(ctx context.Context, s *session) (transit.Vehicle, *transit.Route, error) {
	for {
		routeID := s.snapshot().RouteID
		route, err := e.routeFor(ctx, routeID)
		if err != nil {
			return transit.Vehicle{}, nil, err
		}
		s.mu.Lock()
		cur := s.snapshot()
		if cur.RouteID == routeID {
			return cur, route, nil
		}
		s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return transit.Vehicle{}, nil, err
		}
	}
}

// routeFor returns nil for vehicles without a route or with a route the
// directory no longer knows.
func (e *Engine) routeFor(ctx context.Context, routeID string) (*transit.Route, error) {
	if routeID == "" {
		return nil, nil
	}
	route, err := e.dir.RouteByID(ctx, routeID)
	if errors.Is(err, transit.ErrNotFound) {
		logrus.WithField("route", routeID).Debug("assigned route not found")
		return nil, nil
	}
	return route, err
}

func (e *Engine) save(ctx context.Context, v transit.Vehicle) error {
	if e.opts.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.SaveTimeout)
		defer cancel()
	}
	start := time.Now()
	err := e.dir.SaveVehicle(ctx, v)
	if e.metrics != nil {
		e.metrics.SaveObserved(time.Since(start))
	}
	if err != nil {
		e.reject("save")
		logrus.WithError(err).WithField("vehicle", v.Code).Error("save vehicle failed")
		return fmt.Errorf("save vehicle: %w", err)
	}
	return nil
}

func (e *Engine) directoryError(op, code string, err error) error {
	if errors.Is(err, transit.ErrNotFound) {
		e.reject("not_found")
		return newError(op, code, KindNotFound, err)
	}
	e.reject("internal")
	return newError(op, code, KindInternal, err)
}

func (e *Engine) reject(reason string) {
	if e.metrics != nil {
		e.metrics.Rejected(reason)
	}
}

// publishStatus must be called with s.mu held.
func (e *Engine) publishStatus(s *session, v transit.Vehicle, tripEnded bool) {
	e.pub.Publish(hub.VehicleTopic(v.Code), transit.NewStatusEvent(transit.StatusUpdate{
		VehicleCode: v.Code,
		IsActive:    v.IsActive,
		Status:      v.Status,
		TripEnded:   tripEnded,
	}))
	e.announce(s, v)
}

// announce must be called with s.mu held.
func (e *Engine) announce(s *session, v transit.Vehicle) {
	live := e.liveness.IsLive(v, e.now())
	s.announcedLive = live
	e.pub.Publish(hub.AllVehicles, transit.NewStatusChangedEvent(transit.VehicleStatusChanged{
		VehicleCode: v.Code,
		IsActive:    v.IsActive,
		IsLive:      live,
		Location:    transit.LatLng{Lat: v.Position.Lat, Lng: v.Position.Lng},
	}))
}
