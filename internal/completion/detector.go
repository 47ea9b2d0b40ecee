// Package completion decides when a bus has finished its trip.
package completion

import (
	"sync"
	"time"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/store"
	"crowdbus/pkg/geo"
)

// Result is the outcome of a completion check.
type Result struct {
	Completed bool                    `json:"completed"`
	Reason    domain.CompletionReason `json:"reason,omitempty"`
}

type RouteSource interface {
	Get(busID string) (*domain.BusRoute, bool)
}

type ActivitySource interface {
	Trip(busID string) (store.TripLog, bool)
}

// progress is what the detector has seen of the current trip.
type progress struct {
	lastPos         geo.LatLng
	hasPos          bool
	departed        bool
	maxIntermediate int
}

type Detector struct {
	mu    sync.Mutex
	buses map[string]*progress

	cfg      config.Tracking
	routes   RouteSource
	activity ActivitySource
}

func NewDetector(cfg config.Tracking, routes RouteSource, activity ActivitySource) *Detector {
	return &Detector{
		buses:    make(map[string]*progress),
		cfg:      cfg,
		routes:   routes,
		activity: activity,
	}
}

// Observe records the latest fused position of a bus and advances its
// progress along the route.
func (d *Detector) Observe(busID string, pos geo.LatLng) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.progress(busID)
	p.lastPos = pos
	p.hasPos = true

	route, ok := d.routes.Get(busID)
	if !ok || len(route.Stops) == 0 {
		return
	}

	stops := route.Stops
	if !geo.WithinRadius(pos, stops[0].Location(), route.StopRadiusMeters) {
		p.departed = true
	}
	for i := 1; i < len(stops)-1; i++ {
		if i > p.maxIntermediate && geo.WithinRadius(pos, stops[i].Location(), route.StopRadiusMeters) {
			p.maxIntermediate = i
		}
	}
}

// CheckCompletion evaluates the completion rules in order: terminus reached,
// schedule window elapsed, long inactivity. Buses without a valid ping since
// the last completion never complete.
func (d *Detector) CheckCompletion(busID string, now time.Time) Result {
	trip, ok := d.activity.Trip(busID)
	if !ok || !trip.HasActivity() {
		return Result{}
	}

	route, hasRoute := d.routes.Get(busID)

	if hasRoute && d.reachedTerminus(busID, route) {
		return Result{Completed: true, Reason: domain.ReasonReachedTerminus}
	}

	if hasRoute && route.HasSchedule() {
		_, end := route.Window(trip.StartedAt)
		if now.After(end.Add(d.cfg.ScheduleGrace)) {
			return Result{Completed: true, Reason: domain.ReasonScheduleElapsed}
		}
	}

	if now.Sub(trip.LastValidAt) > d.cfg.TripInactivityTimeout {
		return Result{Completed: true, Reason: domain.ReasonNoRecentActivity}
	}

	return Result{}
}

// Reset forgets trip progress after a completion.
func (d *Detector) Reset(busID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buses, busID)
}

func (d *Detector) reachedTerminus(busID string, route *domain.BusRoute) bool {
	terminus, ok := route.Terminus()
	if !ok || len(route.Stops) < 2 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.buses[busID]
	if !ok || !p.hasPos || !p.departed {
		return false
	}
	if !geo.WithinRadius(p.lastPos, terminus.Location(), route.TerminusRadiusMeters) {
		return false
	}
	// Idling near the start of a loop route must not count as arrival.
	if len(route.Stops) >= 3 && p.maxIntermediate < 1 {
		return false
	}
	return true
}

func (d *Detector) progress(busID string) *progress {
	p, ok := d.buses[busID]
	if !ok {
		p = &progress{}
		d.buses[busID] = p
	}
	return p
}
