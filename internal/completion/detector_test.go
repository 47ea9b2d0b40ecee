package completion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/store"
	"crowdbus/pkg/geo"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeActivity map[string]store.TripLog

func (f fakeActivity) Trip(busID string) (store.TripLog, bool) {
	l, ok := f[busID]
	return l, ok
}

func tracking() config.Tracking {
	return config.Tracking{
		TripInactivityTimeout: 30 * time.Minute,
		ScheduleGrace:         5 * time.Minute,
		StopRadiusMeters:      60,
		TerminusRadiusMeters:  80,
	}
}

func route() *domain.BusRoute {
	return &domain.BusRoute{
		BusID: "b1",
		Stops: []domain.Stop{
			{ID: "origin", Lat: 52.200, Lng: 21.000},
			{ID: "mid", Lat: 52.220, Lng: 21.000},
			{ID: "end", Lat: 52.240, Lng: 21.000},
		},
		ScheduleStart:        8 * time.Hour,
		ScheduleEnd:          9 * time.Hour,
		StopRadiusMeters:     60,
		TerminusRadiusMeters: 80,
	}
}

func setup(log store.TripLog) *Detector {
	routes := store.NewRouteStore()
	routes.Set(route())
	return NewDetector(tracking(), routes, fakeActivity{"b1": log})
}

func activeTrip(lastValid time.Time) store.TripLog {
	return store.TripLog{BusID: "b1", StartedAt: t0.Add(5 * time.Minute), LastValidAt: lastValid}
}

func TestNoActivityNeverCompletes(t *testing.T) {
	d := setup(store.TripLog{BusID: "b1", StartedAt: t0})
	assert.False(t, d.CheckCompletion("b1", t0.Add(24*time.Hour)).Completed)
	assert.False(t, d.CheckCompletion("unknown", t0.Add(24*time.Hour)).Completed)
}

func TestReachedTerminusRequiresProgress(t *testing.T) {
	now := t0.Add(30 * time.Minute)
	d := setup(activeTrip(now))

	// Straight to the terminus without passing the middle stop.
	d.Observe("b1", geo.LatLng{Lat: 52.210, Lng: 21.000})
	d.Observe("b1", geo.LatLng{Lat: 52.2401, Lng: 21.000})
	assert.False(t, d.CheckCompletion("b1", now).Completed)

	d.Observe("b1", geo.LatLng{Lat: 52.2202, Lng: 21.000})
	d.Observe("b1", geo.LatLng{Lat: 52.2401, Lng: 21.000})
	res := d.CheckCompletion("b1", now)
	assert.True(t, res.Completed)
	assert.Equal(t, domain.ReasonReachedTerminus, res.Reason)

	d.Reset("b1")
	d.Observe("b1", geo.LatLng{Lat: 52.2401, Lng: 21.000})
	assert.False(t, d.CheckCompletion("b1", now).Completed)
}

func TestIdlingAtOriginDoesNotDepart(t *testing.T) {
	now := t0.Add(30 * time.Minute)
	routes := store.NewRouteStore()
	r := route()
	r.Stops = []domain.Stop{r.Stops[0], r.Stops[0]}
	routes.Set(r)
	d := NewDetector(tracking(), routes, fakeActivity{"b1": activeTrip(now)})

	d.Observe("b1", geo.LatLng{Lat: 52.2001, Lng: 21.000})
	assert.False(t, d.CheckCompletion("b1", now).Completed)

	d.Observe("b1", geo.LatLng{Lat: 52.210, Lng: 21.000})
	d.Observe("b1", geo.LatLng{Lat: 52.2001, Lng: 21.000})
	assert.Equal(t, domain.ReasonReachedTerminus, d.CheckCompletion("b1", now).Reason)
}

func TestScheduleElapsed(t *testing.T) {
	// Last ping at 08:58, window ends 09:00; checked at 09:10.
	last := t0.Add(58 * time.Minute)
	d := setup(activeTrip(last))

	assert.False(t, d.CheckCompletion("b1", t0.Add(64*time.Minute)).Completed)

	res := d.CheckCompletion("b1", t0.Add(70*time.Minute))
	assert.True(t, res.Completed)
	assert.Equal(t, domain.ReasonScheduleElapsed, res.Reason)
}

func TestNoRecentActivity(t *testing.T) {
	last := t0.Add(10 * time.Minute)
	routes := store.NewRouteStore()
	d := NewDetector(tracking(), routes, fakeActivity{"b1": activeTrip(last)})

	assert.False(t, d.CheckCompletion("b1", last.Add(29*time.Minute)).Completed)

	res := d.CheckCompletion("b1", last.Add(31*time.Minute))
	assert.True(t, res.Completed)
	assert.Equal(t, domain.ReasonNoRecentActivity, res.Reason)
}
