package domain

import (
	"time"

	"crowdbus/pkg/geo"
)

// Stop is a scheduled stop on a bus route.
type Stop struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lng  float64 `json:"lng" yaml:"lng"`
}

// Location returns the stop coordinate.
func (s Stop) Location() geo.LatLng {
	return geo.LatLng{Lat: s.Lat, Lng: s.Lng}
}

// BusRoute is the route context of one bus: its ordered stops, the corridor
// it drives along and its daily schedule window.
type BusRoute struct {
	BusID    string       `json:"busId"`
	RouteID  string       `json:"routeId"`
	Line     string       `json:"line"`
	TripID   string       `json:"gtfsTripId,omitempty"`
	Stops    []Stop       `json:"stops"`
	Corridor []geo.LatLng `json:"corridor,omitempty"`

	// Offsets since local midnight. End may exceed 24h for trips past midnight.
	ScheduleStart time.Duration  `json:"scheduleStart"`
	ScheduleEnd   time.Duration  `json:"scheduleEnd"`
	Location      *time.Location `json:"-"`

	StopRadiusMeters     float64 `json:"stopRadiusMeters"`
	TerminusRadiusMeters float64 `json:"terminusRadiusMeters"`
}

// HasSchedule reports whether a schedule window was configured.
func (r *BusRoute) HasSchedule() bool {
	return r != nil && r.ScheduleEnd > r.ScheduleStart
}

// Window returns the trip window relevant to now: today's window, or
// yesterday's when it runs past midnight and is still in progress.
func (r *BusRoute) Window(now time.Time) (start, end time.Time) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	start = midnight.Add(r.ScheduleStart)
	end = midnight.Add(r.ScheduleEnd)

	if local.Before(start) {
		prevStart, prevEnd := start.AddDate(0, 0, -1), end.AddDate(0, 0, -1)
		if local.Before(prevEnd) {
			return prevStart, prevEnd
		}
	}
	return start, end
}

// Terminus returns the final stop.
func (r *BusRoute) Terminus() (Stop, bool) {
	if r == nil || len(r.Stops) == 0 {
		return Stop{}, false
	}
	return r.Stops[len(r.Stops)-1], true
}

// StopLocations returns the stop coordinates in order.
func (r *BusRoute) StopLocations() []geo.LatLng {
	if r == nil {
		return nil
	}
	out := make([]geo.LatLng, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.Location()
	}
	return out
}
