package gtfs

import (
	"fmt"
	"time"

	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

// ResolvedTrip is the route context of one GTFS trip.
type ResolvedTrip struct {
	TripID        string
	RouteID       string
	Line          string
	Headsign      string
	Stops         []domain.Stop
	Corridor      []geo.LatLng
	ScheduleStart time.Duration
	ScheduleEnd   time.Duration
}

// ResolveTrip builds ordered stops, the shape corridor and the schedule
// window of a trip. Without a shape the stop sequence is the corridor.
func (r *ParseResult) ResolveTrip(tripID string) (ResolvedTrip, error) {
	trip, ok := r.Trips[tripID]
	if !ok {
		return ResolvedTrip{}, fmt.Errorf("trip %s not in feed", tripID)
	}
	sts := r.TripStopTimes[tripID]
	if len(sts) < 2 {
		return ResolvedTrip{}, fmt.Errorf("trip %s has %d stop times", tripID, len(sts))
	}

	out := ResolvedTrip{
		TripID:        tripID,
		RouteID:       trip.RouteID,
		Headsign:      trip.Headsign,
		Stops:         make([]domain.Stop, 0, len(sts)),
		ScheduleStart: time.Duration(sts[0].DepartureSeconds) * time.Second,
		ScheduleEnd:   time.Duration(sts[len(sts)-1].ArrivalSeconds) * time.Second,
	}
	if route, ok := r.Routes[trip.RouteID]; ok {
		out.Line = route.ShortName
	}
	if out.ScheduleEnd <= out.ScheduleStart {
		return ResolvedTrip{}, fmt.Errorf("trip %s has an empty schedule window", tripID)
	}

	for _, st := range sts {
		stop, ok := r.Stops[st.StopID]
		if !ok {
			return ResolvedTrip{}, fmt.Errorf("trip %s references unknown stop %s", tripID, st.StopID)
		}
		out.Stops = append(out.Stops, *stop)
	}

	if shape, ok := r.Shapes[trip.ShapeID]; ok && len(shape.Points) >= 2 {
		out.Corridor = make([]geo.LatLng, len(shape.Points))
		for i, pt := range shape.Points {
			out.Corridor[i] = geo.LatLng{Lat: pt.Lat, Lng: pt.Lon}
		}
	} else {
		out.Corridor = make([]geo.LatLng, len(out.Stops))
		for i, s := range out.Stops {
			out.Corridor[i] = s.Location()
		}
	}

	return out, nil
}
