// Package fallback describes the last known location of a bus that has no
// live contributors. It never invents a coordinate.
package fallback

import (
	"time"

	"crowdbus/internal/domain"
)

const (
	minorGap    = 2 * time.Minute
	moderateGap = 10 * time.Minute
)

type PositionSource interface {
	Get(busID string) (domain.FusedPosition, bool)
}

type TripSource interface {
	LatestTrip(busID string) (*domain.TripRecord, bool)
}

type Resolver struct {
	positions PositionSource
	trips     TripSource
}

func NewResolver(positions PositionSource, trips TripSource) *Resolver {
	return &Resolver{positions: positions, trips: trips}
}

// Resolve picks the most recent of the stored fused position and the final
// track point of the bus's last archived trip.
func (r *Resolver) Resolve(busID string, now time.Time) domain.FallbackView {
	var (
		lat, lng float64
		at       time.Time
		source   = domain.SourceNone
	)

	if p, ok := r.positions.Get(busID); ok {
		lat, lng, at = p.Lat, p.Lng, p.LastUpdated
		source = domain.SourceFusedPosition
	}
	if r.trips != nil {
		if trip, ok := r.trips.LatestTrip(busID); ok {
			if tp, ok := trip.LastTrackPoint(); ok && (source == domain.SourceNone || tp.Timestamp.After(at)) {
				lat, lng, at = tp.Lat, tp.Lng, tp.Timestamp
				source = domain.SourceTripRecord
			}
		}
	}

	if source == domain.SourceNone {
		return domain.FallbackView{
			BusID:       busID,
			HasData:     false,
			Status:      domain.StatusUnknown,
			GapSeverity: domain.GapUnknown,
			Source:      domain.SourceNone,
			Message:     "no location has ever been recorded for this bus",
		}
	}

	age := now.Sub(at)
	if age < 0 {
		age = 0
	}
	updated := at
	return domain.FallbackView{
		BusID:       busID,
		HasData:     true,
		Lat:         &lat,
		Lng:         &lng,
		Status:      domain.StatusStale,
		AgeSeconds:  age.Seconds(),
		GapSeverity: Severity(age),
		LastUpdated: &updated,
		Source:      source,
		Message:     "no live trackers, showing last known location",
	}
}

// Severity grades a data gap by its age.
func Severity(age time.Duration) domain.GapSeverity {
	switch {
	case age <= minorGap:
		return domain.GapMinor
	case age <= moderateGap:
		return domain.GapModerate
	default:
		return domain.GapSevere
	}
}
