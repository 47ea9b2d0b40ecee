package domain

import "time"

// CompletionReason explains why a trip was considered finished.
type CompletionReason string

const (
	ReasonReachedTerminus  CompletionReason = "reached_terminus"
	ReasonScheduleElapsed  CompletionReason = "schedule_elapsed"
	ReasonNoRecentActivity CompletionReason = "no_recent_activity"
)

// TrackPoint is one fused position sample kept for the trip archive.
type TrackPoint struct {
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	ConfidenceLevel float64   `json:"confidenceLevel"`
	ActiveTrackers  int       `json:"activeTrackers"`
	Timestamp       time.Time `json:"timestamp"`
}

// TripStats summarizes a completed trip.
type TripStats struct {
	TotalPings        int     `json:"totalPings"`
	ValidPings        int     `json:"validPings"`
	UniqueDevices     int     `json:"uniqueDevices"`
	DistanceMeters    float64 `json:"distanceMeters"`
	AverageConfidence float64 `json:"averageConfidence"`
	MaxActiveTrackers int     `json:"maxActiveTrackers"`
	DurationSeconds   float64 `json:"durationSeconds"`
}

// TripRecord is the archival snapshot of a completed trip. It is built from
// copies and never mutated once created.
type TripRecord struct {
	ID        string           `json:"id"`
	BusID     string           `json:"busId"`
	RouteID   string           `json:"routeId,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   time.Time        `json:"endedAt"`
	Reason    CompletionReason `json:"reason"`
	Pings     []ValidatedPing  `json:"pings"`
	Track     []TrackPoint     `json:"track"`
	Stats     TripStats        `json:"stats"`
}

// LastTrackPoint returns the final fused sample, if any.
func (t *TripRecord) LastTrackPoint() (TrackPoint, bool) {
	if t == nil || len(t.Track) == 0 {
		return TrackPoint{}, false
	}
	return t.Track[len(t.Track)-1], true
}
