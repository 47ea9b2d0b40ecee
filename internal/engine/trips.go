package engine

import (
	"sync"

	"github.com/google/uuid"

	"crowdbus/internal/domain"
	"crowdbus/internal/fallback"
	"crowdbus/internal/store"
	"crowdbus/pkg/geo"
)

const recentTripLimit = 100

// tripHistory keeps the latest completed trip per bus and a short list of
// recent trips for the stats endpoint.
type tripHistory struct {
	mu     sync.RWMutex
	latest map[string]*domain.TripRecord
	ring   []*domain.TripRecord
	limit  int

	archive fallback.TripSource
}

func newTripHistory(limit int) *tripHistory {
	return &tripHistory{
		latest: make(map[string]*domain.TripRecord),
		limit:  limit,
	}
}

func (h *tripHistory) add(rec domain.TripRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &rec
	h.latest[rec.BusID] = r
	h.ring = append(h.ring, r)
	if len(h.ring) > h.limit {
		h.ring = h.ring[len(h.ring)-h.limit:]
	}
}

// LatestTrip returns the newest completed trip of a bus, checking the
// archive when nothing completed since startup.
func (h *tripHistory) LatestTrip(busID string) (*domain.TripRecord, bool) {
	h.mu.RLock()
	r, ok := h.latest[busID]
	h.mu.RUnlock()
	if ok {
		return r, true
	}
	if h.archive != nil {
		return h.archive.LatestTrip(busID)
	}
	return nil, false
}

func (h *tripHistory) recent() []domain.TripRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.TripRecord, 0, len(h.ring))
	for i := len(h.ring) - 1; i >= 0; i-- {
		out = append(out, *h.ring[i])
	}
	return out
}

// buildTripRecord snapshots a trip log. The log is already a copy, so the
// record shares nothing with live state.
func buildTripRecord(trip store.TripLog, routeID string, reason domain.CompletionReason) domain.TripRecord {
	rec := domain.TripRecord{
		ID:        uuid.NewString(),
		BusID:     trip.BusID,
		RouteID:   routeID,
		StartedAt: trip.StartedAt,
		EndedAt:   trip.LastValidAt,
		Reason:    reason,
		Pings:     trip.Pings,
		Track:     trip.Track,
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		rec.EndedAt = rec.StartedAt
	}

	stats := domain.TripStats{TotalPings: len(trip.Pings) + trip.Truncated}
	devices := make(map[string]struct{})
	for _, p := range trip.Pings {
		devices[p.DeviceID] = struct{}{}
		if p.IsValid {
			stats.ValidPings++
		}
	}
	stats.UniqueDevices = len(devices)

	path := make([]geo.LatLng, len(trip.Track))
	var confSum float64
	for i, tp := range trip.Track {
		path[i] = geo.LatLng{Lat: tp.Lat, Lng: tp.Lng}
		confSum += tp.ConfidenceLevel
		stats.MaxActiveTrackers = max(stats.MaxActiveTrackers, tp.ActiveTrackers)
	}
	stats.DistanceMeters = geo.PathLength(path)
	if len(trip.Track) > 0 {
		stats.AverageConfidence = confSum / float64(len(trip.Track))
	}
	stats.DurationSeconds = rec.EndedAt.Sub(rec.StartedAt).Seconds()

	rec.Stats = stats
	return rec
}
