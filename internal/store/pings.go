package store

import (
	"sort"
	"sync"
	"time"

	"crowdbus/internal/domain"
)

// TripLog is everything recorded for a bus since its last completed trip.
// StartedAt is the first valid ping; invalid pings never anchor a trip.
type TripLog struct {
	BusID       string
	StartedAt   time.Time
	LastValidAt time.Time
	Pings       []domain.ValidatedPing
	Track       []domain.TrackPoint
	Truncated   int
}

// HasActivity reports whether the trip saw at least one valid ping.
func (l TripLog) HasActivity() bool {
	return !l.LastValidAt.IsZero()
}

// Pending names a bus with valid pings not yet fused and the devices that
// sent them.
type Pending struct {
	BusID   string
	Devices []string
}

type busPings struct {
	live     []domain.ValidatedPing
	trip     TripLog
	fresh    map[string]struct{}
	lastSeen time.Time
}

// PingStore holds short-term ping state: the live fusion window and trip log
// per bus, and the last accepted ping per device for motion checks.
type PingStore struct {
	mu     sync.RWMutex
	buses  map[string]*busPings
	priors map[string]domain.RawPing

	maxAge   time.Duration
	maxTrip  int
	priorTTL time.Duration
	idleTTL  time.Duration
}

// NewPingStore keeps valid pings for maxAge in the live window and device
// priors for priorTTL. Buses that never produced a valid ping are forgotten
// idleTTL after their last ping.
func NewPingStore(maxAge time.Duration, maxTripPings int, priorTTL, idleTTL time.Duration) *PingStore {
	return &PingStore{
		buses:    make(map[string]*busPings),
		priors:   make(map[string]domain.RawPing),
		maxAge:   maxAge,
		maxTrip:  maxTripPings,
		priorTTL: priorTTL,
		idleTTL:  idleTTL,
	}
}

// Prior returns the last valid ping recorded for a device.
func (s *PingStore) Prior(deviceID string) (domain.RawPing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.priors[deviceID]
	return p, ok
}

// Add records a validated ping. Every ping goes to the trip log; only valid
// ones enter the live window and become the device's prior.
func (s *PingStore) Add(p domain.ValidatedPing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bus(p.BusID)
	if p.ServerTimestamp.After(b.lastSeen) {
		b.lastSeen = p.ServerTimestamp
	}

	b.trip.Pings = append(b.trip.Pings, p)
	if s.maxTrip > 0 && len(b.trip.Pings) > s.maxTrip {
		drop := len(b.trip.Pings) - s.maxTrip
		b.trip.Pings = append(b.trip.Pings[:0:0], b.trip.Pings[drop:]...)
		b.trip.Truncated += drop
	}

	if !p.IsValid {
		return
	}

	b.live = append(b.live, p)
	if b.fresh == nil {
		b.fresh = make(map[string]struct{})
	}
	b.fresh[p.DeviceID] = struct{}{}
	if !b.trip.HasActivity() || p.ServerTimestamp.Before(b.trip.StartedAt) {
		b.trip.StartedAt = p.ServerTimestamp
	}
	if p.ServerTimestamp.After(b.trip.LastValidAt) {
		b.trip.LastValidAt = p.ServerTimestamp
	}
	s.priors[p.DeviceID] = p.RawPing
}

// Live returns copies of the valid pings for a bus received within the
// fusion window ending at now.
func (s *PingStore) Live(busID string, now time.Time) []domain.ValidatedPing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buses[busID]
	if !ok {
		return nil
	}

	cutoff := now.Add(-s.maxAge)
	out := make([]domain.ValidatedPing, 0, len(b.live))
	for _, p := range b.live {
		if p.ServerTimestamp.After(cutoff) && !p.ServerTimestamp.After(now) {
			out = append(out, p)
		}
	}
	return out
}

// TakePending returns the buses that received valid pings since the last
// call, sorted by bus ID, and clears their pending marks.
func (s *PingStore) TakePending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pending
	for id, b := range s.buses {
		if len(b.fresh) == 0 {
			continue
		}
		devices := make([]string, 0, len(b.fresh))
		for d := range b.fresh {
			devices = append(devices, d)
		}
		sort.Strings(devices)
		out = append(out, Pending{BusID: id, Devices: devices})
		b.fresh = nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// AppendTrack adds a fused sample to the bus trip log.
func (s *PingStore) AppendTrack(busID string, tp domain.TrackPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bus(busID)
	b.trip.Track = append(b.trip.Track, tp)
}

// Trip returns a copy of the trip log for a bus.
func (s *PingStore) Trip(busID string) (TripLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buses[busID]
	if !ok {
		return TripLog{}, false
	}

	log := b.trip
	log.Pings = append([]domain.ValidatedPing(nil), b.trip.Pings...)
	log.Track = append([]domain.TrackPoint(nil), b.trip.Track...)
	return log, true
}

// Buses returns every bus with recorded state, sorted.
func (s *PingStore) Buses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.buses))
	for id := range s.buses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearBus drops all short-term state for a bus. Device priors are kept.
func (s *PingStore) ClearBus(busID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buses, busID)
}

// Prune drops live pings that fell out of the fusion window, device priors
// older than the prior TTL and buses that saw only invalid pings for longer
// than the idle TTL. It returns how many pings were dropped.
func (s *PingStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.maxAge)
	idleCutoff := now.Add(-s.idleTTL)
	dropped := 0
	for id, b := range s.buses {
		if !b.trip.HasActivity() && len(b.live) == 0 && s.idleTTL > 0 && b.lastSeen.Before(idleCutoff) {
			dropped += len(b.trip.Pings)
			delete(s.buses, id)
			continue
		}
		kept := b.live[:0]
		for _, p := range b.live {
			if p.ServerTimestamp.After(cutoff) {
				kept = append(kept, p)
			}
		}
		dropped += len(b.live) - len(kept)
		clear(b.live[len(kept):])
		b.live = kept
	}

	priorCutoff := now.Add(-s.priorTTL)
	for id, p := range s.priors {
		if p.ServerTimestamp.Before(priorCutoff) {
			delete(s.priors, id)
		}
	}
	return dropped
}

// Counts reports live pings and tracked devices for stats.
func (s *PingStore) Counts() (livePings, devices int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buses {
		livePings += len(b.live)
	}
	return livePings, len(s.priors)
}

func (s *PingStore) bus(busID string) *busPings {
	b, ok := s.buses[busID]
	if !ok {
		b = &busPings{trip: TripLog{BusID: busID}}
		s.buses[busID] = b
	}
	return b
}
