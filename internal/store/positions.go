package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

const confidenceEpsilon = 0.05

// PositionStore holds the single fused position of each bus, indexed by tile
// for viewport subscriptions.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*domain.FusedPosition
	byTile    map[string]map[string]struct{}
	// last value broadcast per bus; change detection compares against it
	emitted map[string]domain.FusedPosition

	changeMeters float64
}

func NewPositionStore(changeMeters float64) *PositionStore {
	return &PositionStore{
		positions:    make(map[string]*domain.FusedPosition),
		byTile:       make(map[string]map[string]struct{}),
		emitted:      make(map[string]domain.FusedPosition),
		changeMeters: changeMeters,
	}
}

// Update overwrites the position of a bus. It reports whether the change
// against the last broadcast value is material enough to broadcast again.
func (s *PositionStore) Update(p domain.FusedPosition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.positions[p.BusID]
	last, emitted := s.emitted[p.BusID]
	changed := !emitted || s.hasChanged(&last, &p)
	if changed {
		s.emitted[p.BusID] = p
	}

	if exists && existing.TileID != p.TileID {
		s.removeFromTileIndex(p.BusID, existing.TileID)
	}

	stored := p
	s.positions[p.BusID] = &stored
	s.addToTileIndex(p.BusID, p.TileID)

	return changed
}

// MarkStale flips live positions not refreshed since maxAge to stale and
// returns the updates to broadcast.
func (s *PositionStore) MarkStale(now time.Time, maxAge time.Duration) []domain.PositionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	var updates []domain.PositionUpdate

	for _, p := range s.positions {
		if p.Status == domain.StatusStale || p.Status == domain.StatusUnknown {
			continue
		}
		if p.LastUpdated.Before(cutoff) {
			p.Status = domain.StatusStale
			p.ActiveTrackers = 0
			p.TrustedTrackers = 0
			s.emitted[p.BusID] = *p
			updates = append(updates, domain.NewPositionUpdate(*p))
		}
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].BusID < updates[j].BusID })
	return updates
}

// Restore seeds positions from a cache. Entries older than what is already
// held are ignored; restored positions are always stale.
func (s *PositionStore) Restore(positions []domain.FusedPosition) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range positions {
		if p.BusID == "" {
			continue
		}
		if existing, ok := s.positions[p.BusID]; ok && !p.LastUpdated.After(existing.LastUpdated) {
			continue
		}
		if existing, ok := s.positions[p.BusID]; ok {
			s.removeFromTileIndex(p.BusID, existing.TileID)
		}

		stored := p
		stored.Status = domain.StatusStale
		stored.ActiveTrackers = 0
		stored.TrustedTrackers = 0
		s.positions[p.BusID] = &stored
		s.addToTileIndex(p.BusID, p.TileID)
		delete(s.emitted, p.BusID)
		n++
	}
	return n
}

func (s *PositionStore) Get(busID string) (domain.FusedPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[busID]
	if !ok {
		return domain.FusedPosition{}, false
	}
	return *p, true
}

// Snapshot returns copies of all positions sorted by bus ID.
func (s *PositionStore) Snapshot() []domain.FusedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FusedPosition, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, *p)
	}
	sortPositions(result)
	return result
}

// SnapshotFor returns the positions of the given buses and of any bus in the
// given tiles, without duplicates.
func (s *PositionStore) SnapshotFor(busIDs, tileIDs []string) []domain.FusedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []domain.FusedPosition

	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		if p, ok := s.positions[id]; ok {
			seen[id] = struct{}{}
			result = append(result, *p)
		}
	}

	for _, id := range busIDs {
		add(id)
	}
	for _, tileID := range tileIDs {
		for id := range s.byTile[tileID] {
			add(id)
		}
	}
	sortPositions(result)
	return result
}

func (s *PositionStore) Remove(busID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[busID]; ok {
		s.removeFromTileIndex(busID, p.TileID)
		delete(s.positions, busID)
	}
	delete(s.emitted, busID)
}

func (s *PositionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

func (s *PositionStore) addToTileIndex(busID, tileID string) {
	if tileID == "" {
		return
	}
	if s.byTile[tileID] == nil {
		s.byTile[tileID] = make(map[string]struct{})
	}
	s.byTile[tileID][busID] = struct{}{}
}

func (s *PositionStore) removeFromTileIndex(busID, tileID string) {
	if s.byTile[tileID] != nil {
		delete(s.byTile[tileID], busID)
		if len(s.byTile[tileID]) == 0 {
			delete(s.byTile, tileID)
		}
	}
}

func (s *PositionStore) hasChanged(old, new *domain.FusedPosition) bool {
	if old.Status != new.Status || old.ActiveTrackers != new.ActiveTrackers {
		return true
	}
	if math.Abs(old.ConfidenceLevel-new.ConfidenceLevel) > confidenceEpsilon {
		return true
	}
	return geo.Distance(old.Location(), new.Location()) > s.changeMeters
}

func sortPositions(ps []domain.FusedPosition) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].BusID < ps[j].BusID })
}
