package store

import (
	"sort"
	"sync"
	"time"

	"crowdbus/internal/domain"
)

// RouteStore maps each tracked bus to its route context. Routes are treated
// as immutable once stored; refreshes replace them wholesale.
type RouteStore struct {
	mu     sync.RWMutex
	routes map[string]*domain.BusRoute

	lastUpdate time.Time
}

func NewRouteStore() *RouteStore {
	return &RouteStore{routes: make(map[string]*domain.BusRoute)}
}

// Set stores or replaces the route of one bus.
func (s *RouteStore) Set(r *domain.BusRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.BusID] = r
	s.lastUpdate = time.Now()
}

// UpdateAll replaces the routes of the given buses, leaving others in place.
func (s *RouteStore) UpdateAll(routes []*domain.BusRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range routes {
		s.routes[r.BusID] = r
	}
	s.lastUpdate = time.Now()
}

// Get returns the route of a bus. The result must not be modified.
func (s *RouteStore) Get(busID string) (*domain.BusRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[busID]
	return r, ok
}

// Known reports whether the bus is part of the fleet.
func (s *RouteStore) Known(busID string) bool {
	_, ok := s.Get(busID)
	return ok
}

// BusIDs returns all known buses, sorted.
func (s *RouteStore) BusIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.routes))
	for id := range s.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *RouteStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

func (s *RouteStore) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
