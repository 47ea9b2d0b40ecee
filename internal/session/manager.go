// Package session tracks which device is riding which bus. Each (device, bus)
// pair moves NONE -> ACTIVE -> ENDED; a device holds at most one ACTIVE
// session at a time.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crowdbus/internal/domain"
)

type pairKey struct {
	device string
	bus    string
}

type Manager struct {
	mu       sync.Mutex
	sessions map[pairKey]*domain.TrackingSession
	active   map[string]pairKey
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[pairKey]*domain.TrackingSession),
		active:   make(map[string]pairKey),
	}
}

// Start opens a session for device on bus. Starting an already ACTIVE
// session returns it unchanged with created=false. An ACTIVE session on a
// different bus is ended first and returned as ended.
func (m *Manager) Start(deviceID, busID string, now time.Time) (s domain.TrackingSession, created bool, ended *domain.TrackingSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.active[deviceID]; ok {
		existing := m.sessions[cur]
		if cur.bus == busID {
			return *existing, false, nil
		}
		m.end(existing, now, domain.SessionSwitchedBus)
		prev := *existing
		ended = &prev
	}

	return *m.open(deviceID, busID, now), true, ended
}

// RecordPing counts a ping against the device's session on bus, opening one
// if none is active.
func (m *Manager) RecordPing(deviceID, busID string, valid bool, now time.Time) (s domain.TrackingSession, ended *domain.TrackingSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sess *domain.TrackingSession
	if cur, ok := m.active[deviceID]; ok {
		sess = m.sessions[cur]
		if cur.bus != busID {
			m.end(sess, now, domain.SessionSwitchedBus)
			prev := *sess
			ended = &prev
			sess = nil
		}
	}
	if sess == nil {
		sess = m.open(deviceID, busID, now)
	}

	sess.LocationsContributed++
	if valid {
		sess.ValidLocations++
	}
	if now.After(sess.LastPingAt) {
		sess.LastPingAt = now
	}
	return *sess, ended
}

// Stop ends the device's ACTIVE session on bus.
func (m *Manager) Stop(deviceID, busID string, now time.Time) (domain.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.active[deviceID]
	if !ok || cur.bus != busID {
		return domain.TrackingSession{}, fmt.Errorf("stop %s on %s: %w", deviceID, busID, domain.ErrSessionNotFound)
	}
	sess := m.sessions[cur]
	m.end(sess, now, domain.SessionStopped)
	return *sess, nil
}

// ExpireInactive ends ACTIVE sessions with no ping within window.
func (m *Manager) ExpireInactive(now time.Time, window time.Duration) []domain.TrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	var expired []domain.TrackingSession
	for _, key := range m.activeKeys() {
		sess := m.sessions[key]
		if sess.LastPingAt.Before(cutoff) {
			m.end(sess, now, domain.SessionInactive)
			expired = append(expired, *sess)
		}
	}
	return expired
}

// EndAllForBus ends every ACTIVE session on bus with reason.
func (m *Manager) EndAllForBus(busID string, now time.Time, reason domain.SessionEndReason) []domain.TrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []domain.TrackingSession
	for _, key := range m.activeKeys() {
		if key.bus != busID {
			continue
		}
		sess := m.sessions[key]
		m.end(sess, now, reason)
		ended = append(ended, *sess)
	}
	return ended
}

// ActiveForBus returns copies of the ACTIVE sessions on bus.
func (m *Manager) ActiveForBus(busID string) []domain.TrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.TrackingSession
	for _, key := range m.activeKeys() {
		if key.bus == busID {
			out = append(out, *m.sessions[key])
		}
	}
	return out
}

// Get returns the latest session for the pair, active or ended.
func (m *Manager) Get(deviceID, busID string) (domain.TrackingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairKey{deviceID, busID}]
	if !ok {
		return domain.TrackingSession{}, false
	}
	return *sess, true
}

// PruneEnded forgets sessions that ended before cutoff.
func (m *Manager) PruneEnded(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, sess := range m.sessions {
		if !sess.IsActive && sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			delete(m.sessions, key)
			n++
		}
	}
	return n
}

// Counts returns the number of active and retained sessions.
func (m *Manager) Counts() (active, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), len(m.sessions)
}

func (m *Manager) open(deviceID, busID string, now time.Time) *domain.TrackingSession {
	key := pairKey{deviceID, busID}
	sess := &domain.TrackingSession{
		SessionID:  uuid.NewString(),
		DeviceID:   deviceID,
		BusID:      busID,
		StartedAt:  now,
		IsActive:   true,
		LastPingAt: now,
	}
	m.sessions[key] = sess
	m.active[deviceID] = key
	return sess
}

func (m *Manager) end(sess *domain.TrackingSession, now time.Time, reason domain.SessionEndReason) {
	endedAt := now
	sess.IsActive = false
	sess.EndedAt = &endedAt
	sess.EndReason = reason
	delete(m.active, sess.DeviceID)
}

// activeKeys returns active pairs in a stable order.
func (m *Manager) activeKeys() []pairKey {
	keys := make([]pairKey, 0, len(m.active))
	for _, k := range m.active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bus != keys[j].bus {
			return keys[i].bus < keys[j].bus
		}
		return keys[i].device < keys[j].device
	})
	return keys
}
