package domain

import "time"

// SessionEndReason records why a tracking session left the ACTIVE state.
type SessionEndReason string

const (
	SessionStopped       SessionEndReason = "stopped"
	SessionInactive      SessionEndReason = "inactive"
	SessionSwitchedBus   SessionEndReason = "switched_bus"
	SessionTripCompleted SessionEndReason = "trip_completed"
)

// TrackingSession tracks one device riding one bus.
type TrackingSession struct {
	SessionID            string           `json:"sessionId"`
	DeviceID             string           `json:"deviceId"`
	BusID                string           `json:"busId"`
	StartedAt            time.Time        `json:"startedAt"`
	EndedAt              *time.Time       `json:"endedAt,omitempty"`
	IsActive             bool             `json:"isActive"`
	LocationsContributed int64            `json:"locationsContributed"`
	ValidLocations       int64            `json:"validLocations"`
	LastPingAt           time.Time        `json:"lastPingAt"`
	EndReason            SessionEndReason `json:"endReason,omitempty"`
}
