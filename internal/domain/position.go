package domain

import (
	"time"

	"crowdbus/pkg/geo"
)

// PositionStatus describes how much a fused position can be relied on.
type PositionStatus string

const (
	StatusActive   PositionStatus = "active"
	StatusDegraded PositionStatus = "degraded"
	StatusStale    PositionStatus = "stale"
	StatusUnknown  PositionStatus = "unknown"
)

// FusedPosition is the single authoritative position of a bus, overwritten
// in place after every fusion.
type FusedPosition struct {
	BusID               string         `json:"busId"`
	Lat                 float64        `json:"lat"`
	Lng                 float64        `json:"lng"`
	ConfidenceLevel     float64        `json:"confidenceLevel"`
	ActiveTrackers      int            `json:"activeTrackers"`
	TrustedTrackers     int            `json:"trustedTrackers"`
	AverageTrustScore   float64        `json:"averageTrustScore"`
	MovementConsistency float64        `json:"movementConsistency"`
	Status              PositionStatus `json:"status"`
	Heading             *float64       `json:"heading,omitempty"`
	SpeedKmh            *float64       `json:"speedKmh,omitempty"`
	TileID              string         `json:"tileId"`
	LastUpdated         time.Time      `json:"lastUpdated"`
}

// Location returns the fused coordinate.
func (p FusedPosition) Location() geo.LatLng {
	return geo.LatLng{Lat: p.Lat, Lng: p.Lng}
}

// PositionUpdate is what the engine emits to broadcasters.
type PositionUpdate struct {
	BusID           string         `json:"busId"`
	Position        geo.LatLng     `json:"position"`
	ConfidenceLevel float64        `json:"confidenceLevel"`
	ActiveTrackers  int            `json:"activeTrackers"`
	Status          PositionStatus `json:"status"`
	TileID          string         `json:"tileId"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewPositionUpdate builds the emit payload for p.
func NewPositionUpdate(p FusedPosition) PositionUpdate {
	return PositionUpdate{
		BusID:           p.BusID,
		Position:        p.Location(),
		ConfidenceLevel: p.ConfidenceLevel,
		ActiveTrackers:  p.ActiveTrackers,
		Status:          p.Status,
		TileID:          p.TileID,
		Timestamp:       p.LastUpdated,
	}
}

// GapSeverity grades how long a bus has gone without live data.
type GapSeverity string

const (
	GapMinor    GapSeverity = "minor"
	GapModerate GapSeverity = "moderate"
	GapSevere   GapSeverity = "severe"
	GapUnknown  GapSeverity = "unknown"
)

// FallbackSource names where a fallback coordinate came from.
type FallbackSource string

const (
	SourceFusedPosition FallbackSource = "fused_position"
	SourceTripRecord    FallbackSource = "trip_record"
	SourceNone          FallbackSource = "none"
)

// FallbackView describes the last known location of a bus that has no live
// contributors. Lat and Lng are nil when nothing was ever recorded.
type FallbackView struct {
	BusID       string         `json:"busId"`
	HasData     bool           `json:"hasData"`
	Lat         *float64       `json:"lat,omitempty"`
	Lng         *float64       `json:"lng,omitempty"`
	Status      PositionStatus `json:"status"`
	AgeSeconds  float64        `json:"ageSeconds"`
	GapSeverity GapSeverity    `json:"gapSeverity"`
	LastUpdated *time.Time     `json:"lastUpdated,omitempty"`
	Source      FallbackSource `json:"source"`
	Message     string         `json:"message,omitempty"`
}

// PositionResult holds exactly one of a live position or a fallback view.
type PositionResult struct {
	Live     *FusedPosition `json:"live,omitempty"`
	Fallback *FallbackView  `json:"fallback,omitempty"`
}

// IsLive reports whether the result carries a live fused position.
func (r PositionResult) IsLive() bool {
	return r.Live != nil
}
