package domain

import (
	"fmt"
	"time"

	"crowdbus/pkg/geo"
)

// RawPing is one GPS sample submitted by a device for a specific bus.
// It is never modified after the engine accepts it.
type RawPing struct {
	BusID           string    `json:"busId"`
	DeviceID        string    `json:"deviceId"`
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	Accuracy        float64   `json:"accuracy"`
	Speed           *float64  `json:"speed,omitempty"`
	Heading         *float64  `json:"heading,omitempty"`
	ClientTimestamp time.Time `json:"clientTimestamp"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Location returns the ping coordinate.
func (p RawPing) Location() geo.LatLng {
	return geo.LatLng{Lat: p.Lat, Lng: p.Lng}
}

// Validation is the outcome of the per-ping plausibility checks.
type Validation struct {
	IsValid          bool    `json:"isValid"`
	ConfidenceWeight float64 `json:"confidenceWeight"`
	Flags            FlagSet `json:"flags"`
}

// Err describes why a ping was rejected, or nil when it is valid.
func (v Validation) Err() error {
	switch {
	case v.IsValid:
		return nil
	case v.Flags.Has(FlagInvalidCoordinates):
		return fmt.Errorf("%w: coordinates", ErrMalformedInput)
	case v.Flags.Has(FlagOutOfBounds):
		return ErrOutOfBounds
	case v.Flags.Has(FlagOutOfOrder):
		return fmt.Errorf("%w: timestamp not after prior ping", ErrImplausibleMotion)
	case v.Flags.Has(FlagImplausibleSpeed):
		return fmt.Errorf("%w: confidence %.2f", ErrImplausibleMotion, v.ConfidenceWeight)
	default:
		return fmt.Errorf("confidence %.2f below threshold", v.ConfidenceWeight)
	}
}

// ValidatedPing is a RawPing with its validation outcome attached.
type ValidatedPing struct {
	RawPing
	Validation
}
