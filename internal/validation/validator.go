// Package validation scores raw GPS pings for plausibility before they reach
// fusion. Validate is pure: it reads the ping, the device's prior ping and
// the bus route, and touches no shared state.
package validation

import (
	"math"
	"time"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

const (
	speedPenalty    = 0.3
	offRoutePenalty = 0.7
	stalePenalty    = 0.8
	minAccuracyMult = 0.1
)

type Validator struct {
	cfg config.Validation
}

func New(cfg config.Validation) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the plausibility checks in order, each one scaling a running
// confidence weight that starts at 1. Malformed coordinates, positions
// outside the service area and out-of-order timestamps reject outright.
// Implausible speed keeps its scaled weight but never yields a valid ping.
func (v *Validator) Validate(ping domain.RawPing, prior *domain.RawPing, route *domain.BusRoute, now time.Time) domain.Validation {
	var flags domain.FlagSet
	loc := ping.Location()

	if !loc.Valid() {
		return reject(flags, domain.FlagInvalidCoordinates)
	}
	if !v.cfg.ServiceArea.IsZero() && !v.cfg.ServiceArea.Contains(loc) {
		return reject(flags, domain.FlagOutOfBounds)
	}

	weight := 1.0

	if ping.Accuracy > v.cfg.MaxAccuracyMeters {
		weight *= clamp(v.cfg.MaxAccuracyMeters/ping.Accuracy, minAccuracyMult, 1)
		flags = flags.Add(domain.FlagLowAccuracy)
	}

	if prior != nil {
		dt := ping.ClientTimestamp.Sub(prior.ClientTimestamp)
		if dt <= 0 {
			return reject(flags, domain.FlagOutOfOrder)
		}
		if impliedSpeedKmh(prior.Location(), loc, dt) > v.cfg.MaxPlausibleSpeedKmh {
			weight *= speedPenalty
			flags = flags.Add(domain.FlagImplausibleSpeed)
		}
	} else if ping.Speed != nil && *ping.Speed > v.cfg.MaxPlausibleSpeedKmh {
		weight *= speedPenalty
		flags = flags.Add(domain.FlagImplausibleSpeed)
	}

	if d, ok := routeDistance(loc, route); ok && d > v.cfg.CorridorMeters {
		weight *= offRoutePenalty
		flags = flags.Add(domain.FlagOffRoute)
	}

	if skew := now.Sub(ping.ClientTimestamp); skew > v.cfg.StaleWindow || -skew > v.cfg.StaleWindow {
		weight *= stalePenalty
		flags = flags.Add(domain.FlagStaleTimestamp)
	}

	weight = clamp(weight, 0, 1)
	valid := weight >= v.cfg.RejectionThreshold
	if !valid {
		flags = flags.Add(domain.FlagBelowThreshold)
	}
	if flags.Has(domain.FlagImplausibleSpeed) {
		valid = false
	}

	return domain.Validation{IsValid: valid, ConfidenceWeight: weight, Flags: flags}
}

func reject(flags domain.FlagSet, f domain.Flag) domain.Validation {
	return domain.Validation{IsValid: false, ConfidenceWeight: 0, Flags: flags.Add(f)}
}

func impliedSpeedKmh(from, to geo.LatLng, dt time.Duration) float64 {
	return geo.Distance(from, to) / dt.Seconds() * 3.6
}

// routeDistance is the distance from p to the closest stop or path
// segment. ok is false when the route carries no geometry.
func routeDistance(p geo.LatLng, route *domain.BusRoute) (float64, bool) {
	if route == nil || (len(route.Stops) == 0 && len(route.Corridor) == 0) {
		return 0, false
	}

	stops := route.StopLocations()
	line := route.Corridor
	if len(line) == 0 {
		// Without a corridor the stop sequence stands in for the path.
		line = stops
	}
	best := geo.DistanceToPolyline(p, line)
	if _, d := geo.NearestPoint(p, stops); d < best {
		best = d
	}
	return best, true
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
