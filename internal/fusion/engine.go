// Package fusion turns the validated pings of one bus into a single fused
// position. Fuse is deterministic and has no side effects; the caller feeds
// the returned per-device agreement back into the trust store.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

const (
	trustWeight       = 0.5
	dispersionWeight  = 0.35
	consistencyWeight = 0.15

	dispersionScale  = 50.0 // meters at which the dispersion score halves
	minSpeedScale    = 5.0  // km/h floor when normalizing speed spread
	agreementFalloff = 4.0  // agreement reaches zero at this multiple of the radius
	neutralAgreement = 0.5
)

// TrustSource provides per-device trust as seen at a given time.
type TrustSource interface {
	TrustScore(deviceID string, now time.Time) float64
	IsTrusted(deviceID string, now time.Time) bool
}

// Result is a fused position plus the feedback each device earned.
type Result struct {
	Position    domain.FusedPosition
	Agreements  map[string]float64
	Suppressed  []string
	TotalWeight float64
}

type Engine struct {
	cfg      config.Fusion
	trust    TrustSource
	tileZoom int
}

func NewEngine(cfg config.Fusion, trust TrustSource, tileZoom int) *Engine {
	return &Engine{cfg: cfg, trust: trust, tileZoom: tileZoom}
}

type contribution struct {
	deviceID   string
	loc        geo.LatLng
	trust      float64
	trusted    bool
	weight     float64
	suppressed bool
	speed      *float64
	heading    *float64
}

// Fuse computes the position of busID from pings as of now. Each device
// contributes its most recent valid ping. It returns domain.ErrNoContributors
// when no ping carries any weight.
func (e *Engine) Fuse(busID string, pings []domain.ValidatedPing, now time.Time) (Result, error) {
	contribs := e.weigh(pings, now)
	if len(contribs) == 0 {
		return Result{}, fmt.Errorf("fuse %s: %w", busID, domain.ErrNoContributors)
	}

	first := centroid(contribs)
	spread := dispersion(contribs, first)
	cutoff := clamp(e.cfg.OutlierK*spread, e.cfg.MinCutoffMeters, e.cfg.OutlierCapMeters)

	suppressedAny := false
	keptAny := false
	for i := range contribs {
		if geo.Distance(contribs[i].loc, first) > cutoff {
			contribs[i].suppressed = true
			suppressedAny = true
		} else {
			keptAny = true
		}
	}

	center := first
	if suppressedAny && keptAny {
		for i := range contribs {
			if contribs[i].suppressed {
				contribs[i].weight *= e.cfg.SuppressionFactor
			}
		}
		center = centroid(contribs)
	} else {
		// Everyone would be suppressed; the first centroid stands.
		for i := range contribs {
			contribs[i].suppressed = false
		}
	}

	finalSpread := dispersion(contribs, center)

	var (
		active, trusted    int
		trustSum, maxTrust float64
		totalWeight        float64
		suppressedIDs      []string
	)
	for _, c := range contribs {
		if c.suppressed {
			suppressedIDs = append(suppressedIDs, c.deviceID)
		}
		totalWeight += c.weight
		if c.suppressed || c.weight <= 0 {
			continue
		}
		active++
		trustSum += c.trust
		maxTrust = math.Max(maxTrust, c.trust)
		if c.trusted {
			trusted++
		}
	}

	avgTrust := 0.0
	if active > 0 {
		avgTrust = trustSum / float64(active)
	}
	consistency := movementConsistency(contribs)
	countFactor := 1 - 0.4*math.Pow(0.5, float64(max(active, 1)-1))
	confidence := countFactor * (trustWeight*avgTrust +
		dispersionWeight/(1+finalSpread/dispersionScale) +
		consistencyWeight*consistency)

	status := domain.StatusDegraded
	if active >= e.cfg.MinContributors && totalWeight >= e.cfg.MinTotalWeight && maxTrust >= e.cfg.LowTrustThreshold {
		status = domain.StatusActive
	}

	pos := domain.FusedPosition{
		BusID:               busID,
		Lat:                 center.Lat,
		Lng:                 center.Lng,
		ConfidenceLevel:     clamp(confidence, 0, 1),
		ActiveTrackers:      active,
		TrustedTrackers:     trusted,
		AverageTrustScore:   avgTrust,
		MovementConsistency: consistency,
		Status:              status,
		TileID:              geo.TileID(center, e.tileZoom),
		LastUpdated:         now,
	}
	pos.Heading, pos.SpeedKmh = meanMotion(contribs)

	return Result{
		Position:    pos,
		Agreements:  e.agreements(contribs, center),
		Suppressed:  suppressedIDs,
		TotalWeight: totalWeight,
	}, nil
}

// weigh keeps the latest valid ping per device and assigns
// w = trust x confidence x recency. Zero-weight contributions are dropped.
func (e *Engine) weigh(pings []domain.ValidatedPing, now time.Time) []contribution {
	latest := make(map[string]domain.ValidatedPing)
	for _, p := range pings {
		if !p.IsValid {
			continue
		}
		if cur, ok := latest[p.DeviceID]; !ok || p.ServerTimestamp.After(cur.ServerTimestamp) {
			latest[p.DeviceID] = p
		}
	}

	out := make([]contribution, 0, len(latest))
	for id, p := range latest {
		trust := e.trust.TrustScore(id, now)
		w := trust * p.ConfidenceWeight * e.recency(now.Sub(p.ServerTimestamp))
		if w <= 0 || math.IsNaN(w) {
			continue
		}
		out = append(out, contribution{
			deviceID: id,
			loc:      p.Location(),
			trust:    trust,
			trusted:  e.trust.IsTrusted(id, now),
			weight:   w,
			speed:    p.Speed,
			heading:  p.Heading,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].deviceID < out[j].deviceID })
	return out
}

// recency falls linearly from 1 at age zero to 0 at MaxPingAge.
func (e *Engine) recency(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return clamp(1-age.Seconds()/e.cfg.MaxPingAge.Seconds(), 0, 1)
}

// agreements scores each device by its distance to the fused center: full
// agreement within the radius, falling to zero at four times the radius.
// Suppressed devices score zero. A lone contributor has nothing to agree
// with and scores neutral.
func (e *Engine) agreements(contribs []contribution, center geo.LatLng) map[string]float64 {
	out := make(map[string]float64, len(contribs))
	if len(contribs) < 2 {
		for _, c := range contribs {
			out[c.deviceID] = neutralAgreement
		}
		return out
	}

	r := e.cfg.AgreementRadius
	for _, c := range contribs {
		if c.suppressed {
			out[c.deviceID] = 0
			continue
		}
		d := geo.Distance(c.loc, center)
		out[c.deviceID] = clamp(1-(d-r)/(r*(agreementFalloff-1)), 0, 1)
	}
	return out
}

func centroid(contribs []contribution) geo.LatLng {
	lats := make([]float64, len(contribs))
	lngs := make([]float64, len(contribs))
	ws := make([]float64, len(contribs))
	for i, c := range contribs {
		lats[i], lngs[i], ws[i] = c.loc.Lat, c.loc.Lng, c.weight
	}
	return geo.LatLng{Lat: stat.Mean(lats, ws), Lng: stat.Mean(lngs, ws)}
}

// dispersion is the weighted RMS distance to center in meters.
func dispersion(contribs []contribution, center geo.LatLng) float64 {
	sq := make([]float64, 0, len(contribs))
	ws := make([]float64, 0, len(contribs))
	for _, c := range contribs {
		if c.weight <= 0 {
			continue
		}
		d := geo.Distance(c.loc, center)
		sq = append(sq, d*d)
		ws = append(ws, c.weight)
	}
	if len(sq) == 0 {
		return 0
	}
	return math.Sqrt(stat.Mean(sq, ws))
}

// movementConsistency averages heading agreement (weighted resultant length)
// with speed agreement (one minus normalized spread). Either term with fewer
// than two samples counts as fully consistent.
func movementConsistency(contribs []contribution) float64 {
	var sinSum, cosSum, headingWeight float64
	var speeds, speedWeights []float64
	headings := 0

	for _, c := range contribs {
		if c.suppressed || c.weight <= 0 {
			continue
		}
		if c.heading != nil {
			rad := *c.heading * math.Pi / 180
			sinSum += c.weight * math.Sin(rad)
			cosSum += c.weight * math.Cos(rad)
			headingWeight += c.weight
			headings++
		}
		if c.speed != nil {
			speeds = append(speeds, *c.speed)
			speedWeights = append(speedWeights, c.weight)
		}
	}

	headingScore := 1.0
	if headings >= 2 && headingWeight > 0 {
		headingScore = math.Hypot(sinSum, cosSum) / headingWeight
	}

	speedScore := 1.0
	if len(speeds) >= 2 {
		mean, std := stat.PopMeanStdDev(speeds, speedWeights)
		speedScore = 1 - math.Min(1, std/math.Max(mean, minSpeedScale))
	}

	return clamp((headingScore+speedScore)/2, 0, 1)
}

// meanMotion returns the weighted circular mean heading and weighted mean
// speed of the kept contributors, or nil when none reported them.
func meanMotion(contribs []contribution) (heading, speed *float64) {
	var sinSum, cosSum float64
	var speeds, speedWeights []float64
	hasHeading := false

	for _, c := range contribs {
		if c.suppressed || c.weight <= 0 {
			continue
		}
		if c.heading != nil {
			rad := *c.heading * math.Pi / 180
			sinSum += c.weight * math.Sin(rad)
			cosSum += c.weight * math.Cos(rad)
			hasHeading = true
		}
		if c.speed != nil {
			speeds = append(speeds, *c.speed)
			speedWeights = append(speedWeights, c.weight)
		}
	}

	if hasHeading && (sinSum != 0 || cosSum != 0) {
		h := geo.NormalizeHeading(math.Atan2(sinSum, cosSum) * 180 / math.Pi)
		heading = &h
	}
	if len(speeds) > 0 {
		s := stat.Mean(speeds, speedWeights)
		speed = &s
	}
	return heading, speed
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
