package fusion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixedTrust map[string]float64

func (f fixedTrust) TrustScore(id string, _ time.Time) float64 {
	if v, ok := f[id]; ok {
		return v
	}
	return 0.5
}

func (f fixedTrust) IsTrusted(id string, _ time.Time) bool {
	return f[id] >= 0.7
}

func testConfig() config.Fusion {
	return config.Fusion{
		MaxPingAge:        2 * time.Minute,
		OutlierK:          2,
		MinCutoffMeters:   25,
		OutlierCapMeters:  200,
		SuppressionFactor: 0,
		AgreementRadius:   50,
		MinContributors:   2,
		MinTotalWeight:    0.5,
		LowTrustThreshold: 0.4,
		ChangeMeters:      5,
	}
}

func p(dev string, lat, lng float64, age time.Duration) domain.ValidatedPing {
	at := now.Add(-age)
	return domain.ValidatedPing{
		RawPing: domain.RawPing{
			BusID: "bus-1", DeviceID: dev, Lat: lat, Lng: lng, Accuracy: 5,
			ClientTimestamp: at, ServerTimestamp: at,
		},
		Validation: domain.Validation{IsValid: true, ConfidenceWeight: 1},
	}
}

// offset moves a point by north/east meters.
func offset(base geo.LatLng, north, east float64) (float64, float64) {
	const m = 111320.0
	lat := base.Lat + north/m
	lng := base.Lng + east/(m*0.6129) // cos(52.2 deg)
	return lat, lng
}

var base = geo.LatLng{Lat: 52.2297, Lng: 21.0122}

func TestEqualWeightsGiveArithmeticMean(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.8, "b": 0.8, "c": 0.8, "d": 0.8}, 14)

	pts := [][2]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	var pings []domain.ValidatedPing
	var sumLat, sumLng float64
	for i, o := range pts {
		lat, lng := offset(base, o[0], o[1])
		sumLat += lat
		sumLng += lng
		pings = append(pings, p(string(rune('a'+i)), lat, lng, 0))
	}

	res, err := e.Fuse("bus-1", pings, now)
	require.NoError(t, err)
	assert.InDelta(t, sumLat/4, res.Position.Lat, 1e-12)
	assert.InDelta(t, sumLng/4, res.Position.Lng, 1e-12)
	assert.Empty(t, res.Suppressed)
}

func TestSuppressedPingMatchesOmission(t *testing.T) {
	trust := fixedTrust{"a": 0.9, "b": 0.8, "c": 0.7, "x": 0.6}
	e := NewEngine(testConfig(), trust, 14)

	var nearby []domain.ValidatedPing
	for i, o := range [][2]float64{{0, 0}, {8, 3}, {-4, 6}} {
		lat, lng := offset(base, o[0], o[1])
		nearby = append(nearby, p(string(rune('a'+i)), lat, lng, 0))
	}
	farLat, farLng := offset(base, 900, 0)
	withOutlier := append(append([]domain.ValidatedPing(nil), nearby...), p("x", farLat, farLng, 0))

	without, err := e.Fuse("bus-1", nearby, now)
	require.NoError(t, err)
	with, err := e.Fuse("bus-1", withOutlier, now)
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, with.Suppressed)
	assert.Less(t, geo.Distance(with.Position.Location(), without.Position.Location()), 1e-6)
	assert.Zero(t, with.Agreements["x"])
	assert.Equal(t, without.Position.ActiveTrackers, with.Position.ActiveTrackers)
}

func TestTriangleScenario(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.9, "b": 0.9, "c": 0.9}, 14)

	var pings []domain.ValidatedPing
	for i, o := range [][2]float64{{0, 0}, {0, 5}, {4.33, 2.5}} {
		lat, lng := offset(base, o[0], o[1])
		pings = append(pings, p(string(rune('a'+i)), lat, lng, 0))
	}

	res, err := e.Fuse("bus-1", pings, now)
	require.NoError(t, err)
	assert.Greater(t, res.Position.ConfidenceLevel, 0.8)
	assert.Equal(t, domain.StatusActive, res.Position.Status)
	assert.Equal(t, 3, res.Position.ActiveTrackers)
	assert.Equal(t, 3, res.Position.TrustedTrackers)
	for _, a := range res.Agreements {
		assert.Equal(t, 1.0, a)
	}
}

func TestLowTrustOutlierScenario(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.9, "b": 0.9, "x": 0.2}, 14)

	a1Lat, a1Lng := offset(base, 0, 0)
	a2Lat, a2Lng := offset(base, 4, 0)
	bLat, bLng := offset(base, 500, 0)
	pings := []domain.ValidatedPing{
		p("a", a1Lat, a1Lng, 0),
		p("b", a2Lat, a2Lng, 0),
		p("x", bLat, bLng, 0),
	}

	res, err := e.Fuse("bus-1", pings, now)
	require.NoError(t, err)

	clusterCenter := geo.LatLng{Lat: (a1Lat + a2Lat) / 2, Lng: (a1Lng + a2Lng) / 2}
	midpoint := geo.LatLng{Lat: (clusterCenter.Lat + bLat) / 2, Lng: (clusterCenter.Lng + bLng) / 2}
	assert.Less(t, geo.Distance(res.Position.Location(), clusterCenter), 10.0)
	assert.Greater(t, geo.Distance(res.Position.Location(), midpoint), 200.0)
	assert.Zero(t, res.Agreements["x"])
	assert.Equal(t, 1.0, res.Agreements["a"])
}

func TestNoContributors(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{}, 14)

	_, err := e.Fuse("bus-1", nil, now)
	assert.True(t, errors.Is(err, domain.ErrNoContributors))

	invalid := p("a", base.Lat, base.Lng, 0)
	invalid.IsValid = false
	expired := p("b", base.Lat, base.Lng, 3*time.Minute)

	_, err = e.Fuse("bus-1", []domain.ValidatedPing{invalid, expired}, now)
	assert.True(t, errors.Is(err, domain.ErrNoContributors))
}

func TestRecencyWeighting(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"fresh": 0.8, "old": 0.8}, 14)

	fLat, fLng := offset(base, 0, 0)
	oLat, oLng := offset(base, 20, 0)
	res, err := e.Fuse("bus-1", []domain.ValidatedPing{
		p("fresh", fLat, fLng, 5*time.Second),
		p("old", oLat, oLng, 90*time.Second),
	}, now)
	require.NoError(t, err)

	// Weights 115:30 pull the centroid toward the fresh ping.
	assert.Less(t, geo.Distance(res.Position.Location(), geo.LatLng{Lat: fLat, Lng: fLng}), 5.0)
}

func TestLatestPingPerDevice(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.8}, 14)

	oldLat, oldLng := offset(base, 100, 0)
	res, err := e.Fuse("bus-1", []domain.ValidatedPing{
		p("a", oldLat, oldLng, 20*time.Second),
		p("a", base.Lat, base.Lng, time.Second),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Position.ActiveTrackers)
	assert.InDelta(t, base.Lat, res.Position.Lat, 1e-12)
}

func TestSingleContributorIsDegraded(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.95}, 14)

	res, err := e.Fuse("bus-1", []domain.ValidatedPing{p("a", base.Lat, base.Lng, 0)}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDegraded, res.Position.Status)
	assert.Equal(t, 0.5, res.Agreements["a"])
	assert.Equal(t, geo.TileID(base, 14), res.Position.TileID)
}

func TestLowTrustPairIsDegraded(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.3, "b": 0.3}, 14)

	lat, lng := offset(base, 3, 3)
	res, err := e.Fuse("bus-1", []domain.ValidatedPing{p("a", base.Lat, base.Lng, 0), p("b", lat, lng, 0)}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDegraded, res.Position.Status)
	assert.Zero(t, res.Position.TrustedTrackers)
}

func TestConfidenceMonotonic(t *testing.T) {
	build := func(trust float64, spreadMeters float64) float64 {
		e := NewEngine(testConfig(), fixedTrust{"a": trust, "b": trust, "c": trust}, 14)
		var pings []domain.ValidatedPing
		for i, o := range [][2]float64{{0, 0}, {spreadMeters, 0}, {0, spreadMeters}} {
			lat, lng := offset(base, o[0], o[1])
			pings = append(pings, p(string(rune('a'+i)), lat, lng, 0))
		}
		res, err := e.Fuse("bus-1", pings, now)
		require.NoError(t, err)
		return res.Position.ConfidenceLevel
	}

	assert.Greater(t, build(0.9, 5), build(0.6, 5))
	assert.Greater(t, build(0.8, 5), build(0.8, 20))
}

func TestMovementConsistency(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.8, "b": 0.8}, 14)
	heading := func(v float64) *float64 { return &v }

	agree := []domain.ValidatedPing{p("a", base.Lat, base.Lng, 0), p("b", base.Lat, base.Lng, 0)}
	agree[0].Heading, agree[0].Speed = heading(90), heading(30)
	agree[1].Heading, agree[1].Speed = heading(92), heading(31)

	res, err := e.Fuse("bus-1", agree, now)
	require.NoError(t, err)
	assert.Greater(t, res.Position.MovementConsistency, 0.95)
	require.NotNil(t, res.Position.Heading)
	assert.InDelta(t, 91, *res.Position.Heading, 0.1)
	require.NotNil(t, res.Position.SpeedKmh)
	assert.InDelta(t, 30.5, *res.Position.SpeedKmh, 1e-9)

	disagree := []domain.ValidatedPing{p("a", base.Lat, base.Lng, 0), p("b", base.Lat, base.Lng, 0)}
	disagree[0].Heading, disagree[0].Speed = heading(0), heading(5)
	disagree[1].Heading, disagree[1].Speed = heading(180), heading(60)

	res, err = e.Fuse("bus-1", disagree, now)
	require.NoError(t, err)
	assert.Less(t, res.Position.MovementConsistency, 0.3)
}

func TestTrustedNeverExceedsActive(t *testing.T) {
	trust := fixedTrust{"a": 0.9, "b": 0.95, "c": 0.2, "d": 0.75}
	e := NewEngine(testConfig(), trust, 14)

	var pings []domain.ValidatedPing
	for i, o := range [][2]float64{{0, 0}, {3, 1}, {700, 0}, {-2, 2}} {
		lat, lng := offset(base, o[0], o[1])
		pings = append(pings, p(string(rune('a'+i)), lat, lng, 0))
	}

	res, err := e.Fuse("bus-1", pings, now)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Position.TrustedTrackers, res.Position.ActiveTrackers)
	assert.Equal(t, 3, res.Position.ActiveTrackers)
}

func TestDeterministicOrder(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.7, "b": 0.8, "c": 0.9}, 14)

	var pings []domain.ValidatedPing
	for i, o := range [][2]float64{{0, 0}, {7, 3}, {2, 9}} {
		lat, lng := offset(base, o[0], o[1])
		pings = append(pings, p(string(rune('a'+i)), lat, lng, time.Duration(i)*time.Second))
	}
	reversed := []domain.ValidatedPing{pings[2], pings[1], pings[0]}

	r1, err := e.Fuse("bus-1", pings, now)
	require.NoError(t, err)
	r2, err := e.Fuse("bus-1", reversed, now)
	require.NoError(t, err)
	assert.Equal(t, r1.Position, r2.Position)
}

func TestAllSuppressedKeepsFirstCentroid(t *testing.T) {
	e := NewEngine(testConfig(), fixedTrust{"a": 0.8, "b": 0.8}, 14)

	lat, lng := offset(base, 1000, 0)
	res, err := e.Fuse("bus-1", []domain.ValidatedPing{p("a", base.Lat, base.Lng, 0), p("b", lat, lng, 0)}, now)
	require.NoError(t, err)
	assert.Empty(t, res.Suppressed)
	assert.InDelta(t, (base.Lat+lat)/2, res.Position.Lat, 1e-12)
	assert.Equal(t, 2, res.Position.ActiveTrackers)
}
