package engine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/store"
	"crowdbus/internal/trust"
	"crowdbus/pkg/geo"
)

var t0 = time.Date(2026, 5, 4, 8, 40, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		TileZoomLevel: 14,
		Validation: config.Validation{
			ServiceArea:          geo.BoundingBox{MinLat: 52.0, MaxLat: 52.5, MinLng: 20.7, MaxLng: 21.4},
			MaxAccuracyMeters:    50,
			MaxPlausibleSpeedKmh: 120,
			CorridorMeters:       300,
			StaleWindow:          time.Minute,
			RejectionThreshold:   0.3,
		},
		Trust: config.Trust{
			Smoothing: 0.1, Baseline: 0.5, Floor: 0.1, TrustedThreshold: 0.7,
			MinContributions: 10, DecayWindow: 24 * time.Hour, DecayHalfLife: 72 * time.Hour,
		},
		Fusion: config.Fusion{
			MaxPingAge: 2 * time.Minute, OutlierK: 2, MinCutoffMeters: 25, OutlierCapMeters: 200,
			AgreementRadius: 50, MinContributors: 2, MinTotalWeight: 0.5, LowTrustThreshold: 0.4,
			ChangeMeters: 5,
		},
		Tracking: config.Tracking{
			SessionInactivity: 5 * time.Minute, SessionRetention: 6 * time.Hour,
			TripInactivityTimeout: 30 * time.Minute, ScheduleGrace: 5 * time.Minute,
			StopRadiusMeters: 60, TerminusRadiusMeters: 80, MaxTripPings: 1000,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *clock) {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	routes := store.NewRouteStore()
	routes.Set(&domain.BusRoute{
		BusID:   "bus-12",
		RouteID: "r12",
		Stops: []domain.Stop{
			{ID: "a", Lat: 52.200, Lng: 21.000},
			{ID: "b", Lat: 52.230, Lng: 21.000},
			{ID: "c", Lat: 52.260, Lng: 21.000},
		},
		Corridor:             []geo.LatLng{{Lat: 52.200, Lng: 21.000}, {Lat: 52.260, Lng: 21.000}},
		ScheduleStart:        8 * time.Hour,
		ScheduleEnd:          9 * time.Hour,
		StopRadiusMeters:     60,
		TerminusRadiusMeters: 80,
	})
	routes.Set(&domain.BusRoute{BusID: "bus-7"})

	c := &clock{now: t0}
	e := New(cfg, trust.NewStore(cfg.Trust, logger), routes, logger, WithClock(c.Now))
	return e, c
}

func raw(dev string, lat, lng float64, at time.Time) domain.RawPing {
	return domain.RawPing{
		BusID: "bus-12", DeviceID: dev, Lat: lat, Lng: lng, Accuracy: 8,
		ClientTimestamp: at,
	}
}

func TestSubmitRecordsPingAndSession(t *testing.T) {
	e, c := newTestEngine(t)

	res, err := e.Submit(raw("d1", 52.215, 21.0, c.Now()))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.NotNil(t, res.Session)
	assert.Equal(t, int64(1), res.Session.ValidLocations)

	s, ok := e.GetSessionStatus("d1", "bus-12")
	require.True(t, ok)
	assert.True(t, s.IsActive)

	// Same timestamp again is out of order against the prior ping.
	res, err = e.Submit(raw("d1", 52.215, 21.0, c.Now()))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Flags.Has(domain.FlagOutOfOrder))

	s, _ = e.GetSessionStatus("d1", "bus-12")
	assert.Equal(t, int64(2), s.LocationsContributed)
	assert.Equal(t, int64(1), s.ValidLocations)

	// The rejected ping counted against the device.
	assert.Less(t, e.Trust().TrustScore("d1", c.Now()), 0.5)
}

func TestSubmitRejectsMalformedAndUnknownBus(t *testing.T) {
	e, c := newTestEngine(t)

	_, err := e.Submit(raw("", 52.2, 21.0, c.Now()))
	assert.True(t, errors.Is(err, domain.ErrMalformedInput))

	p := raw("d1", 52.2, 21.0, c.Now())
	p.BusID = "bus-404"
	_, err = e.Submit(p)
	assert.True(t, errors.Is(err, domain.ErrUnknownBus))

	_, ok := e.GetSessionStatus("d1", "bus-404")
	assert.False(t, ok)
	assert.Equal(t, int64(2), e.Stats().PingsRejected)
}

func TestSubmitBatch(t *testing.T) {
	e, c := newTestEngine(t)
	now := c.Now()

	batch := []domain.RawPing{
		raw("d1", 52.215, 21.0, now),
		raw("d2", 52.2151, 21.0, now),
		raw("d3", 52.2152, 21.0, now),
		raw("", 52.2, 21.0, now),
		raw("d4", 50.0, 19.9, now),
	}

	res := e.SubmitBatch(batch)
	assert.Equal(t, BatchResult{Processed: 5, Valid: 3, Invalid: 1, Rejected: 1}, res)
}

func TestFuseAllEmitsAndFeedsTrust(t *testing.T) {
	e, c := newTestEngine(t)
	now := c.Now()

	e.SubmitBatch([]domain.RawPing{
		raw("d1", 52.21500, 21.00000, now),
		raw("d2", 52.21503, 21.00003, now),
		raw("d3", 52.21497, 21.00002, now),
	})

	c.Advance(time.Second)
	report := e.FuseAll()
	assert.Equal(t, 1, report.Fused)
	require.Len(t, report.Updates, 1)
	assert.Equal(t, "bus-12", report.Updates[0].BusID)
	assert.Equal(t, 3, report.Updates[0].ActiveTrackers)

	res := e.GetCurrentPosition("bus-12")
	require.True(t, res.IsLive())
	assert.InDelta(t, 52.215, res.Live.Lat, 1e-4)

	// Every device agreed with the result.
	for _, d := range []string{"d1", "d2", "d3"} {
		assert.InDelta(t, 0.55, e.Trust().TrustScore(d, c.Now()), 1e-9)
	}

	// Nothing new: no second round of trust updates.
	c.Advance(3 * time.Second)
	report = e.FuseAll()
	assert.Zero(t, report.Fused)
	assert.InDelta(t, 0.55, e.Trust().TrustScore("d1", c.Now()), 1e-9)
}

func TestPositionGoesStaleWithoutPings(t *testing.T) {
	e, c := newTestEngine(t)
	now := c.Now()
	e.SubmitBatch([]domain.RawPing{raw("d1", 52.215, 21.0, now), raw("d2", 52.2151, 21.0, now)})
	e.FuseAll()

	c.Advance(3 * time.Minute)
	report := e.FuseAll()
	require.Len(t, report.Updates, 1)
	assert.Equal(t, domain.StatusStale, report.Updates[0].Status)

	res := e.GetCurrentPosition("bus-12")
	require.False(t, res.IsLive())
	assert.True(t, res.Fallback.HasData)
	assert.Equal(t, domain.GapModerate, res.Fallback.GapSeverity)
	assert.Equal(t, domain.SourceFusedPosition, res.Fallback.Source)
}

func TestNeverSeenBusFallsBackToUnknown(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.GetCurrentPosition("bus-7")
	require.False(t, res.IsLive())
	require.NotNil(t, res.Fallback)
	assert.False(t, res.Fallback.HasData)
	assert.Equal(t, domain.GapUnknown, res.Fallback.GapSeverity)
	assert.Nil(t, res.Fallback.Lat)
	assert.Nil(t, res.Fallback.Lng)
}

func TestScheduleElapsedCompletesTrip(t *testing.T) {
	e, c := newTestEngine(t)

	// Riders report until 08:50 on a trip scheduled 08:00-09:00.
	for i := 0; i < 5; i++ {
		now := c.Now()
		e.SubmitBatch([]domain.RawPing{
			raw("d1", 52.205+float64(i)*0.001, 21.0, now),
			raw("d2", 52.2051+float64(i)*0.001, 21.0, now),
		})
		e.FuseAll()
		c.Advance(2 * time.Minute)
	}
	_, _, err := e.StartSession("d3", "bus-12")
	require.NoError(t, err)

	// 09:10, ten minutes past schedule end with no pings.
	c.now = time.Date(2026, 5, 4, 9, 10, 0, 0, time.UTC)
	res := e.CheckCompletion("bus-12")
	require.True(t, res.Completed)
	assert.Equal(t, domain.ReasonScheduleElapsed, res.Reason)

	report := e.Sweep()
	require.Len(t, report.Completed, 1)
	trip := report.Completed[0]
	assert.Equal(t, domain.ReasonScheduleElapsed, trip.Reason)
	assert.Equal(t, "r12", trip.RouteID)
	assert.Equal(t, 10, trip.Stats.TotalPings)
	assert.Equal(t, 2, trip.Stats.UniqueDevices)
	assert.Len(t, trip.Track, 5)
	assert.Greater(t, trip.Stats.DistanceMeters, 400.0)

	for _, dev := range []string{"d1", "d2", "d3"} {
		s, ok := e.GetSessionStatus(dev, "bus-12")
		require.True(t, ok)
		assert.False(t, s.IsActive, dev)
	}
	s, _ := e.GetSessionStatus("d3", "bus-12")
	assert.Equal(t, domain.SessionTripCompleted, s.EndReason)

	// Short-term state is gone and the bus cannot complete again.
	assert.False(t, e.CheckCompletion("bus-12").Completed)
	assert.Empty(t, e.Sweep().Completed)
	assert.Len(t, e.RecentTrips(), 1)
	assert.Equal(t, int64(1), e.Stats().TripsCompleted)
}

func TestSessionLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)

	s1, created, err := e.StartSession("d1", "bus-12")
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := e.StartSession("d1", "bus-12")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.SessionID, s2.SessionID)

	_, _, err = e.StartSession("d1", "bus-404")
	assert.True(t, errors.Is(err, domain.ErrUnknownBus))

	stopped, err := e.StopSession("d1", "bus-12")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, stopped.EndReason)

	_, err = e.StopSession("d1", "bus-12")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestSweepExpiresInactiveSessions(t *testing.T) {
	e, c := newTestEngine(t)
	_, err := e.Submit(raw("d1", 52.215, 21.0, c.Now()))
	require.NoError(t, err)

	c.Advance(6 * time.Minute)
	report := e.Sweep()
	require.Len(t, report.Expired, 1)
	assert.Equal(t, domain.SessionInactive, report.Expired[0].EndReason)
}

func TestOvernightInvalidPingDoesNotAnchorTrip(t *testing.T) {
	e, c := newTestEngine(t)

	// A stray out-of-area ping the evening before.
	c.now = time.Date(2026, 5, 3, 23, 0, 0, 0, time.UTC)
	res, err := e.Submit(raw("d9", 60.0, 21.0, c.Now()))
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	// Riders board at 08:05 for the 08:00-09:00 trip.
	c.now = time.Date(2026, 5, 4, 8, 5, 0, 0, time.UTC)
	e.SubmitBatch([]domain.RawPing{
		raw("d1", 52.205, 21.0, c.Now()),
		raw("d2", 52.2051, 21.0, c.Now()),
	})
	c.Advance(time.Second)
	e.FuseAll()

	assert.False(t, e.CheckCompletion("bus-12").Completed)
	assert.Empty(t, e.Sweep().Completed)

	s, ok := e.GetSessionStatus("d1", "bus-12")
	require.True(t, ok)
	assert.True(t, s.IsActive)
	assert.True(t, e.GetCurrentPosition("bus-12").IsLive())
}

func TestStatsSplitAcceptedFromFlagged(t *testing.T) {
	e, c := newTestEngine(t)
	now := c.Now()

	e.SubmitBatch([]domain.RawPing{
		raw("d1", 52.215, 21.0, now),
		raw("d2", 52.2151, 21.0, now),
		raw("d3", 50.0, 19.9, now),
		raw("", 52.2, 21.0, now),
	})
	_, _, err := e.StartSession("d4", "bus-7")
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, int64(2), st.PingsAccepted)
	assert.Equal(t, int64(1), st.PingsFlagged)
	assert.Equal(t, int64(1), st.PingsRejected)
	assert.Equal(t, 2, st.BusesWithRiders)

	_, err = e.StopSession("d4", "bus-7")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stats().BusesWithRiders)
}
