package archive

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "trips.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func trip(id, bus string, ended time.Time) domain.TripRecord {
	return domain.TripRecord{
		ID:        id,
		BusID:     bus,
		RouteID:   "r-" + bus,
		StartedAt: ended.Add(-30 * time.Minute),
		EndedAt:   ended,
		Reason:    domain.ReasonReachedTerminus,
		Pings: []domain.ValidatedPing{{
			RawPing:    domain.RawPing{BusID: bus, DeviceID: "d1", Lat: 52.2, Lng: 21.0, ClientTimestamp: ended},
			Validation: domain.Validation{IsValid: true, ConfidenceWeight: 1},
		}},
		Track: []domain.TrackPoint{{Lat: 52.2, Lng: 21.0, ConfidenceLevel: 0.8, ActiveTrackers: 2, Timestamp: ended}},
		Stats: domain.TripStats{TotalPings: 1, ValidPings: 1, UniqueDevices: 1},
	}
}

func TestArchiveAndLatestTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Archive(ctx, trip("a", "b1", t0)))
	require.NoError(t, s.Archive(ctx, trip("b", "b1", t0.Add(90*time.Minute+500*time.Millisecond))))
	require.NoError(t, s.Archive(ctx, trip("c", "b2", t0.Add(3*time.Hour))))

	got, ok := s.LatestTrip("b1")
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, "r-b1", got.RouteID)
	assert.Equal(t, domain.ReasonReachedTerminus, got.Reason)
	assert.True(t, got.EndedAt.Equal(t0.Add(90*time.Minute+500*time.Millisecond)))
	require.Len(t, got.Track, 1)
	assert.InDelta(t, 0.8, got.Track[0].ConfidenceLevel, 1e-9)
	require.Len(t, got.Pings, 1)
	assert.Equal(t, "d1", got.Pings[0].DeviceID)
	assert.True(t, got.Pings[0].IsValid)
	assert.Equal(t, 1, got.Stats.ValidPings)

	_, ok = s.LatestTrip("missing")
	assert.False(t, ok)
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := trip("same", "b1", time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	require.NoError(t, s.Archive(ctx, rec))
	require.NoError(t, s.Archive(ctx, rec))

	trips, err := s.Trips(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}

func TestTripsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.Archive(ctx, trip(id, "b1", t0.Add(time.Duration(i)*time.Hour))))
	}

	trips, err := s.Trips(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "t3", trips[0].ID)
	assert.Equal(t, "t2", trips[1].ID)
}
