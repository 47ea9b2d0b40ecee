package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFeed(t *testing.T, files map[string]string) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return r
}

func sampleFeed() map[string]string {
	return map[string]string{
		"routes.txt": "\ufeffroute_id,route_short_name,route_long_name,route_type\n" +
			"R12,12,Centrum - Wola,3\n" +
			"R99,99,Other,3\n",
		"trips.txt": "route_id,service_id,trip_id,trip_headsign,shape_id\n" +
			"R12,WD,T1,Wola,S1\n" +
			"R12,WD,T2,Wola,\n" +
			"R99,WD,T9,Nowhere,S9\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"T1,08:10:00,08:10:00,B,2\n" +
			"T1,08:00:00,08:00:30,A,1\n" +
			"T1,08:20:00,08:20:00,C,3\n" +
			"T2,24:50:00,24:51:00,A,1\n" +
			"T2,25:10:00,25:10:00,C,2\n" +
			"T9,09:00:00,09:00:00,Z,1\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"A,Alpha,52.20,21.00\n" +
			"B,Beta,52.23,21.00\n" +
			"C,Gamma,52.26,21.00\n" +
			"Z,Zeta,50.00,20.00\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"S1,52.26,21.00,3\n" +
			"S1,52.20,21.00,1\n" +
			"S1,52.23,21.01,2\n" +
			"S9,50.00,20.00,1\n",
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseKeepsOnlyWantedTrips(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T1", "T2"})
	require.NoError(t, err)

	assert.Len(t, res.Trips, 2)
	assert.NotContains(t, res.Trips, "T9")
	assert.Contains(t, res.Routes, "R12")
	assert.NotContains(t, res.Routes, "R99")
	assert.NotContains(t, res.Stops, "Z")
	assert.NotContains(t, res.Shapes, "S9")
}

func TestResolveTripWithShape(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T1"})
	require.NoError(t, err)

	trip, err := res.ResolveTrip("T1")
	require.NoError(t, err)

	assert.Equal(t, "R12", trip.RouteID)
	assert.Equal(t, "12", trip.Line)
	assert.Equal(t, "Wola", trip.Headsign)
	require.Len(t, trip.Stops, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{trip.Stops[0].ID, trip.Stops[1].ID, trip.Stops[2].ID})
	assert.Equal(t, 8*time.Hour+30*time.Second, trip.ScheduleStart)
	assert.Equal(t, 8*time.Hour+20*time.Minute, trip.ScheduleEnd)

	require.Len(t, trip.Corridor, 3)
	assert.InDelta(t, 52.20, trip.Corridor[0].Lat, 1e-9)
	assert.InDelta(t, 21.01, trip.Corridor[1].Lng, 1e-9)
}

func TestResolveTripPastMidnightWithoutShape(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T2"})
	require.NoError(t, err)

	trip, err := res.ResolveTrip("T2")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour+51*time.Minute, trip.ScheduleStart)
	assert.Equal(t, 25*time.Hour+10*time.Minute, trip.ScheduleEnd)
	require.Len(t, trip.Corridor, 2)
	assert.InDelta(t, 52.26, trip.Corridor[1].Lat, 1e-9)
}

func TestResolveUnknownTrip(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T1"})
	require.NoError(t, err)

	_, err = res.ResolveTrip("nope")
	assert.Error(t, err)
}

func TestParseRejectsBadTimes(t *testing.T) {
	feed := sampleFeed()
	feed["stop_times.txt"] = "trip_id,arrival_time,departure_time,stop_id,stop_sequence\nT1,8h,8h,A,1\n"

	_, err := NewParser(discard()).Parse(buildFeed(t, feed), []string{"T1"})
	assert.Error(t, err)
}

func TestParseRequiresCoreFiles(t *testing.T) {
	feed := sampleFeed()
	delete(feed, "stops.txt")

	_, err := NewParser(discard()).Parse(buildFeed(t, feed), []string{"T1"})
	assert.ErrorContains(t, err, "stops.txt")
}

func TestParseGTFSTime(t *testing.T) {
	for in, want := range map[string]int{"00:00:00": 0, "8:05:09": 8*3600 + 5*60 + 9, "25:10:00": 25*3600 + 600} {
		got, err := parseGTFSTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "08:00", "08:61:00", "aa:00:00", "-1:00:00"} {
		_, err := parseGTFSTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsedCacheRoundTrip(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T1"})
	require.NoError(t, err)

	cache := &ParseCache{Dir: t.TempDir(), Keep: 2}
	fp := DataFingerprint([]byte("feed"), []string{"T1"})
	path, err := cache.Save(fp, res)
	require.NoError(t, err)
	assert.Equal(t, cache.Dir, filepath.Dir(path))

	loaded, err := cache.Load(fp)
	require.NoError(t, err)
	trip, err := loaded.ResolveTrip("T1")
	require.NoError(t, err)
	assert.Len(t, trip.Stops, 3)

	_, err = cache.Load(DataFingerprint([]byte("other"), nil))
	assert.Error(t, err)
}

func TestParseCachePrune(t *testing.T) {
	res, err := NewParser(discard()).Parse(buildFeed(t, sampleFeed()), []string{"T1"})
	require.NoError(t, err)

	cache := &ParseCache{Dir: t.TempDir(), Keep: 2}
	base := time.Now().Add(-time.Hour)
	var fps []string
	for i := range 4 {
		fp := DataFingerprint([]byte{byte(i)}, nil)
		path, err := cache.Save(fp, res)
		require.NoError(t, err)
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
		fps = append(fps, fp)
	}
	require.NoError(t, os.WriteFile(filepath.Join(cache.Dir, "unrelated.txt"), []byte("x"), 0o644))

	removed, err := cache.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for i, fp := range fps {
		_, err := cache.Load(fp)
		if i < 2 {
			assert.Error(t, err, "entry %d should be pruned", i)
		} else {
			assert.NoError(t, err, "entry %d should survive", i)
		}
	}
	assert.FileExists(t, filepath.Join(cache.Dir, "unrelated.txt"))
}

func TestDataFingerprintDependsOnTrips(t *testing.T) {
	data := []byte("feed")
	assert.Equal(t, DataFingerprint(data, []string{"a", "b"}), DataFingerprint(data, []string{"b", "a"}))
	assert.NotEqual(t, DataFingerprint(data, []string{"a"}), DataFingerprint(data, []string{"a", "b"}))
	assert.NotEqual(t, DataFingerprint(data, nil), DataFingerprint([]byte("other"), nil))
}

func feedBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range sampleFeed() {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDownloaderConditionalGet(t *testing.T) {
	data := feedBytes(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(data)
	}))
	defer srv.Close()

	d := NewDownloader(srv.URL, discard())

	reader, got, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NotEmpty(t, reader.File)

	_, _, err = d.Download(context.Background())
	assert.ErrorIs(t, err, ErrNotModified)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloaderDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := NewDownloader(srv.URL, discard()).Download(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}
