package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetYAML = `
timezone: Europe/Warsaw
buses:
  - id: bus-12
    routeId: r12
    line: "12"
    schedule:
      start: "07:30"
      end: "25:10"
    stops:
      - {id: s1, name: Depot, lat: 52.20, lng: 21.00}
      - {id: s2, name: Center, lat: 52.23, lng: 21.01}
      - {id: s3, name: Terminus, lat: 52.25, lng: 21.03}
    corridor:
      - {lat: 52.20, lng: 21.00}
      - {lat: 52.25, lng: 21.03}
  - id: bus-7
    gtfsTripId: trip-7-am
    terminusRadiusMeters: 120
`

func TestParseFleet(t *testing.T) {
	fleet, err := ParseFleet([]byte(fleetYAML))
	require.NoError(t, err)
	require.Len(t, fleet.Buses, 2)

	assert.Equal(t, "Europe/Warsaw", fleet.Location().String())

	defaults := Tracking{StopRadiusMeters: 60, TerminusRadiusMeters: 80}
	r := fleet.Route(fleet.Buses[0], defaults)
	assert.Equal(t, "bus-12", r.BusID)
	assert.Len(t, r.Stops, 3)
	assert.Len(t, r.Corridor, 2)
	assert.Equal(t, 7*time.Hour+30*time.Minute, r.ScheduleStart)
	assert.Equal(t, 25*time.Hour+10*time.Minute, r.ScheduleEnd)
	assert.Equal(t, 60.0, r.StopRadiusMeters)
	assert.Equal(t, 80.0, r.TerminusRadiusMeters)

	assert.Equal(t, "trip-7-am", fleet.Buses[1].GTFSTripID)
}

func TestParseFleetRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "buses:\n  - stops: [{id: a, lat: 1, lng: 1}, {id: b, lat: 2, lng: 2}]\n"},
		{"no route source", "buses:\n  - id: b1\n"},
		{"single stop", "buses:\n  - id: b1\n    stops: [{id: a, lat: 1, lng: 1}]\n"},
		{"bad latitude", "buses:\n  - id: b1\n    stops: [{id: a, lat: 100, lng: 1}, {id: b, lat: 2, lng: 2}]\n"},
		{"duplicate", "buses:\n  - id: b1\n    gtfsTripId: t\n  - id: b1\n    gtfsTripId: u\n"},
		{"bad schedule", "buses:\n  - id: b1\n    gtfsTripId: t\n    schedule: {start: \"09:00\", end: \"08:00\"}\n"},
		{"bad timezone", "timezone: Mars/Olympus\nbuses: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFleet([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("08:15")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour+15*time.Minute, d)

	d, err = ParseClock("24:00:30")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour+30*time.Second, d)

	for _, bad := range []string{"", "8", "08:61", "aa:bb", "1:2:3:4"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}
