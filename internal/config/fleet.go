package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"crowdbus/internal/domain"
	"crowdbus/pkg/geo"
)

// Fleet is the YAML description of the buses the service tracks.
type Fleet struct {
	Timezone string     `yaml:"timezone" validate:"omitempty,timezone"`
	Buses    []FleetBus `yaml:"buses" validate:"dive"`
}

// FleetBus declares one bus. Its route comes either from inline stops or
// from a GTFS trip resolved at runtime.
type FleetBus struct {
	ID                   string       `yaml:"id" validate:"required"`
	RouteID              string       `yaml:"routeId"`
	Line                 string       `yaml:"line"`
	GTFSTripID           string       `yaml:"gtfsTripId" validate:"required_without=Stops"`
	Schedule             Schedule     `yaml:"schedule"`
	StopRadiusMeters     float64      `yaml:"stopRadiusMeters" validate:"gte=0"`
	TerminusRadiusMeters float64      `yaml:"terminusRadiusMeters" validate:"gte=0"`
	Stops                []FleetStop  `yaml:"stops" validate:"omitempty,min=2,dive"`
	Corridor             []geo.LatLng `yaml:"corridor"`
}

// FleetStop is an inline stop definition.
type FleetStop struct {
	ID   string  `yaml:"id" validate:"required"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

// Schedule is a daily window in "HH:MM[:SS]" form; hours may exceed 23 for
// trips that run past midnight, as in GTFS.
type Schedule struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LoadFleet reads and validates the fleet file at path.
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return ParseFleet(data)
}

// ParseFleet decodes and validates fleet YAML.
func ParseFleet(data []byte) (*Fleet, error) {
	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("decode fleet: %w", err)
	}

	v := validator.New()
	if err := v.Struct(fleet); err != nil {
		return nil, fmt.Errorf("validate fleet: %w", err)
	}

	seen := make(map[string]struct{}, len(fleet.Buses))
	for _, b := range fleet.Buses {
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("validate fleet: duplicate bus id %q", b.ID)
		}
		seen[b.ID] = struct{}{}

		if _, _, err := b.Schedule.Offsets(); err != nil {
			return nil, fmt.Errorf("validate fleet: bus %s: %w", b.ID, err)
		}
	}

	return &fleet, nil
}

// Location resolves the fleet timezone, defaulting to UTC.
func (f *Fleet) Location() *time.Location {
	if f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Route builds the route context for a bus with inline stops. Radii left at
// zero fall back to the tracking defaults.
func (f *Fleet) Route(b FleetBus, defaults Tracking) *domain.BusRoute {
	start, end, _ := b.Schedule.Offsets()

	stops := make([]domain.Stop, len(b.Stops))
	for i, s := range b.Stops {
		stops[i] = domain.Stop{ID: s.ID, Name: s.Name, Lat: s.Lat, Lng: s.Lng}
	}

	corridor := make([]geo.LatLng, len(b.Corridor))
	copy(corridor, b.Corridor)

	r := &domain.BusRoute{
		BusID:                b.ID,
		RouteID:              b.RouteID,
		Line:                 b.Line,
		TripID:               b.GTFSTripID,
		Stops:                stops,
		Corridor:             corridor,
		ScheduleStart:        start,
		ScheduleEnd:          end,
		Location:             f.Location(),
		StopRadiusMeters:     b.StopRadiusMeters,
		TerminusRadiusMeters: b.TerminusRadiusMeters,
	}
	if r.StopRadiusMeters == 0 {
		r.StopRadiusMeters = defaults.StopRadiusMeters
	}
	if r.TerminusRadiusMeters == 0 {
		r.TerminusRadiusMeters = defaults.TerminusRadiusMeters
	}
	return r
}

// Offsets converts the window to durations since midnight. An empty
// schedule yields zero offsets.
func (s Schedule) Offsets() (start, end time.Duration, err error) {
	if s.Start == "" && s.End == "" {
		return 0, 0, nil
	}
	if start, err = ParseClock(s.Start); err != nil {
		return 0, 0, fmt.Errorf("schedule start: %w", err)
	}
	if end, err = ParseClock(s.End); err != nil {
		return 0, 0, fmt.Errorf("schedule end: %w", err)
	}
	if end <= start {
		return 0, 0, fmt.Errorf("schedule end %s is not after start %s", s.End, s.Start)
	}
	return start, end, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into a duration since midnight.
func ParseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}

	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid clock %q", v)
		}
		fields[i] = n
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}

	return time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second, nil
}
