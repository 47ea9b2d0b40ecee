package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"crowdbus/internal/domain"
)

// ParseResult holds the part of a GTFS feed needed to build route context
// for the requested trips. Stop times are only kept for those trips.
type ParseResult struct {
	Routes        map[string]*domain.Route
	Shapes        map[string]*domain.Shape
	Stops         map[string]*domain.Stop
	Trips         map[string]*TripInfo
	TripStopTimes map[string][]domain.TripStopTime
}

type TripInfo struct {
	RouteID  string
	ShapeID  string
	Headsign string
}

type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "gtfs_parser"),
	}
}

// Parse reads the archive, keeping only the trips in wanted together with
// the routes, shapes and stops they reference.
func (p *Parser) Parse(reader *zip.Reader, wanted []string) (*ParseResult, error) {
	totalStart := time.Now()
	p.logger.Info("starting GTFS parsing", "wanted_trips", len(wanted))

	want := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		want[id] = struct{}{}
	}

	result := &ParseResult{
		Routes:        make(map[string]*domain.Route),
		Shapes:        make(map[string]*domain.Shape),
		Stops:         make(map[string]*domain.Stop),
		Trips:         make(map[string]*TripInfo),
		TripStopTimes: make(map[string][]domain.TripStopTime),
	}

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	// trips first: it decides which routes, shapes and stops are needed.
	steps := []struct {
		name string
		fn   func(*zip.File, *ParseResult, map[string]struct{}) error
	}{
		{"trips.txt", p.parseTrips},
		{"stop_times.txt", p.parseStopTimes},
		{"routes.txt", p.parseRoutes},
		{"shapes.txt", p.parseShapes},
		{"stops.txt", p.parseStops},
	}

	for _, step := range steps {
		file, ok := fileMap[step.name]
		if !ok {
			if step.name == "shapes.txt" {
				continue
			}
			return nil, fmt.Errorf("missing %s", step.name)
		}
		start := time.Now()
		if err := step.fn(file, result, want); err != nil {
			return nil, fmt.Errorf("parse %s: %w", step.name, err)
		}
		p.logger.Debug("parsed file", "name", step.name, "duration_ms", time.Since(start).Milliseconds())
	}

	p.logger.Info("GTFS parsing completed",
		"total_duration_ms", time.Since(totalStart).Milliseconds(),
		"trips", len(result.Trips),
		"routes", len(result.Routes),
		"shapes", len(result.Shapes),
		"stops", len(result.Stops),
	)

	return result, nil
}

func (p *Parser) parseTrips(file *zip.File, result *ParseResult, want map[string]struct{}) error {
	return eachRecord(file, func(rec record) error {
		tripID := rec.get("trip_id")
		if _, ok := want[tripID]; !ok {
			return nil
		}
		result.Trips[tripID] = &TripInfo{
			RouteID:  rec.get("route_id"),
			ShapeID:  rec.get("shape_id"),
			Headsign: rec.get("trip_headsign"),
		}
		return nil
	})
}

func (p *Parser) parseStopTimes(file *zip.File, result *ParseResult, _ map[string]struct{}) error {
	err := eachRecord(file, func(rec record) error {
		tripID := rec.get("trip_id")
		if _, ok := result.Trips[tripID]; !ok {
			return nil
		}

		arrival, err := parseGTFSTime(rec.get("arrival_time"))
		if err != nil {
			return fmt.Errorf("trip %s: %w", tripID, err)
		}
		departure, err := parseGTFSTime(rec.get("departure_time"))
		if err != nil {
			return fmt.Errorf("trip %s: %w", tripID, err)
		}
		seq, _ := strconv.Atoi(rec.get("stop_sequence"))

		result.TripStopTimes[tripID] = append(result.TripStopTimes[tripID], domain.TripStopTime{
			StopID:           rec.get("stop_id"),
			StopSequence:     seq,
			ArrivalSeconds:   arrival,
			DepartureSeconds: departure,
		})
		return nil
	})
	if err != nil {
		return err
	}

	for _, sts := range result.TripStopTimes {
		sort.Slice(sts, func(i, j int) bool { return sts[i].StopSequence < sts[j].StopSequence })
	}
	return nil
}

func (p *Parser) parseRoutes(file *zip.File, result *ParseResult, _ map[string]struct{}) error {
	needed := make(map[string]struct{})
	for _, t := range result.Trips {
		needed[t.RouteID] = struct{}{}
	}

	return eachRecord(file, func(rec record) error {
		id := rec.get("route_id")
		if _, ok := needed[id]; !ok {
			return nil
		}
		routeType := int(domain.RouteTypeBus)
		if v := rec.get("route_type"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				routeType = parsed
			}
		}
		result.Routes[id] = &domain.Route{
			ID:        id,
			ShortName: rec.get("route_short_name"),
			LongName:  rec.get("route_long_name"),
			Type:      domain.RouteType(routeType),
		}
		return nil
	})
}

func (p *Parser) parseShapes(file *zip.File, result *ParseResult, _ map[string]struct{}) error {
	needed := make(map[string]struct{})
	for _, t := range result.Trips {
		if t.ShapeID != "" {
			needed[t.ShapeID] = struct{}{}
		}
	}
	if len(needed) == 0 {
		return nil
	}

	points := make(map[string][]domain.ShapePoint)
	err := eachRecord(file, func(rec record) error {
		shapeID := rec.get("shape_id")
		if _, ok := needed[shapeID]; !ok {
			return nil
		}
		lat, _ := strconv.ParseFloat(rec.get("shape_pt_lat"), 64)
		lon, _ := strconv.ParseFloat(rec.get("shape_pt_lon"), 64)
		seq, _ := strconv.Atoi(rec.get("shape_pt_sequence"))
		points[shapeID] = append(points[shapeID], domain.ShapePoint{Lat: lat, Lon: lon, Sequence: seq})
		return nil
	})
	if err != nil {
		return err
	}

	for shapeID, pts := range points {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Sequence < pts[j].Sequence })
		result.Shapes[shapeID] = &domain.Shape{ID: shapeID, Points: pts}
	}
	return nil
}

func (p *Parser) parseStops(file *zip.File, result *ParseResult, _ map[string]struct{}) error {
	needed := make(map[string]struct{})
	for _, sts := range result.TripStopTimes {
		for _, st := range sts {
			needed[st.StopID] = struct{}{}
		}
	}

	return eachRecord(file, func(rec record) error {
		id := rec.get("stop_id")
		if _, ok := needed[id]; !ok {
			return nil
		}
		lat, _ := strconv.ParseFloat(rec.get("stop_lat"), 64)
		lng, _ := strconv.ParseFloat(rec.get("stop_lon"), 64)
		result.Stops[id] = &domain.Stop{ID: id, Name: rec.get("stop_name"), Lat: lat, Lng: lng}
		return nil
	})
}

type record struct {
	fields []string
	idx    map[string]int
}

func (r record) get(field string) string {
	if i, ok := r.idx[field]; ok && i < len(r.fields) {
		return strings.TrimSpace(r.fields[i])
	}
	return ""
}

func eachRecord(file *zip.File, fn func(record) error) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.ReuseRecord = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return err
	}
	idx := makeIndex(header)

	for {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record{fields: fields, idx: idx}); err != nil {
			return err
		}
	}
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		// Some feeds start with a UTF-8 BOM.
		idx[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	return idx
}

// parseGTFSTime converts "H:MM:SS" to seconds since service-day midnight.
// Hours may exceed 23.
func parseGTFSTime(v string) (int, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid GTFS time %q", v)
	}
	var n [3]int
	for i, part := range parts {
		x, err := strconv.Atoi(part)
		if err != nil || x < 0 {
			return 0, fmt.Errorf("invalid GTFS time %q", v)
		}
		n[i] = x
	}
	if n[1] > 59 || n[2] > 59 {
		return 0, fmt.Errorf("invalid GTFS time %q", v)
	}
	return n[0]*3600 + n[1]*60 + n[2], nil
}
