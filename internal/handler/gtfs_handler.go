package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"crowdbus/internal/engine"
	"crowdbus/pkg/gtfsrt"
)

// GTFSHandler exposes fused positions in GTFS terms: a GTFS-Realtime
// VehiclePositions feed and the route context of each bus.
type GTFSHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewGTFSHandler(e *engine.Engine, logger *slog.Logger) *GTFSHandler {
	return &GTFSHandler{
		engine: e,
		logger: logger.With("handler", "gtfs"),
	}
}

func (h *GTFSHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/gtfs-rt/vehicle-positions", h.VehiclePositions)
	mux.HandleFunc("GET /v1/buses/{id}/route", h.GetRoute)
}

// VehiclePositions serves the feed as protobuf, or protojson with
// ?format=json.
func (h *GTFSHandler) VehiclePositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	positions := h.engine.LivePositions()

	var latest time.Time
	vehicles := make([]gtfsrt.Vehicle, 0, len(positions))
	for _, p := range positions {
		v := gtfsrt.Vehicle{
			ID:        p.BusID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			Bearing:   p.Heading,
			SpeedKmh:  p.SpeedKmh,
			Timestamp: p.LastUpdated,
		}
		if route, ok := h.engine.Route(p.BusID); ok {
			v.RouteID = route.RouteID
			v.TripID = route.TripID
			v.Label = route.Line
		}
		vehicles = append(vehicles, v)
		if p.LastUpdated.After(latest) {
			latest = p.LastUpdated
		}
	}

	etag := fmt.Sprintf(`"%x-%d"`, latest.UnixNano(), len(vehicles))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	feed := gtfsrt.Build(vehicles, time.Now())

	var (
		body        []byte
		err         error
		contentType string
	)
	if r.URL.Query().Get("format") == "json" {
		body, err = gtfsrt.MarshalJSON(feed)
		contentType = "application/json"
	} else {
		body, err = gtfsrt.Marshal(feed)
		contentType = "application/x-protobuf"
	}
	if err != nil {
		h.logger.Error("feed encoding failed", "error", err)
		respondError(w, http.StatusInternalServerError, "feed encoding failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	h.logger.Debug("vehicle positions served",
		"vehicles", len(vehicles),
		"format", contentType,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// GetRoute serves the route context of a bus.
func (h *GTFSHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("id")
	route, ok := h.engine.Route(busID)
	if !ok {
		respondError(w, http.StatusNotFound, "route not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, http.StatusOK, route)
}
