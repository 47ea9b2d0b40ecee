package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdbus/internal/domain"
	"crowdbus/internal/engine"
	"crowdbus/internal/metrics"
	"crowdbus/internal/validation"
	"crowdbus/pkg/geo"
)

const (
	maxPingBody  = 16 << 10
	maxBatchBody = 1 << 20
	maxBatchSize = 500
)

// TripLister serves archived trips of a bus.
type TripLister interface {
	Trips(ctx context.Context, busID string, limit int) ([]domain.TripRecord, error)
}

type HTTPHandler struct {
	engine  *engine.Engine
	hasher  *validation.DeviceHasher
	trips   TripLister
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHTTPHandler(e *engine.Engine, hasher *validation.DeviceHasher, trips TripLister, m *metrics.Metrics, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:  e,
		hasher:  hasher,
		trips:   trips,
		metrics: m,
		logger:  logger.With("component", "http"),
	}
}

// Register mounts the ingest and query endpoints. ingest wraps the
// endpoints that accept pings or sessions, typically with a rate limiter.
func (h *HTTPHandler) Register(mux *http.ServeMux, ingest func(http.Handler) http.Handler) {
	if ingest == nil {
		ingest = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /v1/pings", ingest(http.HandlerFunc(h.SubmitPing)))
	mux.Handle("POST /v1/pings/batch", ingest(http.HandlerFunc(h.SubmitBatch)))
	mux.Handle("POST /v1/sessions", ingest(http.HandlerFunc(h.StartSession)))
	mux.Handle("DELETE /v1/sessions", ingest(http.HandlerFunc(h.StopSession)))
	mux.HandleFunc("GET /v1/sessions/status", h.SessionStatus)
	mux.HandleFunc("GET /v1/buses", h.ListPositions)
	mux.HandleFunc("GET /v1/buses/{id}/position", h.GetPosition)
	mux.HandleFunc("GET /v1/buses/{id}/trips", h.ListTrips)
}

type PingResponse struct {
	Accepted         bool                    `json:"accepted"`
	Flags            domain.FlagSet          `json:"flags"`
	ConfidenceWeight float64                 `json:"confidenceWeight"`
	Session          *domain.TrackingSession `json:"session,omitempty"`
}

func (h *HTTPHandler) SubmitPing(w http.ResponseWriter, r *http.Request) {
	var payload validation.PingPayload
	if err := decodeBody(w, r, maxPingBody, &payload); err != nil {
		h.metrics.Ping("rejected")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.submit(payload, time.Now())
	if err != nil {
		h.metrics.Ping("rejected")
		respondError(w, statusFor(err), err.Error())
		return
	}
	if res.Accepted {
		h.metrics.Ping("accepted")
	} else {
		h.metrics.Ping("flagged")
	}

	respondJSON(w, http.StatusOK, PingResponse{
		Accepted:         res.Accepted,
		Flags:            res.Flags,
		ConfidenceWeight: res.Weight,
		Session:          res.Session,
	})
}

func (h *HTTPHandler) submit(p validation.PingPayload, received time.Time) (engine.SubmitResult, error) {
	if err := validation.CheckPayload(p); err != nil {
		return engine.SubmitResult{}, err
	}
	return h.engine.Submit(p.RawPing(h.hasher.DeviceID(p.DeviceToken), received))
}

type BatchRequest struct {
	Pings []validation.PingPayload `json:"pings"`
}

func (h *HTTPHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(w, r, maxBatchBody, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Pings) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(req.Pings) > maxBatchSize {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch larger than %d pings", maxBatchSize))
		return
	}

	received := time.Now()
	raws := make([]domain.RawPing, 0, len(req.Pings))
	malformed := 0
	for _, p := range req.Pings {
		if err := validation.CheckPayload(p); err != nil {
			malformed++
			continue
		}
		raws = append(raws, p.RawPing(h.hasher.DeviceID(p.DeviceToken), received))
	}

	res := h.engine.SubmitBatch(raws)
	res.Processed += malformed
	res.Rejected += malformed

	for range res.Valid {
		h.metrics.Ping("accepted")
	}
	for range res.Invalid {
		h.metrics.Ping("flagged")
	}
	for range res.Rejected {
		h.metrics.Ping("rejected")
	}

	respondJSON(w, http.StatusOK, res)
}

type SessionResponse struct {
	Session domain.TrackingSession `json:"session"`
	Created bool                   `json:"created,omitempty"`
}

func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var payload validation.SessionPayload
	if err := decodeBody(w, r, maxPingBody, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.CheckPayload(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, created, err := h.engine.StartSession(h.hasher.DeviceID(payload.DeviceToken), payload.BusID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, SessionResponse{Session: s, Created: created})
}

func (h *HTTPHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	var payload validation.SessionPayload
	if err := decodeBody(w, r, maxPingBody, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.CheckPayload(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.engine.StopSession(h.hasher.DeviceID(payload.DeviceToken), payload.BusID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, SessionResponse{Session: s})
}

func (h *HTTPHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	payload := validation.SessionPayload{
		BusID:       r.URL.Query().Get("busId"),
		DeviceToken: r.URL.Query().Get("deviceToken"),
	}
	if payload.DeviceToken == "" {
		payload.DeviceToken = r.Header.Get("X-Device-Token")
	}
	if err := validation.CheckPayload(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, ok := h.engine.GetSessionStatus(h.hasher.DeviceID(payload.DeviceToken), payload.BusID)
	if !ok {
		respondError(w, http.StatusNotFound, domain.ErrSessionNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, SessionResponse{Session: s})
}

func (h *HTTPHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("id")
	if busID == "" {
		respondError(w, http.StatusBadRequest, "missing bus id")
		return
	}
	if !h.engine.Tracks(busID) {
		respondError(w, http.StatusNotFound, domain.ErrUnknownBus.Error())
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, h.engine.GetCurrentPosition(busID))
}

type PositionsResponse struct {
	Positions  []domain.FusedPosition `json:"positions"`
	Count      int                    `json:"count"`
	ServerTime time.Time              `json:"serverTime"`
}

// ListPositions serves live positions, optionally restricted to a
// "minLat,minLng,maxLat,maxLng" bbox.
func (h *HTTPHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.LivePositions()

	if bboxStr := r.URL.Query().Get("bbox"); bboxStr != "" {
		bbox, err := parseBBox(bboxStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox: "+err.Error())
			return
		}
		filtered := positions[:0]
		for _, p := range positions {
			if bbox.Contains(p.Location()) {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}

	respondJSON(w, http.StatusOK, PositionsResponse{
		Positions:  positions,
		Count:      len(positions),
		ServerTime: time.Now(),
	})
}

type TripsResponse struct {
	Trips []domain.TripRecord `json:"trips"`
	Count int                 `json:"count"`
}

// ListTrips serves completed trips of a bus, newest first.
func (h *HTTPHandler) ListTrips(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var trips []domain.TripRecord
	if h.trips != nil {
		var err error
		trips, err = h.trips.Trips(r.Context(), busID, limit)
		if err != nil {
			h.logger.Error("list trips failed", "bus_id", busID, "error", err)
			respondError(w, http.StatusServiceUnavailable, "trip archive unavailable")
			return
		}
	} else {
		for _, t := range h.engine.RecentTrips() {
			if t.BusID == busID && len(trips) < limit {
				trips = append(trips, t)
			}
		}
	}
	if trips == nil {
		trips = []domain.TripRecord{}
	}

	respondJSON(w, http.StatusOK, TripsResponse{Trips: trips, Count: len(trips)})
}

func parseBBox(v string) (geo.BoundingBox, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, errors.New("expected minLat,minLng,maxLat,maxLng")
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BoundingBox{}, err
		}
		vals[i] = f
	}
	bb := geo.BoundingBox{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if bb.MinLat >= bb.MaxLat || bb.MinLng >= bb.MaxLng {
		return geo.BoundingBox{}, errors.New("min must be below max")
	}
	return bb, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownBus), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
