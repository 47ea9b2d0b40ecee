package handler

import (
	"net/http"
	"time"
)

// ReadinessSource reports whether a component finished its first cycle.
type ReadinessSource interface {
	IsReady() bool
}

type HealthHandler struct {
	checks map[string]ReadinessSource
	count  func() int
}

// NewHealthHandler reports ready only when every named check is ready.
// count supplies the number of tracked positions for the response.
func NewHealthHandler(checks map[string]ReadinessSource, count func() int) *HealthHandler {
	return &HealthHandler{checks: checks, count: count}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready         bool            `json:"ready"`
	Checks        map[string]bool `json:"checks"`
	PositionCount int             `json:"positionCount"`
	ServerTime    time.Time       `json:"serverTime"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:      true,
		Checks:     make(map[string]bool, len(h.checks)),
		ServerTime: time.Now(),
	}
	for name, c := range h.checks {
		ok := c.IsReady()
		resp.Checks[name] = ok
		resp.Ready = resp.Ready && ok
	}
	if h.count != nil {
		resp.PositionCount = h.count()
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
