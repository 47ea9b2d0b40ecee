package handler

import (
	"net/http"
	"runtime"
	"time"

	"crowdbus/internal/engine"
)

type StatsHandler struct {
	engine    *engine.Engine
	clients   func() int
	startTime time.Time
}

// NewStatsHandler serves engine counters. clients reports open websocket
// connections and may be nil.
func NewStatsHandler(e *engine.Engine, clients func() int) *StatsHandler {
	return &StatsHandler{engine: e, clients: clients, startTime: time.Now()}
}

type StatsResponse struct {
	Server    ServerStatsResponse `json:"server"`
	Engine    engine.Stats        `json:"engine"`
	WebSocket WebSocketStats      `json:"websocket"`
	Go        GoStatsResponse     `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	Version       string    `json:"version"`
}

type WebSocketStats struct {
	Clients int `json:"clients"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     h.startTime,
			Version:       "1.0.0",
		},
		Engine: h.engine.Stats(),
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}
	if h.clients != nil {
		resp.WebSocket.Clients = h.clients()
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}
