// Package ingestor loads route context for the fleet into the route store:
// inline routes from the fleet file, GTFS trips from a static feed.
package ingestor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/store"
)

// FleetIngestor keeps the route store in sync with the fleet file. Buses
// resolved from GTFS get a placeholder route until the feed is parsed so
// their pings are accepted from the start.
type FleetIngestor struct {
	path     string
	defaults config.Tracking
	routes   *store.RouteStore
	logger   *slog.Logger
	onLoad   func(*config.Fleet)

	mu      sync.Mutex
	fleet   *config.Fleet
	modTime time.Time

	ready   bool
	readyMu sync.RWMutex
}

func NewFleetIngestor(path string, defaults config.Tracking, routes *store.RouteStore, logger *slog.Logger) *FleetIngestor {
	return &FleetIngestor{
		path:     path,
		defaults: defaults,
		routes:   routes,
		logger:   logger.With("component", "fleet_ingestor"),
	}
}

// SetOnLoad registers a callback run after every successful (re)load.
func (i *FleetIngestor) SetOnLoad(fn func(*config.Fleet)) {
	i.onLoad = fn
}

// Load reads the fleet file and applies it.
func (i *FleetIngestor) Load() error {
	info, err := os.Stat(i.path)
	if err != nil {
		return fmt.Errorf("stat fleet file: %w", err)
	}
	fleet, err := config.LoadFleet(i.path)
	if err != nil {
		return err
	}

	i.Apply(fleet)

	i.mu.Lock()
	i.modTime = info.ModTime()
	i.mu.Unlock()
	return nil
}

// Apply stores the routes of fleet. Routes already resolved from GTFS are
// kept when the bus still points at the same trip.
func (i *FleetIngestor) Apply(fleet *config.Fleet) {
	start := time.Now()

	i.mu.Lock()
	previous := i.fleet
	i.fleet = fleet
	i.mu.Unlock()

	routes := make([]*domain.BusRoute, 0, len(fleet.Buses))
	inline, pending := 0, 0
	for _, b := range fleet.Buses {
		if len(b.Stops) > 0 {
			routes = append(routes, fleet.Route(b, i.defaults))
			inline++
			continue
		}
		if existing, ok := i.routes.Get(b.ID); ok && len(existing.Stops) > 0 && sameTrip(previous, b) {
			continue
		}
		routes = append(routes, placeholderRoute(fleet, b, i.defaults))
		pending++
	}
	i.routes.UpdateAll(routes)

	if !i.IsReady() {
		i.setReady(true)
	}
	if i.onLoad != nil {
		i.onLoad(fleet)
	}

	i.logger.Info("fleet applied",
		"buses", len(fleet.Buses),
		"inline_routes", inline,
		"awaiting_gtfs", pending,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Fleet returns the last applied fleet.
func (i *FleetIngestor) Fleet() *config.Fleet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fleet
}

// Run reloads the fleet file whenever its modification time changes.
func (i *FleetIngestor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.reloadIfChanged()
		}
	}
}

func (i *FleetIngestor) reloadIfChanged() {
	info, err := os.Stat(i.path)
	if err != nil {
		i.logger.Warn("fleet file unavailable", "path", i.path, "error", err)
		return
	}

	i.mu.Lock()
	changed := !info.ModTime().Equal(i.modTime)
	i.mu.Unlock()
	if !changed {
		return
	}

	if err := i.Load(); err != nil {
		// Keep serving the last good fleet.
		i.logger.Error("fleet reload failed", "path", i.path, "error", err)
	}
}

func (i *FleetIngestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *FleetIngestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}

func sameTrip(previous *config.Fleet, b config.FleetBus) bool {
	if previous == nil {
		return false
	}
	for _, old := range previous.Buses {
		if old.ID == b.ID {
			return old.GTFSTripID == b.GTFSTripID
		}
	}
	return false
}

func placeholderRoute(fleet *config.Fleet, b config.FleetBus, defaults config.Tracking) *domain.BusRoute {
	r := fleet.Route(b, defaults)
	r.Stops = nil
	return r
}
