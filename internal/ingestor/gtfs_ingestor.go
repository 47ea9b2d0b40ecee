package ingestor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/store"
	"crowdbus/pkg/geo"
	"crowdbus/pkg/gtfs"
)

// GTFSIngestor downloads the static feed and resolves every fleet bus with
// a GTFS trip ID into a full route.
type GTFSIngestor struct {
	downloader     *gtfs.Downloader
	parser         *gtfs.Parser
	cache          *gtfs.ParseCache
	routes         *store.RouteStore
	fleet          func() *config.Fleet
	defaults       config.Tracking
	updateInterval time.Duration
	logger         *slog.Logger
	refresh        chan struct{}

	// Last downloaded archive, reparsed when the fleet changes but the
	// feed does not.
	lastData []byte

	ready   bool
	readyMu sync.RWMutex
}

func NewGTFSIngestor(url string, routes *store.RouteStore, fleet func() *config.Fleet, defaults config.Tracking, updateInterval time.Duration, logger *slog.Logger) *GTFSIngestor {
	return &GTFSIngestor{
		downloader:     gtfs.NewDownloader(url, logger),
		parser:         gtfs.NewParser(logger),
		cache:          gtfs.NewParseCache(),
		routes:         routes,
		fleet:          fleet,
		defaults:       defaults,
		updateInterval: updateInterval,
		logger:         logger.With("component", "gtfs_ingestor"),
		refresh:        make(chan struct{}, 1),
	}
}

// Trigger requests an update outside the regular interval, for example
// after the fleet changed. It never blocks.
func (i *GTFSIngestor) Trigger() {
	select {
	case i.refresh <- struct{}{}:
	default:
	}
}

func (i *GTFSIngestor) Start(ctx context.Context) {
	i.update(ctx)

	ticker := time.NewTicker(i.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.update(ctx)
		case <-i.refresh:
			i.update(ctx)
		}
	}
}

func (i *GTFSIngestor) update(ctx context.Context) {
	fleet := i.fleet()
	if fleet == nil {
		return
	}
	tripIDs := fleetTripIDs(fleet)
	if len(tripIDs) == 0 {
		i.setReady(true)
		return
	}

	i.logger.Info("starting GTFS update", "trips", len(tripIDs))
	start := time.Now()

	reader, data, err := i.downloader.Download(ctx)
	if errors.Is(err, gtfs.ErrNotModified) && i.lastData != nil {
		i.logger.Info("GTFS feed not modified, reusing last archive")
		data = i.lastData
		reader, err = gtfs.OpenArchive(data)
	}
	if err != nil {
		i.logger.Error("failed to download GTFS", "error", err)
		return
	}
	i.lastData = data
	downloadDuration := time.Since(start)

	fingerprint := gtfs.DataFingerprint(data, tripIDs)

	parseStart := time.Now()
	result, cacheErr := i.cache.Load(fingerprint)
	if cacheErr == nil {
		i.logger.Info("loaded parsed GTFS cache", "fingerprint", fingerprint[:12])
	} else {
		i.logger.Info("parsed GTFS cache miss, parsing ZIP", "error", cacheErr)
		result, err = i.parser.Parse(reader, tripIDs)
		if err != nil {
			i.logger.Error("failed to parse GTFS", "error", err)
			return
		}
		if savedPath, saveErr := i.cache.Save(fingerprint, result); saveErr != nil {
			i.logger.Warn("failed to persist parsed GTFS cache", "error", saveErr)
		} else {
			i.logger.Info("persisted parsed GTFS cache", "path", savedPath)
		}
		if n, err := i.cache.Prune(); err != nil {
			i.logger.Warn("failed to prune parsed GTFS cache", "error", err)
		} else if n > 0 {
			i.logger.Debug("pruned parsed GTFS cache", "removed", n)
		}
	}
	parseDuration := time.Since(parseStart)

	resolved := i.Resolve(fleet, result)

	if !i.IsReady() {
		i.setReady(true)
	}

	i.logger.Info("GTFS update completed",
		"download_duration", downloadDuration,
		"parse_duration", parseDuration,
		"total_duration", time.Since(start),
		"resolved", resolved,
		"requested", len(tripIDs),
	)
}

// Resolve stores a route for every fleet bus whose trip the feed knows.
// Buses that fail to resolve keep their current route.
func (i *GTFSIngestor) Resolve(fleet *config.Fleet, result *gtfs.ParseResult) int {
	routes := make([]*domain.BusRoute, 0, len(fleet.Buses))
	for _, b := range fleet.Buses {
		if b.GTFSTripID == "" || len(b.Stops) > 0 {
			continue
		}
		trip, err := result.ResolveTrip(b.GTFSTripID)
		if err != nil {
			i.logger.Warn("failed to resolve GTFS trip", "bus_id", b.ID, "trip_id", b.GTFSTripID, "error", err)
			continue
		}
		routes = append(routes, routeFromTrip(fleet, b, trip, i.defaults))
	}
	i.routes.UpdateAll(routes)
	return len(routes)
}

func (i *GTFSIngestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *GTFSIngestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}

func fleetTripIDs(fleet *config.Fleet) []string {
	var ids []string
	for _, b := range fleet.Buses {
		if b.GTFSTripID != "" && len(b.Stops) == 0 {
			ids = append(ids, b.GTFSTripID)
		}
	}
	return ids
}

// routeFromTrip merges a resolved trip with the fleet entry. Values set in
// the fleet file win over the feed.
func routeFromTrip(fleet *config.Fleet, b config.FleetBus, trip gtfs.ResolvedTrip, defaults config.Tracking) *domain.BusRoute {
	r := fleet.Route(b, defaults)
	r.Stops = trip.Stops
	if r.RouteID == "" {
		r.RouteID = trip.RouteID
	}
	if r.Line == "" {
		r.Line = trip.Line
	}
	if len(r.Corridor) == 0 {
		r.Corridor = append([]geo.LatLng(nil), trip.Corridor...)
	}
	if !r.HasSchedule() {
		r.ScheduleStart = trip.ScheduleStart
		r.ScheduleEnd = trip.ScheduleEnd
	}
	return r
}
