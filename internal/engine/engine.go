// Package engine owns the keyed in-memory state of the fusion service and
// exposes the ingest, query and periodic-cycle operations over it.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crowdbus/internal/completion"
	"crowdbus/internal/config"
	"crowdbus/internal/domain"
	"crowdbus/internal/fallback"
	"crowdbus/internal/fusion"
	"crowdbus/internal/session"
	"crowdbus/internal/store"
	"crowdbus/internal/trust"
	"crowdbus/internal/validation"
)

// SubmitResult is the synchronous answer to one ingested ping.
type SubmitResult struct {
	Accepted bool                    `json:"accepted"`
	Flags    domain.FlagSet          `json:"flags"`
	Weight   float64                 `json:"confidenceWeight"`
	Session  *domain.TrackingSession `json:"session,omitempty"`
}

// BatchResult summarizes a batch. Rejected pings failed before validation.
type BatchResult struct {
	Processed int `json:"processed"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Rejected  int `json:"rejected"`
}

// FuseReport is the outcome of one fusion cycle.
type FuseReport struct {
	Updates   []domain.PositionUpdate
	Positions []domain.FusedPosition
	Fused     int
	Empty     int
}

// SweepReport is the outcome of one sweep cycle.
type SweepReport struct {
	Expired   []domain.TrackingSession
	Completed []domain.TripRecord
	Pruned    int
}

type Engine struct {
	cfg *config.Config

	validator *validation.Validator
	trust     *trust.Store
	fusion    *fusion.Engine
	sessions  *session.Manager
	detector  *completion.Detector
	resolver  *fallback.Resolver

	pings     *store.PingStore
	positions *store.PositionStore
	routes    *store.RouteStore
	history   *tripHistory

	deviceLocks *store.KeyedMutex
	busLocks    *store.KeyedMutex

	logger *slog.Logger
	now    func() time.Time

	accepted  atomic.Int64
	flagged   atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTripArchive lets fallback lookups reach trips archived before the
// process started.
func WithTripArchive(src fallback.TripSource) Option {
	return func(e *Engine) { e.history.archive = src }
}

func New(cfg *config.Config, trustStore *trust.Store, routes *store.RouteStore, logger *slog.Logger, opts ...Option) *Engine {
	pings := store.NewPingStore(cfg.Fusion.MaxPingAge, cfg.Tracking.MaxTripPings, cfg.Tracking.SessionInactivity, cfg.Tracking.TripInactivityTimeout)
	positions := store.NewPositionStore(cfg.Fusion.ChangeMeters)
	history := newTripHistory(recentTripLimit)

	e := &Engine{
		cfg:         cfg,
		validator:   validation.New(cfg.Validation),
		trust:       trustStore,
		fusion:      fusion.NewEngine(cfg.Fusion, trustStore, cfg.TileZoomLevel),
		sessions:    session.NewManager(),
		detector:    completion.NewDetector(cfg.Tracking, routes, pings),
		resolver:    fallback.NewResolver(positions, history),
		pings:       pings,
		positions:   positions,
		routes:      routes,
		history:     history,
		deviceLocks: store.NewKeyedMutex(),
		busLocks:    store.NewKeyedMutex(),
		logger:      logger.With("component", "engine"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Positions exposes the position store for snapshot readers.
func (e *Engine) Positions() *store.PositionStore {
	return e.positions
}

// Trust exposes the trust store for checkpointing.
func (e *Engine) Trust() *trust.Store {
	return e.trust
}

// Submit validates and records one ping. Work is serialized per device so
// the prior-ping lookup and the record are atomic.
func (e *Engine) Submit(ping domain.RawPing) (SubmitResult, error) {
	if ping.DeviceID == "" || ping.BusID == "" {
		e.rejected.Add(1)
		return SubmitResult{}, fmt.Errorf("%w: missing bus or device", domain.ErrMalformedInput)
	}

	route, known := e.routes.Get(ping.BusID)
	if !known && e.routes.Count() > 0 {
		e.rejected.Add(1)
		return SubmitResult{}, fmt.Errorf("submit for %s: %w", ping.BusID, domain.ErrUnknownBus)
	}

	now := e.now()
	if ping.ServerTimestamp.IsZero() {
		ping.ServerTimestamp = now
	}

	unlock := e.deviceLocks.Lock(ping.DeviceID)
	defer unlock()

	var prior *domain.RawPing
	if p, ok := e.pings.Prior(ping.DeviceID); ok {
		prior = &p
	}

	v := e.validator.Validate(ping, prior, route, now)
	e.pings.Add(domain.ValidatedPing{RawPing: ping, Validation: v})

	sess, ended := e.sessions.RecordPing(ping.DeviceID, ping.BusID, v.IsValid, now)
	if ended != nil {
		e.logger.Debug("session switched bus",
			"device_id", ping.DeviceID,
			"from_bus", ended.BusID,
			"to_bus", ping.BusID,
		)
	}

	// Invalid pings never reach fusion, so they are scored here.
	if !v.IsValid {
		e.trust.RecordOutcome(ping.DeviceID, false, 0, now)
		e.logger.Debug("ping rejected",
			"bus_id", ping.BusID,
			"device_id", ping.DeviceID,
			"flags", v.Flags.Strings(),
			"reason", v.Err(),
		)
	}

	if v.IsValid {
		e.accepted.Add(1)
	} else {
		e.flagged.Add(1)
	}
	return SubmitResult{Accepted: v.IsValid, Flags: v.Flags, Weight: v.ConfidenceWeight, Session: &sess}, nil
}

// SubmitBatch ingests pings in parallel. A failing ping is counted and
// skipped; it never aborts the rest of the batch.
func (e *Engine) SubmitBatch(pings []domain.RawPing) BatchResult {
	var valid, invalid, rejected atomic.Int64

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range pings {
		g.Go(func() error {
			res, err := e.Submit(p)
			switch {
			case err != nil:
				rejected.Add(1)
			case res.Accepted:
				valid.Add(1)
			default:
				invalid.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Processed: len(pings),
		Valid:     int(valid.Load()),
		Invalid:   int(invalid.Load()),
		Rejected:  int(rejected.Load()),
	}
}

// StartSession opens a tracking session explicitly.
func (e *Engine) StartSession(deviceID, busID string) (domain.TrackingSession, bool, error) {
	if !e.Tracks(busID) {
		return domain.TrackingSession{}, false, fmt.Errorf("start session on %s: %w", busID, domain.ErrUnknownBus)
	}

	unlock := e.deviceLocks.Lock(deviceID)
	defer unlock()

	s, created, ended := e.sessions.Start(deviceID, busID, e.now())
	if ended != nil {
		e.logger.Debug("session switched bus", "device_id", deviceID, "from_bus", ended.BusID, "to_bus", busID)
	}
	return s, created, nil
}

func (e *Engine) StopSession(deviceID, busID string) (domain.TrackingSession, error) {
	unlock := e.deviceLocks.Lock(deviceID)
	defer unlock()
	return e.sessions.Stop(deviceID, busID, e.now())
}

func (e *Engine) GetSessionStatus(deviceID, busID string) (domain.TrackingSession, bool) {
	return e.sessions.Get(deviceID, busID)
}

// GetCurrentPosition returns the live fused position of a bus, or a
// fallback view when it has no live contributors.
func (e *Engine) GetCurrentPosition(busID string) domain.PositionResult {
	now := e.now()
	if p, ok := e.positions.Get(busID); ok && e.isLive(p, now) {
		return domain.PositionResult{Live: &p}
	}
	fb := e.resolver.Resolve(busID, now)
	return domain.PositionResult{Fallback: &fb}
}

// ListPositions returns every stored position, live or stale.
func (e *Engine) ListPositions() []domain.FusedPosition {
	return e.positions.Snapshot()
}

// LivePositions returns the positions that would be served as live.
func (e *Engine) LivePositions() []domain.FusedPosition {
	now := e.now()
	all := e.positions.Snapshot()
	live := all[:0]
	for _, p := range all {
		if e.isLive(p, now) {
			live = append(live, p)
		}
	}
	return live
}

// Tracks reports whether pings for busID are accepted. Without a fleet
// every bus is.
func (e *Engine) Tracks(busID string) bool {
	return e.routes.Count() == 0 || e.routes.Known(busID)
}

// Route returns the route context of a bus.
func (e *Engine) Route(busID string) (*domain.BusRoute, bool) {
	return e.routes.Get(busID)
}

func (e *Engine) isLive(p domain.FusedPosition, now time.Time) bool {
	if p.Status != domain.StatusActive && p.Status != domain.StatusDegraded {
		return false
	}
	return now.Sub(p.LastUpdated) <= e.cfg.Fusion.MaxPingAge
}

// FuseAll runs one fusion cycle over every bus with pending pings, then marks
// positions that went without contributors as stale.
func (e *Engine) FuseAll() FuseReport {
	now := e.now()
	var report FuseReport

	for _, pending := range e.pings.TakePending() {
		pos, changed, err := e.fuseBus(pending, now)
		if errors.Is(err, domain.ErrNoContributors) {
			report.Empty++
			continue
		}
		if err != nil {
			e.logger.Error("fusion failed", "bus_id", pending.BusID, "error", err)
			continue
		}
		report.Fused++
		report.Positions = append(report.Positions, pos)
		if changed {
			report.Updates = append(report.Updates, domain.NewPositionUpdate(pos))
		}
	}

	report.Updates = append(report.Updates, e.positions.MarkStale(now, e.cfg.Fusion.MaxPingAge)...)
	return report
}

func (e *Engine) fuseBus(pending store.Pending, now time.Time) (domain.FusedPosition, bool, error) {
	unlock := e.busLocks.Lock(pending.BusID)
	defer unlock()

	res, err := e.fusion.Fuse(pending.BusID, e.pings.Live(pending.BusID, now), now)
	if err != nil {
		return domain.FusedPosition{}, false, err
	}

	pos := res.Position
	changed := e.positions.Update(pos)
	e.pings.AppendTrack(pos.BusID, domain.TrackPoint{
		Lat:             pos.Lat,
		Lng:             pos.Lng,
		ConfidenceLevel: pos.ConfidenceLevel,
		ActiveTrackers:  pos.ActiveTrackers,
		Timestamp:       pos.LastUpdated,
	})
	e.detector.Observe(pos.BusID, pos.Location())

	// Only devices that sent something new earn an outcome this cycle.
	for _, dev := range pending.Devices {
		if a, ok := res.Agreements[dev]; ok {
			e.trust.RecordOutcome(dev, true, a, now)
		}
	}

	return pos, changed, nil
}

// Sweep runs the slow periodic work: session timeouts, trip completion and
// pruning of short-term state.
func (e *Engine) Sweep() SweepReport {
	now := e.now()
	var report SweepReport

	// Completion runs first so sessions of a finished trip end as
	// trip_completed rather than inactive.
	for _, busID := range e.pings.Buses() {
		if rec, ok := e.CompleteIfDone(busID); ok {
			report.Completed = append(report.Completed, rec)
		}
	}

	report.Expired = e.sessions.ExpireInactive(now, e.cfg.Tracking.SessionInactivity)

	report.Pruned = e.pings.Prune(now)
	e.sessions.PruneEnded(now.Add(-e.cfg.Tracking.SessionRetention))
	return report
}

// CheckCompletion reports whether the current trip of a bus is over without
// acting on it.
func (e *Engine) CheckCompletion(busID string) completion.Result {
	return e.detector.CheckCompletion(busID, e.now())
}

// CompleteIfDone closes the trip of a bus when it is over: sessions end,
// a TripRecord is built and short-term state is cleared.
func (e *Engine) CompleteIfDone(busID string) (domain.TripRecord, bool) {
	unlock := e.busLocks.Lock(busID)
	defer unlock()

	now := e.now()
	res := e.detector.CheckCompletion(busID, now)
	if !res.Completed {
		return domain.TripRecord{}, false
	}

	trip, ok := e.pings.Trip(busID)
	if !ok {
		return domain.TripRecord{}, false
	}

	ended := e.sessions.EndAllForBus(busID, now, domain.SessionTripCompleted)

	routeID := ""
	if r, ok := e.routes.Get(busID); ok {
		routeID = r.RouteID
	}
	rec := buildTripRecord(trip, routeID, res.Reason)

	e.pings.ClearBus(busID)
	e.detector.Reset(busID)
	e.history.add(rec)
	e.completed.Add(1)

	e.logger.Info("trip completed",
		"bus_id", busID,
		"trip_id", rec.ID,
		"reason", rec.Reason,
		"pings", rec.Stats.TotalPings,
		"sessions_ended", len(ended),
	)
	return rec, true
}

// RecentTrips returns the latest completed trips, newest first.
func (e *Engine) RecentTrips() []domain.TripRecord {
	return e.history.recent()
}
