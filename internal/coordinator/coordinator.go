// Package coordinator drives the engine's two periodic cycles and hands
// their output to external collaborators. Collaborator failures are logged
// and retried; they never roll back engine state.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"crowdbus/internal/domain"
	"crowdbus/internal/engine"
)

// Cycler is the part of the engine the coordinator drives.
type Cycler interface {
	FuseAll() engine.FuseReport
	Sweep() engine.SweepReport
}

// Broadcaster receives material position changes. It must not block.
type Broadcaster interface {
	Broadcast(updates []domain.PositionUpdate)
}

// ArchiveSink stores completed trips. Archive must be idempotent by trip ID.
type ArchiveSink interface {
	Archive(ctx context.Context, rec domain.TripRecord) error
}

// PositionCache keeps last known positions outside the process.
type PositionCache interface {
	SavePositions(ctx context.Context, positions []domain.FusedPosition) error
}

// Checkpointer persists device trust records.
type Checkpointer interface {
	SaveDevices(ctx context.Context, devices []domain.Device) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	FusionCycle(d time.Duration, fused, updates int)
	SweepCycle(d time.Duration, expired, completed int)
	DispatchFailure(target string)
}

type Config struct {
	FusionInterval  time.Duration
	SweepInterval   time.Duration
	DispatchTimeout time.Duration
	MaxRetries      uint64
}

type Coordinator struct {
	cycler       Cycler
	broadcasters []Broadcaster
	sinks        []ArchiveSink
	cache        PositionCache
	checkpointer Checkpointer
	devices      func() []domain.Device
	recorder     Recorder

	cfg    Config
	logger *slog.Logger

	inflight sync.WaitGroup

	// Positions waiting for the single cache writer, newest per bus.
	cacheMu      sync.Mutex
	cachePending map[string]domain.FusedPosition
	cacheBusy    bool

	ready   bool
	readyMu sync.RWMutex
}

type Option func(*Coordinator)

func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) { c.broadcasters = append(c.broadcasters, b) }
}

func WithArchiveSink(s ArchiveSink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, s) }
}

func WithPositionCache(pc PositionCache) Option {
	return func(c *Coordinator) { c.cache = pc }
}

// WithTrustCheckpoint saves the records returned by devices after every
// sweep and once more on shutdown.
func WithTrustCheckpoint(cp Checkpointer, devices func() []domain.Device) Option {
	return func(c *Coordinator) {
		c.checkpointer = cp
		c.devices = devices
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func New(cycler Cycler, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	c := &Coordinator{
		cycler: cycler,
		cfg:    cfg,
		logger: logger.With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts the fusion and sweep loops and blocks until ctx is done and all
// in-flight dispatches have finished.
func (c *Coordinator) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(2)

	go func() {
		defer loops.Done()
		c.loop(ctx, c.cfg.FusionInterval, c.FuseOnce)
	}()
	go func() {
		defer loops.Done()
		c.loop(ctx, c.cfg.SweepInterval, c.SweepOnce)
	}()

	loops.Wait()
	c.checkpoint(context.Background())
	c.inflight.Wait()
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// FuseOnce runs one fusion cycle and dispatches its updates.
func (c *Coordinator) FuseOnce(ctx context.Context) {
	start := time.Now()
	report := c.cycler.FuseAll()
	elapsed := time.Since(start)

	if len(report.Updates) > 0 {
		for _, b := range c.broadcasters {
			b.Broadcast(report.Updates)
		}
	}
	if c.cache != nil && len(report.Positions) > 0 {
		c.queueCache(ctx, report.Positions)
	}

	if c.recorder != nil {
		c.recorder.FusionCycle(elapsed, report.Fused, len(report.Updates))
	}

	if !c.IsReady() {
		c.setReady(true)
		c.logger.Info("coordinator ready", "fused", report.Fused)
	}

	c.logger.Debug("fusion cycle completed",
		"fused", report.Fused,
		"empty", report.Empty,
		"updates", len(report.Updates),
		"duration_ms", elapsed.Milliseconds(),
	)
}

// SweepOnce runs one sweep cycle, archives completed trips and checkpoints
// trust.
func (c *Coordinator) SweepOnce(ctx context.Context) {
	start := time.Now()
	report := c.cycler.Sweep()
	elapsed := time.Since(start)

	for _, rec := range report.Completed {
		for _, sink := range c.sinks {
			c.dispatch(ctx, "archive", func(ctx context.Context) error {
				return sink.Archive(ctx, rec)
			})
		}
	}

	c.checkpoint(ctx)

	if c.recorder != nil {
		c.recorder.SweepCycle(elapsed, len(report.Expired), len(report.Completed))
	}

	if len(report.Expired) > 0 || len(report.Completed) > 0 {
		c.logger.Info("sweep completed",
			"expired_sessions", len(report.Expired),
			"completed_trips", len(report.Completed),
			"pruned_pings", report.Pruned,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

func (c *Coordinator) checkpoint(ctx context.Context) {
	if c.checkpointer == nil || c.devices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()

	if err := c.checkpointer.SaveDevices(ctx, c.devices()); err != nil {
		c.logger.Warn("trust checkpoint failed", "error", err)
		if c.recorder != nil {
			c.recorder.DispatchFailure("checkpoint")
		}
	}
}

// dispatch runs op in the background with retries. Retries outlive ctx so
// shutdown does not drop completed trips; Run waits for them.
func (c *Coordinator) dispatch(ctx context.Context, target string, op func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.retry(ctx, target, op)
	}()
}

// retry runs op with exponential backoff, each attempt under its own
// timeout, and reports a final failure.
func (c *Coordinator) retry(ctx context.Context, target string, op func(context.Context) error) {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		defer cancel()
		return op(actx)
	}, b)

	if err != nil {
		c.logger.Error("dispatch failed", "target", target, "attempts", attempt, "error", err)
		if c.recorder != nil {
			c.recorder.DispatchFailure(target)
		}
	}
}

// queueCache merges positions into the pending cache write and starts the
// writer if it is idle. Only one write is in flight at a time, so an older
// snapshot can never land after a newer one.
func (c *Coordinator) queueCache(ctx context.Context, positions []domain.FusedPosition) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cachePending == nil {
		c.cachePending = make(map[string]domain.FusedPosition)
	}
	for _, p := range positions {
		if cur, ok := c.cachePending[p.BusID]; ok && cur.LastUpdated.After(p.LastUpdated) {
			continue
		}
		c.cachePending[p.BusID] = p
	}
	if c.cacheBusy {
		return
	}

	c.cacheBusy = true
	ctx = context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.drainCache(ctx)
	}()
}

func (c *Coordinator) drainCache(ctx context.Context) {
	for {
		c.cacheMu.Lock()
		if len(c.cachePending) == 0 {
			c.cacheBusy = false
			c.cacheMu.Unlock()
			return
		}
		batch := make([]domain.FusedPosition, 0, len(c.cachePending))
		for _, p := range c.cachePending {
			batch = append(batch, p)
		}
		clear(c.cachePending)
		c.cacheMu.Unlock()

		sort.Slice(batch, func(i, j int) bool { return batch[i].BusID < batch[j].BusID })
		c.retry(ctx, "cache", func(ctx context.Context) error {
			return c.cache.SavePositions(ctx, batch)
		})
	}
}

// Wait blocks until background dispatches have finished.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) IsReady() bool {
	c.readyMu.RLock()
	defer c.readyMu.RUnlock()
	return c.ready
}

func (c *Coordinator) setReady(ready bool) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	c.ready = ready
}
