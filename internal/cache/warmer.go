package cache

import (
	"context"
	"log/slog"
	"time"

	"crowdbus/internal/domain"
)

// PositionLoader reads cached positions.
type PositionLoader interface {
	LoadPositions(ctx context.Context) ([]domain.FusedPosition, error)
}

// PositionRestorer accepts positions recovered at startup.
type PositionRestorer interface {
	Restore(positions []domain.FusedPosition) int
}

// Warmer seeds the in-memory position store from the cache on boot so the
// fallback view has something to show before the first fusion cycle.
type Warmer struct {
	cache  PositionLoader
	store  PositionRestorer
	logger *slog.Logger
}

func NewWarmer(cache PositionLoader, store PositionRestorer, logger *slog.Logger) *Warmer {
	return &Warmer{
		cache:  cache,
		store:  store,
		logger: logger.With("component", "cache_warmer"),
	}
}

func (w *Warmer) Warm(ctx context.Context) (int, error) {
	start := time.Now()

	positions, err := w.cache.LoadPositions(ctx)
	if err != nil {
		w.logger.Error("failed to load cached positions", "error", err)
		return 0, err
	}

	restored := w.store.Restore(positions)
	w.logger.Info("restored cached positions",
		"cached", len(positions),
		"restored", restored,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return restored, nil
}
