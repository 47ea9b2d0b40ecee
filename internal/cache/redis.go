package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"crowdbus/internal/domain"
)

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %v", domain.ErrStorageUnavailable, err)
	}

	return &RedisCache{
		client: client,
		prefix: "crowdbus:",
		ttl:    ttl,
		logger: logger.With("component", "redis_cache"),
	}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// SavePositions writes each position into the positions hash and refreshes
// the hash TTL. Later writes for a bus overwrite earlier ones.
func (c *RedisCache) SavePositions(ctx context.Context, positions []domain.FusedPosition) error {
	if len(positions) == 0 {
		return nil
	}
	start := time.Now()

	fields, err := encodePositions(positions)
	if err != nil {
		return err
	}

	key := c.key(KeyPositions)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("save positions failed", "count", len(positions), "error", err)
		return fmt.Errorf("%w: save positions: %v", domain.ErrStorageUnavailable, err)
	}

	c.logger.Debug("positions cached", "count", len(positions), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// LoadPositions reads every cached position. Entries that fail to decode are
// skipped.
func (c *RedisCache) LoadPositions(ctx context.Context) ([]domain.FusedPosition, error) {
	raw, err := c.client.HGetAll(ctx, c.key(KeyPositions)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load positions: %v", domain.ErrStorageUnavailable, err)
	}

	positions, skipped := decodePositions(raw)
	if skipped > 0 {
		c.logger.Warn("skipped undecodable cached positions", "count", skipped)
	}
	return positions, nil
}

// DeletePosition drops a bus from the cache.
func (c *RedisCache) DeletePosition(ctx context.Context, busID string) error {
	return c.client.HDel(ctx, c.key(KeyPositions), busID).Err()
}

func encodePositions(positions []domain.FusedPosition) (map[string]any, error) {
	fields := make(map[string]any, len(positions))
	for _, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("json marshal %s: %w", p.BusID, err)
		}
		fields[p.BusID] = data
	}
	return fields, nil
}

func decodePositions(raw map[string]string) ([]domain.FusedPosition, int) {
	positions := make([]domain.FusedPosition, 0, len(raw))
	skipped := 0
	for busID, v := range raw {
		var p domain.FusedPosition
		if err := json.Unmarshal([]byte(v), &p); err != nil || p.BusID != busID {
			skipped++
			continue
		}
		positions = append(positions, p)
	}
	return positions, skipped
}
