// Package infra provides concrete infrastructure adapters for Redis.
//
// The instrument cache wraps go-redis v9 in front of the persistent
// instrument store. If Redis is not configured or unreachable at boot,
// the app falls back to the database store in main.go.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pelleum/account-connections/internal/database"
)

const (
	instrumentKeyPrefix = "account-connections:instrument:"
	instrumentTTL       = 24 * time.Hour
)

// InstrumentStore is the persistent store the cache fronts.
type InstrumentStore interface {
	ListInstruments(ctx context.Context, instrumentIDs []string) ([]database.Instrument, error)
	CreateInstrument(ctx context.Context, instrumentID, name, symbol string) error
}

// InstrumentCache is a read-through Redis cache over an InstrumentStore.
// Cache trouble degrades to the underlying store, never to an error.
type InstrumentCache struct {
	rdb    *redis.Client
	next   InstrumentStore
	logger *zap.Logger
	ttl    time.Duration
}

// NewInstrumentCache connects to Redis and verifies connectivity.
// Returns the cache and any connection error (caller decides whether
// to fall back to the bare store).
func NewInstrumentCache(redisURL string, next InstrumentStore, logger *zap.Logger) (*InstrumentCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr))
	return &InstrumentCache{rdb: rdb, next: next, logger: logger, ttl: instrumentTTL}, nil
}

// Close shuts down the underlying redis client.
func (c *InstrumentCache) Close() error {
	return c.rdb.Close()
}

// ListInstruments serves what it can from Redis and reads the rest
// through the persistent store, caching whatever that returns.
func (c *InstrumentCache) ListInstruments(ctx context.Context, instrumentIDs []string) ([]database.Instrument, error) {
	if len(instrumentIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		keys[i] = instrumentKeyPrefix + id
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("instrument cache read failed, using database", zap.Error(err))
		return c.next.ListInstruments(ctx, instrumentIDs)
	}

	instruments := make([]database.Instrument, 0, len(instrumentIDs))
	var misses []string
	for i, value := range values {
		payload, ok := value.(string)
		if !ok {
			misses = append(misses, instrumentIDs[i])
			continue
		}
		var instrument database.Instrument
		if err := json.Unmarshal([]byte(payload), &instrument); err != nil {
			misses = append(misses, instrumentIDs[i])
			continue
		}
		instruments = append(instruments, instrument)
	}

	if len(misses) == 0 {
		return instruments, nil
	}

	stored, err := c.next.ListInstruments(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, instrument := range stored {
		c.set(ctx, instrument)
	}
	return append(instruments, stored...), nil
}

// CreateInstrument writes through to the persistent store and then
// refreshes the cached entry.
func (c *InstrumentCache) CreateInstrument(ctx context.Context, instrumentID, name, symbol string) error {
	if err := c.next.CreateInstrument(ctx, instrumentID, name, symbol); err != nil {
		return err
	}
	c.set(ctx, database.Instrument{InstrumentID: instrumentID, Name: name, Symbol: symbol})
	return nil
}

func (c *InstrumentCache) set(ctx context.Context, instrument database.Instrument) {
	payload, err := json.Marshal(instrument)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, instrumentKeyPrefix+instrument.InstrumentID, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("instrument cache write failed",
			zap.String("instrument_id", instrument.InstrumentID),
			zap.Error(err))
	}
}
