package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/barstock/barstock/internal/ledger"
)

const cacheVersionKey = "catalog:version"

// Source is the uncached catalog.
type Source interface {
	ledger.Catalog
	ListLocations(ctx context.Context) ([]Location, error)
}

// Cached serves catalog reads from Redis, filling misses from Source. Keys carry
// a version so Bump invalidates every entry at once. Redis failures degrade to
// direct reads.
type Cached struct {
	src    Source
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCached wraps src. A nil client disables caching.
func NewCached(src Source, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{src: src, client: client, ttl: ttl, logger: logger}
}

// Version returns the current cache version, initialising it when missing.
func (c *Cached) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached catalog entry.
func (c *Cached) Bump(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Result()
}

// GetProduct returns an active product.
func (c *Cached) GetProduct(ctx context.Context, id int64) (ledger.Product, error) {
	products, err := c.productIndex(ctx)
	if err != nil {
		return ledger.Product{}, err
	}
	p, ok := products[id]
	if !ok {
		return ledger.Product{}, fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	return p, nil
}

// GetProducts returns the known products among ids.
func (c *Cached) GetProducts(ctx context.Context, ids []int64) (map[int64]ledger.Product, error) {
	products, err := c.productIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]ledger.Product, len(ids))
	for _, id := range ids {
		if p, ok := products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// ListProducts returns every active product ordered by name.
func (c *Cached) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	var products []ledger.Product
	err := c.fetchJSON(ctx, "products", &products, func(ctx context.Context) (any, error) {
		return c.src.ListProducts(ctx)
	})
	return products, err
}

// ListLocations returns every location.
func (c *Cached) ListLocations(ctx context.Context) ([]Location, error) {
	var locations []Location
	err := c.fetchJSON(ctx, "locations", &locations, func(ctx context.Context) (any, error) {
		return c.src.ListLocations(ctx)
	})
	return locations, err
}

// LocationExists reports whether the location is known.
func (c *Cached) LocationExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := c.fetchJSON(ctx, "location:"+strconv.FormatInt(id, 10), &exists, func(ctx context.Context) (any, error) {
		return c.src.LocationExists(ctx, id)
	})
	return exists, err
}

func (c *Cached) productIndex(ctx context.Context) (map[int64]ledger.Product, error) {
	products, err := c.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]ledger.Product, len(products))
	for _, p := range products {
		index[p.ID] = p
	}
	return index, nil
}

// fetchJSON loads a cached value or populates it using loader. Concurrent
// misses for the same key share one load.
func (c *Cached) fetchJSON(ctx context.Context, name string, dest any, loader func(context.Context) (any, error)) error {
	if c.client == nil {
		return decodeInto(ctx, loader, dest)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		c.logger.Warn("catalog cache unavailable", slog.String("key", name), slog.Any("error", err))
		return decodeInto(ctx, loader, dest)
	}
	key := fmt.Sprintf("catalog:%s:%d", name, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("catalog cache read", slog.String("key", key), slog.Any("error", err))
		return decodeInto(ctx, loader, dest)
	}

	res := c.group.DoChan(key, func() (any, error) {
		value, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(context.WithoutCancel(ctx), key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("catalog cache write", slog.String("key", key), slog.Any("error", err))
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return r.Err
		}
		return json.Unmarshal(r.Val.([]byte), dest)
	}
}

func decodeInto(ctx context.Context, loader func(context.Context) (any, error), dest any) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
