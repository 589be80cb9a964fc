package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per instrument and
// source at "{namespace}:tick:{source}:{instrument}", holding the fields "price"
// and "ts" (unix nanoseconds). Entries expire after ttl so a dead feed does
// not leave stale prices behind.
type PriceCache struct {
	rdb *redis.Client
	key func(...string) string
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), key: c.Key, ttl: ttl}
}

// TickKey is the cache key of an instrument as seen by one source.
func TickKey(source, instrument string) string {
	return source + ":" + instrument
}

func (pc *PriceCache) priceKey(key string) string {
	return pc.key("tick", key)
}

// SetTick caches a tick under its source and instrument.
func (pc *PriceCache) SetTick(ctx context.Context, tick domain.PriceTick) error {
	return pc.SetPrice(ctx, TickKey(tick.Source, tick.Instrument), tick.Price, tick.Timestamp)
}

// SetPrice stores the latest price and timestamp under key.
func (pc *PriceCache) SetPrice(ctx context.Context, key string, price float64, ts time.Time) error {
	k := pc.priceKey(key)
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, k,
		"price", strconv.FormatFloat(price, 'f', -1, 64),
		"ts", strconv.FormatInt(ts.UnixNano(), 10),
	)
	if pc.ttl > 0 {
		pipe.Expire(ctx, k, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the latest price and timestamp under key, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, key string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(key)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", key, domain.ErrNotFound)
	}
	return price, ts, nil
}

// GetPrices reads several keys in one pipeline. Missing or malformed entries
// are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, pc.priceKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(keys))
	for k, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			result[k] = price
		}
	}
	return result, nil
}

func parsePrice(vals map[string]string) (float64, time.Time, bool, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), true, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
