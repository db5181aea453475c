package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per instrument at
// "ltp:{exchange}:{symbol}" holding fields "ltp" and "ts" (unix nanos).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl when it is
// positive so stale quotes from a dead feed are not served forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) ltpKey(k domain.SymbolKey) string {
	return pc.c.key("ltp", k.Exchange, k.Symbol)
}

// SetLTP stores the latest traded price of an instrument.
func (pc *PriceCache) SetLTP(ctx context.Context, key domain.SymbolKey, ltp float64, ts time.Time) error {
	k := pc.ltpKey(key)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]any{
		"ltp": strconv.FormatFloat(ltp, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, k, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ltp %s: %w", key, err)
	}
	return nil
}

// GetLTPs fetches prices for keys in one pipeline. Missing or unparsable
// entries are omitted.
func (pc *PriceCache) GetLTPs(ctx context.Context, keys []domain.SymbolKey) (map[domain.SymbolKey]float64, error) {
	if len(keys) == 0 {
		return map[domain.SymbolKey]float64{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[domain.SymbolKey]*redis.StringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGet(ctx, pc.ltpKey(k), "ltp")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get ltps: %w", err)
	}

	out := make(map[domain.SymbolKey]float64, len(keys))
	for k, cmd := range cmds {
		v, err := cmd.Float64()
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
