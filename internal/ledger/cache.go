package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	balanceVersionKey = "ledger:balance:version"
	bumpChannel       = "ledger.bump"
)

// BalanceCache keeps computed balances in Redis under a version that every
// commit bumps, so stale entries are simply never read again.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *BalanceCache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, balanceVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, balanceVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, balanceVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Fetch returns the cached balance for filter or computes and stores it.
// Concurrent misses for the same key share one computation. Redis failures
// fall through to loader.
func (c *BalanceCache) Fetch(ctx context.Context, filter BalanceFilter, loader func(context.Context) (Balance, error)) (Balance, error) {
	if loader == nil {
		return Balance{}, errors.New("ledger: balance loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return loader(ctx)
	}
	key := balanceKey(filter, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var out Balance
		if err := json.Unmarshal(payload, &out); err == nil {
			return out, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		bal, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(bal)
		if err != nil {
			return nil, err
		}
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		return bal, nil
	})
	select {
	case <-ctx.Done():
		return Balance{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Balance{}, res.Err
		}
		return res.Val.(Balance), nil
	}
}

// Bump invalidates every cached balance by incrementing the version and
// publishing it.
func (c *BalanceCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, balanceVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

func balanceKey(f BalanceFilter, ver int64) string {
	parts := []string{"ledger", "balance"}
	if f.HasRange() {
		parts = append(parts, dateOnly(f.From).Format("2006-01-02"), dateOnly(f.To).Format("2006-01-02"))
	} else {
		parts = append(parts, "all", "all")
	}
	parts = append(parts, optionalToken(f.ProductID), optionalToken(f.ClientID), optionalToken(f.SupplierID), strconv.FormatInt(ver, 10))
	return strings.Join(parts, ":")
}

func optionalToken(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}
