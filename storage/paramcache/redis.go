package paramcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"loop/core/period"
	"loop/core/types"
)

const keyPrefix = "loop:details:"

// Commands is the subset of the go-redis API the cache uses.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Config selects the Redis deployment.
type Config struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dial connects to Redis. It returns nil, nil when no URL is configured.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Cache shares loop details across service replicas. Entries never expire
// because loop details are immutable; a process-local tier answers repeat
// lookups without a round trip.
type Cache struct {
	client Commands
	local  *period.MemoryCache
}

// New wraps client.
func New(client Commands) *Cache {
	return &Cache{client: client, local: period.NewMemoryCache()}
}

type record struct {
	Token            common.Address `json:"token"`
	PeriodLength     uint64         `json:"periodLength"`
	PercentPerPeriod uint64         `json:"percentPerPeriod"`
	FirstPeriodStart uint64         `json:"firstPeriodStart"`
}

func redisKey(key period.Key) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, key.ChainID, types.LowerHex(key.Loop))
}

// Get implements period.DetailsCache.
func (c *Cache) Get(ctx context.Context, key period.Key) (types.LoopDetails, bool, error) {
	if d, ok, _ := c.local.Get(ctx, key); ok {
		return d, true, nil
	}
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.LoopDetails{}, false, nil
	}
	if err != nil {
		return types.LoopDetails{}, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.LoopDetails{}, false, fmt.Errorf("decode cached details: %w", err)
	}
	details := types.LoopDetails{
		Token:            rec.Token,
		PeriodLength:     rec.PeriodLength,
		PercentPerPeriod: rec.PercentPerPeriod,
		FirstPeriodStart: rec.FirstPeriodStart,
	}
	_ = c.local.Put(ctx, key, details)
	return details, true, nil
}

// Put implements period.DetailsCache. The first writer wins.
func (c *Cache) Put(ctx context.Context, key period.Key, details types.LoopDetails) error {
	_ = c.local.Put(ctx, key, details)
	encoded, err := json.Marshal(record{
		Token:            details.Token,
		PeriodLength:     details.PeriodLength,
		PercentPerPeriod: details.PercentPerPeriod,
		FirstPeriodStart: details.FirstPeriodStart,
	})
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, redisKey(key), encoded, 0).Err()
}
