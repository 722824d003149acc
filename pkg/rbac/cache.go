package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GrantCache caches resolved grants per actor. Entries are keyed by a generation that
// every catalog or assignment write advances, so a load that raced a write is stored
// under a generation nobody reads again.
type GrantCache interface {
	// Backend names the implementation in metrics
	Backend() string
	// Generation returns the current generation
	Generation(ctx context.Context) (uint64, error)
	// Get returns the grants cached for actor under gen
	Get(ctx context.Context, gen uint64, actor Actor) (*ActorGrants, bool)
	// Set stores grants for actor under gen
	Set(ctx context.Context, gen uint64, actor Actor, grants *ActorGrants)
	// InvalidateAll advances the generation
	InvalidateAll(ctx context.Context) error
}

// NopCache disables caching
type NopCache struct{}

func (NopCache) Backend() string                                         { return "none" }
func (NopCache) Generation(context.Context) (uint64, error)              { return 0, nil }
func (NopCache) Get(context.Context, uint64, Actor) (*ActorGrants, bool) { return nil, false }
func (NopCache) Set(context.Context, uint64, Actor, *ActorGrants)        {}
func (NopCache) InvalidateAll(context.Context) error                     { return nil }

func cacheKey(gen uint64, actor Actor) string {
	return strconv.FormatUint(gen, 10) + "|" + string(actor.Type) + "|" + actor.ID
}

// LRUGrantCache is an in-process cache for single-instance deployments
type LRUGrantCache struct {
	gen   atomic.Uint64
	cache *expirable.LRU[string, *ActorGrants]
}

// NewLRUGrantCache creates a cache holding up to size actors for ttl
func NewLRUGrantCache(size int, ttl time.Duration) *LRUGrantCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUGrantCache{
		cache: expirable.NewLRU[string, *ActorGrants](size, nil, ttl),
	}
}

func (c *LRUGrantCache) Backend() string { return "lru" }

func (c *LRUGrantCache) Generation(context.Context) (uint64, error) {
	return c.gen.Load(), nil
}

func (c *LRUGrantCache) Get(_ context.Context, gen uint64, actor Actor) (*ActorGrants, bool) {
	return c.cache.Get(cacheKey(gen, actor))
}

func (c *LRUGrantCache) Set(_ context.Context, gen uint64, actor Actor, grants *ActorGrants) {
	if gen != c.gen.Load() {
		return
	}
	c.cache.Add(cacheKey(gen, actor), grants)
}

func (c *LRUGrantCache) InvalidateAll(context.Context) error {
	c.gen.Add(1)
	c.cache.Purge()
	return nil
}

const redisGenerationKey = "porter:grants:gen"

// RedisGrantCache shares grants between instances. The generation lives in Redis so a
// write on one instance invalidates every other instance.
type RedisGrantCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGrantCache creates a cache whose entries expire after ttl
func NewRedisGrantCache(client *redis.Client, ttl time.Duration) *RedisGrantCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGrantCache{client: client, ttl: ttl}
}

func (c *RedisGrantCache) Backend() string { return "redis" }

func (c *RedisGrantCache) Generation(ctx context.Context) (uint64, error) {
	gen, err := c.client.Get(ctx, redisGenerationKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read grant generation: %w", err)
	}
	return gen, nil
}

func (c *RedisGrantCache) Get(ctx context.Context, gen uint64, actor Actor) (*ActorGrants, bool) {
	data, err := c.client.Get(ctx, "porter:grants:"+cacheKey(gen, actor)).Bytes()
	if err != nil {
		return nil, false
	}
	var grants ActorGrants
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, false
	}
	return &grants, true
}

func (c *RedisGrantCache) Set(ctx context.Context, gen uint64, actor Actor, grants *ActorGrants) {
	data, err := json.Marshal(grants)
	if err != nil {
		return
	}
	c.client.Set(ctx, "porter:grants:"+cacheKey(gen, actor), data, c.ttl)
}

func (c *RedisGrantCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, redisGenerationKey).Err(); err != nil {
		return fmt.Errorf("failed to advance grant generation: %w", err)
	}
	return nil
}
