/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resolver

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// CacheConfig bounds TTLs and cache size for a CachingResolver (spec.md
// §4.3 "Cache contract").
type CacheConfig struct {
	Driver         Driver
	Capacity       int
	PositiveMinTTL time.Duration
	PositiveMaxTTL time.Duration
	NegativeTTL    time.Duration
	Clock          clockwork.Clock
}

func (c *CacheConfig) checkAndSetDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.PositiveMaxTTL <= 0 {
		c.PositiveMaxTTL = 10 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type cacheEntry struct {
	set     *ResolvedSet
	resErr  *ResolveError
	expires time.Time
}

// CachingResolver wraps a Driver with a (name, family)-keyed cache and
// in-flight query coalescing: concurrent lookups for the same key join one
// outstanding driver call (spec.md §4.3, §8 testable property).
type CachingResolver struct {
	cfg   CacheConfig
	cache *lru.Cache[cacheKey, cacheEntry]
	group singleflight.Group
}

type cacheKey struct {
	name   string
	family Family
}

// NewCachingResolver creates a CachingResolver from cfg.
func NewCachingResolver(cfg CacheConfig) (*CachingResolver, error) {
	cfg.checkAndSetDefaults()
	c, err := lru.New[cacheKey, cacheEntry](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &CachingResolver{cfg: cfg, cache: c}, nil
}

// Resolve implements Resolver. resolutionDelay is accepted for interface
// compatibility with the Happy-Eyeballs dialer in lib/escaper, which reads
// it back via ResolvedSet for its own pacing; the cache layer itself does
// not use it.
func (r *CachingResolver) Resolve(ctx context.Context, name string, family Family, resolutionDelay time.Duration) (*ResolvedSet, *ResolveError) {
	key := cacheKey{name: name, family: family}
	now := r.cfg.Clock.Now()

	if entry, ok := r.cache.Get(key); ok && now.Before(entry.expires) {
		return entry.set, entry.resErr
	}

	sfKey := fmt.Sprintf("%s|%d", name, family)
	v, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		set, resErr := r.cfg.Driver.Query(ctx, name, family)
		r.store(key, set, resErr)
		return queryResult{set, resErr}, nil
	})
	if err != nil {
		// The driver contract returns errors via *ResolveError, never a
		// bare error; singleflight.Do's error is only non-nil if the
		// function itself panics/returns one, which Query never does.
		return nil, &ResolveError{Kind: ServFail, Name: name, Err: err}
	}
	res := v.(queryResult)
	return res.set, res.resErr
}

type queryResult struct {
	set    *ResolvedSet
	resErr *ResolveError
}

func (r *CachingResolver) store(key cacheKey, set *ResolvedSet, resErr *ResolveError) {
	now := r.cfg.Clock.Now()
	if resErr != nil {
		r.cache.Add(key, cacheEntry{resErr: resErr, expires: now.Add(r.cfg.NegativeTTL)})
		return
	}
	ttl := set.TTL
	if r.cfg.PositiveMinTTL > 0 && ttl < r.cfg.PositiveMinTTL {
		ttl = r.cfg.PositiveMinTTL
	}
	if ttl > r.cfg.PositiveMaxTTL {
		ttl = r.cfg.PositiveMaxTTL
	}
	r.cache.Add(key, cacheEntry{set: set, expires: now.Add(ttl)})
}
