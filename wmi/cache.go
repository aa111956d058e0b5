package wmi

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// cache is a connection-owned metadata cache. Stored masters are never
// handed out: every hit returns a clone. Concurrent misses for one key
// resolve once.
type cache[V any] struct {
	name     string
	entries  *lru.Cache[string, V] // nil when caching is disabled
	group    singleflight.Group
	clone    func(V) V
	observer Observer
}

func newCache[V any](name string, size int, enabled bool, clone func(V) V, observer Observer) *cache[V] {
	c := &cache[V]{name: name, clone: clone, observer: observer}
	if enabled {
		// lru.New only fails for a non-positive size.
		if size <= 0 {
			size = DefaultCacheSize
		}
		c.entries, _ = lru.New[string, V](size)
	}
	return c
}

type cacheResult[V any] struct {
	v  V
	ok bool
}

// get returns a clone of the value cached under key, calling resolve on a
// miss. resolve reports ok=false for "nothing to cache", which get passes
// on as the zero V.
func (c *cache[V]) get(ctx context.Context, key string, resolve func(context.Context) (V, bool, error)) (V, bool, error) {
	var zero V
	if c.entries == nil {
		return resolve(ctx)
	}
	if v, ok := c.entries.Get(key); ok {
		c.observer.CacheLookup(c.name, true)
		return c.clone(v), true, nil
	}
	c.observer.CacheLookup(c.name, false)

	r, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.entries.Get(key); ok {
			return cacheResult[V]{v, true}, nil
		}
		v, ok, err := resolve(ctx)
		if err != nil || !ok {
			return cacheResult[V]{}, err
		}
		master := c.clone(v)
		c.entries.Add(key, master)
		return cacheResult[V]{master, true}, nil
	})
	if err != nil {
		return zero, false, err
	}
	res := r.(cacheResult[V])
	if !res.ok {
		return zero, false, nil
	}
	return c.clone(res.v), true, nil
}

func (c *cache[V]) len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

func (c *cache[V]) purge() {
	if c.entries != nil {
		c.entries.Purge()
	}
}
