// Package cache provides the generic cache behind the gateway's response cache.
//
// NewExpiring returns a cache whose entries expire after a fixed TTL and which
// evicts the least recently used entry once MaxEntries is reached. Expired
// entries are removed lazily on Get and by a background sweep.
//
//	c, err := cache.NewExpiring[[]byte](ctx, 30*time.Second, 1000, 10*time.Second,
//	    cache.WithMetrics[[]byte](registry, "response_cache"))
//	defer c.Close()
//
// Statistics are always collected. WithMetrics additionally exports them as
// connectgate_cache_* series labelled with the component prefix.
//
// NewNoop returns a cache that never stores anything, used when caching is
// disabled.
package cache
