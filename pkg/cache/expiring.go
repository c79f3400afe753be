package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/connectgate/errors"
)

type expiringEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// expiringCache evicts entries after ttl and, when full, evicts the least
// recently used entry. maxEntries <= 0 disables the size bound.
type expiringCache[V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	now        func() time.Time

	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// NewExpiring creates a cache whose entries live for ttl and which holds at
// most maxEntries entries. A background goroutine removes expired entries
// every cleanupInterval until ctx is done or Close is called.
func NewExpiring[V any](
	ctx context.Context, ttl time.Duration, maxEntries int, cleanupInterval time.Duration, options ...Option[V],
) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewExpiring",
			fmt.Sprintf("ttl must be positive, got %v", ttl))
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewExpiring", "metrics registration")
		}
	}

	c := &expiringCache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        opts.clock,
		stats:      NewStatistics(),
		metrics:    metrics,
		evictFn:    opts.evictCallback,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.cleanup(ctx, cleanupInterval)

	return c, nil
}

func (c *expiringCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.recordMiss()
		return zero, false
	}

	entry := elem.Value.(*expiringEntry[V])
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		size := len(c.items)
		c.mu.Unlock()

		c.recordEviction(size)
		c.notifyEvict(entry)
		c.recordMiss()
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.mu.Unlock()

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return entry.value, true
}

func (c *expiringCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*expiringEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		c.recordSet(-1)
		return false, nil
	}

	c.items[key] = c.order.PushFront(&expiringEntry[V]{key: key, value: value, expiresAt: expiresAt})

	var evicted *expiringEntry[V]
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		oldest := c.order.Back()
		evicted = oldest.Value.(*expiringEntry[V])
		c.removeElement(oldest)
	}
	size := len(c.items)
	c.mu.Unlock()

	if evicted != nil {
		c.recordEviction(size)
		c.notifyEvict(evicted)
	}
	c.recordSet(size)
	return true, nil
}

func (c *expiringCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	entry := elem.Value.(*expiringEntry[V])
	c.removeElement(elem)
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	c.notifyEvict(entry)
	return true, nil
}

func (c *expiringCache[V]) Clear() error {
	c.mu.Lock()
	var removed []*expiringEntry[V]
	if c.evictFn != nil {
		for elem := c.order.Front(); elem != nil; elem = elem.Next() {
			removed = append(removed, elem.Value.(*expiringEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	for _, entry := range removed {
		c.notifyEvict(entry)
	}
	return nil
}

func (c *expiringCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *expiringCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*expiringEntry[V])
		if now.Before(entry.expiresAt) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

func (c *expiringCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *expiringCache[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// removeElement must be called with mu held.
func (c *expiringCache[V]) removeElement(elem *list.Element) {
	entry := elem.Value.(*expiringEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(elem)
}

func (c *expiringCache[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *expiringCache[V]) removeExpired() {
	now := c.now()
	var expired []*expiringEntry[V]

	c.mu.Lock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*expiringEntry[V])
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry)
			c.removeElement(elem)
		}
		elem = next
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, entry := range expired {
		c.recordEviction(size)
		c.notifyEvict(entry)
	}
}

func (c *expiringCache[V]) notifyEvict(entry *expiringEntry[V]) {
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}

func (c *expiringCache[V]) recordMiss() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

// recordSet counts a set; size < 0 means the size did not change.
func (c *expiringCache[V]) recordSet(size int) {
	c.stats.Set()
	if size >= 0 {
		c.stats.UpdateSize(int64(size))
	}
	if c.metrics != nil {
		c.metrics.recordSet()
		if size >= 0 {
			c.metrics.updateSize(size)
		}
	}
}

func (c *expiringCache[V]) recordEviction(size int) {
	c.stats.Eviction()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordEviction()
		c.metrics.updateSize(size)
	}
}
