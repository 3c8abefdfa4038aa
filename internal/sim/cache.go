package sim

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	value     any
	storedAt  time.Time
	iteration int
}

// IterationCache 是同一迭代内所有执行上下文共享的短期缓存。
type IterationCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	iteration int
	nowFunc   func() time.Time
	group     singleflight.Group
}

// NewIterationCache 创建缓存。ttl 为 0 时 Cached 不做过期判断。
func NewIterationCache(ttl time.Duration) *IterationCache {
	return &IterationCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Begin 切换到新的迭代并清除之前迭代留下的条目。
func (c *IterationCache) Begin(iteration int) {
	c.mu.Lock()
	c.iteration = iteration
	c.mu.Unlock()
	c.PurgeBefore(iteration)
}

// Iteration 返回当前迭代序号。
func (c *IterationCache) Iteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// PurgeBefore 删除所有早于 iteration 的条目，返回删除数量。
func (c *IterationCache) PurgeBefore(iteration int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.iteration < iteration {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Store 以当前迭代写入原始条目。
func (c *IterationCache) Store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value, c.iteration)
}

func (c *IterationCache) storeLocked(key string, value any, iteration int) {
	c.entries[key] = cacheEntry{value: value, storedAt: c.nowFunc(), iteration: iteration}
}

// Cached 读取条目，超过 TTL 的条目会被删除并视为未命中。
func (c *IterationCache) Cached(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.nowFunc().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// GetOrCompute 在指定迭代内对 key 至多调用一次 fn。fn 的错误不会被缓存。
func (c *IterationCache) GetOrCompute(key string, iteration int, fn func() (any, error)) (any, error) {
	iterKey := fmt.Sprintf("%s_iter_%d", key, iteration)

	c.mu.Lock()
	if entry, ok := c.entries[iterKey]; ok {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(iterKey, func() (any, error) {
		c.mu.Lock()
		if entry, ok := c.entries[iterKey]; ok {
			c.mu.Unlock()
			return entry.value, nil
		}
		c.mu.Unlock()

		value, err := fn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.storeLocked(iterKey, value, iteration)
		c.mu.Unlock()
		return value, nil
	})
	return v, err
}

// Len 返回当前条目数。
func (c *IterationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
