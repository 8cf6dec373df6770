package dnssource

import (
	"sync"
	"time"
)

// addrCache 缓存SRV目标解析出的地址，按记录TTL过期
type addrCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	ip       string
	expireAt time.Time
}

func newAddrCache() *addrCache {
	return &addrCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get 返回未过期的地址
func (c *addrCache) Get(target string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[target]
	if !found || c.now().After(entry.expireAt) {
		return "", false
	}
	return entry.ip, true
}

// Set TTL为0的记录不缓存
func (c *addrCache) Set(target, ip string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[target] = cacheEntry{ip: ip, expireAt: c.now().Add(ttl)}
}

// CleanupExpired 清理所有过期条目
func (c *addrCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var removed int
	for key, entry := range c.entries {
		if now.After(entry.expireAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
