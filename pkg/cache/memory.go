package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value    string
	expireAt time.Time
}

// MemoryCache implements Store in process. Its SetIfAbsent guarantee only
// holds within one process.
type MemoryCache struct {
	data  map[string]memoryItem
	mutex sync.Mutex
	now   func() time.Time

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewMemoryCache creates an in-memory cache with a background sweep of
// expired keys.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		CleanupInterval: time.Minute,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data: make(map[string]memoryItem),
		now:  cfg.Now,
		stop: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		mc.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
		go mc.cleanupExpired()
	}
	return mc
}

func (mc *MemoryCache) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	now := mc.now()
	if item, ok := mc.data[key]; ok && !mc.expired(item, now) {
		return false, nil
	}
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expireAt = now.Add(ttl)
	}
	mc.data[key] = item
	return true, nil
}

func (mc *MemoryCache) Get(_ context.Context, key string) (string, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	item, ok := mc.data[key]
	if !ok || mc.expired(item, mc.now()) {
		delete(mc.data, key)
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	for _, key := range keys {
		delete(mc.data, key)
	}
	return nil
}

// Len counts live keys.
func (mc *MemoryCache) Len() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	now := mc.now()
	n := 0
	for _, item := range mc.data {
		if !mc.expired(item, now) {
			n++
		}
	}
	return n
}

func (mc *MemoryCache) expired(item memoryItem, now time.Time) bool {
	return !item.expireAt.IsZero() && !now.Before(item.expireAt)
}

func (mc *MemoryCache) sweep() {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	now := mc.now()
	for key, item := range mc.data {
		if mc.expired(item, now) {
			delete(mc.data, key)
		}
	}
}

func (mc *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-mc.stop:
			return
		case <-mc.cleanupTicker.C:
			mc.sweep()
		}
	}
}

// Close stops the cleanup loop.
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() {
		if mc.cleanupTicker != nil {
			mc.cleanupTicker.Stop()
		}
		close(mc.stop)
	})
	return nil
}

var _ Store = (*MemoryCache)(nil)
