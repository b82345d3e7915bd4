package frame

import "sync"

// Cache holds the most recent preview JPEG. Stored slices are treated as
// immutable: writers hand over ownership, readers must not modify.
type Cache struct {
	mu      sync.RWMutex
	last    []byte
	updates uint64
	onStore func([]byte)
}

// NewCache returns an empty cache. onStore, if non-nil, is called after every
// successful Store outside the lock.
func NewCache(onStore func([]byte)) *Cache {
	return &Cache{onStore: onStore}
}

// Store overwrites the cached frame. Empty frames are ignored.
func (c *Cache) Store(jpeg []byte) {
	if len(jpeg) == 0 {
		return
	}
	c.mu.Lock()
	c.last = jpeg
	c.updates++
	hook := c.onStore
	c.mu.Unlock()
	if hook != nil {
		hook(jpeg)
	}
}

// Load returns the cached frame or nil.
func (c *Cache) Load() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Updates returns how many frames have been stored.
func (c *Cache) Updates() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updates
}
