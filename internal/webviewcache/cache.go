// Package webviewcache keeps a bounded set of live WebViews keyed by mini-app id.
package webviewcache

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxSize is the number of WebViews retained when no size is configured.
const DefaultMaxSize = 5

// Handle owns one WebView and can release it.
type Handle interface {
	// Teardown stops loading, clears history and destroys the view.
	Teardown()
}

type entry struct {
	key       string
	handle    Handle
	dismissed bool
}

// Cache is an LRU of WebView handles. A handle leaving the cache is torn down
// only when its owner has been dismissed; a live one is just forgotten.
type Cache struct {
	log *zap.Logger

	mu    sync.Mutex
	max   int
	order *list.List // front is newest
	items map[string]*list.Element
}

// New returns a cache holding at most max handles.
func New(max int, log *zap.Logger) *Cache {
	if max <= 0 {
		max = DefaultMaxSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{log: log, max: max, order: list.New(), items: make(map[string]*list.Element)}
}

// Get returns the handle for key and marks it most recently used.
func (c *Cache) Get(key string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).handle, true
}

// Put stores h under key, evicting the least recently used handles beyond
// the size limit.
func (c *Cache) Put(key string, h Handle) {
	var removed []*entry
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		if old.handle != h {
			removed = append(removed, &entry{key: key, handle: old.handle, dismissed: old.dismissed})
		}
		old.handle = h
		old.dismissed = false
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&entry{key: key, handle: h})
	}
	removed = append(removed, c.trimLocked()...)
	c.mu.Unlock()
	c.release(removed, "evicted")
}

// Remove drops key from the cache and returns its handle.
func (c *Cache) Remove(key string) (Handle, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := c.removeLocked(el)
	c.mu.Unlock()
	c.release([]*entry{e}, "removed")
	return e.handle, true
}

// RemoveAll empties the cache.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	var removed []*entry
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		removed = append(removed, c.removeLocked(el))
	}
	c.mu.Unlock()
	c.release(removed, "removed")
}

// Resize changes the size limit, evicting as needed.
func (c *Cache) Resize(max int) {
	if max <= 0 {
		max = DefaultMaxSize
	}
	c.mu.Lock()
	c.max = max
	removed := c.trimLocked()
	c.mu.Unlock()
	c.release(removed, "evicted")
}

// MarkDismissed records that the WebView's owner was closed, making the
// handle eligible for teardown once it leaves the cache.
func (c *Cache) MarkDismissed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	el.Value.(*entry).dismissed = true
	return true
}

// MarkResumed clears the dismissed mark set by MarkDismissed and marks the
// handle most recently used.
func (c *Cache) MarkResumed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	el.Value.(*entry).dismissed = false
	c.order.MoveToFront(el)
	return true
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys lists cached keys from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

func (c *Cache) trimLocked() []*entry {
	var removed []*entry
	for c.order.Len() > c.max {
		removed = append(removed, c.removeLocked(c.order.Back()))
	}
	return removed
}

func (c *Cache) removeLocked(el *list.Element) *entry {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.key)
	return e
}

// release runs teardown outside the lock since handles may call back into the cache.
func (c *Cache) release(entries []*entry, reason string) {
	for _, e := range entries {
		if !e.dismissed || e.handle == nil {
			c.log.Debug("webview dropped from cache", zap.String("key", e.key), zap.String("reason", reason))
			continue
		}
		c.log.Info("tearing down webview", zap.String("key", e.key), zap.String("reason", reason))
		e.handle.Teardown()
	}
}
