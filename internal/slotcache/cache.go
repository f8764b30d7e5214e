package slotcache

import (
	"sync"

	"flickfeed/internal/media"

	"github.com/sirupsen/logrus"
)

// slot is one cached media element together with its insertion bookkeeping.
type slot struct {
	url    string
	handle media.Handle
}

// Cache is a bounded cache of warmed media elements keyed by resolved URL.
// Ownership of a handle is exclusive: Checkout transfers it to the caller and
// Checkin transfers it back. Insertion beyond capacity evicts the
// oldest-inserted-since-last-access slot and closes the evicted handle.
type Cache struct {
	capacity int
	slots    map[string]*slot
	order    []string // insertion/access order, oldest first
	mutex    sync.Mutex
	logger   *logrus.Logger
	closed   bool
}

// New creates a cache holding at most capacity elements.
func New(capacity int, logger *logrus.Logger) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		slots:    make(map[string]*slot),
		logger:   logger,
	}
}

// Checkout removes and returns a usable cached handle for url. The second
// return value reports a hit. An unusable cached handle counts as a miss and
// is closed on the spot so broken state is never reused.
func (c *Cache) Checkout(url string) (media.Handle, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s, exists := c.slots[url]
	if !exists {
		return nil, false
	}
	c.removeLocked(url)

	if !s.handle.Usable() {
		s.handle.Close()
		c.logger.WithField("url", url).Debug("Discarded unusable cached element")
		return nil, false
	}

	return s.handle, true
}

// Checkin returns ownership of a handle to the cache. The handle's fetch is
// suspended first so it stops competing for bandwidth; it is retained only if
// usable, otherwise closed immediately.
func (c *Cache) Checkin(url string, handle media.Handle) {
	if handle == nil {
		return
	}
	handle.Suspend()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed || !handle.Usable() {
		handle.Close()
		return
	}

	c.insertLocked(url, handle)
}

// Insert registers a preloaded handle for later checkout. Unlike Checkin it
// assumes the preloader already suspended or never started playback on it.
func (c *Cache) Insert(url string, handle media.Handle) {
	if handle == nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed || !handle.Usable() {
		handle.Close()
		return
	}

	c.insertLocked(url, handle)
}

// Contains reports whether a url currently has a cached slot.
func (c *Cache) Contains(url string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.slots[url]
	return ok
}

// Len returns the number of cached slots.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.slots)
}

// Close releases every cached handle and rejects further insertions.
func (c *Cache) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, s := range c.slots {
		s.handle.Close()
	}
	c.slots = make(map[string]*slot)
	c.order = nil
	c.closed = true
}

// insertLocked adds or refreshes a slot, evicting the oldest when over
// capacity. Caller holds the mutex.
func (c *Cache) insertLocked(url string, handle media.Handle) {
	if existing, ok := c.slots[url]; ok {
		// Same URL checked in twice: keep the newer handle.
		if existing.handle != handle {
			existing.handle.Close()
		}
		c.removeLocked(url)
	}

	c.slots[url] = &slot{url: url, handle: handle}
	c.order = append(c.order, url)

	for len(c.slots) > c.capacity {
		oldest := c.order[0]
		evicted := c.slots[oldest]
		c.removeLocked(oldest)
		evicted.handle.Close()
		c.logger.WithField("url", oldest).Debug("Evicted media element from slot cache")
	}
}

// removeLocked drops a url from the map and order list. Caller holds the mutex.
func (c *Cache) removeLocked(url string) {
	delete(c.slots, url)
	for i, u := range c.order {
		if u == url {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
