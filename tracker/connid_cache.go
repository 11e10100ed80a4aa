package tracker

import (
	"errors"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// cachedConnID is a UDP connection id handed out by a tracker.
type cachedConnID struct {
	id      uint64
	expires time.Time
}

// Size returns the "size" of an entry.
func (c *cachedConnID) Size() (uint64, error) {
	return 1, nil
}

// connIDCache remembers UDP connection ids per tracker so that announces
// within the expiry skip the connect round trip. It is only used from the
// event loop.
type connIDCache struct {
	ids    *lru.Cache[string, *cachedConnID]
	expiry time.Duration
}

// newConnIDCache returns a cache holding up to capacity ids. A zero expiry
// disables caching.
func newConnIDCache(capacity uint64, expiry time.Duration) *connIDCache {
	return &connIDCache{
		ids:    lru.NewCache[string, *cachedConnID](capacity),
		expiry: expiry,
	}
}

// get returns the id cached for the tracker if it has not expired at now.
func (c *connIDCache) get(tracker string, now time.Time) (uint64, bool) {
	entry, err := c.ids.Get(tracker)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return 0, false

	case err != nil:
		log.Debugf("Unable to look up connection id of %v: %v",
			tracker, err)
		return 0, false
	}

	if !now.Before(entry.expires) {
		c.ids.Delete(tracker)
		return 0, false
	}

	return entry.id, true
}

// put caches the id handed out by the tracker at now.
func (c *connIDCache) put(tracker string, id uint64, now time.Time) {
	if c.expiry <= 0 {
		return
	}

	_, err := c.ids.Put(tracker, &cachedConnID{
		id:      id,
		expires: now.Add(c.expiry),
	})
	if err != nil {
		log.Debugf("Unable to cache connection id of %v: %v", tracker,
			err)
	}
}

// remove forgets the id of the tracker.
func (c *connIDCache) remove(tracker string) {
	c.ids.Delete(tracker)
}
