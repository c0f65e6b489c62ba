package snapshot

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ThumbnailCache keeps rendered thumbnails in memory, keyed by the storage
// path of the binary they were derived from. Losing an entry only costs a
// re-render, so the bound is enforced loosely: when full, the entry closest
// to expiry makes room for the new one.
type ThumbnailCache struct {
	mu         sync.Mutex
	cache      *gocache.Cache
	maxEntries int
}

// NewThumbnailCache builds a cache holding at most maxEntries thumbnails,
// each expiring after ttl.
func NewThumbnailCache(maxEntries int, ttl time.Duration) *ThumbnailCache {
	return &ThumbnailCache{
		cache:      gocache.New(ttl, ttl/2),
		maxEntries: maxEntries,
	}
}

// Put stores the encoded thumbnail under key.
func (t *ThumbnailCache) Put(key string, thumbnail []byte) {
	if key == "" || len(thumbnail) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cache.Get(key); !ok && t.cache.ItemCount() >= t.maxEntries {
		t.evictOne()
	}
	t.cache.Set(key, thumbnail, gocache.DefaultExpiration)
}

// Get returns the thumbnail for key, if still cached.
func (t *ThumbnailCache) Get(key string) ([]byte, bool) {
	v, ok := t.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Has reports whether a thumbnail exists for key without copying it out.
func (t *ThumbnailCache) Has(key string) bool {
	_, ok := t.cache.Get(key)
	return ok
}

// evictOne drops the entry closest to expiry. Caller holds the lock.
func (t *ThumbnailCache) evictOne() {
	var victim string
	var soonest int64
	for key, item := range t.cache.Items() {
		if victim == "" || item.Expiration < soonest {
			victim, soonest = key, item.Expiration
		}
	}
	if victim != "" {
		t.cache.Delete(victim)
	}
}
