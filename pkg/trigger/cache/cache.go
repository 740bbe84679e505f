package cache

import (
	"time"

	"github.com/gecl/otawatch/pkg/trigger"

	"github.com/karlseguin/ccache"
)

const (
	cacheTimeout = time.Second * 15
)

// LastCache provides access to the last handled Request that came from the
// same identity as the provided Request. Trigger transports redeliver (QoS1
// and friends); the cache lets callers drop byte-equal redeliveries inside a
// short window instead of burning a submit on them.
type LastCache interface {
	Last(*trigger.Request) *trigger.Request
	Record(*trigger.Request)
}

type lastCache struct {
	cache *ccache.Cache
}

// NewLastCache creates a cache suitable for storing and retrieving the last
// handled Request for a given identity.
func NewLastCache() LastCache {
	return &lastCache{
		cache: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
}

// Last returns the most recently recorded Request for the same identity, or
// nil when none is fresh.
func (c *lastCache) Last(req *trigger.Request) *trigger.Request {
	if req == nil {
		return nil
	}
	val := c.cache.Get(req.Identity)
	if val == nil {
		return nil
	}
	if val.Expired() {
		return nil
	}
	last, ok := val.Value().(*trigger.Request)
	if !ok {
		return nil
	}

	// Copy to protect against misuse of the cached in-memory Request.
	clone := *last
	return &clone
}

// Record caches the provided Request as the most recent one handled for its
// identity.
func (c *lastCache) Record(req *trigger.Request) {
	if req == nil {
		return
	}
	clone := *req
	c.cache.Set(req.Identity, &clone, cacheTimeout)
}

// Duplicate reports whether req matches the last recorded Request for its
// identity.
func Duplicate(c LastCache, req *trigger.Request) bool {
	last := c.Last(req)
	return last != nil && last.URL == req.URL && last.Checksum == req.Checksum
}
