package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
)

const (
	// Stale identities are served for at most this many TTLs while a
	// refresh is attempted; after that the key must be looked up again.
	staleFactor   = 10
	maxCachedKeys = 10_000
)

// AuthCache caches resolved identities with stale-while-revalidate. Keys
// are stored as SHA-256 digests so raw API keys are never retained.
type AuthCache struct {
	entries *memcache.Memory[*cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	identity   *AgentIdentity
	freshUntil time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Identity     *AgentIdentity
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	c := &AuthCache{ttl: ttl, now: time.Now}
	c.entries = memcache.New(memcache.Options[*cacheEntry]{
		TTL:        ttl * staleFactor,
		MaxEntries: maxCachedKeys,
		Now:        func() time.Time { return c.now() },
	})
	return c
}

func digest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Get performs a cache lookup. A stale entry is still served; exactly one
// caller is told to refresh it.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	entry, ok := c.entries.Get(digest(apiKey))
	if !ok {
		return AuthCacheGetResult{}
	}
	if c.now().Before(entry.freshUntil) {
		return AuthCacheGetResult{Identity: entry.identity, Hit: true}
	}
	return AuthCacheGetResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores an identity with a fresh TTL.
func (c *AuthCache) Set(apiKey string, identity *AgentIdentity) {
	c.entries.Set(digest(apiKey), &cacheEntry{
		identity:   identity,
		freshUntil: c.now().Add(c.ttl),
	}, identity.AgentID)
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(digest(apiKey))
}
