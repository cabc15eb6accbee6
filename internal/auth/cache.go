package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Keys are stored as SHA-256 digests so raw API keys never sit in memory
// longer than a request.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool // stale; exactly one caller per expiry sees true
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

func digest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	val, ok := c.store.Load(digest(apiKey))
	if !ok {
		return AuthCacheGetResult{}
	}

	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return AuthCacheGetResult{Principal: entry.principal, Hit: true}
	}

	return AuthCacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with a fresh TTL.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.store.Store(digest(apiKey), &cacheEntry{
		principal: p,
		expiresAt: c.now().Add(c.ttl),
	})
}

// ReleaseRefresh lets the next stale lookup claim the refresh again, after
// a refresh attempt failed without a verdict on the key.
func (c *AuthCache) ReleaseRefresh(apiKey string) {
	if val, ok := c.store.Load(digest(apiKey)); ok {
		val.(*cacheEntry).refreshing.Store(false)
	}
}

// Delete removes an entry, e.g. after the key was revoked.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(digest(apiKey))
}
