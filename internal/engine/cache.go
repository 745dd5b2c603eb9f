package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// nowFn is swapped in tests to control expiry.
var nowFn = time.Now

const cacheShards = 16

// cacheEntry is one stored response with its expiry deadline.
type cacheEntry struct {
	result    *Result
	family    string
	expiresAt time.Time
}

// responseCache is a sharded in-memory TTL cache for read operation
// results. Keys are derived from the operation name and its sanitized
// arguments, so two semantically identical calls always hit the same
// entry. Expired entries are dropped lazily on read and swept when a
// shard is written.
type responseCache struct {
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newResponseCache() *responseCache {
	c := &responseCache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]cacheEntry)
	}
	return c
}

// cacheKey builds a deterministic key from the operation name and its
// arguments. Excluded parameters (pagination cursors, idempotency keys)
// are dropped first, then the remainder is serialized with sorted keys
// so map iteration order cannot split identical calls across entries.
func cacheKey(operation string, args map[string]interface{}, exclude []string) (string, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	keys := make([]string, 0, len(args))
	for name := range args {
		if !excluded[name] {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(operation))
	for _, name := range keys {
		encoded, err := json.Marshal(args[name])
		if err != nil {
			return "", fmt.Errorf("cache key for %s: %w", name, err)
		}
		fmt.Fprintf(h, "|%s=%s", name, encoded)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *responseCache) shard(key string) *cacheShard {
	// Keys are hex-encoded sha256, so the first hex digit is a uniform
	// nibble over exactly cacheShards values.
	b := key[0]
	if b >= 'a' {
		b = b - 'a' + 10
	} else {
		b -= '0'
	}
	return &c.shards[b%cacheShards]
}

// get returns the cached result for key, or nil if absent or expired.
func (c *responseCache) get(key string) *Result {
	s := c.shard(key)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if nowFn().After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; another writer may have
		// refreshed the entry.
		if e, ok := s.entries[key]; ok && nowFn().After(e.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil
	}

	return entry.result
}

// put stores a result under key for ttl, tagged with its resource
// family for invalidation.
func (c *responseCache) put(key string, result *Result, family string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry{
		result:    result,
		family:    family,
		expiresAt: nowFn().Add(ttl),
	}
	s.sweepLocked()
	s.mu.Unlock()
}

// invalidateFamily drops every entry tagged with the given resource
// family. Called after a successful mutation so subsequent reads see
// fresh data.
func (c *responseCache) invalidateFamily(family string) int {
	if family == "" {
		return 0
	}

	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.family == family {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// invalidateAll clears the cache.
func (c *responseCache) invalidateAll() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]cacheEntry)
		s.mu.Unlock()
	}
}

// size reports the live entry count across shards, counting expired
// entries that have not been swept yet.
func (c *responseCache) size() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// cloneResult returns an isolated copy of a result so a caller mutating
// the shaped payload cannot poison the stored entry or later hits.
func cloneResult(r *Result) *Result {
	out := &Result{
		Response:   cloneValue(r.Response),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		FromCache:  r.FromCache,
	}
	if r.RawResponse != nil {
		out.RawResponse = append([]byte(nil), r.RawResponse...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// cloneValue deep-copies decoded JSON shapes; scalars pass through.
func cloneValue(val interface{}) interface{} {
	switch v := val.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// sweepLocked removes expired entries from one shard. Caller holds the
// write lock.
func (s *cacheShard) sweepLocked() {
	now := nowFn()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
