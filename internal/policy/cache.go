package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure"
)

// CachingMerger wraps Merge with a short-TTL cache keyed by the hash of the
// requested profile IDs, so repeated requests against the same profile set
// don't each pay for a fresh fetch-and-merge round trip. A failed
// fetch-and-merge is never written into the cache.
type CachingMerger struct {
	Fetch FetchFunc
	TTL   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	policy    *EffectivePolicy
	expiresAt time.Time
}

// NewCachingMerger returns a CachingMerger with the given TTL.
func NewCachingMerger(fetch FetchFunc, ttl time.Duration) *CachingMerger {
	return &CachingMerger{
		Fetch:   fetch,
		TTL:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Merge returns the effective policy for ids, recomputing only once the
// cached entry's TTL has elapsed.
func (c *CachingMerger) Merge(ids []string) (*EffectivePolicy, error) {
	key, err := cacheKey(ids)
	if err != nil {
		return Merge(ids, c.Fetch)
	}

	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.policy, nil
	}

	policy, err := Merge(ids, c.Fetch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{policy: policy, expiresAt: now.Add(c.TTL)}
	c.mu.Unlock()

	return policy, nil
}

func cacheKey(ids []string) (string, error) {
	hash, err := hashstructure.Hash(ids, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash), nil
}
