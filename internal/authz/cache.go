// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opentrusty/accessgate/internal/permission"
)

var (
	decisionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accessgate_decision_cache_hits_total",
		Help: "Resolutions served from the decision cache.",
	})
	decisionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accessgate_decision_cache_misses_total",
		Help: "Resolutions that required a full evaluation.",
	})
	decisionCacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accessgate_decision_cache_invalidations_total",
		Help: "Per-user invalidations applied to the decision cache.",
	})
)

// DefaultCacheTTL is how long a decision stays valid without a mutation.
const DefaultCacheTTL = 60 * time.Second

const keySep = "\x1f"

type cachedDecision struct {
	decision   Decision
	generation uint64
	validUntil time.Time // zero when the decision does not rest on an expiring grant
}

// DecisionCache holds recent decisions keyed by (user, role, permission).
//
// Each user has a generation counter. Invalidation bumps it and drops the
// user's entries; a result computed against an older generation is never
// stored or served. This keeps mutations linearizable with later resolutions
// even when a slow resolution races the mutation.
//
// An allow that rests on a time-bounded grant is never served once the grant
// has expired, whatever the remaining TTL.
type DecisionCache struct {
	mu          sync.Mutex
	entries     *expirable.LRU[string, cachedDecision]
	generations map[string]uint64
	epoch       uint64 // bumped by Purge
	now         func() time.Time
}

// NewDecisionCache creates a cache bounded by maxEntries (0 = unbounded)
// whose entries expire after ttl.
func NewDecisionCache(maxEntries int, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{
		entries:     expirable.NewLRU[string, cachedDecision](maxEntries, nil, ttl),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

func cacheKey(subject Subject, perm permission.Key) string {
	return subject.UserID + keySep + string(subject.Role) + keySep + perm.String()
}

// Get returns the cached decision tagged as a cache hit.
func (c *DecisionCache) Get(subject Subject, perm permission.Key) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(subject, perm)
	entry, ok := c.entries.Get(k)
	if ok && !entry.validUntil.IsZero() && !c.now().Before(entry.validUntil) {
		c.entries.Remove(k)
		ok = false
	}
	if !ok || entry.generation != c.generationLocked(subject.UserID) {
		decisionCacheMisses.Inc()
		return Decision{}, false
	}
	decisionCacheHits.Inc()

	d := entry.decision
	d.CacheHit = true
	return d, true
}

// Generation returns the user's current generation. Callers read it before
// evaluating and hand it back to Put.
func (c *DecisionCache) Generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(userID)
}

// generationLocked combines the cache epoch with the user's counter. Both
// only grow, so any bump changes the sum.
func (c *DecisionCache) generationLocked(userID string) uint64 {
	return c.epoch + c.generations[userID]
}

// Put stores d unless the user was invalidated since generation was read.
// It reports whether the decision was stored.
func (c *DecisionCache) Put(subject Subject, perm permission.Key, d Decision, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generationLocked(subject.UserID) != generation {
		return false
	}
	d.CacheHit = false
	entry := cachedDecision{decision: d, generation: generation}
	if d.Allowed && d.MatchedSource != nil && d.MatchedSource.ExpiresAt != nil {
		entry.validUntil = *d.MatchedSource.ExpiresAt
	}
	c.entries.Add(cacheKey(subject, perm), entry)
	return true
}

// InvalidateUser drops every cached decision for userID. It returns only
// after the entries are unreachable.
func (c *DecisionCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[userID]++
	prefix := userID + keySep
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.entries.Remove(k)
		}
	}
	decisionCacheInvalidations.Inc()
}

// Purge drops every entry.
func (c *DecisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.entries.Purge()
}

// Len returns the number of live entries.
func (c *DecisionCache) Len() int {
	return c.entries.Len()
}
