// Package dedup remembers which item ids have already been seen per tracked
// account so the pipeline never notifies the same post twice.
//
// Each account keeps a bounded record of its most recent ids. Ids are only
// ever inserted once and lookups do not touch recency, so the underlying LRU
// evicts in strict insertion order: when the record is full the oldest id
// goes first. An id evicted under capacity pressure can resurface as "new" —
// that is an accepted limit of the bounded record, not a defect.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"nitwatch/internal/model"
)

// DefaultMaxSize bounds a per-account record when no size is configured.
const DefaultMaxSize = 200

type record struct {
	mu  sync.Mutex
	ids *lru.Cache[string, struct{}]
}

// Cache holds one bounded record per account. Records lock independently, so
// concurrent filtering for different accounts does not serialize.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	records map[string]*record
}

func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{maxSize: maxSize, records: make(map[string]*record)}
}

func (c *Cache) recordFor(handle string) *record {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.records[handle]
	if r == nil {
		ids, err := lru.New[string, struct{}](c.maxSize)
		if err != nil {
			// Only reachable with size <= 0, which the constructor prevents.
			panic(err)
		}
		r = &record{ids: ids}
		c.records[handle] = r
	}
	return r
}

// FilterNew returns the subsequence of items whose ids are not yet recorded
// for the account, preserving input order, and records each returned id.
func (c *Cache) FilterNew(handle string, items []model.Item) []model.Item {
	r := c.recordFor(handle)
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if r.ids.Contains(it.ID) {
			continue
		}
		r.ids.Add(it.ID, struct{}{})
		out = append(out, it)
	}
	return out
}

// Seen reports whether the id is currently recorded for the account.
func (c *Cache) Seen(handle, id string) bool {
	r := c.recordFor(handle)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids.Contains(id)
}

// Warm preloads ids (oldest first) into an account's record, typically from
// the archive's sent markers, so a restart does not re-notify recent items.
func (c *Cache) Warm(handle string, ids []string) {
	r := c.recordFor(handle)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		r.ids.Add(id, struct{}{})
	}
}

// Len reports how many ids are recorded for the account.
func (c *Cache) Len(handle string) int {
	r := c.recordFor(handle)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids.Len()
}
