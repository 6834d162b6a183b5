// Package cache implements the Bucketed Cache: per-platform buckets of
// currently-resident vulnerability records, addressed by an offset into the
// conceptual "full set" of everything ever cached under that bucket.
//
// Cache is not internally synchronized; the orchestrator that owns it is
// responsible for serializing access.
package cache

import "github.com/mozilla-services/patches-server/internal/vuln"

// Cache buckets vulnerabilities by platform tag.
type Cache struct {
	buckets     map[string][]vuln.Vulnerability
	totalCounts map[string]int
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		buckets:     make(map[string][]vuln.Vulnerability),
		totalCounts: make(map[string]int),
	}
}

// Cache stores items under platform, replacing whatever was previously
// resident. total_count is incremented by len(items), never reset, even if
// items duplicates what was already cached.
func (c *Cache) Cache(platform string, items []vuln.Vulnerability) {
	c.buckets[platform] = items
	c.totalCounts[platform] = c.totalCounts[platform] + len(items)
}

// RemoveBucket drops a platform's active set and total_count. No-op if the
// platform has no bucket.
func (c *Cache) RemoveBucket(platform string) {
	delete(c.buckets, platform)
	delete(c.totalCounts, platform)
}

// Size returns the full-set size (total_count) for platform, or 0 if the
// platform has no bucket.
func (c *Cache) Size(platform string) int {
	return c.totalCounts[platform]
}

// Retrieve returns the slice of items visible at offset within platform's
// full set, bounded by limit (nil means unbounded). Returns nil if platform
// has no bucket at all — distinct from an empty (but non-nil) slice, which
// means "bucket exists, nothing to deliver right now".
func (c *Cache) Retrieve(platform string, offset int, limit *int) []vuln.Vulnerability {
	items, ok := c.buckets[platform]
	if !ok {
		return nil
	}
	if items == nil {
		items = []vuln.Vulnerability{}
	}

	total := c.totalCounts[platform]
	if offset > total {
		return []vuln.Vulnerability{}
	}

	// inactive is the count already retired from memory: the boundary
	// between the inactive set and the resident active set.
	inactive := total - len(items)

	start := offset - inactive
	if start < 0 {
		start = 0
	}

	if limit == nil || *limit > len(items) {
		return items[start:]
	}

	end := start + *limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// All returns a copy of every bucket's active items and total_count, keyed
// by platform. Used only for persistence snapshotting.
func (c *Cache) All() (map[string][]vuln.Vulnerability, map[string]int) {
	items := make(map[string][]vuln.Vulnerability, len(c.buckets))
	for platform, bucket := range c.buckets {
		items[platform] = append([]vuln.Vulnerability(nil), bucket...)
	}

	totals := make(map[string]int, len(c.totalCounts))
	for platform, total := range c.totalCounts {
		totals[platform] = total
	}

	return items, totals
}

// Restore replaces the cache's contents with items/totalCounts. Used only
// when rehydrating from persistence.
func (c *Cache) Restore(items map[string][]vuln.Vulnerability, totalCounts map[string]int) {
	c.buckets = make(map[string][]vuln.Vulnerability, len(items))
	for platform, bucket := range items {
		c.buckets[platform] = bucket
	}

	c.totalCounts = make(map[string]int, len(totalCounts))
	for platform, total := range totalCounts {
		c.totalCounts[platform] = total
	}
}
