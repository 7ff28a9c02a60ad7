package capacity

import (
	"sync"
	"time"
)

// Index is the time-bucketed capacity cache: (resource, bucket) ->
// summed committed percentage of APPROVED/ACTIVE allocations touching
// that bucket. Derived from the ledger, never authoritative. It exists
// so the common no-conflict case is answered without an exact sweep,
// and it can always be rebuilt by replaying committed ledger rows.
//
// Bucket sums over-approximate: two claims that touch the same bucket
// without overlapping in time still add up within it. A bucket-level
// "fits" answer is therefore definitive, while a bucket-level breach
// only means the caller must fall back to the exact boundary sweep.
type Index struct {
	mu          sync.RWMutex
	granularity time.Duration
	buckets     map[string]map[int64]int // resource -> bucket start (unix) -> percent sum
}

// DefaultGranularity is one bucket per day.
const DefaultGranularity = 24 * time.Hour

// NewIndex creates an index with the given bucket granularity. Buckets
// are aligned on whole seconds, so granularity is clamped to at least
// one second.
func NewIndex(granularity time.Duration) *Index {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if granularity < time.Second {
		granularity = time.Second
	}
	return &Index{
		granularity: granularity,
		buckets:     make(map[string]map[int64]int),
	}
}

// Add commits a claim's percentage to every bucket its interval touches.
func (ix *Index) Add(resourceID string, iv Interval, percent int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.apply(resourceID, iv, percent)
}

// Remove releases a previously added claim.
func (ix *Index) Remove(resourceID string, iv Interval, percent int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.apply(resourceID, iv, -percent)
}

// BucketSum returns the committed sum for the bucket containing t.
func (ix *Index) BucketSum(resourceID string, t time.Time) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	res, ok := ix.buckets[resourceID]
	if !ok {
		return 0
	}
	return res[ix.bucketStart(t)]
}

// MaxOver returns the maximum bucket sum across all buckets the
// interval touches. Used as a cheap pre-filter before the exact sweep.
func (ix *Index) MaxOver(resourceID string, iv Interval) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	res, ok := ix.buckets[resourceID]
	if !ok {
		return 0
	}
	max := 0
	for _, b := range ix.bucketsFor(iv) {
		if sum := res[b]; sum > max {
			max = sum
		}
	}
	return max
}

// Rebuild replaces one resource's buckets from its committed claims.
func (ix *Index) Rebuild(resourceID string, claims []Claim) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.buckets, resourceID)
	for _, c := range claims {
		ix.apply(resourceID, c.Interval, c.Percent)
	}
}

// RebuildAll drops every bucket and replays the given committed claims,
// keyed by resource. Used at startup and after granularity changes.
func (ix *Index) RebuildAll(claims map[string][]Claim) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buckets = make(map[string]map[int64]int)
	for resourceID, rcs := range claims {
		for _, c := range rcs {
			ix.apply(resourceID, c.Interval, c.Percent)
		}
	}
}

func (ix *Index) apply(resourceID string, iv Interval, delta int) {
	res, ok := ix.buckets[resourceID]
	if !ok {
		res = make(map[int64]int)
		ix.buckets[resourceID] = res
	}
	for _, b := range ix.bucketsFor(iv) {
		res[b] += delta
		if res[b] == 0 {
			delete(res, b)
		}
	}
}

func (ix *Index) bucketsFor(iv Interval) []int64 {
	step := int64(ix.granularity / time.Second)
	// End is exclusive: an interval ending exactly on a bucket boundary
	// does not touch that bucket. The comparison is against the full
	// timestamp, not truncated seconds, so an end with a fractional
	// second past a boundary still claims that bucket.
	var out []int64
	for b := ix.bucketStart(iv.Start); time.Unix(b, 0).Before(iv.End); b += step {
		out = append(out, b)
	}
	return out
}

func (ix *Index) bucketStart(t time.Time) int64 {
	step := int64(ix.granularity / time.Second)
	u := t.Unix()
	return u - (u%step+step)%step
}
