package distributor

import "time"

// histogram is a fixed-width latency histogram with a catch-all last
// bucket: 20 buckets of 10ms by default, last bucket catches
// everything at or above its lower bound.
type histogram struct {
	width   time.Duration
	buckets []int64
}

func newHistogram(bucketCount int, width time.Duration) *histogram {
	return &histogram{
		width:   width,
		buckets: make([]int64, bucketCount),
	}
}

func (h *histogram) observe(d time.Duration) {
	idx := int(d / h.width)
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	if idx < 0 {
		idx = 0
	}
	h.buckets[idx]++
}

// snapshot returns a copy of the bucket counts.
func (h *histogram) snapshot() []int64 {
	out := make([]int64, len(h.buckets))
	copy(out, h.buckets)
	return out
}

// delta returns the element-wise difference from a previous snapshot — this
// is the "shadow last interval copy" mechanism used for every metric. prev
// is not modified; histogramRows replaces its stored snapshot after the call.
func (h *histogram) delta(prev []int64) []int64 {
	out := make([]int64, len(h.buckets))
	for i := range h.buckets {
		if i < len(prev) {
			out[i] = h.buckets[i] - prev[i]
		} else {
			out[i] = h.buckets[i]
		}
	}
	return out
}
