package risk

import (
	"sort"
	"sync"
)

const windowSeconds = 60

// rollingCounter tracks per-second event counts over a sliding minute. Each
// bucket remembers the unix second it belongs to; stale buckets are lazily
// reset on write and skipped on read.
type rollingCounter struct {
	mu      sync.Mutex
	buckets [windowSeconds]int64
	seconds [windowSeconds]int64
}

func (rc *rollingCounter) incr(unixSec int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	idx := unixSec % windowSeconds
	if rc.seconds[idx] != unixSec {
		rc.seconds[idx] = unixSec
		rc.buckets[idx] = 0
	}
	rc.buckets[idx]++
}

// perSecond returns the count recorded within the current second.
func (rc *rollingCounter) perSecond(unixSec int64) int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	idx := unixSec % windowSeconds
	if rc.seconds[idx] != unixSec {
		return 0
	}
	return rc.buckets[idx]
}

// perMinute sums every bucket no older than the sliding minute.
func (rc *rollingCounter) perMinute(unixSec int64) int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	oldest := unixSec - windowSeconds + 1
	var sum int64
	for i := 0; i < windowSeconds; i++ {
		if rc.seconds[i] >= oldest && rc.seconds[i] <= unixSec {
			sum += rc.buckets[i]
		}
	}
	return sum
}

// accountCounters bundles the per-account event windows feeding the
// automatic kill-switch triggers and the order rate gate.
type accountCounters struct {
	orders          rollingCounter
	cancels         rollingCounter
	rejects         rollingCounter
	reconnects      rollingCounter
	slippageRejects rollingCounter
}

// latencyWindow accumulates send-to-ack samples between sweeps. The cap
// bounds memory when the sweeper stalls; overflow drops the oldest half.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
}

const latencyWindowCap = 8192

func (w *latencyWindow) observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= latencyWindowCap {
		half := len(w.samples) / 2
		w.samples = append(w.samples[:0], w.samples[half:]...)
	}
	w.samples = append(w.samples, ms)
}

// drain returns and clears the accumulated samples.
func (w *latencyWindow) drain() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.samples
	w.samples = nil
	return out
}

// p99 computes the 99th percentile of the samples. Zero samples yield zero.
func p99(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := (n*99+99)/100 - 1
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
