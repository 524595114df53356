package gateway

import (
	"sync"
	"time"
)

const (
	defaultRunsPerMinute = 20
	defaultMaxConcurrent = 4
)

// ClientRateLimiter bounds how many turns one client may start, using a
// sliding one-minute window plus a concurrency cap.
type ClientRateLimiter struct {
	mu            sync.Mutex
	runsPerMinute int
	maxConcurrent int
	starts        []time.Time
	active        int
	now           func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits select the defaults.
func NewClientRateLimiter(runsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if runsPerMinute <= 0 {
		runsPerMinute = defaultRunsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &ClientRateLimiter{
		runsPerMinute: runsPerMinute,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Acquire reserves a run slot. It returns false and a reason when a limit is hit.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active >= r.maxConcurrent {
		return false, "too many concurrent runs"
	}

	r.prune()
	if len(r.starts) >= r.runsPerMinute {
		return false, "rate limit exceeded"
	}

	r.starts = append(r.starts, r.now())
	r.active++
	return true, ""
}

// Release frees a slot taken by Acquire
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active > 0 {
		r.active--
	}
}

// GetStats returns runs started in the window and runs in flight
func (r *ClientRateLimiter) GetStats() (started, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.starts), r.active
}

func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.starts[:0]
	for _, t := range r.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.starts = kept
}
