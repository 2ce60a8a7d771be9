package realtime

import "time"

// RateLimiter admits at most limit inbound frames in any trailing window.
//
// It remembers the times of the last limit admitted frames in a ring; a frame is refused
// while the oldest of them is still inside the window. Each connection owns one limiter
// and only its read loop calls Allow, so there is no locking.
type RateLimiter struct {
	window time.Duration
	ring   []time.Time
	next   int
	full   bool
}

// NewRateLimiter constructs a RateLimiter, falling back to the gateway defaults when
// limit or window is not positive.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{window: window, ring: make([]time.Time, limit)}
}

// Allow records a frame at now and reports whether it is within the limit.
// Refused frames are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.full && now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true
}
