// Package ratelimit implements the two independent caps spec §4.G
// requires: a sliding-window request-rate limiter, and a concurrent
// pending-approval cap. Both exist so a flood of auto-allowed requests
// can't exhaust the agent's own bandwidth, and a flood of ask-worthy
// requests can't exhaust the messenger backend's rate limits.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// Limiter enforces the request-rate and pending-cap limits for a single
// agent session. Safe for concurrent use.
type Limiter struct {
	requests *rate.Limiter

	mu             sync.Mutex
	maxPending     int
	pendingCount   int
}

// New builds a Limiter. maxRequestsPerMinute and maxPendingApprovals are
// the two knobs of spec §6.3; both must be positive.
func New(maxRequestsPerMinute, maxPendingApprovals int) *Limiter {
	// A sliding per-minute budget is modeled as a token bucket refilling
	// at maxRequestsPerMinute/60 tokens per second, with a burst equal to
	// the full per-minute allowance so a quiet agent can still send a
	// burst up to its budget.
	perSecond := rate.Limit(float64(maxRequestsPerMinute) / 60.0)
	return &Limiter{
		requests:   rate.NewLimiter(perSecond, maxRequestsPerMinute),
		maxPending: maxPendingApprovals,
	}
}

// AllowRequest reports whether another tool_request may proceed to
// engine evaluation right now. Called once per incoming request, before
// validation or signature construction — rate limiting never touches
// argument content.
func (l *Limiter) AllowRequest() error {
	if !l.requests.Allow() {
		return &model.RateLimitError{Msg: "request rate limit exceeded"}
	}
	return nil
}

// ReservePending reports whether one more ASK verdict may become a
// pending approval without exceeding the concurrent cap. On success the
// slot is held until ReleasePending is called (on resolution).
func (l *Limiter) ReservePending() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingCount >= l.maxPending {
		return &model.RateLimitError{Msg: "too many pending approvals"}
	}
	l.pendingCount++
	return nil
}

// ReleasePending frees a pending slot reserved by ReservePending. Safe to
// call at most once per successful reservation; a repeat call (a bug in
// the caller) would under-count and is deliberately not defended against
// here — the orchestrator's resolve() is the single place a slot is freed.
func (l *Limiter) ReleasePending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingCount > 0 {
		l.pendingCount--
	}
}

// PendingCount returns the current number of outstanding ASK approvals.
func (l *Limiter) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingCount
}
