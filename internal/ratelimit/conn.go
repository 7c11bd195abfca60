package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnDecisionKind classifies the outcome of a per-message check on a
// single WebSocket connection.
type ConnDecisionKind int

const (
	Allowed ConnDecisionKind = iota
	Throttled
	Warning
	Disconnect
)

// ConnDecision is the result of a ConnLimiter.Check call.
type ConnDecision struct {
	Kind       ConnDecisionKind
	Violations int
	Max        int
}

// ConnLimiter throttles messages on a single WebSocket connection. It warns
// once per one-second window once violations in that window reach 80% of
// the configured rate, and signals disconnect once violations in the
// window reach twice the configured rate.
type ConnLimiter struct {
	mu               sync.Mutex
	limiter          *rate.Limiter
	maxPerSec        int
	windowStart      time.Time
	windowViolations int
	warnedThisWindow bool
}

// NewConnLimiter builds a per-connection limiter allowing up to
// maxMessagesPerSecond sustained, with bursts of the same size.
func NewConnLimiter(maxMessagesPerSecond int) *ConnLimiter {
	if maxMessagesPerSecond <= 0 {
		maxMessagesPerSecond = 50
	}
	return &ConnLimiter{
		limiter:   rate.NewLimiter(rate.Limit(maxMessagesPerSecond), maxMessagesPerSecond),
		maxPerSec: maxMessagesPerSecond,
	}
}

// Check records one message attempt and returns the resulting decision.
// Warning fires at most once per window; further violations in the same
// window that haven't yet crossed the disconnect threshold are Throttled.
func (c *ConnLimiter) Check() ConnDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowViolations = 0
		c.warnedThisWindow = false
	}

	if c.limiter.Allow() {
		return ConnDecision{Kind: Allowed}
	}

	c.windowViolations++
	warnAt := (c.maxPerSec * 8) / 10
	disconnectAt := c.maxPerSec * 2

	switch {
	case c.windowViolations >= disconnectAt:
		return ConnDecision{Kind: Disconnect, Violations: c.windowViolations, Max: c.maxPerSec}
	case c.windowViolations >= warnAt:
		if c.warnedThisWindow {
			return ConnDecision{Kind: Throttled, Violations: c.windowViolations, Max: c.maxPerSec}
		}
		c.warnedThisWindow = true
		return ConnDecision{Kind: Warning, Violations: c.windowViolations, Max: c.maxPerSec}
	default:
		return ConnDecision{Kind: Throttled, Violations: c.windowViolations, Max: c.maxPerSec}
	}
}
