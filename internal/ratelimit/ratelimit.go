// Package ratelimit implements per-IP and per-user request throttling with
// violation tracking and temporary lockouts, plus a per-connection variant
// for the WebSocket message stream.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trybotster/webterm-hubd/internal/apierror"
)

// Config mirrors the original defaults: 100 requests/minute per IP, 1000
// requests/hour per user, a lockout after 5 violations lasting 15 minutes.
type Config struct {
	IPRequestsPerMinute  int
	UserRequestsPerHour  int
	LockoutThreshold     int
	LockoutDuration      time.Duration
	ViolationResetWindow time.Duration
}

// DefaultConfig matches the original middleware's defaults.
func DefaultConfig() Config {
	return Config{
		IPRequestsPerMinute:  100,
		UserRequestsPerHour:  1000,
		LockoutThreshold:     5,
		LockoutDuration:      15 * time.Minute,
		ViolationResetWindow: time.Hour,
	}
}

// keyKind distinguishes IP-scoped from user-scoped violation tracking.
type keyKind int

const (
	kindIP keyKind = iota
	kindUser
)

type key struct {
	kind  keyKind
	value string
}

type tracker struct {
	count        int
	lastViolation time.Time
	lockedUntil  time.Time
}

func newTracker() *tracker {
	return &tracker{lastViolation: time.Now()}
}

func (t *tracker) recordViolation(threshold int, lockoutDuration time.Duration) {
	t.count++
	t.lastViolation = time.Now()
	if t.count >= threshold {
		t.lockedUntil = time.Now().Add(lockoutDuration)
	}
}

func (t *tracker) isLocked() bool {
	return !t.lockedUntil.IsZero() && time.Now().Before(t.lockedUntil)
}

func (t *tracker) resetIfExpired(window time.Duration) {
	if time.Since(t.lastViolation) > window {
		t.count = 0
		t.lockedUntil = time.Time{}
	}
}

// Decision reports the outcome of a rate-limit check.
type Decision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies per-IP and per-user token buckets with violation-based
// lockouts, mirroring the original ViolationTracker state machine.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	limiters map[key]*rate.Limiter
	trackers map[key]*tracker

	totalRequests  uint64
	violationCount uint64
	lockoutCount   uint64
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		limiters: make(map[key]*rate.Limiter),
		trackers: make(map[key]*tracker),
	}
}

func (l *Limiter) limiterFor(k key) *rate.Limiter {
	if lim, ok := l.limiters[k]; ok {
		return lim
	}
	var lim *rate.Limiter
	switch k.kind {
	case kindIP:
		perSecond := float64(l.cfg.IPRequestsPerMinute) / 60
		lim = rate.NewLimiter(rate.Limit(perSecond), l.cfg.IPRequestsPerMinute)
	default:
		perSecond := float64(l.cfg.UserRequestsPerHour) / 3600
		lim = rate.NewLimiter(rate.Limit(perSecond), l.cfg.UserRequestsPerHour)
	}
	l.limiters[k] = lim
	return lim
}

func (l *Limiter) checkLockout(k key) (time.Time, bool) {
	t, ok := l.trackers[k]
	if !ok {
		return time.Time{}, false
	}
	t.resetIfExpired(l.cfg.ViolationResetWindow)
	if t.isLocked() {
		return t.lockedUntil, true
	}
	return time.Time{}, false
}

func (l *Limiter) recordViolation(k key) {
	t, ok := l.trackers[k]
	if !ok {
		t = newTracker()
		l.trackers[k] = t
	}
	t.recordViolation(l.cfg.LockoutThreshold, l.cfg.LockoutDuration)
	l.violationCount++
	if t.isLocked() {
		l.lockoutCount++
	}
}

// Allow checks both the IP and user rate limits for a request, recording a
// violation and arming a lockout as needed.
func (l *Limiter) Allow(ip, user string) (*Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++

	if ip != "" {
		ipKey := key{kind: kindIP, value: ip}
		if until, locked := l.checkLockout(ipKey); locked {
			return nil, apierror.LockedOut("ip temporarily locked out due to repeated rate limit violations").WithRetryAfter(until)
		}
		if !l.limiterFor(ipKey).Allow() {
			l.recordViolation(ipKey)
			return nil, apierror.RateLimited("ip rate limit exceeded").WithRetryAfter(time.Now().Add(time.Minute))
		}
	}

	if user != "" {
		userKey := key{kind: kindUser, value: user}
		if until, locked := l.checkLockout(userKey); locked {
			return nil, apierror.LockedOut("user temporarily locked out due to repeated rate limit violations").WithRetryAfter(until)
		}
		if !l.limiterFor(userKey).Allow() {
			l.recordViolation(userKey)
			return nil, apierror.RateLimited("user rate limit exceeded").WithRetryAfter(time.Now().Add(time.Hour))
		}
	}

	remaining := int(l.limiterFor(key{kind: kindIP, value: ip}).Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{Limit: l.cfg.IPRequestsPerMinute, Remaining: remaining, ResetAt: time.Now().Add(time.Minute)}, nil
}

// Stats returns the running totals, matching the original metrics struct.
func (l *Limiter) Stats() (total, violations, lockouts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalRequests, l.violationCount, l.lockoutCount
}
