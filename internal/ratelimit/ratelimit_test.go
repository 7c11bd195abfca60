package ratelimit

import (
	"testing"
	"time"

	"github.com/trybotster/webterm-hubd/internal/apierror"
)

func tinyConfig() Config {
	return Config{
		IPRequestsPerMinute:  2,
		UserRequestsPerHour:  1000,
		LockoutThreshold:     2,
		LockoutDuration:      time.Hour,
		ViolationResetWindow: time.Hour,
	}
}

func TestAllowWithinLimit(t *testing.T) {
	l := New(tinyConfig())
	if _, err := l.Allow("1.2.3.4", ""); err != nil {
		t.Fatalf("first Allow() error = %v", err)
	}
}

func TestAllowLocksOutAfterThreshold(t *testing.T) {
	l := New(tinyConfig())
	ip := "9.9.9.9"

	// Burst of 2 is allowed immediately by the token bucket; subsequent
	// calls exceed the bucket and accumulate violations until lockout.
	_, _ = l.Allow(ip, "")
	_, _ = l.Allow(ip, "")

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = l.Allow(ip, "")
	}

	apiErr, ok := apierror.As(lastErr)
	if !ok {
		t.Fatalf("expected an *apierror.Error, got %v", lastErr)
	}
	if apiErr.Kind != apierror.KindLockedOut {
		t.Errorf("error kind = %v, want locked_out", apiErr.Kind)
	}
}

func TestStatsTracksTotals(t *testing.T) {
	l := New(DefaultConfig())
	_, _ = l.Allow("1.1.1.1", "user-a")
	_, _ = l.Allow("1.1.1.1", "user-a")

	total, _, _ := l.Stats()
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestConnLimiterWarnsThenDisconnects(t *testing.T) {
	cl := NewConnLimiter(10)

	seenWarning := false
	seenDisconnect := false
	for i := 0; i < 200; i++ {
		d := cl.Check()
		switch d.Kind {
		case Warning:
			seenWarning = true
		case Disconnect:
			seenDisconnect = true
		}
		if seenDisconnect {
			break
		}
	}

	if !seenWarning {
		t.Error("never saw a Warning decision")
	}
	if !seenDisconnect {
		t.Error("never saw a Disconnect decision")
	}
}

func TestConnLimiterWarnsOnceThenThrottles(t *testing.T) {
	cl := NewConnLimiter(10)

	// Burst of 10 is allowed outright; the next 17 calls violate, enough to
	// cross warnAt (8) but stay under disconnectAt (20) in the same window.
	warnings := 0
	for i := 0; i < 27; i++ {
		if cl.Check().Kind == Warning {
			warnings++
		}
	}

	if warnings != 1 {
		t.Errorf("warnings in one window = %d, want 1", warnings)
	}
}
