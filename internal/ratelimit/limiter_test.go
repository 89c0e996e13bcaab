package ratelimit

import (
	"testing"
	"time"

	"github.com/tbourn/go-realtime-backend/internal/config"
)

func testConfig() config.LimitsConfig {
	return config.LimitsConfig{
		UserPerMinute:      60,
		UserPerHour:        1000,
		SocketPerMinute:    30,
		IPPerMinute:        200,
		ViolationThreshold: 5,
		ViolationWindow:    time.Hour,
		SweepInterval:      time.Minute,
	}
}

// newTestLimiter pins the limiter clock to a mutable instant.
func newTestLimiter(cfg config.LimitsConfig) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheck_SocketTierIsTightest(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	// One user on one socket: the 30/min socket window trips first.
	for i := 0; i < 30; i++ {
		if d := l.Check("u1", "c1", "10.0.0.1"); !d.Allowed {
			t.Fatalf("Check #%d denied: %+v", i, d)
		}
	}
	d := l.Check("u1", "c1", "10.0.0.1")
	if d.Allowed || d.Reason != ReasonSocketLimit {
		t.Fatalf("31st Check = %+v; want socket_limit_exceeded", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v; want within (0, 1m]", d.RetryAfter)
	}
}

func TestCheck_UserTierAggregatesSockets(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	// 60 frames spread over three sockets exhaust the per-user minute
	// window while no socket window trips.
	socks := []string{"c1", "c2", "c3"}
	for i := 0; i < 60; i++ {
		if d := l.Check("u1", socks[i%3], "10.0.0.1"); !d.Allowed {
			t.Fatalf("Check #%d denied: %+v", i, d)
		}
	}
	d := l.Check("u1", "c1", "10.0.0.1")
	if d.Allowed || d.Reason != ReasonUserLimit {
		t.Fatalf("61st Check = %+v; want user_limit_exceeded", d)
	}
}

func TestCheck_WindowResetsAfterSpan(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	for i := 0; i < 30; i++ {
		l.Check("u1", "c1", "10.0.0.1")
	}
	if d := l.Check("u1", "c1", "10.0.0.1"); d.Allowed {
		t.Fatal("expected socket denial before window reset")
	}

	*now = now.Add(time.Minute)
	if d := l.Check("u1", "c1", "10.0.0.1"); !d.Allowed {
		t.Fatalf("Check after window reset = %+v; want allowed", d)
	}
}

func TestCheck_DenialDoesNotCountLaterTiers(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPerMinute = 1
	cfg.IPPerMinute = 2
	l, _ := newTestLimiter(cfg)

	l.Check("u1", "c1", "10.0.0.1") // counts everywhere
	for i := 0; i < 5; i++ {
		if d := l.Check("u1", "c1", "10.0.0.1"); d.Allowed {
			t.Fatal("expected socket denial")
		}
	}
	// The IP window saw exactly one counted frame; a different socket of
	// another user on the same IP must still pass.
	if d := l.Check("u2", "c2", "10.0.0.1"); !d.Allowed {
		t.Fatalf("IP tier counted denied frames: %+v", d)
	}
}

func TestViolations_EscalateAlongBlockLadder(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPerMinute = 1
	l, now := newTestLimiter(cfg)

	trip := func() Decision {
		// A fresh minute window, one allowed frame, then denials.
		l.Check("", "c1", "")
		return l.Check("", "c1", "")
	}

	// Violations 1-4 deny without blocking.
	for i := 0; i < 4; i++ {
		d := trip()
		if d.Reason != ReasonSocketLimit {
			t.Fatalf("violation #%d reason = %q; want socket_limit_exceeded", i+1, d.Reason)
		}
		*now = now.Add(time.Minute)
	}

	// Violation 5 crosses the threshold: 1 minute block, step 0.
	d := trip()
	if d.Reason != ReasonSocketLimit {
		t.Fatalf("threshold violation reason = %q", d.Reason)
	}
	blocked, left := l.Blocked("sock:c1")
	if !blocked || left != time.Minute {
		t.Fatalf("Blocked = (%v, %v); want (true, 1m)", blocked, left)
	}

	// While blocked, Check refuses with temporarily_blocked before counting.
	d = l.Check("", "c1", "")
	if d.Allowed || d.Reason != ReasonBlocked {
		t.Fatalf("Check during block = %+v; want temporarily_blocked", d)
	}

	// After the block lapses, the next violation escalates to 5 minutes.
	*now = now.Add(2 * time.Minute)
	trip()
	if _, left := l.Blocked("sock:c1"); left != 5*time.Minute {
		t.Fatalf("second block = %v; want 5m", left)
	}
}

func TestWhitelist_BypassesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPerMinute = 1
	cfg.WhitelistUsers = []string{"admin"}
	cfg.WhitelistIPs = []string{"192.0.2.9"}
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 100; i++ {
		if d := l.Check("admin", "c1", "10.0.0.1"); !d.Allowed {
			t.Fatalf("whitelisted user denied: %+v", d)
		}
	}
	for i := 0; i < 100; i++ {
		if d := l.Check("u2", "c2", "192.0.2.9"); !d.Allowed {
			t.Fatalf("whitelisted ip denied: %+v", d)
		}
	}
}

func TestSweep_KeepsActiveBlocksAndViolationCounters(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPerMinute = 1
	l, now := newTestLimiter(cfg)

	// Accrue enough violations for a block; the fifth trip happens without
	// advancing the clock so the block is still active.
	for i := 0; i < 4; i++ {
		l.Check("", "c1", "")
		l.Check("", "c1", "")
		*now = now.Add(time.Minute)
	}
	l.Check("", "c1", "")
	l.Check("", "c1", "")
	if blocked, _ := l.Blocked("sock:c1"); !blocked {
		t.Fatal("expected active block before sweep")
	}

	l.Sweep()
	if blocked, _ := l.Blocked("sock:c1"); !blocked {
		t.Fatal("Sweep dropped an active block")
	}

	// Once the block lapsed and the identifier stayed quiet past the
	// violation window, the record goes away.
	*now = now.Add(cfg.ViolationWindow + time.Minute)
	l.Sweep()
	if blocked, _ := l.Blocked("sock:c1"); blocked {
		t.Fatal("block survived past expiry and sweep")
	}
	l.mu.Lock()
	_, stillThere := l.violations["sock:c1"]
	l.mu.Unlock()
	if stillThere {
		t.Fatal("quiet violation record survived sweep")
	}
}
