// Package ratelimit implements the multi-tier inbound throttle for the
// realtime gateway. Every inbound frame is checked against fixed windows in
// order (per-user short window, per-user long window, per-connection,
// per-IP) and the first breached tier short-circuits with a structured
// refusal carrying a retry-after hint.
//
// Denials are also recorded as violations per identifier. Once an identifier
// accumulates the violation threshold within the tracking window it is
// temporarily blocked, with the block duration escalating along a fixed
// ladder (1m, 5m, 15m, 1h, 24h) keyed to the cumulative violation count.
// Violation counters persist across window resets until the periodic sweep
// clears records that went quiet for a full tracking window.
//
// Checking and counting are one operation: Check both tests the windows and
// increments the surviving identifiers. There is no separate increment step.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-backend/internal/config"
)

// Refusal reasons, stable across the wire.
const (
	ReasonUserLimit       = "user_limit_exceeded"
	ReasonUserHourlyLimit = "user_hourly_limit_exceeded"
	ReasonSocketLimit     = "socket_limit_exceeded"
	ReasonIPLimit         = "ip_limit_exceeded"
	ReasonBlocked         = "temporarily_blocked"
)

// blockLadder maps escalation steps to block durations. Step n is the nth
// block-worthy violation at or past the threshold.
var blockLadder = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// Decision is the outcome of a single Check call.
type Decision struct {
	Allowed    bool
	Reason     string        // set when !Allowed
	RetryAfter time.Duration // >= 0 when !Allowed
}

// allow is the shared allowed decision; it carries no per-call state.
var allow = Decision{Allowed: true}

// window is one fixed counting window for an identifier.
type window struct {
	start time.Time
	count int
}

// violation tracks repeated breaches for one identifier. The counter outlives
// individual windows; blockedUntil is set when the threshold is crossed.
type violation struct {
	count        int
	last         time.Time
	blockedUntil time.Time
}

// Limiter implements the tiered fixed-window policy. It is safe for
// concurrent use; all state sits behind one mutex and every critical section
// is a handful of map operations.
type Limiter struct {
	cfg config.LimitsConfig

	wlUsers map[string]struct{}
	wlIPs   map[string]struct{}

	mu         sync.Mutex
	windows    map[string]*window
	violations map[string]*violation

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// New constructs a Limiter from config. Whitelisted users and IPs bypass
// every check, including blocks.
func New(cfg config.LimitsConfig) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		wlUsers:    make(map[string]struct{}, len(cfg.WhitelistUsers)),
		wlIPs:      make(map[string]struct{}, len(cfg.WhitelistIPs)),
		windows:    make(map[string]*window),
		violations: make(map[string]*violation),
		now:        time.Now,
	}
	for _, u := range cfg.WhitelistUsers {
		l.wlUsers[u] = struct{}{}
	}
	for _, ip := range cfg.WhitelistIPs {
		l.wlIPs[ip] = struct{}{}
	}
	return l
}

// tier describes one check: the bucket key, its window length, its limit,
// the refusal reason on breach, and the identifier violations accrue under.
type tier struct {
	key      string
	span     time.Duration
	limit    int
	reason   string
	violator string
}

// Check evaluates one inbound operation attributed to (userID, connID, ip).
// Tiers are evaluated in order and the first breach wins; later tiers are
// neither checked nor counted for a denied operation. Passing tiers are
// incremented exactly once.
func (l *Limiter) Check(userID, connID, ip string) Decision {
	if _, ok := l.wlUsers[userID]; ok && userID != "" {
		return allow
	}
	if _, ok := l.wlIPs[ip]; ok && ip != "" {
		return allow
	}

	tiers := make([]tier, 0, 4)
	if userID != "" {
		tiers = append(tiers,
			tier{"user:m:" + userID, time.Minute, l.cfg.UserPerMinute, ReasonUserLimit, "user:" + userID},
			tier{"user:h:" + userID, time.Hour, l.cfg.UserPerHour, ReasonUserHourlyLimit, "user:" + userID},
		)
	}
	if connID != "" {
		tiers = append(tiers, tier{"sock:m:" + connID, time.Minute, l.cfg.SocketPerMinute, ReasonSocketLimit, "sock:" + connID})
	}
	if ip != "" {
		tiers = append(tiers, tier{"ip:m:" + ip, time.Minute, l.cfg.IPPerMinute, ReasonIPLimit, "ip:" + ip})
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Active blocks short-circuit before any counting.
	for _, t := range tiers {
		if v, ok := l.violations[t.violator]; ok && now.Before(v.blockedUntil) {
			return Decision{Reason: ReasonBlocked, RetryAfter: v.blockedUntil.Sub(now)}
		}
	}

	for _, t := range tiers {
		w, ok := l.windows[t.key]
		if !ok || now.Sub(w.start) >= t.span {
			// Window expired (or first event): restart it.
			w = &window{start: now}
			l.windows[t.key] = w
		}
		if w.count >= t.limit {
			retry := w.start.Add(t.span).Sub(now)
			if retry < 0 {
				retry = 0
			}
			l.recordViolation(t.violator, now)
			return Decision{Reason: t.reason, RetryAfter: retry}
		}
		w.count++
	}
	return allow
}

// recordViolation bumps the identifier's violation counter and applies a
// block once the threshold is reached. Caller holds l.mu.
func (l *Limiter) recordViolation(violator string, now time.Time) {
	v, ok := l.violations[violator]
	if !ok {
		v = &violation{}
		l.violations[violator] = v
	}
	v.count++
	v.last = now

	if v.count >= l.cfg.ViolationThreshold {
		step := v.count - l.cfg.ViolationThreshold
		if step >= len(blockLadder) {
			step = len(blockLadder) - 1
		}
		v.blockedUntil = now.Add(blockLadder[step])
		log.Warn().
			Str("identifier", violator).
			Int("violations", v.count).
			Dur("block", blockLadder[step]).
			Msg("rate limit block applied")
	}
}

// Blocked reports whether the identifier is currently blocked, and for how
// much longer.
func (l *Limiter) Blocked(violator string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.violations[violator]; ok && now.Before(v.blockedUntil) {
		return true, v.blockedUntil.Sub(now)
	}
	return false, 0
}

// Sweep purges expired windows, lapsed blocks, and violation records that
// have been quiet for a full tracking window. Run periodically; window
// expiry itself does not clear violation counters.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		// All window spans are <= 1h; anything older than that is dead.
		if now.Sub(w.start) >= time.Hour {
			delete(l.windows, key)
		}
	}
	for id, v := range l.violations {
		if now.Before(v.blockedUntil) {
			continue // never drop an active block
		}
		if now.Sub(v.last) >= l.cfg.ViolationWindow {
			delete(l.violations, id)
		}
	}
}

// Run executes Sweep on the configured interval until the context ends.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
