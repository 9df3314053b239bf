// Package ratelimit provides sliding-window admission control for chat
// turns.
//
// Every request is checked against two scopes at once: the caller's own
// window and a shared global window sized to respect upstream backend
// quotas. Admission is atomic — the timestamp is recorded in both scopes
// only when both have capacity — and rejection is terminal: the caller is
// told to come back later, never queued.
package ratelimit

import (
	"sync"
	"time"

	"github.com/parley0/parley/internal/log"
)

const (
	// Window is the sliding admission window.
	Window = time.Minute

	// PerCallerLimit caps admitted requests per caller scope per window.
	PerCallerLimit = 10

	// GlobalLimit caps admitted requests across all callers per window.
	// Roughly double the per-caller ceiling, low enough to stay inside
	// upstream quotas.
	GlobalLimit = 20

	// globalScope keys the shared window. Not a valid caller scope.
	globalScope = "\x00global"

	// Stale caller windows are dropped during admission checks.
	cleanupInterval = 5 * time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string // set when not allowed
}

// Config overrides the policy constants, mainly for tests.
type Config struct {
	Window    time.Duration
	PerCaller int
	Global    int
}

// Limiter is a sliding-window admission controller. A single instance is
// injected into every orchestrator so the global scope is shared across
// sessions; all state lives behind one mutex.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string][]time.Time
	window      time.Duration
	perCaller   int
	global      int
	lastCleanup time.Time
	logger      log.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates a limiter with the package policy constants.
func New(logger log.Logger) *Limiter {
	return NewWithConfig(Config{Window: Window, PerCaller: PerCallerLimit, Global: GlobalLimit}, logger)
}

// NewWithConfig creates a limiter with explicit policy values.
func NewWithConfig(cfg Config, logger log.Logger) *Limiter {
	return &Limiter{
		windows:     make(map[string][]time.Time),
		window:      cfg.Window,
		perCaller:   cfg.PerCaller,
		global:      cfg.Global,
		lastCleanup: time.Now(),
		logger:      logger,
		now:         time.Now,
	}
}

// CheckAndAdmit checks the caller scope and the global scope together and
// admits the request only when both have capacity. Exactly one timestamp
// per scope is recorded per admitted call; a rejected call records
// nothing.
func (l *Limiter) CheckAndAdmit(scope string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeCleanup(now)

	caller := l.prune(scope, now)
	global := l.prune(globalScope, now)

	if len(caller) >= l.perCaller {
		l.logger.Warn("rate limit exceeded", "scope", scope, "count", len(caller))
		return Decision{Reason: "per-caller request limit reached, try again later"}
	}
	if len(global) >= l.global {
		l.logger.Warn("global rate limit exceeded", "scope", scope, "count", len(global))
		return Decision{Reason: "service is busy, try again later"}
	}

	l.windows[scope] = append(caller, now)
	l.windows[globalScope] = append(global, now)
	return Decision{Allowed: true}
}

// prune drops timestamps older than the window for one scope and returns
// the surviving entries. Caller holds l.mu.
func (l *Limiter) prune(scope string, now time.Time) []time.Time {
	entries := l.windows[scope]
	cutoff := now.Add(-l.window)

	keep := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.windows[scope] = keep
	return keep
}

// maybeCleanup removes scopes whose windows have fully drained, so idle
// callers do not accumulate forever. Caller holds l.mu.
func (l *Limiter) maybeCleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	cutoff := now.Add(-l.window)
	for scope, entries := range l.windows {
		if scope == globalScope {
			continue
		}
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(l.windows, scope)
		}
	}
	l.lastCleanup = now
}
