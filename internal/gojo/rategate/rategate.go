// Package rategate implements admission control for the chat pipeline:
// a per-user cooldown tracker plus a global quota-exhaustion breaker.
//
// The gate is purely in-memory. Cooldown checks are read-only; a separate
// Commit call records an admission, so the orchestrator decides exactly
// when a request counts against the user. The quota breaker is opened when
// the generation provider reports quota exhaustion and closes itself by
// time comparison alone — no external signal clears it early.
package rategate

import (
	"sync"
	"time"
)

// DefaultQuotaResetDelay is how long the quota breaker stays open when no
// explicit delay is given.
const DefaultQuotaResetDelay = 60 * time.Second

// Gate tracks per-user cooldowns and the global quota breaker.
// It is safe for concurrent use.
type Gate struct {
	mu sync.Mutex

	lastByUser map[string]time.Time
	lastGlobal time.Time

	quotaExhausted bool
	quotaResetAt   time.Time

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New returns an empty Gate.
func New() *Gate {
	return &Gate{
		lastByUser: make(map[string]time.Time),
		now:        time.Now,
	}
}

// newAt returns a Gate with an injected clock (for tests).
func newAt(now func() time.Time) *Gate {
	g := New()
	g.now = now
	return g
}

// CheckUserCooldown returns the number of whole seconds the user must still
// wait before the next request is admitted, or 0 if the user is clear.
// The remaining time is rounded up so a user is never told "0 seconds" while
// still blocked. The check does not mutate state; call Commit once the
// request is actually admitted.
func (g *Gate) CheckUserCooldown(userID string, cooldown time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.lastByUser[userID]
	if !ok {
		return 0
	}
	return secondsRemaining(g.now().Sub(last), cooldown)
}

// CheckGlobalCooldown returns the whole seconds remaining on the global
// cooldown, or 0 if clear. The global stamp is recorded by Commit but not
// consulted by the chat pipeline today; the gate keeps it as reserved
// throttling capacity.
func (g *Gate) CheckGlobalCooldown(cooldown time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastGlobal.IsZero() {
		return 0
	}
	return secondsRemaining(g.now().Sub(g.lastGlobal), cooldown)
}

// Commit records the current time as the user's last admitted request and
// updates the global last-request stamp.
func (g *Gate) Commit(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.lastByUser[userID] = now
	g.lastGlobal = now
}

// IsQuotaExhausted reports whether the quota breaker is open: the flag is
// set and the reset time has not yet passed. Once the reset time passes the
// gate reports closed even though the flag itself is only cleared by the
// next MarkQuotaExhausted cycle.
func (g *Gate) IsQuotaExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.quotaExhausted && g.now().Before(g.quotaResetAt)
}

// MarkQuotaExhausted opens the breaker for resetDelay from now. A zero or
// negative delay uses DefaultQuotaResetDelay.
func (g *Gate) MarkQuotaExhausted(resetDelay time.Duration) {
	if resetDelay <= 0 {
		resetDelay = DefaultQuotaResetDelay
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.quotaExhausted = true
	g.quotaResetAt = g.now().Add(resetDelay)
}

// secondsRemaining converts "elapsed since last request" into whole seconds
// left on the cooldown, rounding up. Returns 0 when the cooldown has passed.
func secondsRemaining(elapsed, cooldown time.Duration) int {
	remaining := cooldown - elapsed
	if remaining <= 0 {
		return 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
