package rategate

import (
	"testing"
	"time"
)

// fakeClock returns a now-func backed by a mutable time pointer.
func fakeClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestCheckUserCooldown_FirstRequestAdmitted(t *testing.T) {
	g := New()
	if got := g.CheckUserCooldown("@alice:test", 3*time.Second); got != 0 {
		t.Fatalf("fresh user: got %d seconds remaining, want 0", got)
	}
}

func TestCheckUserCooldown_SecondRequestBlocked(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	g.Commit("@alice:test")

	// 1s into a 3s cooldown → ceil((3000-1000)/1000) = 2 seconds remaining.
	now = now.Add(1 * time.Second)
	if got := g.CheckUserCooldown("@alice:test", 3*time.Second); got != 2 {
		t.Errorf("after 1s: got %d, want 2", got)
	}

	// 2.5s in → ceil(500ms) = 1 second remaining.
	now = now.Add(1500 * time.Millisecond)
	if got := g.CheckUserCooldown("@alice:test", 3*time.Second); got != 1 {
		t.Errorf("after 2.5s: got %d, want 1", got)
	}

	// Past the window → admitted.
	now = now.Add(600 * time.Millisecond)
	if got := g.CheckUserCooldown("@alice:test", 3*time.Second); got != 0 {
		t.Errorf("after 3.1s: got %d, want 0", got)
	}
}

func TestCheckUserCooldown_DoesNotMutate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	// Checking repeatedly without Commit never starts a cooldown.
	for range 5 {
		if got := g.CheckUserCooldown("@bob:test", 3*time.Second); got != 0 {
			t.Fatalf("check without commit: got %d, want 0", got)
		}
	}
}

func TestCheckUserCooldown_IsolatedPerUser(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	g.Commit("@alice:test")

	if got := g.CheckUserCooldown("@bob:test", 3*time.Second); got != 0 {
		t.Errorf("other user blocked by alice's cooldown: got %d, want 0", got)
	}
	if got := g.CheckUserCooldown("@alice:test", 3*time.Second); got == 0 {
		t.Error("alice should be on cooldown immediately after commit")
	}
}

func TestCheckGlobalCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	if got := g.CheckGlobalCooldown(time.Second); got != 0 {
		t.Fatalf("fresh gate: got %d, want 0", got)
	}

	g.Commit("@alice:test")
	if got := g.CheckGlobalCooldown(time.Second); got != 1 {
		t.Errorf("right after commit: got %d, want 1", got)
	}

	now = now.Add(1100 * time.Millisecond)
	if got := g.CheckGlobalCooldown(time.Second); got != 0 {
		t.Errorf("after window: got %d, want 0", got)
	}
}

func TestQuotaBreaker_SelfHealsByTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	if g.IsQuotaExhausted() {
		t.Fatal("breaker should start closed")
	}

	g.MarkQuotaExhausted(60 * time.Second)

	now = now.Add(1 * time.Second)
	if !g.IsQuotaExhausted() {
		t.Error("breaker should be open 1s after marking")
	}

	now = now.Add(60001 * time.Millisecond)
	if g.IsQuotaExhausted() {
		t.Error("breaker should self-heal once the reset time passes")
	}
}

func TestQuotaBreaker_ReopensOnNewQuotaEvent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	g.MarkQuotaExhausted(10 * time.Second)
	now = now.Add(11 * time.Second)
	if g.IsQuotaExhausted() {
		t.Fatal("breaker should have healed")
	}

	g.MarkQuotaExhausted(10 * time.Second)
	if !g.IsQuotaExhausted() {
		t.Error("a new quota event must re-open the breaker")
	}
}

func TestMarkQuotaExhausted_DefaultDelay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := newAt(fakeClock(&now))

	g.MarkQuotaExhausted(0)

	now = now.Add(DefaultQuotaResetDelay - time.Second)
	if !g.IsQuotaExhausted() {
		t.Error("breaker should still be open just before the default delay")
	}
	now = now.Add(2 * time.Second)
	if g.IsQuotaExhausted() {
		t.Error("breaker should be closed after the default delay")
	}
}
