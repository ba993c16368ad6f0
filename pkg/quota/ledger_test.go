package quota

import (
	"testing"
	"time"

	"cadence/pkg/config"
)

func testProfiles() map[config.ModelKey]config.QuotaProfile {
	return map[config.ModelKey]config.QuotaProfile{
		config.KeyStandard: {RPM: 10, RPD: 500, MinSpacing: config.Duration(6 * time.Second), TokenCeiling: 250_000},
		config.KeyLite:     {RPM: 15, RPD: 1500, MinSpacing: config.Duration(2 * time.Second), TokenCeiling: 250_000},
	}
}

// manualClock lets tests advance time explicitly instead of sleeping.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *manualClock) Set(t time.Time) { c.now = t }

func newTestLedger(profiles map[config.ModelKey]config.QuotaProfile) (*Ledger, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	return NewLedgerWithClock(profiles, clock.Now), clock
}

func TestImmediateAdmissionOnFreshLedger(t *testing.T) {
	l, _ := newTestLedger(testProfiles())

	if !l.CanAdmit(config.KeyLite, 1000) {
		t.Fatal("fresh ledger should admit a 1000-token reservation")
	}
	if delay := l.Reserve(config.KeyLite, 1000); delay != 0 {
		t.Errorf("first reservation pacing delay = %v, want 0", delay)
	}

	u := l.Snapshot(config.KeyLite)
	if u.UsedTokens != 1000 {
		t.Errorf("UsedTokens = %d, want 1000", u.UsedTokens)
	}
	if u.RPMUsed != 1 {
		t.Errorf("RPMUsed = %d, want 1", u.RPMUsed)
	}
	if u.RPDUsed != 1 {
		t.Errorf("RPDUsed = %d, want 1", u.RPDUsed)
	}
	if u.Capacity != 250_000 {
		t.Errorf("Capacity = %d, want 250000", u.Capacity)
	}
}

func TestRPMExhaustionBlocksUntilOldestExpires(t *testing.T) {
	l, clock := newTestLedger(testProfiles())
	start := clock.Now()

	// 15 admissions spaced 4s apart all land inside one 60s window.
	for i := 0; i < 15; i++ {
		if !l.CanAdmit(config.KeyLite, 1000) {
			t.Fatalf("admission %d unexpectedly blocked", i+1)
		}
		l.Reserve(config.KeyLite, 1000)
		if i < 14 {
			clock.Advance(4 * time.Second)
		}
	}
	// now = start+56s: all 15 timestamps live, spacing satisfied, so the
	// 16th request is blocked purely by RPM.
	clock.Advance(2 * time.Second)
	if l.CanAdmit(config.KeyLite, 1000) {
		t.Error("16th request admitted with 15 calls in the trailing window")
	}

	next := l.NextAvailableAt(config.KeyLite, 1000)
	want := start.Add(config.TokenWindow)
	if !next.Equal(want) {
		t.Errorf("NextAvailableAt = %v, want %v (oldest call + window)", next, want)
	}

	// Oldest call expires at start+60s.
	clock.Advance(2*time.Second + 100*time.Millisecond)
	if !l.CanAdmit(config.KeyLite, 1000) {
		t.Error("16th request still blocked after the oldest call aged out")
	}
}

func TestReservationReconciliation(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	l.Reserve(config.KeyStandard, 8000)
	clock.Advance(3 * time.Second)
	l.Adjust(config.KeyStandard, 5200, 8000)

	if got := l.Snapshot(config.KeyStandard).UsedTokens; got != 5200 {
		t.Errorf("net window contribution = %d, want actual cost 5200", got)
	}

	// The reservation entry itself is never rewritten; reconciliation
	// appends a delta.
	st := l.keys[config.KeyStandard]
	if len(st.window) != 2 {
		t.Fatalf("window entries = %d, want 2 (reservation + delta)", len(st.window))
	}
	if !st.window[0].Reservation || st.window[0].Tokens != 8000 {
		t.Errorf("reservation entry = %+v, want untouched 8000", st.window[0])
	}
	if st.window[1].Reservation || st.window[1].Tokens != -2800 {
		t.Errorf("delta entry = %+v, want -2800 adjustment", st.window[1])
	}

	// Exact match appends nothing.
	l.Adjust(config.KeyStandard, 5200, 5200)
	if len(st.window) != 2 {
		t.Errorf("window entries after no-op adjust = %d, want 2", len(st.window))
	}
}

func TestUnderEstimateRaisesUsage(t *testing.T) {
	l, _ := newTestLedger(testProfiles())

	l.Reserve(config.KeyStandard, 2000)
	l.Adjust(config.KeyStandard, 9000, 2000)

	if got := l.Snapshot(config.KeyStandard).UsedTokens; got != 9000 {
		t.Errorf("UsedTokens = %d, want 9000 after positive delta", got)
	}
}

func TestPacingSlotsStack(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	// Three back-to-back reservations: wire slots stack one spacing
	// interval apart even though all three were charged at the same
	// instant.
	if d := l.Reserve(config.KeyStandard, 100); d != 0 {
		t.Errorf("slot 1 delay = %v, want 0", d)
	}
	if d := l.Reserve(config.KeyStandard, 100); d != 6*time.Second {
		t.Errorf("slot 2 delay = %v, want 6s", d)
	}
	if d := l.Reserve(config.KeyStandard, 100); d != 12*time.Second {
		t.Errorf("slot 3 delay = %v, want 12s", d)
	}

	clock.Advance(13 * time.Second)
	// One second after the third slot: the next wire call still owes 5s.
	if d := l.SpacingDelay(config.KeyStandard); d != 5*time.Second {
		t.Errorf("SpacingDelay = %v, want 5s", d)
	}
	clock.Advance(5 * time.Second)
	if d := l.SpacingDelay(config.KeyStandard); d != 0 {
		t.Errorf("SpacingDelay after full spacing = %v, want 0", d)
	}
}

func TestSpacingBlocksBackToBackAdmission(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	l.Reserve(config.KeyLite, 100)
	if l.CanAdmit(config.KeyLite, 100) {
		t.Error("admission allowed immediately after a call, want spacing block")
	}
	clock.Advance(2 * time.Second)
	if !l.CanAdmit(config.KeyLite, 100) {
		t.Error("admission still blocked after the spacing interval elapsed")
	}
}

func TestTokenCeilingBlocksAdmission(t *testing.T) {
	profiles := testProfiles()
	p := profiles[config.KeyStandard]
	p.TokenCeiling = 10_000
	profiles[config.KeyStandard] = p

	l, clock := newTestLedger(profiles)
	start := clock.Now()

	l.Reserve(config.KeyStandard, 6000)
	clock.Advance(6 * time.Second)

	if l.CanAdmit(config.KeyStandard, 5000) {
		t.Error("admitted 5000 tokens with 6000 held against a 10000 ceiling")
	}
	if !l.CanAdmit(config.KeyStandard, 4000) {
		t.Error("blocked 4000 tokens that fit under the ceiling")
	}

	next := l.NextAvailableAt(config.KeyStandard, 5000)
	if want := start.Add(config.TokenWindow); !next.Equal(want) {
		t.Errorf("NextAvailableAt = %v, want %v (reservation expiry)", next, want)
	}

	clock.Set(start.Add(config.TokenWindow + time.Millisecond))
	if !l.CanAdmit(config.KeyStandard, 5000) {
		t.Error("still blocked after the held reservation expired")
	}
}

func TestPerKeyIsolation(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	// Exhaust lite RPM.
	for i := 0; i < 15; i++ {
		l.Reserve(config.KeyLite, 1000)
		clock.Advance(2 * time.Second)
	}
	if l.CanAdmit(config.KeyLite, 1000) {
		t.Fatal("lite should be RPM-exhausted")
	}
	if !l.CanAdmit(config.KeyStandard, 1000) {
		t.Error("standard admission blocked by lite's burst")
	}
}

func TestPacificMidnightResetsDailyCount(t *testing.T) {
	l, clock := newTestLedger(testProfiles())
	if _, err := time.LoadLocation("America/Los_Angeles"); err != nil {
		t.Skip("tzdata unavailable")
	}

	clock.Set(time.Date(2026, time.March, 7, 23, 30, 0, 0, l.pacLoc))
	l.Reserve(config.KeyStandard, 100)
	clock.Advance(10 * time.Second)
	l.Reserve(config.KeyStandard, 100)

	if got := l.Snapshot(config.KeyStandard).RPDUsed; got != 2 {
		t.Fatalf("RPDUsed before midnight = %d, want 2", got)
	}

	clock.Set(time.Date(2026, time.March, 8, 0, 0, 30, 0, l.pacLoc))
	if got := l.Snapshot(config.KeyStandard).RPDUsed; got != 0 {
		t.Errorf("RPDUsed after Pacific midnight = %d, want 0", got)
	}
}

func TestPacificResetAcrossSpringForward(t *testing.T) {
	l, clock := newTestLedger(testProfiles())
	if _, err := time.LoadLocation("America/Los_Angeles"); err != nil {
		t.Skip("tzdata unavailable")
	}

	// 2026-03-08 is the US spring-forward date; that Pacific day is 23
	// hours long. Calls late in the day must still be dropped at the next
	// midnight boundary, not 24 wall-clock hours later.
	clock.Set(time.Date(2026, time.March, 8, 22, 30, 0, 0, l.pacLoc))
	l.Reserve(config.KeyStandard, 100)

	clock.Set(time.Date(2026, time.March, 8, 23, 59, 0, 0, l.pacLoc))
	if got := l.Snapshot(config.KeyStandard).RPDUsed; got != 1 {
		t.Fatalf("RPDUsed late on DST day = %d, want 1", got)
	}

	clock.Set(time.Date(2026, time.March, 9, 0, 1, 0, 0, l.pacLoc))
	if got := l.Snapshot(config.KeyStandard).RPDUsed; got != 0 {
		t.Errorf("RPDUsed after DST-day midnight = %d, want 0", got)
	}
}

func TestRPDExhaustionNotInNextAvailable(t *testing.T) {
	profiles := testProfiles()
	p := profiles[config.KeyStandard]
	p.RPD = 2
	profiles[config.KeyStandard] = p

	l, clock := newTestLedger(profiles)

	l.Reserve(config.KeyStandard, 100)
	clock.Advance(6 * time.Second)
	l.Reserve(config.KeyStandard, 100)
	clock.Advance(6 * time.Second)

	if l.CanAdmit(config.KeyStandard, 100) {
		t.Fatal("admission allowed past the daily cap")
	}
	// NextAvailableAt only reflects the minute-scale constraints; an
	// RPD-starved request waits in the queue for the day boundary.
	next := l.NextAvailableAt(config.KeyStandard, 100)
	if next.After(clock.Now()) {
		t.Errorf("NextAvailableAt = %v, want no wait beyond now %v", next, clock.Now())
	}
}

func TestPruneAmortization(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	for i := 0; i < 10; i++ {
		l.Reserve(config.KeyLite, 100)
		clock.Advance(time.Second)
	}
	// now = start+10s; nothing stale yet.
	if l.Prune(config.KeyLite) {
		t.Error("Prune compacted with no stale entries")
	}

	// Two of ten entries stale: below the threshold, no compaction.
	clock.Advance(config.TokenWindow - 8500*time.Millisecond)
	if l.Prune(config.KeyLite) {
		t.Error("Prune compacted at 20% stale")
	}
	if got := len(l.keys[config.KeyLite].rpm); got != 10 {
		t.Errorf("rpm entries = %d, want all 10 retained", got)
	}

	// Six of ten stale: compaction fires and drops exactly the stale ones.
	clock.Advance(4 * time.Second)
	if !l.Prune(config.KeyLite) {
		t.Error("Prune did not compact at 60% stale")
	}
	st := l.keys[config.KeyLite]
	if got := len(st.rpm); got != 4 {
		t.Errorf("rpm entries after prune = %d, want 4", got)
	}
	if got := len(st.window); got != 4 {
		t.Errorf("window entries after prune = %d, want 4", got)
	}

	// Usage is identical before and after compaction.
	if got := l.Snapshot(config.KeyLite).UsedTokens; got != 400 {
		t.Errorf("UsedTokens after prune = %d, want 400", got)
	}
}

func TestUnknownKeyIsInert(t *testing.T) {
	l, clock := newTestLedger(testProfiles())
	const ghost = config.ModelKey("turbo")

	if l.CanAdmit(ghost, 1) {
		t.Error("unknown key admitted")
	}
	if d := l.Reserve(ghost, 1); d != 0 {
		t.Errorf("Reserve on unknown key = %v, want 0", d)
	}
	if u := l.Snapshot(ghost); u.Capacity != 0 || u.UsedTokens != 0 {
		t.Errorf("Snapshot on unknown key = %+v, want zero usage", u)
	}
	if next := l.NextAvailableAt(ghost, 1); !next.Equal(clock.Now()) {
		t.Errorf("NextAvailableAt on unknown key = %v, want now", next)
	}
}

func TestIdleAfterWindowsDecay(t *testing.T) {
	l, clock := newTestLedger(testProfiles())

	if !l.Idle() {
		t.Error("fresh ledger not idle")
	}
	l.Reserve(config.KeyLite, 500)
	if l.Idle() {
		t.Error("ledger idle with a live reservation")
	}
	clock.Advance(config.TokenWindow + time.Second)
	if !l.Idle() {
		t.Error("ledger not idle after all windows decayed")
	}
}

func TestKeysStableOrder(t *testing.T) {
	l, _ := newTestLedger(testProfiles())
	keys := l.Keys()
	if len(keys) != 2 || keys[0] != config.KeyLite || keys[1] != config.KeyStandard {
		t.Errorf("Keys() = %v, want sorted [lite standard]", keys)
	}
}
