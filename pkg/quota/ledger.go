// Package quota tracks per-model-key admission limits: a sliding 60-second
// input-token window, a requests-per-minute window, a requests-per-day counter
// that resets at Pacific midnight, and minimum inter-request spacing.
//
// The Ledger is an explicit instance with an injectable clock; there is no
// package-level quota state. Token-window entries are append-only: a
// reservation is inserted optimistically when a request is admitted, and once
// the true cost is known a signed delta entry is appended rather than the
// reservation being rewritten. Expired entries are reclaimed by an explicit,
// amortized Prune.
package quota

import (
	"sort"
	"sync"
	"time"

	"cadence/pkg/config"
)

// pruneThreshold is the stale fraction of a window slice that triggers
// compaction.
const pruneThreshold = 0.3

// WindowEntry is one signed token amount in the sliding input-token window.
type WindowEntry struct {
	At          time.Time
	Tokens      int
	Reservation bool // true for the optimistic reservation, false for an adjustment delta
}

// Usage is a read-only view of one key's current consumption.
type Usage struct {
	Key           config.ModelKey `json:"key"`
	UsedTokens    int             `json:"used_tokens"`
	Capacity      int             `json:"capacity"`
	RPMUsed       int             `json:"rpm_used"`
	RPMLimit      int             `json:"rpm_limit"`
	RPDUsed       int             `json:"rpd_used"`
	RPDLimit      int             `json:"rpd_limit"`
	NextAvailable time.Time       `json:"next_available"`
}

// keyState is the tracking state for one ModelKey. Multiple keys never share
// window state; an overloaded lite burst cannot block standard admission.
type keyState struct {
	profile  config.QuotaProfile
	window   []WindowEntry // input-token entries, time-ordered
	rpm      []time.Time   // call timestamps, time-ordered
	rpd      []time.Time   // call timestamps, time-ordered, pruned at Pacific day start
	lastSlot time.Time     // most recent scheduled wire slot
}

// Ledger enforces admission limits independently per ModelKey.
type Ledger struct {
	mu     sync.Mutex
	keys   map[config.ModelKey]*keyState
	now    func() time.Time
	pacLoc *time.Location
}

// NewLedger creates a ledger for the given quota profiles using the wall
// clock.
func NewLedger(profiles map[config.ModelKey]config.QuotaProfile) *Ledger {
	return NewLedgerWithClock(profiles, time.Now)
}

// NewLedgerWithClock creates a ledger with an injectable clock. Tests drive
// admission windows with a manual clock instead of sleeping.
func NewLedgerWithClock(profiles map[config.ModelKey]config.QuotaProfile, clock func() time.Time) *Ledger {
	keys := make(map[config.ModelKey]*keyState, len(profiles))
	for key, profile := range profiles {
		keys[key] = &keyState{profile: profile}
	}
	return &Ledger{
		keys:   keys,
		now:    clock,
		pacLoc: pacificLocation(),
	}
}

// pacificLocation resolves the quota-reset timezone. The fixed-offset
// fallback loses DST correctness but keeps the daily reset functional on
// systems without tzdata.
func pacificLocation() *time.Location {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return time.FixedZone("PST", -8*60*60)
	}
	return loc
}

// dayStart returns the start of the current Pacific calendar day.
func (l *Ledger) dayStart(now time.Time) time.Time {
	p := now.In(l.pacLoc)
	return time.Date(p.Year(), p.Month(), p.Day(), 0, 0, 0, 0, l.pacLoc)
}

// CanAdmit reports whether a request with the given token reservation could
// start right now. Pure check: no side effects, all four dimensions (RPM,
// RPD, token window, spacing) must hold. Unknown keys never admit.
func (l *Ledger) CanAdmit(key config.ModelKey, reservationTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return false
	}
	now := l.now()

	if st.rpmUsedLocked(now) >= st.profile.RPM {
		return false
	}
	if st.rpdUsedLocked(l.dayStart(now)) >= st.profile.RPD {
		return false
	}
	if st.windowTokensLocked(now)+reservationTokens > st.profile.TokenCeiling {
		return false
	}
	if !st.lastSlot.IsZero() && now.Sub(st.lastSlot) < st.profile.Spacing() {
		return false
	}
	return true
}

// Reserve charges an admitted request against the key: appends the token
// reservation, the RPM/RPD timestamps, and advances the wire slot. Returns
// the pacing delay the executor must wait before actually issuing the call.
// Called exactly once per admitted request, under the scheduler's admission
// critical section.
func (l *Ledger) Reserve(key config.ModelKey, tokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return 0
	}
	now := l.now()

	st.window = append(st.window, WindowEntry{At: now, Tokens: tokens, Reservation: true})
	st.rpm = append(st.rpm, now)
	st.rpd = append(st.rpd, now)

	// Stack wire slots so back-to-back reservations issue at least one
	// spacing interval apart, without charging an idle key a first-call
	// delay.
	issueAt := now
	if !st.lastSlot.IsZero() {
		if next := st.lastSlot.Add(st.profile.Spacing()); next.After(issueAt) {
			issueAt = next
		}
	}
	st.lastSlot = issueAt

	return issueAt.Sub(now)
}

// Adjust reconciles a reservation against the actual input-token cost by
// appending a signed delta entry. The original reservation entry is never
// mutated.
func (l *Ledger) Adjust(key config.ModelKey, actualTokens, reservedTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return
	}
	delta := actualTokens - reservedTokens
	if delta == 0 {
		return
	}
	st.window = append(st.window, WindowEntry{At: l.now(), Tokens: delta, Reservation: false})
}

// SpacingDelay returns how long a caller must wait before its next wire call
// respects the key's minimum spacing. The executor re-derives this before
// every retry attempt.
func (l *Ledger) SpacingDelay(key config.ModelKey) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok || st.lastSlot.IsZero() {
		return 0
	}
	wait := st.lastSlot.Add(st.profile.Spacing()).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// NextAvailableAt estimates the earliest time a request with the given
// pending reservation could be admitted, as the latest of the three decaying
// constraints: token-window expiry, RPM slot expiry, and minimum spacing. RPD
// exhaustion is deliberately not folded in; an RPD-starved request stays
// queued until the Pacific-day reset.
func (l *Ledger) NextAvailableAt(key config.ModelKey, pendingReservation int) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	now := l.now()
	if !ok {
		return now
	}

	at := now

	if t := st.tokenFitAtLocked(now, pendingReservation); t.After(at) {
		at = t
	}
	if t := st.rpmFreeAtLocked(now); t.After(at) {
		at = t
	}
	if !st.lastSlot.IsZero() {
		if t := st.lastSlot.Add(st.profile.Spacing()); t.After(at) {
			at = t
		}
	}
	return at
}

// Prune reclaims entries older than each dimension's horizon (60s for the
// token/RPM windows, the Pacific day start for RPD). Amortized: a slice is
// compacted only once its stale fraction reaches the threshold. Returns
// whether anything was reclaimed this call.
func (l *Ledger) Prune(key config.ModelKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return false
	}
	now := l.now()
	horizon := now.Add(-config.TokenWindow)

	pruned := false

	staleWindow := sort.Search(len(st.window), func(i int) bool {
		return st.window[i].At.After(horizon)
	})
	if shouldCompact(staleWindow, len(st.window)) {
		st.window = append([]WindowEntry(nil), st.window[staleWindow:]...)
		pruned = true
	}

	staleRPM := sort.Search(len(st.rpm), func(i int) bool {
		return st.rpm[i].After(horizon)
	})
	if shouldCompact(staleRPM, len(st.rpm)) {
		st.rpm = append([]time.Time(nil), st.rpm[staleRPM:]...)
		pruned = true
	}

	dayStart := l.dayStart(now)
	staleRPD := sort.Search(len(st.rpd), func(i int) bool {
		return !st.rpd[i].Before(dayStart)
	})
	if shouldCompact(staleRPD, len(st.rpd)) {
		st.rpd = append([]time.Time(nil), st.rpd[staleRPD:]...)
		pruned = true
	}

	return pruned
}

func shouldCompact(stale, total int) bool {
	return stale > 0 && float64(stale) >= pruneThreshold*float64(total)
}

// Snapshot returns a read-only usage view for one key. The next-available
// estimate is computed for a zero-token reservation.
func (l *Ledger) Snapshot(key config.ModelKey) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return Usage{Key: key}
	}
	now := l.now()

	next := now
	if t := st.rpmFreeAtLocked(now); t.After(next) {
		next = t
	}
	if !st.lastSlot.IsZero() {
		if t := st.lastSlot.Add(st.profile.Spacing()); t.After(next) {
			next = t
		}
	}

	return Usage{
		Key:           key,
		UsedTokens:    st.windowTokensLocked(now),
		Capacity:      st.profile.TokenCeiling,
		RPMUsed:       st.rpmUsedLocked(now),
		RPMLimit:      st.profile.RPM,
		RPDUsed:       st.rpdUsedLocked(l.dayStart(now)),
		RPDLimit:      st.profile.RPD,
		NextAvailable: next,
	}
}

// Keys returns the tracked model keys in a stable order.
func (l *Ledger) Keys() []config.ModelKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]config.ModelKey, 0, len(l.keys))
	for key := range l.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Idle reports whether every minute-scale window has fully decayed. The
// scheduler stops its status ticker once the ledger is idle and the queue is
// empty.
func (l *Ledger) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, st := range l.keys {
		if st.windowTokensLocked(now) != 0 {
			return false
		}
		if len(st.window) > 0 && st.window[len(st.window)-1].At.After(now.Add(-config.TokenWindow)) {
			return false
		}
		if st.rpmUsedLocked(now) > 0 {
			return false
		}
	}
	return true
}

// windowTokensLocked sums token entries inside the trailing window.
func (st *keyState) windowTokensLocked(now time.Time) int {
	horizon := now.Add(-config.TokenWindow)
	sum := 0
	for i := len(st.window) - 1; i >= 0; i-- {
		if !st.window[i].At.After(horizon) {
			break
		}
		sum += st.window[i].Tokens
	}
	return sum
}

// rpmUsedLocked counts calls inside the trailing window.
func (st *keyState) rpmUsedLocked(now time.Time) int {
	horizon := now.Add(-config.TokenWindow)
	count := 0
	for i := len(st.rpm) - 1; i >= 0; i-- {
		if !st.rpm[i].After(horizon) {
			break
		}
		count++
	}
	return count
}

// rpdUsedLocked counts calls since the Pacific day start.
func (st *keyState) rpdUsedLocked(dayStart time.Time) int {
	count := 0
	for i := len(st.rpd) - 1; i >= 0; i-- {
		if st.rpd[i].Before(dayStart) {
			break
		}
		count++
	}
	return count
}

// tokenFitAtLocked finds the earliest time enough window entries have expired
// for the pending reservation to fit. Entries expire in time order, so the
// scan walks expiry boundaries oldest-first.
func (st *keyState) tokenFitAtLocked(now time.Time, pending int) time.Time {
	used := st.windowTokensLocked(now)
	if used+pending <= st.profile.TokenCeiling {
		return now
	}

	horizon := now.Add(-config.TokenWindow)
	remaining := used
	at := now
	for _, entry := range st.window {
		if !entry.At.After(horizon) {
			continue // already expired, not part of the current sum
		}
		remaining -= entry.Tokens
		at = entry.At.Add(config.TokenWindow)
		if remaining+pending <= st.profile.TokenCeiling {
			return at
		}
	}
	// Everything expires and the reservation still stands alone.
	return at
}

// rpmFreeAtLocked finds the earliest time an RPM slot frees up.
func (st *keyState) rpmFreeAtLocked(now time.Time) time.Time {
	horizon := now.Add(-config.TokenWindow)
	live := st.rpm
	if first := sort.Search(len(live), func(i int) bool {
		return live[i].After(horizon)
	}); first > 0 {
		live = live[first:]
	}

	if len(live) < st.profile.RPM {
		return now
	}
	// The slot frees when the oldest of the binding timestamps expires.
	idx := len(live) - st.profile.RPM
	return live[idx].Add(config.TokenWindow)
}
