// Package pendingclaim implements the per-dispatcher PendingClaimTable:
// a proxyId -> PendingClaim map with a write-TTL, so a
// waiter that never gets notified and never comes back still gets
// reclaimed instead of leaking forever.
package pendingclaim

import (
	"sync"
	"time"
)

// Outcome is the three-way result of waiting on a PendingClaim, replacing
// the source's interrupted/execution/cancellation/timeout exception
// catching with an explicit result value.
type Outcome int

const (
	// Completed means a seat may be available; the caller should re-attempt claimSeat.
	Completed Outcome = iota
	// Cancelled means the proxy was stopped externally; the caller must not claim a seat.
	Cancelled
	// TimedOut means the per-attempt wait elapsed with no signal; the caller
	// should re-attempt claimSeat anyway, as a defense against missed events.
	TimedOut
)

// DefaultTTL is the write-TTL for table entries.
const DefaultTTL = 10 * time.Minute

// PendingClaim is a waiter record: a proxy has no seat yet and should be
// woken (or told to give up) when something happens.
type PendingClaim struct {
	ProxyID string
	CreatedAt time.Time

	signal chan Outcome
	once sync.Once
}

// wait blocks until the claim is signalled or d elapses, returning TimedOut
// in the latter case. Safe to call at most once per attempt.
func (pc *PendingClaim) wait(d time.Duration) Outcome {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case outcome := <-pc.signal:
		return outcome
	case <-timer.C:
		return TimedOut
	}
}

func (pc *PendingClaim) complete(outcome Outcome) {
	pc.once.Do(func() {
		pc.signal <- outcome
	})
}

// Table is a keyed map of pending claims with per-entry expiration. At
// most one active entry per proxyId; callers must not start two
// concurrent claims for the same proxy.
type Table struct {
	ttl time.Duration

	mu sync.Mutex
	entries map[string]*tableEntry
}

type tableEntry struct {
	claim *PendingClaim
	expiresAt time.Time
	timer *time.Timer
}

// New creates a PendingClaimTable with the given TTL (DefaultTTL if zero).
func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		ttl: ttl,
		entries: make(map[string]*tableEntry),
	}
}

// Insert creates and stores a new PendingClaim for proxyID, expiring it
// automatically after the table's TTL. Eviction on TTL does not signal
// the claim: the waiter relies on its own
// per-attempt timeout and ProxyStore polling as the fallback.
func (t *Table) Insert(proxyID string) *PendingClaim {
	pc := &PendingClaim{
		ProxyID: proxyID,
		CreatedAt: time.Now(),
		signal: make(chan Outcome, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[proxyID]; ok {
		old.timer.Stop()
	}

	entry := &tableEntry{claim: pc, expiresAt: pc.CreatedAt.Add(t.ttl)}
	entry.timer = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.entries[proxyID]; ok && cur.claim == pc {
			delete(t.entries, proxyID)
		}
	})
	t.entries[proxyID] = entry
	return pc
}

// GetIfPresent returns the active claim for proxyID, if any.
func (t *Table) GetIfPresent(proxyID string) (*PendingClaim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[proxyID]
	if !ok {
		return nil, false
	}
	return entry.claim, true
}

// Invalidate removes the entry for proxyID without signalling it.
func (t *Table) Invalidate(proxyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[proxyID]; ok {
		entry.timer.Stop()
		delete(t.entries, proxyID)
	}
}

// CompleteAndRemove removes the entry for proxyID (if present) and
// signals it with outcome, waking any waiter blocked in Wait. Returns
// false if no entry was present.
func (t *Table) CompleteAndRemove(proxyID string, outcome Outcome) bool {
	t.mu.Lock()
	entry, ok := t.entries[proxyID]
	if ok {
		entry.timer.Stop()
		delete(t.entries, proxyID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.claim.complete(outcome)
	return true
}

// Wait blocks on claim for up to d, returning the outcome. Exposed at
// the package level so callers never touch the unexported wait
// primitive directly.
func Wait(claim *PendingClaim, d time.Duration) Outcome {
	return claim.wait(d)
}

// Len returns the number of live entries (test/diagnostic use).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
