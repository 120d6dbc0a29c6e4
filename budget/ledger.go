// Package budget is the gatekeeper in front of every task dispatch. It
// tracks per-user cost against a rolling window, debits pessimistically at
// dispatch time, and reconciles reservations against measured usage when
// the task reaches a terminal state.
package budget

import (
	"context"
	"sync"
	"time"
)

// Ledger stores settled usage and outstanding reservations for one scope
// (user id). Implementations must apply debits atomically: a reservation
// either fully lands or is fully rejected.
type Ledger interface {
	// Reserve debits cost for userID if used + outstanding + cost stays
	// within cap. Returns ErrBudgetExceeded otherwise.
	Reserve(ctx context.Context, userID, reservationID string, cost float64, cap float64) error
	// Settle replaces the reservation with the actual cost, refunding
	// over-reservation and backfilling under-reservation. Settling an
	// unknown reservation is a no-op so Release stays idempotent.
	Settle(ctx context.Context, userID, reservationID string, actual float64) error
	// UsedInWindow returns the settled cost inside the rolling window.
	UsedInWindow(ctx context.Context, userID string) (float64, error)
	// Outstanding returns the sum of unsettled reservations.
	Outstanding(ctx context.Context, userID string) (float64, error)
}

// usageRecord is one settled debit.
type usageRecord struct {
	at   time.Time
	cost float64
}

type account struct {
	records      []usageRecord
	reservations map[string]float64
}

// MemoryLedger is the in-process Ledger: one lock, single writer, suitable
// for a supervisor owning its own budget scope.
type MemoryLedger struct {
	mu       sync.Mutex
	window   time.Duration
	accounts map[string]*account
	now      func() time.Time
}

// NewMemoryLedger creates a ledger with the given rolling window.
func NewMemoryLedger(window time.Duration) *MemoryLedger {
	return &MemoryLedger{
		window:   window,
		accounts: make(map[string]*account),
		now:      time.Now,
	}
}

func (l *MemoryLedger) account(userID string) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{reservations: make(map[string]float64)}
		l.accounts[userID] = a
	}
	return a
}

// prune drops settled records older than the window. Caller holds the lock.
func (l *MemoryLedger) prune(a *account, now time.Time) {
	cutoff := now.Add(-l.window)
	keep := a.records[:0]
	for _, rec := range a.records {
		if rec.at.After(cutoff) {
			keep = append(keep, rec)
		}
	}
	a.records = keep
}

func (l *MemoryLedger) Reserve(_ context.Context, userID, reservationID string, cost, cap float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a := l.account(userID)
	l.prune(a, now)

	used := 0.0
	for _, rec := range a.records {
		used += rec.cost
	}
	outstanding := 0.0
	for _, c := range a.reservations {
		outstanding += c
	}
	if used+outstanding+cost > cap {
		return errBudgetExceeded(userID, used+outstanding, cost, cap)
	}
	a.reservations[reservationID] = cost
	return nil
}

func (l *MemoryLedger) Settle(_ context.Context, userID, reservationID string, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(userID)
	if _, ok := a.reservations[reservationID]; !ok {
		return nil
	}
	delete(a.reservations, reservationID)
	if actual > 0 {
		a.records = append(a.records, usageRecord{at: l.now(), cost: actual})
	}
	return nil
}

func (l *MemoryLedger) UsedInWindow(_ context.Context, userID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(userID)
	l.prune(a, l.now())
	used := 0.0
	for _, rec := range a.records {
		used += rec.cost
	}
	return used, nil
}

func (l *MemoryLedger) Outstanding(_ context.Context, userID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(userID)
	outstanding := 0.0
	for _, c := range a.reservations {
		outstanding += c
	}
	return outstanding, nil
}
