// Package quota provides the reservation ledger that admits uploads
// against per-owner storage quotas.
//
// Admission is all-or-nothing: TryAdmit reserves the full file size
// before any remote write, Commit converts the reservation to used bytes
// when the transfer completes, and Release returns it on failure or
// cancellation. Every admitted transfer balances its reservation with
// exactly one Commit or Release.
package quota

import (
	"context"
	"fmt"
	"sync"
)

// Store persists quota accounts. Implemented by the postgres record store.
type Store interface {
	// GetAccount returns an owner's used and limit bytes. limit 0 means
	// unlimited.
	GetAccount(ctx context.Context, ownerID int) (used, limit int64, err error)

	// SetAccountUsed persists an owner's used bytes.
	SetAccountUsed(ctx context.Context, ownerID int, used int64) error
}

// account is the in-memory reservation state for one owner. Each account
// has its own lock so admission for one owner never blocks another.
type account struct {
	mu       sync.Mutex
	loaded   bool
	used     int64
	limit    int64
	reserved int64
}

// Ledger tracks used and reserved bytes per owner.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	accounts map[int]*account
}

// NewLedger creates a ledger backed by the given account store.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:    store,
		accounts: make(map[int]*account),
	}
}

func (l *Ledger) account(ownerID int) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[ownerID]
	if !ok {
		a = &account{}
		l.accounts[ownerID] = a
	}
	return a
}

// load populates an account from the store on first touch. Caller holds a.mu.
func (l *Ledger) load(ctx context.Context, ownerID int, a *account) error {
	if a.loaded {
		return nil
	}
	used, limit, err := l.store.GetAccount(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", ownerID, err)
	}
	a.used = used
	a.limit = limit
	a.loaded = true
	return nil
}

// TryAdmit reports whether an upload of the given size fits the owner's
// quota, and if so reserves the size. A limit of 0 means unlimited.
func (l *Ledger) TryAdmit(ctx context.Context, ownerID int, size int64) (bool, error) {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.load(ctx, ownerID, a); err != nil {
		return false, err
	}
	if a.limit > 0 && a.used+a.reserved+size > a.limit {
		return false, nil
	}
	a.reserved += size
	return true, nil
}

// Commit converts a reservation into used bytes and persists the new
// usage. Called in the same logical transaction that completes the file.
func (l *Ledger) Commit(ctx context.Context, ownerID int, size int64) error {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserved < size {
		return fmt.Errorf("commit %d bytes exceeds reservation %d for owner %d", size, a.reserved, ownerID)
	}
	a.reserved -= size
	a.used += size
	if err := l.store.SetAccountUsed(ctx, ownerID, a.used); err != nil {
		// Roll the in-memory move back so the ledger stays consistent
		// with the store; the caller fails the transfer.
		a.reserved += size
		a.used -= size
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}

// Release returns a reservation without consuming quota.
func (l *Ledger) Release(ownerID int, size int64) {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reserved -= size
	if a.reserved < 0 {
		a.reserved = 0
	}
}

// Discharge frees previously committed bytes, e.g. when a completed file
// is deleted, and persists the new usage.
func (l *Ledger) Discharge(ctx context.Context, ownerID int, size int64) error {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.load(ctx, ownerID, a); err != nil {
		return err
	}
	a.used -= size
	if a.used < 0 {
		a.used = 0
	}
	if err := l.store.SetAccountUsed(ctx, ownerID, a.used); err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}

// Usage returns an owner's current used, reserved, and limit bytes.
func (l *Ledger) Usage(ctx context.Context, ownerID int) (used, reserved, limit int64, err error) {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.load(ctx, ownerID, a); err != nil {
		return 0, 0, 0, err
	}
	return a.used, a.reserved, a.limit, nil
}
