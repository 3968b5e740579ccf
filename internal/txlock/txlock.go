// Package txlock implements the per-peerset transaction lock that keeps two
// cross-peerset transactions from interleaving appends on one history.
package txlock

import (
	"fmt"
	"sync"

	"pkt.systems/peersetd/internal/failure"
)

// Protocol identifies the commit protocol holding a lock.
type Protocol string

const (
	ProtocolGPAC  Protocol = "gpac"
	ProtocolTwoPC Protocol = "two_pc"
	// ProtocolLocal marks the short hold of a single-peerset append.
	ProtocolLocal Protocol = "local"
)

// Acquisition is a lock ticket.
type Acquisition struct {
	Protocol Protocol
	ChangeID string
}

func (a Acquisition) String() string {
	return fmt.Sprintf("%s/%s", a.Protocol, a.ChangeID)
}

// AlreadyLockedError is returned when another acquisition holds the lock.
type AlreadyLockedError struct {
	Peerset  string
	Existing Acquisition
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("peerset %s is locked by %s", e.Peerset, e.Existing)
}

// Failure converts e for transport.
func (e *AlreadyLockedError) Failure() failure.Failure {
	return failure.Failure{Code: failure.CodeAlreadyLocked, Detail: e.Error(), RetryAfter: 1}
}

// NotLockedError is returned when releasing an acquisition that is not held.
type NotLockedError struct {
	Peerset string
	Want    Acquisition
}

func (e *NotLockedError) Error() string {
	return fmt.Sprintf("peerset %s is not locked by %s", e.Peerset, e.Want)
}

// Lock guards one peerset. The zero value is not usable; call New.
type Lock struct {
	peerset string

	mu   sync.Mutex
	held *Acquisition
}

// New returns an unlocked lock for peerset.
func New(peerset string) *Lock {
	return &Lock{peerset: peerset}
}

// Acquire takes the lock for a. Acquiring the exact ticket already held
// succeeds so protocol retries stay idempotent. Any other holder yields
// *AlreadyLockedError; there is no waiting.
func (l *Lock) Acquire(a Acquisition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		if *l.held == a {
			return nil
		}
		return &AlreadyLockedError{Peerset: l.peerset, Existing: *l.held}
	}
	held := a
	l.held = &held
	return nil
}

// Release drops the lock held by a.
func (l *Lock) Release(a Acquisition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil || *l.held != a {
		return &NotLockedError{Peerset: l.peerset, Want: a}
	}
	l.held = nil
	return nil
}

// ReleaseChange drops the lock when it is held by changeID under any protocol.
// It reports whether a lock was released.
func (l *Lock) ReleaseChange(changeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil || l.held.ChangeID != changeID {
		return false
	}
	l.held = nil
	return true
}

// IsBlockedOn reports whether changeID holds the lock.
func (l *Lock) IsBlockedOn(changeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held != nil && l.held.ChangeID == changeID
}

// Holder returns the current acquisition.
func (l *Lock) Holder() (Acquisition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return Acquisition{}, false
	}
	return *l.held, true
}

// Peerset returns the guarded peerset id.
func (l *Lock) Peerset() string {
	return l.peerset
}
