// Package editlock implements the single-writer edit lock of a room.
//
// A Lock has at most one Holder. A holder keeps the lock by renewing it
// within the timeout; a lock whose deadline has passed is treated as free by
// every operation, so a lapsed holder can never cause another identity to be
// denied. Lock does no timing of its own: callers pass the current time and
// arm their own timer from Deadline.
//
// Lock is not safe for concurrent use; it is owned by a single room actor.
package editlock

import "time"

// Holder identifies the owner of the lock. ConnID is the transport handle
// and is what ownership is matched on; UserID is the label shown to others.
type Holder struct {
	ConnID string
	UserID string
}

// Label is the user-facing identifier of the holder.
func (h Holder) Label() string {
	if h.UserID != "" {
		return h.UserID
	}
	return h.ConnID
}

type Outcome int

const (
	// Granted means the lock was free and now belongs to the caller.
	Granted Outcome = iota
	// Renewed means the caller already held the lock; the deadline moved.
	Renewed
	// Denied means another holder owns the lock; nothing changed.
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Renewed:
		return "renewed"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Result describes what an Acquire did.
type Result struct {
	Outcome Outcome
	// Lapsed is set when a previous holder's deadline had already passed
	// and the lock was cleared before the request was considered.
	Lapsed bool
	// Holder is the holder after the call.
	Holder Holder
}

type Lock struct {
	timeout    time.Duration
	holder     *Holder
	acquiredAt time.Time
	deadline   time.Time
}

func New(timeout time.Duration) *Lock {
	return &Lock{timeout: timeout}
}

// Acquire grants the lock to h if it is free, renews it if h already holds
// it, and denies it otherwise.
func (l *Lock) Acquire(h Holder, now time.Time) Result {
	lapsed := l.Expire(now)

	switch {
	case l.holder == nil:
		l.holder = &h
		l.acquiredAt = now
		l.deadline = now.Add(l.timeout)
		return Result{Outcome: Granted, Lapsed: lapsed, Holder: h}
	case l.holder.ConnID == h.ConnID:
		// the label may change between messages of the same connection
		if h.UserID != "" {
			l.holder.UserID = h.UserID
		}
		l.deadline = now.Add(l.timeout)
		return Result{Outcome: Renewed, Lapsed: lapsed, Holder: *l.holder}
	default:
		return Result{Outcome: Denied, Lapsed: lapsed, Holder: *l.holder}
	}
}

// Expire clears the lock if its deadline is not after now. It reports
// whether a holder was cleared.
func (l *Lock) Expire(now time.Time) bool {
	if l.holder == nil || now.Before(l.deadline) {
		return false
	}
	l.clear()
	return true
}

// Release clears the lock if connID holds it.
func (l *Lock) Release(connID string) bool {
	if l.holder == nil || l.holder.ConnID != connID {
		return false
	}
	l.clear()
	return true
}

// Holder returns the current holder, if any. It does not consider the
// deadline; call Expire first when that matters.
func (l *Lock) Holder() (Holder, bool) {
	if l.holder == nil {
		return Holder{}, false
	}
	return *l.holder, true
}

func (l *Lock) AcquiredAt() time.Time { return l.acquiredAt }

func (l *Lock) Deadline() time.Time { return l.deadline }

func (l *Lock) clear() {
	l.holder = nil
	l.acquiredAt = time.Time{}
	l.deadline = time.Time{}
}
