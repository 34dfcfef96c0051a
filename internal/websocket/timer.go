package websocket

import "time"

type timerKind int

const (
	lockTimer timerKind = iota
	backupTimer
)

// timerFired is posted to the owning hub when a slot's timer goes off.
type timerFired struct {
	kind timerKind
	gen  uint64
}

// slot is a single-slot timer handle. Arming cancels whatever was armed
// before, and every arm or stop bumps the generation so a fire that was
// already in flight is recognised as stale and ignored.
//
// A slot is owned by one hub goroutine and is not safe for concurrent use;
// only the post callback runs on the timer goroutine.
type slot struct {
	kind  timerKind
	timer *time.Timer
	gen   uint64
	post  func(timerFired)
}

func newSlot(kind timerKind, post func(timerFired)) *slot {
	return &slot{kind: kind, post: post}
}

func (s *slot) arm(d time.Duration) {
	s.stop()
	s.gen++
	ev := timerFired{kind: s.kind, gen: s.gen}
	s.timer = time.AfterFunc(d, func() { s.post(ev) })
}

// stop cancels the armed timer and reports whether one was armed.
func (s *slot) stop() bool {
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
	return true
}

func (s *slot) armed() bool { return s.timer != nil }

// fired consumes ev. It reports false for stale generations.
func (s *slot) fired(ev timerFired) bool {
	if s.timer == nil || ev.gen != s.gen {
		return false
	}
	s.timer = nil
	return true
}
