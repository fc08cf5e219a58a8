package tasks

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
)

// TimerID identifies a scheduled timer. Zero is never a valid id.
type TimerID uint64

// InvalidTimerID is returned when a timer cannot be scheduled.
const InvalidTimerID TimerID = 0

// TimerType selects one-shot or repeating behaviour.
type TimerType int

const (
	TimerOneShot TimerType = iota
	TimerRepeating
)

type timerInfo struct {
	id         TimerID
	callback   func()
	typ        TimerType
	intervalMS uint32
	next       time.Time // monotonic deadline of the next execution
	cancelled  bool
}

// baseTimer holds the shared state machine: an id-keyed map of live timers
// and trampoline tasks posted through the group's async path. A trampoline
// that fires after cancellation finds no live record and becomes a no-op.
type baseTimer struct {
	group  *Group
	log    *zap.SugaredLogger
	mu     sync.Mutex
	active map[TimerID]*timerInfo
	nextID atomic.Uint64
}

func newBaseTimer(group *Group, name string) baseTimer {
	return baseTimer{
		group:  group,
		log:    logger.Named(name),
		active: make(map[TimerID]*timerInfo),
	}
}

func (b *baseTimer) set(delayMS uint32, cb func(), typ TimerType, next time.Time) TimerID {
	if cb == nil {
		b.log.Errorw("timer callback cannot be nil")
		return InvalidTimerID
	}

	id := TimerID(b.nextID.Add(1))
	info := &timerInfo{
		id:         id,
		callback:   cb,
		typ:        typ,
		intervalMS: delayMS,
		next:       next,
	}

	b.mu.Lock()
	b.active[id] = info
	b.mu.Unlock()

	b.schedule(info)
	return id
}

func (b *baseTimer) schedule(info *timerInfo) {
	delay := time.Until(info.next)
	if delay < 0 {
		delay = 0
	}
	id := info.id
	b.group.PostAsyncTask(func() { b.execute(id) }, uint32(delay/time.Millisecond))
}

func (b *baseTimer) execute(id TimerID) {
	b.mu.Lock()
	info, ok := b.active[id]
	if !ok || info.cancelled {
		b.mu.Unlock()
		return // cancelled between scheduling and firing
	}
	b.mu.Unlock()

	b.invoke(info.callback)

	b.mu.Lock()
	if info.typ == TimerRepeating && !info.cancelled {
		// Advance from the previous deadline, not from now, so repeated
		// firings do not accumulate drift.
		info.next = info.next.Add(time.Duration(info.intervalMS) * time.Millisecond)
		b.mu.Unlock()
		b.schedule(info)
		return
	}
	delete(b.active, id)
	b.mu.Unlock()
}

func (b *baseTimer) invoke(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("timer callback panicked", "panic", r)
		}
	}()
	cb()
}

// Cancel removes a live timer. Returns false for unknown, already-fired or
// already-cancelled ids, with no side effect.
func (b *baseTimer) Cancel(id TimerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.active[id]
	if !ok {
		return false
	}
	info.cancelled = true
	delete(b.active, id)
	return true
}

// CancelAll cancels every live timer.
func (b *baseTimer) CancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, info := range b.active {
		info.cancelled = true
	}
	b.active = make(map[TimerID]*timerInfo)
}

// ActiveCount returns the number of live timers.
func (b *baseTimer) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// SteadyTimer schedules callbacks against the monotonic clock.
type SteadyTimer struct {
	baseTimer
}

// NewSteadyTimer creates a monotonic-clock timer service over the group.
func NewSteadyTimer(group *Group) *SteadyTimer {
	return &SteadyTimer{baseTimer: newBaseTimer(group, "steady-timer")}
}

// SetRelative fires cb once after delayMS milliseconds.
func (t *SteadyTimer) SetRelative(delayMS uint32, cb func()) TimerID {
	return t.set(delayMS, cb, TimerOneShot, time.Now().Add(time.Duration(delayMS)*time.Millisecond))
}

// SetRepeating fires cb every intervalMS milliseconds until cancelled.
func (t *SteadyTimer) SetRepeating(intervalMS uint32, cb func()) TimerID {
	if intervalMS == 0 {
		t.log.Errorw("repeating timer interval cannot be zero")
		return InvalidTimerID
	}
	return t.set(intervalMS, cb, TimerRepeating, time.Now().Add(time.Duration(intervalMS)*time.Millisecond))
}

// SetAbsolute fires cb at the given monotonic deadline.
func (t *SteadyTimer) SetAbsolute(when time.Time, cb func()) TimerID {
	return t.set(0, cb, TimerOneShot, when)
}

// SystemTimer schedules callbacks against the wall clock. Wall-clock targets
// are converted to a monotonic deadline at scheduling time, so a wall-clock
// jump during the wait is not compensated.
type SystemTimer struct {
	baseTimer
}

// NewSystemTimer creates a wall-clock timer service over the group.
func NewSystemTimer(group *Group) *SystemTimer {
	return &SystemTimer{baseTimer: newBaseTimer(group, "system-timer")}
}

// SetRelative fires cb once after delayMS milliseconds.
func (t *SystemTimer) SetRelative(delayMS uint32, cb func()) TimerID {
	return t.set(delayMS, cb, TimerOneShot, time.Now().Add(time.Duration(delayMS)*time.Millisecond))
}

// SetRepeating fires cb every intervalMS milliseconds until cancelled.
func (t *SystemTimer) SetRepeating(intervalMS uint32, cb func()) TimerID {
	if intervalMS == 0 {
		t.log.Errorw("repeating timer interval cannot be zero")
		return InvalidTimerID
	}
	return t.set(intervalMS, cb, TimerRepeating, time.Now().Add(time.Duration(intervalMS)*time.Millisecond))
}

// SetAbsoluteUTC fires cb when the wall clock reaches the given Unix
// millisecond timestamp. Targets in the past fire immediately.
func (t *SystemTimer) SetAbsoluteUTC(unixMS int64, cb func()) TimerID {
	target := time.UnixMilli(unixMS)
	delta := time.Until(target)
	if delta < 0 {
		delta = 0
	}
	return t.set(0, cb, TimerOneShot, time.Now().Add(delta))
}
