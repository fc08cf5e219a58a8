package tasks

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/netio"
)

type delayedTask struct {
	deadline time.Time
	fn       func()
}

type watchTask struct {
	fn        func()
	pollIndex int
}

// Loop is a single-goroutine task runner multiplexing three task sources:
// an immediate FIFO, a deadline-ordered delayed queue, and FD readiness
// watches, merged into one poll(2) loop. All task sources may be mutated
// from any goroutine; execution happens exclusively on the goroutine that
// called Run.
type Loop struct {
	wakeup   *netio.Wakeup
	watchdog *Watchdog
	log      *zap.SugaredLogger

	mu             sync.Mutex
	immediate      []func()
	delayed        []delayedTask // sorted by deadline, FIFO among equals
	watches        map[int]*watchTask
	watchesChanged bool
	quit           bool
	advancedTime   time.Duration // test-only synthetic clock offset

	// Owned by the Run goroutine outside the lock; rebuilt under the lock
	// when watches change.
	pollFDs []unix.PollFd

	tid atomic.Int64
}

// NewLoop creates a loop with the given watchdog (nil for no deadline guard).
func NewLoop(wd *Watchdog) (*Loop, error) {
	w, err := netio.NewWakeup()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		wakeup:   w,
		watchdog: wd,
		log:      logger.Named("loop"),
		watches:  make(map[int]*watchTask),
	}
	// The wakeup fd participates in the poll set like any other watch, but
	// readiness is drained inline; this callback must never be reached.
	l.AddFDWatch(w.FD(), func() {
		l.log.Fatalw("wakeup watch dispatched through the task path")
	})
	return l, nil
}

// Close releases the wakeup handle. Only call after Run has returned.
func (l *Loop) Close() error {
	return l.wakeup.Close()
}

// WakeUp forces the poll loop to re-evaluate its queues.
func (l *Loop) WakeUp() { l.wakeup.Notify() }

// Run executes tasks until Quit is called. It claims the calling goroutine:
// the OS thread is locked and recorded for RunsTasksOnCurrentThread.
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.tid.Store(int64(unix.Gettid()))

	for {
		l.mu.Lock()
		if l.quit {
			l.mu.Unlock()
			return
		}
		pollTimeoutMS := l.delayToNextTaskLocked()
		l.updateWatchesLocked()
		l.mu.Unlock()

		for {
			_, err := unix.Poll(l.pollFDs, pollTimeoutMS)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				l.log.Fatalw("poll failed", "error", err)
			}
			break
		}

		l.postFDWatches()

		// To avoid starvation we always interleave all types of tasks --
		// immediate, delayed and file descriptor watches.
		l.runImmediateAndDelayedTask()
	}
}

// Quit makes Run return at the next iteration boundary. Pending tasks are
// dropped, never invoked.
func (l *Loop) Quit() {
	l.mu.Lock()
	l.quit = true
	l.mu.Unlock()
	l.WakeUp()
}

// QuitCalled reports whether Quit has been requested.
func (l *Loop) QuitCalled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quit
}

// IsIdleForTesting reports whether the immediate queue is empty.
func (l *Loop) IsIdleForTesting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.immediate) == 0
}

// AdvanceTimeForTesting shifts the loop's notion of "now" forward so delayed
// tasks become due without sleeping.
func (l *Loop) AdvanceTimeForTesting(ms uint32) {
	l.mu.Lock()
	l.advancedTime += time.Duration(ms) * time.Millisecond
	l.mu.Unlock()
	l.WakeUp()
}

// PostTask implements TaskRunner.
func (l *Loop) PostTask(f func()) {
	var wasEmpty bool
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return
	}
	wasEmpty = len(l.immediate) == 0
	l.immediate = append(l.immediate, f)
	l.mu.Unlock()
	if wasEmpty {
		l.WakeUp()
	}
}

// PostDelayedTask implements TaskRunner.
func (l *Loop) PostDelayedTask(f func(), delayMS uint32) {
	deadline := time.Now().Add(time.Duration(delayMS) * time.Millisecond)
	l.mu.Lock()
	deadline = deadline.Add(l.advancedTime)
	i := sort.Search(len(l.delayed), func(i int) bool {
		return l.delayed[i].deadline.After(deadline)
	})
	l.delayed = append(l.delayed, delayedTask{})
	copy(l.delayed[i+1:], l.delayed[i:])
	l.delayed[i] = delayedTask{deadline: deadline, fn: f}
	l.mu.Unlock()
	l.WakeUp()
}

// AddFDWatch implements TaskRunner.
func (l *Loop) AddFDWatch(fd int, f func()) {
	l.mu.Lock()
	if _, dup := l.watches[fd]; dup {
		l.mu.Unlock()
		l.log.Fatalw("duplicate fd watch", "fd", fd)
		return
	}
	l.watches[fd] = &watchTask{fn: f, pollIndex: -1}
	l.watchesChanged = true
	l.mu.Unlock()
	l.WakeUp()
}

// RemoveFDWatch implements TaskRunner.
func (l *Loop) RemoveFDWatch(fd int) {
	l.mu.Lock()
	delete(l.watches, fd)
	l.watchesChanged = true
	l.mu.Unlock()
	// No wakeup needed: a stale poll entry is filtered in runFDWatch.
}

// RunsTasksOnCurrentThread implements TaskRunner.
func (l *Loop) RunsTasksOnCurrentThread() bool {
	return int64(unix.Gettid()) == l.tid.Load()
}

// delayToNextTaskLocked computes the poll timeout: 0 when immediate work is
// pending, the clamped time to the next delayed deadline, or -1 (infinite).
func (l *Loop) delayToNextTaskLocked() int {
	if len(l.immediate) > 0 {
		return 0
	}
	if len(l.delayed) > 0 {
		diff := l.delayed[0].deadline.Sub(time.Now().Add(l.advancedTime))
		if diff < 0 {
			return 0
		}
		return int(diff / time.Millisecond)
	}
	return -1
}

func (l *Loop) updateWatchesLocked() {
	if !l.watchesChanged {
		return
	}
	l.watchesChanged = false
	l.pollFDs = l.pollFDs[:0]
	for fd, wt := range l.watches {
		wt.pollIndex = len(l.pollFDs)
		l.pollFDs = append(l.pollFDs, unix.PollFd{
			Fd:     int32(fd),
			Events: unix.POLLIN | unix.POLLHUP,
		})
	}
}

// postFDWatches converts poll readiness into queued watch tasks. The wakeup
// fd is drained inline to avoid an infinite recursion of posted tasks. Each
// ready fd is negated in the poll set so poll(2) ignores it until its watch
// task has started executing, serialising callbacks per fd.
func (l *Loop) postFDWatches() {
	for i := range l.pollFDs {
		if l.pollFDs[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		l.pollFDs[i].Revents = 0

		fd := int(l.pollFDs[i].Fd)
		if fd == l.wakeup.FD() {
			l.wakeup.Clear()
			continue
		}

		l.PostTask(func() { l.runFDWatch(fd) })
		l.pollFDs[i].Fd = -l.pollFDs[i].Fd
	}
}

func (l *Loop) runFDWatch(fd int) {
	var task func()
	l.mu.Lock()
	wt, ok := l.watches[fd]
	if !ok {
		// Watch removed while the task was queued.
		l.mu.Unlock()
		return
	}

	// Make poll(2) pay attention to the fd again. Another goroutine may have
	// mutated the watch set in the meantime, so refresh it first.
	l.updateWatchesLocked()
	if idx := wt.pollIndex; idx >= 0 && idx < len(l.pollFDs) {
		if l.pollFDs[idx].Fd == -int32(fd) {
			l.pollFDs[idx].Fd = int32(fd)
		}
	}
	task = wt.fn
	l.mu.Unlock()

	l.runGuarded(task)
}

func (l *Loop) runImmediateAndDelayedTask() {
	var immediate, delayed func()
	now := time.Now()
	l.mu.Lock()
	if len(l.immediate) > 0 {
		immediate = l.immediate[0]
		l.immediate = l.immediate[1:]
	}
	if len(l.delayed) > 0 && !now.Add(l.advancedTime).Before(l.delayed[0].deadline) {
		delayed = l.delayed[0].fn
		l.delayed = l.delayed[1:]
	}
	l.mu.Unlock()

	if immediate != nil {
		l.runGuarded(immediate)
	}
	if delayed != nil {
		l.runGuarded(delayed)
	}
}

// runGuarded runs a task under the watchdog deadline, recovering panics so
// a failing task cannot unwind the loop.
func (l *Loop) runGuarded(f func()) {
	if l.watchdog != nil {
		defer l.watchdog.Arm()()
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("task panicked", "panic", r, "stack", string(stackTrace()))
		}
	}()
	f()
}
