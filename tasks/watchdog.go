package tasks

import (
	"runtime"
	"time"

	"github.com/teranos/loom/logger"
)

// DefaultWatchdogTimeout is the per-task deadline applied when none is
// configured explicitly.
const DefaultWatchdogTimeout = 180 * time.Second

// Watchdog aborts the process when a single task overruns its deadline.
// A stuck task freezes its whole loop, so there is nothing useful left to
// do beyond dumping every goroutine's stack and exiting.
type Watchdog struct {
	timeout time.Duration
}

// NewWatchdog creates a watchdog with the given per-task deadline.
// A zero timeout disables the guard entirely.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Arm starts the deadline for one task and returns the disarm function,
// intended for `defer wd.Arm()()`.
func (w *Watchdog) Arm() func() {
	if w == nil || w.timeout == 0 {
		return func() {}
	}
	t := time.AfterFunc(w.timeout, func() {
		logger.Fatalw("watchdog: task exceeded deadline",
			"timeout", w.timeout,
			"stacks", string(stackTrace()),
		)
	})
	return func() { t.Stop() }
}

// stackTrace captures the stacks of all goroutines.
func stackTrace() []byte {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return buf[:n]
}
