package tasks

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ThreadRunner owns a dedicated goroutine running a Loop. The constructor
// does not return until the loop is live and accepting posts.
type ThreadRunner struct {
	loop *Loop
	name string
	done chan struct{}
}

// StartThreadRunner spawns the loop goroutine. The name, if non-empty, is
// applied as the OS thread name (truncated to the kernel's 15-byte limit).
func StartThreadRunner(name string, wd *Watchdog) (*ThreadRunner, error) {
	loop, err := NewLoop(wd)
	if err != nil {
		return nil, err
	}

	tr := &ThreadRunner{
		loop: loop,
		name: name,
		done: make(chan struct{}),
	}
	ready := make(chan struct{})
	go func() {
		defer close(tr.done)
		maybeSetThreadName(name)
		// Publish before Run so the constructor can return; posts enqueued
		// in the gap are picked up by the first poll iteration.
		close(ready)
		loop.Run()
	}()
	<-ready
	return tr, nil
}

// Stop quits the loop, joins the goroutine and releases the wakeup handle.
func (tr *ThreadRunner) Stop() {
	tr.loop.Quit()
	<-tr.done
	tr.loop.Close()
}

// Name returns the thread name given at construction.
func (tr *ThreadRunner) Name() string { return tr.name }

// PostTask implements TaskRunner.
func (tr *ThreadRunner) PostTask(f func()) { tr.loop.PostTask(f) }

// PostDelayedTask implements TaskRunner.
func (tr *ThreadRunner) PostDelayedTask(f func(), delayMS uint32) {
	tr.loop.PostDelayedTask(f, delayMS)
}

// AddFDWatch implements TaskRunner.
func (tr *ThreadRunner) AddFDWatch(fd int, f func()) { tr.loop.AddFDWatch(fd, f) }

// RemoveFDWatch implements TaskRunner.
func (tr *ThreadRunner) RemoveFDWatch(fd int) { tr.loop.RemoveFDWatch(fd) }

// RunsTasksOnCurrentThread implements TaskRunner.
func (tr *ThreadRunner) RunsTasksOnCurrentThread() bool {
	return tr.loop.RunsTasksOnCurrentThread()
}

// Loop exposes the underlying loop for test-only clock control.
func (tr *ThreadRunner) Loop() *Loop { return tr.loop }

func maybeSetThreadName(name string) {
	if name == "" {
		return
	}
	if len(name) > 15 {
		name = name[:15]
	}
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
