package tasks

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
)

// Group composes a main task runner, a slave task runner and a pool of
// worker goroutines sharing a FIFO. The two runners own file-descriptor
// watches and ordered execution; the workers provide parallel execution for
// work posted via PostAsyncTask. Workers never touch sockets directly.
type Group struct {
	main    *ThreadRunner
	slave   *ThreadRunner
	queue   *taskQueue
	workers int
	wg      sync.WaitGroup
	alive   atomic.Bool
	log     *zap.SugaredLogger
}

// NewGroup starts the main and slave runners plus size worker goroutines.
func NewGroup(size int, wd *Watchdog) (*Group, error) {
	main, err := StartThreadRunner("mainLoop", wd)
	if err != nil {
		return nil, err
	}
	slave, err := StartThreadRunner("slaveLoop", wd)
	if err != nil {
		main.Stop()
		return nil, err
	}

	g := &Group{
		main:    main,
		slave:   slave,
		queue:   newTaskQueue(),
		workers: size,
		log:     logger.Named("tasks"),
	}
	g.alive.Store(true)

	for i := 0; i < size; i++ {
		g.wg.Add(1)
		go g.runWorker(i)
	}
	return g, nil
}

// Close stops the workers and joins both runners. Async tasks already in the
// worker queue still run before the workers exit; delayed async tasks not yet
// moved to the queue are dropped.
func (g *Group) Close() {
	if !g.alive.CompareAndSwap(true, false) {
		return
	}
	g.queue.Quit()
	g.wg.Wait()
	g.slave.Stop()
	g.main.Stop()
}

// PostTask schedules f on the main runner.
func (g *Group) PostTask(f func()) { g.main.PostTask(f) }

// PostDelayedTask schedules f on the main runner after delayMS milliseconds.
func (g *Group) PostDelayedTask(f func(), delayMS uint32) {
	g.main.PostDelayedTask(f, delayMS)
}

// PostAsyncTask schedules f on a worker goroutine. With a non-zero delay the
// task is parked on the slave runner first so the wait does not occupy a
// worker.
func (g *Group) PostAsyncTask(f func(), delayMS uint32) {
	if delayMS == 0 {
		g.queue.Push(f)
		return
	}
	g.slave.PostDelayedTask(func() {
		if g.alive.Load() {
			g.queue.Push(f)
		}
	}, delayMS)
}

// Main exposes the main runner for components that need FD watches.
func (g *Group) Main() TaskRunner { return g.main }

// Slave exposes the slave runner.
func (g *Group) Slave() TaskRunner { return g.slave }

// IsBusy reports whether the worker FIFO is backed up beyond twice the
// worker count.
func (g *Group) IsBusy() bool { return g.queue.Len() > g.workers*2 }

// Size returns the configured worker count.
func (g *Group) Size() int { return g.workers }

func (g *Group) runWorker(id int) {
	defer g.wg.Done()
	maybeSetThreadName(fmt.Sprintf("T-%02d", id))
	for {
		f, ok := g.queue.PopWait()
		if !ok {
			g.log.Debugw("worker exiting", "worker", id)
			return
		}
		g.safeRun(f, id)
	}
}

// safeRun keeps a worker alive across panicking tasks.
func (g *Group) safeRun(f func(), id int) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warnw("async task panicked",
				"worker", id,
				"panic", r,
				"stack", string(stackTrace()),
			)
		}
	}()
	f()
}
