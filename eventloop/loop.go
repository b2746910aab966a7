// Package eventloop provides the serial execution contexts that transport
// bindings pin their work to. A Loop runs scheduled tasks one at a time on a
// single goroutine, so anything confined to a loop needs no further locking,
// and a Pool distributes many connections across a fixed set of loops.
package eventloop

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/petermattis/goid"
)

// Loop executes tasks sequentially on one dedicated goroutine. Scheduling
// never blocks the caller; tasks run in FIFO order.
type Loop struct {
	mu    sync.Mutex
	tasks *queue.Queue

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	gid      atomic.Int64
	started  atomic.Bool
	stopOnce sync.Once

	onPanic func(v any)
}

// NewLoop returns an unstarted loop. onPanic, when non-nil, receives the
// value recovered from a panicking task and the loop keeps running; when nil
// a task panic propagates and kills the loop goroutine.
func NewLoop(onPanic func(v any)) *Loop {
	return &Loop{
		tasks:   queue.New(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Start launches the loop goroutine. Calling Start more than once has no
// effect.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Stop signals the loop to exit after draining already-scheduled tasks and
// waits for the goroutine to finish. Safe to call more than once; must not
// be called from the loop itself.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	if l.started.Load() && !l.IsCurrent() {
		<-l.done
	}
}

// Schedule enqueues task to run on the loop goroutine. It never blocks and
// never runs the task inline; after Stop the task is discarded.
//
// Parameters:
//   - task: The function to execute on the loop goroutine
func (l *Loop) Schedule(task func()) {
	select {
	case <-l.quit:
		return
	default:
	}
	l.mu.Lock()
	l.tasks.Add(task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// IsCurrent reports whether the calling goroutine is the loop goroutine.
// Work that must stay loop-confined uses this to decide between running
// inline and scheduling.
func (l *Loop) IsCurrent() bool {
	return l.started.Load() && goid.Get() == l.gid.Load()
}

// Pending returns the number of tasks waiting to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

func (l *Loop) run() {
	defer close(l.done)
	l.gid.Store(goid.Get())
	for {
		if task, ok := l.next(); ok {
			l.exec(task)
			continue
		}
		select {
		case <-l.wake:
		case <-l.quit:
			for {
				task, ok := l.next()
				if !ok {
					return
				}
				l.exec(task)
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Length() == 0 {
		return nil, false
	}
	return l.tasks.Remove().(func()), true
}

func (l *Loop) exec(task func()) {
	defer func() {
		if v := recover(); v != nil {
			if l.onPanic == nil {
				panic(v)
			}
			l.onPanic(v)
		}
	}()
	task()
}
