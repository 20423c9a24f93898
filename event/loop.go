// Package event is the selector/event-loop contract this module's core is
// built against. Per the spec (§1), the real selector is out of scope and
// "assumed available"; Loop is the minimal concrete stand-in the spec's
// design notes call for (§9, "Readiness edges for virtual sockets"),
// merging OS-level and virtual-level readiness and dispatching registered
// fds on a single goroutine, matching the single-threaded discipline of
// §5: "an implementation that serializes all handler callbacks onto one
// executor thread satisfies the spec."
package event

import (
	"container/heap"
	"sync"
	"time"
)

// Ops is a bitmask of interest operations, mirroring the selector
// register/add_ops/rm_ops contract from the spec.
type Ops uint8

const (
	OpRead Ops = 1 << iota
	OpWrite
)

// Callback is invoked by the loop when a registered fd becomes ready for
// one of its registered ops, or when a scheduled Timer fires.
type Callback func()

// Timer is returned by Delay/Period; Cancel is idempotent.
type Timer interface {
	Cancel()
}

// Loop is a single-threaded reactor: register fds for readable/writable
// interest, and arrange delayed or periodic callbacks. All callbacks
// registered on a Loop run serially on the goroutine that calls Run,
// never concurrently with each other, matching §5's concurrency model.
type Loop struct {
	mu       sync.Mutex
	handlers map[int]*registration
	virtual  map[int]Ops // fds with a software-asserted (non-OS) readiness edge
	timers   timerHeap
	wake     chan struct{}
	tasks    []func()
	closed   bool
}

type registration struct {
	ops      Ops
	onRead   Callback
	onWrite  Callback
}

// NewLoop creates an idle loop. Call Run on the goroutine that should own
// all dispatch.
func NewLoop() *Loop {
	return &Loop{
		handlers: make(map[int]*registration),
		virtual:  make(map[int]Ops),
		wake:     make(chan struct{}, 1),
	}
}

// Register installs onRead/onWrite for fd with the given initial interest
// set. Either callback may be nil if that op is never of interest.
func (l *Loop) Register(fd int, ops Ops, onRead, onWrite Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[fd] = &registration{ops: ops, onRead: onRead, onWrite: onWrite}
}

// Unregister removes fd entirely; subsequent virtual-ready assertions for
// it are ignored.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, fd)
	delete(l.virtual, fd)
}

// AddOps asserts additional interest ops for fd, e.g. registering writable
// interest once a partial write needs to resume.
func (l *Loop) AddOps(fd int, ops Ops) {
	l.mu.Lock()
	if r, ok := l.handlers[fd]; ok {
		r.ops |= ops
	}
	l.mu.Unlock()
	l.poke()
}

// RmOps withdraws interest ops for fd, e.g. unregistering writable
// interest once a write queue has fully drained.
func (l *Loop) RmOps(fd int, ops Ops) {
	l.mu.Lock()
	if r, ok := l.handlers[fd]; ok {
		r.ops &^= ops
	}
	l.mu.Unlock()
}

// MarkVirtualReady asserts a software readiness edge for fd/ops — used by
// virtual fds (C4 stream, C6 listener) that have no OS-level descriptor of
// their own. The edge is consumed (cleared) the next time the loop
// dispatches it.
func (l *Loop) MarkVirtualReady(fd int, ops Ops) {
	l.mu.Lock()
	l.virtual[fd] |= ops
	l.mu.Unlock()
	l.poke()
}

// ClearVirtualReady withdraws a previously asserted software edge, e.g.
// when a stream's inbound buffer has been fully drained.
func (l *Loop) ClearVirtualReady(fd int, ops Ops) {
	l.mu.Lock()
	l.virtual[fd] &^= ops
	l.mu.Unlock()
}

// Delay schedules cb to run once, after d has elapsed.
func (l *Loop) Delay(d time.Duration, cb Callback) Timer {
	return l.schedule(d, 0, cb)
}

// Period schedules cb to run repeatedly every d.
func (l *Loop) Period(d time.Duration, cb Callback) Timer {
	return l.schedule(d, d, cb)
}

type timerEntry struct {
	at       time.Time
	period   time.Duration
	cb       Callback
	canceled bool
	index    int
}

func (t *timerEntry) Cancel() { t.canceled = true }

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (l *Loop) schedule(d, period time.Duration, cb Callback) Timer {
	l.mu.Lock()
	e := &timerEntry{at: time.Now().Add(d), period: period, cb: cb}
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.poke()
	return e
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit queues fn to run on the loop goroutine at the next dispatch,
// giving re-entrant callers (a framer hook invoked from inside a dispatch)
// a way to schedule follow-up work without recursing into Run itself.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.poke()
}

// Stop terminates Run at its next wakeup.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.poke()
}

// Run dispatches ready fds, fired timers and submitted tasks until Stop is
// called. It owns nothing about the real OS poller: in production, an
// embedder would feed real readable/writable edges in via MarkVirtualReady
// (or a parallel OS-backed registration path); Run here only drives the
// virtual-ready set and the timer wheel, which is sufficient to host C3-C6
// in tests and in the reference cmd/rumux-tunnel binary's single-conn mode.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		tasks := l.tasks
		l.tasks = nil
		var nextTimer time.Duration = time.Hour
		if l.timers.Len() > 0 {
			nextTimer = time.Until(l.timers[0].at)
			if nextTimer < 0 {
				nextTimer = 0
			}
		}
		ready := l.drainVirtualLocked()
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		for fd, ops := range ready {
			l.dispatch(fd, ops)
		}
		l.fireDueTimers()

		if len(tasks) > 0 || len(ready) > 0 {
			continue // more may have been produced re-entrantly
		}

		select {
		case <-l.wake:
		case <-time.After(nextTimer):
		}
	}
}

func (l *Loop) drainVirtualLocked() map[int]Ops {
	if len(l.virtual) == 0 {
		return nil
	}
	out := make(map[int]Ops, len(l.virtual))
	for fd, ops := range l.virtual {
		if r, ok := l.handlers[fd]; ok {
			effective := ops & r.ops
			if effective != 0 {
				out[fd] = effective
			}
		}
	}
	for fd := range out {
		delete(l.virtual, fd)
	}
	return out
}

func (l *Loop) dispatch(fd int, ops Ops) {
	l.mu.Lock()
	r, ok := l.handlers[fd]
	l.mu.Unlock()
	if !ok {
		return
	}
	if ops&OpRead != 0 && r.onRead != nil {
		r.onRead()
	}
	if ops&OpWrite != 0 && r.onWrite != nil {
		r.onWrite()
	}
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if l.timers.Len() == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			break
		}
		e := heap.Pop(&l.timers).(*timerEntry)
		l.mu.Unlock()

		if e.canceled {
			continue
		}
		if e.period > 0 {
			e.at = now.Add(e.period)
			l.mu.Lock()
			heap.Push(&l.timers, e)
			l.mu.Unlock()
		}
		e.cb()
	}
}
