package mux

import (
	"sync"

	"github.com/loopwire/rumux/event"
)

// Listener is the virtual listening fd (C6): an accept queue of
// newly-established streams for the server role. It is singleton per
// underlying fd — constructing a second Listener for the same fd raises
// ErrDuplicateListener (§4.5.8).
type Listener struct {
	fd   int
	loop *event.Loop

	mu      sync.Mutex
	backlog []*Stream
	closed  bool
	ready   chan struct{}
}

var (
	listenerRegistryMu sync.Mutex
	listenerRegistry   = map[int]*Listener{}
)

// NewListener constructs the listener for fd, or returns
// ErrDuplicateListener if one already exists for that fd.
func NewListener(fd int, loop *event.Loop) (*Listener, error) {
	listenerRegistryMu.Lock()
	defer listenerRegistryMu.Unlock()
	if _, exists := listenerRegistry[fd]; exists {
		return nil, ErrDuplicateListener
	}
	l := &Listener{fd: fd, loop: loop, ready: make(chan struct{}, 1)}
	listenerRegistry[fd] = l
	return l, nil
}

// Release removes the listener from the singleton registry, allowing a
// fresh Listener to be constructed for the same fd (e.g. after the
// underlying handler fails and is replaced).
func (l *Listener) Release() {
	listenerRegistryMu.Lock()
	delete(listenerRegistry, l.fd)
	listenerRegistryMu.Unlock()
}

// push is called by the handler's accept path (syn_received, server role,
// accept_callback returned true) once the stream has reached established.
func (l *Listener) push(s *Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.backlog = append(l.backlog, s)
	if l.loop != nil {
		l.loop.MarkVirtualReady(l.fd, event.OpRead)
	}
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever a stream is
// pushed onto the backlog. It is a convenience for callers driving Accept
// from outside the event loop goroutine (e.g. a CLI's main goroutine);
// receiving from it does not consume the stream itself — call Accept
// after waking up.
func (l *Listener) Notify() <-chan struct{} {
	return l.ready
}

// Accept pops the oldest newly-established stream, or (nil, false) if the
// backlog is empty — in which case it deregisters its virtual-readable
// edge (§4.5.8).
func (l *Listener) Accept() (*Stream, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.backlog) == 0 {
		if l.loop != nil {
			l.loop.ClearVirtualReady(l.fd, event.OpRead)
		}
		return nil, false
	}
	s := l.backlog[0]
	l.backlog = l.backlog[1:]
	if len(l.backlog) == 0 && l.loop != nil {
		l.loop.ClearVirtualReady(l.fd, event.OpRead)
	}
	return s, true
}

// Close marks the listener closed; further pushes are dropped and it is
// removed from the singleton registry.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.backlog = nil
	l.mu.Unlock()
	l.Release()
	return nil
}
