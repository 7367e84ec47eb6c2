package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

const EventBufferSize = 255

var ErrClosed = errors.New("Registry is closed")

// Conn is anything the registry can hold and close.
type Conn interface {
	Close() error
}

type EventKind string

const (
	Registered EventKind = "registered"
	Replaced   EventKind = "replaced"
	Removed    EventKind = "removed"
	Abandoned  EventKind = "abandoned"
)

type Event struct {
	Kind     EventKind
	Endpoint Endpoint
}

// Registry holds at most one connection per endpoint.
type Registry struct {
	mu        sync.Mutex
	conns     map[Endpoint]Conn
	listeners []chan *Event

	// stop will be closed when Close() is called
	stop chan struct{}
}

func New() *Registry {
	return &Registry{
		conns:     make(map[Endpoint]Conn),
		listeners: make([]chan *Event, 0),
		stop:      make(chan struct{}),
	}
}

// Register stores conn for ep. Any other connection already registered for ep
// is replaced and closed.
func (r *Registry) Register(ep Endpoint, conn Conn) error {
	r.mu.Lock()

	if !r.isRunning() {
		r.mu.Unlock()
		return multierr.Append(ErrClosed, conn.Close())
	}

	old, exists := r.conns[ep]
	r.conns[ep] = conn

	kind := Registered
	if exists && old != conn {
		kind = Replaced
	}
	r.emit(kind, ep)

	r.mu.Unlock()

	// Closing may call back into the registry
	if exists && old != conn {
		return old.Close()
	}

	return nil
}

func (r *Registry) Get(ep Endpoint) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[ep]
	return conn, ok
}

// Remove deletes ep only while it is still registered to conn, so a stale
// connection cannot remove its replacement. It does not close conn.
func (r *Registry) Remove(ep Endpoint, conn Conn) bool {
	return r.remove(ep, conn, Removed)
}

// Abandon is Remove for connections that will never be retried.
func (r *Registry) Abandon(ep Endpoint, conn Conn) bool {
	return r.remove(ep, conn, Abandoned)
}

func (r *Registry) remove(ep Endpoint, conn Conn, kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[ep]
	if !ok || current != conn {
		return false
	}

	delete(r.conns, ep)
	r.emit(kind, ep)

	return true
}

// Endpoints returns every registered endpoint, sorted.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(r.conns))
	for ep := range r.conns {
		endpoints = append(endpoints, ep)
	}

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].String() < endpoints[j].String()
	})

	return endpoints
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

// ListenToEvents returns a channel receiving every registry change from now
// on. Events are dropped for listeners that fall EventBufferSize behind.
func (r *Registry) ListenToEvents() <-chan *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make(chan *Event, EventBufferSize)
	if !r.isRunning() {
		close(events)
		return events
	}

	r.listeners = append(r.listeners, events)
	return events
}

// Close closes and forgets every registered connection, then closes the event
// channels. It is safe to call more than once.
func (r *Registry) Close() (err error) {
	r.mu.Lock()

	if !r.isRunning() {
		r.mu.Unlock()
		return nil
	}
	close(r.stop)

	conns := r.conns
	r.conns = make(map[Endpoint]Conn)

	for _, events := range r.listeners {
		close(events)
	}
	r.listeners = nil

	r.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

// emit must be called with mu held
func (r *Registry) emit(kind EventKind, ep Endpoint) {
	for _, events := range r.listeners {
		select {
		case events <- &Event{Kind: kind, Endpoint: ep}:
		default:
		}
	}
}

// isRunning returns true if Close has not been called
func (r *Registry) isRunning() bool {
	select {
	case <-r.stop:
		return false

	default:
		return true
	}
}
