package session

import (
	"sync"

	"github.com/alexjbarnes/marketplace-session/internal/models"
)

// EventKind identifies a session transition.
type EventKind int

const (
	// EventAuthenticated fires when the store enters the authenticated
	// state or the user record is replaced by an explicit transition.
	EventAuthenticated EventKind = iota + 1
	// EventCleared fires when an authenticated session is torn down.
	EventCleared
	// EventRefreshed fires after the session credential was renewed.
	EventRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventAuthenticated:
		return "authenticated"
	case EventCleared:
		return "cleared"
	case EventRefreshed:
		return "refreshed"
	}

	return "unknown"
}

// Event describes one transition. User is set for EventAuthenticated,
// Reason for EventCleared when the teardown had a cause.
type Event struct {
	Kind   EventKind
	User   *models.User
	Reason error
}

// dispatcher delivers events to subscribers from a single goroutine, in
// the order they were emitted.
type dispatcher struct {
	mu      sync.Mutex
	subs    map[uint64]func(Event)
	order   []uint64
	nextID  uint64
	pending []Event

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs:    make(map[uint64]func(Event)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go d.loop()

	return d
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.subs[id] = fn
	d.order = append(d.order, id)

	var once sync.Once

	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()

			delete(d.subs, id)

			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) loop() {
	defer close(d.stopped)

	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}

			ev := d.pending[0]
			d.pending = d.pending[1:]

			fns := make([]func(Event), 0, len(d.order))
			for _, id := range d.order {
				fns = append(fns, d.subs[id])
			}
			d.mu.Unlock()

			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
	<-d.stopped
}
