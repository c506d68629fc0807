package resource

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Listener receives events on its subscriber's goroutine.
type Listener interface {
	HandleEvent(e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(e Event)

// HandleEvent calls f(e).
func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Subscriber is the liveness handle for a Listener.
//
// Each subscriber has an unbounded FIFO queue drained by its own goroutine,
// so mutating calls never wait for listener code. Close marks the
// subscriber abandoned: queued events are discarded and its registrations
// are skipped and pruned at the next dispatch.
type Subscriber struct {
	id       string
	listener Listener
	store    *Store

	mu    sync.Mutex
	queue []Event

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSubscriber starts a subscriber delivering to l.
func (s *Store) NewSubscriber(l Listener) *Subscriber {
	sub := &Subscriber{
		id:       uuid.NewString(),
		listener: l,
		store:    s,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	go sub.run()
	return sub
}

// ID returns the subscriber's unique id.
func (sub *Subscriber) ID() string { return sub.id }

// Closed reports whether the subscriber has been abandoned.
func (sub *Subscriber) Closed() bool { return sub.closed.Load() }

// Done is closed when the delivery goroutine has exited.
func (sub *Subscriber) Done() <-chan struct{} { return sub.done }

// Pending returns the number of queued, undelivered events.
func (sub *Subscriber) Pending() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.queue)
}

// Close abandons the subscriber. It does not wait for an event being
// delivered, so it is safe to call from inside the listener.
func (sub *Subscriber) Close() {
	sub.closeOnce.Do(func() {
		sub.closed.Store(true)
		close(sub.stop)

		sub.store.subsMu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.subsMu.Unlock()
	})
}

// enqueue appends e to the queue. It reports false for abandoned subscribers.
func (sub *Subscriber) enqueue(e Event) bool {
	if sub.closed.Load() {
		return false
	}
	sub.mu.Lock()
	sub.queue = append(sub.queue, e)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return true
}

func (sub *Subscriber) run() {
	defer close(sub.done)
	for {
		select {
		case <-sub.wake:
		case <-sub.stop:
			return
		}

		for {
			sub.mu.Lock()
			pending := sub.queue
			sub.queue = nil
			sub.mu.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, e := range pending {
				if sub.closed.Load() {
					return
				}
				sub.deliver(e)
			}
		}
	}
}

// deliver calls the listener, recovering from panics.
func (sub *Subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			sub.store.logger.Error("listener panic recovered",
				"subscriber", sub.id,
				"event", e.Kind.String(),
				"path", e.Path,
				"panic", r,
			)
		}
	}()
	sub.listener.HandleEvent(e)
}
