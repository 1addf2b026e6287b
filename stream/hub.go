// Package stream provides the multicast event hubs the session exposes.
//
// A Hub replays nothing: a subscriber sees only events published after it
// subscribed. Publishes are serialized, so subscribers observe events in the
// order the engine produced them. Handlers run on the publishing goroutine
// (an engine thread); consumers that render must hop to their own goroutine.
//
// Example:
//
//	var messages stream.Hub[Message]
//	cancel := messages.Subscribe(func(m Message) {
//	    fmt.Println(m.Text)
//	})
//	defer cancel()
package stream

import (
	"sync"
)

// Hub is a replay-nothing multicast stream. The zero value is ready to use.
type Hub[T any] struct {
	// publishMu serializes Publish so ordering holds across engine threads.
	publishMu sync.Mutex

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
	order  []uint64
}

// Subscribe registers handler and returns a function that removes it.
// Cancelling is idempotent and stops delivery of subsequent events.
func (h *Hub[T]) Subscribe(handler func(T)) (cancel func()) {
	if handler == nil {
		return func() {}
	}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]func(T))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = handler
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Publish delivers event to every current subscriber exactly once, in
// subscription order.
func (h *Hub[T]) Publish(event T) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	for _, handler := range h.snapshot() {
		handler(event)
	}
}

func (h *Hub[T]) snapshot() []func(T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	handlers := make([]func(T), 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.subs[id])
	}
	return handlers
}

// Len returns the number of current subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Channel subscribes a buffered channel to the hub. Events are queued in an
// unbounded FIFO between the hub and the channel, so a slow reader never
// blocks the engine thread and never loses an event. cancel unsubscribes and
// closes the channel once the queue has drained.
func (h *Hub[T]) Channel(buffer int) (events <-chan T, cancel func()) {
	out := make(chan T, buffer)
	q := newQueue[T]()

	unsubscribe := h.Subscribe(q.push)
	go q.drain(out)

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsubscribe()
			q.close()
		})
	}
}

type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, v)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue[T]) drain(out chan<- T) {
	defer close(out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		out <- v
	}
}
