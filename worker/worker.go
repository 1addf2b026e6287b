// Package worker runs engine calls on one background goroutine in the order
// they were dispatched.
package worker

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Dispatch after Stop.
var ErrStopped = errors.New("worker stopped")

// Queue is a FIFO of jobs drained by a single goroutine.
type Queue struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	jobs     []func()
	running  bool
	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

// New returns a stopped Queue.
func New(log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{log: log, wake: make(chan struct{}, 1)}
}

// Start launches the goroutine. Starting a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopChan = make(chan struct{})
	q.done = make(chan struct{})
	go q.loop(q.stopChan, q.done)
}

// Stop drains queued jobs and waits for the goroutine to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopChan)
	done := q.done
	q.mu.Unlock()
	<-done
}

// Dispatch queues fn.
func (q *Queue) Dispatch(fn func()) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrStopped
	}
	q.jobs = append(q.jobs, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Go queues fn and logs instead of failing when the queue is stopped.
func (q *Queue) Go(fn func()) {
	if err := q.Dispatch(fn); err != nil {
		q.log.WithFields(logrus.Fields{
			"function": "Go",
			"error":    err.Error(),
		}).Warn("Dropping job dispatched to stopped worker")
	}
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	fn := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return fn, true
}

func (q *Queue) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		for {
			fn, ok := q.next()
			if !ok {
				break
			}
			q.run(fn)
		}
		select {
		case <-q.wake:
		case <-stop:
			for {
				fn, ok := q.next()
				if !ok {
					return
				}
				q.run(fn)
			}
		}
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{
				"function": "run",
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Worker job panicked")
		}
	}()
	fn()
}
