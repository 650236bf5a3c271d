package queue

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Queue is a double-ended, lock-protected queue of parcels.
//
// Items pushed to the back are popped FIFO. Items pushed to the front jump
// every queued back item; several front pushes pop LIFO among themselves.
// Pop may block with a timeout; it is intended for a single consumer
// goroutine, extra consumers are safe but may wake late.
type Queue[T any] struct {
	mu     sync.Mutex
	front  []T
	back   *queue.Queue
	notify chan struct{}
	waker  func()
}

// Option configures a Queue at construction.
type Option func(*options)

type options struct {
	waker func()
}

// WithWaker installs fn to be called after every successful push, outside the
// queue lock. Pollers use it to interrupt a kernel wait.
func WithWaker(fn func()) Option {
	return func(o *options) { o.waker = fn }
}

// New creates an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		back:   queue.New(),
		notify: make(chan struct{}, 1),
		waker:  o.waker,
	}
}

// PushBack moves the parcel's value to the tail.
func (q *Queue[T]) PushBack(p *Parcel[T]) error {
	v, ok := p.Take()
	if !ok {
		return ErrParcelTaken
	}
	q.mu.Lock()
	q.back.Add(v)
	q.mu.Unlock()
	q.signal()
	return nil
}

// PushFront moves the parcel's value ahead of everything queued.
func (q *Queue[T]) PushFront(p *Parcel[T]) error {
	v, ok := p.Take()
	if !ok {
		return ErrParcelTaken
	}
	q.mu.Lock()
	q.front = append(q.front, v)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
	if q.waker != nil {
		q.waker()
	}
}

// TryPop returns the head without blocking.
func (q *Queue[T]) TryPop() (*Parcel[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (*Parcel[T], bool) {
	if n := len(q.front); n > 0 {
		v := q.front[n-1]
		var zero T
		q.front[n-1] = zero
		q.front = q.front[:n-1]
		return Wrap(v), true
	}
	if q.back.Length() > 0 {
		v, _ := q.back.Remove().(T)
		return Wrap(v), true
	}
	return nil, false
}

// Pop returns the head, waiting up to timeout for one to arrive. A negative
// timeout waits forever, zero behaves like TryPop.
func (q *Queue[T]) Pop(timeout time.Duration) (*Parcel[T], bool) {
	if p, ok := q.TryPop(); ok || timeout == 0 {
		return p, ok
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		select {
		case <-q.notify:
			if p, ok := q.TryPop(); ok {
				return p, true
			}
		case <-expire:
			return q.TryPop()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + q.back.Length()
}

// Drain removes every queued item in pop order and hands each to fn.
func (q *Queue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	var items []T
	for p, ok := q.popLocked(); ok; p, ok = q.popLocked() {
		v, _ := p.Take()
		items = append(items, v)
	}
	q.mu.Unlock()

	for _, v := range items {
		fn(v)
	}
	return len(items)
}
