package comm

import (
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/queue"
)

// ServiceSink is where pollers deliver service events. Push is called from
// poller goroutines and must not block for long.
type ServiceSink interface {
	Push(ev ServiceEvent)
}

// ServiceHandler receives the connection events routed by
// ServiceQueue.Dispatch. Every method runs on the dispatching goroutine.
type ServiceHandler interface {
	OnSessionCreate(ev *SessionCreateEvent)
	OnSessionDestroy(ev *SessionDestroyEvent)
	OnAsyncConnResult(ev *AsyncConnResultEvent)
	OnDataArrival(ev *DataArrivalEvent)
	OnProtoReport(ev *ProtoReportEvent)
}

type subscription struct {
	stub     uint64
	listener Listener
}

// ServiceQueue is the inbound queue of the service goroutine. Subscribe and
// Unsubscribe go to the front so they take effect before already queued
// fires; everything else goes to the back.
//
// The subscription table is only touched by Dispatch, so a ServiceQueue must
// be dispatched from a single goroutine.
type ServiceQueue struct {
	q        *queue.Queue[ServiceEvent]
	nextStub atomic.Uint64
	subs     map[int][]subscription
}

func NewServiceQueue() *ServiceQueue {
	return &ServiceQueue{
		q:    queue.New[ServiceEvent](),
		subs: make(map[int][]subscription),
	}
}

// Push implements ServiceSink.
func (sq *ServiceQueue) Push(ev ServiceEvent) {
	switch ev.(type) {
	case *SubscribeEvent, *UnsubscribeEvent:
		_ = sq.q.PushFront(queue.Wrap(ev))
	default:
		_ = sq.q.PushBack(queue.Wrap(ev))
	}
}

// Post queues fn to run on the service goroutine.
func (sq *ServiceQueue) Post(fn func()) {
	sq.Push(&CallableEvent{Fn: fn})
}

// Subscribe queues a subscription of l to eventID and returns its stub.
func (sq *ServiceQueue) Subscribe(eventID int, l Listener) uint64 {
	stub := sq.nextStub.Add(1)
	sq.Push(&SubscribeEvent{EventID: eventID, Stub: stub, Listener: l})
	return stub
}

// Unsubscribe queues removal of stub, or of every listener of eventID when
// stub is zero.
func (sq *ServiceQueue) Unsubscribe(eventID int, stub uint64) {
	sq.Push(&UnsubscribeEvent{EventID: eventID, Stub: stub})
}

// Fire queues payload for the listeners of eventID.
func (sq *ServiceQueue) Fire(eventID int, payload any) {
	sq.Push(&FireEvent{EventID: eventID, Payload: payload})
}

func (sq *ServiceQueue) Len() int {
	return sq.q.Len()
}

// Dispatch pops one event, waiting up to wait, and routes it. It reports
// whether an event was handled.
func (sq *ServiceQueue) Dispatch(h ServiceHandler, wait time.Duration) bool {
	p, ok := sq.q.Pop(wait)
	if !ok {
		return false
	}
	ev, ok := p.Take()
	if !ok {
		return false
	}

	switch e := ev.(type) {
	case *SessionCreateEvent:
		h.OnSessionCreate(e)
	case *SessionDestroyEvent:
		h.OnSessionDestroy(e)
	case *AsyncConnResultEvent:
		h.OnAsyncConnResult(e)
	case *DataArrivalEvent:
		h.OnDataArrival(e)
	case *ProtoReportEvent:
		h.OnProtoReport(e)
	case *SubscribeEvent:
		sq.subs[e.EventID] = append(sq.subs[e.EventID], subscription{stub: e.Stub, listener: e.Listener})
	case *UnsubscribeEvent:
		sq.unsubscribe(e.EventID, e.Stub)
	case *FireEvent:
		for _, s := range sq.subs[e.EventID] {
			s.listener(e.Payload)
		}
	case *CallableEvent:
		if e.Fn != nil {
			e.Fn()
		}
	}
	return true
}

func (sq *ServiceQueue) unsubscribe(eventID int, stub uint64) {
	if stub == 0 {
		delete(sq.subs, eventID)
		return
	}
	subs := sq.subs[eventID]
	for i, s := range subs {
		if s.stub == stub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(sq.subs, eventID)
		return
	}
	sq.subs[eventID] = subs
}
