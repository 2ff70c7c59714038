package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to inner on a background goroutine so a slow
// sink never stalls the caller. When the queue is full the event is dropped
// and counted.
type AsyncObserver struct {
	inner   Observer
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{inner: inner, queue: make(chan Event, buffer), done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for ev := range a.queue {
			a.inner.RecordEvent(ev)
		}
	}()
	return a
}

func (a *AsyncObserver) RecordEvent(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events lost to a full queue.
func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close flushes the queue and then closes inner if it is a Closer. Events
// recorded after Close are ignored.
func (a *AsyncObserver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	if c, ok := a.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
