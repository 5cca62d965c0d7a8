package call

import "sync"

// eventQueue is an unbounded FIFO. Push never blocks, so pion callbacks and
// timers can post from any goroutine.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push reports false once the queue is closed.
func (q *eventQueue) Push(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an event is available or the queue is closed.
func (q *eventQueue) Pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	return q.shiftLocked(), true
}

func (q *eventQueue) TryPop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 || q.closed {
		return nil, false
	}
	return q.shiftLocked(), true
}

func (q *eventQueue) shiftLocked() event {
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev
}

func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
