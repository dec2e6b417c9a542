package worker

import "sync"

type inbound struct {
	mt   int
	data []byte
}

// inbox hands frames from the reader to the decode loop in arrival order.
// push never blocks, so the transport is read while an inference step runs.
type inbox struct {
	mu     sync.Mutex
	items  []inbound
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(m inbound) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

// close wakes the decode loop; frames already queued are still delivered.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is queued. ok is false once the inbox is closed
// and empty.
func (q *inbox) pop() (inbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = inbound{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		if q.closed {
			q.mu.Unlock()
			return inbound{}, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}
