package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errQueueClosed = errors.New("send queue closed")
	errQueueFull   = errors.New("send queue full")
)

// sendQueue is a message-count bounded FIFO feeding one endpoint's writer.
//
// Enqueue never blocks so routing on a sender's reader goroutine is never
// stalled by a slow recipient; a full queue is reported to the caller, which
// disconnects the recipient instead of dropping frames out of order.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	max  int
	msgs []Message

	drops atomic.Uint64
}

func newSendQueue(max int) *sendQueue {
	q := &sendQueue{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends msg if the queue is open and below its bound.
func (q *sendQueue) Enqueue(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return errQueueClosed
	}
	if len(q.msgs) >= q.max {
		q.drops.Add(1)
		return errQueueFull
	}
	q.msgs = append(q.msgs, msg)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a message is available or the queue is closed and
// drained.
func (q *sendQueue) Dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	q.msgs[0] = Message{}
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close stops accepting messages. With drain set, already queued messages are
// still handed out by Dequeue; otherwise they are discarded.
func (q *sendQueue) Close(drain bool) {
	q.mu.Lock()
	q.closed = true
	if !drain {
		q.msgs = nil
	}
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
