// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import "sync"

// DefaultQueueCapacity bounds the number of outbound messages awaiting host
// pickup. Kept small so shutdown has little state to drain.
const DefaultQueueCapacity = 32

// queueEntry is the tagged element type of the outbound queue: either a
// real message or the stop sentinel that unblocks the consumer during
// shutdown. A dedicated field keeps "stop" distinct from a message with an
// empty payload.
type queueEntry struct {
	msg  *OutboundMessage
	stop bool
}

// outboundQueue is a fixed-capacity FIFO handoff between any number of
// producer goroutines and the single host-driven consumer. Producers never
// block: enqueue fails fast when full. The consumer blocks in dequeue until
// an entry arrives.
type outboundQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	entries  []queueEntry // ring buffer
	head     int
	count    int
}

func newOutboundQueue(capacity int) *outboundQueue {
	q := &outboundQueue{entries: make([]queueEntry, capacity)}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// enqueue appends e in FIFO order. Returns false immediately when the queue
// is at capacity.
func (q *outboundQueue) enqueue(e queueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.entries) {
		return false
	}
	q.entries[(q.head+q.count)%len(q.entries)] = e
	q.count++
	q.nonEmpty.Signal()
	return true
}

// dequeue blocks until an entry is available and returns entries in
// insertion order, the stop sentinel included.
func (q *outboundQueue) dequeue() queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		q.nonEmpty.Wait()
	}
	e := q.entries[q.head]
	q.entries[q.head] = queueEntry{}
	q.head = (q.head + 1) % len(q.entries)
	q.count--
	return e
}

// empty is a non-blocking snapshot.
func (q *outboundQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == 0
}

// depth is a non-blocking snapshot of the number of queued entries.
func (q *outboundQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
