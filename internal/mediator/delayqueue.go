package mediator

import (
	"container/heap"
	"net"
	"time"
)

// delayedDatagram is one entry awaiting delivery: the encoded bytes to
// send, the destination address, and the deadline at which it becomes
// due. Entries own their encoded bytes, per spec.md's design notes.
type delayedDatagram struct {
	deliverAt time.Time
	data      []byte
	dest      net.Addr
}

// Data returns the entry's encoded datagram bytes.
func (d *delayedDatagram) Data() []byte { return d.data }

// Dest returns the entry's destination address, or nil for entries queued
// by the receiver-integrated topology, which has no forwarding address.
func (d *delayedDatagram) Dest() net.Addr { return d.dest }

// delayHeap is a container/heap-backed min-heap ordered by deliverAt, as
// suggested in spec.md's design notes. Entries with equal deadlines may
// pop in either order; the mediator does not guarantee FIFO among ties.
type delayHeap []*delayedDatagram

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].deliverAt.Before(h[j].deliverAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*delayedDatagram)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue is an ordered-by-deadline collection of pending deliveries.
type DelayQueue struct {
	h delayHeap
}

// NewDelayQueue returns an empty delay queue.
func NewDelayQueue() *DelayQueue {
	dq := &DelayQueue{}
	heap.Init(&dq.h)
	return dq
}

// Push enqueues data for delivery to dest at deliverAt.
func (dq *DelayQueue) Push(deliverAt time.Time, data []byte, dest net.Addr) {
	heap.Push(&dq.h, &delayedDatagram{deliverAt: deliverAt, data: data, dest: dest})
}

// Len reports how many entries are pending.
func (dq *DelayQueue) Len() int { return dq.h.Len() }

// NextDeadline returns the deadline of the earliest-due entry and true, or
// the zero time and false if the queue is empty.
func (dq *DelayQueue) NextDeadline() (time.Time, bool) {
	if dq.h.Len() == 0 {
		return time.Time{}, false
	}
	return dq.h[0].deliverAt, true
}

// DrainDue removes and returns every entry whose deliverAt is <= now, in
// deadline order.
func (dq *DelayQueue) DrainDue(now time.Time) []*delayedDatagram {
	var due []*delayedDatagram
	for dq.h.Len() > 0 && !dq.h[0].deliverAt.After(now) {
		due = append(due, heap.Pop(&dq.h).(*delayedDatagram))
	}
	return due
}
