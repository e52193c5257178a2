package shm

import (
	"sync/atomic"
	"time"
)

const (
	// QueueSlots is the fixed queue capacity. One slot is sacrificed to
	// disambiguate full from empty, so at most QueueSlots-1 records are in
	// flight.
	QueueSlots = 1024

	// SlotSize is the fixed record capacity in bytes. Records are stored
	// NUL-terminated, so the effective payload limit is SlotSize-1.
	SlotSize = 256
)

// Queue is a single-producer single-consumer lock-free record queue laid out
// directly in shared memory. Only the producer stores tail, only the consumer
// stores head; the roles are assigned structurally and never enforced at
// runtime. head and tail live on separate cache lines from each other and
// from the slot array.
type Queue struct {
	head uint64
	_    [CacheLine - 8]byte
	tail uint64
	_    [CacheLine - 8]byte
	slots [QueueSlots][SlotSize]byte
}

func (q *Queue) init() {
	atomic.StoreUint64(&q.head, 0)
	atomic.StoreUint64(&q.tail, 0)
	for i := range q.slots {
		q.slots[i] = [SlotSize]byte{}
	}
}

// TryPush appends one record. Payloads longer than SlotSize-1 bytes are
// truncated. Returns false when the queue is full, without writing.
func (q *Queue) TryPush(msg []byte) bool {
	tail := atomic.LoadUint64(&q.tail)
	next := (tail + 1) % QueueSlots
	if next == atomic.LoadUint64(&q.head) {
		return false
	}

	n := len(msg)
	if n > SlotSize-1 {
		n = SlotSize - 1
	}
	slot := &q.slots[tail]
	copy(slot[:n], msg[:n])
	slot[n] = 0

	// Publish the slot bytes before the new tail becomes visible.
	atomic.StoreUint64(&q.tail, next)
	return true
}

// TryPop removes one record into buf and returns its length. Returns ok=false
// when the queue is empty, without touching head.
func (q *Queue) TryPop(buf []byte) (int, bool) {
	head := atomic.LoadUint64(&q.head)
	if head == atomic.LoadUint64(&q.tail) {
		return 0, false
	}

	slot := &q.slots[head]
	n := 0
	for n < SlotSize && slot[n] != 0 {
		n++
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], slot[:n])

	// Release the slot only after the bytes are out.
	atomic.StoreUint64(&q.head, (head+1)%QueueSlots)
	return n, true
}

// PushBlocking busy-waits until the record is accepted or timeoutMs elapses.
// timeoutMs < 0 waits forever. The wait is a pure pause-spin: no futex, no
// condition variable, no OS sleep — callers burn one core while blocked.
func (q *Queue) PushBlocking(msg []byte, timeoutMs int) bool {
	if timeoutMs < 0 {
		for !q.TryPush(msg) {
			Relax()
		}
		return true
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if q.TryPush(msg) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		Relax()
	}
}

// PopBlocking busy-waits until a record arrives or timeoutMs elapses.
// timeoutMs < 0 waits forever.
func (q *Queue) PopBlocking(buf []byte, timeoutMs int) (int, bool) {
	if timeoutMs < 0 {
		for {
			if n, ok := q.TryPop(buf); ok {
				return n, true
			}
			Relax()
		}
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if n, ok := q.TryPop(buf); ok {
			return n, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		Relax()
	}
}

// Empty reports whether the queue holds no records.
func (q *Queue) Empty() bool {
	return atomic.LoadUint64(&q.head) == atomic.LoadUint64(&q.tail)
}

// Size returns the number of records currently queued.
func (q *Queue) Size() int {
	h := atomic.LoadUint64(&q.head)
	t := atomic.LoadUint64(&q.tail)
	return int((t - h + QueueSlots) % QueueSlots)
}
