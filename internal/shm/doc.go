// Package shm provides the shared memory substrate for the kernel-admission
// scheduler: a lock-free SPSC record queue, the bidirectional client channel,
// the client registry, and the segment mapper that backs all three with
// memory-mapped files.
//
// Every structure placed in a segment is plain old data with a fixed layout:
// no Go pointers, no dynamic allocation inside the mapped region, counters
// and flags isolated on their own cache lines. Cross-process coordination is
// done exclusively through sync/atomic operations on that mapped memory; the
// only mutual-exclusion primitive is the compare-and-swap that claims a
// registry slot.
//
// The blocking queue primitives never sleep in the kernel. They busy-wait
// with a CPU pause hint, which is the point of the design: a request/response
// round trip stays in the sub-microsecond range at the cost of one spinning
// core per blocked caller.
package shm
