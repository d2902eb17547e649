package udpio

import "sync/atomic"

// mpscIntake is a lock-free multi-producer single-consumer stack used for
// every cross-goroutine outbound-packet handoff in this package (spec §4.3,
// §4.4, §5). Any goroutine may Push; only the owning reactor goroutine may
// PopAll/drain.
//
// Push is a classic Treiber-stack CAS loop, so packets come off PopAll in
// LIFO (most-recently-pushed-first) order. Callers that need submission
// order restore it with reverseChain, mirroring the source's own
// "pop-all-reverse" drain (spec §4.3 step 1).
type mpscIntake struct {
	head atomic.Pointer[Packet]
}

// push adds p to the intake. Safe from any goroutine.
func (q *mpscIntake) push(p *Packet) {
	for {
		old := q.head.Load()
		p.listNext = old
		if q.head.CompareAndSwap(old, p) {
			return
		}
	}
}

// popAll atomically detaches the whole intake, returning its head in LIFO
// order (most-recent push first) or nil if empty. Must only be called from
// the owning goroutine.
func (q *mpscIntake) popAll() *Packet {
	return q.head.Swap(nil)
}

// reverseChain reverses a singly linked Packet chain joined by listNext,
// turning the LIFO order popAll returns into submission (FIFO) order.
func reverseChain(head *Packet) *Packet {
	var prev *Packet
	for head != nil {
		next := head.listNext
		head.listNext = prev
		prev = head
		head = next
	}
	return prev
}
