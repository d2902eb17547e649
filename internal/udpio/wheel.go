package udpio

import "sync/atomic"

// wheel is the timing-wheel PacketQueue of spec §3/§4.2: N_SLOTS buckets of
// SLOT_TIME each, covering a fixed horizon, plus a long-term overflow list
// for packets whose delivery time is beyond it. now is expressed as
// monotonic nanoseconds (time.Now().UnixNano() or a test clock); the wheel
// itself never calls time.Now — callers always pass now in.
type wheel struct {
	slotTime      int64
	nSlots        int
	drainFraction float64

	buckets      []packetList
	deliveryTime []int64
	nowSlot      int

	longTerm          packetList
	lastLongTermDrain int64

	packetCount int

	// pendingBytes is shared across every wheel in the process — spec §3
	// calls it a "global pending-bytes counter" (PacketQueue.pending_bytes).
	pendingBytes *atomic.Int64
}

func newWheel(cfg Config, pendingBytes *atomic.Int64, now int64) *wheel {
	w := &wheel{
		slotTime:      int64(cfg.SlotTime),
		nSlots:        cfg.NSlots,
		drainFraction: cfg.LongTermDrainFraction,
		buckets:       make([]packetList, cfg.NSlots),
		deliveryTime:  make([]int64, cfg.NSlots),
		pendingBytes:  pendingBytes,
	}
	w.resetBucketTimes(now)
	w.lastLongTermDrain = now
	return w
}

func (w *wheel) resetBucketTimes(now int64) {
	w.nowSlot = 0
	for i := range w.deliveryTime {
		w.deliveryTime[i] = now + int64(i)*w.slotTime
	}
}

func (w *wheel) horizon() int64 { return int64(w.nSlots) * w.slotTime }

// cancelled reports whether p's generation snapshot has been invalidated by
// a cancel() on its owner since it was enqueued (spec invariant 6).
func cancelled(p *Packet) bool {
	return p.Owner != nil && p.CancelGeneration != p.Owner.generation.Load()
}

// add enqueues p for delivery at or after its DeliveryTime (spec §4.2).
func (w *wheel) add(p *Packet, now int64) {
	if cancelled(p) {
		w.pendingBytes.Add(-int64(p.Length()))
		releasePacket(p)
		return
	}
	if p.DeliveryTime < now {
		p.DeliveryTime = now
	}
	s := (p.DeliveryTime - w.deliveryTime[w.nowSlot]) / w.slotTime
	if s < 0 {
		s = 0
	}
	if int(s) >= w.nSlots-1 {
		p.bucket = bucketRef{kind: bucketLongTerm}
		w.longTerm.pushBack(p)
		w.packetCount++
		return
	}
	idx := (w.nowSlot + int(s)) % w.nSlots
	p.bucket = bucketRef{kind: bucketSlot, slot: idx}
	w.buckets[idx].pushBack(p)
	w.packetCount++
}

// addFresh is like add but also accounts p's bytes into pendingBytes,
// for use by callers (Queue.service) enqueuing newly submitted packets.
// add() itself never adds bytes, since it is also used internally by
// advance()'s long-term re-add, which must not double count.
func (w *wheel) addFresh(p *Packet, now int64) {
	w.pendingBytes.Add(int64(p.Length()))
	w.add(p, now)
}

// advance moves now_slot forward to track now, migrating due long-term
// packets back into the wheel first (spec §4.2 step 1) and then skipping
// consecutive empty buckets whose window has already elapsed (step 2).
func (w *wheel) advance(now int64) {
	if now-w.lastLongTermDrain >= int64(float64(w.horizon())*w.drainFraction) {
		pending := w.longTerm.detach()
		w.packetCount -= countChain(pending)
		for pending != nil {
			next := pending.listNext
			pending.listNext = nil
			w.add(pending, now)
			pending = next
		}
		w.lastLongTermDrain = now
	}

	steps := 0
	for steps < w.nSlots && w.buckets[w.nowSlot].empty() && w.deliveryTime[w.nowSlot]+w.slotTime < now {
		next := (w.nowSlot + 1) % w.nSlots
		w.deliveryTime[next] = w.deliveryTime[w.nowSlot] + w.slotTime
		w.nowSlot = next
		steps++
	}
	if steps >= w.nSlots {
		// Completed a full revolution without finding a current bucket:
		// reinitialise bucket times from now rather than keep spinning.
		w.resetBucketTimes(now)
	}
}

func countChain(p *Packet) int {
	n := 0
	for ; p != nil; p = p.listNext {
		n++
	}
	return n
}

// popDue dequeues the head of the current bucket if its window has
// started, and re-advances afterward (spec §4.2 pop_due).
func (w *wheel) popDue(now int64) *Packet {
	if now <= w.deliveryTime[w.nowSlot] {
		return nil
	}
	p := w.buckets[w.nowSlot].popFront()
	if p != nil {
		w.packetCount--
		w.pendingBytes.Add(-int64(p.Length()))
	}
	w.advance(now)
	return p
}

// requeueFront pushes p back to the head of the bucket popDue just took it
// from, for the EAGAIN/EWOULDBLOCK retry path (spec §4.3): the packet must
// be the next one tried again, not re-scheduled behind its peers.
func (w *wheel) requeueFront(p *Packet) {
	w.packetCount++
	w.pendingBytes.Add(int64(p.Length()))
	if p.bucket.kind == bucketSlot {
		w.buckets[p.bucket.slot].pushFront(p)
		return
	}
	w.buckets[w.nowSlot].pushFront(p)
}

// earliestDeadline scans buckets from now_slot for the first non-empty one,
// reporting its assigned delivery time. Only called when deciding an idle
// sleep (spec §4.2), so an O(N_SLOTS) worst case is acceptable.
func (w *wheel) earliestDeadline() (int64, bool) {
	for i := 0; i < w.nSlots; i++ {
		idx := (w.nowSlot + i) % w.nSlots
		if !w.buckets[idx].empty() {
			return w.deliveryTime[idx], true
		}
	}
	if !w.longTerm.empty() {
		best := int64(0)
		found := false
		for p := w.longTerm.head; p != nil; p = p.listNext {
			if !found || p.DeliveryTime < best {
				best = p.DeliveryTime
				found = true
			}
		}
		return best, found
	}
	return 0, false
}

// purgeCancelled walks the first slotsToScan buckets starting at now_slot
// and drops any packet whose generation no longer matches its owner's,
// bounded the way original_source's FreeCancelledPackets budgets a single
// pass (SPEC_FULL.md §4).
func (w *wheel) purgeCancelled(slotsToScan int) {
	if slotsToScan > w.nSlots {
		slotsToScan = w.nSlots
	}
	for i := 0; i < slotsToScan; i++ {
		idx := (w.nowSlot + i) % w.nSlots
		b := &w.buckets[idx]
		if b.empty() {
			continue
		}
		b.filterInPlace(
			func(p *Packet) bool { return !cancelled(p) },
			func(p *Packet) {
				w.packetCount--
				w.pendingBytes.Add(-int64(p.Length()))
				releasePacket(p)
			},
		)
	}
}
