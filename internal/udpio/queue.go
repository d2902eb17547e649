package udpio

import (
	"log/slog"
	"sync/atomic"
)

// writeStats is the transient per-tick accounting of spec §3's
// PacketWriteInfo: bytes and packets written this tick, and when the last
// tick was serviced.
type writeStats struct {
	BytesWritten   int64
	PacketsWritten int64
	LastServiceNs  int64
}

// Queue is the per-reactor-goroutine egress driver (spec §4.3): it drains
// the shared cross-goroutine intake into the timing wheel, then walks the
// wheel for due packets and writes them to the wire.
//
// Design note (resolving an ambiguity in spec §3/§4.3, recorded in
// DESIGN.md): the per-connection send_intake described in the data model
// and this Queue's per-thread submit() intake are the same structure here —
// one lock-free MPSC stack per reactor goroutine, shared by every
// Connection that goroutine owns. Connection.Send pushes directly onto its
// owning reactor's Queue; there is no separate per-connection list to
// drain.
type Queue struct {
	cfg    Config
	wheel  *wheel
	intake mpscIntake
	logger *slog.Logger

	cancelScanBudget int
	stats            writeStats
}

func newQueue(cfg Config, pendingBytes *atomic.Int64, now int64, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:              cfg,
		wheel:            newWheel(cfg, pendingBytes, now),
		logger:           logger,
		cancelScanBudget: cfg.CancelScanBudget,
	}
}

// Submit is the only cross-goroutine entry point for outbound I/O (spec
// §4.3). Any goroutine may call it.
func (q *Queue) Submit(p *Packet) {
	q.intake.push(p)
}

// Service runs one scheduler tick: drain the intake into the wheel, advance
// it to now, then hand off every due packet to its owner until the wheel is
// dry or a write would block (spec §4.3 step 2-4). It returns the number of
// packets successfully written.
func (q *Queue) Service(now int64) int {
	// Step 1-2: drain intake, restore submission order, add to wheel.
	if pending := reverseChain(q.intake.popAll()); pending != nil {
		for p := pending; p != nil; {
			next := p.listNext
			p.listNext = nil
			q.wheel.addFresh(p, now)
			p = next
		}
	}

	// Step 3: advance the wheel to now.
	q.wheel.advance(now)

	written := 0
	for {
		p := q.wheel.popDue(now)
		if p == nil {
			break
		}
		if p.Owner == nil || p.Owner.isDead() || cancelled(p) {
			releasePacket(p)
			continue
		}
		blocked, err := p.Owner.writePacket(p)
		if blocked {
			// Head-of-line packet would block: push it back to the front
			// of its bucket and stop servicing until the next readiness
			// edge (spec §4.3).
			q.wheel.requeueFront(p)
			p.Owner.markWriteNotReady()
			break
		}
		if err != nil {
			p.Owner.notify(EventWriteError)
			releasePacket(p)
			continue
		}
		written++
		q.stats.PacketsWritten++
		q.stats.BytesWritten += int64(p.Length())
		p.Owner.notify(EventWriteReady)
		releasePacket(p)
	}
	q.stats.LastServiceNs = now
	q.wheel.purgeCancelled(q.cancelScanBudget)
	return written
}

// EarliestDeadline reports the next instant this queue has a packet due,
// for the reactor to size its readiness-wait timeout (spec §4.2).
func (q *Queue) EarliestDeadline() (int64, bool) {
	return q.wheel.earliestDeadline()
}

// PacketCount returns the number of packets currently resident in the
// wheel (buckets + long-term), for tests and invariant checks (spec
// invariant 2). It does not include packets still sitting in the intake.
func (q *Queue) PacketCount() int {
	return q.wheel.packetCount
}
