//go:build linux

package udpio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// connState is the UDP2ConnectionImpl state machine of spec §4.4, reduced
// to four states since Go's garbage collector removes the REF_COUNT_OBJ
// free-list state ATS needs.
type connState int32

const (
	stateInit connState = iota
	stateRunning
	stateDraining
	stateDead
)

func (s connState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// upperBox lets Connection swap its upper-layer callback target atomically
// without a nil *interface data race.
type upperBox struct {
	ul UpperLayer
}

// Connection is a single UDP endpoint: either a connected top-level socket
// (UDP2ConnectionImpl) or a sub-connection demultiplexed out of an
// AcceptConnection's shared listening socket. It is created on and only
// ever driven by its owning reactor goroutine; Send, Cancel and Close are
// the only methods safe to call from other goroutines (spec §4.4).
type Connection struct {
	fd      int
	ownsFD  bool
	local   Endpoint
	peer    Endpoint
	fixed   bool // true when the underlying fd itself is connect()'d to peer
	cfg     Config
	logger  *slog.Logger

	queue   *Queue
	reactor *reactor
	accept  *AcceptConnection // non-nil if demultiplexed from a listener

	state      atomic.Int32
	generation atomic.Uint64
	refs       atomic.Int32

	writeNotReady atomic.Bool
	segmentSize   int

	// recvList is owning-goroutine only: only deliver and PopRead touch it.
	recvList packetList

	pendingBytes *atomic.Int64

	upper atomic.Pointer[upperBox]

	closeOnce sync.Once
}

// newConnection wires up a Connection around an already-open fd. Used both
// for standalone UDP2ConnectionImpl sockets (ownsFD true) and for
// sub-connections sharing an AcceptConnection's listening socket (ownsFD
// false).
func newConnection(fd int, ownsFD bool, local, peer Endpoint, fixed bool, cfg Config, q *Queue, r *reactor, pendingBytes *atomic.Int64, logger *slog.Logger) *Connection {
	c := &Connection{
		fd:           fd,
		ownsFD:       ownsFD,
		local:        local,
		peer:         peer,
		fixed:        fixed,
		cfg:          cfg,
		logger:       logger,
		queue:        q,
		reactor:      r,
		pendingBytes: pendingBytes,
	}
	c.refs.Store(1)
	c.state.Store(int32(stateInit))
	return c
}

// CreateConnection opens a fresh connected UDP socket and registers it with
// the given reactor (spec §4.4 create_con for the top-level case).
func CreateConnection(r *reactor, q *Queue, local, peer Endpoint, cfg Config, pendingBytes *atomic.Int64, logger *slog.Logger) (*Connection, error) {
	fd, bound, err := createSocket(local, &peer, cfg)
	if err != nil {
		return nil, err
	}
	c := newConnection(fd, true, bound, peer, true, cfg, q, r, pendingBytes, logger)
	if err := r.registerConnection(c); err != nil {
		closeFD(fd)
		return nil, err
	}
	c.state.Store(int32(stateRunning))
	return c, nil
}

func (c *Connection) LocalAddr() Endpoint { return c.local }
func (c *Connection) RemoteAddr() Endpoint { return c.peer }

// SetUpperLayer installs the callback target for I/O events. Safe to call
// from any goroutine; nil detaches.
func (c *Connection) SetUpperLayer(ul UpperLayer) {
	if ul == nil {
		c.upper.Store(nil)
		return
	}
	c.upper.Store(&upperBox{ul: ul})
}

func (c *Connection) isDead() bool {
	return connState(c.state.Load()) == stateDead
}

func (c *Connection) notify(ev Event) {
	box := c.upper.Load()
	if box == nil || box.ul == nil {
		return
	}
	box.ul.OnDatagramEvent(c, ev)
}

func (c *Connection) markWriteNotReady() {
	c.writeNotReady.Store(true)
	if c.reactor != nil {
		c.reactor.waitWritable(c)
	}
}

func (c *Connection) clearWriteNotReady() {
	c.writeNotReady.Store(false)
}

// Send enqueues payload for delivery at deliveryTime (monotonic
// nanoseconds; 0 means "as soon as possible") onto this connection's
// owning reactor queue. Safe to call from any goroutine — the only
// cross-goroutine entry point besides Close and Cancel (spec §4.3).
func (c *Connection) Send(payload []byte, deliveryTime int64) {
	if c.isDead() {
		return
	}
	p := NewOutbound(c.peer, deliveryTime, NewBlock(payload), c.segmentSize)
	p.Owner = c
	p.CancelGeneration = c.generation.Load()
	// Retain for the packet's time in the wheel; releasePacket drops this
	// once it's written, dropped or purged (spec §4.4 refcount-gated
	// DRAINING -> DEAD transition).
	c.retain()
	c.queue.Submit(p)
	if c.reactor != nil {
		c.reactor.wake()
	}
}

// SetSegmentSize configures GSO batching for subsequent Send calls; 0
// disables it.
func (c *Connection) SetSegmentSize(n int) { c.segmentSize = n }

// writePacket performs the actual non-blocking send for a packet the wheel
// has determined is due. Called only from the owning reactor goroutine, by
// Queue.Service. A true blocked return means EAGAIN/EWOULDBLOCK: the caller
// must requeue the packet and wait for writability.
func (c *Connection) writePacket(p *Packet) (blocked bool, err error) {
	buf, ebErr := p.EntireBuffer()
	if ebErr != nil {
		return false, newError(KindWriteError, "assemble", ebErr)
	}
	var to *Endpoint
	if !c.fixed {
		dst := p.To
		to = &dst
	}
	werr := sendDatagram(c.fd, buf, to, p.SegmentSize)
	if werr == nil {
		c.clearWriteNotReady()
		return false, nil
	}
	if isTransientErrno(werr) {
		return true, nil
	}
	return false, newError(KindWriteError, "sendmsg", werr)
}

// deliver hands an inbound datagram to this connection's receive queue and
// signals the upper layer. Called only from the owning reactor goroutine
// (either this connection's own read loop, or an AcceptConnection
// demultiplexing a shared socket).
func (c *Connection) deliver(p *Packet) {
	p.Owner = c
	c.recvList.pushBack(p)
	c.notify(EventReadReady)
}

// PopRead removes and returns the oldest undelivered inbound datagram, or
// nil if none is queued. Intended to be called by the upper layer from
// within its OnDatagramEvent(EventReadReady) callback, i.e. still on the
// owning goroutine.
func (c *Connection) PopRead() *Packet {
	return c.recvList.popFront()
}

// readOnce performs one non-blocking recvmsg on this connection's own
// socket (standalone UDP2ConnectionImpl case; AcceptConnection drives its
// own demultiplexing read loop instead). Returns false when EAGAIN.
func (c *Connection) readOnce() (bool, error) {
	buf := make([]byte, c.cfg.RecvBlockSize)
	oob := make([]byte, controlBufferSize())
	n, from, to, truncated, err := recvDatagram(c.fd, buf, oob, c.local)
	if err != nil {
		if isTransientErrno(err) {
			return false, nil
		}
		return false, newError(KindReadError, "recvmsg", err)
	}
	p := NewInbound(from, to, NewBlock(buf[:n]))
	if truncated {
		c.notify(EventReadError)
		return true, newError(KindReadError, "recvmsg", errTruncated)
	}
	c.deliver(p)
	return true, nil
}

// Cancel invalidates every packet currently queued for this connection by
// bumping its generation counter (spec invariant 6); the wheel drops them
// lazily the next time it scans past them. Safe from any goroutine.
func (c *Connection) Cancel() {
	c.generation.Add(1)
}

// Retain/Release implement the reference count spec §4.4 uses to decide
// when a connection may transition to DEAD: refs starts at 1 for the
// connection's own handle (dropped by Close), plus one per packet
// currently in the wheel (taken by Send, dropped by releasePacket once the
// wheel is done with it). finalize only runs once the count reaches zero.
func (c *Connection) retain() { c.refs.Add(1) }

func (c *Connection) release() bool {
	return c.refs.Add(-1) == 0
}

// Close tears the connection down: it stops accepting new sends
// immediately (via generation bump), detaches the upper layer, and — once
// the last reference drops — deregisters from the reactor and closes the
// fd if this connection owns it. Safe from any goroutine; idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateDraining))
		c.generation.Add(1)
		c.upper.Store(nil)
		if c.release() {
			c.finalize()
		}
	})
}

func (c *Connection) finalize() {
	c.state.Store(int32(stateDead))
	c.recvList.detach()
	if c.reactor != nil {
		c.reactor.unregister(c)
	}
	if c.accept != nil {
		c.accept.forget(c)
	}
	if c.ownsFD {
		closeFD(c.fd)
	}
}

// releasePacket drops the retain Send took out for p once the wheel is
// done with it — written, dropped as cancelled, or purged — finalizing its
// owner if that was the last outstanding reference (spec §4.4: close()
// while send-intake is non-empty defers destruction until drained).
func releasePacket(p *Packet) {
	if p.Owner == nil {
		return
	}
	if p.Owner.release() {
		p.Owner.finalize()
	}
}
