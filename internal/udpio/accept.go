//go:build linux

package udpio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const maxUnclaimedBacklog = 64

type acceptUpperBox struct {
	ul AcceptUpperLayer
}

// AcceptConnection is a listening UDP socket demultiplexed by full 4-tuple
// into per-peer sub-connections (spec §4.5's AcceptUDP2ConnectionImpl).
// Unlike a standalone Connection it never owns a dedicated fd per peer —
// every sub-connection shares this socket, and outbound writes from a
// sub-connection go out through it too.
type AcceptConnection struct {
	fd     int
	local  Endpoint
	cfg    Config
	logger *slog.Logger

	queue   *Queue
	reactor *reactor

	pendingBytes *atomic.Int64

	mu       sync.Mutex
	children map[Endpoint]*Connection

	unclaimed packetList

	upper atomic.Pointer[acceptUpperBox]

	closeOnce sync.Once
}

// CreateAcceptConnection opens and registers a listening UDP socket (spec
// §4.5's accept-side create_con).
func CreateAcceptConnection(r *reactor, q *Queue, local Endpoint, cfg Config, pendingBytes *atomic.Int64, logger *slog.Logger) (*AcceptConnection, error) {
	fd, bound, err := createSocket(local, nil, cfg)
	if err != nil {
		return nil, err
	}
	a := &AcceptConnection{
		fd:           fd,
		local:        bound,
		cfg:          cfg,
		logger:       logger,
		queue:        q,
		reactor:      r,
		pendingBytes: pendingBytes,
		children:     make(map[Endpoint]*Connection),
	}
	if err := r.registerAccept(a); err != nil {
		closeFD(fd)
		return nil, err
	}
	return a, nil
}

func (a *AcceptConnection) LocalAddr() Endpoint { return a.local }

func (a *AcceptConnection) SetUpperLayer(ul AcceptUpperLayer) {
	if ul == nil {
		a.upper.Store(nil)
		return
	}
	a.upper.Store(&acceptUpperBox{ul: ul})
}

// CreateSubConnection registers a Connection sharing this listener's socket
// under peer's 4-tuple, the way original_source's UDP2ConnectionImpl does
// when an AcceptConnection recognises a returning peer (SPEC_FULL.md §1).
// Typically called from an AcceptUpperLayer.OnUnclaimed callback.
func (a *AcceptConnection) CreateSubConnection(peer Endpoint) *Connection {
	// fixed=false: this connection's fd is the listener's shared,
	// unconnected socket, so every write must carry an explicit
	// destination address even though the peer is conceptually pinned.
	c := newConnection(a.fd, false, a.local, peer, false, a.cfg, a.queue, a.reactor, a.pendingBytes, a.logger)
	c.accept = a
	c.state.Store(int32(stateRunning))
	if box := a.upper.Load(); box != nil && box.ul != nil {
		c.SetUpperLayer(box.ul)
	}
	a.mu.Lock()
	a.children[peer] = c
	a.mu.Unlock()
	a.migrateUnclaimed(peer, c)
	return c
}

// migrateUnclaimed moves every datagram already buffered on the shared
// backlog for peer into c, in arrival order (spec §4.5: a peer that sent
// several datagrams before being promoted must not lose the earlier ones).
func (a *AcceptConnection) migrateUnclaimed(peer Endpoint, c *Connection) {
	var matched packetList
	a.mu.Lock()
	a.unclaimed.filterInPlace(
		func(p *Packet) bool { return p.From != peer },
		func(p *Packet) { matched.pushBack(p) },
	)
	a.mu.Unlock()
	for p := matched.popFront(); p != nil; p = matched.popFront() {
		c.deliver(p)
	}
}

func (a *AcceptConnection) lookup(peer Endpoint) *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.children[peer]
}

// Lookup is the exported form of lookup, for callers outside this package
// (e.g. internal/quicbridge) that need to find an already-claimed peer's
// sub-connection without going through OnUnclaimed again.
func (a *AcceptConnection) Lookup(peer Endpoint) (*Connection, bool) {
	c := a.lookup(peer)
	return c, c != nil
}

// forget removes c from the demux table; called from Connection.finalize,
// which may run on any goroutine that drops the last reference.
func (a *AcceptConnection) forget(c *Connection) {
	a.mu.Lock()
	if a.children[c.peer] == c {
		delete(a.children, c.peer)
	}
	a.mu.Unlock()
}

func (a *AcceptConnection) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.children)
}

func (a *AcceptConnection) onReadable() {
	for i := 0; i < 256; i++ {
		buf := make([]byte, a.cfg.RecvBlockSize)
		oob := make([]byte, controlBufferSize())
		n, from, to, truncated, err := recvDatagram(a.fd, buf, oob, a.local)
		if err != nil {
			if isTransientErrno(err) {
				return
			}
			a.logger.Error("accept recvmsg failed", "err", err)
			return
		}
		p := NewInbound(from, to, NewBlock(buf[:n]))
		if truncated {
			a.logger.Warn("datagram truncated on accept socket", "from", from)
			continue
		}
		if c := a.lookup(from); c != nil {
			c.deliver(p)
			continue
		}
		a.notifyUnclaimed(from, p)
	}
}

func (a *AcceptConnection) onWritable() {}

// notifyUnclaimed lets the upper layer decide whether to claim a peer it
// hasn't seen before. If OnUnclaimed synchronously calls
// CreateSubConnection, the datagram is delivered into the new connection
// immediately; otherwise it is kept on a small bounded backlog purely for
// diagnostics and dropped once that backlog is full.
func (a *AcceptConnection) notifyUnclaimed(from Endpoint, p *Packet) {
	box := a.upper.Load()
	if box != nil && box.ul != nil {
		box.ul.OnUnclaimed(a, from)
		if c := a.lookup(from); c != nil {
			c.deliver(p)
			return
		}
	}
	if a.unclaimed.len() >= maxUnclaimedBacklog {
		a.unclaimed.popFront()
	}
	a.unclaimed.pushBack(p)
}

// Close closes every sub-connection, then the shared listening socket.
func (a *AcceptConnection) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		children := make([]*Connection, 0, len(a.children))
		for _, c := range a.children {
			children = append(children, c)
		}
		a.mu.Unlock()
		for _, c := range children {
			c.Close()
		}
		if a.reactor != nil {
			a.reactor.unregisterFD(a.fd)
		}
		closeFD(a.fd)
	})
}
