//go:build linux

// Package quicbridge adapts the udpio connection core to the
// net.PacketConn interface quic-go's http3.Server.Serve expects, the way
// SeleniaProject-Orizon's netstack package bridges its own listener into
// http3. It lets a QUIC/HTTP3 endpoint run entirely on top of the epoll
// reactor instead of Go's runtime-managed UDP socket, so the timing-wheel
// pacing and connection registry built for DNS apply equally to QUIC.
package quicbridge

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jroosing/udpiodns/internal/udpio"
)

// ErrClosed is returned by ReadFrom/WriteTo once the bridge has been
// closed, matching net.PacketConn's documented contract.
var ErrClosed = errors.New("quicbridge: connection closed")

type inbound struct {
	data []byte
	from netip.AddrPort
}

// PacketConn presents a udpio.AcceptConnection as a net.PacketConn. Every
// previously unseen peer is claimed automatically: quic-go does its own
// per-connection demultiplexing above this layer via QUIC connection IDs,
// so quicbridge only needs to hand it a flat stream of (data, addr) pairs.
type PacketConn struct {
	accept *udpio.AcceptConnection

	incoming chan inbound

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens a UDP listener on mgr through local and wraps it as a
// net.PacketConn suitable for quic-go.
func Listen(mgr *udpio.Manager, local netip.AddrPort) (*PacketConn, error) {
	accept, err := mgr.CreateAccept(local)
	if err != nil {
		return nil, err
	}
	pc := &PacketConn{
		accept:   accept,
		incoming: make(chan inbound, 1024),
		closed:   make(chan struct{}),
	}
	accept.SetUpperLayer(&bridgeUpper{pc: pc})
	return pc, nil
}

// bridgeUpper claims every peer immediately and forwards its datagrams
// into the PacketConn's channel.
type bridgeUpper struct {
	pc *PacketConn
}

func (b *bridgeUpper) OnUnclaimed(accept *udpio.AcceptConnection, from udpio.Endpoint) {
	accept.CreateSubConnection(from)
}

func (b *bridgeUpper) OnDatagramEvent(conn *udpio.Connection, ev udpio.Event) {
	if ev != udpio.EventReadReady {
		return
	}
	for {
		p := conn.PopRead()
		if p == nil {
			return
		}
		buf, err := p.EntireBuffer()
		if err != nil {
			continue
		}
		cp := make([]byte, len(buf))
		copy(cp, buf)
		select {
		case b.pc.incoming <- inbound{data: cp, from: conn.RemoteAddr()}:
		case <-b.pc.closed:
			return
		default:
			// Backlog full: drop, same as a kernel socket buffer overrun.
		}
	}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.incoming:
		n := copy(p, pkt.data)
		return n, net.UDPAddrFromAddrPort(pkt.from), nil
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("quicbridge: addr must be *net.UDPAddr")
	}
	peer := udpAddr.AddrPort()

	conn, ok := c.accept.Lookup(peer)
	if !ok {
		conn = c.accept.CreateSubConnection(peer)
	}
	conn.Send(p, 0)
	return len(p), nil
}

func (c *PacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.accept.Close()
	})
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.accept.LocalAddr())
}

// SetDeadline, SetReadDeadline and SetWriteDeadline are no-ops: the
// reactor drives reads continuously and writes never block at this layer
// (spec's Non-goal on implementing QUIC itself means quic-go's own
// idle-timeout machinery is what governs connection lifetime here, not
// socket deadlines).
func (c *PacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *PacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *PacketConn) SetWriteDeadline(t time.Time) error { return nil }
