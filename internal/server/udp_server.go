//go:build linux

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/jroosing/udpiodns/internal/dns"
	"github.com/jroosing/udpiodns/internal/pool"
	"github.com/jroosing/udpiodns/internal/udpio"
)

// Socket buffer sizes for high throughput (4MB each).
const (
	socketRecvBufferSize = 4 * 1024 * 1024
	socketSendBufferSize = 4 * 1024 * 1024
)

// DefaultWorkersPerSocket is the default number of worker goroutines per UDP socket.
const DefaultWorkersPerSocket = 1024

// bufferPool reduces allocations for incoming UDP packets.
// Each buffer is sized for the maximum expected DNS message.
var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, dns.MaxIncomingDNSMessageSize)
	return &buf
})

// UDPServer handles DNS queries over UDP.
//
// Features:
//   - Multiple SO_REUSEPORT listeners (one per reactor thread) for
//     kernel-level load balancing, now owned by a udpio.Manager instead of
//     raw net.UDPConns
//   - Fixed worker pool per listener (no goroutine spawn per packet)
//   - Buffer pooling to reduce GC pressure under load
//   - Non-blocking receive path (drops packets if workers are busy)
//   - Rate limiting per source IP (using netip.Addr to avoid allocations)
//   - EDNS-aware response truncation
//   - Graceful shutdown with timeout
//
// Goroutine Lifecycle:
//
// Run() starts a udpio.Manager (NUDPThreads reactor goroutines, each driving
// its own epoll loop and timing wheel) and opens one AcceptConnection per
// reactor thread. Each AcceptConnection's upper layer hands received
// datagrams to a buffered channel drained by WorkersPerSocket worker
// goroutines. All worker goroutines share the same context and exit when it
// is cancelled.
type UDPServer struct {
	Logger           *slog.Logger  // Optional logger
	Handler          *QueryHandler // Query processor
	Limiter          *RateLimiter  // Optional per-IP rate limiter
	WorkersPerSocket int           // Worker goroutines per listener (default 1024)
	Config           udpio.Config  // UDP core tuning; zero value gets defaults

	mgr     *udpio.Manager
	accepts []*udpio.AcceptConnection
	wg      sync.WaitGroup

	readyOnce sync.Once
	ready     chan struct{}
}

// packet represents a received UDP packet pending processing.
type packet struct {
	bufPtr *[]byte
	n      int
	peer   netip.AddrPort
	conn   *udpio.Connection
}

// Run starts the UDP server. It opens one SO_REUSEPORT listener per reactor
// thread via a udpio.Manager and blocks until ctx is cancelled.
//
// Returns error only if the manager or a listener fails to start.
// Otherwise blocks until shutdown.
func (s *UDPServer) Run(ctx context.Context, addr string) error {
	if s.WorkersPerSocket <= 0 {
		s.WorkersPerSocket = DefaultWorkersPerSocket
	}
	if s.ready == nil {
		s.ready = make(chan struct{})
	}

	local, err := resolveAddrPort(addr)
	if err != nil {
		return err
	}

	cfg := s.Config
	if cfg.NUDPThreads <= 0 {
		cfg.NUDPThreads = runtime.NumCPU()
	}
	if cfg.RecvBufSize <= 0 {
		cfg.RecvBufSize = socketRecvBufferSize
	}
	if cfg.SendBufSize <= 0 {
		cfg.SendBufSize = socketSendBufferSize
	}

	mgr, err := udpio.NewManager(cfg, s.Logger)
	if err != nil {
		return err
	}
	s.mgr = mgr

	threads := cfg.NUDPThreads
	s.accepts = make([]*udpio.AcceptConnection, 0, threads)
	for range threads {
		accept, err := mgr.CreateAccept(local)
		if err != nil {
			mgr.Close()
			return err
		}
		s.accepts = append(s.accepts, accept)

		packetCh := make(chan packet, s.WorkersPerSocket*2)
		accept.SetUpperLayer(&dispatchUpper{server: s, ch: packetCh})

		for range s.WorkersPerSocket {
			s.wg.Go(func() {
				s.workerLoop(ctx, packetCh)
			})
		}
	}

	s.readyOnce.Do(func() { close(s.ready) })

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

// LocalAddr returns the address the server bound to, once Run has opened at
// least one listener. It blocks until that has happened or ctx is done.
func (s *UDPServer) LocalAddr(ctx context.Context) (netip.AddrPort, bool) {
	if s.ready == nil {
		return netip.AddrPort{}, false
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		return netip.AddrPort{}, false
	}
	if len(s.accepts) == 0 {
		return netip.AddrPort{}, false
	}
	return s.accepts[0].LocalAddr(), true
}

// UDPStats is a point-in-time snapshot of the UDP core's reactor and
// connection registry state.
type UDPStats struct {
	Listeners         int
	ActiveConnections int
	PendingBytes      int64
}

// Stats returns the current UDP core statistics. Safe to call before Run;
// returns the zero value if the manager hasn't been created yet.
func (s *UDPServer) Stats() UDPStats {
	if s.mgr == nil {
		return UDPStats{}
	}
	return UDPStats{
		Listeners:         len(s.accepts),
		ActiveConnections: s.mgr.Size(),
		PendingBytes:      s.mgr.PendingBytes(),
	}
}

// dispatchUpper implements udpio.AcceptUpperLayer for one SO_REUSEPORT
// listener: every previously unseen peer is claimed immediately (DNS-over-UDP
// has no handshake to gate on), and its datagrams are drained into a
// per-listener worker channel.
type dispatchUpper struct {
	server *UDPServer
	ch     chan packet
}

func (d *dispatchUpper) OnUnclaimed(accept *udpio.AcceptConnection, from udpio.Endpoint) {
	if d.server.Limiter != nil && !d.server.Limiter.AllowAddr(from.Addr()) {
		return
	}
	accept.CreateSubConnection(from)
}

func (d *dispatchUpper) OnDatagramEvent(conn *udpio.Connection, ev udpio.Event) {
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
		bufPtr := bufferPool.Get()
		dst := (*bufPtr)[:cap(*bufPtr)]
		n := copy(dst, buf)

		select {
		case d.ch <- packet{bufPtr, n, conn.RemoteAddr(), conn}:
			// Successfully queued
		default:
			// All workers busy, drop packet to keep the reactor's read loop fast.
			bufferPool.Put(bufPtr)
		}
	}
}

// workerLoop processes packets from one listener's channel.
//
// Goroutine lifecycle: WorkersPerSocket instances started per listener in
// Run(). Exits when ctx is cancelled or the channel is closed. Cleanup:
// returns packet buffers to the pool after processing.
func (s *UDPServer) workerLoop(ctx context.Context, in <-chan packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			s.handlePacket(ctx, pkt)
		}
	}
}

// handlePacket processes a single DNS request.
func (s *UDPServer) handlePacket(ctx context.Context, p packet) {
	defer bufferPool.Put(p.bufPtr)

	if s.Handler == nil {
		return
	}

	payload := (*p.bufPtr)[:p.n]
	peerIP := p.peer.Addr().String()
	res := s.Handler.Handle(ctx, "udp", peerIP, payload)
	if len(res.ResponseBytes) == 0 {
		return
	}

	// Apply EDNS-aware truncation if we have EDNS info
	resp := res.ResponseBytes
	if res.ParsedOK {
		maxSize := min(dns.ClientMaxUDPSize(res.Parsed), dns.EDNSMaxUDPPayloadSize)
		resp = truncateUDPResponse(resp, maxSize)
	}

	p.conn.Send(resp, 0)
}

// Stop gracefully shuts down the UDP server.
// Closes the manager (and every listener/connection it owns) to unblock
// the reactor loops, then waits up to the specified timeout for worker
// goroutines to drain.
func (s *UDPServer) Stop(timeout time.Duration) error {
	if s.mgr != nil {
		s.mgr.Close()
	}

	if timeout <= 0 {
		s.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("udp server: timeout waiting for goroutines to exit")
	}
}

// resolveAddrPort resolves a "host:port" string to a netip.AddrPort,
// matching net.ResolveUDPAddr's hostname-handling rules.
func resolveAddrPort(addr string) (netip.AddrPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}, errors.New("udp server: invalid bind address " + addr)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port)), nil
}
