//go:build linux

package udpio

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// createSocket opens a non-blocking UDP socket bound to local, optionally
// connected to peer, with the sockopt sequence spec §6 requires:
// SO_REUSEADDR, SO_REUSEPORT, IPV6_V6ONLY (v6 only), IP_PKTINFO/
// IPV6_RECVPKTINFO, and the configured socket buffer sizes. Grounded on
// original_source/iocore/net/UnixUDPConnection.cc's create_socket.
func createSocket(local Endpoint, peer *Endpoint, cfg Config) (fd int, bound Endpoint, err error) {
	family := unix.AF_INET
	if local.Addr().Is6() && !local.Addr().Is4In6() {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "socket", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "setsockopt(SO_REUSEADDR)", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "setsockopt(SO_REUSEPORT)", err)
	}
	if cfg.RecvBufSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufSize)
	}
	if cfg.SendBufSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufSize)
	}

	if family == unix.AF_INET6 {
		if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return -1, Endpoint{}, newError(KindIOSetup, "setsockopt(IPV6_V6ONLY)", err)
		}
		if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return -1, Endpoint{}, newError(KindIOSetup, "setsockopt(IPV6_RECVPKTINFO)", err)
		}
	} else {
		if err = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return -1, Endpoint{}, newError(KindIOSetup, "setsockopt(IP_PKTINFO)", err)
		}
	}

	sa, err := toSockaddr(local)
	if err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "bind", err)
	}
	if err = unix.Bind(fd, sa); err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "bind", err)
	}

	actual, err := unix.Getsockname(fd)
	if err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "getsockname", err)
	}
	boundEP, err := sockaddrToEndpoint(actual)
	if err != nil {
		return -1, Endpoint{}, newError(KindIOSetup, "getsockname", err)
	}

	if peer != nil {
		psa, err := toSockaddr(*peer)
		if err != nil {
			return -1, Endpoint{}, newError(KindIOSetup, "connect", err)
		}
		if err = unix.Connect(fd, psa); err != nil {
			return -1, Endpoint{}, newError(KindIOSetup, "connect", err)
		}
	}

	ok = true
	return fd, boundEP, nil
}

func toSockaddr(ep Endpoint) (unix.Sockaddr, error) {
	addr := ep.Addr()
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		return &unix.SockaddrInet4{Port: int(ep.Port()), Addr: a4}, nil
	}
	return &unix.SockaddrInet6{Port: int(ep.Port()), Addr: addr.As16()}, nil
}

func sockaddrToEndpoint(sa unix.Sockaddr) (Endpoint, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// recvDatagram performs one non-blocking recvmsg, returning the payload
// length, the peer address, the true local destination address recovered
// from IP_PKTINFO/IPV6_PKTINFO ancillary data (spec §6 — needed because a
// listening socket bound to 0.0.0.0 may serve multiple local addresses),
// and whether the datagram was truncated (MSG_TRUNC).
func recvDatagram(fd int, buf []byte, oob []byte, fallbackLocal Endpoint) (n int, from Endpoint, to Endpoint, truncated bool, err error) {
	n, oobn, flags, from4, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, Endpoint{}, fallbackLocal, false, err
	}
	truncated = flags&unix.MSG_TRUNC != 0
	to = fallbackLocal
	if oobn > 0 {
		if dst, ok := parseDestFromControl(oob[:oobn], fallbackLocal.Addr().Is4()); ok {
			to = netip.AddrPortFrom(dst, fallbackLocal.Port())
		}
	}
	if from4 != nil {
		if ep, cerr := sockaddrToEndpoint(from4); cerr == nil {
			from = ep
		}
	}
	return n, from, to, truncated, nil
}

// parseDestFromControl extracts the destination address from an
// IP_PKTINFO/IPV6_PKTINFO control message using golang.org/x/net's
// standalone control-message parsers, which operate on a raw ancillary
// buffer without needing a net.PacketConn.
func parseDestFromControl(oob []byte, v4 bool) (netip.Addr, bool) {
	if v4 {
		cm := new(ipv4.ControlMessage)
		if err := cm.Parse(oob); err == nil && cm.Dst != nil {
			if a, ok := netip.AddrFromSlice(cm.Dst.To4()); ok {
				return a, true
			}
		}
		return netip.Addr{}, false
	}
	cm := new(ipv6.ControlMessage)
	if err := cm.Parse(oob); err == nil && cm.Dst != nil {
		if a, ok := netip.AddrFromSlice(cm.Dst.To16()); ok {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// sendDatagram performs one non-blocking sendmsg/writev. When segmentSize
// is non-zero it attaches a UDP_SEGMENT (GSO) control message; on EINVAL
// (kernel/NIC lacks GSO support) it retries once without the cmsg, folding
// in original_source's fallback behaviour (SPEC_FULL.md §4).
func sendDatagram(fd int, buf []byte, to *Endpoint, segmentSize int) error {
	var sa unix.Sockaddr
	if to != nil {
		s, err := toSockaddr(*to)
		if err != nil {
			return err
		}
		sa = s
	}

	if segmentSize > 0 {
		oob := gsoControlMessage(segmentSize)
		if err := unix.Sendmsg(fd, buf, oob, sa, 0); err != nil {
			if err == unix.EINVAL {
				return unix.Sendmsg(fd, buf, nil, sa, 0)
			}
			return err
		}
		return nil
	}
	return unix.Sendmsg(fd, buf, nil, sa, 0)
}

// gsoControlMessage builds a SOL_UDP/UDP_SEGMENT ancillary message
// requesting segmentSize-byte GSO segments.
func gsoControlMessage(segmentSize int) []byte {
	buf := make([]byte, unix.CmsgSpace(2))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = unix.IPPROTO_UDP
	h.Type = unix.UDP_SEGMENT
	h.SetLen(unix.CmsgLen(2))
	*(*uint16)(unsafe.Pointer(&buf[unix.CmsgLen(0)])) = uint16(segmentSize)
	return buf
}

// controlBufferSize sizes the ancillary buffer large enough for either
// PKTINFO control message.
func controlBufferSize() int {
	v4 := unix.CmsgSpace(unix.SizeofInet4Pktinfo)
	v6 := unix.CmsgSpace(unix.SizeofInet6Pktinfo)
	if v6 > v4 {
		return v6
	}
	return v4
}

// isTransientErrno reports whether err is a syscall errno the core should
// silently retry on the next readiness edge rather than surface as a
// failure (spec §7's KindTransient).
func isTransientErrno(err error) bool {
	switch err {
	// EWOULDBLOCK is the same value as EAGAIN on Linux; listed separately
	// here would be a duplicate switch case.
	case unix.EAGAIN, unix.EINTR, unix.ENOTCONN:
		return true
	default:
		return false
	}
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
