//go:build linux

package udpio

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// reactorTarget is implemented by both Connection and AcceptConnection so
// the reactor can dispatch readiness edges without a type switch.
type reactorTarget interface {
	onReadable()
	onWritable()
}

// reactor is one goroutine's epoll event loop: the Go-native stand-in for
// spec §5's ReactorGlue. Each reactor owns exactly one Queue and drives
// every Connection/AcceptConnection registered on it; all of those objects
// are only ever touched from this goroutine once registered.
type reactor struct {
	epfd     int
	wakeFD   int
	logger   *slog.Logger
	queue    *Queue

	mu      sync.Mutex
	targets map[int]reactorTarget

	stop chan struct{}
	done chan struct{}
}

func newReactor(q *Queue, logger *slog.Logger) (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError(KindIOSetup, "epoll_create1", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		closeFD(epfd)
		return nil, newError(KindIOSetup, "eventfd", err)
	}
	r := &reactor{
		epfd:    epfd,
		wakeFD:  wakeFD,
		logger:  logger,
		queue:   q,
		targets: make(map[int]reactorTarget),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		closeFD(wakeFD)
		closeFD(epfd)
		return nil, newError(KindIOSetup, "epoll_ctl", err)
	}
	return r, nil
}

func (r *reactor) register(fd int, t reactorTarget, writable bool) error {
	events := uint32(unix.EPOLLIN)
	if writable {
		events |= unix.EPOLLOUT
	}
	r.mu.Lock()
	r.targets[fd] = t
	r.mu.Unlock()
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		r.mu.Lock()
		delete(r.targets, fd)
		r.mu.Unlock()
		return newError(KindIOSetup, "epoll_ctl", err)
	}
	return nil
}

func (r *reactor) unregisterFD(fd int) {
	r.mu.Lock()
	delete(r.targets, fd)
	r.mu.Unlock()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// registerConnection wires a standalone connection's own fd into the loop.
func (r *reactor) registerConnection(c *Connection) error {
	return r.register(c.fd, c, false)
}

func (r *reactor) unregister(c *Connection) {
	if c.ownsFD {
		r.unregisterFD(c.fd)
	}
}

// registerAccept wires a listening socket in; every sub-connection
// demultiplexed from it shares this one registration.
func (r *reactor) registerAccept(a *AcceptConnection) error {
	return r.register(a.fd, a, false)
}

// waitWritable arms EPOLLOUT on c's own fd. Sub-connections sharing an
// AcceptConnection's listening fd skip this — toggling EPOLLOUT on a
// shared fd would affect every sibling — and instead rely on the next
// scheduled Service tick to retry (documented limitation, SPEC_FULL.md §4).
func (r *reactor) waitWritable(c *Connection) {
	if !c.ownsFD {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(c.fd),
	})
}

func (r *reactor) clearWritable(c *Connection) {
	if !c.ownsFD {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(c.fd),
	})
}

// wake breaks epoll_wait out of a long sleep so a just-submitted packet
// with an earlier deadline than the current wait timeout gets serviced
// promptly. Safe from any goroutine.
func (r *reactor) wake() {
	one := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, _ = unix.Write(r.wakeFD, one[:])
}

func (r *reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// run is the reactor goroutine's body. It services the queue once per
// loop iteration, sizes its epoll_wait timeout off the wheel's earliest
// deadline, and dispatches readiness edges to whichever target owns the
// fd. Returns when Stop is called.
func (r *reactor) run() {
	defer close(r.done)
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		now := monotonicNow()
		r.queue.Service(now)

		timeout := r.waitTimeout(now)
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Error("epoll_wait failed", "err", err)
			continue
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == r.wakeFD {
				r.drainWake()
				continue
			}
			r.mu.Lock()
			t := r.targets[int(ev.Fd)]
			r.mu.Unlock()
			if t == nil {
				continue
			}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				t.onReadable()
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				t.onWritable()
			}
		}
	}
}

// waitTimeout sizes the epoll_wait timeout in milliseconds off the
// queue's earliest scheduled deadline, capped at one second so the loop
// still wakes periodically to reap and re-check state.
func (r *reactor) waitTimeout(now int64) int {
	const capMs = 1000
	deadline, ok := r.queue.EarliestDeadline()
	if !ok {
		return capMs
	}
	remaining := (deadline - now) / int64(time.Millisecond)
	if remaining < 0 {
		return 0
	}
	if remaining > capMs {
		return capMs
	}
	return int(remaining)
}

// Stop signals the reactor loop to exit and blocks until it has.
func (r *reactor) Stop() {
	close(r.stop)
	r.wake()
	<-r.done
}

func (r *reactor) closeFDs() {
	closeFD(r.wakeFD)
	closeFD(r.epfd)
}

func (c *Connection) onReadable() {
	for {
		more, err := c.readOnce()
		if err != nil {
			c.notify(EventReadError)
		}
		if !more {
			return
		}
	}
}

func (c *Connection) onWritable() {
	c.clearWriteNotReady()
	if c.reactor != nil {
		c.reactor.clearWritable(c)
	}
}
