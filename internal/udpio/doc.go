// Package udpio implements the UDP datagram I/O core: an outbound packet
// scheduler (a timing wheel plus long-term overflow list), a reference
// counted, thread-affined connection state machine wrapping one non-blocking
// UDP socket, and a connection registry that demultiplexes inbound datagrams
// to the right logical connection.
//
// The three pieces are:
//
//   - Packet / wheel: order pending outbound packets by delivery time with
//     amortised O(1) insert and O(1) pop-at-now.
//   - Connection / AcceptConnection: own a socket, demultiplex received
//     datagrams, cooperate with a Reactor for readiness, and guarantee
//     orderly teardown while packets drain.
//   - Manager: routes inbound datagrams to the right connection and defers
//     destruction of closed connections to a safe phase.
//
// Every Connection has a single owning goroutine, fixed after Start: all
// mutable connection state is touched only from callbacks the owning
// Reactor invokes on that goroutine. The only cross-goroutine entry points
// are Connection.Send (which pushes onto a lock-free MPSC intake without a
// lock) and Manager.DeferClose (deferred-close handoff, which appends to a
// mutex-guarded list that the reaper goroutine drains).
//
// This package treats upper-layer protocols (DNS, QUIC, HTTP/3, ...) as
// external: it hands them opaque datagram payloads and receives opaque
// payloads to send. See internal/server for a DNS consumer and
// internal/quicbridge for an adapter letting a quic-go transport run
// directly on top of a Connection.
package udpio
