//go:build linux

package udpio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type connKey struct {
	local Endpoint
	peer  Endpoint
}

// Manager is the connection registry of spec §4.6 (UDPConnectionManager):
// it owns the fixed pool of reactor goroutines, assigns new connections to
// them round-robin, tracks every live Connection/AcceptConnection by
// address, and defers closes to a background reaper rather than tearing
// a connection down on whatever goroutine asked for it.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	pendingBytes atomic.Int64

	reactors []*reactor
	queues   []*Queue
	next     atomic.Uint64

	mu      sync.RWMutex
	conns   map[connKey]*Connection
	accepts map[Endpoint]*AcceptConnection

	deferMu  sync.Mutex
	deferred []*Connection

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewManager starts cfg.NUDPThreads reactor goroutines, each driving its
// own Queue, plus a background reaper that drains deferred closes every
// cfg.ReapInterval.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[connKey]*Connection),
		accepts:  make(map[Endpoint]*AcceptConnection),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}

	now := monotonicNow()
	for i := 0; i < cfg.NUDPThreads; i++ {
		q := newQueue(cfg, &m.pendingBytes, now, logger.With("reactor", i))
		r, err := newReactor(q, logger.With("reactor", i))
		if err != nil {
			m.shutdownReactors()
			return nil, err
		}
		m.reactors = append(m.reactors, r)
		m.queues = append(m.queues, q)
		go r.run()
	}

	go m.reapLoop()
	return m, nil
}

func (m *Manager) pick() (*reactor, *Queue) {
	i := m.next.Add(1) % uint64(len(m.reactors))
	return m.reactors[i], m.queues[i]
}

// Create opens a new connected UDP connection (spec §4.6 create_connection)
// and registers it under its resolved (local, peer) address pair.
func (m *Manager) Create(local, peer Endpoint) (*Connection, error) {
	r, q := m.pick()
	c, err := CreateConnection(r, q, local, peer, m.cfg, &m.pendingBytes, m.logger)
	if err != nil {
		return nil, err
	}
	key := connKey{local: c.local, peer: c.peer}
	m.mu.Lock()
	m.conns[key] = c
	m.mu.Unlock()
	return c, nil
}

// CreateAccept opens a new listening socket demultiplexed by peer address.
func (m *Manager) CreateAccept(local Endpoint) (*AcceptConnection, error) {
	r, q := m.pick()
	a, err := CreateAcceptConnection(r, q, local, m.cfg, &m.pendingBytes, m.logger)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.accepts[a.local] = a
	m.mu.Unlock()
	return a, nil
}

func (m *Manager) Find(local, peer Endpoint) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connKey{local: local, peer: peer}]
	return c, ok
}

func (m *Manager) FindAccept(local Endpoint) (*AcceptConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accepts[local]
	return a, ok
}

// DeferClose queues c for closing by the reaper goroutine rather than
// closing it synchronously, mirroring original_source's handling of a
// close requested from a thread other than the connection's own (spec
// §4.4's close_UDPCon).
func (m *Manager) DeferClose(c *Connection) {
	m.deferMu.Lock()
	m.deferred = append(m.deferred, c)
	m.deferMu.Unlock()
}

func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.deferMu.Lock()
	pending := m.deferred
	m.deferred = nil
	m.deferMu.Unlock()

	for _, c := range pending {
		c.Close()
		m.mu.Lock()
		delete(m.conns, connKey{local: c.local, peer: c.peer})
		m.mu.Unlock()
	}
}

// Size reports the number of tracked connections and accept listeners.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns) + len(m.accepts)
}

// PendingBytes reports the process-wide sum of bytes currently queued for
// write across every reactor's wheel (spec §3).
func (m *Manager) PendingBytes() int64 {
	return m.pendingBytes.Load()
}

func (m *Manager) shutdownReactors() {
	for _, r := range m.reactors {
		r.Stop()
		r.closeFDs()
	}
	m.reactors = nil
	m.queues = nil
}

// Close stops the reaper, closes every tracked connection and accept
// listener, and stops every reactor goroutine.
func (m *Manager) Close() {
	close(m.reapStop)
	<-m.reapDone
	m.reap()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	accepts := make([]*AcceptConnection, 0, len(m.accepts))
	for _, a := range m.accepts {
		accepts = append(accepts, a)
	}
	m.conns = make(map[connKey]*Connection)
	m.accepts = make(map[Endpoint]*AcceptConnection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, a := range accepts {
		a.Close()
	}
	m.shutdownReactors()
}
