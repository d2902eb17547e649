//go:build linux

package server

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/udpiodns/internal/udpio"
)

func TestResolveAddrPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expectOK bool
		expectIP string
	}{
		{name: "IPv4", addr: "127.0.0.1:53", expectOK: true, expectIP: "127.0.0.1"},
		{name: "IPv6", addr: "[::1]:53", expectOK: true, expectIP: "::1"},
		{name: "wildcard", addr: "0.0.0.0:0", expectOK: true, expectIP: "0.0.0.0"},
		{name: "invalid", addr: "not-an-address", expectOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap, err := resolveAddrPort(tt.addr)
			if !tt.expectOK {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectIP, ap.Addr().String())
		})
	}
}

func TestUDPServer_Stop_NoManager(t *testing.T) {
	s := &UDPServer{}

	// Should not panic or hang when Run was never called.
	err := s.Stop(100 * time.Millisecond)
	assert.NoError(t, err, "Stop with no manager should not error")
}

func TestUDPServer_Stop_ZeroTimeout(t *testing.T) {
	s := &UDPServer{}

	err := s.Stop(0)
	assert.NoError(t, err, "Stop with zero timeout should not error")
}

func TestUDPServer_HandlePacket_NilHandler(t *testing.T) {
	s := &UDPServer{
		Handler: nil,
	}

	bufPtr := new([]byte)
	*bufPtr = make([]byte, 100)

	p := packet{
		bufPtr: bufPtr,
		n:      12,
		peer:   netip.MustParseAddrPort("127.0.0.1:12345"),
	}

	// Should not panic with a nil handler (and so never touch p.conn).
	s.handlePacket(context.Background(), p)
}

func TestUDPServer_RunAndStop(t *testing.T) {
	s := &UDPServer{
		WorkersPerSocket: 2,
		Config: udpio.Config{
			NUDPThreads:  1,
			ReapInterval: 5 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, "127.0.0.1:0")
	}()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), time.Second)
	defer readyCancel()
	addr, ok := s.LocalAddr(readyCtx)
	require.True(t, ok, "expected a bound address before timeout")
	assert.True(t, addr.Addr().IsLoopback())
	assert.NotZero(t, addr.Port())

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}

func TestUDPServer_MultipleReusePortListeners(t *testing.T) {
	s := &UDPServer{
		WorkersPerSocket: 1,
		Config: udpio.Config{
			NUDPThreads:  4,
			ReapInterval: 5 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, "127.0.0.1:0")
	}()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), time.Second)
	defer readyCancel()
	_, ok := s.LocalAddr(readyCtx)
	require.True(t, ok)
	assert.Len(t, s.accepts, 4, "expected one SO_REUSEPORT listener per reactor thread")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}

func TestUDPServer_LocalAddr_TimesOutWithoutRun(t *testing.T) {
	s := &UDPServer{ready: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := s.LocalAddr(ctx)
	assert.False(t, ok, "LocalAddr should report failure if Run never becomes ready")
}
