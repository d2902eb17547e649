//go:build linux

package udpio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerFindRoundTrips(t *testing.T) {
	m := newTestManager(t)

	server, err := m.CreateAccept(testLoopback(t))
	require.NoError(t, err)

	client, err := m.Create(testLoopback(t), server.LocalAddr())
	require.NoError(t, err)

	found, ok := m.Find(client.LocalAddr(), client.RemoteAddr())
	require.True(t, ok)
	assert.Same(t, client, found)

	_, ok = m.FindAccept(server.LocalAddr())
	assert.True(t, ok)
}

func TestManagerDeferCloseIsReaped(t *testing.T) {
	m := newTestManager(t)

	server, err := m.CreateAccept(testLoopback(t))
	require.NoError(t, err)
	client, err := m.Create(testLoopback(t), server.LocalAddr())
	require.NoError(t, err)

	before := m.Size()
	require.Equal(t, 2, before)

	m.DeferClose(client)

	require.Eventually(t, func() bool {
		return m.Size() == before-1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerPendingBytesTracksQueuedSend(t *testing.T) {
	m := newTestManager(t)

	server, err := m.CreateAccept(testLoopback(t))
	require.NoError(t, err)
	client, err := m.Create(testLoopback(t), server.LocalAddr())
	require.NoError(t, err)

	far := monotonicNow() + int64(5*time.Second)
	client.Send([]byte("parked"), far)

	require.Eventually(t, func() bool {
		return m.PendingBytes() > 0
	}, time.Second, 5*time.Millisecond)
}
