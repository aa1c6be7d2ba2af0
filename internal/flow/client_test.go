package flow

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) Addr {
	return AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
}

func TestResolveOrCreateAllocatesOncePerPeer(t *testing.T) {
	table := NewClientTable()

	f1, created, err := table.ResolveOrCreate(addr(1))
	require.NoError(t, err)
	assert.True(t, created)

	f2, created, err := table.ResolveOrCreate(addr(1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, f1, f2)

	assert.Equal(t, 1, table.Len())
}

func TestDistinctPeersGetDistinctSSRCs(t *testing.T) {
	table := NewClientTable()

	f1, _, err := table.ResolveOrCreate(addr(1))
	require.NoError(t, err)
	f2, _, err := table.ResolveOrCreate(addr(2))
	require.NoError(t, err)

	assert.NotEqual(t, f1.SSRC, f2.SSRC)
}

func TestLookupBySSRCUnknownReturnsFalse(t *testing.T) {
	table := NewClientTable()
	_, ok := table.LookupBySSRC(0xdeadbeef)
	assert.False(t, ok)
}

func TestReaperRemovesOnlyFullyIdleFlows(t *testing.T) {
	table := NewClientTable()

	idle, _, err := table.ResolveOrCreate(addr(1))
	require.NoError(t, err)

	// First pass: flow was just touched by ResolveOrCreate, so it
	// survives with its flag cleared.
	removed := table.Reap()
	assert.Empty(t, removed)

	// Second pass with no traffic in between: now it's removed.
	removed = table.Reap()
	require.Len(t, removed, 1)
	assert.Equal(t, idle.Peer, removed[0])
	assert.Equal(t, 0, table.Len())
}

func TestReaperNeverRemovesFlowTouchedEveryPass(t *testing.T) {
	table := NewClientTable()

	peer := addr(1)
	_, _, err := table.ResolveOrCreate(peer)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := table.ResolveOrCreate(peer) // touches
		require.NoError(t, err)
		removed := table.Reap()
		assert.Empty(t, removed)
	}
	assert.Equal(t, 1, table.Len())
}

func TestExpiredFlowReallocatesFreshSSRC(t *testing.T) {
	table := NewClientTable()
	peer := addr(1)

	first, _, err := table.ResolveOrCreate(peer)
	require.NoError(t, err)

	table.Reap()
	table.Reap() // flow now gone

	second, created, err := table.ResolveOrCreate(peer)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.SSRC, second.SSRC, "a new flow for the same peer must get a fresh SSRC")
}
