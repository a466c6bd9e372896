package p2pcore

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, localBind string, inboundCap int) *Table {
	t.Helper()
	db := openTestPeerDB(t)
	return NewTable(localBind, inboundCap, db)
}

func TestRegisterInboundRejectsSelfLoop(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, err := table.RegisterInbound(NeighborKey{0x01}, "127.0.0.1:20444", c1, false)
	require.ErrorIs(t, err, ErrSelfLoop)
}

func TestRegisterInboundRejectsDeniedPeer(t *testing.T) {
	db := openTestPeerDB(t)
	table := NewTable("127.0.0.1:20444", 10, db)
	peer := NeighborKey{0x02}
	require.NoError(t, db.Ban(peer))

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	_, err := table.RegisterInbound(peer, "10.0.0.1:1", c1, false)
	require.ErrorIs(t, err, ErrDenied)
}

func TestRegisterInboundIsIdempotent(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peer := NeighborKey{0x03}
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	id1, err := table.RegisterInbound(peer, "10.0.0.1:1", c1, false)
	require.NoError(t, err)

	id2, err := table.RegisterInbound(peer, "10.0.0.1:1", c1, false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRegisterInboundRejectsOverCapacity(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 1)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	_, err := table.RegisterInbound(NeighborKey{0x04}, "10.0.0.1:1", c1, false)
	require.NoError(t, err)

	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()
	_, err = table.RegisterInbound(NeighborKey{0x05}, "10.0.0.2:1", c3, false)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestOutboundConnectThenCompletePromotesToConversation(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peer := NeighborKey{0x06}
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	id, existed := table.OutboundConnect(peer, "10.0.0.1:1", c1)
	require.False(t, existed)

	_, ok := table.Get(id)
	require.False(t, ok, "a connecting socket is not yet a full conversation")

	table.CompleteOutbound(id, peer, "10.0.0.1:1")
	conv, ok := table.Get(id)
	require.True(t, ok)
	require.False(t, conv.Inbound)
	require.Equal(t, peer, conv.Neighbor)
}

func TestOutboundConnectIsIdempotent(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peer := NeighborKey{0x07}
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	id1, existed1 := table.OutboundConnect(peer, "10.0.0.1:1", c1)
	require.False(t, existed1)
	id2, existed2 := table.OutboundConnect(peer, "10.0.0.1:1", c1)
	require.True(t, existed2)
	require.Equal(t, id1, id2)
}

func TestDeregisterRemovesAllIndexes(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peer := NeighborKey{0x08}
	c1, c2 := net.Pipe()
	defer c2.Close()

	id, err := table.RegisterInbound(peer, "10.0.0.1:1", c1, false)
	require.NoError(t, err)

	table.Deregister(id)

	_, ok := table.Get(id)
	require.False(t, ok)
	_, ok = table.Lookup(peer)
	require.False(t, ok)
}

func TestFindReciprocalOutboundOnlyMatchesOutboundConversation(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peer := NeighborKey{0x09}
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, ok := table.FindReciprocalOutbound(peer)
	require.False(t, ok)

	id, _ := table.OutboundConnect(peer, "10.0.0.1:1", c1)
	table.CompleteOutbound(id, peer, "10.0.0.1:1")

	conv, ok := table.FindReciprocalOutbound(peer)
	require.True(t, ok)
	require.Equal(t, id, conv.EventID)
}

func TestAllPeersIteratesEveryConversation(t *testing.T) {
	table := newTestTable(t, "127.0.0.1:20444", 10)
	peers := []NeighborKey{{0x0A}, {0x0B}, {0x0C}}
	for i, p := range peers {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()
		_, err := table.RegisterInbound(p, "10.0.0.1:"+string(rune('1'+i)), c1, false)
		require.NoError(t, err)
	}

	seen := make(map[NeighborKey]bool)
	table.AllPeers(func(c *ConversationP2P) { seen[c.Neighbor] = true })
	require.Len(t, seen, len(peers))
}
