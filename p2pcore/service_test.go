package p2pcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// bufConn is a net.Conn double that records writes without blocking,
// standing in for a real socket so Broadcast can be exercised without a
// live listener.
type bufConn struct {
	net.Conn
	written [][]byte
}

func (c *bufConn) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	c.written = append(c.written, cp)
	return len(b), nil
}
func (c *bufConn) Close() error                       { return nil }
func (c *bufConn) LocalAddr() net.Addr                { return nil }
func (c *bufConn) RemoteAddr() net.Addr               { return nil }
func (c *bufConn) SetDeadline(time.Time) error        { return nil }
func (c *bufConn) SetReadDeadline(time.Time) error    { return nil }
func (c *bufConn) SetWriteDeadline(time.Time) error   { return nil }
func (c *bufConn) Read(b []byte) (int, error)         { return 0, nil }

func newTestService(t *testing.T) (*Service, map[NeighborKey]*bufConn) {
	t.Helper()
	cfg := &Config{
		LocalBind:       "127.0.0.1:20444",
		PeerVersion:     0x00010000,
		NetworkID:       1,
		InboundCapacity: 16,
		PeerDBDir:       t.TempDir(),
		PollInterval:    time.Hour,
	}
	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Stop()) })

	conns := make(map[NeighborKey]*bufConn)
	register := func(neighbor NeighborKey, inbound bool) {
		bc := &bufConn{}
		conns[neighbor] = bc
		if inbound {
			id, err := svc.table.RegisterInbound(neighbor, "10.0.0.1:"+string(rune('1'+int(neighbor[0]))), bc, false)
			require.NoError(t, err)
			conv, _ := svc.table.Get(id)
			conv.Handshake = HandshakeAuthenticated
		} else {
			id, _ := svc.table.OutboundConnect(neighbor, "10.0.0.2:"+string(rune('1'+int(neighbor[0]))), bc)
			svc.table.CompleteOutbound(id, neighbor, "10.0.0.2:1")
			conv, _ := svc.table.Get(id)
			conv.Handshake = HandshakeAuthenticated
		}
	}
	register(NeighborKey{0x01}, false) // outbound
	register(NeighborKey{0x02}, false) // outbound
	register(NeighborKey{0x03}, true)  // inbound
	register(NeighborKey{0x04}, true)  // inbound
	return svc, conns
}

// TestBroadcastExcludesRelayHints is the spec's mandatory broadcast
// exclusion property test: any peer named in relayHints never receives
// the broadcast payload, regardless of sampling.
func TestBroadcastExcludesRelayHints(t *testing.T) {
	svc, conns := newTestService(t)
	excluded := NeighborKey{0x01}

	svc.Broadcast([]byte("payload"), KindTransaction, []NeighborKey{excluded}, 10, 10)

	require.Empty(t, conns[excluded].written, "an excluded peer must never receive the broadcast")
	require.NotEmpty(t, conns[NeighborKey{0x02}].written)
	require.NotEmpty(t, conns[NeighborKey{0x03}].written)
	require.NotEmpty(t, conns[NeighborKey{0x04}].written)
}

func TestBroadcastSkipsUnauthenticatedPeers(t *testing.T) {
	svc, conns := newTestService(t)
	unauth := NeighborKey{0x05}
	bc := &bufConn{}
	conns[unauth] = bc
	id, err := svc.table.RegisterInbound(unauth, "10.0.0.9:1", bc, false)
	require.NoError(t, err)
	conv, _ := svc.table.Get(id)
	require.Equal(t, HandshakeNone, conv.Handshake)

	svc.Broadcast([]byte("payload"), KindTransaction, nil, 10, 10)

	require.Empty(t, conns[unauth].written)
}

func TestBroadcastRespectsOutboundAndInboundCaps(t *testing.T) {
	svc, conns := newTestService(t)
	svc.Broadcast([]byte("payload"), KindTransaction, nil, 1, 1)

	sentOutbound := 0
	for _, peer := range []NeighborKey{{0x01}, {0x02}} {
		if len(conns[peer].written) > 0 {
			sentOutbound++
		}
	}
	sentInbound := 0
	for _, peer := range []NeighborKey{{0x03}, {0x04}} {
		if len(conns[peer].written) > 0 {
			sentInbound++
		}
	}
	require.Equal(t, 1, sentOutbound)
	require.Equal(t, 1, sentInbound)
}

func TestMarkBrokenBansAndDeregisters(t *testing.T) {
	svc, _ := newTestService(t)
	peer := NeighborKey{0x01}
	_, ok := svc.table.Lookup(peer)
	require.True(t, ok)

	svc.MarkBroken(peer)

	_, ok = svc.table.Lookup(peer)
	require.False(t, ok)
	require.True(t, svc.peerDB.IsDenied(peer))
}

func TestMarkDeadDeregistersWithoutBanning(t *testing.T) {
	svc, _ := newTestService(t)
	peer := NeighborKey{0x02}

	svc.MarkDead(peer)

	_, ok := svc.table.Lookup(peer)
	require.False(t, ok)
	require.False(t, svc.peerDB.IsDenied(peer))
}
