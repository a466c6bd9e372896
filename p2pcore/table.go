package p2pcore

import (
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "p2pcore")

// ErrSelfLoop, ErrDenied, and ErrCapacityExceeded are the three rejection
// reasons RegisterInbound enumerates (spec §4.6 "Register inbound").
var (
	ErrSelfLoop         = errors.New("p2pcore: inbound address matches local bind address")
	ErrDenied           = errors.New("p2pcore: peer is in the deny list")
	ErrCapacityExceeded = errors.New("p2pcore: inbound capacity exceeded")
)

// Table holds every process-global, in-memory index the network loop
// needs (spec §4.6 "State" / "Process-global"). It is not persisted —
// that is peerdb.go's job — because these structures describe the
// current session's live sockets and conversations, which cannot survive
// a restart regardless. Grounded on beacon-chain/p2p/peers/status.go's
// single RWMutex guarding one map of peer state.
type Table struct {
	mu sync.RWMutex

	events       map[NeighborKey]EventID
	peers        map[EventID]*ConversationP2P
	sockets      map[EventID]net.Conn
	connecting   map[EventID]*connectingEntry
	relayHandles map[EventID][]relayHandle
	walkPingback map[string]*pingbackEntry

	nextEventID EventID
	localBind   string
	inboundCap  int
	inboundUsed int

	peerDB *PeerDB
}

// NewTable constructs an empty table bound to localBind (this node's own
// advertised address, used for self-loop rejection).
func NewTable(localBind string, inboundCap int, peerDB *PeerDB) *Table {
	return &Table{
		events:       make(map[NeighborKey]EventID),
		peers:        make(map[EventID]*ConversationP2P),
		sockets:      make(map[EventID]net.Conn),
		connecting:   make(map[EventID]*connectingEntry),
		relayHandles: make(map[EventID][]relayHandle),
		walkPingback: make(map[string]*pingbackEntry),
		localBind:    localBind,
		inboundCap:   inboundCap,
		peerDB:       peerDB,
	}
}

// RegisterInbound implements spec §4.6's inbound registration contract.
func (t *Table) RegisterInbound(neighbor NeighborKey, remoteAddr string, conn net.Conn, confirmingPublicIP bool) (EventID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if remoteAddr == t.localBind && !confirmingPublicIP {
		return 0, ErrSelfLoop
	}
	if t.peerDB.IsDenied(neighbor) {
		return 0, ErrDenied
	}
	if id, ok := t.events[neighbor]; ok {
		return id, nil // already connected: return the existing event_id.
	}
	if t.inboundUsed >= t.inboundCap {
		return 0, ErrCapacityExceeded
	}

	id := t.allocate()
	t.peers[id] = &ConversationP2P{EventID: id, Neighbor: neighbor, Inbound: true, Address: remoteAddr, LastContact: time.Now()}
	t.sockets[id] = conn
	t.events[neighbor] = id
	t.inboundUsed++
	return id, nil
}

// OutboundConnect implements spec §4.6's outbound connect contract:
// idempotent, returns the existing event_id if already connected.
func (t *Table) OutboundConnect(neighbor NeighborKey, remoteAddr string, conn net.Conn) (EventID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.events[neighbor]; ok {
		return id, true
	}
	id := t.allocate()
	t.connecting[id] = &connectingEntry{conn: conn, outbound: true, connectedAt: time.Now()}
	t.events[neighbor] = id
	return id, false
}

// CompleteOutbound promotes a connecting socket to a full conversation
// once the TCP handshake finishes.
func (t *Table) CompleteOutbound(id EventID, neighbor NeighborKey, remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.connecting[id]
	if !ok {
		return
	}
	delete(t.connecting, id)
	t.peers[id] = &ConversationP2P{EventID: id, Neighbor: neighbor, Inbound: false, Address: remoteAddr, LastContact: time.Now()}
	t.sockets[id] = entry.conn
}

// Deregister removes every index for id atomically; pending reply
// handles are dropped (spec §4.6 "Deregister").
func (t *Table) Deregister(id EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conv, ok := t.peers[id]; ok {
		delete(t.events, conv.Neighbor)
		if conv.Inbound {
			t.inboundUsed--
		}
	}
	if conn, ok := t.sockets[id]; ok {
		conn.Close()
	}
	if entry, ok := t.connecting[id]; ok {
		entry.conn.Close()
	}
	delete(t.peers, id)
	delete(t.sockets, id)
	delete(t.connecting, id)
	delete(t.relayHandles, id)
}

// Get returns the conversation for id, if any.
func (t *Table) Get(id EventID) (*ConversationP2P, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.peers[id]
	return c, ok
}

// Lookup returns the event_id for a neighbor, if currently connected.
func (t *Table) Lookup(neighbor NeighborKey) (EventID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.events[neighbor]
	return id, ok
}

// FindReciprocalOutbound locates the outbound conversation with the same
// remote identity as an inbound one delivering an unsolicited inventory
// message (spec §4.6 "Unsolicited-message handling").
func (t *Table) FindReciprocalOutbound(neighbor NeighborKey) (*ConversationP2P, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.events[neighbor]
	if !ok {
		return nil, false
	}
	conv, ok := t.peers[id]
	if !ok || conv.Inbound {
		return nil, false
	}
	return conv, true
}

// RecordPingback records an authenticated inbound peer previously unknown
// to us, for the neighbor walk to verify later (spec §4.6 "Pingback").
func (t *Table) RecordPingback(addr string, peerVersion, networkID uint32, pubKey *btcec.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.walkPingback[addr] = &pingbackEntry{peerVersion: peerVersion, networkID: networkID, recordedAt: time.Now(), pubKey: pubKey}
}

// PendingPingbacks returns every recorded pingback candidate, for the
// neighbor walk to drain and attempt outbound verification against.
func (t *Table) PendingPingbacks() map[string]*pingbackEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*pingbackEntry, len(t.walkPingback))
	for k, v := range t.walkPingback {
		out[k] = v
		delete(t.walkPingback, k)
	}
	return out
}

// AllPeers iterates every currently-registered conversation.
func (t *Table) AllPeers(fn func(*ConversationP2P)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.peers {
		fn(c)
	}
}

func (t *Table) allocate() EventID {
	t.nextEventID++
	return t.nextEventID
}
