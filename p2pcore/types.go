package p2pcore

import (
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec"

	"github.com/blockstack/stacks-blockchain/invsync"
)

// EventID is the arena index naming one peer slot, replacing any
// OO/libp2p-host hierarchy per spec §9: every process-global table below
// is keyed by this single small integer rather than by a peer object
// reference.
type EventID uint32

// NeighborKey identifies a remote peer by its authenticated public-key
// hash, shared with invsync.PeerKey so inventory attribution needs no
// translation at the invsync/p2pcore boundary (spec §4.6 "Unsolicited-
// message handling": "locate the reciprocal outbound conversation with
// the same remote identity").
type NeighborKey = invsync.PeerKey

// HandshakeState tracks where a conversation is in the handshake
// exchange.
type HandshakeState int

const (
	HandshakeNone HandshakeState = iota
	HandshakeSent
	HandshakeAuthenticated
)

// ConversationP2P holds per-peer session state (spec §4.6 "State").
type ConversationP2P struct {
	EventID        EventID
	Neighbor       NeighborKey
	PublicKey      *btcec.PublicKey
	Inbound        bool
	Handshake      HandshakeState
	LastContact    time.Time
	HeartbeatEvery time.Duration
	Address        string

	sendBuf [][]byte
	recvBuf []byte
}

// connectingEntry is held in the connecting table for a socket whose TCP
// handshake hasn't completed yet.
type connectingEntry struct {
	conn        net.Conn
	outbound    bool
	connectedAt time.Time
}

// pingbackEntry records an authenticated inbound peer previously unknown
// to us, a candidate for the neighbor walk's outbound verification (spec
// §4.6 "Pingback").
type pingbackEntry struct {
	peerVersion uint32
	networkID   uint32
	recordedAt  time.Time
	pubKey      *btcec.PublicKey
}

// relayHandle is a pending reply a broadcast or request is waiting on;
// dropped wholesale on deregistration (spec §4.6 "Deregister").
type relayHandle struct {
	messageID uint32
	deadline  time.Time
}

// WorkPhase is one step of the per-poll work-state machine (spec §4.6
// "Work-state machine").
type WorkPhase int

const (
	PhaseGetPublicIP WorkPhase = iota
	PhaseConfirmPublicIP
	PhaseBlockInvSync
	PhaseBlockDownload
	PhasePrune
)

func (p WorkPhase) next() WorkPhase {
	switch p {
	case PhaseGetPublicIP:
		return PhaseConfirmPublicIP
	case PhaseConfirmPublicIP:
		return PhaseBlockInvSync
	case PhaseBlockInvSync:
		return PhaseBlockDownload
	case PhaseBlockDownload:
		return PhasePrune
	default:
		return PhaseGetPublicIP
	}
}
