// Package invsync tracks, per peer, which anchored blocks and confirmed
// microblock streams that peer claims to hold, indexed by sortition
// height from a pivot (spec §4.4). It never fetches data itself — that is
// the downloader's job — it only answers "who has this".
package invsync

import "github.com/pkg/errors"

// PeerKey identifies a remote peer by its authenticated public-key hash,
// the same identity p2pcore's ConversationP2P tracks (GLOSSARY "Neighbor
// key"). Kept here, not imported from p2pcore, because invsync has no
// other dependency on the P2P core and must not import it (p2pcore is the
// one that depends on invsync, to attribute unsolicited inv messages to
// an outbound neighbor — see spec §4.6 "Unsolicited-message handling").
type PeerKey [20]byte

// ErrInvalidMessage is returned by SetBlockAvailable when a peer's claim
// cannot possibly be true; the caller (P2P core) must ban the peer (spec
// §4.4).
var ErrInvalidMessage = errors.New("invsync: invalid inventory claim")

// InvStats summarizes one peer's known inventory, a read-model for the
// downloader's scan step (spec §4.5 step 1).
type InvStats struct {
	Peer                PeerKey
	NumBlocksKnown      uint64
	NumMicroblocksKnown uint64
	LastUpdateHeight    uint64
}
