package invsync

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/sortition"
)

var log = logrus.WithField("prefix", "invsync")

type peerInv struct {
	blocks       bitfield.Bitlist
	microblocks  bitfield.Bitlist
	poxBitvector sortition.PoxBitvector
	pivot        uint64
}

// Store holds per-peer inventory state. It is purely in-memory: inventory
// is re-learned on every reconnect (like the teacher's
// beacon-chain/p2p/peers/status.go peer table), never persisted.
type Store struct {
	mu    sync.RWMutex
	peers map[PeerKey]*peerInv

	sortitionStore *sortition.Store
}

// New constructs an empty inventory store.
func New(sortitionStore *sortition.Store) *Store {
	return &Store{
		peers:          make(map[PeerKey]*peerInv),
		sortitionStore: sortitionStore,
	}
}

// SetBlockAvailable records that peer claims to hold the anchored block
// named by sortitionID/consensusHash/anchorBlockHash, returning the
// sortition height if this is a new fact (spec §4.4). Returns
// ErrInvalidMessage if the claim cannot correspond to real sortition
// history; the caller must ban the peer.
func (s *Store) SetBlockAvailable(peer PeerKey, sortitionID sortition.ID, consensusHash [20]byte, anchorBlockHash chainhash.Hash) (*uint64, error) {
	snap, err := s.sortitionStore.GetSnapshot(sortitionID)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if snap.AnchorBlockHash != anchorBlockHash || snap.ConsensusHash() != consensusHash {
		return nil, ErrInvalidMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pi := s.peerOrCreate(peer, snap.AnchorHeight)
	idx := index(pi.pivot, snap.AnchorHeight)
	pi.blocks = growBitlist(pi.blocks, idx+1)
	if pi.blocks.BitAt(idx) {
		return nil, nil // already known, not a new fact.
	}
	pi.blocks.SetBitAt(idx, true)
	height := snap.AnchorHeight
	return &height, nil
}

// SetMicroblocksAvailable is the microblock-stream analogue of
// SetBlockAvailable: it validates the claim the same way and records it
// in the peer's microblock bitvector.
func (s *Store) SetMicroblocksAvailable(peer PeerKey, sortitionID sortition.ID, consensusHash [20]byte, anchorBlockHash chainhash.Hash) (*uint64, error) {
	snap, err := s.sortitionStore.GetSnapshot(sortitionID)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if snap.AnchorBlockHash != anchorBlockHash || snap.ConsensusHash() != consensusHash {
		return nil, ErrInvalidMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pi := s.peerOrCreate(peer, snap.AnchorHeight)
	idx := index(pi.pivot, snap.AnchorHeight)
	pi.microblocks = growBitlist(pi.microblocks, idx+1)
	if pi.microblocks.BitAt(idx) {
		return nil, nil
	}
	pi.microblocks.SetBitAt(idx, true)
	height := snap.AnchorHeight
	return &height, nil
}

// GetBlockStats summarizes a peer's known inventory.
func (s *Store) GetBlockStats(peer PeerKey) (InvStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pi, ok := s.peers[peer]
	if !ok {
		return InvStats{}, false
	}
	return InvStats{
		Peer:                peer,
		NumBlocksKnown:      popcount(pi.blocks),
		NumMicroblocksKnown: popcount(pi.microblocks),
		LastUpdateHeight:    pi.pivot + pi.blocks.Len(),
	}, true
}

// ForEach iterates every known peer's stats, in unspecified order, the
// contract the downloader's scan step consumes.
func (s *Store) ForEach(fn func(PeerKey, InvStats)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for peer, pi := range s.peers {
		fn(peer, InvStats{
			Peer:                peer,
			NumBlocksKnown:      popcount(pi.blocks),
			NumMicroblocksKnown: popcount(pi.microblocks),
			LastUpdateHeight:    pi.pivot + pi.blocks.Len(),
		})
	}
}

// RealignPoxBitvector records the peer's current PoX bitvector, learned
// from a GetBlocksInv exchange. If it no longer agrees with localBV's
// prefix, the peer's inventory becomes provisionally unusable until the
// next realignment (spec §4.4 "Ordering").
func (s *Store) RealignPoxBitvector(peer PeerKey, peerBV sortition.PoxBitvector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi := s.peerOrCreate(peer, 0)
	pi.poxBitvector = peerBV
}

// Usable reports whether peer's last-known PoX bitvector still agrees
// with localBV on every bit they share. A false return means the
// downloader must not trust this peer's inv until its next
// GetBlocksInv realignment.
func (s *Store) Usable(peer PeerKey, localBV sortition.PoxBitvector) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pi, ok := s.peers[peer]
	if !ok {
		return false
	}
	return pi.poxBitvector.HasPrefix(localBV)
}

// RemovePeer drops all inventory state for peer, called on deregistration
// (spec §4.6 "Deregister": "removes all indexes atomically").
func (s *Store) RemovePeer(peer PeerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

func (s *Store) peerOrCreate(peer PeerKey, firstHeight uint64) *peerInv {
	pi, ok := s.peers[peer]
	if !ok {
		pi = &peerInv{
			blocks:      bitfield.NewBitlist(0),
			microblocks: bitfield.NewBitlist(0),
			pivot:       firstHeight,
		}
		s.peers[peer] = pi
		log.Debugf("Tracking new peer inventory, pivot height %d", firstHeight)
	}
	return pi
}

func index(pivot, height uint64) uint64 {
	if height < pivot {
		return 0
	}
	return height - pivot
}

// growBitlist returns a Bitlist at least n bits long, preserving existing
// bits, mirroring sortition.PoxBitvector.Append's reconstruction
// approach since go-bitfield.Bitlist has no in-place grow.
func growBitlist(b bitfield.Bitlist, n uint64) bitfield.Bitlist {
	if b.Len() >= n {
		return b
	}
	grown := bitfield.NewBitlist(n)
	for i := uint64(0); i < b.Len(); i++ {
		if b.BitAt(i) {
			grown.SetBitAt(i, true)
		}
	}
	return grown
}

func popcount(b bitfield.Bitlist) uint64 {
	var n uint64
	for i := uint64(0); i < b.Len(); i++ {
		if b.BitAt(i) {
			n++
		}
	}
	return n
}
