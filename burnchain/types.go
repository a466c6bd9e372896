// Package burnchain materializes headers and operations from the anchor
// chain (spec §4.1), a Bitcoin-like chain consumed as the leaf dependency
// of the whole system. It is grounded on beacon-chain/powchain's pattern of
// a cached header/block reader in front of an external chain client
// (block_reader.go's BlockExists/BlockHashByHeight/BlockByHeight), adapted
// from an Ethereum PoW client to a Bitcoin-like anchor-chain source, using
// btcsuite/btcd's hash and header types since the anchor chain is
// Bitcoin-shaped, not Ethereum-shaped.
package burnchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OpKind identifies one of the three operation kinds consensus cares about
// (spec §4.1).
type OpKind int

const (
	// OpLeaderKeyRegistration registers a VRF public key for later use in a
	// leader block commitment.
	OpLeaderKeyRegistration OpKind = iota
	// OpLeaderBlockCommitment commits to a Stacks block hash, naming a
	// previously-registered leader key and a burn amount.
	OpLeaderBlockCommitment
	// OpUserBurnSupport is a user burn in support of some other miner's
	// commitment in the same anchor block.
	OpUserBurnSupport
)

// LeaderKeyRegistration is an OpLeaderKeyRegistration operation.
type LeaderKeyRegistration struct {
	TxID      chainhash.Hash
	VRFPubKey [32]byte
	BlockHeight uint64
	// VtxIndex is this operation's position within its anchor block,
	// used to break ties deterministically during sortition.
	VtxIndex uint32
}

// LeaderBlockCommitment is an OpLeaderBlockCommitment operation.
type LeaderBlockCommitment struct {
	TxID            chainhash.Hash
	BlockHash       chainhash.Hash // the Stacks block_hash being committed to
	NewSeed         [32]byte       // VRF proof seed contribution
	ParentBlockPtr  uint64         // anchor height of the parent commitment
	ParentVtxIndex  uint32
	KeyBlockPtr     uint64 // anchor height of the referenced leader key registration
	KeyVtxIndex     uint32
	Burn            uint64
	VtxIndex        uint32
}

// UserBurnSupport is an OpUserBurnSupport operation.
type UserBurnSupport struct {
	TxID           chainhash.Hash
	BlockHash      chainhash.Hash
	KeyBlockPtr    uint64
	KeyVtxIndex    uint32
	Burn           uint64
	VtxIndex       uint32
}

// Operations groups the three operation kinds extracted from one anchor
// block, in the order they appeared in the block.
type Operations struct {
	LeaderKeys  []LeaderKeyRegistration
	Commitments []LeaderBlockCommitment
	UserBurns   []UserBurnSupport
}

// Header is the portion of an anchor-chain block header the sortition
// store and coordinator need: enough to walk ancestry and identify the
// block, without carrying the anchor chain's own transaction/merkle
// machinery (that stays inside the anchor-chain source, an external
// collaborator per spec §1).
type Header struct {
	BlockHash  chainhash.Hash
	ParentHash chainhash.Hash
	Height     uint64
	Timestamp  int64
}

// SyncStatus reports the anchor-chain source's own sync progress; the
// node's /v2/info provider reports SyncHeight as the stable burn block
// height (SPEC_FULL.md burnchain supplement).
type SyncStatus struct {
	SyncHeight uint64
	TipHeight  uint64
}

// Synced reports whether the anchor-chain source believes itself caught up.
func (s SyncStatus) Synced() bool { return s.SyncHeight >= s.TipHeight }
