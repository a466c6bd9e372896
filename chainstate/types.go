// Package chainstate holds staging and accepted Stacks blocks and
// microblocks (spec §3 "Staging block", §4 Chains Coordinator /
// Downloader shared state), keyed the way the spec names them: by
// index_block_hash for anchored blocks, and by
// (anchor_consensus_hash, anchor_block_hash, microblock_hash) for
// microblocks.
package chainstate

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// IndexBlockHash identifies a Stacks block uniquely across all forks,
// derived from (consensus_hash, block_hash) per the GLOSSARY.
type IndexBlockHash [32]byte

// DeriveIndexBlockHash computes an index_block_hash.
func DeriveIndexBlockHash(consensusHash [20]byte, blockHash chainhash.Hash) IndexBlockHash {
	var ibh IndexBlockHash
	copy(ibh[:20], consensusHash[:])
	copy(ibh[20:], blockHash[:12])
	return ibh
}

// StagingBlock is an anchored Stacks block received but not yet (or no
// longer) known-processed, per spec §4.5/§4.4's "staging block" lifecycle.
type StagingBlock struct {
	IndexBlockHash  IndexBlockHash
	ConsensusHash   [20]byte
	BlockHash       chainhash.Hash
	ParentBlockHash chainhash.Hash
	Height          uint64
	Data            []byte

	// Orphaned is set when the sortition that elected this block has been
	// invalidated (spec §4.2 InvalidateDescendantsOf), so the block can
	// never become processed regardless of validity.
	Orphaned bool
	// Processed is set once chainstate processing (an external
	// collaborator — the Clarity VM and state transition) has accepted
	// this block.
	Processed bool
	// Attachable is set once the parent block is itself processed,
	// meaning this block is eligible for processing (spec §4.5 "resolve"
	// step).
	Attachable bool
}

// MicroblockKey identifies one microblock within the stream following an
// anchored block (GLOSSARY "Microblock stream").
type MicroblockKey struct {
	AnchorConsensusHash [20]byte
	AnchorBlockHash     chainhash.Hash
	MicroblockHash      chainhash.Hash
}

// StagingMicroblock is one microblock in a stream, keyed by its anchor
// block and its own hash, with a sequence number for continuity
// validation (spec §4.5 "validate microblock continuity").
type StagingMicroblock struct {
	Key      MicroblockKey
	Sequence uint16
	ParentHash chainhash.Hash
	Data     []byte

	Processed bool
}
