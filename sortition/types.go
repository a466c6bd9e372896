package sortition

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ID identifies a sortition, derived from (anchor block hash, PoX
// bitvector) per spec §3.
type ID [32]byte

// DeriveID computes the sortition_id for an anchor block under a given
// PoX bitvector.
func DeriveID(anchorBlockHash chainhash.Hash, bv PoxBitvector) ID {
	h := sha256.New()
	h.Write(anchorBlockHash[:])
	h.Write(bv.Bytes())
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// BlockElection is the (consensus_hash, stacks_block_hash) pair a winning
// leader block commitment names.
type BlockElection struct {
	ConsensusHash  [20]byte
	StacksBlockHash chainhash.Hash
}

// Snapshot is the authoritative per-sortition state (spec §4.2).
type Snapshot struct {
	SortitionID      ID
	ParentSortitionID ID
	AnchorBlockHash  chainhash.Hash
	AnchorHeight     uint64
	Winner           *BlockElection // nil if no winner this sortition
	TotalBurn        uint64
	PoxBitvector     PoxBitvector
	// RewardCycle is the reward cycle this sortition's anchor block falls
	// within.
	RewardCycle uint64
}

// ConsensusHash derives the 20-byte consensus hash tying a Stacks block to
// the sortition that elected it (GLOSSARY "Consensus hash"). It is a
// truncated digest over the sortition id, distinct from any anchor-chain
// hash.
func (s Snapshot) ConsensusHash() [20]byte {
	digest := sha256.Sum256(s.SortitionID[:])
	var ch [20]byte
	copy(ch[:], digest[:20])
	return ch
}

// StateTransition describes what evaluate_sortition changed: which
// commitments it considered, and whether this sortition is a prepare-phase
// end (and thus may produce a PoX anchor decision).
type StateTransition struct {
	ConsideredCommitments int
	ConsideredUserBurns   int
	IsPreparePhaseEnd     bool
}

// RewardSet is the reward-cycle-scoped payout set computed once at anchor
// discovery and cached keyed by its reward cycle number, not by the
// anchor's index_block_hash (SPEC_FULL.md sortition supplement).
type RewardSet struct {
	Cycle      uint64
	AnchorHash chainhash.Hash
	// Addresses are the PoX reward recipients for this cycle, in payout
	// order. The evaluator (external collaborator) is the only consumer
	// that interprets these beyond storage and retrieval.
	Addresses [][]byte
}

// BurnShare is one committed miner's share of total burn at a given anchor
// height, a read-model for operational HTTP endpoints (SPEC_FULL.md
// sortition supplement) — never authoritative, always derived from
// already-persisted sortition state.
type BurnShare struct {
	StacksBlockHash chainhash.Hash
	Burn            uint64
}

// PoxConstants parameterizes reward-cycle geometry (spec §3 "Reward
// cycle"): a fixed-length window split into prepare and reward phases.
type PoxConstants struct {
	RewardCycleLength uint64
	PrepareLength     uint64
}

// CycleOf returns the reward cycle index containing anchor height h,
// counting from firstBlockHeight.
func (c PoxConstants) CycleOf(firstBlockHeight, h uint64) uint64 {
	if h < firstBlockHeight {
		return 0
	}
	return (h - firstBlockHeight) / c.RewardCycleLength
}

// IsPreparePhaseEnd reports whether height h is the last anchor-chain
// block of its reward cycle's prepare phase.
func (c PoxConstants) IsPreparePhaseEnd(firstBlockHeight, h uint64) bool {
	if h < firstBlockHeight {
		return false
	}
	offset := (h - firstBlockHeight) % c.RewardCycleLength
	return offset == c.RewardCycleLength-1
}
