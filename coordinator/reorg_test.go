package coordinator

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/blockstack/stacks-blockchain/burnchain"
	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/sortition"
)

// openReorgTestStores builds a sortition store where every evaluated height
// is a prepare-phase end (RewardCycleLength 1), so a single-height chain is
// enough to exercise reconcilePoxAnchor without a multi-block replay.
func openReorgTestStores(t *testing.T) (*sortition.Store, *chainstate.Store) {
	t.Helper()
	ss, err := sortition.Open(t.TempDir(), sortition.PoxConstants{RewardCycleLength: 1, PrepareLength: 1}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ss.Close()) })

	cs, err := chainstate.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cs.Close()) })
	return ss, cs
}

func newReorgTestService(t *testing.T, ss *sortition.Store, cs *chainstate.Store) *Service {
	t.Helper()
	return New(context.Background(), &Config{
		SortitionStore:    ss,
		ChainstateStore:   cs,
		Processor:         acceptAllProcessor{},
		PoxConstants:      sortition.PoxConstants{RewardCycleLength: 1, PrepareLength: 1},
		FirstBlockHeight:  0,
		NewAnchorBlockBuf: 1,
		NewStacksBlockBuf: 1,
	})
}

// evaluateAnchor evaluates a prepare-end sortition for a synthetic burn
// block at the given height, electing winner as its Stacks block commitment.
func evaluateAnchor(t *testing.T, ss *sortition.Store, parent sortition.ID, height uint64, blockHash chainhash.Hash, winner chainhash.Hash) sortition.Snapshot {
	t.Helper()
	header := burnchain.Header{BlockHash: blockHash, Height: height}
	ops := burnchain.Operations{
		LeaderKeys:  []burnchain.LeaderKeyRegistration{{BlockHeight: 0, VtxIndex: 0}},
		Commitments: []burnchain.LeaderBlockCommitment{{BlockHash: winner, KeyBlockPtr: 0, KeyVtxIndex: 0, Burn: 10}},
	}
	snap, transition, err := ss.EvaluateSortition(header, ops, parent, nil)
	require.NoError(t, err)
	require.True(t, transition.IsPreparePhaseEnd)
	return snap
}

// stageBlockFor stages a minimal attachable block under the given winning
// sortition, so the test can assert it gets orphaned by a reorg.
func stageBlockFor(t *testing.T, cs *chainstate.Store, snap sortition.Snapshot) chainstate.IndexBlockHash {
	t.Helper()
	ibh := chainstate.DeriveIndexBlockHash(snap.ConsensusHash(), snap.Winner.StacksBlockHash)
	require.NoError(t, cs.PutStagingBlock(chainstate.StagingBlock{
		IndexBlockHash: ibh,
		ConsensusHash:  snap.ConsensusHash(),
		BlockHash:      snap.Winner.StacksBlockHash,
		Attachable:     true,
	}))
	return ibh
}

// TestReconcilePoxAnchorConvergesOnFirstDecision is the spec's mandatory
// reorg-convergence property test's baseline: the first prepare-end
// decision a coordinator ever sees is recorded without any invalidation,
// since there is nothing yet to reconcile against.
func TestReconcilePoxAnchorConvergesOnFirstDecision(t *testing.T) {
	ss, cs := openReorgTestStores(t)
	s := newReorgTestService(t, ss, cs)

	var blockHashA, winnerX chainhash.Hash
	blockHashA[0] = 0xA1
	winnerX[0] = 0xC1
	snapA := evaluateAnchor(t, ss, ss.Tip(), 1, blockHashA, winnerX)
	ibh := stageBlockFor(t, cs, snapA)

	require.NoError(t, s.reconcilePoxAnchor(snapA))

	require.Equal(t, winnerX, s.lastKnownAnchor)
	require.Equal(t, blockHashA, s.lastKnownAnchorBurnHash)
	require.True(t, s.lastKnownAnchorSet)

	got, err := cs.GetStagingBlock(ibh)
	require.NoError(t, err)
	require.False(t, got.Orphaned, "a first decision must not orphan anything")
}

// TestReconcilePoxAnchorIgnoresOrdinaryForwardProgress asserts that a later
// reward cycle electing a different anchor (the ordinary case: every cycle
// picks its own winner) never invalidates or orphans the prior cycle's
// accepted staging block — only a same-height divergence is a real reorg.
func TestReconcilePoxAnchorIgnoresOrdinaryForwardProgress(t *testing.T) {
	ss, cs := openReorgTestStores(t)
	s := newReorgTestService(t, ss, cs)

	var blockHashA, winnerX, blockHashB, winnerY chainhash.Hash
	blockHashA[0], winnerX[0] = 0xA1, 0xC1
	blockHashB[0], winnerY[0] = 0xB2, 0xC2

	snapA := evaluateAnchor(t, ss, ss.Tip(), 1, blockHashA, winnerX)
	ibhA := stageBlockFor(t, cs, snapA)
	require.NoError(t, s.reconcilePoxAnchor(snapA))

	snapB := evaluateAnchor(t, ss, ss.Tip(), 2, blockHashB, winnerY)
	require.NoError(t, s.reconcilePoxAnchor(snapB))

	require.Equal(t, winnerY, s.lastKnownAnchor)
	require.Equal(t, blockHashB, s.lastKnownAnchorBurnHash)

	got, err := cs.GetStagingBlock(ibhA)
	require.NoError(t, err)
	require.False(t, got.Orphaned, "a later, different-height cycle must not orphan an earlier cycle's accepted block")
}

// TestReconcilePoxAnchorConvergesOnSameHeightReorg is the spec's mandatory
// reorg-convergence property test: a burn-chain fork that re-decides the
// same prepare-end height with a different winner invalidates the losing
// fork's sortitions, orphans its staging block, and converges lastKnownAnchor
// onto the new winner — regardless of how many times the new decision is
// replayed afterward.
func TestReconcilePoxAnchorConvergesOnSameHeightReorg(t *testing.T) {
	ss, cs := openReorgTestStores(t)
	s := newReorgTestService(t, ss, cs)

	var blockHashA, winnerX, blockHashA2, winnerZ chainhash.Hash
	blockHashA[0], winnerX[0] = 0xA1, 0xC1
	blockHashA2[0], winnerZ[0] = 0xA9, 0xC9

	snapA := evaluateAnchor(t, ss, ss.Tip(), 1, blockHashA, winnerX)
	ibhA := stageBlockFor(t, cs, snapA)
	require.NoError(t, s.reconcilePoxAnchor(snapA))
	require.Equal(t, winnerX, s.lastKnownAnchor)

	// The burn chain forks: a competing block at the same height 1 wins
	// with a different Stacks block commitment. Both snapshots share the
	// same genesis parent, since neither has been orphaned at the
	// sortition-DAG level yet.
	snapA2 := evaluateAnchor(t, ss, sortition.ID{}, 1, blockHashA2, winnerZ)

	require.NoError(t, s.reconcilePoxAnchor(snapA2))

	require.Equal(t, winnerZ, s.lastKnownAnchor, "the fork's winner must become authoritative")
	require.Equal(t, blockHashA2, s.lastKnownAnchorBurnHash)

	got, err := cs.GetStagingBlock(ibhA)
	require.NoError(t, err)
	require.True(t, got.Orphaned, "the losing fork's staging block must be orphaned")

	// Convergence: replaying the same winning decision again (a duplicate
	// notification) must be a no-op, not a repeated reorg.
	require.NoError(t, s.reconcilePoxAnchor(snapA2))
	require.Equal(t, winnerZ, s.lastKnownAnchor)
	require.Equal(t, blockHashA2, s.lastKnownAnchorBurnHash)
}
