package chainstate

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPutGetStagingBlock(t *testing.T) {
	s := openTestStore(t)

	b := StagingBlock{
		IndexBlockHash: IndexBlockHash{0x01},
		ConsensusHash:  [20]byte{0x02},
		BlockHash:      chainhash.Hash{0x03},
		Height:         10,
	}
	require.NoError(t, s.PutStagingBlock(b))

	got, err := s.GetStagingBlock(b.IndexBlockHash)
	require.NoError(t, err)
	require.Equal(t, b, *got)
}

func TestGetStagingBlockUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetStagingBlock(IndexBlockHash{0xFF})
	require.Error(t, err)
}

func TestHasBlock(t *testing.T) {
	s := openTestStore(t)
	consensusHash := [20]byte{0x01}
	blockHash := chainhash.Hash{0x02}

	require.False(t, s.HasBlock(consensusHash, blockHash))

	b := StagingBlock{
		IndexBlockHash: DeriveIndexBlockHash(consensusHash, blockHash),
		ConsensusHash:  consensusHash,
		BlockHash:      blockHash,
	}
	require.NoError(t, s.PutStagingBlock(b))

	require.True(t, s.HasBlock(consensusHash, blockHash))
}

func TestMarkProcessedPropagatesAttachableToChildren(t *testing.T) {
	s := openTestStore(t)

	parentHash := chainhash.Hash{0x01}
	parent := StagingBlock{
		IndexBlockHash: IndexBlockHash{0xAA},
		BlockHash:      parentHash,
	}
	require.NoError(t, s.PutStagingBlock(parent))

	child := StagingBlock{
		IndexBlockHash:  IndexBlockHash{0xBB},
		BlockHash:       chainhash.Hash{0x02},
		ParentBlockHash: parentHash,
		Attachable:      false,
	}
	require.NoError(t, s.PutStagingBlock(child))

	require.NoError(t, s.MarkProcessed(parent.IndexBlockHash, false))

	got, err := s.GetStagingBlock(child.IndexBlockHash)
	require.NoError(t, err)
	require.True(t, got.Attachable)

	gotParent, err := s.GetStagingBlock(parent.IndexBlockHash)
	require.NoError(t, err)
	require.True(t, gotParent.Processed)
}

func TestMarkOrphaned(t *testing.T) {
	s := openTestStore(t)
	b := StagingBlock{IndexBlockHash: IndexBlockHash{0x01}}
	require.NoError(t, s.PutStagingBlock(b))
	require.NoError(t, s.MarkOrphaned(b.IndexBlockHash))

	got, err := s.GetStagingBlock(b.IndexBlockHash)
	require.NoError(t, err)
	require.True(t, got.Orphaned)
}

func TestAttachableBlocksFiltersAndSortsByHeight(t *testing.T) {
	s := openTestStore(t)

	blocks := []StagingBlock{
		{IndexBlockHash: IndexBlockHash{0x01}, Height: 5, Attachable: true},
		{IndexBlockHash: IndexBlockHash{0x02}, Height: 2, Attachable: true},
		{IndexBlockHash: IndexBlockHash{0x03}, Height: 3, Attachable: false},
		{IndexBlockHash: IndexBlockHash{0x04}, Height: 1, Attachable: true, Processed: true},
		{IndexBlockHash: IndexBlockHash{0x05}, Height: 4, Attachable: true, Orphaned: true},
	}
	for _, b := range blocks {
		require.NoError(t, s.PutStagingBlock(b))
	}

	got, err := s.AttachableBlocks()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].Height)
	require.Equal(t, uint64(5), got[1].Height)
}

func TestPutMicroblockAndFetchStream(t *testing.T) {
	s := openTestStore(t)
	anchorConsensusHash := [20]byte{0x01}
	anchorBlockHash := chainhash.Hash{0x02}

	var key0 MicroblockKey
	key0.AnchorConsensusHash = anchorConsensusHash
	copy(key0.AnchorBlockHash[:], anchorBlockHash[:])
	key0.MicroblockHash = chainhash.Hash{0x10}

	key1 := key0
	key1.MicroblockHash = chainhash.Hash{0x11}

	m1 := StagingMicroblock{Key: key1, Sequence: 1, ParentHash: key0.MicroblockHash}
	m0 := StagingMicroblock{Key: key0, Sequence: 0, ParentHash: anchorBlockHash}

	require.NoError(t, s.PutStagingMicroblock(m1))
	require.NoError(t, s.PutStagingMicroblock(m0))

	var anchorArr [32]byte
	copy(anchorArr[:], anchorBlockHash[:])
	stream, err := s.MicroblocksForAnchor(anchorConsensusHash, anchorArr)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	require.Equal(t, uint16(0), stream[0].Sequence)
	require.Equal(t, uint16(1), stream[1].Sequence)

	require.NoError(t, ValidateMicroblockContinuity(anchorArr, stream))
}

func TestValidateMicroblockContinuityDetectsGap(t *testing.T) {
	anchorBlockHash := [32]byte{0x02}
	stream := []StagingMicroblock{
		{Sequence: 0, ParentHash: anchorBlockHash, Key: MicroblockKey{MicroblockHash: chainhash.Hash{0x10}}},
		{Sequence: 2, ParentHash: chainhash.Hash{0x10}, Key: MicroblockKey{MicroblockHash: chainhash.Hash{0x11}}},
	}
	require.Error(t, ValidateMicroblockContinuity(anchorBlockHash, stream))
}

func TestValidateMicroblockContinuityDetectsBrokenChain(t *testing.T) {
	anchorBlockHash := [32]byte{0x02}
	stream := []StagingMicroblock{
		{Sequence: 0, ParentHash: chainhash.Hash{0xFF}, Key: MicroblockKey{MicroblockHash: chainhash.Hash{0x10}}},
	}
	require.Error(t, ValidateMicroblockContinuity(anchorBlockHash, stream))
}
