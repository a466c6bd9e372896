package coordinator

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/downloader"
)

type acceptAllProcessor struct{}

func (acceptAllProcessor) ProcessBlock(chainstate.StagingBlock) error { return nil }

func newTestService(t *testing.T) *Service {
	t.Helper()
	cs, err := chainstate.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cs.Close()) })

	return New(context.Background(), &Config{
		ChainstateStore:   cs,
		Processor:         acceptAllProcessor{},
		NewAnchorBlockBuf: 1,
		NewStacksBlockBuf: 1,
	})
}

func TestAcceptBlockStagesGenesisAsAttachable(t *testing.T) {
	s := newTestService(t)

	header := chainstate.AnchoredBlockHeader{}
	blockHash := chainstate.BlockHash(header)
	consensusHash := [20]byte{0x01}
	fb := downloader.FetchedBlock{
		ConsensusHash:   consensusHash,
		AnchorBlockHash: blockHash,
		SortitionHeight: 1,
		Data:            chainstate.EncodeAnchoredBlock(chainstate.AnchoredBlock{Header: header}),
	}

	require.NoError(t, s.AcceptBlock(fb))

	ibh := chainstate.DeriveIndexBlockHash(consensusHash, blockHash)
	got, err := s.chainstateStore.GetStagingBlock(ibh)
	require.NoError(t, err)
	require.True(t, got.Attachable)
}

func TestAcceptBlockRejectsMismatchedCommitment(t *testing.T) {
	s := newTestService(t)

	header := chainstate.AnchoredBlockHeader{}
	fb := downloader.FetchedBlock{
		ConsensusHash:   [20]byte{0x01},
		AnchorBlockHash: chainhash.Hash{0xFF}, // does not match BlockHash(header)
		Data:            chainstate.EncodeAnchoredBlock(chainstate.AnchoredBlock{Header: header}),
	}

	err := s.AcceptBlock(fb)
	require.Error(t, err)
}

func TestAcceptBlockRejectsGarbageData(t *testing.T) {
	s := newTestService(t)
	err := s.AcceptBlock(downloader.FetchedBlock{Data: []byte{0x01, 0x02}})
	require.Error(t, err)
}

func TestAcceptBlockNotAttachableWithoutProcessedParent(t *testing.T) {
	s := newTestService(t)

	var header chainstate.AnchoredBlockHeader
	header.ParentBlockHash = chainhash.Hash{0x42} // unknown, unprocessed parent
	blockHash := chainstate.BlockHash(header)
	consensusHash := [20]byte{0x01}
	fb := downloader.FetchedBlock{
		ConsensusHash:   consensusHash,
		AnchorBlockHash: blockHash,
		Data:            chainstate.EncodeAnchoredBlock(chainstate.AnchoredBlock{Header: header}),
	}

	require.NoError(t, s.AcceptBlock(fb))

	ibh := chainstate.DeriveIndexBlockHash(consensusHash, blockHash)
	got, err := s.chainstateStore.GetStagingBlock(ibh)
	require.NoError(t, err)
	require.False(t, got.Attachable)
}

func TestAcceptMicroblocksStagesEachWithSequence(t *testing.T) {
	s := newTestService(t)

	fm := downloader.FetchedMicroblocks{
		ConsensusHash:   [20]byte{0x01},
		AnchorBlockHash: chainhash.Hash{0x02},
		Microblocks:     [][]byte{{0xAA}, {0xBB}, {0xCC}},
	}
	require.NoError(t, s.AcceptMicroblocks(fm))

	var anchorArr [32]byte
	copy(anchorArr[:], fm.AnchorBlockHash[:])
	stream, err := s.chainstateStore.MicroblocksForAnchor(fm.ConsensusHash, anchorArr)
	require.NoError(t, err)
	require.Len(t, stream, 3)
	for i, m := range stream {
		require.Equal(t, uint16(i), m.Sequence)
		require.Equal(t, fm.Microblocks[i], m.Data)
	}
}
