package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockstack/stacks-blockchain/chainstate"
)

func TestHandleNewStacksBlockDropsUnknownBlock(t *testing.T) {
	s := newTestService(t)
	err := s.HandleNewStacksBlock(chainstate.IndexBlockHash{0xFF})
	require.Error(t, err)
}

func TestHandleNewStacksBlockDropsOrphanedBlock(t *testing.T) {
	s := newTestService(t)
	b := chainstate.StagingBlock{IndexBlockHash: chainstate.IndexBlockHash{0x01}, Orphaned: true}
	require.NoError(t, s.chainstateStore.PutStagingBlock(b))

	err := s.HandleNewStacksBlock(b.IndexBlockHash)
	require.Error(t, err)
}

func TestHandleNewStacksBlockAcceptsAttachableBlock(t *testing.T) {
	s := newTestService(t)
	b := chainstate.StagingBlock{IndexBlockHash: chainstate.IndexBlockHash{0x01}, Attachable: true}
	require.NoError(t, s.chainstateStore.PutStagingBlock(b))

	require.NoError(t, s.HandleNewStacksBlock(b.IndexBlockHash))
}

func TestProcessReadyBlocksMarksProcessedAndPublishesTip(t *testing.T) {
	s := newTestService(t)
	b := chainstate.StagingBlock{IndexBlockHash: chainstate.IndexBlockHash{0x01}, Attachable: true, Height: 3}
	require.NoError(t, s.chainstateStore.PutStagingBlock(b))

	tipChan := make(chan CanonicalTipEvent, 1)
	sub := s.CanonicalTipFeed().Subscribe(tipChan)
	defer sub.Unsubscribe()

	require.NoError(t, s.ProcessReadyBlocks())

	got, err := s.chainstateStore.GetStagingBlock(b.IndexBlockHash)
	require.NoError(t, err)
	require.True(t, got.Processed)

	ev := <-tipChan
	require.Equal(t, b.IndexBlockHash, ev.IndexBlockHash)
	require.Equal(t, uint64(3), ev.Height)
}

func TestProcessReadyBlocksNoopWhenNothingAttachable(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.ProcessReadyBlocks())
}

func TestStatusReflectsStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &Config{Processor: acceptAllProcessor{}})
	require.NoError(t, s.Status())
	cancel()
	require.Error(t, s.Status())
}
