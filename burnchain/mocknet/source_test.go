package mocknet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockstack/stacks-blockchain/burnchain"
)

func TestNewStartsAtGenesis(t *testing.T) {
	s := New(0)
	tip, err := s.CanonicalTip()
	require.NoError(t, err)
	require.Equal(t, uint64(0), tip.Height)

	status, err := s.Status()
	require.NoError(t, err)
	require.True(t, status.Synced())
}

func TestMineAdvancesCanonicalTip(t *testing.T) {
	s := New(0)
	genesis, err := s.CanonicalTip()
	require.NoError(t, err)

	s.mine()

	tip, err := s.CanonicalTip()
	require.NoError(t, err)
	require.Equal(t, uint64(1), tip.Height)
	require.Equal(t, genesis.BlockHash, tip.ParentHash)
	require.NotEqual(t, genesis.BlockHash, tip.BlockHash)
}

func TestMineIsDeterministic(t *testing.T) {
	s1 := New(0)
	s2 := New(0)
	s1.mine()
	s2.mine()

	tip1, err := s1.CanonicalTip()
	require.NoError(t, err)
	tip2, err := s2.CanonicalTip()
	require.NoError(t, err)
	require.Equal(t, tip1.BlockHash, tip2.BlockHash)
}

func TestMineAttachesPendingOperationsAndClearsThem(t *testing.T) {
	s := New(0)
	s.Pending = burnchain.Operations{
		LeaderKeys: []burnchain.LeaderKeyRegistration{{VtxIndex: 1}},
	}
	s.mine()

	tip, err := s.CanonicalTip()
	require.NoError(t, err)
	_, ops, err := s.BlockByHash(tip.BlockHash)
	require.NoError(t, err)
	require.Len(t, ops.LeaderKeys, 1)

	require.Empty(t, s.Pending.LeaderKeys)
}

func TestBlockByHashUnknown(t *testing.T) {
	s := New(0)
	_, _, err := s.BlockByHash(s.headers[s.chain[0]].BlockHash)
	require.NoError(t, err) // genesis is known

	var unknown [32]byte
	unknown[0] = 0xFF
	_, _, err = s.BlockByHash(unknown)
	require.ErrorIs(t, err, burnchain.ErrUnknownBlock)
}

func TestHeaderByHeightOutOfRange(t *testing.T) {
	s := New(0)
	_, err := s.HeaderByHeight(5)
	require.ErrorIs(t, err, burnchain.ErrUnknownBlock)
}

func TestRunAndStop(t *testing.T) {
	s := New(1)
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	s.Stop()
	<-done
}
