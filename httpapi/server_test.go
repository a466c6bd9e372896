package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockstack/stacks-blockchain/chainstate"
)

type fakeBlocks struct {
	blocks      map[chainstate.IndexBlockHash]chainstate.StagingBlock
	microblocks []chainstate.StagingMicroblock
}

func (f *fakeBlocks) GetStagingBlock(ibh chainstate.IndexBlockHash) (*chainstate.StagingBlock, error) {
	b, ok := f.blocks[ibh]
	if !ok {
		return nil, chainstate.ErrUnknownBlock
	}
	return &b, nil
}

func (f *fakeBlocks) MicroblocksForAnchor(_ [20]byte, _ [32]byte) ([]chainstate.StagingMicroblock, error) {
	return f.microblocks, nil
}

type fakeMempool struct{ accepted [][]byte }

func (m *fakeMempool) AcceptTransaction(raw []byte) ([32]byte, error) {
	m.accepted = append(m.accepted, raw)
	return [32]byte{0xAB}, nil
}

func (m *fakeMempool) AcceptMicroblock(raw []byte) ([32]byte, error) {
	m.accepted = append(m.accepted, raw)
	return [32]byte{0xCD}, nil
}

type fakeEvaluator struct{}

func (fakeEvaluator) GetAccount(principal string, tip chainstate.IndexBlockHash, withProof bool) (AccountInfo, error) {
	return AccountInfo{Balance: "100", Nonce: 1}, nil
}

type fakeInfo struct{}

func (fakeInfo) NodeInfo() NodeInfo {
	return NodeInfo{BurnBlockHeight: 7, StacksTip: "deadbeef"}
}

func newTestServer() (*Server, *fakeBlocks, *fakeMempool) {
	blocks := &fakeBlocks{blocks: map[chainstate.IndexBlockHash]chainstate.StagingBlock{}}
	mempool := &fakeMempool{}
	s := New("127.0.0.1:0", Config{
		Blocks:    blocks,
		Mempool:   mempool,
		Evaluator: fakeEvaluator{},
		Info:      fakeInfo{},
	})
	return s, blocks, mempool
}

func TestHandleGetBlockFound(t *testing.T) {
	s, blocks, _ := newTestServer()
	var ibh chainstate.IndexBlockHash
	ibh[0] = 0x01
	blocks.blocks[ibh] = chainstate.StagingBlock{IndexBlockHash: ibh, Data: []byte("block-data")}

	req := httptest.NewRequest(http.MethodGet, "/v2/blocks/"+hexEncode(ibh[:]), nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "block-data", w.Body.String())
}

func TestHandleGetBlockMalformedHash(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v2/blocks/not-a-hash", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetBlockNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	hexHash := make([]byte, 64)
	for i := range hexHash {
		hexHash[i] = 'a'
	}
	req := httptest.NewRequest(http.MethodGet, "/v2/blocks/"+string(hexHash), nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePostTransaction(t *testing.T) {
	s, _, mempool := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v2/transactions", bytes.NewReader([]byte("raw-tx")))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mempool.accepted, 1)
	require.Equal(t, []byte("raw-tx"), mempool.accepted[0])

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	want := [32]byte{0xAB}
	require.Equal(t, hexEncode(want[:]), resp["txid"])
}

func TestHandleInfo(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v2/info", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var info NodeInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	require.Equal(t, uint64(7), info.BurnBlockHeight)
	require.Equal(t, "deadbeef", info.StacksTip)
}

func TestHandleAccount(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v2/accounts/SP000000000000000000002Q6VF78", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var info AccountInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	require.Equal(t, "100", info.Balance)
}

func TestDecodeHexRoundTrip(t *testing.T) {
	src := []byte{0x01, 0xAB, 0xFF, 0x00}
	enc := hexEncode(src)
	dst := make([]byte, len(src))
	n, err := decodeHex(enc, dst)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.Equal(t, src, dst)
}

func TestDecodeHexInvalid(t *testing.T) {
	dst := make([]byte, 2)
	_, err := decodeHex("zz00", dst)
	require.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	s, _, _ := newTestServer()
	s.Start()
	require.NoError(t, s.Status())
	require.NoError(t, s.Stop())
}
