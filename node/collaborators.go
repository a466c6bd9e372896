package node

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/blockstack/stacks-blockchain/burnchain"
	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/httpapi"
	"github.com/blockstack/stacks-blockchain/sortition"
)

// passthroughProcessor is the mocknet stand-in for the Clarity VM (spec §1
// "the smart-contract VM (referenced only as 'the evaluator')"): it
// accepts every staging block without running any state transition. A
// real deployment wires coordinator.Config.Processor to the actual
// evaluator instead.
type passthroughProcessor struct{}

func (passthroughProcessor) ProcessBlock(chainstate.StagingBlock) error { return nil }

// memMempool is the mocknet stand-in for the mempool (spec §1 "the
// mempool (referenced only by its push/drain interface)"): it accepts
// any well-formed submission and hands back a content hash, with no
// validation, fee-ranking, or propagation.
type memMempool struct {
	mu  sync.Mutex
	txs map[[32]byte][]byte
}

func newMemMempool() *memMempool {
	return &memMempool{txs: make(map[[32]byte][]byte)}
}

func (m *memMempool) AcceptTransaction(raw []byte) ([32]byte, error) {
	return m.accept(raw)
}

func (m *memMempool) AcceptMicroblock(raw []byte) ([32]byte, error) {
	return m.accept(raw)
}

func (m *memMempool) accept(raw []byte) ([32]byte, error) {
	if len(raw) == 0 {
		return [32]byte{}, errors.New("empty payload")
	}
	id := sha256.Sum256(raw)
	m.mu.Lock()
	m.txs[id] = raw
	m.mu.Unlock()
	return id, nil
}

// nullEvaluator is the mocknet stand-in for the Clarity evaluator's
// account-state read path: every account reports a zero balance since no
// state transition has actually run.
type nullEvaluator struct{}

func (nullEvaluator) GetAccount(principal string, tip chainstate.IndexBlockHash, withProof bool) (httpapi.AccountInfo, error) {
	info := httpapi.AccountInfo{Balance: "0", Nonce: 0}
	if withProof {
		info.Proof = fmt.Sprintf("%x", tip)
	}
	return info, nil
}

// nodeInfoProvider answers GET /v2/info from the anchor-chain view and
// sortition store directly, without needing a running coordinator.
type nodeInfoProvider struct {
	burnView       *burnchain.View
	sortitionStore *sortition.Store
}

func (p nodeInfoProvider) NodeInfo() httpapi.NodeInfo {
	tip, _ := p.burnView.GetCanonicalTip()
	status, _ := p.burnView.Status()
	snap, _ := p.sortitionStore.GetSnapshot(p.sortitionStore.Tip())
	stacksTipStr := ""
	if snap.Winner != nil {
		stacksTipStr = snap.Winner.StacksBlockHash.String()
	}
	return httpapi.NodeInfo{
		BurnBlockHeight:       tip.Height,
		StableBurnBlockHeight: status.SyncHeight,
		StacksTipHeight:       snap.AnchorHeight,
		StacksTip:             stacksTipStr,
		ConsensusHash:         fmt.Sprintf("%x", snap.ConsensusHash()),
	}
}
