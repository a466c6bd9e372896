// Package downloader implements the Block Download Pipeline (spec §4.5):
// a six-state machine that scans sortition heights for advertised
// anchored blocks and confirmed microblock streams, resolves their
// peers' data URLs, dispatches bounded-concurrency HTTP fetches, validates
// what comes back, and emits accepted artifacts to the coordinator.
package downloader

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockstack/stacks-blockchain/invsync"
	"github.com/blockstack/stacks-blockchain/sortition"
)

// State is one stage of the download cycle (spec §4.5).
type State int

const (
	DNSLookupBegin State = iota
	DNSLookupFinish
	GetBlocksBegin
	GetBlocksFinish
	GetMicroblocksBegin
	GetMicroblocksFinish
	Done
)

func (s State) String() string {
	switch s {
	case DNSLookupBegin:
		return "DNSLookupBegin"
	case DNSLookupFinish:
		return "DNSLookupFinish"
	case GetBlocksBegin:
		return "GetBlocksBegin"
	case GetBlocksFinish:
		return "GetBlocksFinish"
	case GetMicroblocksBegin:
		return "GetMicroblocksBegin"
	case GetMicroblocksFinish:
		return "GetMicroblocksFinish"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// requestKey names one thing to fetch, per spec §4.5 step 4.
type requestKey struct {
	peer            invsync.PeerKey
	dataURL         string
	consensusHash   [20]byte
	anchorBlockHash chainhash.Hash
	sortitionHeight uint64
	// forMicroblocks distinguishes a block request from a microblock
	// stream request (the stream produced by this anchor's parent, per
	// spec §4.5 step 3).
	forMicroblocks bool
}

// FetchedBlock is an accepted anchored block body (spec §4.5 step 8).
type FetchedBlock struct {
	ConsensusHash   [20]byte
	AnchorBlockHash chainhash.Hash
	SortitionHeight uint64
	Data            []byte
}

// FetchedMicroblocks is an accepted, continuity-validated microblock
// stream.
type FetchedMicroblocks struct {
	ConsensusHash   [20]byte
	AnchorBlockHash chainhash.Hash
	SortitionHeight uint64
	Microblocks     [][]byte
}

// PeerDirectory resolves a peer's HTTP data URL, a narrow contract onto
// the P2P core's peer table (external to this package; spec §4.6 owns
// peer identity and connection state).
type PeerDirectory interface {
	// DataURL returns the base URL the downloader should issue anchored
	// block and microblock-stream HTTP requests against for peer.
	DataURL(peer invsync.PeerKey) (string, bool)
}

// PeerPenalizer is the sink for the per-cycle failure taxonomy (spec §4.5
// "Failure taxonomy"): dead peers should be disconnected, broken peers
// should also be banned. Implemented by the P2P core.
type PeerPenalizer interface {
	MarkDead(peer invsync.PeerKey)
	MarkBroken(peer invsync.PeerKey)
}

// ArtifactSink receives accepted downloads, implemented by the
// coordinator (or a thin adapter in front of it).
type ArtifactSink interface {
	AcceptBlock(FetchedBlock) error
	AcceptMicroblocks(FetchedMicroblocks) error
}

// InventorySource is the read-only view of invsync.Store the scan step
// needs (spec §4.5 step 1).
type InventorySource interface {
	ForEach(func(invsync.PeerKey, invsync.InvStats))
	Usable(peer invsync.PeerKey, localBV sortition.PoxBitvector) bool
}

// Config wires a Service's collaborators together.
type Config struct {
	Inventory        InventorySource
	Peers            PeerDirectory
	Penalizer        PeerPenalizer
	Sink             ArtifactSink
	SortitionStore   *sortition.Store
	ChainstateStore  ChainstateQuerier
	MaxInflight      int
	DNSTimeout       time.Duration
	ScanWindowHeight uint64
	// CycleInterval paces how often a full cycle runs when Done is
	// reached with nothing new, before exponential backoff takes over.
	CycleInterval time.Duration
}

// ChainstateQuerier is the narrow read contract onto chainstate.Store the
// skip step needs (spec §4.5 step 2: skip already-stored heights).
type ChainstateQuerier interface {
	HasBlock(consensusHash [20]byte, anchorBlockHash chainhash.Hash) bool
}
