// Package mocknet implements burnchain.Source for `burnchain.mode:
// mocknet` (spec §6 "Configuration"): an in-process, deterministically
// advancing anchor chain with no operations, for local development and
// testing without a real Bitcoin node. Every other mode (helium, neon,
// argon, krypton, xenon, mainnet) names a real Bitcoin RPC endpoint via
// burnchain.peer_host/rpc_port/username/password and is reached through
// the anchor-chain indexer, an external collaborator (spec §1) this
// repository does not implement.
package mocknet

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockstack/stacks-blockchain/burnchain"
)

// Source is a minimal, deterministic burnchain.Source: it advances one
// block per Interval, forever, starting from a fixed genesis hash. It
// carries no operations (no leader keys, no commitments) by itself — test
// callers append to Pending before a tick to simulate a miner commitment
// landing in the next block.
type Source struct {
	mu       sync.Mutex
	interval time.Duration
	headers  map[chainhash.Hash]burnchain.Header
	chain    []chainhash.Hash

	// Pending holds operations to attach to the next mined block. Callers
	// set it before a tick; the node package never writes to it.
	Pending burnchain.Operations

	opsByHash map[chainhash.Hash]burnchain.Operations
	stop      chan struct{}
}

// genesisSeed is fixed so every mocknet node starts from the same block 0.
var genesisSeed = sha256.Sum256([]byte("stacks-blockchain-mocknet-genesis"))

// New constructs a mocknet source that has not yet started ticking.
func New(interval time.Duration) *Source {
	genesis := chainhash.Hash(genesisSeed)
	s := &Source{
		interval:  interval,
		headers:   map[chainhash.Hash]burnchain.Header{genesis: {BlockHash: genesis, Height: 0, Timestamp: 0}},
		chain:     []chainhash.Hash{genesis},
		opsByHash: map[chainhash.Hash]burnchain.Operations{genesis: {}},
		stop:      make(chan struct{}),
	}
	return s
}

// Run advances the mocknet chain by one block every interval until
// stopped. Intended to run in its own goroutine, started by node.go
// alongside the rest of the services.
func (s *Source) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mine()
		}
	}
}

// Stop halts block production.
func (s *Source) Stop() { close(s.stop) }

func (s *Source) mine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := s.chain[len(s.chain)-1]
	parentHeader := s.headers[parent]
	next := deriveNextHash(parent, parentHeader.Height+1)
	header := burnchain.Header{
		BlockHash:  next,
		ParentHash: parent,
		Height:     parentHeader.Height + 1,
		Timestamp:  time.Now().Unix(),
	}
	s.headers[next] = header
	s.opsByHash[next] = s.Pending
	s.Pending = burnchain.Operations{}
	s.chain = append(s.chain, next)
}

func deriveNextHash(parent chainhash.Hash, height uint64) chainhash.Hash {
	h := sha256.New()
	h.Write(parent[:])
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	h.Write(heightBuf[:])
	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalTip implements burnchain.Source.
func (s *Source) CanonicalTip() (burnchain.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[s.chain[len(s.chain)-1]], nil
}

// BlockByHash implements burnchain.Source.
func (s *Source) BlockByHash(hash chainhash.Hash) (burnchain.Header, burnchain.Operations, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[hash]
	if !ok {
		return burnchain.Header{}, burnchain.Operations{}, burnchain.ErrUnknownBlock
	}
	return h, s.opsByHash[hash], nil
}

// HeaderByHeight implements burnchain.Source.
func (s *Source) HeaderByHeight(height uint64) (burnchain.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height >= uint64(len(s.chain)) {
		return burnchain.Header{}, burnchain.ErrUnknownBlock
	}
	return s.headers[s.chain[height]], nil
}

// Status implements burnchain.Source: mocknet is always fully synced with
// itself.
func (s *Source) Status() (burnchain.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tip := s.headers[s.chain[len(s.chain)-1]].Height
	return burnchain.SyncStatus{SyncHeight: tip, TipHeight: tip}, nil
}
