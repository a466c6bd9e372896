package burnchain

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var log = logrus.WithField("prefix", "burnchain")

// ErrUnknownBlock is returned by GetBlock/GetAncestor when the requested
// anchor block is not present in the view.
var ErrUnknownBlock = errors.New("burnchain: unknown anchor block")

// Source is the narrow contract for the anchor-chain source (the Bitcoin
// indexer), kept external per spec §1. The view never talks to the wire
// protocol of the anchor chain itself; it only asks Source for headers and
// extracted operations, exactly as powchain.Web3Service asks its
// blockFetcher for raw eth1 blocks in block_reader.go.
type Source interface {
	// CanonicalTip returns the anchor-chain source's current best header.
	CanonicalTip() (Header, error)
	// BlockByHash returns the header and extracted operations for hash.
	BlockByHash(hash chainhash.Hash) (Header, Operations, error)
	// HeaderByHeight returns the header at height on the source's current
	// canonical fork.
	HeaderByHeight(height uint64) (Header, error)
	// Status reports the source's own sync progress.
	Status() (SyncStatus, error)
}

// View materializes the anchor chain into a durable, forkable record
// (spec §4.1). It is a thin cached read-through layer: the cache absorbs
// repeated ancestry walks (handle_new_anchor_block's "walk back through
// ancestors" and coordinator replay), the Source remains authoritative.
type View struct {
	mu     sync.RWMutex
	source Source
	cache  *ristretto.Cache
}

// NewView constructs a view over the given anchor-chain source.
func NewView(source Source) (*View, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &View{source: source, cache: cache}, nil
}

// GetCanonicalTip returns the anchor-chain source's current best header.
// A reorg in the anchor chain surfaces here as a changed return value; it
// is the coordinator's job to notice and re-evaluate affected sortitions.
func (v *View) GetCanonicalTip() (Header, error) {
	return v.source.CanonicalTip()
}

// GetBlock returns the header and operations for the named anchor block,
// consulting the cache before falling back to the source.
func (v *View) GetBlock(hash chainhash.Hash) (Header, Operations, error) {
	_, span := trace.StartSpan(context.TODO(), "burnchain.View.GetBlock")
	defer span.End()

	if cached, ok := v.cache.Get(hash); ok {
		entry := cached.(blockCacheEntry)
		span.AddAttributes(trace.BoolAttribute("cacheHit", true))
		return entry.header, entry.ops, nil
	}
	span.AddAttributes(trace.BoolAttribute("cacheHit", false))
	header, ops, err := v.source.BlockByHash(hash)
	if err != nil {
		return Header{}, Operations{}, errors.Wrapf(err, "fetching anchor block %s", hash)
	}
	v.cache.Set(hash, blockCacheEntry{header: header, ops: ops}, 1)
	return header, ops, nil
}

// GetAncestor returns the header at the named height, walking back from
// tip along whatever fork tip currently lies on. Ordering guarantee: the
// result is consistent with the anchor chain's own linearization at the
// time of the call (spec §4.1).
func (v *View) GetAncestor(tip chainhash.Hash, height uint64) (Header, error) {
	cur, _, err := v.GetBlock(tip)
	if err != nil {
		return Header{}, err
	}
	for cur.Height > height {
		cur, _, err = v.GetBlock(cur.ParentHash)
		if err != nil {
			return Header{}, errors.Wrapf(err, "walking ancestry from %s to height %d", tip, height)
		}
	}
	if cur.Height != height {
		return Header{}, errors.Wrapf(ErrUnknownBlock, "no ancestor at height %d above %s", height, tip)
	}
	return cur, nil
}

// GetHeadersSince returns headers from height+1 through the current
// canonical tip, inclusive, in ascending height order — the batch replay
// primitive handle_new_anchor_block uses to "walk back ... then re-play
// forward" (spec §4.3; SPEC_FULL.md burnchain supplement).
func (v *View) GetHeadersSince(height uint64) ([]Header, error) {
	tip, err := v.GetCanonicalTip()
	if err != nil {
		return nil, err
	}
	if tip.Height <= height {
		return nil, nil
	}
	headers := make([]Header, 0, tip.Height-height)
	cur := tip
	for cur.Height > height {
		headers = append(headers, cur)
		cur, _, err = v.GetBlock(cur.ParentHash)
		if err != nil {
			return nil, errors.Wrapf(err, "walking back from tip %s", tip.BlockHash)
		}
	}
	// Reverse into ascending height order for forward replay.
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers, nil
}

// Status reports the anchor-chain source's own sync progress (SPEC_FULL.md
// burnchain supplement).
func (v *View) Status() (SyncStatus, error) {
	return v.source.Status()
}

type blockCacheEntry struct {
	header Header
	ops    Operations
}
