// Package coordinator implements the Chains Coordinator (spec §4.3): it
// watches the anchor chain for new blocks, evaluates sortitions, detects
// PoX-anchor driven reorgs, and hands newly-attachable Stacks blocks to the
// chainstate processor. Structurally it is one goroutine driven by a
// channel select loop, grounded on
// beacon-chain/blockchain/service.go's blockProcessing: a single-threaded
// consumer of an incoming-block feed that serializes all chain-state
// mutation through one loop rather than locking a shared structure from
// many goroutines.
package coordinator

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/burnchain"
	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/errutil"
	"github.com/blockstack/stacks-blockchain/sortition"
)

// CanonicalTipEvent is published on every successfully processed staging
// block, the narrow fact the event-observer fan-out (external
// collaborator, spec §1/§6 "events_observer[]") needs to forward.
type CanonicalTipEvent struct {
	IndexBlockHash chainstate.IndexBlockHash
	Height         uint64
}

var log = logrus.WithField("prefix", "coordinator")

// StacksBlockProcessor runs the state transition for one staging block
// (the Clarity VM / state-transition engine), an external collaborator
// per spec §1. The coordinator only decides *when* a block is ready; it
// never interprets transactions itself.
type StacksBlockProcessor interface {
	ProcessBlock(chainstate.StagingBlock) error
}

// Config wires a Service's collaborators together.
type Config struct {
	BurnView         *burnchain.View
	SortitionStore   *sortition.Store
	ChainstateStore  *chainstate.Store
	Processor        StacksBlockProcessor
	PoxConstants     sortition.PoxConstants
	FirstBlockHeight uint64
	// NewAnchorBlockBuf/NewStacksBlockBuf size the event channels; the
	// teacher sizes its equivalent incoming-block channel from
	// Config.IncomingBlockBuf (beacon-chain/blockchain/service.go).
	NewAnchorBlockBuf int
	NewStacksBlockBuf int
}

// Service is the Chains Coordinator.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	burnView        *burnchain.View
	sortitionStore  *sortition.Store
	chainstateStore *chainstate.Store
	processor       StacksBlockProcessor
	poxConstants    sortition.PoxConstants
	firstBlock      uint64

	newAnchorBlockChan chan chainhash.Hash
	newStacksBlockChan chan chainstate.IndexBlockHash

	// canonicalTipFeed publishes CanonicalTipEvent for external
	// subscribers (the event-observer fan-out), grounded on
	// beacon-chain/blockchain/service.go's canonicalBlockFeed.
	canonicalTipFeed event.Feed

	// lastKnownAnchor/lastKnownAnchorBurnHash/lastKnownAnchorHeight record
	// the most recent prepare-phase-end decision this coordinator has
	// reconciled: which Stacks block it chose, the burn-chain anchor hash
	// of the prepare-end sortition that chose it (the key
	// InvalidateDescendantsOf/GetPrepareEndFor actually index on — a
	// different hash space than lastKnownAnchor), and that sortition's
	// anchor height. A genuine PoX-anchor reorg only exists when a new
	// prepare-end arrives for the *same* height with a *different* burn
	// hash (the burn chain itself forked); a higher height naturally
	// elects a different anchor every reward cycle and is ordinary
	// forward progress, not a reorg.
	lastKnownAnchor         chainhash.Hash
	lastKnownAnchorBurnHash chainhash.Hash
	lastKnownAnchorHeight   uint64
	lastKnownAnchorSet      bool
}

// New constructs an unstarted Service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:                ctx,
		cancel:             cancel,
		burnView:           cfg.BurnView,
		sortitionStore:     cfg.SortitionStore,
		chainstateStore:    cfg.ChainstateStore,
		processor:          cfg.Processor,
		poxConstants:       cfg.PoxConstants,
		firstBlock:         cfg.FirstBlockHeight,
		newAnchorBlockChan: make(chan chainhash.Hash, cfg.NewAnchorBlockBuf),
		newStacksBlockChan: make(chan chainstate.IndexBlockHash, cfg.NewStacksBlockBuf),
	}
}

// Start launches the coordinator's event loop.
func (s *Service) Start() {
	log.Info("Starting chains coordinator")
	go s.run(s.ctx.Done())
}

// Stop shuts down the event loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping chains coordinator")
	return nil
}

// Status reports whether the coordinator's context is still live.
func (s *Service) Status() error {
	select {
	case <-s.ctx.Done():
		return errors.New("coordinator: context canceled")
	default:
		return nil
	}
}

// CanonicalTipFeed returns the feed external subscribers (the
// event-observer fan-out) should subscribe to for newly-processed blocks.
func (s *Service) CanonicalTipFeed() *event.Feed {
	return &s.canonicalTipFeed
}

// NotifyNewAnchorBlock is the entry point the burnchain watcher (or
// downloader, on catching up) calls when the anchor-chain source reports
// a new block.
func (s *Service) NotifyNewAnchorBlock(hash chainhash.Hash) {
	s.newAnchorBlockChan <- hash
}

// NotifyNewStacksBlock is the entry point the downloader calls once an
// anchored block's data is fully fetched and validated.
func (s *Service) NotifyNewStacksBlock(ibh chainstate.IndexBlockHash) {
	s.newStacksBlockChan <- ibh
}

func (s *Service) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			log.Debug("Coordinator context closed, exiting event loop")
			return
		case hash := <-s.newAnchorBlockChan:
			if err := s.HandleNewAnchorBlock(hash); err != nil {
				s.reportError("handle_new_anchor_block", err)
			}
		case ibh := <-s.newStacksBlockChan:
			if err := s.HandleNewStacksBlock(ibh); err != nil {
				s.reportError("handle_new_stacks_block", err)
				continue
			}
			if err := s.ProcessReadyBlocks(); err != nil {
				s.reportError("process_ready_blocks", err)
			}
		}
	}
}

func (s *Service) reportError(op string, err error) {
	switch {
	case errutil.IsDropEvent(err):
		log.Debugf("%s: dropping event: %v", op, err)
	case errutil.IsFatal(err):
		log.Errorf("%s: fatal error, coordinator may be inconsistent: %v", op, err)
	default:
		log.Warnf("%s: retryable error: %v", op, err)
	}
}

// HandleNewAnchorBlock implements spec §4.3's anchor-block handler: it
// replays forward from the notified block's height to the anchor-chain
// tip, evaluating one sortition per anchor block against the current
// sortition tip. If a prepare-phase end selects a PoX anchor that
// diverges from the one the current tip already committed to, it runs
// the reorg procedure before continuing the replay. It does not walk back
// past the notified block to an earlier unprocessed ancestor, and it does
// not call ProcessReadyBlocks between sortitions.
func (s *Service) HandleNewAnchorBlock(hash chainhash.Hash) error {
	header, _, err := s.burnView.GetBlock(hash)
	if err != nil {
		return errutil.NewRetryLocal(errors.Wrap(err, "fetching new anchor block"))
	}

	tip := s.sortitionStore.Tip()
	processed, err := s.sortitionStore.IsSortitionProcessed(hash, tip)
	if err != nil {
		return errutil.NewRetryLocal(err)
	}
	if processed {
		return nil // duplicate notification; evaluate_sortition is itself idempotent too.
	}

	headers, err := s.burnView.GetHeadersSince(header.Height - 1)
	if err != nil {
		return errutil.NewRetryLocal(errors.Wrap(err, "walking ancestry for replay"))
	}

	for _, h := range headers {
		_, hOps, err := s.burnView.GetBlock(h.BlockHash)
		if err != nil {
			return errutil.NewRetryLocal(err)
		}
		snap, transition, err := s.sortitionStore.EvaluateSortition(h, hOps, s.sortitionStore.Tip(), nil)
		if err != nil {
			return err // already classified by EvaluateSortition.
		}

		if transition.IsPreparePhaseEnd {
			if err := s.reconcilePoxAnchor(snap); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcilePoxAnchor runs the coordinator's reorg procedure (spec §4.3)
// when a newly-evaluated prepare-phase-end sortition's chosen PoX anchor
// diverges from what is already recorded.
func (s *Service) reconcilePoxAnchor(prepEndSnap sortition.Snapshot) error {
	chosen, err := s.sortitionStore.GetChosenPoxAnchor(prepEndSnap.AnchorBlockHash, s.poxConstants)
	if err != nil {
		return errutil.NewRetryLocal(err)
	}
	if chosen == nil {
		return nil // no commitment won this prepare-end; nothing to reconcile.
	}

	if !s.lastKnownAnchorSet {
		s.lastKnownAnchor = chosen.StacksBlockHash
		s.lastKnownAnchorBurnHash = prepEndSnap.AnchorBlockHash
		s.lastKnownAnchorHeight = prepEndSnap.AnchorHeight
		s.lastKnownAnchorSet = true
		return nil // first anchor decision; nothing to reconcile against.
	}

	// A reorg only exists when this prepare-end re-decides the SAME
	// height as the last one we reconciled, with a different underlying
	// burn block (the burn chain itself forked at or before this height).
	// A higher height is ordinary forward progress: each reward cycle
	// legitimately elects its own new anchor, and that alone must never
	// invalidate the chain leading up to it.
	sameHeight := prepEndSnap.AnchorHeight == s.lastKnownAnchorHeight
	diverged := prepEndSnap.AnchorBlockHash != s.lastKnownAnchorBurnHash
	if !sameHeight || !diverged {
		s.lastKnownAnchor = chosen.StacksBlockHash
		s.lastKnownAnchorBurnHash = prepEndSnap.AnchorBlockHash
		s.lastKnownAnchorHeight = prepEndSnap.AnchorHeight
		return nil
	}

	// Step 1: identify the divergence point (the prepare-phase-end
	// sortition itself is where the two anchor choices split). Invalidate
	// and orphan lookups key on the burn-chain anchor hash, not the
	// Stacks block hash the two decisions disagree on.
	oldAnchorBurnHash := s.lastKnownAnchorBurnHash

	// Step 2: invalidate every sortition descending from the old anchor's
	// prepare-end on this fork.
	if err := s.sortitionStore.InvalidateDescendantsOf(oldAnchorBurnHash); err != nil {
		return errutil.NewFatal(errors.Wrap(err, "invalidating descendants during pox-anchor reorg"))
	}

	// Step 3: mark the staging block that won the old anchor's prepare-end
	// sortition as orphaned, so process_ready_blocks never attaches it.
	// Only that one block is orphaned; blocks built on it are not.
	if err := s.orphanDescendants(oldAnchorBurnHash); err != nil {
		return errutil.NewFatal(errors.Wrap(err, "orphaning staging blocks during pox-anchor reorg"))
	}

	// Step 4: move the sortition tip to the prepare-end sortition that
	// chose the new anchor.
	s.sortitionStore.SetTip(prepEndSnap.SortitionID)

	// Step 5: the new anchor becomes authoritative; future replay and
	// process_ready_blocks calls build from it.
	s.lastKnownAnchor = chosen.StacksBlockHash
	s.lastKnownAnchorBurnHash = prepEndSnap.AnchorBlockHash
	s.lastKnownAnchorHeight = prepEndSnap.AnchorHeight

	log.WithFields(logrus.Fields{
		"old_anchor_burn_hash": oldAnchorBurnHash,
		"new_anchor":           chosen.StacksBlockHash,
	}).Warn("PoX anchor reorg: orphaned one fork's staging blocks")
	return nil
}

// orphanDescendants marks the staging block built on the losing anchor as
// orphaned. The sortition snapshot that elected it carries the consensus
// hash needed to rebuild its index_block_hash; callers with only the raw
// anchor block hash (as during a cold every-sortition reorg) must resolve
// the snapshot first.
func (s *Service) orphanDescendants(anchorBlockHash chainhash.Hash) error {
	prepEnd, err := s.sortitionStore.GetPrepareEndFor(s.sortitionStore.Tip(), anchorBlockHash)
	if err != nil {
		return err
	}
	if prepEnd == nil || prepEnd.Winner == nil {
		return nil
	}
	ibh := chainstate.DeriveIndexBlockHash(prepEnd.ConsensusHash(), prepEnd.Winner.StacksBlockHash)
	if err := s.chainstateStore.MarkOrphaned(ibh); err != nil {
		if errors.Is(err, chainstate.ErrUnknownBlock) {
			return nil // never staged locally; nothing to orphan.
		}
		return err
	}
	return nil
}

// HandleNewStacksBlock implements spec §4.3/§4.5's staging handoff: once
// the downloader hands off a fully-fetched block, AcceptBlock has already
// written it to the chainstate store as staging and set its attachable
// flag; this only checks that the block is staged and not orphaned.
func (s *Service) HandleNewStacksBlock(ibh chainstate.IndexBlockHash) error {
	b, err := s.chainstateStore.GetStagingBlock(ibh)
	if err != nil {
		return errutil.NewDropEvent(err)
	}
	if b.Orphaned {
		return errutil.NewDropEvent(errors.New("new stacks block belongs to an orphaned fork"))
	}
	return nil
}

// ProcessReadyBlocks implements spec §4.3's processing step: take the
// lowest-height currently-attachable staging block, hand it to the
// state-transition processor and mark it processed on success. Each call
// processes at most one block.
func (s *Service) ProcessReadyBlocks() error {
	ready, err := s.chainstateStore.AttachableBlocks()
	if err != nil {
		return errutil.NewRetryLocal(err)
	}
	if len(ready) == 0 {
		return nil
	}
	// Process one staging block per call (Open Question, resolved per
	// DESIGN.md: bounds how long a single process_ready_blocks call can
	// hold up the event loop when a long run of attachable blocks
	// arrives at once; the caller's run loop re-enters this after every
	// new-stacks-block notification, so the backlog still drains, just
	// without starving the anchor-block channel).
	next := ready[0]
	if err := s.processor.ProcessBlock(next); err != nil {
		log.Warnf("Rejected staging block %x: %v", next.IndexBlockHash, err)
		return errutil.NewDropEvent(err)
	}
	if err := s.chainstateStore.MarkProcessed(next.IndexBlockHash, true); err != nil {
		return err
	}
	s.canonicalTipFeed.Send(CanonicalTipEvent{IndexBlockHash: next.IndexBlockHash, Height: next.Height})
	return nil
}
