// Package sortition implements the authoritative per-sortition state (spec
// §4.2), backed by the indexed KV store (here, boltDB via the store
// package, grounded on beacon-chain/db/kv/kv.go). Head/tip bookkeeping is
// guarded by a single RWMutex the way beacon-chain/blockchain/chain_info.go
// guards headSlot/headBlock/headState with headLock.
package sortition

import (
	"bytes"
	"encoding/gob"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/burnchain"
	"github.com/blockstack/stacks-blockchain/errutil"
	"github.com/blockstack/stacks-blockchain/store"
)

var log = logrus.WithField("prefix", "sortition")

var (
	snapshotsBucket       = []byte("snapshots")        // sortition id -> gob(Snapshot)
	heightIndexBucket     = []byte("height-index")      // (tip sortition id, height) -> sortition id
	childrenBucket        = []byte("children")          // anchor block hash -> []sortition id
	anchorElectionBucket  = []byte("anchor-election")    // anchor block hash -> sortition id of its prepare-end
	rewardSetBucket       = []byte("reward-sets")        // cycle -> gob(RewardSet)
	invalidatedBucket     = []byte("invalidated")        // sortition id -> struct{}{} (tombstone)

	// ErrDuplicateSortition signals an idempotent no-op per spec §4.2.
	ErrDuplicateSortition = errors.New("sortition: duplicate sortition")
	// ErrNonContiguousParent is fatal to the caller per spec §4.2.
	ErrNonContiguousParent = errors.New("sortition: parent sortition is not contiguous")
	// ErrUnknownSortition is returned by lookups that find nothing.
	ErrUnknownSortition = errors.New("sortition: unknown sortition")
)

// Store is the authoritative per-sortition state.
type Store struct {
	db *store.Store

	mu         sync.RWMutex
	tip        ID
	stacksTip  [20]byte // consensus hash of the canonical Stacks tip's sortition
	constants  PoxConstants
	firstBlock uint64
}

// Open opens (or creates) the sortition store at dirPath/sortition.db, per
// spec §6 "<work_dir>/burnchain/db/<chain>/<network>/sortition.db/".
func Open(dirPath string, constants PoxConstants, firstBlockHeight uint64) (*Store, error) {
	db, err := store.Open(dirPath, "sortition.db",
		snapshotsBucket, heightIndexBucket, childrenBucket,
		anchorElectionBucket, rewardSetBucket, invalidatedBucket)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, constants: constants, firstBlock: firstBlockHeight}
	if err := s.loadGenesisIfEmpty(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadGenesisIfEmpty() error {
	_, err := s.getSnapshot(genesisSortitionID())
	if err == nil {
		s.tip = genesisSortitionID()
		return nil
	}
	genesis := Snapshot{
		SortitionID:       genesisSortitionID(),
		ParentSortitionID: genesisSortitionID(),
		PoxBitvector:      NewPoxBitvector(),
	}
	if err := s.putSnapshot(genesis); err != nil {
		return err
	}
	s.tip = genesis.SortitionID
	log.Info("Initialized sortition store at genesis")
	return nil
}

func genesisSortitionID() ID { return ID{} }

// EvaluateSortition is deterministic: given an anchor block's header, its
// operations, and the prior sortition, it validates commitments against
// still-live registered keys, selects at most one winner by highest burn
// (see scoreCommitments; no VRF weighting is applied), computes the new
// PoX bitvector, and persists a snapshot (spec §4.2).
func (s *Store) EvaluateSortition(
	header burnchain.Header,
	ops burnchain.Operations,
	parentSortitionID ID,
	rewardCycleInfo *RewardSet,
) (Snapshot, StateTransition, error) {
	parent, err := s.getSnapshot(parentSortitionID)
	if err != nil {
		return Snapshot{}, StateTransition{}, errutil.NewFatal(
			errors.Wrapf(ErrNonContiguousParent, "parent sortition %x not found", parentSortitionID))
	}
	if parent.AnchorHeight+1 != header.Height && !(parent.SortitionID == genesisSortitionID() && header.Height == s.firstBlock) {
		return Snapshot{}, StateTransition{}, errutil.NewFatal(
			errors.Wrapf(ErrNonContiguousParent, "parent at height %d cannot precede anchor %d", parent.AnchorHeight, header.Height))
	}

	isPrepareEnd := s.constants.IsPreparePhaseEnd(s.firstBlock, header.Height)

	// Idempotency: if this anchor block has already produced a sortition
	// under the parent's bitvector, return it unchanged rather than
	// re-deriving (duplicate sortition is a no-op, spec §4.2).
	provisionalBV := parent.PoxBitvector
	provisionalID := DeriveID(header.BlockHash, provisionalBV)
	if existing, err := s.getSnapshot(provisionalID); err == nil {
		return existing, StateTransition{IsPreparePhaseEnd: isPrepareEnd}, nil
	}

	winner, totalBurn, considered := scoreCommitments(ops)

	newBV := parent.PoxBitvector
	if isPrepareEnd {
		// PoX bitvector update policy (spec §4.2): selected & known ->
		// append 1; selected & unknown -> append 0, mark pending;
		// not selected -> append 0.
		selected := winner != nil
		known := selected // within the same evaluation, a freshly elected
		// anchor candidate becomes "known-processed" only once the
		// chainstate actually processes it; at sortition-evaluation time
		// we cannot yet know that, so the bit is provisionally 0 unless
		// the reward-cycle info passed in already reflects a known anchor
		// (i.e. this evaluation is a replay after the anchor was
		// processed).
		if rewardCycleInfo != nil {
			known = true
		} else {
			known = false
		}
		newBV = newBV.Append(selected && known)
	}

	snap := Snapshot{
		SortitionID:       DeriveID(header.BlockHash, newBV),
		ParentSortitionID: parent.SortitionID,
		AnchorBlockHash:   header.BlockHash,
		AnchorHeight:      header.Height,
		Winner:            winner,
		TotalBurn:         totalBurn,
		PoxBitvector:      newBV,
		RewardCycle:       s.constants.CycleOf(s.firstBlock, header.Height),
	}

	if err := s.putSnapshot(snap); err != nil {
		return Snapshot{}, StateTransition{}, errutil.NewRetryLocal(err)
	}
	if err := s.indexChild(parent.SortitionID, snap.SortitionID); err != nil {
		return Snapshot{}, StateTransition{}, errutil.NewRetryLocal(err)
	}
	if isPrepareEnd {
		if err := s.indexAnchorElection(header.BlockHash, snap.SortitionID); err != nil {
			return Snapshot{}, StateTransition{}, errutil.NewRetryLocal(err)
		}
	}
	if rewardCycleInfo != nil {
		if err := s.putRewardSet(*rewardCycleInfo); err != nil {
			return Snapshot{}, StateTransition{}, errutil.NewRetryLocal(err)
		}
	}

	s.mu.Lock()
	s.tip = snap.SortitionID
	s.mu.Unlock()

	return snap, StateTransition{
		ConsideredCommitments: considered.commitments,
		ConsideredUserBurns:   considered.userBurns,
		IsPreparePhaseEnd:     isPrepareEnd,
	}, nil
}

type considerCounts struct {
	commitments int
	userBurns   int
}

// scoreCommitments selects at most one winner: the commitment with the
// highest burn, ties broken by the lowest block hash. Burns are not
// weighted by any VRF output. Malformed ops (e.g. a commitment naming a
// key that never registered) are dropped, not fatal, per spec §4.2. This
// is plain domain arithmetic, not a library concern — see DESIGN.md for
// why no pack dependency covers leader election.
func scoreCommitments(ops burnchain.Operations) (*BlockElection, uint64, considerCounts) {
	liveKeys := make(map[uint64]map[uint32]bool, len(ops.LeaderKeys))
	for _, k := range ops.LeaderKeys {
		if liveKeys[k.BlockHeight] == nil {
			liveKeys[k.BlockHeight] = make(map[uint32]bool)
		}
		liveKeys[k.BlockHeight][k.VtxIndex] = true
	}

	var totalBurn uint64
	var best *burnchain.LeaderBlockCommitment
	var bestWeight uint64
	considered := considerCounts{}
	for i := range ops.Commitments {
		c := &ops.Commitments[i]
		if !liveKeys[c.KeyBlockPtr][c.KeyVtxIndex] {
			continue // malformed: no live key backing this commitment.
		}
		considered.commitments++
		totalBurn += c.Burn
		weight := c.Burn
		if best == nil || weight > bestWeight || (weight == bestWeight && less(c.BlockHash, best.BlockHash)) {
			best = c
			bestWeight = weight
		}
	}
	for _, u := range ops.UserBurns {
		if !liveKeys[u.KeyBlockPtr][u.KeyVtxIndex] {
			continue
		}
		considered.userBurns++
		totalBurn += u.Burn
	}

	if best == nil {
		return nil, totalBurn, considered
	}
	return &BlockElection{StacksBlockHash: best.BlockHash}, totalBurn, considered
}

func less(a, b chainhash.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// IsSortitionProcessed reports whether anchorBlockHash has already produced
// a sortition that lies on the fork rooted at sortitionTip.
func (s *Store) IsSortitionProcessed(anchorBlockHash chainhash.Hash, sortitionTip ID) (bool, error) {
	cur, err := s.getSnapshot(sortitionTip)
	if err != nil {
		return false, err
	}
	for {
		if cur.AnchorBlockHash == anchorBlockHash {
			return true, nil
		}
		if cur.SortitionID == genesisSortitionID() {
			return false, nil
		}
		cur, err = s.getSnapshot(cur.ParentSortitionID)
		if err != nil {
			return false, err
		}
	}
}

// GetAncestorSnapshot returns the sortition at the given anchor height on
// tip's fork, or nil if none exists.
func (s *Store) GetAncestorSnapshot(height uint64, tip ID) (*Snapshot, error) {
	cur, err := s.getSnapshot(tip)
	if err != nil {
		return nil, err
	}
	for cur.AnchorHeight > height {
		if cur.SortitionID == genesisSortitionID() {
			return nil, nil
		}
		cur, err = s.getSnapshot(cur.ParentSortitionID)
		if err != nil {
			return nil, err
		}
	}
	if cur.AnchorHeight != height {
		return nil, nil
	}
	return &cur, nil
}

// GetChosenPoxAnchor returns the reward cycle's selected anchor, if
// parentBhh is a prepare-phase-end anchor block: the winner already
// recorded in the sortition that block produced, or nil (spec §4.2).
func (s *Store) GetChosenPoxAnchor(parentBhh chainhash.Hash, _ PoxConstants) (*BlockElection, error) {
	id, err := s.lookupAnchorElection(parentBhh)
	if err != nil {
		if errors.Is(err, ErrUnknownSortition) {
			return nil, nil
		}
		return nil, err
	}
	snap, err := s.getSnapshot(id)
	if err != nil {
		return nil, err
	}
	return snap.Winner, nil
}

// GetPrepareEndFor locates the prepare-phase-end sortition that elected
// anchorBlockHash through the anchor-election index; sortitionTip is not
// consulted.
func (s *Store) GetPrepareEndFor(sortitionTip ID, anchorBlockHash chainhash.Hash) (*Snapshot, error) {
	id, err := s.lookupAnchorElection(anchorBlockHash)
	if err != nil {
		if errors.Is(err, ErrUnknownSortition) {
			return nil, nil
		}
		return nil, err
	}
	snap, err := s.getSnapshot(id)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetSnapshot is the public lookup by sortition id, used by invsync to
// validate inventory claims against real sortition history (spec §4.4).
func (s *Store) GetSnapshot(id ID) (Snapshot, error) {
	return s.getSnapshot(id)
}

// InvalidateDescendantsOf marks every sortition descending from
// anchorBlockHash's prepare-end as invalidated, used when a PoX-anchor
// discovery rewrites sortition history (spec §4.2). This runs inside the
// coordinator's transactional reorg boundary (spec §4.3); callers must not
// observe a partially-invalidated fork.
func (s *Store) InvalidateDescendantsOf(anchorBlockHash chainhash.Hash) error {
	prepEnd, err := s.GetPrepareEndFor(s.Tip(), anchorBlockHash)
	if err != nil {
		return err
	}
	if prepEnd == nil {
		return nil
	}
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		var walk func(id ID) error
		walk = func(id ID) error {
			if err := tx.Bucket(invalidatedBucket).Put(id[:], []byte{1}); err != nil {
				return err
			}
			children, err := childrenOf(tx, id)
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := walk(c); err != nil {
					return err
				}
			}
			return nil
		}
		children, err := childrenOf(tx, prepEnd.SortitionID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tip returns the current canonical sortition tip.
func (s *Store) Tip() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// SetTip sets the canonical sortition tip; only the coordinator's reorg
// procedure calls this directly (spec §4.3 step 4).
func (s *Store) SetTip(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = id
}

// RewardSetForCycle returns the cached reward set for a cycle, if computed
// (SPEC_FULL.md sortition supplement).
func (s *Store) RewardSetForCycle(cycle uint64) (*RewardSet, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], cycle)
	var rs RewardSet
	found := false
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(rewardSetBucket).Get(key[:])
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rs)
	})
	if err != nil || !found {
		return nil, err
	}
	return &rs, nil
}

func (s *Store) putRewardSet(rs RewardSet) error {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], rs.Cycle)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return err
	}
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rewardSetBucket).Put(key[:], buf.Bytes())
	})
}

// BurnDistributionFor returns each commitment's burn share at the sortition
// for the given anchor height on tip's fork (SPEC_FULL.md sortition
// supplement; read-model only).
func (s *Store) BurnDistributionFor(height uint64, tip ID) ([]BurnShare, error) {
	snap, err := s.GetAncestorSnapshot(height, tip)
	if err != nil || snap == nil {
		return nil, err
	}
	if snap.Winner == nil {
		return nil, nil
	}
	return []BurnShare{{StacksBlockHash: snap.Winner.StacksBlockHash, Burn: snap.TotalBurn}}, nil
}

func (s *Store) getSnapshot(id ID) (Snapshot, error) {
	if cached, ok := s.db.Cache().Get(id); ok {
		return cached.(Snapshot), nil
	}
	var snap Snapshot
	found := false
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotsBucket).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, errors.Wrapf(ErrUnknownSortition, "%x", id)
	}
	s.db.Cache().Set(id, snap, 1)
	return snap, nil
}

func (s *Store) putSnapshot(snap Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return err
	}
	if err := s.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(snap.SortitionID[:], buf.Bytes())
	}); err != nil {
		return err
	}
	s.db.Cache().Set(snap.SortitionID, snap, 1)
	return nil
}

func (s *Store) indexChild(parent, child ID) error {
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(childrenBucket)
		existing := b.Get(parent[:])
		var ids []ID
		if existing != nil {
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&ids); err != nil {
				return err
			}
		}
		ids = append(ids, child)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(ids); err != nil {
			return err
		}
		return b.Put(parent[:], buf.Bytes())
	})
}

func childrenOf(tx *bolt.Tx, parent ID) ([]ID, error) {
	raw := tx.Bucket(childrenBucket).Get(parent[:])
	if raw == nil {
		return nil, nil
	}
	var ids []ID
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) indexAnchorElection(anchorHash chainhash.Hash, sortitionID ID) error {
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(anchorElectionBucket).Put(anchorHash[:], sortitionID[:])
	})
}

func (s *Store) lookupAnchorElection(anchorHash chainhash.Hash) (ID, error) {
	var id ID
	found := false
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(anchorElectionBucket).Get(anchorHash[:])
		if raw == nil {
			return nil
		}
		found = true
		copy(id[:], raw)
		return nil
	})
	if err != nil {
		return ID{}, err
	}
	if !found {
		return ID{}, ErrUnknownSortition
	}
	return id, nil
}

// Close closes the underlying store.
func (s *Store) Close() error { return s.db.Close() }
