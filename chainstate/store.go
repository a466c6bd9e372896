package chainstate

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/boltdb/bolt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/errutil"
	"github.com/blockstack/stacks-blockchain/store"
)

var log = logrus.WithField("prefix", "chainstate")

var (
	blocksBucket      = []byte("staging-blocks")
	childIndexBucket  = []byte("staging-blocks-by-parent")
	microblocksBucket = []byte("staging-microblocks")
	microIndexBucket  = []byte("staging-microblocks-by-anchor")

	// ErrUnknownBlock is returned when a staging block lookup misses.
	ErrUnknownBlock = errors.New("chainstate: unknown staging block")
)

// Store holds staging blocks and microblocks, backed by boltDB.
type Store struct {
	db *store.Store
}

// Open opens (or creates) the chainstate store at dirPath/chainstate.db.
func Open(dirPath string) (*Store, error) {
	db, err := store.Open(dirPath, "chainstate.db",
		blocksBucket, childIndexBucket, microblocksBucket, microIndexBucket)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// PutStagingBlock records a newly-received anchored block as staging
// (spec §4.5 "validate_anchored_block" success path).
func (s *Store) PutStagingBlock(b StagingBlock) error {
	if err := s.put(blocksBucket, b.IndexBlockHash[:], b); err != nil {
		return errutil.NewRetryLocal(err)
	}
	if err := s.indexChild(b.ParentBlockHash, b.IndexBlockHash); err != nil {
		return errutil.NewRetryLocal(err)
	}
	return nil
}

// GetStagingBlock looks up a staging block by its index_block_hash.
func (s *Store) GetStagingBlock(ibh IndexBlockHash) (*StagingBlock, error) {
	var b StagingBlock
	found, err := s.get(blocksBucket, ibh[:], &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrUnknownBlock, "%x", ibh)
	}
	return &b, nil
}

// HasBlock reports whether an anchored block is already staged (spec
// §4.5 step 2 "skip" — the downloader's scan step uses this to avoid
// re-requesting a block it already has, regardless of processing state).
func (s *Store) HasBlock(consensusHash [20]byte, anchorBlockHash chainhash.Hash) bool {
	ibh := DeriveIndexBlockHash(consensusHash, anchorBlockHash)
	_, err := s.GetStagingBlock(ibh)
	return err == nil
}

// MarkProcessed flags a staging block as processed by the chainstate
// processor (external collaborator), and marks every direct child as
// attachable (spec §4.5 "resolve" / §4.4 set_block_available propagation).
func (s *Store) MarkProcessed(ibh IndexBlockHash, processedParentHash bool) error {
	b, err := s.GetStagingBlock(ibh)
	if err != nil {
		return err
	}
	b.Processed = true
	if err := s.put(blocksBucket, ibh[:], *b); err != nil {
		return errutil.NewRetryLocal(err)
	}
	children, err := s.childrenOf(b.BlockHash)
	if err != nil {
		return errutil.NewRetryLocal(err)
	}
	for _, childIBH := range children {
		child, err := s.GetStagingBlock(childIBH)
		if err != nil {
			continue
		}
		child.Attachable = true
		if err := s.put(blocksBucket, childIBH[:], *child); err != nil {
			return errutil.NewRetryLocal(err)
		}
	}
	_ = processedParentHash
	return nil
}

// MarkOrphaned flags one staging block as orphaned after a PoX-anchor
// reorg invalidates the sortition that elected it (spec §4.2/§4.3 step 5).
// Its descendants are left unchanged.
func (s *Store) MarkOrphaned(ibh IndexBlockHash) error {
	b, err := s.GetStagingBlock(ibh)
	if err != nil {
		return err
	}
	b.Orphaned = true
	if err := s.put(blocksBucket, ibh[:], *b); err != nil {
		return errutil.NewFatal(err)
	}
	return nil
}

// AttachableBlocks returns every staging block that is attachable and not
// yet processed or orphaned — the candidate set for
// coordinator.ProcessReadyBlocks (spec §4.5 "resolve").
func (s *Store) AttachableBlocks() ([]StagingBlock, error) {
	var out []StagingBlock
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).ForEach(func(_, v []byte) error {
			var b StagingBlock
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&b); err != nil {
				return err
			}
			if b.Attachable && !b.Processed && !b.Orphaned {
				out = append(out, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}

// PutStagingMicroblock records one microblock of a stream.
func (s *Store) PutStagingMicroblock(m StagingMicroblock) error {
	key := microblockKeyBytes(m.Key)
	if err := s.put(microblocksBucket, key, m); err != nil {
		return errutil.NewRetryLocal(err)
	}
	return s.indexMicroblock(m.Key)
}

// MicroblocksForAnchor returns the stream following an anchored block,
// ordered by sequence number, per the GLOSSARY's "Microblock stream"
// ordering requirement.
func (s *Store) MicroblocksForAnchor(anchorConsensusHash [20]byte, anchorBlockHash [32]byte) ([]StagingMicroblock, error) {
	anchorKey := append(append([]byte{}, anchorConsensusHash[:]...), anchorBlockHash[:]...)
	var hashes [][32]byte
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(microIndexBucket).Get(anchorKey)
		if raw == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&hashes)
	})
	if err != nil {
		return nil, err
	}
	out := make([]StagingMicroblock, 0, len(hashes))
	for _, h := range hashes {
		key := MicroblockKey{AnchorConsensusHash: anchorConsensusHash, MicroblockHash: h}
		copy(key.AnchorBlockHash[:], anchorBlockHash[:])
		var m StagingMicroblock
		found, err := s.get(microblocksBucket, microblockKeyBytes(key), &m)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ValidateMicroblockContinuity checks that a stream's sequence numbers
// are contiguous from 0 and each microblock's ParentHash matches the
// previous microblock's hash (or the anchor block, for sequence 0)
// (spec §4.5 "validate microblock continuity").
func ValidateMicroblockContinuity(anchorBlockHash [32]byte, stream []StagingMicroblock) error {
	var prevHash [32]byte
	copy(prevHash[:], anchorBlockHash[:])
	for i, m := range stream {
		if int(m.Sequence) != i {
			return errors.Errorf("microblock stream gap: expected sequence %d, got %d", i, m.Sequence)
		}
		if m.ParentHash != prevHash {
			return errors.Errorf("microblock %d does not chain from its predecessor", m.Sequence)
		}
		prevHash = m.Key.MicroblockHash
	}
	return nil
}

func microblockKeyBytes(k MicroblockKey) []byte {
	buf := make([]byte, 0, 20+32+32)
	buf = append(buf, k.AnchorConsensusHash[:]...)
	buf = append(buf, k.AnchorBlockHash[:]...)
	buf = append(buf, k.MicroblockHash[:]...)
	return buf
}

func (s *Store) indexChild(parentHash [32]byte, child IndexBlockHash) error {
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(childIndexBucket)
		existing := b.Get(parentHash[:])
		var ids []IndexBlockHash
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
		return b.Put(parentHash[:], buf.Bytes())
	})
}

func (s *Store) childrenOf(parentHash [32]byte) ([]IndexBlockHash, error) {
	var ids []IndexBlockHash
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(childIndexBucket).Get(parentHash[:])
		if raw == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&ids)
	})
	return ids, err
}

func (s *Store) indexMicroblock(k MicroblockKey) error {
	anchorKey := append(append([]byte{}, k.AnchorConsensusHash[:]...), k.AnchorBlockHash[:]...)
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(microIndexBucket)
		existing := b.Get(anchorKey)
		var hashes [][32]byte
		if existing != nil {
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&hashes); err != nil {
				return err
			}
		}
		hashes = append(hashes, k.MicroblockHash)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(hashes); err != nil {
			return err
		}
		return b.Put(anchorKey, buf.Bytes())
	})
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	return s.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, buf.Bytes())
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) (bool, error) {
	found := false
	err := s.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
	})
	return found, err
}

// Close closes the underlying store.
func (s *Store) Close() error { return s.db.Close() }
