package coordinator

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/downloader"
	"github.com/blockstack/stacks-blockchain/errutil"
)

// AcceptBlock implements downloader.ArtifactSink: decode the wire-format
// body, stage it, and wake the event loop via NotifyNewStacksBlock (spec
// §4.5 step 8 "Emit accepted artifacts to the coordinator's input queue").
func (s *Service) AcceptBlock(fb downloader.FetchedBlock) error {
	parsed, err := chainstate.DecodeAnchoredBlock(fb.Data)
	if err != nil {
		return errutil.NewDropEvent(errors.Wrap(err, "decoding anchored block body"))
	}
	blockHash := chainstate.BlockHash(parsed.Header)
	if blockHash != fb.AnchorBlockHash {
		return errutil.NewDropEvent(errors.New("anchored block hash does not match its commitment"))
	}

	ibh := chainstate.DeriveIndexBlockHash(fb.ConsensusHash, blockHash)
	b := chainstate.StagingBlock{
		IndexBlockHash:  ibh,
		ConsensusHash:   fb.ConsensusHash,
		BlockHash:       blockHash,
		ParentBlockHash: parsed.Header.ParentBlockHash,
		Height:          fb.SortitionHeight,
		Data:            fb.Data,
	}

	parentIBH := chainstate.DeriveIndexBlockHash(fb.ConsensusHash, parsed.Header.ParentBlockHash)
	if parent, err := s.chainstateStore.GetStagingBlock(parentIBH); err == nil && parent.Processed {
		b.Attachable = true
	} else if parsed.Header.ParentBlockHash == (chainhash.Hash{}) {
		b.Attachable = true // genesis has no parent to wait on.
	}

	if err := s.chainstateStore.PutStagingBlock(b); err != nil {
		return err
	}
	s.NotifyNewStacksBlock(ibh)
	return nil
}

// AcceptMicroblocks implements downloader.ArtifactSink: stage every
// microblock in a continuity-validated stream.
func (s *Service) AcceptMicroblocks(fm downloader.FetchedMicroblocks) error {
	for i, data := range fm.Microblocks {
		key := chainstate.MicroblockKey{
			AnchorConsensusHash: fm.ConsensusHash,
			AnchorBlockHash:     fm.AnchorBlockHash,
			MicroblockHash:      chainhash.DoubleHashH(data),
		}
		if err := s.chainstateStore.PutStagingMicroblock(chainstate.StagingMicroblock{
			Key:      key,
			Sequence: uint16(i),
			Data:     data,
		}); err != nil {
			return errutil.NewRetryLocal(err)
		}
	}
	return nil
}
