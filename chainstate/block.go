package chainstate

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// vrfProofSize is the fixed encoded length of a VRF proof (spec §6
// "Anchored block wire format"), matching the teacher's use of
// fixed-width proof fields elsewhere in the anchor-chain header.
const vrfProofSize = 80

// AnchoredBlockHeader is the commitment the block hash covers (spec §6
// "Anchored block wire format": "Block hash is a cryptographic
// commitment over the header only").
type AnchoredBlockHeader struct {
	ParentBlockHash      chainhash.Hash
	ParentMicroblockHash chainhash.Hash
	ParentMicroblockSeq  uint16
	TxMerkleRoot         [32]byte
	StateRoot            [32]byte
	BurnConsensusHash    [20]byte
	MicroblockPubkeyHash [20]byte
	VRFProof             [vrfProofSize]byte
}

const headerSize = 32 + 32 + 2 + 32 + 32 + 20 + 20 + vrfProofSize

// AnchoredBlock is a decoded wire-format anchored block: its header plus
// a length-prefixed vector of raw transactions (spec §6).
type AnchoredBlock struct {
	Header       AnchoredBlockHeader
	Transactions [][]byte
}

// encodeHeader serializes a header to its fixed-width wire encoding,
// grounded on p2pcore/wire.go's encodePreamble (binary.Write field by
// field, big-endian, fixed layout).
func encodeHeader(h AnchoredBlockHeader) []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, h.ParentBlockHash[:]...)
	buf = append(buf, h.ParentMicroblockHash[:]...)
	seq := make([]byte, 2)
	binary.BigEndian.PutUint16(seq, h.ParentMicroblockSeq)
	buf = append(buf, seq...)
	buf = append(buf, h.TxMerkleRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.BurnConsensusHash[:]...)
	buf = append(buf, h.MicroblockPubkeyHash[:]...)
	buf = append(buf, h.VRFProof[:]...)
	return buf
}

func decodeHeader(r *bytes.Reader) (AnchoredBlockHeader, error) {
	var h AnchoredBlockHeader
	fields := [][]byte{
		h.ParentBlockHash[:], h.ParentMicroblockHash[:],
	}
	for _, f := range fields {
		if _, err := r.Read(f); err != nil {
			return h, errors.Wrap(err, "reading anchored block header")
		}
	}
	var seq [2]byte
	if _, err := r.Read(seq[:]); err != nil {
		return h, errors.Wrap(err, "reading parent microblock sequence")
	}
	h.ParentMicroblockSeq = binary.BigEndian.Uint16(seq[:])
	for _, f := range [][]byte{h.TxMerkleRoot[:], h.StateRoot[:], h.BurnConsensusHash[:], h.MicroblockPubkeyHash[:], h.VRFProof[:]} {
		if _, err := r.Read(f); err != nil {
			return h, errors.Wrap(err, "reading anchored block header")
		}
	}
	return h, nil
}

// BlockHash computes the block's hash commitment: double-SHA256 over the
// header encoding only (spec §6: "Block hash is a cryptographic
// commitment over the header only").
func BlockHash(h AnchoredBlockHeader) chainhash.Hash {
	enc := encodeHeader(h)
	first := sha256.Sum256(enc)
	second := sha256.Sum256(first[:])
	var out chainhash.Hash
	copy(out[:], second[:])
	return out
}

// DecodeAnchoredBlock parses the wire format: header followed by a
// u32-length-prefixed vector of u32-length-prefixed transactions.
func DecodeAnchoredBlock(data []byte) (AnchoredBlock, error) {
	r := bytes.NewReader(data)
	header, err := decodeHeader(r)
	if err != nil {
		return AnchoredBlock{}, err
	}
	var numTxs uint32
	if err := binary.Read(r, binary.BigEndian, &numTxs); err != nil {
		return AnchoredBlock{}, errors.Wrap(err, "reading transaction count")
	}
	txs := make([][]byte, 0, numTxs)
	for i := uint32(0); i < numTxs; i++ {
		var txLen uint32
		if err := binary.Read(r, binary.BigEndian, &txLen); err != nil {
			return AnchoredBlock{}, errors.Wrapf(err, "reading length of transaction %d", i)
		}
		tx := make([]byte, txLen)
		if _, err := r.Read(tx); err != nil {
			return AnchoredBlock{}, errors.Wrapf(err, "reading transaction %d", i)
		}
		txs = append(txs, tx)
	}
	return AnchoredBlock{Header: header, Transactions: txs}, nil
}

// EncodeAnchoredBlock is the inverse of DecodeAnchoredBlock, used by
// tests and by mocknet block production.
func EncodeAnchoredBlock(b AnchoredBlock) []byte {
	out := encodeHeader(b.Header)
	numTxs := make([]byte, 4)
	binary.BigEndian.PutUint32(numTxs, uint32(len(b.Transactions)))
	out = append(out, numTxs...)
	for _, tx := range b.Transactions {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(tx)))
		out = append(out, lenBuf...)
		out = append(out, tx...)
	}
	return out
}
