package sortition

import (
	"github.com/prysmaticlabs/go-bitfield"
)

// PoxBitvector is the fork-local, append-only record of which reward
// cycles' anchor blocks were known-present at prepare-phase end (spec §3
// "PoX bitvector"). It is backed by go-bitfield.Bitlist, the same type
// beacon-chain/p2p uses for committee bitfields — reused here because a
// PoX bitvector is exactly that: one bit per reward cycle.
type PoxBitvector struct {
	bits bitfield.Bitlist
}

// NewPoxBitvector returns the empty bitvector of the genesis sortition.
func NewPoxBitvector() PoxBitvector {
	return PoxBitvector{bits: bitfield.NewBitlist(0)}
}

// Len reports the number of reward cycles this bitvector has an opinion on.
func (p PoxBitvector) Len() uint64 {
	return p.bits.Len()
}

// BitAt reports whether the anchor block for reward cycle i was known
// present at prepare-phase end. Returns false if i >= Len(), as
// go-bitfield.Bitlist.BitAt does.
func (p PoxBitvector) BitAt(i uint64) bool {
	return p.bits.BitAt(i)
}

// Append extends the bitvector by exactly one bit, enforcing monotonicity:
// it is a programming error to clear a bit, so Append only ever adds,
// never rewrites, existing positions (spec §3 invariant "PoX bitvector is
// monotone per fork").
func (p PoxBitvector) Append(set bool) PoxBitvector {
	grown := bitfield.NewBitlist(p.bits.Len() + 1)
	for i := uint64(0); i < p.bits.Len(); i++ {
		if p.bits.BitAt(i) {
			grown.SetBitAt(i, true)
		}
	}
	if set {
		grown.SetBitAt(p.bits.Len(), true)
	}
	return PoxBitvector{bits: grown}
}

// Bytes returns the raw bit-packed representation, used as part of the
// sortition_id derivation (spec §3: "Identified by a sortition_id derived
// from (anchor block hash, PoX bitvector)").
func (p PoxBitvector) Bytes() []byte {
	return p.bits.Bytes()
}

// GobEncode writes the raw bitlist, so a Snapshot carrying a bitvector can
// be persisted with encoding/gob despite the unexported bits field.
func (p PoxBitvector) GobEncode() ([]byte, error) {
	return append([]byte(nil), p.bits...), nil
}

// GobDecode restores a bitvector written by GobEncode.
func (p *PoxBitvector) GobDecode(data []byte) error {
	p.bits = bitfield.Bitlist(append([]byte(nil), data...))
	return nil
}

// HasPrefix reports whether p and other agree on every bit up to
// min(p.Len(), other.Len()) — used to detect "two forks that differ on any
// earlier bit are distinct sortition histories" (spec §3).
func (p PoxBitvector) HasPrefix(other PoxBitvector) bool {
	n := p.Len()
	if other.Len() < n {
		n = other.Len()
	}
	for i := uint64(0); i < n; i++ {
		if p.BitAt(i) != other.BitAt(i) {
			return false
		}
	}
	return true
}
