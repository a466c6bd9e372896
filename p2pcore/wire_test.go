package p2pcore

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	Nonce uint32 `bson:"nonce"`
}

// TestEncodeDecodeVerifyRoundTrip is the spec's mandatory wire round-trip
// property test: a message encoded with a private key decodes back to an
// identical preamble/kind/payload and verifies against the matching
// public key.
func TestEncodeDecodeVerifyRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	pre := Preamble{
		PeerVersion:           0x00010000,
		NetworkID:             42,
		Seq:                   7,
		BurnBlockHeight:       100,
		StableBurnBlockHeight: 95,
	}
	pre.BurnConsensusHash[0] = 0xAB
	payload := pingPayload{Nonce: 123456}

	frame, err := Encode(pre, KindPing, payload, priv)
	require.NoError(t, err)

	msg, err := Decode(bytes.NewReader(frame), pre.PeerVersion, pre.NetworkID)
	require.NoError(t, err)
	require.Equal(t, KindPing, msg.Kind)
	require.Equal(t, pre.Seq, msg.Preamble.Seq)
	require.Equal(t, pre.BurnBlockHeight, msg.Preamble.BurnBlockHeight)
	require.Equal(t, pre.BurnConsensusHash, msg.Preamble.BurnConsensusHash)

	require.NoError(t, Verify(msg, priv.PubKey()))

	var decoded pingPayload
	require.NoError(t, DecodePayload(msg, &decoded))
	require.Equal(t, payload.Nonce, decoded.Nonce)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	frame, err := Encode(Preamble{PeerVersion: 1, NetworkID: 1}, KindPing, pingPayload{Nonce: 1}, priv)
	require.NoError(t, err)
	msg, err := Decode(bytes.NewReader(frame), 1, 1)
	require.NoError(t, err)

	require.Error(t, Verify(msg, other.PubKey()))
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	frame, err := Encode(Preamble{PeerVersion: 0x00010000, NetworkID: 1}, KindPing, pingPayload{}, priv)
	require.NoError(t, err)

	_, err = Decode(bytes.NewReader(frame), 0x00020000, 1)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodeRejectsNetworkMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	frame, err := Encode(Preamble{PeerVersion: 1, NetworkID: 1}, KindPing, pingPayload{}, priv)
	require.NoError(t, err)

	_, err = Decode(bytes.NewReader(frame), 1, 2)
	require.ErrorIs(t, err, ErrNetworkMismatch)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x01, 0x02}), 1, 1)
	require.ErrorIs(t, err, ErrTruncatedFrame)
}
