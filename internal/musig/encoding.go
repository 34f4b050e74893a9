package musig

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// PubNonce is a serialized public nonce pair R1 || R2.
type PubNonce [musig2.PubNonceSize]byte

// PartialSig is a serialized partial signature scalar.
type PartialSig [32]byte

// Point is a compressed secp256k1 public key.
type Point [btcec.PubKeyBytesLenCompressed]byte

// NewPoint serializes a public key.
func NewPoint(pub *btcec.PublicKey) Point {
	var p Point
	if pub != nil {
		copy(p[:], pub.SerializeCompressed())
	}
	return p
}

// PubKey parses the point.
func (p Point) PubKey() (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(p[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

func (p Point) String() string { return hex.EncodeToString(p[:]) }

func (p Point) MarshalText() ([]byte, error) { return marshalHex(p[:]) }

func (p *Point) UnmarshalText(b []byte) error { return unmarshalHex(b, p[:]) }

func (n PubNonce) String() string { return hex.EncodeToString(n[:]) }

func (n PubNonce) MarshalText() ([]byte, error) { return marshalHex(n[:]) }

func (n *PubNonce) UnmarshalText(b []byte) error { return unmarshalHex(b, n[:]) }

func (s PartialSig) MarshalText() ([]byte, error) { return marshalHex(s[:]) }

func (s *PartialSig) UnmarshalText(b []byte) error { return unmarshalHex(b, s[:]) }

func marshalHex(b []byte) ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

func unmarshalHex(text []byte, dst []byte) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("invalid length %d, want %d hex chars", len(text), 2*len(dst))
	}
	_, err := hex.Decode(dst, text)
	return err
}
