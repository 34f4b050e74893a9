// Package musig implements two-party MuSig2 (BIP-327) key aggregation and
// signing with an adaptor point extension. Aggregated keys always carry the
// BIP-86 taproot tweak, so the aggregated point is the P2TR output key and
// outputs are spendable only through the key path.
package musig

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/pkg/helpers"
)

var (
	tagKeyAggList  = []byte("KeyAgg list")
	tagKeyAggCoeff = []byte("KeyAgg coefficient")
	tagNonceCoeff  = []byte("MuSig/noncecoef")
)

// AggKey is one party's share of a two-party aggregated key.
//
// The peer point can be set exactly once. After a successful Aggregate the
// key context (sorted keys, coefficients, tweak accumulators) is fixed and
// shared by every signing session created from it.
type AggKey struct {
	secret *btcec.PrivateKey
	pub    *btcec.PublicKey
	peer   *btcec.PublicKey

	keys   [2]*btcec.PublicKey
	coeffs [2]btcec.ModNScalar
	ownIdx int

	internal *btcec.PublicKey
	final    *btcec.PublicKey
	gacc     btcec.ModNScalar
	tacc     btcec.ModNScalar

	peerSecret *btcec.PrivateKey
	aggSecret  *btcec.PrivateKey
}

// NewAggKey creates a key share from a fresh random secret.
func NewAggKey() (*AggKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key share: %w", err)
	}
	return NewAggKeyFromPrivate(priv), nil
}

// NewAggKeyFromPrivate wraps an existing secret as a key share.
func NewAggKeyFromPrivate(priv *btcec.PrivateKey) *AggKey {
	return &AggKey{secret: priv, pub: priv.PubKey()}
}

// PubKey returns the own public share.
func (k *AggKey) PubKey() *btcec.PublicKey { return k.pub }

// PeerPubKey returns the peer share, nil before Aggregate.
func (k *AggKey) PeerPubKey() *btcec.PublicKey { return k.peer }

// Secret returns the own secret share.
func (k *AggKey) Secret() *btcec.PrivateKey { return k.secret }

// PeerSecret returns the peer secret once it was revealed or handed over.
func (k *AggKey) PeerSecret() *btcec.PrivateKey { return k.peerSecret }

// AggSecret returns the secret of the aggregated key once both shares are known.
func (k *AggKey) AggSecret() *btcec.PrivateKey { return k.aggSecret }

// IsAggregated reports whether the peer point has been set.
func (k *AggKey) IsAggregated() bool { return k.final != nil }

// AggPubKey returns the tweaked aggregated point (the P2TR output key).
func (k *AggKey) AggPubKey() (*btcec.PublicKey, error) {
	if k.final == nil {
		return nil, ErrNotAggregated
	}
	return k.final, nil
}

// InternalKey returns the untweaked aggregated point.
func (k *AggKey) InternalKey() (*btcec.PublicKey, error) {
	if k.internal == nil {
		return nil, ErrNotAggregated
	}
	return k.internal, nil
}

// Aggregate combines the own share with the peer share. Both parties obtain
// the same point regardless of which side calls it, because the shares are
// ordered by their compressed encoding first.
func (k *AggKey) Aggregate(peer *btcec.PublicKey) (*btcec.PublicKey, error) {
	if peer == nil {
		return nil, ErrInvalidKey
	}
	if k.final != nil {
		if k.peer.IsEqual(peer) {
			return k.final, nil
		}
		return nil, ErrPeerAlreadySet
	}
	if peer.IsEqual(k.pub) {
		return nil, ErrKeyReflection
	}

	keys := [2]*btcec.PublicKey{k.pub, peer}
	ownIdx := 0
	if helpers.CompareBytes(peer.SerializeCompressed(), k.pub.SerializeCompressed()) < 0 {
		keys = [2]*btcec.PublicKey{peer, k.pub}
		ownIdx = 1
	}

	first := keys[0].SerializeCompressed()
	second := keys[1].SerializeCompressed()
	list := chainhash.TaggedHash(tagKeyAggList, first, second)

	var coeffs [2]btcec.ModNScalar
	coeffs[0].SetByteSlice(chainhash.TaggedHash(tagKeyAggCoeff, list[:], first)[:])
	// The second distinct key always gets coefficient one.
	coeffs[1].SetInt(1)

	var p0, p1, q btcec.JacobianPoint
	keys[0].AsJacobian(&p0)
	keys[1].AsJacobian(&p1)
	btcec.ScalarMultNonConst(&coeffs[0], &p0, &p0)
	btcec.AddNonConst(&p0, &p1, &q)
	q.ToAffine()
	if isInfinity(&q) {
		return nil, fmt.Errorf("%w: aggregate is the point at infinity", ErrAggregationFailed)
	}
	internal := btcec.NewPublicKey(&q.X, &q.Y)

	// BIP-86 tweak with an empty script tree.
	var tweak btcec.ModNScalar
	tweakHash := chainhash.TaggedHash(chainhash.TagTapTweak, schnorr.SerializePubKey(internal))
	if overflow := tweak.SetBytes((*[32]byte)(tweakHash)); overflow != 0 {
		return nil, fmt.Errorf("%w: tweak overflow", ErrAggregationFailed)
	}

	var g btcec.ModNScalar
	g.SetInt(1)
	if q.Y.IsOdd() {
		g.Negate()
		q.Y.Negate(1)
		q.Y.Normalize()
	}
	var tG, tweaked btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&tweak, &tG)
	btcec.AddNonConst(&q, &tG, &tweaked)
	tweaked.ToAffine()
	if isInfinity(&tweaked) {
		return nil, fmt.Errorf("%w: tweaked key is the point at infinity", ErrAggregationFailed)
	}
	final := btcec.NewPublicKey(&tweaked.X, &tweaked.Y)

	// The result must agree with the reference aggregation.
	ref, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{k.pub, peer}, true, musig2.WithBIP86KeyTweak(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationFailed, err)
	}
	if !ref.FinalKey.IsEqual(final) || !ref.PreTweakedKey.IsEqual(internal) {
		return nil, fmt.Errorf("%w: reference aggregation mismatch", ErrAggregationFailed)
	}

	k.peer = peer
	k.keys = keys
	k.coeffs = coeffs
	k.ownIdx = ownIdx
	k.internal = internal
	k.final = final
	k.gacc = g
	k.tacc = tweak
	return final, nil
}

// AggregateSecret combines two secret shares into the secret of the
// aggregated key. The shares must be given in aggregation order (the share
// whose point sorts first comes first); any other order yields a scalar that
// does not match the aggregated point and fails with ErrAggregationFailed.
func (k *AggKey) AggregateSecret(first, second *btcec.PrivateKey) (*btcec.PrivateKey, error) {
	if k.final == nil {
		return nil, ErrNotAggregated
	}
	if first == nil || second == nil {
		return nil, fmt.Errorf("%w: missing secret share", ErrAggregationFailed)
	}

	var sum, term btcec.ModNScalar
	sum.Mul2(&k.coeffs[0], &first.Key)
	term.Mul2(&k.coeffs[1], &second.Key)
	sum.Add(&term)
	sum.Mul(&k.gacc)
	sum.Add(&k.tacc)
	if sum.IsZero() {
		return nil, fmt.Errorf("%w: zero aggregate secret", ErrAggregationFailed)
	}

	var check btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sum, &check)
	check.ToAffine()
	if !btcec.NewPublicKey(&check.X, &check.Y).IsEqual(k.final) {
		return nil, fmt.Errorf("%w: secret does not match aggregated point", ErrAggregationFailed)
	}
	return btcec.PrivKeyFromScalar(&sum), nil
}

// SetPeerSecret records the peer's secret share, revealed by an adaptor
// signature or handed over directly, and derives the aggregated secret.
func (k *AggKey) SetPeerSecret(sec *btcec.PrivateKey) error {
	if k.final == nil {
		return ErrNotAggregated
	}
	if sec == nil || !sec.PubKey().IsEqual(k.peer) {
		return fmt.Errorf("%w: secret does not match peer share", ErrAggregationFailed)
	}
	first, second := k.secret, sec
	if k.ownIdx == 1 {
		first, second = sec, k.secret
	}
	agg, err := k.AggregateSecret(first, second)
	if err != nil {
		return err
	}
	k.peerSecret = sec
	k.aggSecret = agg
	return nil
}

// PayToTaprootScript returns the P2TR script paying to the aggregated key.
func (k *AggKey) PayToTaprootScript() ([]byte, error) {
	if k.final == nil {
		return nil, ErrNotAggregated
	}
	return txscript.PayToTaprootScript(k.final)
}

// Address returns the P2TR address of the aggregated key.
func (k *AggKey) Address(params *chaincfg.Params) (btcutil.Address, error) {
	if k.final == nil {
		return nil, ErrNotAggregated
	}
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(k.final), params)
}

// PointScript returns the BIP-86 key-path P2TR script for a single point.
func PointScript(p *btcec.PublicKey) ([]byte, error) {
	if p == nil {
		return nil, ErrInvalidKey
	}
	return txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(p))
}

// SignKeySpend signs input idx of tx with the aggregated secret. Only
// possible once both shares are known to this party.
func (k *AggKey) SignKeySpend(tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher) (wire.TxWitness, error) {
	if k.aggSecret == nil {
		return nil, fmt.Errorf("%w: aggregated secret unknown", ErrSigningFailed)
	}
	hash, err := SigHash(tx, idx, fetcher)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(k.aggSecret, hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if !sig.Verify(hash[:], k.final) {
		return nil, fmt.Errorf("%w: aggregated secret signature", ErrInvalidSignature)
	}
	return wire.TxWitness{sig.Serialize()}, nil
}

// coefficient returns the aggregation coefficient of the given share.
func (k *AggKey) coefficient(p *btcec.PublicKey) (*btcec.ModNScalar, error) {
	for i := range k.keys {
		if bytes.Equal(k.keys[i].SerializeCompressed(), p.SerializeCompressed()) {
			return &k.coeffs[i], nil
		}
	}
	return nil, ErrInvalidKey
}

func isInfinity(p *btcec.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}
