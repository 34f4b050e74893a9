package musig

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AdaptorSignature is an aggregated MuSig2 signature encrypted under an
// adaptor point T. It becomes a valid BIP-340 signature only after adding
// the discrete log t of T, and publishing that signature reveals t.
//
// With a nil T it is a plain signature that adapts with the zero scalar.
type AdaptorSignature struct {
	// R is the aggregate nonce point before the adaptor is added.
	R *btcec.PublicKey
	// T is the adaptor point, nil for a plain signature.
	T *btcec.PublicKey
	S btcec.ModNScalar
}

// NoncePoint returns R' = R + T, the nonce of the final signature.
func (a *AdaptorSignature) NoncePoint() (*btcec.JacobianPoint, error) {
	return addAdaptor(a.R, a.T)
}

// Verify checks s*G == ±R + e*Q for the x-only key Q, where the sign
// follows the parity of R'.
func (a *AdaptorSignature) Verify(msg [32]byte, key *btcec.PublicKey) error {
	rPrime, err := a.NoncePoint()
	if err != nil {
		return err
	}
	e := challenge(&rPrime.X, key, msg)

	var q btcec.JacobianPoint
	key.AsJacobian(&q)
	if q.Y.IsOdd() {
		q.Y.Negate(1)
		q.Y.Normalize()
	}
	var r btcec.JacobianPoint
	a.R.AsJacobian(&r)
	if rPrime.Y.IsOdd() {
		r.Y.Negate(1)
		r.Y.Normalize()
	}

	var eq, expected, actual btcec.JacobianPoint
	btcec.ScalarMultNonConst(e, &q, &eq)
	btcec.AddNonConst(&r, &eq, &expected)
	expected.ToAffine()
	btcec.ScalarBaseMultNonConst(&a.S, &actual)
	actual.ToAffine()
	if !expected.X.Equals(&actual.X) || !expected.Y.Equals(&actual.Y) {
		return fmt.Errorf("%w: adaptor signature does not verify", ErrInvalidSignature)
	}
	return nil
}

// Adapt decrypts the adaptor signature with the secret t. A nil t is only
// accepted for plain signatures.
func (a *AdaptorSignature) Adapt(t *btcec.ModNScalar) (*schnorr.Signature, error) {
	rPrime, err := a.NoncePoint()
	if err != nil {
		return nil, err
	}
	var secret btcec.ModNScalar
	if t != nil {
		secret.Set(t)
	}
	if err := a.checkSecret(&secret); err != nil {
		return nil, err
	}

	s := new(btcec.ModNScalar).Set(&a.S)
	if rPrime.Y.IsOdd() {
		s.Add(new(btcec.ModNScalar).NegateVal(&secret))
	} else {
		s.Add(&secret)
	}
	return schnorr.NewSignature(&rPrime.X, s), nil
}

// Reveal extracts the adaptor secret from a published signature that was
// produced by Adapt.
func (a *AdaptorSignature) Reveal(sig *schnorr.Signature) (*btcec.ModNScalar, error) {
	if a.T == nil {
		return nil, fmt.Errorf("%w: plain signature carries no secret", ErrInvalidSignature)
	}
	rPrime, err := a.NoncePoint()
	if err != nil {
		return nil, err
	}
	raw := sig.Serialize()
	var rx btcec.FieldVal
	if overflow := rx.SetByteSlice(raw[:32]); overflow {
		return nil, fmt.Errorf("%w: nonce overflow", ErrInvalidSignature)
	}
	if !rx.Equals(&rPrime.X) {
		return nil, fmt.Errorf("%w: signature nonce does not match adaptor nonce", ErrInvalidSignature)
	}
	var final btcec.ModNScalar
	if overflow := final.SetByteSlice(raw[32:]); overflow {
		return nil, fmt.Errorf("%w: scalar overflow", ErrInvalidSignature)
	}

	t := new(btcec.ModNScalar)
	if rPrime.Y.IsOdd() {
		t.Set(&a.S).Add(final.Negate())
	} else {
		t.Set(&final).Add(new(btcec.ModNScalar).NegateVal(&a.S))
	}
	if err := a.checkSecret(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (a *AdaptorSignature) checkSecret(t *btcec.ModNScalar) error {
	if a.T == nil {
		if !t.IsZero() {
			return fmt.Errorf("%w: secret given for plain signature", ErrSigningFailed)
		}
		return nil
	}
	var tG btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(t, &tG)
	tG.ToAffine()
	if !btcec.NewPublicKey(&tG.X, &tG.Y).IsEqual(a.T) {
		return fmt.Errorf("%w: secret does not match adaptor point", ErrSigningFailed)
	}
	return nil
}

// SecretKey converts a revealed adaptor secret into a private key.
func SecretKey(t *btcec.ModNScalar) *btcec.PrivateKey {
	return btcec.PrivKeyFromScalar(new(btcec.ModNScalar).Set(t))
}

func addAdaptor(r, t *btcec.PublicKey) (*btcec.JacobianPoint, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing nonce point", ErrInvalidSignature)
	}
	var out btcec.JacobianPoint
	r.AsJacobian(&out)
	if t != nil {
		var tj btcec.JacobianPoint
		t.AsJacobian(&tj)
		btcec.AddNonConst(&out, &tj, &out)
	}
	out.ToAffine()
	if isInfinity(&out) {
		return nil, fmt.Errorf("%w: adapted nonce is the point at infinity", ErrSigningFailed)
	}
	return &out, nil
}

// challenge computes e = H_BIP0340/challenge(x(R) || x(Q) || m).
func challenge(rx *btcec.FieldVal, key *btcec.PublicKey, msg [32]byte) *btcec.ModNScalar {
	rBytes := rx.Bytes()
	hash := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rBytes[:], schnorr.SerializePubKey(key), msg[:])
	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(hash))
	return &e
}
