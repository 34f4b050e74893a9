package musig

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/pkg/helpers"
)

// SessionState tracks the progress of one signing session.
type SessionState int

const (
	SessionFresh SessionState = iota
	SessionNonceGenerated
	SessionPartialSigned
	SessionAggregated
	SessionFinalized
)

func (s SessionState) String() string {
	switch s {
	case SessionFresh:
		return "fresh"
	case SessionNonceGenerated:
		return "nonce_generated"
	case SessionPartialSigned:
		return "partial_signed"
	case SessionAggregated:
		return "aggregated"
	case SessionFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Session is a single MuSig2 signing session over one aggregated key and one
// message. Its secret nonce is used at most once: signing moves it out of
// the session and wipes it, so a second signing attempt fails instead of
// leaking the key share.
type Session struct {
	key   *AggKey
	state SessionState

	secNonce *[musig2.SecNonceSize]byte
	pubNonce [musig2.PubNonceSize]byte

	msg       [32]byte
	peerNonce [musig2.PubNonceSize]byte
	adaptor   *btcec.PublicKey
	r         *btcec.PublicKey
	rOdd      bool
	b         btcec.ModNScalar
	e         btcec.ModNScalar
	partial   btcec.ModNScalar

	sig   *AdaptorSignature
	final *schnorr.Signature
}

// NewSession generates fresh nonces for signing with an aggregated key.
func NewSession(key *AggKey) (*Session, error) {
	if key == nil || !key.IsAggregated() {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, ErrNotAggregated)
	}
	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(key.pub),
		musig2.WithNonceSecretKeyAux(key.secret),
		musig2.WithNonceCombinedKeyAux(key.final),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrSigningFailed, err)
	}
	sec := nonces.SecNonce
	return &Session{
		key:      key,
		state:    SessionNonceGenerated,
		secNonce: &sec,
		pubNonce: nonces.PubNonce,
	}, nil
}

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// Key returns the aggregated key the session signs for.
func (s *Session) Key() *AggKey { return s.key }

// PubNonce returns the public nonce pair to send to the peer.
func (s *Session) PubNonce() PubNonce { return PubNonce(s.pubNonce) }

// Signature returns the aggregated adaptor signature, nil before Aggregate.
func (s *Session) Signature() *AdaptorSignature { return s.sig }

// Final returns the finalized signature, nil before Finalize.
func (s *Session) Final() *schnorr.Signature { return s.final }

// Sign produces the own partial signature over msg. A non-nil adaptor point
// makes the eventual aggregate an adaptor signature under that point.
func (s *Session) Sign(msg [32]byte, peerNonce PubNonce, adaptor *btcec.PublicKey) (PartialSig, error) {
	var out PartialSig
	if s.secNonce == nil {
		return out, fmt.Errorf("%w: %w", ErrSigningFailed, ErrNonceConsumed)
	}
	if s.state != SessionNonceGenerated {
		return out, fmt.Errorf("%w: %w: %s", ErrSigningFailed, ErrSessionState, s.state)
	}

	secNonce := s.secNonce
	s.secNonce = nil
	defer func() {
		for i := range secNonce {
			secNonce[i] = 0
		}
	}()

	if _, _, err := parseNonce(peerNonce); err != nil {
		return out, err
	}
	if peerNonce == s.PubNonce() {
		return out, fmt.Errorf("%w: peer nonce equals own nonce", ErrInvalidNonce)
	}

	if err := s.prepare(msg, peerNonce, adaptor); err != nil {
		return out, err
	}

	var k1, k2 btcec.ModNScalar
	k1.SetByteSlice(secNonce[:btcec.PrivKeyBytesLen])
	k2.SetByteSlice(secNonce[btcec.PrivKeyBytesLen : 2*btcec.PrivKeyBytesLen])
	if s.rOdd {
		k1.Negate()
		k2.Negate()
	}

	d := s.effectiveSecret()
	coeff, err := s.key.coefficient(s.key.pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	var partial, term btcec.ModNScalar
	partial.Set(&k1)
	term.Mul2(&s.b, &k2)
	partial.Add(&term)
	term.Mul2(&s.e, coeff).Mul(d)
	partial.Add(&term)

	k1.Zero()
	k2.Zero()
	d.Zero()

	if err := s.verifyPartial(&partial, s.PubNonce(), s.key.pub); err != nil {
		return out, fmt.Errorf("%w: own partial signature: %v", ErrSigningFailed, err)
	}

	s.partial = partial
	s.state = SessionPartialSigned
	out = PartialSig(partial.Bytes())
	return out, nil
}

// Aggregate verifies the peer's partial signature and combines it with the
// own one into an adaptor signature.
func (s *Session) Aggregate(peerPartial PartialSig) (*AdaptorSignature, error) {
	if s.state != SessionPartialSigned {
		return nil, fmt.Errorf("%w: %s", ErrSessionState, s.state)
	}
	var peer btcec.ModNScalar
	if overflow := peer.SetByteSlice(peerPartial[:]); overflow {
		return nil, fmt.Errorf("%w: scalar overflow", ErrInvalidPartialSig)
	}
	if err := s.verifyPartial(&peer, s.peerNonce, s.key.peer); err != nil {
		return nil, err
	}

	var sum, term btcec.ModNScalar
	sum.Add2(&s.partial, &peer)
	g := keyParity(s.key.final)
	term.Mul2(&s.e, g).Mul(&s.key.tacc)
	sum.Add(&term)

	sig := &AdaptorSignature{R: s.r, T: s.adaptor, S: sum}
	if err := sig.Verify(s.msg, s.key.final); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationFailed, err)
	}
	s.sig = sig
	s.state = SessionAggregated
	return sig, nil
}

// Finalize adapts the aggregated signature with t (nil for a plain
// signature) and verifies the result as a BIP-340 signature.
func (s *Session) Finalize(t *btcec.ModNScalar) (*schnorr.Signature, error) {
	if s.sig == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionState, s.state)
	}
	sig, err := s.sig.Adapt(t)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(s.msg[:], s.key.final) {
		return nil, fmt.Errorf("%w: final signature does not verify", ErrInvalidSignature)
	}
	s.final = sig
	s.state = SessionFinalized
	return sig, nil
}

// Reveal extracts the adaptor secret from a published signature.
func (s *Session) Reveal(sig *schnorr.Signature) (*btcec.ModNScalar, error) {
	if s.sig == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionState, s.state)
	}
	if !sig.Verify(s.msg[:], s.key.final) {
		return nil, fmt.Errorf("%w: published signature does not verify", ErrInvalidSignature)
	}
	return s.sig.Reveal(sig)
}

// SignTx signs input idx of tx. See Sign.
func (s *Session) SignTx(tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher,
	peerNonce PubNonce, adaptor *btcec.PublicKey) (PartialSig, error) {

	msg, err := SigHash(tx, idx, fetcher)
	if err != nil {
		return PartialSig{}, err
	}
	return s.Sign(msg, peerNonce, adaptor)
}

// FinalizeTx finalizes the signature and places it as the key-path witness
// of input idx.
func (s *Session) FinalizeTx(tx *wire.MsgTx, idx int, t *btcec.ModNScalar) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("%w: input %d out of range", ErrSigningFailed, idx)
	}
	sig, err := s.Finalize(t)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = wire.TxWitness{sig.Serialize()}
	return nil
}

// prepare derives the aggregate nonce, the nonce coefficient b, the
// (adapted) final nonce and the challenge e.
func (s *Session) prepare(msg [32]byte, peerNonce PubNonce, adaptor *btcec.PublicKey) error {
	nonces := [][musig2.PubNonceSize]byte{s.pubNonce, peerNonce}
	if helpers.CompareBytes(nonces[1][:], nonces[0][:]) < 0 {
		nonces[0], nonces[1] = nonces[1], nonces[0]
	}
	aggNonce, err := musig2.AggregateNonces(nonces)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	r1, r2, err := parseNonce(aggNonce)
	if err != nil {
		return err
	}

	hash := chainhash.TaggedHash(tagNonceCoeff, aggNonce[:], schnorr.SerializePubKey(s.key.final), msg[:])
	var b btcec.ModNScalar
	b.SetBytes((*[32]byte)(hash))

	var j1, j2, r btcec.JacobianPoint
	r1.AsJacobian(&j1)
	r2.AsJacobian(&j2)
	btcec.ScalarMultNonConst(&b, &j2, &j2)
	btcec.AddNonConst(&j1, &j2, &r)
	r.ToAffine()
	if isInfinity(&r) {
		var one btcec.ModNScalar
		one.SetInt(1)
		btcec.ScalarBaseMultNonConst(&one, &r)
		r.ToAffine()
	}
	rPub := btcec.NewPublicKey(&r.X, &r.Y)

	rPrime, err := addAdaptor(rPub, adaptor)
	if err != nil {
		return err
	}

	s.msg = msg
	s.peerNonce = peerNonce
	s.adaptor = adaptor
	s.r = rPub
	s.rOdd = rPrime.Y.IsOdd()
	s.b = b
	s.e = *challenge(&rPrime.X, s.key.final, msg)
	return nil
}

// effectiveSecret returns g*gacc*d for the own share, where g accounts for
// the parity of the aggregated key.
func (s *Session) effectiveSecret() *btcec.ModNScalar {
	d := new(btcec.ModNScalar).Set(&s.key.secret.Key)
	d.Mul(keyParity(s.key.final)).Mul(&s.key.gacc)
	return d
}

// verifyPartial checks s_i*G == ±(R_i1 + b*R_i2) + e*a_i*g*gacc*P_i.
func (s *Session) verifyPartial(partial *btcec.ModNScalar, nonce PubNonce, signer *btcec.PublicKey) error {
	r1, r2, err := parseNonce(nonce)
	if err != nil {
		return err
	}
	coeff, err := s.key.coefficient(signer)
	if err != nil {
		return fmt.Errorf("%w: unknown signer", ErrInvalidPartialSig)
	}

	var j1, j2, ri btcec.JacobianPoint
	r1.AsJacobian(&j1)
	r2.AsJacobian(&j2)
	btcec.ScalarMultNonConst(&s.b, &j2, &j2)
	btcec.AddNonConst(&j1, &j2, &ri)
	ri.ToAffine()
	if s.rOdd {
		ri.Y.Negate(1)
		ri.Y.Normalize()
	}

	var factor btcec.ModNScalar
	factor.Mul2(&s.e, coeff).Mul(keyParity(s.key.final)).Mul(&s.key.gacc)

	var p, ep, expected, actual btcec.JacobianPoint
	signer.AsJacobian(&p)
	btcec.ScalarMultNonConst(&factor, &p, &ep)
	btcec.AddNonConst(&ri, &ep, &expected)
	expected.ToAffine()
	btcec.ScalarBaseMultNonConst(partial, &actual)
	actual.ToAffine()

	if !expected.X.Equals(&actual.X) || !expected.Y.Equals(&actual.Y) {
		return ErrInvalidPartialSig
	}
	return nil
}

// keyParity returns 1 if the key has an even y coordinate and -1 otherwise.
func keyParity(key *btcec.PublicKey) *btcec.ModNScalar {
	g := new(btcec.ModNScalar).SetInt(1)
	if key.SerializeCompressed()[0] == 0x03 {
		g.Negate()
	}
	return g
}

func parseNonce(nonce [musig2.PubNonceSize]byte) (*btcec.PublicKey, *btcec.PublicKey, error) {
	r1, err := btcec.ParsePubKey(nonce[:btcec.PubKeyBytesLenCompressed])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	r2, err := btcec.ParsePubKey(nonce[btcec.PubKeyBytesLenCompressed:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return r1, r2, nil
}
