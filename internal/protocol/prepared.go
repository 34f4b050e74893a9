package protocol

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/musig"
)

// TxKind names a transaction of the trade graph.
type TxKind string

const (
	TxDeposit  TxKind = "deposit"
	TxWarning  TxKind = "warning"
	TxSwap     TxKind = "swap"
	TxClaim    TxKind = "claim"
	TxRedirect TxKind = "redirect"
	TxSweep    TxKind = "sweep"
)

// PreparedTx is a transaction spending aggregated-key outputs that both
// parties presign before the deposit confirms. Every input has its own
// signing session on the key that locks the spent output.
type PreparedTx struct {
	Kind  TxKind
	Owner Role // the party allowed to broadcast it

	tx       *wire.MsgTx
	fetcher  *txscript.MultiPrevOutFetcher
	keys     []*musig.AggKey
	sessions []*musig.Session
	signed   *wire.MsgTx
}

// newPreparedTx creates the signing sessions for tx. keys[i] locks the
// output spent by input i.
func newPreparedTx(kind TxKind, owner Role, tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut, keys []*musig.AggKey) (*PreparedTx, error) {

	if len(keys) != len(tx.TxIn) {
		return nil, fmt.Errorf("%s: %d keys for %d inputs", kind, len(keys), len(tx.TxIn))
	}
	p := &PreparedTx{
		Kind:    kind,
		Owner:   owner,
		tx:      tx,
		fetcher: musig.PrevOutFetcher(prevOuts),
		keys:    keys,
	}
	for i, key := range keys {
		if p.fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint) == nil {
			return nil, txError(kind, i, fmt.Errorf("%w: missing prevout", ErrSigningFailed))
		}
		s, err := musig.NewSession(key)
		if err != nil {
			return nil, txError(kind, i, err)
		}
		p.sessions = append(p.sessions, s)
	}
	return p, nil
}

// Tx returns the unsigned transaction.
func (p *PreparedTx) Tx() *wire.MsgTx { return p.tx }

// Signed returns the fully signed transaction, nil before Finalize.
func (p *PreparedTx) Signed() *wire.MsgTx { return p.signed }

// Adaptor returns the aggregated adaptor signature of the first input, nil
// before Aggregate.
func (p *PreparedTx) Adaptor() *musig.AdaptorSignature { return p.sessions[0].Signature() }

// Nonces returns the public nonce of every input session.
func (p *PreparedTx) Nonces() []musig.PubNonce {
	out := make([]musig.PubNonce, len(p.sessions))
	for i, s := range p.sessions {
		out[i] = s.PubNonce()
	}
	return out
}

// Sign produces the own partial signature for every input. A non-nil
// adaptor point turns the aggregate into an adaptor signature.
func (p *PreparedTx) Sign(peerNonces []musig.PubNonce, adaptor *btcec.PublicKey) ([]musig.PartialSig, error) {
	if len(peerNonces) != len(p.sessions) {
		return nil, txError(p.Kind, -1, fmt.Errorf("%w: %d nonces for %d inputs",
			ErrInvalidPeerData, len(peerNonces), len(p.sessions)))
	}
	out := make([]musig.PartialSig, len(p.sessions))
	for i, s := range p.sessions {
		partial, err := s.SignTx(p.tx, i, p.fetcher, peerNonces[i], adaptor)
		if err != nil {
			return nil, txError(p.Kind, i, err)
		}
		out[i] = partial
	}
	return out, nil
}

// Aggregate verifies and combines the peer's partial signatures.
func (p *PreparedTx) Aggregate(peerPartials []musig.PartialSig) error {
	if len(peerPartials) != len(p.sessions) {
		return txError(p.Kind, -1, fmt.Errorf("%w: %d partial signatures for %d inputs",
			ErrInvalidPeerData, len(peerPartials), len(p.sessions)))
	}
	for i, s := range p.sessions {
		if _, err := s.Aggregate(peerPartials[i]); err != nil {
			return txError(p.Kind, i, fmt.Errorf("%w: %w", ErrInvalidPeerSignature, err))
		}
	}
	return nil
}

// Finalize decrypts every input signature with secret (nil for plain
// signatures) and returns the signed transaction.
func (p *PreparedTx) Finalize(secret *btcec.ModNScalar) (*wire.MsgTx, error) {
	tx := p.tx.Copy()
	for i, s := range p.sessions {
		if err := s.FinalizeTx(tx, i, secret); err != nil {
			return nil, txError(p.Kind, i, err)
		}
	}
	p.signed = tx
	return tx, nil
}

// Reveal extracts the adaptor secret from a published version of this
// transaction.
func (p *PreparedTx) Reveal(published *wire.MsgTx) (*btcec.ModNScalar, error) {
	if published.TxHash() != p.tx.TxHash() {
		return nil, txError(p.Kind, -1, ErrTxMismatch)
	}
	sig, err := musig.ExtractKeyPathSignature(published, 0)
	if err != nil {
		return nil, txError(p.Kind, 0, err)
	}
	t, err := p.sessions[0].Reveal(sig)
	if err != nil {
		return nil, txError(p.Kind, 0, err)
	}
	p.signed = published.Copy()
	return t, nil
}

// Verify runs the script engine over every input of the signed transaction.
func (p *PreparedTx) Verify() error {
	if p.signed == nil {
		return txError(p.Kind, -1, fmt.Errorf("%w: not finalized", ErrSigningFailed))
	}
	return verifyInputs(p.Kind, p.signed, p.fetcher)
}

func verifyInputs(kind TxKind, tx *wire.MsgTx, fetcher txscript.PrevOutputFetcher) error {
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			return txError(kind, i, fmt.Errorf("%w: missing prevout", ErrInvalidPeerData))
		}
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher)
		if err != nil {
			return txError(kind, i, fmt.Errorf("%w: %v", ErrInvalidPeerSignature, err))
		}
		if err := vm.Execute(); err != nil {
			return txError(kind, i, fmt.Errorf("%w: %v", ErrInvalidPeerSignature, err))
		}
	}
	return nil
}
