package protocol

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/musig"
)

// Trades end in one of three ways: the parties swap key shares
// cooperatively, the Seller publishes the swap and the Buyer extracts the
// Seller's share from it, or one side exits unilaterally through its
// warning, claim and redirect transactions.

func (t *Trade) requirePresigned(op string) error {
	if t.four == nil {
		return &TradeError{TradeID: t.id, Round: t.round, Input: -1,
			Err: fmt.Errorf("%w: %s needs round 4", ErrProtocolStateViolation, op)}
	}
	return nil
}

// payoutKey is the aggregated key this party ends up owning: Q for the
// Seller, P for the Buyer.
func (t *Trade) payoutKey() *musig.AggKey {
	if t.role == Seller {
		return t.one.q
	}
	return t.one.p
}

// peerPayoutKey is the key the peer ends up owning.
func (t *Trade) peerPayoutKey() *musig.AggKey {
	if t.role == Seller {
		return t.one.p
	}
	return t.one.q
}

// PeerKeyShare returns the own share of the key securing the peer's payout,
// to be handed over on a cooperative close.
func (t *Trade) PeerKeyShare() (*CloseMsg, error) {
	if err := t.requirePresigned("key share handover"); err != nil {
		return nil, err
	}
	sec := t.peerPayoutKey().Secret().Serialize()
	return &CloseMsg{KeyShare: hex.EncodeToString(sec)}, nil
}

// CloseWithPeerSecret completes a cooperative close with the peer's share of
// the own payout key.
func (t *Trade) CloseWithPeerSecret(msg *CloseMsg) error {
	if err := t.requirePresigned("cooperative close"); err != nil {
		return err
	}
	if msg == nil {
		return t.annotate(t.round, fmt.Errorf("%w: empty close message", ErrInvalidPeerData))
	}
	raw, err := hex.DecodeString(msg.KeyShare)
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return t.annotate(t.round, fmt.Errorf("%w: malformed key share", ErrInvalidPeerData))
	}
	sec, _ := btcec.PrivKeyFromBytes(raw)
	if err := t.payoutKey().SetPeerSecret(sec); err != nil {
		return t.annotate(t.round, fmt.Errorf("%w: %w", ErrInvalidPeerData, err))
	}
	t.close("cooperative")
	return nil
}

// ForceClose publishes the finalized swap. Seller only.
func (t *Trade) ForceClose(ctx context.Context) (chainhash.Hash, error) {
	if t.role != Seller {
		return chainhash.Hash{}, &TradeError{TradeID: t.id, Round: t.round, Tx: TxSwap, Input: -1, Err: ErrWrongRole}
	}
	if err := t.requirePresigned("force close"); err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := t.broadcast(ctx, TxSwap, t.four.swapSigned)
	if err != nil {
		return chainhash.Hash{}, err
	}
	t.close("swap")
	return txid, nil
}

// BroadcastWarning publishes the own warning transaction.
func (t *Trade) BroadcastWarning(ctx context.Context) (chainhash.Hash, error) {
	if err := t.requirePresigned("warning"); err != nil {
		return chainhash.Hash{}, err
	}
	return t.broadcast(ctx, TxWarning, t.two.warnings[t.role].Signed())
}

// BroadcastClaim publishes the own claim. The ledger rejects it with
// ErrTimelockNotMatured until the warning has ClaimDelay confirmations.
func (t *Trade) BroadcastClaim(ctx context.Context) (chainhash.Hash, error) {
	if err := t.requirePresigned("claim"); err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := t.broadcast(ctx, TxClaim, t.two.claims[t.role].Signed())
	if err != nil {
		return chainhash.Hash{}, err
	}
	t.close("claim")
	return txid, nil
}

// BroadcastRedirect publishes the redirect of the peer's warning.
func (t *Trade) BroadcastRedirect(ctx context.Context) (chainhash.Hash, error) {
	if err := t.requirePresigned("redirect"); err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := t.broadcast(ctx, TxRedirect, t.two.redirects[t.role].Signed())
	if err != nil {
		return chainhash.Hash{}, err
	}
	t.close("redirect")
	return txid, nil
}

// Sweep spends the deposit output of the own payout key, once this party
// knows the full aggregated secret, to a fresh wallet address. It runs on
// failed trades too.
func (t *Trade) Sweep(ctx context.Context) (chainhash.Hash, error) {
	if t.two == nil {
		return chainhash.Hash{}, &TradeError{TradeID: t.id, Round: t.round, Tx: TxSweep, Input: -1,
			Err: fmt.Errorf("%w: sweep needs the deposit", ErrProtocolStateViolation)}
	}
	key := t.payoutKey()
	if key.AggSecret() == nil {
		return chainhash.Hash{}, &TradeError{TradeID: t.id, Round: t.round, Tx: TxSweep, Input: 0,
			Err: fmt.Errorf("%w: peer share of the payout key unknown", ErrSigningFailed)}
	}
	d := t.two.deposit
	op, prev := d.POutPoint(), d.POutput()
	if t.role == Seller {
		op, prev = d.QOutPoint(), d.QOutput()
	}
	dest, err := t.nextScript()
	if err != nil {
		return chainhash.Hash{}, t.annotate(t.round, err)
	}
	value := btcutil.Amount(prev.Value) - t.params.PreparedFee

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(finalTxIn(op))
	tx.AddTxOut(wire.NewTxOut(int64(value), dest))
	fetcher := txscript.NewCannedPrevOutputFetcher(prev.PkScript, prev.Value)
	witness, err := key.SignKeySpend(tx, 0, fetcher)
	if err != nil {
		return chainhash.Hash{}, t.annotate(t.round, txError(TxSweep, 0, err))
	}
	tx.TxIn[0].Witness = witness
	return t.broadcast(ctx, TxSweep, tx)
}

func (t *Trade) broadcast(ctx context.Context, kind TxKind, tx *wire.MsgTx) (chainhash.Hash, error) {
	if tx == nil {
		return chainhash.Hash{}, t.annotate(t.round, txError(kind, -1, fmt.Errorf("%w: not signed", ErrSigningFailed)))
	}
	txid, err := t.wallet.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, t.annotate(t.round, broadcastError(kind, err))
	}
	t.log.Info("transaction broadcast", "tx", kind, "txid", txid)
	return txid, nil
}

func (t *Trade) close(how string) {
	if t.status == StatusActive {
		t.status = StatusClosed
		t.closed = how
		t.log.Info("trade closed", "path", how)
	}
}

// DepositTxID returns the deposit txid once the deposit was merged.
func (t *Trade) DepositTxID() (chainhash.Hash, bool) {
	if t.two == nil {
		return chainhash.Hash{}, false
	}
	return t.two.deposit.TxHash(), true
}

// SwapOutPoint returns the deposit output the swap spends.
func (t *Trade) SwapOutPoint() (wire.OutPoint, bool) {
	if t.two == nil {
		return wire.OutPoint{}, false
	}
	return t.two.deposit.QOutPoint(), true
}

// SwapTxID returns the txid of the swap transaction.
func (t *Trade) SwapTxID() (chainhash.Hash, bool) {
	if t.two == nil {
		return chainhash.Hash{}, false
	}
	return t.two.swap.Tx().TxHash(), true
}

// PayoutKey returns the own payout key once aggregated. After Round5 (Buyer)
// or a cooperative close it holds the aggregated secret.
func (t *Trade) PayoutKey() (*musig.AggKey, bool) {
	if t.two == nil {
		return nil, false
	}
	return t.payoutKey(), true
}

// SignedTx returns the own signed prepared transaction of the given kind.
func (t *Trade) SignedTx(kind TxKind) (*wire.MsgTx, bool) {
	if t.four == nil {
		return nil, false
	}
	var tx *wire.MsgTx
	switch kind {
	case TxWarning:
		tx = t.two.warnings[t.role].Signed()
	case TxClaim:
		tx = t.two.claims[t.role].Signed()
	case TxRedirect:
		tx = t.two.redirects[t.role].Signed()
	case TxSwap:
		tx = t.four.swapSigned
	case TxDeposit:
		tx = t.two.deposit.Signed()
	}
	return tx, tx != nil
}
