package protocol

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/musig"
)

// NewWarningTx builds the warning transaction owned by owner. It spends both
// deposit outputs (P at input 0, Q at input 1) into the owner's warning
// output, locked to the aggregated key of the other party's deposit role
// (Q for the Seller, P for the Buyer), plus an anchor for fee bumping.
func NewWarningTx(owner Role, d *DepositTx, p, q *musig.AggKey, anchorScript []byte, params Params) (*PreparedTx, error) {
	out := warningKey(owner, p, q)
	script, err := out.PayToTaprootScript()
	if err != nil {
		return nil, txError(TxWarning, -1, err)
	}

	pOp, qOp := d.POutPoint(), d.QOutPoint()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(finalTxIn(pOp))
	tx.AddTxIn(finalTxIn(qOp))
	tx.AddTxOut(wire.NewTxOut(int64(params.WarningAmount()), script))
	tx.AddTxOut(wire.NewTxOut(int64(params.AnchorAmount), anchorScript))

	prevOuts := map[wire.OutPoint]*wire.TxOut{
		pOp: d.POutput(),
		qOp: d.QOutput(),
	}
	return newPreparedTx(TxWarning, owner, tx, prevOuts, []*musig.AggKey{p, q})
}

// NewSwapTx builds the swap transaction paying the Buyer's deposit output to
// the Seller. Its signature is encrypted under the Seller's P share, so
// publishing it reveals that share to the Buyer.
func NewSwapTx(d *DepositTx, q *musig.AggKey, swapScript []byte, params Params) (*PreparedTx, error) {
	qOp := d.QOutPoint()
	value := btcutil.Amount(d.QOutput().Value) - params.PreparedFee
	if value <= 0 {
		return nil, txError(TxSwap, -1, fmt.Errorf("%w: swap output not positive", ErrInvalidParams))
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(finalTxIn(qOp))
	tx.AddTxOut(wire.NewTxOut(int64(value), swapScript))

	prevOuts := map[wire.OutPoint]*wire.TxOut{qOp: d.QOutput()}
	return newPreparedTx(TxSwap, Seller, tx, prevOuts, []*musig.AggKey{q})
}

// NewClaimTx builds the claim of owner's warning output back to owner. The
// input carries a BIP-68 relative lock of params.ClaimDelay blocks, so the
// ledger rejects it until the warning transaction is that deep.
func NewClaimTx(owner Role, warning *PreparedTx, p, q *musig.AggKey, claimScript []byte, params Params) (*PreparedTx, error) {
	if warning.Owner != owner {
		return nil, txError(TxClaim, -1, fmt.Errorf("claim of %s must spend the %s warning", owner, owner))
	}
	op, prev := warningOutput(warning)
	value := btcutil.Amount(prev.Value) - params.PreparedFee

	in := wire.NewTxIn(&op, nil, nil)
	in.Sequence = params.ClaimDelay // block based, type flag clear
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(value), claimScript))

	prevOuts := map[wire.OutPoint]*wire.TxOut{op: prev}
	return newPreparedTx(TxClaim, owner, tx, prevOuts, []*musig.AggKey{warningKey(owner, p, q)})
}

// NewRedirectTx builds the redirect of the peer's warning output, broadcast
// by owner when the peer published its warning without cause. Funds go to
// the agreed receivers, or to owner's claim script when none are set.
func NewRedirectTx(owner Role, peerWarning *PreparedTx, p, q *musig.AggKey,
	claimScript, anchorScript []byte, params Params) (*PreparedTx, error) {

	if peerWarning.Owner != owner.Other() {
		return nil, txError(TxRedirect, -1, fmt.Errorf("redirect by %s must spend the %s warning", owner, owner.Other()))
	}
	op, prev := warningOutput(peerWarning)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(finalTxIn(op))
	if len(params.RedirectReceivers) > 0 {
		for _, r := range params.RedirectReceivers {
			tx.AddTxOut(wire.NewTxOut(int64(r.Amount), r.Script))
		}
	} else {
		tx.AddTxOut(wire.NewTxOut(int64(params.RedirectAmount()), claimScript))
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.AnchorAmount), anchorScript))

	var sum btcutil.Amount
	for _, out := range tx.TxOut {
		sum += btcutil.Amount(out.Value)
	}
	if fee := btcutil.Amount(prev.Value) - sum; fee != params.PreparedFee {
		return nil, txError(TxRedirect, -1, fmt.Errorf("%w: redirect fee %d, want %d", ErrInvalidParams, fee, params.PreparedFee))
	}

	prevOuts := map[wire.OutPoint]*wire.TxOut{op: prev}
	return newPreparedTx(TxRedirect, owner, tx, prevOuts, []*musig.AggKey{warningKey(peerWarning.Owner, p, q)})
}

// warningKey returns the key locking owner's warning output.
func warningKey(owner Role, p, q *musig.AggKey) *musig.AggKey {
	if owner == Seller {
		return q
	}
	return p
}

func warningOutput(w *PreparedTx) (wire.OutPoint, *wire.TxOut) {
	tx := w.Tx()
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, tx.TxOut[0]
}

func finalTxIn(op wire.OutPoint) *wire.TxIn {
	in := wire.NewTxIn(&op, nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum
	return in
}
