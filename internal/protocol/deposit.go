package protocol

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/txsort"
)

// DepositScripts are the scripts the merged deposit treats specially: the
// two aggregated outputs it creates and the four pre-aggregation outputs
// the contributions paid to, which are dropped from the merge.
type DepositScripts struct {
	PAgg, QAgg []byte
	Disregard  [][]byte
}

func (d DepositScripts) disregarded(script []byte) bool {
	if bytes.Equal(script, d.PAgg) || bytes.Equal(script, d.QAgg) {
		return true
	}
	for _, s := range d.Disregard {
		if bytes.Equal(script, s) {
			return true
		}
	}
	return false
}

// DepositTx is the jointly funded transaction creating the P and Q outputs.
type DepositTx struct {
	Packet *psbt.Packet
	Fee    btcutil.Amount

	pIndex  uint32
	qIndex  uint32
	ownIns  []wire.OutPoint
	signed  *wire.MsgTx
	fetcher *txscript.MultiPrevOutFetcher
}

// BuildDepositPart funds the own contribution: amount paid to the own
// pre-aggregation script, inputs and change chosen by the wallet.
func BuildDepositPart(w Wallet, script []byte, amount, feeRate btcutil.Amount) (*psbt.Packet, error) {
	p, err := w.FundPsbt(script, amount, feeRate)
	if err != nil {
		return nil, txError(TxDeposit, -1, fmt.Errorf("fund deposit part: %w", err))
	}
	for i := range p.Inputs {
		if p.Inputs[i].WitnessUtxo == nil {
			return nil, txError(TxDeposit, i, fmt.Errorf("wallet input without witness utxo"))
		}
	}
	return p, nil
}

// checkPart validates a contribution: every input declares its witness UTXO
// and exactly the expected amount is paid to the expected script.
func checkPart(part *psbt.Packet, script []byte, amount btcutil.Amount) error {
	if part == nil || part.UnsignedTx == nil {
		return fmt.Errorf("%w: empty deposit contribution", ErrInvalidPeerData)
	}
	if len(part.Inputs) != len(part.UnsignedTx.TxIn) || len(part.Outputs) != len(part.UnsignedTx.TxOut) {
		return fmt.Errorf("%w: malformed deposit contribution", ErrInvalidPeerData)
	}
	if len(part.UnsignedTx.TxIn) == 0 {
		return fmt.Errorf("%w: deposit contribution has no inputs", ErrInvalidPeerData)
	}
	for i, in := range part.Inputs {
		if in.WitnessUtxo == nil {
			return txError(TxDeposit, i, fmt.Errorf("%w: input without witness utxo", ErrInvalidPeerData))
		}
	}
	var paid btcutil.Amount
	for _, out := range part.UnsignedTx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			paid += btcutil.Amount(out.Value)
		}
	}
	if paid != amount {
		return fmt.Errorf("%w: contribution pays %d, want %d", ErrInvalidPeerData, paid, amount)
	}
	return nil
}

// MergeDeposit rebuilds one canonical deposit from both contributions. It
// aborts with ErrPeerUtxoFraud before signing anything if the peer offered
// an input the local wallet owns.
func MergeDeposit(w Wallet, own, peer *psbt.Packet, ownScript, peerScript []byte,
	ownAmount, peerAmount btcutil.Amount, params Params, scripts DepositScripts,
	order txsort.Strategy) (*DepositTx, error) {

	if err := checkPart(own, ownScript, ownAmount); err != nil {
		return nil, txError(TxDeposit, -1, err)
	}
	if err := checkPart(peer, peerScript, peerAmount); err != nil {
		return nil, txError(TxDeposit, -1, err)
	}
	for i, in := range peer.Inputs {
		if w.IsMine(in.WitnessUtxo.PkScript) {
			return nil, txError(TxDeposit, i, ErrPeerUtxoFraud)
		}
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = 0
	var inputs []psbt.PInput
	var outputs []psbt.POutput

	tx.AddTxOut(wire.NewTxOut(int64(params.SellerAmount), scripts.PAgg))
	outputs = append(outputs, psbt.POutput{})
	tx.AddTxOut(wire.NewTxOut(int64(params.BuyerAmount), scripts.QAgg))
	outputs = append(outputs, psbt.POutput{})

	var total btcutil.Amount
	seen := make(map[wire.OutPoint]struct{})
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	var ownIns []wire.OutPoint

	for partIdx, part := range []*psbt.Packet{own, peer} {
		for i, in := range part.UnsignedTx.TxIn {
			op := in.PreviousOutPoint
			if _, dup := seen[op]; dup {
				return nil, txError(TxDeposit, i, fmt.Errorf("%w: input %s spent twice", ErrInvalidPeerData, op))
			}
			seen[op] = struct{}{}

			txIn := wire.NewTxIn(&op, nil, nil)
			txIn.Sequence = wire.MaxTxInSequenceNum
			tx.AddTxIn(txIn)

			utxo := part.Inputs[i].WitnessUtxo
			inputs = append(inputs, psbt.PInput{
				WitnessUtxo:            utxo,
				TaprootBip32Derivation: part.Inputs[i].TaprootBip32Derivation,
				TaprootInternalKey:     part.Inputs[i].TaprootInternalKey,
				SighashType:            txscript.SigHashDefault,
			})
			prevOuts[op] = utxo
			total += btcutil.Amount(utxo.Value)
			if partIdx == 0 {
				ownIns = append(ownIns, op)
			}
		}
		for i, out := range part.UnsignedTx.TxOut {
			if scripts.disregarded(out.PkScript) {
				continue
			}
			tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
			outputs = append(outputs, part.Outputs[i])
			total -= btcutil.Amount(out.Value)
		}
	}

	total -= params.SellerAmount + params.BuyerAmount
	if total <= 0 {
		return nil, txError(TxDeposit, -1, fmt.Errorf("%w: deposit fee %d is not positive", ErrInvalidPeerData, total))
	}

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, txError(TxDeposit, -1, err)
	}
	p.Inputs = inputs
	p.Outputs = outputs
	if err := txsort.SortPacket(order, p); err != nil {
		return nil, txError(TxDeposit, -1, err)
	}

	d := &DepositTx{
		Packet:  p,
		Fee:     total,
		ownIns:  ownIns,
		fetcher: txscript.NewMultiPrevOutFetcher(prevOuts),
	}
	if err := d.locate(scripts); err != nil {
		return nil, err
	}
	if _, err := w.SignPsbt(p); err != nil {
		return nil, txError(TxDeposit, -1, fmt.Errorf("%w: sign deposit: %v", ErrSigningFailed, err))
	}
	return d, nil
}

func (d *DepositTx) locate(scripts DepositScripts) error {
	found := 0
	for i, out := range d.Packet.UnsignedTx.TxOut {
		switch {
		case bytes.Equal(out.PkScript, scripts.PAgg):
			d.pIndex = uint32(i)
			found++
		case bytes.Equal(out.PkScript, scripts.QAgg):
			d.qIndex = uint32(i)
			found++
		}
	}
	if found != 2 {
		return txError(TxDeposit, -1, fmt.Errorf("%w: aggregated outputs not unique", ErrInvalidPeerData))
	}
	return nil
}

// TxHash returns the deposit txid. It is fixed before signing because all
// inputs are segwit.
func (d *DepositTx) TxHash() chainhash.Hash { return d.Packet.UnsignedTx.TxHash() }

// POutPoint returns the outpoint of the Seller's aggregated output.
func (d *DepositTx) POutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: d.TxHash(), Index: d.pIndex}
}

// QOutPoint returns the outpoint of the Buyer's aggregated output.
func (d *DepositTx) QOutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: d.TxHash(), Index: d.qIndex}
}

// POutput returns the Seller's aggregated output.
func (d *DepositTx) POutput() *wire.TxOut { return d.Packet.UnsignedTx.TxOut[d.pIndex] }

// QOutput returns the Buyer's aggregated output.
func (d *DepositTx) QOutput() *wire.TxOut { return d.Packet.UnsignedTx.TxOut[d.qIndex] }

// OwnInputs returns the outpoints the local wallet contributed.
func (d *DepositTx) OwnInputs() []wire.OutPoint { return d.ownIns }

// Finalize merges the peer's witnesses into the own signed copy. The
// unsigned transactions must match exactly.
func (d *DepositTx) Finalize(peerSigned *psbt.Packet) (*wire.MsgTx, error) {
	if peerSigned == nil || peerSigned.UnsignedTx == nil {
		return nil, txError(TxDeposit, -1, fmt.Errorf("%w: empty deposit", ErrInvalidPeerData))
	}
	if peerSigned.UnsignedTx.TxHash() != d.TxHash() || len(peerSigned.Inputs) != len(d.Packet.Inputs) {
		return nil, txError(TxDeposit, -1, ErrTxMismatch)
	}
	for i := range d.Packet.Inputs {
		in := &d.Packet.Inputs[i]
		if len(in.FinalScriptWitness) == 0 {
			in.FinalScriptWitness = peerSigned.Inputs[i].FinalScriptWitness
		}
		if len(in.FinalScriptWitness) == 0 {
			return nil, txError(TxDeposit, i, fmt.Errorf("%w: input not signed", ErrInvalidPeerSignature))
		}
	}
	tx, err := psbt.Extract(d.Packet)
	if err != nil {
		return nil, txError(TxDeposit, -1, fmt.Errorf("%w: %v", ErrSigningFailed, err))
	}
	if err := verifyInputs(TxDeposit, tx, d.fetcher); err != nil {
		return nil, err
	}
	d.signed = tx
	return tx, nil
}

// Signed returns the fully signed deposit, nil before Finalize.
func (d *DepositTx) Signed() *wire.MsgTx { return d.signed }

// Broadcast publishes the signed deposit.
func (d *DepositTx) Broadcast(ctx context.Context, w Wallet) (chainhash.Hash, error) {
	if d.signed == nil {
		return chainhash.Hash{}, txError(TxDeposit, -1, fmt.Errorf("%w: deposit not finalized", ErrSigningFailed))
	}
	txid, err := w.Broadcast(ctx, d.signed)
	if err != nil {
		return chainhash.Hash{}, broadcastError(TxDeposit, err)
	}
	if txid != d.TxHash() {
		return chainhash.Hash{}, txError(TxDeposit, -1, fmt.Errorf("%w: broadcast returned %s", ErrTxMismatch, txid))
	}
	return txid, nil
}
