package wallet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Weight units of the parts of a transaction spending taproot key path
// inputs. The overhead covers version, counts, locktime and the segwit
// marker; a key spend is outpoint, empty script, sequence and a one item
// witness.
const (
	txOverheadWeight = 4*(4+1+1+4) + 2
	keySpendWeight   = 4*(36+1+4) + 1 + 1 + 64
	taprootOutScript = 34

	// DustLimit is the smallest change output the wallet creates.
	DustLimit btcutil.Amount = 330
)

// Coin is a wallet owned unspent output.
type Coin struct {
	OutPoint      wire.OutPoint
	Output        *wire.TxOut
	Address       string
	Change        uint32
	Index         uint32
	Confirmations int64
}

// Amount returns the coin value.
func (c *Coin) Amount() btcutil.Amount { return btcutil.Amount(c.Output.Value) }

func outputWeight(scriptLen int) int64 {
	return int64(4 * (8 + wire.VarIntSerializeSize(uint64(scriptLen)) + scriptLen))
}

// EstimateFee returns the fee for a transaction with nIn key path inputs and
// outputs of the given script lengths.
func EstimateFee(nIn int, outScripts []int, feeRate btcutil.Amount) btcutil.Amount {
	weight := int64(txOverheadWeight) + int64(nIn)*keySpendWeight
	for _, n := range outScripts {
		weight += outputWeight(n)
	}
	vsize := (weight + 3) / 4
	return btcutil.Amount(vsize) * feeRate
}

// selectCoins picks coins largest first until amount plus fee is covered.
// It returns the chosen coins and the change, zero when change would be
// dust and goes to the fee instead.
func selectCoins(coins []*Coin, script []byte, amount, feeRate btcutil.Amount) ([]*Coin, btcutil.Amount, error) {
	sorted := append([]*Coin(nil), coins...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Output.Value != sorted[j].Output.Value {
			return sorted[i].Output.Value > sorted[j].Output.Value
		}
		a, b := sorted[i].OutPoint, sorted[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}
		return a.Index < b.Index
	})

	var (
		chosen []*Coin
		total  btcutil.Amount
	)
	for _, c := range sorted {
		chosen = append(chosen, c)
		total += c.Amount()

		noChange := EstimateFee(len(chosen), []int{len(script)}, feeRate)
		if total < amount+noChange {
			continue
		}
		withChange := EstimateFee(len(chosen), []int{len(script), taprootOutScript}, feeRate)
		if change := total - amount - withChange; change >= DustLimit {
			return chosen, change, nil
		}
		return chosen, 0, nil
	}
	return nil, 0, fmt.Errorf("%w: have %v, need %v plus fee", ErrInsufficientFunds, total, amount)
}

// buildPacket creates the unsigned funding packet. Every input carries its
// witness UTXO, internal key and derivation.
func (w *Wallet) buildPacket(coins []*Coin, script []byte, amount btcutil.Amount,
	changeScript []byte, change btcutil.Amount) (*psbt.Packet, error) {

	tx := wire.NewMsgTx(2)
	for _, c := range coins {
		op := c.OutPoint
		in := wire.NewTxIn(&op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	fingerprint := w.Fingerprint()
	for i, c := range coins {
		key, err := w.PrivateKey(c.Change, c.Index)
		if err != nil {
			return nil, err
		}
		xonly := key.PubKey().SerializeCompressed()[1:]
		p.Inputs[i].WitnessUtxo = wire.NewTxOut(c.Output.Value, c.Output.PkScript)
		p.Inputs[i].SighashType = txscript.SigHashDefault
		p.Inputs[i].TaprootInternalKey = xonly
		p.Inputs[i].TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          xonly,
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            w.params.DerivationPath(0, c.Change, c.Index),
		}}
	}
	return p, nil
}

// prevOutFetcher collects the witness UTXOs of every input. Taproot
// sighashes commit to all of them.
func prevOutFetcher(p *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range p.UnsignedTx.TxIn {
		utxo := p.Inputs[i].WitnessUtxo
		if utxo == nil {
			return nil, fmt.Errorf("input %d has no witness utxo", i)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, utxo)
	}
	return fetcher, nil
}

// serializeWitness encodes a witness stack the way PSBT final witnesses are
// stored.
func serializeWitness(witness wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
