package musig

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigHash computes the BIP-341 key-spend signature hash (SIGHASH_DEFAULT)
// for input idx of tx. The fetcher must know every prevout of tx.
func SigHash(tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher) ([32]byte, error) {
	var out [32]byte
	if idx < 0 || idx >= len(tx.TxIn) {
		return out, fmt.Errorf("%w: input %d out of range", ErrSigningFailed, idx)
	}
	if fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint) == nil {
		return out, fmt.Errorf("%w: unknown prevout for input %d", ErrSigningFailed, idx)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, idx, fetcher)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	copy(out[:], hash)
	return out, nil
}

// PrevOutFetcher builds a fetcher from a prevout map.
func PrevOutFetcher(prevOuts map[wire.OutPoint]*wire.TxOut) *txscript.MultiPrevOutFetcher {
	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

// ExtractKeyPathSignature parses the key-path signature from the witness of
// input idx. The witness must hold exactly one 64 byte element.
func ExtractKeyPathSignature(tx *wire.MsgTx, idx int) (*schnorr.Signature, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("%w: input %d out of range", ErrInvalidSignature, idx)
	}
	witness := tx.TxIn[idx].Witness
	if len(witness) != 1 || len(witness[0]) != schnorr.SignatureSize {
		return nil, fmt.Errorf("%w: input %d has no key-path witness", ErrInvalidSignature, idx)
	}
	sig, err := schnorr.ParseSignature(witness[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}
