// Package txsort puts transactions into a canonical input and output order so
// that both trade parties construct byte-identical transactions regardless of
// the order in which they merged their contributions.
//
// The order is pluggable. Lexicographic sorts by outpoint and output script,
// BIP69 follows the wallet standard, and Keyed derives a pseudorandom order
// from a seed only the two parties know, so an outside observer cannot tell
// which input or change output belongs to which side.
package txsort

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// Strategy maps inputs and outputs to sort keys. Keys are compared bytewise.
type Strategy interface {
	Name() string
	InputKey(in *wire.TxIn) []byte
	OutputKey(out *wire.TxOut) []byte
}

// Strategy names accepted by ByName.
const (
	NameLexicographic = "lexicographic"
	NameBIP69         = "bip69"
	NameKeyed         = "keyed"
)

// Lexicographic orders inputs by (txid, vout) and outputs by (script, value).
type Lexicographic struct{}

func (Lexicographic) Name() string { return NameLexicographic }

func (Lexicographic) InputKey(in *wire.TxIn) []byte {
	return outpointKey(in.PreviousOutPoint, false)
}

func (Lexicographic) OutputKey(out *wire.TxOut) []byte {
	key := make([]byte, 0, len(out.PkScript)+8)
	key = append(key, out.PkScript...)
	return binary.BigEndian.AppendUint64(key, uint64(out.Value))
}

// BIP69 orders inputs by reversed txid then vout and outputs by value then
// script.
type BIP69 struct{}

func (BIP69) Name() string { return NameBIP69 }

func (BIP69) InputKey(in *wire.TxIn) []byte {
	return outpointKey(in.PreviousOutPoint, true)
}

func (BIP69) OutputKey(out *wire.TxOut) []byte {
	key := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(out.PkScript)), uint64(out.Value))
	return append(key, out.PkScript...)
}

// Keyed orders by SHA256(seed || lexicographic key).
type Keyed struct {
	Seed [32]byte
}

// NewKeyed derives a seed from shared material. It must stay off chain:
// trades use ECDH secrets of their key shares, never the output keys.
func NewKeyed(parts ...[]byte) Keyed {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var k Keyed
	copy(k.Seed[:], h.Sum(nil))
	return k
}

func (Keyed) Name() string { return NameKeyed }

func (k Keyed) InputKey(in *wire.TxIn) []byte {
	return k.hash('i', Lexicographic{}.InputKey(in))
}

func (k Keyed) OutputKey(out *wire.TxOut) []byte {
	return k.hash('o', Lexicographic{}.OutputKey(out))
}

func (k Keyed) hash(domain byte, key []byte) []byte {
	h := sha256.New()
	h.Write(k.Seed[:])
	h.Write([]byte{domain})
	h.Write(key)
	// Appending the plain key keeps the order total on hash collisions.
	return append(h.Sum(nil), key...)
}

// ByName returns the strategy registered under name. Keyed needs its seed
// material, which callers pass as parts.
func ByName(name string, parts ...[]byte) (Strategy, error) {
	switch name {
	case "", NameLexicographic:
		return Lexicographic{}, nil
	case NameBIP69:
		return BIP69{}, nil
	case NameKeyed:
		return NewKeyed(parts...), nil
	default:
		return nil, fmt.Errorf("unknown ordering strategy %q", name)
	}
}

// SortTx reorders tx in place.
func SortTx(s Strategy, tx *wire.MsgTx) {
	inPerm := inputPermutation(s, tx)
	outPerm := outputPermutation(s, tx)
	tx.TxIn = permute(tx.TxIn, inPerm)
	tx.TxOut = permute(tx.TxOut, outPerm)
}

// SortPacket reorders the unsigned transaction of p in place, keeping the
// per-input and per-output PSBT records aligned.
func SortPacket(s Strategy, p *psbt.Packet) error {
	tx := p.UnsignedTx
	if len(p.Inputs) != len(tx.TxIn) || len(p.Outputs) != len(tx.TxOut) {
		return fmt.Errorf("psbt records do not match transaction: %d/%d inputs, %d/%d outputs",
			len(p.Inputs), len(tx.TxIn), len(p.Outputs), len(tx.TxOut))
	}
	inPerm := inputPermutation(s, tx)
	outPerm := outputPermutation(s, tx)
	tx.TxIn = permute(tx.TxIn, inPerm)
	p.Inputs = permute(p.Inputs, inPerm)
	tx.TxOut = permute(tx.TxOut, outPerm)
	p.Outputs = permute(p.Outputs, outPerm)
	return nil
}

// IsSorted reports whether tx already follows the strategy.
func IsSorted(s Strategy, tx *wire.MsgTx) bool {
	for i := 1; i < len(tx.TxIn); i++ {
		if bytes.Compare(s.InputKey(tx.TxIn[i-1]), s.InputKey(tx.TxIn[i])) > 0 {
			return false
		}
	}
	for i := 1; i < len(tx.TxOut); i++ {
		if bytes.Compare(s.OutputKey(tx.TxOut[i-1]), s.OutputKey(tx.TxOut[i])) > 0 {
			return false
		}
	}
	return true
}

func inputPermutation(s Strategy, tx *wire.MsgTx) []int {
	keys := make([][]byte, len(tx.TxIn))
	for i, in := range tx.TxIn {
		keys[i] = s.InputKey(in)
	}
	return order(keys)
}

func outputPermutation(s Strategy, tx *wire.MsgTx) []int {
	keys := make([][]byte, len(tx.TxOut))
	for i, out := range tx.TxOut {
		keys[i] = s.OutputKey(out)
	}
	return order(keys)
}

func order(keys [][]byte) []int {
	perm := make([]int, len(keys))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return bytes.Compare(keys[perm[a]], keys[perm[b]]) < 0
	})
	return perm
}

func permute[T any](items []T, perm []int) []T {
	out := make([]T, len(items))
	for i, j := range perm {
		out[i] = items[j]
	}
	return out
}

func outpointKey(op wire.OutPoint, reversed bool) []byte {
	key := make([]byte, 0, 36)
	hash := op.Hash
	if reversed {
		for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
			hash[i], hash[j] = hash[j], hash[i]
		}
	}
	key = append(key, hash[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}
