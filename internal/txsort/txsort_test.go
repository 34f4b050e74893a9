package txsort

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	btcsort "github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func sampleTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i := 0; i < 5; i++ {
		hash := chainhash.Hash(sha256.Sum256([]byte{byte(i)}))
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, uint32(4-i)), nil, nil))
	}
	// Two inputs from the same transaction exercise the vout tie-break.
	same := chainhash.Hash(sha256.Sum256([]byte{1}))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&same, 9), nil, nil))

	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51, 0x20, 0x03}))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51, 0x20, 0x01}))
	tx.AddTxOut(wire.NewTxOut(3000, []byte{0x51, 0x20, 0x02}))
	tx.AddTxOut(wire.NewTxOut(2000, []byte{0x51, 0x20, 0x01}))
	return tx
}

func shuffled(tx *wire.MsgTx, seed int64) *wire.MsgTx {
	c := tx.Copy()
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(c.TxIn), func(i, j int) { c.TxIn[i], c.TxIn[j] = c.TxIn[j], c.TxIn[i] })
	r.Shuffle(len(c.TxOut), func(i, j int) { c.TxOut[i], c.TxOut[j] = c.TxOut[j], c.TxOut[i] })
	return c
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestStrategiesCanonical(t *testing.T) {
	strategies := []Strategy{Lexicographic{}, BIP69{}, NewKeyed([]byte("p"), []byte("q"))}
	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			base := sampleTx()
			SortTx(s, base)
			want := serialize(t, base)
			if !IsSorted(s, base) {
				t.Fatal("sorted transaction not reported as sorted")
			}

			for seed := int64(0); seed < 20; seed++ {
				c := shuffled(sampleTx(), seed)
				SortTx(s, c)
				if !bytes.Equal(serialize(t, c), want) {
					t.Fatalf("seed %d: order depends on input permutation", seed)
				}
			}

			again := base.Copy()
			SortTx(s, again)
			if !bytes.Equal(serialize(t, again), want) {
				t.Fatal("sorting is not idempotent")
			}
		})
	}
}

func TestLexicographicOrder(t *testing.T) {
	tx := sampleTx()
	SortTx(Lexicographic{}, tx)
	for i := 1; i < len(tx.TxOut); i++ {
		c := bytes.Compare(tx.TxOut[i-1].PkScript, tx.TxOut[i].PkScript)
		if c > 0 || (c == 0 && tx.TxOut[i-1].Value > tx.TxOut[i].Value) {
			t.Fatalf("outputs out of order at %d", i)
		}
	}
	for i := 1; i < len(tx.TxIn); i++ {
		a, b := tx.TxIn[i-1].PreviousOutPoint, tx.TxIn[i].PreviousOutPoint
		c := bytes.Compare(a.Hash[:], b.Hash[:])
		if c > 0 || (c == 0 && a.Index > b.Index) {
			t.Fatalf("inputs out of order at %d", i)
		}
	}
}

func TestBIP69MatchesReference(t *testing.T) {
	tx := shuffled(sampleTx(), 7)
	SortTx(BIP69{}, tx)
	if !btcsort.IsSorted(tx) {
		t.Fatal("BIP69 strategy disagrees with the reference implementation")
	}
	ref := btcsort.Sort(shuffled(sampleTx(), 3))
	if !bytes.Equal(serialize(t, ref), serialize(t, tx)) {
		t.Fatal("BIP69 strategy produced a different order than the reference")
	}
}

func TestKeyedDependsOnSeed(t *testing.T) {
	differs := false
	base := sampleTx()
	SortTx(NewKeyed([]byte("a")), base)
	want := serialize(t, base)
	for i := 0; i < 8 && !differs; i++ {
		c := sampleTx()
		SortTx(NewKeyed([]byte{byte(i), 'b'}), c)
		differs = !bytes.Equal(serialize(t, c), want)
	}
	if !differs {
		t.Fatal("different seeds should eventually produce a different order")
	}
}

func TestSortPacketKeepsRecordsAligned(t *testing.T) {
	tx := shuffled(sampleTx(), 11)
	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("NewFromUnsignedTx: %v", err)
	}
	for i, in := range p.UnsignedTx.TxIn {
		p.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(in.PreviousOutPoint.Index), nil)
	}
	for i, out := range p.UnsignedTx.TxOut {
		p.Outputs[i].TaprootInternalKey = out.PkScript
	}

	if err := SortPacket(Lexicographic{}, p); err != nil {
		t.Fatalf("SortPacket: %v", err)
	}
	for i, in := range p.UnsignedTx.TxIn {
		if p.Inputs[i].WitnessUtxo.Value != int64(in.PreviousOutPoint.Index) {
			t.Fatalf("input record %d not aligned", i)
		}
	}
	for i, out := range p.UnsignedTx.TxOut {
		if !bytes.Equal(p.Outputs[i].TaprootInternalKey, out.PkScript) {
			t.Fatalf("output record %d not aligned", i)
		}
	}

	p.Inputs = p.Inputs[:1]
	if err := SortPacket(Lexicographic{}, p); err == nil {
		t.Fatal("expected error for mismatched records")
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", NameLexicographic, NameBIP69, NameKeyed} {
		if _, err := ByName(name, []byte("seed")); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("random"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
