package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// memoryStartHeight keeps funding heights positive.
const memoryStartHeight = 100

type memTx struct {
	tx     *wire.MsgTx
	height int64 // 0 while unconfirmed
	fee    int64
}

type memOut struct {
	out    *wire.TxOut
	height int64
}

type memSpend struct {
	txid chainhash.Hash
	vin  uint32
}

// MemoryBackend is an in-process ledger. It validates scripts with the
// txscript engine, enforces BIP-68 block based relative locks, rejects
// double spends and accepts a rebroadcast of a known transaction. Blocks
// are only produced by Mine.
type MemoryBackend struct {
	params *chaincfg.Params

	mu        sync.Mutex
	connected bool
	offline   bool
	height    int64
	nonce     uint64
	feeRate   uint64
	txs       map[chainhash.Hash]*memTx
	utxos     map[wire.OutPoint]*memOut
	spends    map[wire.OutPoint]memSpend
}

// NewMemoryBackend creates an empty ledger for the given network.
func NewMemoryBackend(params *chaincfg.Params) *MemoryBackend {
	return &MemoryBackend{
		params:  params,
		height:  memoryStartHeight,
		feeRate: 2,
		txs:     make(map[chainhash.Hash]*memTx),
		utxos:   make(map[wire.OutPoint]*memOut),
		spends:  make(map[wire.OutPoint]memSpend),
	}
}

// Type returns TypeMemory.
func (m *MemoryBackend) Type() Type {
	return TypeMemory
}

// Connect always succeeds.
func (m *MemoryBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close marks the ledger disconnected. Its state survives.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true after Connect.
func (m *MemoryBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetOffline makes broadcasts fail with ErrNotConnected.
func (m *MemoryBackend) SetOffline(off bool) {
	m.mu.Lock()
	m.offline = off
	m.mu.Unlock()
}

// SetFeeRate sets the rate reported by GetFeeEstimates, in sat/vB.
func (m *MemoryBackend) SetFeeRate(satPerVByte uint64) {
	m.mu.Lock()
	m.feeRate = satPerVByte
	m.mu.Unlock()
}

// Fund creates a confirmed output paying amount to script, as if mined in
// the current tip block.
func (m *MemoryBackend) Fund(script []byte, amount btcutil.Amount) wire.OutPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], m.nonce)
	prev := wire.OutPoint{Hash: sha256.Sum256(seed[:])}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, seed[:], nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))

	txid := tx.TxHash()
	m.txs[txid] = &memTx{tx: tx, height: m.height}
	op := wire.OutPoint{Hash: txid, Index: 0}
	m.utxos[op] = &memOut{out: tx.TxOut[0], height: m.height}
	return op
}

// FundAddress is Fund for an encoded address.
func (m *MemoryBackend) FundAddress(address string, amount btcutil.Amount) (wire.OutPoint, error) {
	script, err := m.addressScript(address)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return m.Fund(script, amount), nil
}

// Mine confirms every mempool transaction in the next block and advances
// the tip by n blocks. It returns the new tip height.
func (m *MemoryBackend) Mine(n int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return m.height
	}
	block := m.height + 1
	for txid, t := range m.txs {
		if t.height != 0 {
			continue
		}
		t.height = block
		for i := range t.tx.TxOut {
			if u, ok := m.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}]; ok {
				u.height = block
			}
		}
	}
	m.height += int64(n)
	return m.height
}

// Mempool returns the txids of unconfirmed transactions.
func (m *MemoryBackend) Mempool() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chainhash.Hash
	for txid, t := range m.txs {
		if t.height == 0 {
			out = append(out, txid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Submit validates and accepts a transaction into the mempool.
func (m *MemoryBackend) Submit(tx *wire.MsgTx) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return chainhash.Hash{}, ErrNotConnected
	}
	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return txid, nil
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return chainhash.Hash{}, fmt.Errorf("%w: no inputs or outputs", ErrInvalidTx)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	seen := make(map[wire.OutPoint]bool, len(tx.TxIn))
	var in int64
	for i, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		if seen[op] {
			return chainhash.Hash{}, fmt.Errorf("%w: input %d spends %s twice", ErrInvalidTx, i, op)
		}
		seen[op] = true

		prev, ok := m.utxos[op]
		if !ok {
			if s, spent := m.spends[op]; spent {
				return chainhash.Hash{}, fmt.Errorf("%w: %s already spent by %s", ErrMissingInputs, op, s.txid)
			}
			return chainhash.Hash{}, fmt.Errorf("%w: %s unknown", ErrMissingInputs, op)
		}
		if err := m.checkSequence(tx, txIn, prev); err != nil {
			return chainhash.Hash{}, fmt.Errorf("input %d: %w", i, err)
		}
		fetcher.AddPrevOut(op, prev.out)
		in += prev.out.Value
	}

	var out int64
	for _, txOut := range tx.TxOut {
		if txOut.Value < 0 {
			return chainhash.Hash{}, fmt.Errorf("%w: negative output", ErrInvalidTx)
		}
		out += txOut.Value
	}
	if out > in {
		return chainhash.Hash{}, fmt.Errorf("%w: outputs %d exceed inputs %d", ErrInvalidTx, out, in)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return chainhash.Hash{}, fmt.Errorf("%w: input %d: %v", ErrInvalidTx, i, err)
		}
		if err := vm.Execute(); err != nil {
			return chainhash.Hash{}, fmt.Errorf("%w: input %d: %v", ErrInvalidTx, i, err)
		}
	}

	for i, txIn := range tx.TxIn {
		delete(m.utxos, txIn.PreviousOutPoint)
		m.spends[txIn.PreviousOutPoint] = memSpend{txid: txid, vin: uint32(i)}
	}
	for i, txOut := range tx.TxOut {
		m.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = &memOut{out: txOut}
	}
	m.txs[txid] = &memTx{tx: tx, fee: in - out}
	return txid, nil
}

// checkSequence enforces BIP-68 for the next block. Time based locks are
// not modelled and always count as immature.
func (m *MemoryBackend) checkSequence(tx *wire.MsgTx, txIn *wire.TxIn, prev *memOut) error {
	if tx.Version < 2 || txIn.Sequence&wire.SequenceLockTimeDisabled != 0 {
		return nil
	}
	lock := int64(txIn.Sequence & wire.SequenceLockTimeMask)
	if txIn.Sequence&wire.SequenceLockTimeIsSeconds != 0 {
		return fmt.Errorf("%w: time based relative lock", ErrNonFinal)
	}
	if lock == 0 {
		return nil
	}
	if prev.height == 0 {
		return fmt.Errorf("%w: input unconfirmed, needs %d blocks", ErrNonFinal, lock)
	}
	if conf := m.height - prev.height + 1; conf < lock {
		return fmt.Errorf("%w: %d of %d blocks", ErrNonFinal, conf, lock)
	}
	return nil
}

// GetAddressUTXOs returns the unspent outputs paying to address.
func (m *MemoryBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	script, err := m.addressScript(address)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var utxos []UTXO
	for op, u := range m.utxos {
		if !bytes.Equal(u.out.PkScript, script) {
			continue
		}
		utxos = append(utxos, UTXO{
			TxID:          op.Hash.String(),
			Vout:          op.Index,
			Amount:        uint64(u.out.Value),
			ScriptPubKey:  hex.EncodeToString(u.out.PkScript),
			Confirmations: m.confirmations(u.height),
			BlockHeight:   u.height,
		})
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Vout < utxos[j].Vout
	})
	return utxos, nil
}

// GetTransaction returns the chain status of a transaction.
func (m *MemoryBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	t, hash, err := m.lookup(txID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Transaction{
		TxID:          hash.String(),
		Confirmed:     t.height > 0,
		BlockHeight:   t.height,
		Confirmations: m.confirmations(t.height),
		Fee:           uint64(t.fee),
		VSize:         (blockchainWeight(t.tx) + 3) / 4,
	}, nil
}

// GetRawTransaction returns the serialized transaction.
func (m *MemoryBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	t, _, err := m.lookup(txID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetOutspend reports the spender of an output.
func (m *MemoryBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	t, hash, err := m.lookup(txID)
	if err != nil {
		return nil, err
	}
	if int(vout) >= len(t.tx.TxOut) {
		return nil, fmt.Errorf("%w: output %d out of range", ErrTxNotFound, vout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spends[wire.OutPoint{Hash: *hash, Index: vout}]
	if !ok {
		return &Outspend{}, nil
	}
	return &Outspend{
		Spent:     true,
		TxID:      s.txid.String(),
		Vin:       s.vin,
		Confirmed: m.txs[s.txid].height > 0,
	}, nil
}

// BroadcastTransaction decodes and submits a raw transaction.
func (m *MemoryBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	txid, err := m.Submit(&tx)
	if err != nil {
		return "", err
	}
	return txid.String(), nil
}

// GetBlockHeight returns the tip height.
func (m *MemoryBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// GetFeeEstimates reports the configured rate for every target.
func (m *MemoryBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &FeeEstimate{
		FastestFee:  m.feeRate,
		HalfHourFee: m.feeRate,
		HourFee:     m.feeRate,
		EconomyFee:  m.feeRate,
		MinimumFee:  1,
	}, nil
}

func (m *MemoryBackend) lookup(txID string) (*memTx, *chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[*hash]
	if !ok {
		return nil, nil, ErrTxNotFound
	}
	return t, hash, nil
}

// confirmations must be called with m.mu held.
func (m *MemoryBackend) confirmations(height int64) int64 {
	if height == 0 {
		return 0
	}
	return m.height - height + 1
}

func (m *MemoryBackend) addressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, m.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func blockchainWeight(tx *wire.MsgTx) int64 {
	return int64(tx.SerializeSizeStripped()*3 + tx.SerializeSize())
}

var _ Backend = (*MemoryBackend)(nil)
