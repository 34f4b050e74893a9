package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// rpcError is a JSON-RPC error returned by the node.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BitcoindBackend implements Backend on top of Bitcoin Core's JSON-RPC.
type BitcoindBackend struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
	requestID  atomic.Uint64
}

// NewBitcoindBackend creates a new Bitcoin Core backend.
func NewBitcoindBackend(rpcURL, user, pass string) *BitcoindBackend {
	return &BitcoindBackend{
		rpcURL:     rpcURL,
		rpcUser:    user,
		rpcPass:    pass,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Type returns TypeBitcoind.
func (b *BitcoindBackend) Type() Type {
	return TypeBitcoind
}

// Connect tests the connection with getblockchaininfo.
func (b *BitcoindBackend) Connect(ctx context.Context) error {
	if _, err := b.call(ctx, "getblockchaininfo"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Close marks the backend disconnected.
func (b *BitcoindBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// IsConnected returns true if connected.
func (b *BitcoindBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// GetAddressUTXOs scans the UTXO set for an address. The first scan on a
// node can be slow.
func (b *BitcoindBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	result, err := b.call(ctx, "scantxoutset", "start", []string{"addr(" + address + ")"})
	if err != nil {
		return nil, err
	}

	var scan struct {
		Success bool  `json:"success"`
		Height  int64 `json:"height"`
		Unspent []struct {
			TxID         string  `json:"txid"`
			Vout         uint32  `json:"vout"`
			ScriptPubKey string  `json:"scriptPubKey"`
			Amount       float64 `json:"amount"`
			Height       int64   `json:"height"`
		} `json:"unspents"`
	}
	if err := json.Unmarshal(result, &scan); err != nil {
		return nil, err
	}
	if !scan.Success {
		return nil, errors.New("scantxoutset scan failed")
	}

	utxos := make([]UTXO, 0, len(scan.Unspent))
	for _, u := range scan.Unspent {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}
		utxo := UTXO{
			TxID:         u.TxID,
			Vout:         u.Vout,
			Amount:       uint64(amt),
			ScriptPubKey: u.ScriptPubKey,
			BlockHeight:  u.Height,
		}
		if u.Height > 0 && scan.Height >= u.Height {
			utxo.Confirmations = scan.Height - u.Height + 1
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// GetTransaction returns the chain status of a transaction. It needs
// txindex or a wallet transaction on the node.
func (b *BitcoindBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	result, err := b.call(ctx, "getrawtransaction", txID, true)
	if err != nil {
		return nil, notFound(err)
	}

	var tx struct {
		TxID          string `json:"txid"`
		VSize         int64  `json:"vsize"`
		BlockHash     string `json:"blockhash"`
		Confirmations int64  `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, err
	}

	out := &Transaction{
		TxID:          tx.TxID,
		VSize:         tx.VSize,
		BlockHash:     tx.BlockHash,
		Confirmations: tx.Confirmations,
		Confirmed:     tx.Confirmations > 0,
	}
	if out.Confirmed {
		if tip, err := b.GetBlockHeight(ctx); err == nil {
			out.BlockHeight = tip - tx.Confirmations + 1
		}
	}
	return out, nil
}

// GetRawTransaction returns the serialized transaction.
func (b *BitcoindBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	result, err := b.call(ctx, "getrawtransaction", txID, false)
	if err != nil {
		return nil, notFound(err)
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexStr)
}

// GetOutspend asks gettxout whether the output is still unspent. Core has
// no spender index, so the spending txid stays empty.
func (b *BitcoindBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	result, err := b.call(ctx, "gettxout", txID, vout, true)
	if err != nil {
		return nil, err
	}
	return &Outspend{Spent: bytes.Equal(bytes.TrimSpace(result), []byte("null"))}, nil
}

// BroadcastTransaction submits a transaction with sendrawtransaction.
func (b *BitcoindBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := b.call(ctx, "sendrawtransaction", rawTxHex)
	if err != nil {
		var rerr *rpcError
		if !errors.As(err, &rerr) {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		if kind := classifyReject(rerr.Message); kind != nil {
			return "", fmt.Errorf("%w: %s", kind, rerr.Message)
		}
		return txIDFromHex(rawTxHex)
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

// GetBlockHeight returns the current block height.
func (b *BitcoindBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := b.call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates queries estimatesmartfee for each target.
func (b *BitcoindBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	estimates := &FeeEstimate{MinimumFee: 1}

	for _, target := range []struct {
		blocks int
		field  *uint64
	}{
		{1, &estimates.FastestFee},
		{3, &estimates.HalfHourFee},
		{6, &estimates.HourFee},
		{144, &estimates.EconomyFee},
	} {
		result, err := b.call(ctx, "estimatesmartfee", target.blocks)
		if err != nil {
			continue
		}
		var fee struct {
			FeeRate float64 `json:"feerate"`
		}
		if err := json.Unmarshal(result, &fee); err != nil || fee.FeeRate <= 0 {
			continue
		}
		perKB, err := btcutil.NewAmount(fee.FeeRate)
		if err != nil {
			continue
		}
		*target.field = uint64(perKB) / 1000
	}
	return estimates, nil
}

func (b *BitcoindBackend) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      b.requestID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.rpcUser != "" {
		req.SetBasicAuth(b.rpcUser, b.rpcPass)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Core answers RPC errors with a 500 and a JSON body.
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("status %d: failed to parse response: %w", resp.StatusCode, err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

func notFound(err error) error {
	var rerr *rpcError
	if errors.As(err, &rerr) && rerr.Code == -5 {
		return ErrTxNotFound
	}
	return err
}

var _ Backend = (*BitcoindBackend)(nil)
