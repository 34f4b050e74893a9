package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// MempoolBackend implements Backend using the mempool.space REST API.
// Esplora instances speak the same dialect.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect checks the API answers a tip height request.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close marks the backend disconnected.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

type mempoolStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string        `json:"txid"`
		Vout   uint32        `json:"vout"`
		Status mempoolStatus `json:"status"`
		Value  uint64        `json:"value"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	// Without a tip every confirmed output counts once.
	tip, err := m.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations(u.Status, tip),
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTransaction returns the chain status of a transaction.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result struct {
		TxID   string        `json:"txid"`
		Weight int64         `json:"weight"`
		Fee    uint64        `json:"fee"`
		Status mempoolStatus `json:"status"`
	}
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}

	tx := &Transaction{
		TxID:        result.TxID,
		Confirmed:   result.Status.Confirmed,
		BlockHash:   result.Status.BlockHash,
		BlockHeight: result.Status.BlockHeight,
		Fee:         result.Fee,
		VSize:       (result.Weight + 3) / 4,
	}
	if tx.Confirmed {
		tip, err := m.GetBlockHeight(ctx)
		if err == nil {
			tx.Confirmations = confirmations(result.Status, tip)
		}
	}
	return tx, nil
}

// GetRawTransaction returns the serialized transaction.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.getText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(body))
}

// GetOutspend reports the spender of an output.
func (m *MempoolBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result struct {
		Spent  bool          `json:"spent"`
		TxID   string        `json:"txid"`
		Vin    uint32        `json:"vin"`
		Status mempoolStatus `json:"status"`
	}
	path := "/tx/" + txID + "/outspend/" + strconv.FormatUint(uint64(vout), 10)
	if err := m.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &Outspend{
		Spent:     result.Spent,
		TxID:      result.TxID,
		Vin:       result.Vin,
		Confirmed: result.Status.Confirmed,
	}, nil
}

// BroadcastTransaction broadcasts a raw transaction. A transaction the
// node already knows counts as broadcast.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		return strings.TrimSpace(string(body)), nil
	}
	if err := classifyReject(string(body)); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(body)))
	}
	return txIDFromHex(rawTxHex)
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(body), 10, 64)
}

// GetFeeEstimates returns the recommended fee rates.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	body, err := m.fetch(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (m *MempoolBackend) getText(ctx context.Context, path string) (string, error) {
	body, err := m.fetch(ctx, path)
	return string(body), err
}

func (m *MempoolBackend) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	// Avoid stale CDN responses.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, ErrTxNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

func confirmations(s mempoolStatus, tip int64) int64 {
	switch {
	case !s.Confirmed || s.BlockHeight <= 0:
		return 0
	case tip >= s.BlockHeight:
		return tip - s.BlockHeight + 1
	default:
		return 1
	}
}

func txIDFromHex(rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawTxHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx.TxHash().String(), nil
}

var _ Backend = (*MempoolBackend)(nil)
