package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     interface{}     `json:"id"`
}

func post(t *testing.T, h http.Handler, body []byte) *rpcReply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var reply rpcReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return &reply
}

func call(t *testing.T, h http.Handler, method string, params interface{}) *rpcReply {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return post(t, h, body)
}

// mustCall fails the test on an error response and decodes the result into
// out when it is non-nil.
func mustCall(t *testing.T, h http.Handler, method string, params, out interface{}) {
	t.Helper()
	reply := call(t, h, method, params)
	if reply.Error != nil {
		t.Fatalf("%s: error %d: %s", method, reply.Error.Code, reply.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(reply.Result, out); err != nil {
			t.Fatalf("%s: failed to decode result: %v", method, err)
		}
	}
}

func wantCode(t *testing.T, reply *rpcReply, code int) {
	t.Helper()
	if reply.Error == nil {
		t.Fatalf("expected error code %d, got result %s", code, reply.Result)
	}
	if reply.Error.Code != code {
		t.Fatalf("error code = %d (%s), want %d", reply.Error.Code, reply.Error.Message, code)
	}
}

func TestHandleRPCErrors(t *testing.T) {
	s := NewServer(&Deps{})
	h := s.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{invalid json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"node_info","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"trade_rewind","id":1}`, MethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","method":"trade_status","params":{"id":5},"id":1}`, InvalidParams},
		{"missing id", `{"jsonrpc":"2.0","method":"trade_status","params":{},"id":1}`, InvalidParams},
		{"unknown trade", `{"jsonrpc":"2.0","method":"trade_status","params":{"id":"nope"},"id":1}`, NotFound},
		{"wallet missing", `{"jsonrpc":"2.0","method":"wallet_balance","id":1}`, WalletUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, post(t, h, []byte(tt.body)), tt.code)
		})
	}
}

func TestHandleRPCEchoesID(t *testing.T) {
	s := NewServer(&Deps{})
	reply := post(t, s.Handler(), []byte(`{"jsonrpc":"2.0","method":"node_info","id":"abc"}`))
	if reply.Error != nil {
		t.Fatalf("node_info error: %s", reply.Error.Message)
	}
	if reply.ID != "abc" {
		t.Errorf("ID = %v, want abc", reply.ID)
	}

	var info NodeInfoResult
	if err := json.Unmarshal(reply.Result, &info); err != nil {
		t.Fatal(err)
	}
	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.PeerID != "" || info.Peers != 0 {
		t.Errorf("node info without a node = %+v", info)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(&Deps{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET / status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(&Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	tradeErr := func(err error) error {
		return &protocol.TradeError{TradeID: "t1", Round: protocol.Round3, Input: -1, Err: err}
	}

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid params", fmt.Errorf("%w: id is required", errInvalidParams), InvalidParams},
		{"invalid trade params", fmt.Errorf("%w: amount", protocol.ErrInvalidParams), InvalidParams},
		{"trade not found", fmt.Errorf("%w: t1", protocol.ErrTradeNotFound), NotFound},
		{"record not found", fmt.Errorf("trade t1: %w", storage.ErrNotFound), NotFound},
		{"timelock", tradeErr(protocol.ErrTimelockNotMatured), TimelockImmature},
		{"wallet locked", errWalletLocked, WalletUnavailable},
		{"wallet service locked", wallet.ErrWalletLocked, WalletUnavailable},
		{"peer fraud", tradeErr(protocol.ErrPeerUtxoFraud), PeerMisbehaviour},
		{"peer data", tradeErr(protocol.ErrInvalidPeerData), PeerMisbehaviour},
		{"wrong round", tradeErr(protocol.ErrProtocolStateViolation), TradeStateError},
		{"failed trade", tradeErr(protocol.ErrTradeFailed), TradeStateError},
		{"closed trade", tradeErr(protocol.ErrTradeClosed), TradeStateError},
		{"duplicate trade", protocol.ErrTradeExists, TradeStateError},
		{"wrong role", tradeErr(protocol.ErrWrongRole), TradeStateError},
		{"other", errors.New("boom"), InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.code {
				t.Errorf("errorCode(%v) = %d, want %d", tt.err, got, tt.code)
			}
		})
	}
}

func TestErrorData(t *testing.T) {
	if errorData(errors.New("plain")) != nil {
		t.Error("plain errors should carry no data")
	}

	err := fmt.Errorf("round 3: %w", &protocol.TradeError{
		TradeID: "t1",
		Round:   protocol.Round3,
		Tx:      protocol.TxDeposit,
		Input:   2,
		Err:     protocol.ErrPeerUtxoFraud,
	})
	data, ok := errorData(err).(*ErrorData)
	if !ok {
		t.Fatalf("errorData() = %T, want *ErrorData", errorData(err))
	}
	want := ErrorData{TradeID: "t1", Round: 3, Tx: string(protocol.TxDeposit), Input: 2}
	if *data != want {
		t.Errorf("errorData() = %+v, want %+v", *data, want)
	}
}

func TestDecodeParams(t *testing.T) {
	var p TradeIDParams
	for _, raw := range []string{"", "null"} {
		if err := decodeParams(json.RawMessage(raw), &p); err != nil {
			t.Errorf("decodeParams(%q) error = %v", raw, err)
		}
	}
	if err := decodeParams(json.RawMessage(`{"id":"t1"}`), &p); err != nil || p.ID != "t1" {
		t.Errorf("decodeParams() = %+v, %v", p, err)
	}
	if err := decodeParams(json.RawMessage(`[1]`), &p); !errors.Is(err, errInvalidParams) {
		t.Errorf("decodeParams(array) error = %v, want errInvalidParams", err)
	}
}

func TestStartStop(t *testing.T) {
	s := NewServer(&Deps{})
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}

	body := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"node_info","id":1}`)
	resp, err := http.Post("http://"+addr+"/", "application/json", body)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
