// Package rpc provides the JSON-RPC 2.0 server and websocket event feed of
// the musigd daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/config"
	"github.com/klingon-exchange/musig-trade/internal/monitor"
	"github.com/klingon-exchange/musig-trade/internal/node"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// messenger is the part of the P2P node the trade driver uses.
type messenger interface {
	ID() peer.ID
	Handle(typ node.MessageType, h node.MessageHandler)
	Send(ctx context.Context, to peer.ID, msg *node.TradeMessage) error
}

// Deps are the daemon components the server exposes. Node and Monitor may
// be nil.
type Deps struct {
	Node     *node.Node
	Store    *storage.Storage
	Wallet   *wallet.Service
	Registry *protocol.Registry
	Monitor  *monitor.Monitor
	Config   *config.Config
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	node     *node.Node
	p2p      messenger
	store    *storage.Storage
	wallet   *wallet.Service
	registry *protocol.Registry
	monitor  *monitor.Monitor
	cfg      *config.Config
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Trade error codes.
const (
	TradeStateError   = -32001 // wrong round, failed or closed trade, wrong role
	PeerMisbehaviour  = -32002 // the trade was aborted because of peer data
	TimelockImmature  = -32003 // retry after more blocks
	NotFound          = -32004
	WalletUnavailable = -32005
)

var (
	errInvalidParams = errors.New("invalid params")
	errWalletLocked  = errors.New("wallet is locked")
	errNoP2P         = errors.New("p2p node not running")
)

// ErrorData describes a trade failure in an error response.
type ErrorData struct {
	TradeID string `json:"trade_id,omitempty"`
	Round   int    `json:"round"`
	Tx      string `json:"tx,omitempty"`
	Input   int    `json:"input"`
}

// NewServer creates a JSON-RPC server. When a monitor is given, its events
// are forwarded to websocket clients.
func NewServer(d *Deps) *Server {
	s := &Server{
		node:     d.Node,
		store:    d.Store,
		wallet:   d.Wallet,
		registry: d.Registry,
		monitor:  d.Monitor,
		cfg:      d.Config,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	if s.registry == nil {
		s.registry = protocol.NewRegistry()
	}
	if d.Node != nil {
		s.p2p = d.Node
	}
	if s.monitor != nil {
		s.monitor.Subscribe(s.onChainEvent)
	}

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["peers_list"] = s.peersList
	s.handlers["peers_connect"] = s.peersConnect
	s.handlers["peers_known"] = s.peersKnown

	// Wallet methods
	s.handlers["wallet_status"] = s.walletStatus
	s.handlers["wallet_generate"] = s.walletGenerate
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_unlock"] = s.walletUnlock
	s.handlers["wallet_lock"] = s.walletLock
	s.handlers["wallet_balance"] = s.walletBalance
	s.handlers["wallet_newAddress"] = s.walletNewAddress
	s.handlers["wallet_listUnspent"] = s.walletListUnspent
	s.handlers["wallet_sync"] = s.walletSync
	s.handlers["wallet_feeRate"] = s.walletFeeRate

	// Trade lifecycle
	s.handlers["trade_init"] = s.tradeInit
	s.handlers["trade_status"] = s.tradeStatus
	s.handlers["trade_list"] = s.tradeList
	s.handlers["trade_messages"] = s.tradeMessages

	// Manual rounds: the caller carries messages to the peer
	s.handlers["trade_round1"] = s.tradeRound1
	s.handlers["trade_round2"] = s.tradeRound2
	s.handlers["trade_round3"] = s.tradeRound3
	s.handlers["trade_round4"] = s.tradeRound4
	s.handlers["trade_round5"] = s.tradeRound5

	// Rounds driven over the P2P node
	s.handlers["trade_start"] = s.tradeStart

	// Closing
	s.handlers["trade_close"] = s.tradeClose
	s.handlers["trade_abort"] = s.tradeAbort
	s.handlers["trade_keyShare"] = s.tradeKeyShare
	s.handlers["trade_forceClose"] = s.tradeForceClose
	s.handlers["trade_broadcastWarning"] = s.tradeBroadcastWarning
	s.handlers["trade_broadcastClaim"] = s.tradeBroadcastClaim
	s.handlers["trade_broadcastRedirect"] = s.tradeBroadcastRedirect
	s.handlers["trade_sweep"] = s.tradeSweep
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Handler returns the HTTP handler serving RPC requests and the websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Addr returns the listen address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, errorCode(err), err.Error(), errorData(err))
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps handler errors to JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams), errors.Is(err, protocol.ErrInvalidParams):
		return InvalidParams
	case errors.Is(err, protocol.ErrTradeNotFound), errors.Is(err, storage.ErrNotFound):
		return NotFound
	case errors.Is(err, protocol.ErrTimelockNotMatured):
		return TimelockImmature
	case errors.Is(err, errWalletLocked), errors.Is(err, wallet.ErrWalletLocked):
		return WalletUnavailable
	case protocol.IsFatal(err):
		return PeerMisbehaviour
	case errors.Is(err, protocol.ErrProtocolStateViolation),
		errors.Is(err, protocol.ErrTradeFailed),
		errors.Is(err, protocol.ErrTradeClosed),
		errors.Is(err, protocol.ErrTradeExists),
		errors.Is(err, protocol.ErrWrongRole):
		return TradeStateError
	default:
		return InternalError
	}
}

func errorData(err error) interface{} {
	var te *protocol.TradeError
	if !errors.As(err, &te) {
		return nil
	}
	return &ErrorData{
		TradeID: te.TradeID,
		Round:   int(te.Round),
		Tx:      string(te.Tx),
		Input:   te.Input,
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Registry returns the trade registry the server drives.
func (s *Server) Registry() *protocol.Registry {
	return s.registry
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decodeParams unmarshals params into v. Missing params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}
