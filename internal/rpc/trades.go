package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/monitor"
	"github.com/klingon-exchange/musig-trade/internal/node"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/storage"
)

// ========================================
// Trade lifecycle
// ========================================

// TradeInfo is a trade as returned by trade_status and trade_list.
type TradeInfo struct {
	protocol.Snapshot
	PeerID        string `json:"peer_id,omitempty"`
	Live          bool   `json:"live"`
	FailureReason string `json:"failure_reason,omitempty"`
	Pending       int    `json:"pending_messages,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

// TradeInitParams is the parameters for trade_init. Amounts are in
// satoshis; unset terms come from the trade section of the config.
type TradeInitParams struct {
	ID                string              `json:"id,omitempty"`
	Role              string              `json:"role"`
	PeerID            string              `json:"peer_id,omitempty"`
	SellerAmount      int64               `json:"seller_amount"`
	BuyerAmount       int64               `json:"buyer_amount"`
	DepositFeeRate    int64               `json:"deposit_fee_rate,omitempty"`
	ClaimDelay        uint32              `json:"claim_delay,omitempty"`
	Ordering          string              `json:"ordering,omitempty"`
	RedirectReceivers []protocol.Receiver `json:"redirect_receivers,omitempty"`
}

func (s *Server) tradeInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TradeInitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	role, err := protocol.ParseRole(p.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if p.PeerID != "" {
		if _, err := peer.Decode(p.PeerID); err != nil {
			return nil, fmt.Errorf("%w: peer_id: %v", errInvalidParams, err)
		}
	}

	terms := s.tradeParams(btcutil.Amount(p.SellerAmount), btcutil.Amount(p.BuyerAmount))
	if p.DepositFeeRate > 0 {
		terms.DepositFeeRate = btcutil.Amount(p.DepositFeeRate)
	}
	if p.ClaimDelay > 0 {
		terms.ClaimDelay = p.ClaimDelay
	}
	if p.Ordering != "" {
		terms.Ordering = p.Ordering
	}
	terms.RedirectReceivers = p.RedirectReceivers

	t, err := s.registry.Create(p.ID, role, terms, s.wallet)
	if err != nil {
		return nil, err
	}
	snap := t.Snapshot()
	s.persist(snap, p.PeerID)

	s.log.Info("Trade created", "trade_id", snap.ID, "role", role, "peer", p.PeerID)
	return &TradeInfo{Snapshot: snap, PeerID: p.PeerID, Live: true}, nil
}

func (s *Server) tradeParams(seller, buyer btcutil.Amount) protocol.Params {
	if s.cfg != nil {
		return s.cfg.TradeParams(seller, buyer)
	}
	return protocol.DefaultParams(seller, buyer)
}

// TradeIDParams identifies a trade.
type TradeIDParams struct {
	ID string `json:"id"`
}

func decodeTradeID(params json.RawMessage) (string, error) {
	var p TradeIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: id is required", errInvalidParams)
	}
	return p.ID, nil
}

func (s *Server) tradeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeTradeID(params)
	if err != nil {
		return nil, err
	}
	return s.tradeInfo(id)
}

// tradeInfo merges the live coordinator state with the stored record. A
// trade that only exists in storage is reported from its last snapshot.
func (s *Server) tradeInfo(id string) (*TradeInfo, error) {
	info := &TradeInfo{}
	snap, liveErr := s.registry.Snapshot(id)
	if liveErr == nil {
		info.Snapshot = snap
		info.Live = true
	}

	if s.store != nil {
		rec, err := s.store.GetTrade(id)
		switch {
		case err == nil:
			fillFromRecord(info, rec)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		case liveErr != nil:
			return nil, liveErr
		}
		if pending, err := s.store.PendingForTrade(id); err == nil {
			info.Pending = len(pending)
		}
	} else if liveErr != nil {
		return nil, liveErr
	}
	return info, nil
}

func fillFromRecord(info *TradeInfo, rec *storage.Trade) {
	info.PeerID = rec.PeerID
	info.FailureReason = rec.FailureReason
	info.CreatedAt = rec.CreatedAt.Unix()
	info.UpdatedAt = rec.UpdatedAt.Unix()
	if info.Live || len(rec.Snapshot) == 0 {
		return
	}
	if err := json.Unmarshal(rec.Snapshot, &info.Snapshot); err != nil {
		info.Snapshot.ID = rec.ID
		info.Snapshot.Status = protocol.Status(rec.Status)
		info.Snapshot.Round = protocol.Round(rec.Round)
	}
}

// TradeListParams is the parameters for trade_list.
type TradeListParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// TradeListResult is the response for trade_list.
type TradeListResult struct {
	Trades []*TradeInfo `json:"trades"`
	Count  int          `json:"count"`
}

func (s *Server) tradeList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TradeListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	result := make([]*TradeInfo, 0)
	if s.store == nil {
		for _, snap := range s.registry.List() {
			if p.Status == "" || string(snap.Status) == p.Status {
				result = append(result, &TradeInfo{Snapshot: snap, Live: true})
			}
		}
		return &TradeListResult{Trades: result, Count: len(result)}, nil
	}

	records, err := s.store.ListTrades(storage.TradeFilter{Status: p.Status, Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		info := &TradeInfo{}
		if snap, err := s.registry.Snapshot(rec.ID); err == nil {
			info.Snapshot = snap
			info.Live = true
		}
		fillFromRecord(info, rec)
		result = append(result, info)
	}
	return &TradeListResult{Trades: result, Count: len(result)}, nil
}

// TradeMessagesResult is the response for trade_messages.
type TradeMessagesResult struct {
	Messages []*storage.TradeMessage `json:"messages"`
	Count    int                     `json:"count"`
}

func (s *Server) tradeMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeTradeID(params)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return &TradeMessagesResult{Messages: []*storage.TradeMessage{}}, nil
	}
	msgs, err := s.store.TradeMessages(id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*storage.TradeMessage{}
	}
	return &TradeMessagesResult{Messages: msgs, Count: len(msgs)}, nil
}

// ========================================
// Manual rounds
// ========================================

// TradeRoundParams carries the peer's message of the previous round.
type TradeRoundParams struct {
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// RoundResult is the response of the trade_roundN methods: the trade state
// and the message to hand to the peer.
type RoundResult struct {
	Trade   protocol.Snapshot `json:"trade"`
	Message interface{}       `json:"message,omitempty"`
}

func decodeRound(params json.RawMessage, v interface{}) (string, error) {
	var p TradeRoundParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: id is required", errInvalidParams)
	}
	if len(p.Message) == 0 {
		return "", fmt.Errorf("%w: message is required", errInvalidParams)
	}
	if err := json.Unmarshal(p.Message, v); err != nil {
		return "", fmt.Errorf("%w: message: %v", errInvalidParams, err)
	}
	return p.ID, nil
}

func (s *Server) tradeRound1(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeTradeID(params)
	if err != nil {
		return nil, err
	}
	var out *protocol.Round1Msg
	snap, err := s.update(id, func(t *protocol.Trade) error {
		out, err = t.Round1()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logMessage(id, storage.DirectionOut, node.MsgRound1, out)
	return &RoundResult{Trade: snap, Message: out}, nil
}

func (s *Server) tradeRound2(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var in protocol.Round1Msg
	id, err := decodeRound(params, &in)
	if err != nil {
		return nil, err
	}
	var out *protocol.Round2Msg
	snap, err := s.update(id, func(t *protocol.Trade) error {
		out, err = t.Round2(&in)
		return err
	})
	s.logInbound(id, err, node.MsgRound1, &in)
	if err != nil {
		return nil, err
	}
	s.logMessage(id, storage.DirectionOut, node.MsgRound2, out)
	return &RoundResult{Trade: snap, Message: out}, nil
}

func (s *Server) tradeRound3(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var in protocol.Round2Msg
	id, err := decodeRound(params, &in)
	if err != nil {
		return nil, err
	}
	var out *protocol.Round3Msg
	snap, err := s.update(id, func(t *protocol.Trade) error {
		out, err = t.Round3(ctx, &in)
		return err
	})
	s.logInbound(id, err, node.MsgRound2, &in)
	if err != nil {
		return nil, err
	}
	s.logMessage(id, storage.DirectionOut, node.MsgRound3, out)
	return &RoundResult{Trade: snap, Message: out}, nil
}

func (s *Server) tradeRound4(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var in protocol.Round3Msg
	id, err := decodeRound(params, &in)
	if err != nil {
		return nil, err
	}
	var out *protocol.Round4Msg
	snap, err := s.update(id, func(t *protocol.Trade) error {
		out, err = t.Round4(&in)
		return err
	})
	s.logInbound(id, err, node.MsgRound3, &in)
	if err != nil {
		return nil, err
	}
	s.logMessage(id, storage.DirectionOut, node.MsgRound4, out)
	return &RoundResult{Trade: snap, Message: out}, nil
}

func (s *Server) tradeRound5(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var in protocol.Round4Msg
	id, err := decodeRound(params, &in)
	if err != nil {
		return nil, err
	}
	snap, err := s.update(id, func(t *protocol.Trade) error {
		return t.Round5(&in)
	})
	s.logInbound(id, err, node.MsgRound4, &in)
	if err != nil {
		return nil, err
	}
	return &RoundResult{Trade: snap}, nil
}

// ========================================
// Closing
// ========================================

// KeyShareResult is the response for trade_keyShare.
type KeyShareResult struct {
	TradeID  string `json:"trade_id"`
	KeyShare string `json:"key_share"`
	Sent     bool   `json:"sent"`
}

// tradeKeyShare hands the own share of the peer's payout key over. With a
// known peer and a running node it is sent; it is always returned so it
// can be passed on by hand.
func (s *Server) tradeKeyShare(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeTradeID(params)
	if err != nil {
		return nil, err
	}
	var msg *protocol.CloseMsg
	if err := s.registry.With(id, func(t *protocol.Trade) error {
		msg, err = t.PeerKeyShare()
		return err
	}); err != nil {
		return nil, err
	}
	s.logMessage(id, storage.DirectionOut, node.MsgClose, map[string]string{"key_share": "<redacted>"})

	res := &KeyShareResult{TradeID: id, KeyShare: msg.KeyShare}
	if to, err := s.tradePeer(id); err == nil && s.p2p != nil {
		if err := s.sendTo(ctx, to, id, node.MsgClose, msg); err != nil {
			s.log.Warn("Failed to send key share", "trade_id", id, "error", err)
		} else {
			res.Sent = true
		}
	}
	return res, nil
}

// TradeCloseParams is the parameters for trade_close.
type TradeCloseParams struct {
	ID       string `json:"id"`
	KeyShare string `json:"key_share"`
}

func (s *Server) tradeClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TradeCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.KeyShare == "" {
		return nil, fmt.Errorf("%w: id and key_share are required", errInvalidParams)
	}
	return s.update(p.ID, func(t *protocol.Trade) error {
		return t.CloseWithPeerSecret(&protocol.CloseMsg{KeyShare: p.KeyShare})
	})
}

// BroadcastResult is the response of the methods publishing a transaction.
type BroadcastResult struct {
	TradeID string            `json:"trade_id"`
	Kind    protocol.TxKind   `json:"kind"`
	TxID    string            `json:"txid"`
	Trade   protocol.Snapshot `json:"trade"`
}

func (s *Server) publish(ctx context.Context, params json.RawMessage, kind protocol.TxKind,
	fn func(*protocol.Trade, context.Context) (chainhash.Hash, error)) (interface{}, error) {
	id, err := decodeTradeID(params)
	if err != nil {
		return nil, err
	}
	var txid chainhash.Hash
	snap, err := s.update(id, func(t *protocol.Trade) error {
		txid, err = fn(t, ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.monitor != nil {
		s.monitor.Watch(id, string(kind), txid.String())
	}
	s.log.Info("Trade transaction broadcast", "trade_id", id, "kind", kind, "txid", txid)
	return &BroadcastResult{TradeID: id, Kind: kind, TxID: txid.String(), Trade: snap}, nil
}

func (s *Server) tradeForceClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.publish(ctx, params, protocol.TxSwap, (*protocol.Trade).ForceClose)
}

func (s *Server) tradeBroadcastWarning(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.publish(ctx, params, protocol.TxWarning, (*protocol.Trade).BroadcastWarning)
}

func (s *Server) tradeBroadcastClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.publish(ctx, params, protocol.TxClaim, (*protocol.Trade).BroadcastClaim)
}

func (s *Server) tradeBroadcastRedirect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.publish(ctx, params, protocol.TxRedirect, (*protocol.Trade).BroadcastRedirect)
}

func (s *Server) tradeSweep(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.publish(ctx, params, protocol.TxSweep, (*protocol.Trade).Sweep)
}

// ========================================
// State tracking
// ========================================

// update runs fn on a live trade, then persists the new state and reports
// changes to websocket clients. The state is recorded even when fn fails,
// since a failing round marks the trade failed.
func (s *Server) update(id string, fn func(*protocol.Trade) error) (protocol.Snapshot, error) {
	var before, after protocol.Snapshot
	err := s.registry.With(id, func(t *protocol.Trade) error {
		before = t.Snapshot()
		ferr := fn(t)
		after = t.Snapshot()
		return ferr
	})
	if after.ID == "" {
		return after, err
	}
	s.persist(after, "")
	s.notify(before, after)
	return after, err
}

// persist stores the trade state. An empty peerID keeps the stored one.
func (s *Server) persist(snap protocol.Snapshot, peerID string) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("Failed to encode trade snapshot", "trade_id", snap.ID, "error", err)
		return
	}
	rec := &storage.Trade{
		ID:            snap.ID,
		Role:          snap.Role.String(),
		PeerID:        peerID,
		SellerAmount:  int64(snap.Params.SellerAmount),
		BuyerAmount:   int64(snap.Params.BuyerAmount),
		Round:         int(snap.Round),
		Status:        string(snap.Status),
		ClosedBy:      snap.ClosedBy,
		FailureReason: snap.Error,
		Snapshot:      raw,
	}
	if snap.Round >= protocol.Round3 {
		rec.DepositTxID = snap.DepositTxID
	}
	if snap.Round >= protocol.Round4 {
		rec.SwapTxID = snap.SwapTxID
	}
	if err := s.store.SaveTrade(rec); err != nil {
		s.log.Error("Failed to save trade", "trade_id", snap.ID, "error", err)
	}
}

func (s *Server) notify(before, after protocol.Snapshot) {
	switch {
	case after.Status == protocol.StatusFailed && before.Status != protocol.StatusFailed:
		s.log.Warn("Trade failed", "trade_id", after.ID, "round", after.Round, "error", after.Error)
		s.wsHub.Broadcast(EventTradeFailed, after)
		if s.node != nil && s.node.Sender() != nil {
			if err := s.node.Sender().CancelTrade(after.ID, "trade failed"); err != nil {
				s.log.Debug("Failed to cancel pending messages", "trade_id", after.ID, "error", err)
			}
		}
	case after.Status == protocol.StatusClosed && before.Status != protocol.StatusClosed:
		s.log.Info("Trade closed", "trade_id", after.ID, "by", after.ClosedBy)
		s.wsHub.Broadcast(EventTradeClosed, after)
	case after.Round != before.Round:
		s.log.Info("Trade advanced", "trade_id", after.ID, "round", after.Round)
		s.wsHub.Broadcast(EventTradeRound, after)
	}
}

// logMessage appends a round message to the trade's message log.
func (s *Server) logMessage(id, direction string, typ node.MessageType, v interface{}) {
	if s.store == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to encode trade message", "trade_id", id, "type", typ, "error", err)
		return
	}
	err = s.store.AppendTradeMessage(&storage.TradeMessage{
		TradeID:     id,
		Round:       typ.Round(),
		Direction:   direction,
		MessageType: string(typ),
		Payload:     payload,
	})
	if err != nil {
		s.log.Error("Failed to log trade message", "trade_id", id, "type", typ, "error", err)
	}
}

// logInbound logs a peer message handed in by RPC unless the trade is
// unknown.
func (s *Server) logInbound(id string, err error, typ node.MessageType, v interface{}) {
	if errors.Is(err, protocol.ErrTradeNotFound) {
		return
	}
	s.logMessage(id, storage.DirectionIn, typ, v)
}

// MarkInterrupted records stored trades that were active when the daemon
// stopped as failed. Their signing state lived in memory only. It returns
// the affected trade ids.
func (s *Server) MarkInterrupted() ([]string, error) {
	if s.store == nil {
		return nil, nil
	}
	records, err := s.store.ListTrades(storage.TradeFilter{Status: storage.TradeStatusActive})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range records {
		if _, err := s.registry.Snapshot(rec.ID); err == nil {
			continue
		}
		rec.Status = storage.TradeStatusFailed
		rec.FailureReason = "interrupted by daemon restart"
		if err := s.store.SaveTrade(rec); err != nil {
			return ids, err
		}
		if rec.DepositTxID != "" {
			s.log.Warn("Interrupted trade has a published deposit", "trade_id", rec.ID, "deposit_txid", rec.DepositTxID)
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// onChainEvent forwards monitor events to websocket clients and records
// trades the monitor advanced.
func (s *Server) onChainEvent(ev monitor.Event) {
	s.wsHub.Broadcast(EventType(ev.Type), ev)
	if EventType(ev.Type) != EventSwapRevealed {
		return
	}
	snap, err := s.registry.Snapshot(ev.TradeID)
	if err != nil {
		return
	}
	s.persist(snap, "")
	s.wsHub.Broadcast(EventTradeRound, snap)
}

func (s *Server) requireWallet() error {
	if s.wallet == nil || !s.wallet.IsUnlocked() {
		return errWalletLocked
	}
	return nil
}
