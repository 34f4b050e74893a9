package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/node"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/storage"
)

// Rounds driven over the P2P node. Both parties create the trade with
// trade_init under the same id and name each other as peer; trade_start on
// either side sends Round1 and the other side answers on its own. Inbound
// round messages are validated, logged and then applied in round order, so
// they may arrive in any order.

// SetupTradeHandlers registers the handlers for trade messages from peers.
// It must be called before the node starts.
func (s *Server) SetupTradeHandlers() {
	if s.p2p == nil {
		return
	}
	for _, typ := range []node.MessageType{node.MsgRound1, node.MsgRound2, node.MsgRound3, node.MsgRound4} {
		s.p2p.Handle(typ, s.handleRoundMessage)
	}
	s.p2p.Handle(node.MsgClose, s.handleCloseMessage)
	s.p2p.Handle(node.MsgAbort, s.handleAbortMessage)

	if s.node != nil {
		s.node.OnPeerConnected(func(p peer.ID) {
			s.wsHub.Broadcast(EventPeerConnected, map[string]string{"peer_id": p.String()})
		})
		s.node.OnPeerDisconnected(func(p peer.ID) {
			s.wsHub.Broadcast(EventPeerDisconnected, map[string]string{"peer_id": p.String()})
		})
	}
	s.log.Info("Trade message handlers registered")
}

// TradeStartParams is the parameters for trade_start.
type TradeStartParams struct {
	ID     string `json:"id"`
	PeerID string `json:"peer_id,omitempty"`
}

func (s *Server) tradeStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TradeStartParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	if s.p2p == nil || s.store == nil {
		return nil, errNoP2P
	}

	snap, err := s.registry.Snapshot(p.ID)
	if err != nil {
		return nil, err
	}
	if p.PeerID != "" {
		if _, err := peer.Decode(p.PeerID); err != nil {
			return nil, fmt.Errorf("%w: peer_id: %v", errInvalidParams, err)
		}
		s.persist(snap, p.PeerID)
	}
	if _, err := s.tradePeer(p.ID); err != nil {
		return nil, err
	}

	if err := s.advance(ctx, p.ID, true); err != nil {
		return nil, err
	}
	return s.tradeInfo(p.ID)
}

// tradePeer returns the counterparty stored for a trade.
func (s *Server) tradePeer(id string) (peer.ID, error) {
	if s.store == nil {
		return "", errNoP2P
	}
	rec, err := s.store.GetTrade(id)
	if err != nil {
		return "", err
	}
	if rec.PeerID == "" {
		return "", fmt.Errorf("%w: trade %s has no peer", errInvalidParams, id)
	}
	return peer.Decode(rec.PeerID)
}

// checkSender verifies that msg comes from the trade's counterparty.
func (s *Server) checkSender(msg *node.TradeMessage) error {
	if _, err := s.registry.Snapshot(msg.TradeID); err != nil {
		return err
	}
	want, err := s.tradePeer(msg.TradeID)
	if err != nil {
		return err
	}
	if msg.FromPeer != want.String() {
		return fmt.Errorf("%w: trade %s belongs to another peer", protocol.ErrInvalidPeerData, msg.TradeID)
	}
	return nil
}

// roundPayload returns an empty message of the type carried by typ.
func roundPayload(typ node.MessageType) (interface{}, error) {
	switch typ {
	case node.MsgRound1:
		return &protocol.Round1Msg{}, nil
	case node.MsgRound2:
		return &protocol.Round2Msg{}, nil
	case node.MsgRound3:
		return &protocol.Round3Msg{}, nil
	case node.MsgRound4:
		return &protocol.Round4Msg{}, nil
	default:
		return nil, fmt.Errorf("not a round message: %s", typ)
	}
}

// handleRoundMessage stores a peer's round message and applies whatever
// rounds it unblocks. Malformed payloads are rejected before they are
// stored.
func (s *Server) handleRoundMessage(ctx context.Context, msg *node.TradeMessage) error {
	if err := s.checkSender(msg); err != nil {
		return err
	}
	payload, err := roundPayload(msg.Type)
	if err != nil {
		return err
	}
	if err := msg.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPeerData, err)
	}

	s.logMessage(msg.TradeID, storage.DirectionIn, msg.Type, payload)
	s.log.Debug("Round message received", "trade_id", msg.TradeID, "type", msg.Type, "seq", msg.Seq)

	if err := s.advance(ctx, msg.TradeID, false); err != nil && !protocol.IsRetryable(err) {
		// The message itself was accepted; the failure is reported with
		// an abort.
		s.log.Warn("Trade round failed", "trade_id", msg.TradeID, "error", err)
	}
	return nil
}

func (s *Server) handleCloseMessage(ctx context.Context, msg *node.TradeMessage) error {
	if err := s.checkSender(msg); err != nil {
		return err
	}
	var cm protocol.CloseMsg
	if err := msg.Decode(&cm); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPeerData, err)
	}
	s.logMessage(msg.TradeID, storage.DirectionIn, node.MsgClose, map[string]string{"key_share": "<redacted>"})

	_, err := s.update(msg.TradeID, func(t *protocol.Trade) error {
		return t.CloseWithPeerSecret(&cm)
	})
	return err
}

func (s *Server) handleAbortMessage(ctx context.Context, msg *node.TradeMessage) error {
	if err := s.checkSender(msg); err != nil {
		return err
	}
	var abort node.AbortPayload
	if err := msg.Decode(&abort); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPeerData, err)
	}
	s.logMessage(msg.TradeID, storage.DirectionIn, node.MsgAbort, &abort)

	_, err := s.update(msg.TradeID, func(t *protocol.Trade) error {
		return t.Abort("peer aborted: " + abort.Reason)
	})
	if errors.Is(err, protocol.ErrTradeNotFound) {
		return err
	}
	if err != nil {
		s.log.Warn("Ignoring peer abort", "trade_id", msg.TradeID, "reason", abort.Reason, "error", err)
		return nil
	}
	s.log.Warn("Peer aborted trade", "trade_id", msg.TradeID, "reason", abort.Reason)
	return nil
}

// TradeAbortParams is the parameters for trade_abort.
type TradeAbortParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// tradeAbort gives up a trade whose deposit is not yet published and tells
// the peer when one is known.
func (s *Server) tradeAbort(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TradeAbortParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	if p.Reason == "" {
		p.Reason = "aborted by user"
	}
	snap, err := s.update(p.ID, func(t *protocol.Trade) error {
		return t.Abort(p.Reason)
	})
	if err != nil {
		return nil, err
	}
	if s.p2p != nil {
		if to, err := s.tradePeer(p.ID); err == nil {
			s.abort(ctx, to, p.ID, errors.New(p.Reason))
		}
	}
	return snap, nil
}

// advance applies rounds until the trade waits for the peer. With start
// set, a trade in Round0 runs Round1 without waiting for the peer's.
// Messages are sent after the trade lock is released.
func (s *Server) advance(ctx context.Context, id string, start bool) error {
	to, err := s.tradePeer(id)
	if err != nil {
		return err
	}
	for {
		out, err := s.step(ctx, id, start)
		if err != nil {
			if snap, serr := s.registry.Snapshot(id); serr == nil && snap.Status == protocol.StatusFailed {
				s.abort(ctx, to, id, err)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := s.sendTo(ctx, to, id, out.typ, out.msg); err != nil {
			return err
		}
		start = false
	}
}

type outbound struct {
	typ node.MessageType
	msg interface{}
}

// step runs the next round if its input is available. It returns the
// message for the peer, or nil when nothing was done. Round5 produces no
// message and therefore ends the loop.
func (s *Server) step(ctx context.Context, id string, start bool) (*outbound, error) {
	var out *outbound
	_, err := s.update(id, func(t *protocol.Trade) error {
		if t.Status() != protocol.StatusActive {
			return nil
		}
		round := t.Round()
		if round == protocol.Round0 && !start && !s.hasInbound(id, node.MsgRound1) {
			return nil
		}
		var in interface{}
		if round > protocol.Round0 {
			typ, err := node.RoundMessageType(int(round))
			if err != nil {
				return nil
			}
			if in, err = s.inbound(id, typ); err != nil || in == nil {
				return err
			}
		}

		var err error
		switch round {
		case protocol.Round0:
			var m *protocol.Round1Msg
			if m, err = t.Round1(); err == nil {
				out = &outbound{node.MsgRound1, m}
			}
		case protocol.Round1:
			var m *protocol.Round2Msg
			if m, err = t.Round2(in.(*protocol.Round1Msg)); err == nil {
				out = &outbound{node.MsgRound2, m}
			}
		case protocol.Round2:
			var m *protocol.Round3Msg
			if m, err = t.Round3(ctx, in.(*protocol.Round2Msg)); err == nil {
				out = &outbound{node.MsgRound3, m}
			}
		case protocol.Round3:
			var m *protocol.Round4Msg
			if m, err = t.Round4(in.(*protocol.Round3Msg)); err == nil {
				out = &outbound{node.MsgRound4, m}
			}
		case protocol.Round4:
			err = t.Round5(in.(*protocol.Round4Msg))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		s.logMessage(id, storage.DirectionOut, out.typ, out.msg)
	}
	return out, nil
}

func (s *Server) hasInbound(id string, typ node.MessageType) bool {
	_, err := s.store.LastTradeMessage(id, typ.Round(), storage.DirectionIn)
	return err == nil
}

// inbound loads the newest stored peer message of the given type. A
// missing message is not an error.
func (s *Server) inbound(id string, typ node.MessageType) (interface{}, error) {
	m, err := s.store.LastTradeMessage(id, typ.Round(), storage.DirectionIn)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, err := roundPayload(typ)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: stored %s: %v", protocol.ErrInvalidPeerData, typ, err)
	}
	return payload, nil
}

// sendTo queues a trade message for the peer.
func (s *Server) sendTo(ctx context.Context, to peer.ID, id string, typ node.MessageType, v interface{}) error {
	if s.p2p == nil {
		return errNoP2P
	}
	msg, err := node.NewTradeMessage(typ, id, v)
	if err != nil {
		return err
	}
	if err := s.p2p.Send(ctx, to, msg); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// abort tells the peer the trade failed on this side.
func (s *Server) abort(ctx context.Context, to peer.ID, id string, cause error) {
	payload := &node.AbortPayload{Reason: cause.Error()}
	if err := s.sendTo(ctx, to, id, node.MsgAbort, payload); err != nil {
		s.log.Warn("Failed to send abort", "trade_id", id, "error", err)
		return
	}
	s.logMessage(id, storage.DirectionOut, node.MsgAbort, payload)
}
