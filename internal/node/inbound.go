package node

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// inbound dispatches received messages to handlers. Stream and topic
// deliveries share it, so a message arriving on both paths is handled once.
type inbound struct {
	store *storage.Storage // optional
	log   *logging.Logger

	mu       sync.RWMutex
	handlers map[MessageType]MessageHandler
}

func newInbound(store *storage.Storage, log *logging.Logger) *inbound {
	return &inbound{
		store:    store,
		log:      log,
		handlers: make(map[MessageType]MessageHandler),
	}
}

func (in *inbound) register(typ MessageType, h MessageHandler) {
	in.mu.Lock()
	in.handlers[typ] = h
	in.mu.Unlock()
}

// handle runs the handler for msg and returns the ACK to send back. from is
// the authenticated sender.
func (in *inbound) handle(ctx context.Context, from peer.ID, msg *TradeMessage) AckPayload {
	ack := AckPayload{MessageID: msg.MessageID, Seq: msg.Seq}

	if msg.FromPeer != from.String() {
		in.log.Warn("Sender mismatch", "claimed", msg.FromPeer, "peer", shortID(from))
		ack.Error = "sender mismatch"
		return ack
	}

	if msg.MessageID != "" && in.store != nil {
		fresh, err := in.store.RecordInbound(&storage.InboxMessage{
			MessageID: msg.MessageID,
			TradeID:   msg.TradeID,
			PeerID:    from.String(),
			Type:      string(msg.Type),
			Seq:       msg.Seq,
		})
		if err != nil {
			in.log.Warn("Failed to record inbound message", "error", err)
		} else if !fresh {
			in.log.Debug("Duplicate message, re-sending ACK", "message_id", msg.MessageID)
			ack.Success = true
			return ack
		}
		if msg.Seq > 0 {
			if err := in.store.ObserveRemoteSequence(msg.TradeID, msg.Seq); err != nil {
				in.log.Warn("Failed to update remote sequence", "error", err)
			}
		}
	}

	in.mu.RLock()
	h, ok := in.handlers[msg.Type]
	in.mu.RUnlock()
	if !ok {
		in.log.Warn("No handler for message type", "type", msg.Type)
		ack.Error = "unknown message type"
		return ack
	}

	err := h(ctx, msg)

	if msg.MessageID != "" && in.store != nil {
		if err := in.store.MarkProcessed(msg.MessageID); err != nil {
			in.log.Warn("Failed to mark message processed", "error", err)
		}
	}
	if err != nil {
		in.log.Debug("Message handler failed", "type", msg.Type, "trade_id", msg.TradeID, "error", err)
		ack.Error = err.Error()
		return ack
	}
	ack.Success = true
	return ack
}
