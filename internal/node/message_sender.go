package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// transport is the network side of delivery. Node implements it.
type transport interface {
	localID() peer.ID
	// ensureConnected dials the peer, looking it up in the DHT if needed.
	ensureConnected(ctx context.Context, p peer.ID) bool
	sendStream(ctx context.Context, p peer.ID, msg *TradeMessage) error
	publishSealed(ctx context.Context, p peer.ID, msg *TradeMessage) error
}

// SenderConfig configures delivery and retries.
type SenderConfig struct {
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	BackoffMultiplier    float64
	AckTimeout           time.Duration
	MaxAttempts          int
	// MessageTTL bounds delivery of messages queued without an expiry.
	MessageTTL time.Duration
}

// DefaultSenderConfig returns the default configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		InitialRetryInterval: 10 * time.Second,
		MaxRetryInterval:     10 * time.Minute,
		BackoffMultiplier:    2.0,
		AckTimeout:           30 * time.Second,
		MaxAttempts:          50, // about 8 hours
		MessageTTL:           24 * time.Hour,
	}
}

// Backoff returns the wait before the next attempt after attempts failed
// ones.
func (c SenderConfig) Backoff(attempts int) time.Duration {
	d := c.InitialRetryInterval
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d >= c.MaxRetryInterval {
			return c.MaxRetryInterval
		}
	}
	return d
}

// MessageSender persists outbound messages before sending them, so a round
// message survives restarts and peer downtime. Delivery tries a direct
// stream first and falls back to the sealed topic.
type MessageSender struct {
	net   transport
	store *storage.Storage
	cfg   SenderConfig
	log   *logging.Logger
}

// NewMessageSender creates a sender.
func NewMessageSender(net transport, store *storage.Storage, cfg SenderConfig) *MessageSender {
	return &MessageSender{
		net:   net,
		store: store,
		cfg:   cfg,
		log:   logging.GetDefault().Component("sender"),
	}
}

// Queue stamps msg with delivery fields and stores it in the outbox.
func (s *MessageSender) Queue(to peer.ID, msg *TradeMessage) (*storage.OutboxMessage, error) {
	if msg.TradeID == "" {
		return nil, fmt.Errorf("message without trade id")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	now := time.Now()
	if msg.ExpiresAt == 0 {
		msg.ExpiresAt = now.Add(s.cfg.MessageTTL).Unix()
	}
	msg.FromPeer = s.net.localID().String()
	msg.Timestamp = now.Unix()
	msg.RequiresAck = true

	seq, err := s.store.NextSequence(msg.TradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}
	msg.Seq = seq

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	out := &storage.OutboxMessage{
		MessageID: msg.MessageID,
		TradeID:   msg.TradeID,
		PeerID:    to.String(),
		Type:      string(msg.Type),
		Payload:   payload,
		Seq:       seq,
		ExpiresAt: time.Unix(msg.ExpiresAt, 0),
	}
	if err := s.store.Enqueue(out); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	s.log.Debug("Message queued",
		"type", msg.Type,
		"trade_id", msg.TradeID,
		"seq", seq,
		"peer", shortID(to))
	return out, nil
}

// Send queues msg and delivers it in the background.
func (s *MessageSender) Send(ctx context.Context, to peer.ID, msg *TradeMessage) error {
	out, err := s.Queue(to, msg)
	if err != nil {
		return err
	}
	// Delivery outlives the caller's request.
	go s.Deliver(context.Background(), out)
	return nil
}

// Deliver makes one delivery attempt for a queued message and records the
// outcome.
func (s *MessageSender) Deliver(ctx context.Context, m *storage.OutboxMessage) {
	if s.cfg.MaxAttempts > 0 && m.Attempts >= s.cfg.MaxAttempts {
		s.log.Warn("Giving up on message", "message_id", m.MessageID, "trade_id", m.TradeID, "attempts", m.Attempts)
		s.fail(m.MessageID, "max attempts exceeded")
		return
	}
	if !time.Now().Before(m.ExpiresAt) {
		if _, err := s.store.ExpireMessages(time.Now()); err != nil {
			s.log.Warn("Failed to expire messages", "error", err)
		}
		return
	}
	to, err := peer.Decode(m.PeerID)
	if err != nil {
		s.fail(m.MessageID, "invalid peer id")
		return
	}
	var msg TradeMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		s.fail(m.MessageID, "invalid payload")
		return
	}

	if err := s.store.MarkSent(m.MessageID); err != nil {
		s.log.Warn("Failed to mark message sent", "error", err)
	}

	var lastErr error
	if s.net.ensureConnected(ctx, to) {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
		lastErr = s.net.sendStream(sendCtx, to, &msg)
		cancel()

		switch {
		case lastErr == nil:
			if err := s.store.MarkAcked(m.MessageID); err != nil {
				s.log.Warn("Failed to mark message acked", "error", err)
			}
			s.log.Debug("Message delivered", "type", msg.Type, "trade_id", msg.TradeID, "seq", msg.Seq)
			return
		case errors.Is(lastErr, ErrRejected):
			s.log.Warn("Peer rejected message", "type", msg.Type, "trade_id", msg.TradeID, "error", lastErr)
			s.fail(m.MessageID, lastErr.Error())
			return
		}
		s.log.Debug("Direct delivery failed", "peer", shortID(to), "error", lastErr)
	}

	// The relayed copy is acked asynchronously; until then it stays due
	// for another attempt.
	next := time.Now().Add(s.cfg.Backoff(m.Attempts))
	reason := "awaiting relay ack"
	if err := s.net.publishSealed(ctx, to, &msg); err != nil {
		reason = err.Error()
		if lastErr != nil {
			reason = lastErr.Error() + "; " + reason
		}
	}
	if err := s.store.Reschedule(m.MessageID, next, reason); err != nil {
		s.log.Warn("Failed to reschedule message", "error", err)
	}
	s.log.Debug("Retry scheduled", "message_id", m.MessageID, "next", next.Format(time.RFC3339), "reason", reason)
}

// HandleAck records an ACK that arrived through the relay.
func (s *MessageSender) HandleAck(ack *AckPayload) {
	if ack.Success {
		if err := s.store.MarkAcked(ack.MessageID); err != nil {
			s.log.Debug("ACK for unknown message", "message_id", ack.MessageID)
		}
		return
	}
	s.fail(ack.MessageID, ack.Error)
}

// FlushPeer retries everything pending for a peer in sequence order.
func (s *MessageSender) FlushPeer(ctx context.Context, p peer.ID) {
	pending, err := s.store.PendingForPeer(p.String())
	if err != nil {
		s.log.Warn("Failed to load pending messages", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	s.log.Info("Flushing pending messages", "peer", shortID(p), "count", len(pending))
	for _, m := range pending {
		s.Deliver(ctx, m)
	}
}

// PendingCount returns the number of undelivered messages of a trade.
func (s *MessageSender) PendingCount(tradeID string) (int, error) {
	pending, err := s.store.PendingForTrade(tradeID)
	return len(pending), err
}

// CancelTrade gives up on all undelivered messages of a trade.
func (s *MessageSender) CancelTrade(tradeID, reason string) error {
	pending, err := s.store.PendingForTrade(tradeID)
	if err != nil {
		return err
	}
	for _, m := range pending {
		s.fail(m.MessageID, reason)
	}
	if len(pending) > 0 {
		s.log.Info("Cancelled pending messages", "trade_id", tradeID, "count", len(pending), "reason", reason)
	}
	return nil
}

func (s *MessageSender) fail(messageID, reason string) {
	if err := s.store.MarkFailed(messageID, reason); err != nil {
		s.log.Warn("Failed to mark message failed", "message_id", messageID, "error", err)
	}
}
