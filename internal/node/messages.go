package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Protocol identifiers. Both are versioned independently of the daemon.
const (
	// TradeDirectProtocol carries round messages over a direct stream.
	TradeDirectProtocol = "/musigd/trade/1.0.0"

	// TradeEncryptedTopic carries round messages sealed for one recipient
	// when no direct stream can be opened. Every subscriber receives every
	// envelope; only the recipient can open it.
	TradeEncryptedTopic = "/musigd/trade/encrypted/1.0.0"
)

// MessageType names the payload of a TradeMessage.
type MessageType string

const (
	MsgRound1 MessageType = "round1"
	MsgRound2 MessageType = "round2"
	MsgRound3 MessageType = "round3"
	MsgRound4 MessageType = "round4"
	MsgClose  MessageType = "close" // key share handover
	MsgAbort  MessageType = "abort"
	MsgAck    MessageType = "ack"
)

// Round returns the protocol round a message type belongs to, or 0.
func (t MessageType) Round() int {
	switch t {
	case MsgRound1:
		return 1
	case MsgRound2:
		return 2
	case MsgRound3:
		return 3
	case MsgRound4:
		return 4
	case MsgClose:
		return 5
	}
	return 0
}

// RoundMessageType returns the type carrying the message of round n.
func RoundMessageType(n int) (MessageType, error) {
	switch n {
	case 1:
		return MsgRound1, nil
	case 2:
		return MsgRound2, nil
	case 3:
		return MsgRound3, nil
	case 4:
		return MsgRound4, nil
	}
	return "", fmt.Errorf("no message for round %d", n)
}

// TradeMessage is the unit exchanged between two trading nodes.
type TradeMessage struct {
	Type      MessageType     `json:"type"`
	TradeID   string          `json:"trade_id"`
	FromPeer  string          `json:"from_peer"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`

	// Delivery fields
	MessageID   string `json:"message_id,omitempty"`
	Seq         uint64 `json:"seq,omitempty"` // per trade, per direction
	RequiresAck bool   `json:"requires_ack,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

// AckPayload acknowledges one message.
type AckPayload struct {
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ErrRejected is returned when the peer acknowledged a message with a
// processing error.
var ErrRejected = errors.New("message rejected by peer")

// MessageHandler processes an inbound message. A returned error is sent back
// to the peer in a negative ACK.
type MessageHandler func(ctx context.Context, msg *TradeMessage) error

// NewTradeMessage encodes payload into a message of the given type.
func NewTradeMessage(typ MessageType, tradeID string, payload interface{}) (*TradeMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		raw = data
	}
	return &TradeMessage{
		Type:    typ,
		TradeID: tradeID,
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *TradeMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// AbortPayload tells the peer a trade was given up.
type AbortPayload struct {
	Reason string `json:"reason"`
}
