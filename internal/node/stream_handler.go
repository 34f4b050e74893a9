package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// StreamHandler serves TradeDirectProtocol: one message and one ACK per
// stream.
type StreamHandler struct {
	host host.Host
	in   *inbound
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHandler creates a stream handler on h.
func NewStreamHandler(h host.Host, in *inbound) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandler{
		host:   h,
		in:     in,
		log:    logging.GetDefault().Component("stream"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the protocol with the host.
func (h *StreamHandler) Start() {
	h.host.SetStreamHandler(protocol.ID(TradeDirectProtocol), h.handleStream)
	h.log.Info("Direct stream handler started", "protocol", TradeDirectProtocol)
}

// Stop unregisters the protocol.
func (h *StreamHandler) Stop() {
	h.cancel()
	h.host.RemoveStreamHandler(protocol.ID(TradeDirectProtocol))
}

func (h *StreamHandler) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	_ = s.SetReadDeadline(time.Now().Add(60 * time.Second))

	data, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		h.log.Warn("Failed to read message", "peer", shortID(remote), "error", err)
		return
	}
	var msg TradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("Failed to parse message", "peer", shortID(remote), "error", err)
		return
	}
	h.log.Debug("Received direct message",
		"type", msg.Type,
		"trade_id", msg.TradeID,
		"seq", msg.Seq,
		"from", shortID(remote))

	ack := h.in.handle(h.ctx, remote, &msg)
	if msg.RequiresAck {
		h.sendAck(s, ack)
	}
}

func (h *StreamHandler) sendAck(s network.Stream, ack AckPayload) {
	data, err := json.Marshal(newAckMessage(h.host.ID(), ack))
	if err != nil {
		h.log.Warn("Failed to marshal ACK", "error", err)
		return
	}
	_ = s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeLengthPrefixed(s, data); err != nil {
		h.log.Warn("Failed to send ACK", "error", err)
	}
}

// Send delivers msg over a new stream and, when an ACK is required, waits
// for it. A negative ACK yields ErrRejected.
func (h *StreamHandler) Send(ctx context.Context, to peer.ID, msg *TradeMessage) error {
	s, err := h.host.NewStream(ctx, to, protocol.ID(TradeDirectProtocol))
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_ = s.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := writeLengthPrefixed(s, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if !msg.RequiresAck {
		return nil
	}

	_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))
	reply, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		return fmt.Errorf("failed to read ACK: %w", err)
	}
	ack, err := parseAck(reply)
	if err != nil {
		return err
	}
	if ack.MessageID != msg.MessageID {
		return fmt.Errorf("ACK for %s, sent %s", ack.MessageID, msg.MessageID)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return nil
}

func newAckMessage(self peer.ID, ack AckPayload) *TradeMessage {
	payload, _ := json.Marshal(ack)
	return &TradeMessage{
		Type:      MsgAck,
		FromPeer:  self.String(),
		Payload:   payload,
		Timestamp: time.Now().Unix(),
		MessageID: uuid.NewString(),
		Seq:       ack.Seq,
	}
}

func parseAck(data []byte) (*AckPayload, error) {
	var msg TradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse ACK: %w", err)
	}
	if msg.Type != MsgAck {
		return nil, fmt.Errorf("unexpected response type %q", msg.Type)
	}
	var ack AckPayload
	if err := msg.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

const maxMessageSize = 1 << 20

// readLengthPrefixed reads a 4-byte big endian length followed by the body.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if n > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", n, maxMessageSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
