package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// TopicRelay delivers sealed messages through GossipSub. It is the fallback
// when a peer cannot be dialed directly; ACKs travel back the same way.
type TopicRelay struct {
	self   peer.ID
	sealer *Sealer
	in     *inbound
	onAck  func(*AckPayload)
	log    *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTopicRelay joins TradeEncryptedTopic.
func NewTopicRelay(ps *pubsub.PubSub, self peer.ID, sealer *Sealer, in *inbound, onAck func(*AckPayload)) (*TopicRelay, error) {
	topic, err := ps.Join(TradeEncryptedTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", TradeEncryptedTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TradeEncryptedTopic, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TopicRelay{
		self:   self,
		sealer: sealer,
		in:     in,
		onAck:  onAck,
		log:    logging.GetDefault().Component("relay"),
		topic:  topic,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start runs the receive loop.
func (r *TopicRelay) Start() {
	go r.run()
	r.log.Info("Encrypted relay started", "topic", TradeEncryptedTopic)
}

// Stop leaves the topic.
func (r *TopicRelay) Stop() {
	r.cancel()
	r.sub.Cancel()
	r.topic.Close()
}

// Publish seals msg for to and publishes it.
func (r *TopicRelay) Publish(ctx context.Context, to peer.ID, msg *TradeMessage) error {
	env, err := r.sealer.Seal(to, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return r.topic.Publish(ctx, data)
}

func (r *TopicRelay) run() {
	for {
		m, err := r.sub.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn("Error receiving envelope", "error", err)
			continue
		}
		author := m.GetFrom()
		if author == r.self {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.log.Debug("Failed to parse envelope", "error", err)
			continue
		}
		if !r.sealer.IsForUs(&env) {
			continue
		}
		// Gossip messages are signed by their author.
		if env.Sender != author.String() {
			r.log.Warn("Envelope sender does not match author", "author", shortID(author))
			continue
		}
		msg, err := r.sealer.Open(&env)
		if err != nil {
			r.log.Warn("Failed to open envelope", "from", shortID(author), "error", err)
			continue
		}
		go r.dispatch(author, msg)
	}
}

func (r *TopicRelay) dispatch(from peer.ID, msg *TradeMessage) {
	if msg.Type == MsgAck {
		var ack AckPayload
		if err := msg.Decode(&ack); err != nil {
			r.log.Debug("Bad ACK", "error", err)
			return
		}
		if r.onAck != nil {
			r.onAck(&ack)
		}
		return
	}

	ack := r.in.handle(r.ctx, from, msg)
	if !msg.RequiresAck {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()
	if err := r.Publish(ctx, from, newAckMessage(r.self, ack)); err != nil {
		r.log.Warn("Failed to publish ACK", "error", err)
	}
}
