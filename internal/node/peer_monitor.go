package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// PeerMonitor flushes the outbox of a peer as soon as it connects, instead
// of waiting for the next retry.
type PeerMonitor struct {
	node   *Node
	sender *MessageSender
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeerMonitor creates a peer monitor.
func NewPeerMonitor(n *Node, sender *MessageSender) *PeerMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerMonitor{
		node:   n,
		sender: sender,
		log:    logging.GetDefault().Component("peer-monitor"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to connectedness events.
func (m *PeerMonitor) Start() error {
	sub, err := m.node.Host().EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}
	go m.run(sub)
	return nil
}

// Stop ends the subscription.
func (m *PeerMonitor) Stop() {
	m.cancel()
}

func (m *PeerMonitor) run(sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			e, ok := ev.(event.EvtPeerConnectednessChanged)
			if !ok || e.Connectedness != network.Connected {
				continue
			}
			go m.sender.FlushPeer(m.ctx, e.Peer)
		}
	}
}
