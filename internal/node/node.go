// Package node is the libp2p transport between two trading daemons. Round
// messages go over a direct stream protocol with ACKs; when a peer cannot be
// dialed they are sealed to its identity key and relayed through GossipSub.
// Outbound messages are persisted and retried until acknowledged.
package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/musig-trade/internal/config"
	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// ErrMessagingDisabled is returned by Send on a node without storage.
var ErrMessagingDisabled = errors.New("messaging not initialized")

// Node is a musigd peer.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	cfg    *config.Config
	store  *storage.Storage
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery
	bootstrap   map[peer.ID]bool
	bootAddrs   []peer.AddrInfo

	in      *inbound
	stream  *StreamHandler
	relay   *TopicRelay
	sender  *MessageSender
	retry   *RetryWorker
	peerMon *PeerMonitor

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)

	mu sync.RWMutex
}

// New creates a node from the P2P section of cfg. store may be nil, in which
// case the node can receive but not send trade messages.
func New(ctx context.Context, cfg *config.Config, store *storage.Storage) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		cfg:       cfg,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		bootstrap: make(map[peer.ID]bool),
		log:       logging.GetDefault().Component("node"),
	}
	n.in = newInbound(store, n.log)

	fail := func(err error) (*Node, error) {
		if n.host != nil {
			n.host.Close()
		}
		cancel()
		return nil, err
	}

	priv, err := loadOrCreateKey(cfg.KeyFilePath())
	if err != nil {
		return fail(fmt.Errorf("failed to load node key: %w", err))
	}

	p2p := cfg.P2P
	listen := make([]multiaddr.Multiaddr, 0, len(p2p.ListenAddrs))
	for _, s := range p2p.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return fail(fmt.Errorf("invalid listen address %s: %w", s, err))
		}
		listen = append(listen, ma)
	}
	for _, s := range p2p.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return fail(fmt.Errorf("invalid bootstrap address %s: %w", s, err))
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return fail(fmt.Errorf("invalid bootstrap peer %s: %w", s, err))
		}
		n.bootAddrs = append(n.bootAddrs, *pi)
		n.bootstrap[pi.ID] = true
	}

	cm, err := connmgr.NewConnManager(
		p2p.ConnMgr.LowWater,
		p2p.ConnMgr.HighWater,
		connmgr.WithGracePeriod(p2p.ConnMgr.GracePeriod),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to create connection manager: %w", err))
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if p2p.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if p2p.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if p2p.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fail(fmt.Errorf("failed to create libp2p host: %w", err))
	}
	n.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.mu.RLock()
			cb := n.onPeerConnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(c.RemotePeer())
			}
			if n.store != nil {
				go n.savePeerOnConnect(c.RemotePeer())
			}
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.mu.RLock()
			cb := n.onPeerDisconnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(c.RemotePeer())
			}
		},
	})

	if p2p.EnableDHT {
		if err := n.initDHT(ctx); err != nil {
			return fail(fmt.Errorf("failed to initialize DHT: %w", err))
		}
	}
	n.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize pubsub: %w", err))
	}
	if p2p.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	n.stream = NewStreamHandler(h, n.in)

	if store != nil {
		n.sender = NewMessageSender(n, store, DefaultSenderConfig())
		n.retry = NewRetryWorker(store, n.sender, DefaultRetryWorkerConfig())
		n.peerMon = NewPeerMonitor(n, n.sender)
	}

	sealer, err := NewSealer(priv, h.ID())
	if err != nil {
		return fail(err)
	}
	var onAck func(*AckPayload)
	if n.sender != nil {
		onAck = n.sender.HandleAck
	}
	n.relay, err = NewTopicRelay(n.pubsub, h.ID(), sealer, n.in, onAck)
	if err != nil {
		return fail(err)
	}

	return n, nil
}

// loadOrCreateKey reads the Ed25519 identity from path, creating it on first
// use.
func loadOrCreateKey(path string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	logging.GetDefault().Component("node").Info("Generated new node identity", "path", path)
	return priv, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.cfg.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound connects to peers found by mDNS.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("Failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to bootstrap peers, begins discovery and starts the
// messaging components.
func (n *Node) Start() error {
	n.startTime = time.Now()

	if err := n.LoadPersistedPeers(); err != nil {
		n.log.Warn("Failed to load persisted peers", "error", err)
	}

	for _, pi := range n.bootAddrs {
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
				return
			}
			n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
		}(pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.cfg.DiscoveryNamespace())
		go n.discoverPeers()
	}

	n.stream.Start()
	n.relay.Start()
	if n.sender != nil {
		n.retry.Start()
		if err := n.peerMon.Start(); err != nil {
			n.log.Warn("Failed to start peer monitor", "error", err)
		}
	}

	n.log.Info("Node started", "peer_id", n.host.ID().String(), "network", n.cfg.Network)
	return nil
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.cfg.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					_ = n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	if n.retry != nil {
		n.retry.Stop()
	}
	if n.peerMon != nil {
		n.peerMon.Stop()
	}
	if err := n.SavePeerCache(); err != nil {
		n.log.Warn("Failed to save peer cache", "error", err)
	}
	n.stream.Stop()
	n.relay.Stop()
	n.cancel()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// Handle registers the handler for a message type.
func (n *Node) Handle(typ MessageType, h MessageHandler) {
	n.in.register(typ, h)
}

// Send queues msg for to and starts delivery.
func (n *Node) Send(ctx context.Context, to peer.ID, msg *TradeMessage) error {
	if n.sender == nil {
		return ErrMessagingDisabled
	}
	return n.sender.Send(ctx, to, msg)
}

// Sender returns the message sender, nil without storage.
func (n *Node) Sender() *MessageSender {
	return n.sender
}

func (n *Node) localID() peer.ID { return n.host.ID() }

func (n *Node) ensureConnected(ctx context.Context, p peer.ID) bool {
	if n.host.Network().Connectedness(p) == network.Connected {
		return true
	}
	if len(n.host.Peerstore().Addrs(p)) == 0 && n.dht != nil {
		lookup, cancel := context.WithTimeout(ctx, 30*time.Second)
		pi, err := n.dht.FindPeer(lookup, p)
		cancel()
		if err != nil {
			n.log.Debug("DHT lookup failed", "peer", shortID(p), "error", err)
			return false
		}
		n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
	}
	dial, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.host.Connect(dial, peer.AddrInfo{ID: p}); err != nil {
		n.log.Debug("Failed to connect", "peer", shortID(p), "error", err)
		return false
	}
	return true
}

func (n *Node) sendStream(ctx context.Context, p peer.ID, msg *TradeMessage) error {
	return n.stream.Send(ctx, p, msg)
}

func (n *Node) publishSealed(ctx context.Context, p peer.ID, msg *TradeMessage) error {
	return n.relay.Publish(ctx, p, msg)
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Peers returns the connected peers.
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// ConnectByAddr connects to a peer given as a /p2p multiaddr.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("invalid peer addr info: %w", err)
	}
	return pi.ID, n.host.Connect(ctx, *pi)
}

// OnPeerConnected sets a callback for new connections.
func (n *Node) OnPeerConnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerConnected = cb
	n.mu.Unlock()
}

// OnPeerDisconnected sets a callback for closed connections.
func (n *Node) OnPeerDisconnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerDisconnected = cb
	n.mu.Unlock()
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
