package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/musig-trade/internal/storage"
)

// peerCacheAge is how far back persisted peers are loaded on startup.
const peerCacheAge = 7 * 24 * time.Hour

// LoadPersistedPeers adds recently seen peers to the libp2p peerstore so
// trade counterparties can be dialed without discovery.
func (n *Node) LoadPersistedPeers() error {
	if n.store == nil {
		return nil
	}
	records, err := n.store.ListPeers(time.Now().Add(-peerCacheAge), 100)
	if err != nil {
		return err
	}

	loaded := 0
	for _, rec := range records {
		id, err := peer.Decode(rec.PeerID)
		if err != nil || id == n.host.ID() {
			continue
		}
		addrs := parseAddrs(rec.Addresses)
		if len(addrs) == 0 {
			continue
		}
		n.host.Peerstore().AddAddrs(id, addrs, peerstore.TempAddrTTL)
		loaded++
	}
	if loaded > 0 {
		n.log.Info("Loaded persisted peers", "count", loaded)
	}
	return nil
}

// SavePeerCache writes the addresses of all known peers to storage.
func (n *Node) SavePeerCache() error {
	if n.store == nil {
		return nil
	}
	saved := 0
	for _, id := range n.host.Peerstore().Peers() {
		if id == n.host.ID() {
			continue
		}
		if err := n.savePeer(id); err != nil {
			n.log.Debug("Failed to save peer", "peer", shortID(id), "error", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		n.log.Info("Saved peer cache", "count", saved)
	}
	return nil
}

// savePeerOnConnect records a connection to a peer.
func (n *Node) savePeerOnConnect(id peer.ID) {
	if err := n.savePeer(id); err != nil {
		n.log.Debug("Failed to save connected peer", "error", err)
		return
	}
	if err := n.store.MarkPeerConnected(id.String()); err != nil {
		n.log.Debug("Failed to record peer connection", "error", err)
	}
}

func (n *Node) savePeer(id peer.ID) error {
	addrs := n.host.Peerstore().Addrs(id)
	if len(addrs) == 0 {
		return nil
	}
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	now := time.Now()
	return n.store.SavePeer(&storage.Peer{
		PeerID:      id.String(),
		Addresses:   strs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: n.bootstrap[id],
	})
}

func parseAddrs(strs []string) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		a, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
