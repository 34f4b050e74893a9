package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/musig-trade/internal/protocol"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	PeerID       string   `json:"peer_id,omitempty"`
	Addrs        []string `json:"addrs"`
	Peers        int      `json:"peers"`
	Uptime       string   `json:"uptime,omitempty"`
	Version      string   `json:"version"`
	Network      string   `json:"network,omitempty"`
	DataDir      string   `json:"data_dir,omitempty"`
	WalletOpen   bool     `json:"wallet_unlocked"`
	ActiveTrades int      `json:"active_trades"`
	Watched      int      `json:"watched_txs"`
	WSClients    int      `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &NodeInfoResult{
		Addrs:     make([]string, 0),
		Version:   Version,
		WSClients: s.wsHub.ClientCount(),
	}
	if s.node != nil {
		res.PeerID = s.node.ID().String()
		for _, addr := range s.node.Addrs() {
			res.Addrs = append(res.Addrs, addr.String()+"/p2p/"+res.PeerID)
		}
		res.Peers = s.node.PeerCount()
		res.Uptime = s.node.Uptime().Round(time.Second).String()
	}
	if s.cfg != nil {
		res.Network = string(s.cfg.Network)
		res.DataDir = s.cfg.ResolvedDataDir()
	}
	if s.wallet != nil {
		res.WalletOpen = s.wallet.IsUnlocked()
	}
	for _, snap := range s.registry.List() {
		if snap.Status == protocol.StatusActive {
			res.ActiveTrades++
		}
	}
	if s.monitor != nil {
		res.Watched = s.monitor.Watched()
	}
	return res, nil
}

// ========================================
// Peers handlers
// ========================================

// PeerInfo represents information about a connected peer.
type PeerInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs,omitempty"`
}

// PeersListResult is the response for peers_list.
type PeersListResult struct {
	Peers []PeerInfo `json:"peers"`
	Count int        `json:"count"`
}

func (s *Server) peersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, errNoP2P
	}
	peers := s.node.Peers()
	result := make([]PeerInfo, 0, len(peers))

	ps := s.node.Host().Peerstore()
	for _, p := range peers {
		addrs := ps.Addrs(p)
		addrStrs := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addrStrs = append(addrStrs, addr.String())
		}
		result = append(result, PeerInfo{PeerID: p.String(), Addrs: addrStrs})
	}

	return &PeersListResult{Peers: result, Count: len(result)}, nil
}

// ConnectParams is the parameters for peers_connect.
type ConnectParams struct {
	Addr string `json:"addr"`
}

func (s *Server) peersConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConnectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Addr == "" {
		return nil, fmt.Errorf("%w: addr is required", errInvalidParams)
	}
	if s.node == nil {
		return nil, errNoP2P
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	id, err := s.node.ConnectByAddr(connectCtx, p.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"peer_id": id.String(),
	}, nil
}

// KnownPeersParams is the parameters for peers_known.
type KnownPeersParams struct {
	Limit int `json:"limit"`
}

// KnownPeerInfo represents a known peer from storage.
type KnownPeerInfo struct {
	PeerID          string   `json:"peer_id"`
	Addrs           []string `json:"addrs"`
	FirstSeen       int64    `json:"first_seen"`
	LastSeen        int64    `json:"last_seen"`
	LastConnected   int64    `json:"last_connected,omitempty"`
	ConnectionCount int      `json:"connection_count"`
	IsBootstrap     bool     `json:"is_bootstrap"`
	IsConnected     bool     `json:"is_connected"`
}

// KnownPeersResult is the response for peers_known.
type KnownPeersResult struct {
	Peers []KnownPeerInfo `json:"peers"`
	Count int             `json:"count"`
}

func (s *Server) peersKnown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p KnownPeersParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	if s.store == nil {
		return &KnownPeersResult{Peers: []KnownPeerInfo{}}, nil
	}

	records, err := s.store.ListPeers(time.Time{}, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	connected := make(map[string]bool)
	if s.node != nil {
		for _, id := range s.node.Peers() {
			connected[id.String()] = true
		}
	}

	result := make([]KnownPeerInfo, 0, len(records))
	for _, r := range records {
		var lastConnected int64
		if !r.LastConnected.IsZero() {
			lastConnected = r.LastConnected.Unix()
		}
		result = append(result, KnownPeerInfo{
			PeerID:          r.PeerID,
			Addrs:           r.Addresses,
			FirstSeen:       r.FirstSeen.Unix(),
			LastSeen:        r.LastSeen.Unix(),
			LastConnected:   lastConnected,
			ConnectionCount: r.ConnectionCount,
			IsBootstrap:     r.IsBootstrap,
			IsConnected:     connected[r.PeerID],
		})
	}

	return &KnownPeersResult{Peers: result, Count: len(result)}, nil
}
