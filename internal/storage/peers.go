package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Peer is a counterparty node the daemon has seen.
type Peer struct {
	PeerID          string    `json:"peer_id"`
	Addresses       []string  `json:"addresses"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected,omitempty"`
	ConnectionCount int       `json:"connection_count"`
	IsBootstrap     bool      `json:"is_bootstrap"`
}

const peerColumns = `peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap`

// SavePeer inserts a peer or refreshes its addresses and last-seen time.
func (s *Storage) SavePeer(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs, err := json.Marshal(p.Addresses)
	if err != nil {
		return err
	}
	now := time.Now()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = MAX(peers.last_seen, excluded.last_seen),
			is_bootstrap = MAX(peers.is_bootstrap, excluded.is_bootstrap)
	`, p.PeerID, string(addrs), p.FirstSeen.Unix(), p.LastSeen.Unix(),
		unixOrZero(p.LastConnected), p.ConnectionCount, boolToInt(p.IsBootstrap))
	if err != nil {
		return fmt.Errorf("failed to save peer %s: %w", p.PeerID, err)
	}
	return nil
}

// GetPeer loads one peer.
func (s *Storage) GetPeer(peerID string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPeer(s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %s: %w", peerID, ErrNotFound)
	}
	return p, err
}

// ListPeers returns peers seen after since (all when zero), most connected
// first. A non-positive limit means no limit.
func (s *Storage) ListPeers(since time.Time, limit int) ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+peerColumns+` FROM peers
		WHERE last_seen >= ?
		ORDER BY connection_count DESC, last_seen DESC
		LIMIT ?
	`, unixOrZero(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// MarkPeerConnected bumps the connection counter and timestamps of a peer.
func (s *Storage) MarkPeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO peers (`+peerColumns+`) VALUES (?, '[]', ?, ?, ?, 1, 0)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_connected = excluded.last_connected,
			last_seen = excluded.last_seen,
			connection_count = peers.connection_count + 1
	`, peerID, now, now, now)
	return err
}

// DeletePeer forgets a peer.
func (s *Storage) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	return err
}

// PeerCount returns the number of known peers.
func (s *Storage) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

func scanPeer(row rowScanner) (*Peer, error) {
	var (
		p                                  Peer
		addrs                              sql.NullString
		firstSeen, lastSeen, lastConnected sql.NullInt64
		bootstrap                          int
	)
	err := row.Scan(&p.PeerID, &addrs, &firstSeen, &lastSeen, &lastConnected, &p.ConnectionCount, &bootstrap)
	if err != nil {
		return nil, err
	}
	if addrs.String != "" {
		if err := json.Unmarshal([]byte(addrs.String), &p.Addresses); err != nil {
			return nil, fmt.Errorf("peer %s addresses: %w", p.PeerID, err)
		}
	}
	p.FirstSeen = time.Unix(firstSeen.Int64, 0)
	p.LastSeen = time.Unix(lastSeen.Int64, 0)
	if lastConnected.Int64 > 0 {
		p.LastConnected = time.Unix(lastConnected.Int64, 0)
	}
	p.IsBootstrap = bootstrap == 1
	return &p, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
