package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Trade statuses as stored. They mirror the protocol statuses.
const (
	TradeStatusActive = "active"
	TradeStatusFailed = "failed"
	TradeStatusClosed = "closed"
)

// Directions of a logged trade message.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Trade is the persisted record of one trade.
type Trade struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	PeerID        string          `json:"peer_id,omitempty"`
	SellerAmount  int64           `json:"seller_amount"`
	BuyerAmount   int64           `json:"buyer_amount"`
	Round         int             `json:"round"`
	Status        string          `json:"status"`
	DepositTxID   string          `json:"deposit_txid,omitempty"`
	SwapTxID      string          `json:"swap_txid,omitempty"`
	ClosedBy      string          `json:"closed_by,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	Status string
	Limit  int
}

// SaveTrade inserts a trade or updates its mutable columns.
func (s *Storage) SaveTrade(t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TradeStatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO trades (
			id, role, peer_id, seller_amount, buyer_amount, round, status,
			deposit_txid, swap_txid, closed_by, failure_reason, snapshot,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id = COALESCE(excluded.peer_id, trades.peer_id),
			round = excluded.round,
			status = excluded.status,
			deposit_txid = COALESCE(excluded.deposit_txid, trades.deposit_txid),
			swap_txid = COALESCE(excluded.swap_txid, trades.swap_txid),
			closed_by = COALESCE(excluded.closed_by, trades.closed_by),
			failure_reason = COALESCE(excluded.failure_reason, trades.failure_reason),
			snapshot = COALESCE(excluded.snapshot, trades.snapshot),
			updated_at = excluded.updated_at
	`,
		t.ID, t.Role, nullString(t.PeerID), t.SellerAmount, t.BuyerAmount, t.Round, t.Status,
		nullString(t.DepositTxID), nullString(t.SwapTxID), nullString(t.ClosedBy),
		nullString(t.FailureReason), nullString(string(t.Snapshot)),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", t.ID, err)
	}
	return nil
}

const tradeColumns = `id, role, peer_id, seller_amount, buyer_amount, round, status,
	deposit_txid, swap_txid, closed_by, failure_reason, snapshot, created_at, updated_at`

// GetTrade loads one trade.
func (s *Storage) GetTrade(id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTrades returns trades, newest first.
func (s *Storage) ListTrades(filter TradeFilter) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTrade removes a trade and its message log.
func (s *Storage) DeleteTrade(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM trades WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	_, err = s.db.Exec(`DELETE FROM trade_messages WHERE trade_id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t                                  Trade
		peerID, deposit, swap, closed, why sql.NullString
		snapshot                           sql.NullString
		created, updated                   int64
	)
	err := row.Scan(&t.ID, &t.Role, &peerID, &t.SellerAmount, &t.BuyerAmount, &t.Round, &t.Status,
		&deposit, &swap, &closed, &why, &snapshot, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.PeerID = peerID.String
	t.DepositTxID = deposit.String
	t.SwapTxID = swap.String
	t.ClosedBy = closed.String
	t.FailureReason = why.String
	if snapshot.Valid {
		t.Snapshot = json.RawMessage(snapshot.String)
	}
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}

// TradeMessage is one logged round message.
type TradeMessage struct {
	ID          int64           `json:"id"`
	TradeID     string          `json:"trade_id"`
	Round       int             `json:"round"`
	Direction   string          `json:"direction"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AppendTradeMessage logs a message sent to or received from the peer.
func (s *Storage) AppendTradeMessage(m *TradeMessage) error {
	if m.Direction != DirectionIn && m.Direction != DirectionOut {
		return fmt.Errorf("invalid message direction %q", m.Direction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO trade_messages (trade_id, round, direction, message_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.TradeID, m.Round, m.Direction, m.MessageType, []byte(m.Payload), m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to log trade message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// TradeMessages returns the message log of a trade in insertion order.
func (s *Storage) TradeMessages(tradeID string) ([]*TradeMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, trade_id, round, direction, message_type, payload, created_at
		FROM trade_messages WHERE trade_id = ? ORDER BY id ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeMessage
	for rows.Next() {
		var (
			m       TradeMessage
			payload []byte
			created int64
		)
		if err := rows.Scan(&m.ID, &m.TradeID, &m.Round, &m.Direction, &m.MessageType, &payload, &created); err != nil {
			return nil, err
		}
		m.Payload = payload
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// LastTradeMessage returns the newest logged message of a trade in the given
// direction and round, for resending.
func (s *Storage) LastTradeMessage(tradeID string, round int, direction string) (*TradeMessage, error) {
	msgs, err := s.TradeMessages(tradeID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Round == round && msgs[i].Direction == direction {
			return msgs[i], nil
		}
	}
	return nil, fmt.Errorf("trade %s round %d %s message: %w", tradeID, round, direction, ErrNotFound)
}
