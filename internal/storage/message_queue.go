package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutboxStatus is the delivery state of a queued message.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent" // awaiting ack
	OutboxAcked   OutboxStatus = "acked"
	OutboxFailed  OutboxStatus = "failed"
	OutboxExpired OutboxStatus = "expired"
)

// OutboxMessage is a round message waiting for delivery to a peer.
type OutboxMessage struct {
	ID          int64        `json:"id"`
	MessageID   string       `json:"message_id"`
	TradeID     string       `json:"trade_id"`
	PeerID      string       `json:"peer_id"`
	Type        string       `json:"type"`
	Payload     []byte       `json:"payload"`
	Seq         uint64       `json:"seq"`
	ExpiresAt   time.Time    `json:"expires_at"`
	CreatedAt   time.Time    `json:"created_at"`
	Attempts    int          `json:"attempts"`
	LastAttempt time.Time    `json:"last_attempt,omitempty"`
	NextAttempt time.Time    `json:"next_attempt"`
	AckedAt     time.Time    `json:"acked_at,omitempty"`
	Status      OutboxStatus `json:"status"`
	LastError   string       `json:"last_error,omitempty"`
}

// InboxMessage records a message received from a peer.
type InboxMessage struct {
	MessageID   string    `json:"message_id"`
	TradeID     string    `json:"trade_id"`
	PeerID      string    `json:"peer_id"`
	Type        string    `json:"type"`
	Seq         uint64    `json:"seq"`
	ReceivedAt  time.Time `json:"received_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// Sequences holds the message counters of one trade.
type Sequences struct {
	TradeID string `json:"trade_id"`
	Local   uint64 `json:"local"`
	Remote  uint64 `json:"remote"`
}

const outboxColumns = `id, message_id, trade_id, peer_id, message_type, payload, sequence_num,
	expires_at, created_at, retry_count, last_attempt_at, next_retry_at, acked_at,
	status, error_message`

// Enqueue adds a message to the outbox. It is due immediately.
func (s *Storage) Enqueue(m *OutboxMessage) error {
	if m.ExpiresAt.IsZero() {
		return fmt.Errorf("outbox message %s has no expiry", m.MessageID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	m.CreatedAt = now
	m.NextAttempt = now
	m.Status = OutboxPending
	res, err := s.db.Exec(`
		INSERT INTO message_outbox (
			message_id, trade_id, peer_id, message_type, payload, sequence_num,
			expires_at, created_at, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, m.MessageID, m.TradeID, m.PeerID, m.Type, m.Payload, m.Seq,
		m.ExpiresAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// DueMessages returns undelivered messages whose next attempt is at or before now.
func (s *Storage) DueMessages(now time.Time, limit int) ([]*OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOutbox(`
		WHERE status IN ('pending', 'sent') AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC LIMIT ?`, now.Unix(), limit)
}

// PendingForPeer returns undelivered messages for a peer in sequence order.
func (s *Storage) PendingForPeer(peerID string) ([]*OutboxMessage, error) {
	return s.queryOutbox(`
		WHERE peer_id = ? AND status IN ('pending', 'sent')
		ORDER BY trade_id, sequence_num ASC`, peerID)
}

// PendingForTrade returns undelivered messages of a trade in sequence order.
func (s *Storage) PendingForTrade(tradeID string) ([]*OutboxMessage, error) {
	return s.queryOutbox(`
		WHERE trade_id = ? AND status IN ('pending', 'sent')
		ORDER BY sequence_num ASC`, tradeID)
}

// GetOutboxMessage loads one outbox message.
func (s *Storage) GetOutboxMessage(messageID string) (*OutboxMessage, error) {
	msgs, err := s.queryOutbox(`WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("outbox message %s: %w", messageID, ErrNotFound)
	}
	return msgs[0], nil
}

// MarkSent records a delivery attempt.
func (s *Storage) MarkSent(messageID string) error {
	return s.execOutbox(`
		UPDATE message_outbox SET status = 'sent', last_attempt_at = ?, retry_count = retry_count + 1
		WHERE message_id = ?`, time.Now().Unix(), messageID)
}

// MarkAcked records the peer's acknowledgement.
func (s *Storage) MarkAcked(messageID string) error {
	return s.execOutbox(`
		UPDATE message_outbox SET status = 'acked', acked_at = ?
		WHERE message_id = ?`, time.Now().Unix(), messageID)
}

// MarkFailed gives up on a message.
func (s *Storage) MarkFailed(messageID, reason string) error {
	return s.execOutbox(`
		UPDATE message_outbox SET status = 'failed', error_message = ?
		WHERE message_id = ?`, reason, messageID)
}

// Reschedule puts a message back in the queue for another attempt at next.
func (s *Storage) Reschedule(messageID string, next time.Time, reason string) error {
	return s.execOutbox(`
		UPDATE message_outbox SET status = 'pending', next_retry_at = ?, error_message = ?
		WHERE message_id = ?`, next.Unix(), nullString(reason), messageID)
}

// ExpireMessages marks undelivered messages past their expiry and returns how
// many were affected.
func (s *Storage) ExpireMessages(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE message_outbox SET status = 'expired', error_message = 'message expired'
		WHERE status IN ('pending', 'sent') AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeOutbox deletes finished messages created before the cutoff.
func (s *Storage) PurgeOutbox(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM message_outbox
		WHERE status IN ('acked', 'failed', 'expired') AND created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OutboxStats counts outbox messages per status.
func (s *Storage) OutboxStats() (map[OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM message_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = n
	}
	return stats, rows.Err()
}

func (s *Storage) execOutbox(query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox message: %w", ErrNotFound)
	}
	return nil
}

func (s *Storage) queryOutbox(tail string, args ...interface{}) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+outboxColumns+` FROM message_outbox `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		var (
			m                      OutboxMessage
			expires, created, next int64
			lastAttempt, acked     sql.NullInt64
			status                 string
			lastError              sql.NullString
		)
		err := rows.Scan(&m.ID, &m.MessageID, &m.TradeID, &m.PeerID, &m.Type, &m.Payload, &m.Seq,
			&expires, &created, &m.Attempts, &lastAttempt, &next, &acked, &status, &lastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.ExpiresAt = time.Unix(expires, 0)
		m.CreatedAt = time.Unix(created, 0)
		m.NextAttempt = time.Unix(next, 0)
		if lastAttempt.Valid {
			m.LastAttempt = time.Unix(lastAttempt.Int64, 0)
		}
		if acked.Valid {
			m.AckedAt = time.Unix(acked.Int64, 0)
		}
		m.Status = OutboxStatus(status)
		m.LastError = lastError.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RecordInbound stores a received message. It reports false when the message
// id was seen before, so duplicates can be acked without being handled again.
func (s *Storage) RecordInbound(m *InboxMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_inbox (
			message_id, trade_id, peer_id, message_type, sequence_num, received_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.TradeID, m.PeerID, m.Type, m.Seq, m.ReceivedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkProcessed records that an inbound message was handled.
func (s *Storage) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE message_inbox SET processed_at = ? WHERE message_id = ?`,
		time.Now().Unix(), messageID)
	return err
}

// GetInboxMessage loads one inbound message.
func (s *Storage) GetInboxMessage(messageID string) (*InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m         InboxMessage
		received  int64
		processed sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT message_id, trade_id, peer_id, message_type, sequence_num, received_at, processed_at
		FROM message_inbox WHERE message_id = ?
	`, messageID).Scan(&m.MessageID, &m.TradeID, &m.PeerID, &m.Type, &m.Seq, &received, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inbox message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.ReceivedAt = time.Unix(received, 0)
	if processed.Valid {
		m.ProcessedAt = time.Unix(processed.Int64, 0)
	}
	return &m, nil
}

// PurgeInbox deletes inbound records received before the cutoff.
func (s *Storage) PurgeInbox(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM message_inbox WHERE received_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NextSequence increments and returns the local message counter of a trade.
func (s *Storage) NextSequence(tradeID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO message_sequences (trade_id, local_seq, remote_seq, updated_at)
		VALUES (?, 1, 0, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			local_seq = message_sequences.local_seq + 1,
			updated_at = excluded.updated_at
	`, tradeID, now)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = s.db.QueryRow(`SELECT local_seq FROM message_sequences WHERE trade_id = ?`, tradeID).Scan(&seq)
	return seq, err
}

// ObserveRemoteSequence raises the remote counter of a trade to seq. Lower
// values are ignored.
func (s *Storage) ObserveRemoteSequence(tradeID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO message_sequences (trade_id, local_seq, remote_seq, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			remote_seq = MAX(message_sequences.remote_seq, excluded.remote_seq),
			updated_at = excluded.updated_at
	`, tradeID, seq, time.Now().Unix())
	return err
}

// GetSequences returns the counters of a trade; zero when none were recorded.
func (s *Storage) GetSequences(tradeID string) (*Sequences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := &Sequences{TradeID: tradeID}
	err := s.db.QueryRow(`
		SELECT local_seq, remote_seq FROM message_sequences WHERE trade_id = ?
	`, tradeID).Scan(&seq.Local, &seq.Remote)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return seq, nil
}
