// Package storage persists trades, their message log, the P2P delivery
// queues and known peers in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "musigd.db"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the SQLite store of the daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (and creates if needed) the database in cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- One row per trade. snapshot holds the public JSON state; secrets are
	-- never written here.
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		peer_id TEXT,
		seller_amount INTEGER NOT NULL,
		buyer_amount INTEGER NOT NULL,
		round INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		deposit_txid TEXT,
		swap_txid TEXT,
		closed_by TEXT,
		failure_reason TEXT,
		snapshot TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_deposit ON trades(deposit_txid);

	-- Round messages exchanged with the peer, kept for audit and resend.
	CREATE TABLE IF NOT EXISTS trade_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		direction TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (trade_id) REFERENCES trades(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_trade_messages_trade ON trade_messages(trade_id, round);

	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		trade_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		sequence_num INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt_at INTEGER,
		next_retry_at INTEGER NOT NULL,
		acked_at INTEGER,
		status TEXT DEFAULT 'pending',
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_trade ON message_outbox(trade_id);

	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		trade_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		sequence_num INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		processed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_trade ON message_inbox(trade_id, sequence_num);

	CREATE TABLE IF NOT EXISTS message_sequences (
		trade_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,
		remote_seq INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
