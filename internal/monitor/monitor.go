// Package monitor polls the chain backend on behalf of running trades. It
// reports confirmation progress of watched transactions and, for Buyer
// trades, completes the reveal as soon as the Seller's swap shows up on
// chain.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// EventType names a monitor event.
type EventType string

const (
	// EventConfidence reports a change in a watched transaction's
	// confirmation count.
	EventConfidence EventType = "tx_confidence"
	// EventSwapRevealed reports that a Buyer trade extracted the Seller's
	// key share from a swap seen on chain.
	EventSwapRevealed EventType = "swap_revealed"
	// EventDepositSpent reports that the swap output was spent by
	// something other than the swap.
	EventDepositSpent EventType = "deposit_spent"
	// EventRevealFailed reports a reveal attempt that failed.
	EventRevealFailed EventType = "reveal_failed"
)

// Event is delivered to subscribers.
type Event struct {
	Type          EventType `json:"type"`
	TradeID       string    `json:"trade_id"`
	Kind          string    `json:"kind,omitempty"`
	TxID          string    `json:"txid,omitempty"`
	Confirmations int64     `json:"confirmations"`
	BlockHeight   int64     `json:"block_height,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Config configures a Monitor.
type Config struct {
	Backend  backend.Backend
	Registry *protocol.Registry
	Interval time.Duration // default 15s
	// Confirmations after which a transaction is no longer watched.
	Confirmations int64 // default 6
	Logger        *logging.Logger
}

type watch struct {
	tradeID string
	kind    string
	conf    int64 // -1 until first seen
}

// Monitor watches transactions and swap outputs.
type Monitor struct {
	backend  backend.Backend
	registry *protocol.Registry
	interval time.Duration
	depth    int64
	log      *logging.Logger

	mu       sync.Mutex
	watched  map[string]*watch // by txid
	done     map[string]bool   // txids that reached depth
	spent    map[string]string // trade id -> reported foreign spender
	handlers []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped monitor.
func New(cfg *Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	depth := cfg.Confirmations
	if depth <= 0 {
		depth = 6
	}
	l := cfg.Logger
	if l == nil {
		l = logging.GetDefault().Component("monitor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		backend:  cfg.Backend,
		registry: cfg.Registry,
		interval: interval,
		depth:    depth,
		log:      l,
		watched:  make(map[string]*watch),
		done:     make(map[string]bool),
		spent:    make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers fn for every event. Handlers run on the polling
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Event)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Watch starts reporting the confirmations of txid. Watching a txid twice
// or one that already reached the watch depth is a no-op.
func (m *Monitor) Watch(tradeID, kind, txid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[txid]; ok || m.done[txid] {
		return
	}
	m.watched[txid] = &watch{tradeID: tradeID, kind: kind, conf: -1}
	m.log.Debug("watching transaction", "trade_id", tradeID, "kind", kind, "txid", txid)
}

// Unwatch stops reporting txid.
func (m *Monitor) Unwatch(txid string) {
	m.mu.Lock()
	delete(m.watched, txid)
	m.mu.Unlock()
}

// Watched returns the number of watched transactions.
func (m *Monitor) Watched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

// Start runs the polling loop until Stop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info("chain monitor started", "interval", m.interval, "depth", m.depth)
}

// Stop ends the polling loop and waits for it.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("chain monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.interval)
			if err := m.Poll(ctx); err != nil {
				m.log.Debug("poll failed", "error", err)
			}
			cancel()
		}
	}
}

// Poll runs one pass over the trades and the watched transactions.
func (m *Monitor) Poll(ctx context.Context) error {
	if m.registry != nil {
		for _, s := range m.registry.List() {
			if s.Status == protocol.StatusClosed {
				continue
			}
			if s.Status == protocol.StatusActive && s.Round >= protocol.Round3 && s.DepositTxID != "" {
				m.Watch(s.ID, string(protocol.TxDeposit), s.DepositTxID)
			}
			// Failed Buyer trades holding the swap adaptor signature still
			// learn the Seller's share from the published swap.
			if s.Role == protocol.Buyer && s.Round >= protocol.Round3 {
				if err := m.checkSwap(ctx, s.ID); err != nil {
					m.log.Debug("swap check failed", "trade_id", s.ID, "error", err)
				}
			}
		}
	}
	return m.checkConfirmations(ctx)
}

func (m *Monitor) checkConfirmations(ctx context.Context) error {
	m.mu.Lock()
	txids := make([]string, 0, len(m.watched))
	for txid := range m.watched {
		txids = append(txids, txid)
	}
	m.mu.Unlock()

	var firstErr error
	for _, txid := range txids {
		tx, err := m.backend.GetTransaction(ctx, txid)
		if errors.Is(err, backend.ErrTxNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("tx %s: %w", txid, err)
			}
			continue
		}

		m.mu.Lock()
		w, ok := m.watched[txid]
		if !ok || w.conf == tx.Confirmations {
			m.mu.Unlock()
			continue
		}
		w.conf = tx.Confirmations
		if tx.Confirmations >= m.depth {
			delete(m.watched, txid)
			m.done[txid] = true
		}
		ev := Event{
			Type:          EventConfidence,
			TradeID:       w.tradeID,
			Kind:          w.kind,
			TxID:          txid,
			Confirmations: tx.Confirmations,
			BlockHeight:   tx.BlockHeight,
		}
		m.mu.Unlock()

		m.emit(ev)
	}
	return firstErr
}

// checkSwap looks at the output the swap spends. Once it is spent by the
// swap, the trade's reveal runs on the published transaction.
func (m *Monitor) checkSwap(ctx context.Context, tradeID string) error {
	var (
		op       wire.OutPoint
		swapID   string
		awaiting bool
	)
	err := m.registry.With(tradeID, func(t *protocol.Trade) error {
		if awaiting = t.AwaitsSwap(); !awaiting {
			return nil
		}
		op, _ = t.SwapOutPoint()
		h, _ := t.SwapTxID()
		swapID = h.String()
		return nil
	})
	if err != nil || !awaiting {
		return err
	}

	spend, err := m.backend.GetOutspend(ctx, op.Hash.String(), op.Index)
	if errors.Is(err, backend.ErrTxNotFound) {
		return nil // deposit not published yet
	}
	if err != nil {
		return err
	}
	if !spend.Spent {
		return nil
	}
	if spend.TxID != swapID {
		m.mu.Lock()
		seen := m.spent[tradeID] == spend.TxID
		m.spent[tradeID] = spend.TxID
		m.mu.Unlock()
		if !seen {
			m.emit(Event{Type: EventDepositSpent, TradeID: tradeID, TxID: spend.TxID})
		}
		return nil
	}

	raw, err := m.backend.GetRawTransaction(ctx, spend.TxID)
	if err != nil {
		return err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("decode swap %s: %w", spend.TxID, err)
	}

	revealed := false
	err = m.registry.With(tradeID, func(t *protocol.Trade) error {
		if !t.AwaitsSwap() {
			return nil
		}
		revealed = true
		return t.RevealFromSwap(&tx)
	})
	if err != nil {
		m.emit(Event{Type: EventRevealFailed, TradeID: tradeID, TxID: spend.TxID, Error: err.Error()})
		return err
	}
	if !revealed {
		return nil
	}
	m.log.Info("swap seen on chain, key share revealed", "trade_id", tradeID, "txid", spend.TxID)
	m.emit(Event{Type: EventSwapRevealed, TradeID: tradeID, TxID: spend.TxID})
	m.Watch(tradeID, string(protocol.TxSwap), spend.TxID)
	return nil
}

func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	handlers := append([]func(Event){}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
