package node

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// RetryWorkerConfig configures the retry worker.
type RetryWorkerConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	// RetentionPeriod is how long finished messages and inbox records are
	// kept.
	RetentionPeriod time.Duration
}

// DefaultRetryWorkerConfig returns the default configuration.
func DefaultRetryWorkerConfig() RetryWorkerConfig {
	return RetryWorkerConfig{
		PollInterval:    5 * time.Second,
		CleanupInterval: time.Hour,
		BatchSize:       50,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// RetryWorker redelivers due outbox messages and prunes old records.
type RetryWorker struct {
	store  *storage.Storage
	sender *MessageSender
	cfg    RetryWorkerConfig
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetryWorker creates a stopped worker.
func NewRetryWorker(store *storage.Storage, sender *MessageSender, cfg RetryWorkerConfig) *RetryWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryWorker{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    logging.GetDefault().Component("retry"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the worker loop.
func (w *RetryWorker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("Retry worker started", "poll_interval", w.cfg.PollInterval)
}

// Stop ends the loop and waits for an attempt in progress.
func (w *RetryWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *RetryWorker) run() {
	defer w.wg.Done()

	retry := time.NewTicker(w.cfg.PollInterval)
	cleanup := time.NewTicker(w.cfg.CleanupInterval)
	defer retry.Stop()
	defer cleanup.Stop()

	w.cleanup()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-retry.C:
			w.processRetries()
		case <-cleanup.C:
			w.cleanup()
		}
	}
}

func (w *RetryWorker) processRetries() {
	now := time.Now()
	if n, err := w.store.ExpireMessages(now); err != nil {
		w.log.Warn("Failed to expire messages", "error", err)
	} else if n > 0 {
		w.log.Info("Expired undelivered messages", "count", n)
	}

	due, err := w.store.DueMessages(now, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("Failed to load due messages", "error", err)
		return
	}
	for _, m := range due {
		if w.ctx.Err() != nil {
			return
		}
		w.log.Debug("Retrying message", "type", m.Type, "trade_id", m.TradeID, "attempts", m.Attempts)
		w.sender.Deliver(w.ctx, m)
	}
}

func (w *RetryWorker) cleanup() {
	before := time.Now().Add(-w.cfg.RetentionPeriod)
	outbox, err := w.store.PurgeOutbox(before)
	if err != nil {
		w.log.Warn("Failed to purge outbox", "error", err)
	}
	inbox, err := w.store.PurgeInbox(before)
	if err != nil {
		w.log.Warn("Failed to purge inbox", "error", err)
	}
	if outbox > 0 || inbox > 0 {
		w.log.Info("Cleaned up old messages", "outbox", outbox, "inbox", inbox)
	}
}
