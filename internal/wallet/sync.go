package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Sync rescans both branches through the backend, stopping after the gap
// limit of unused addresses past the last used or issued index.
func (s *Service) Sync(ctx context.Context) error {
	if s.backend == nil {
		return fmt.Errorf("sync: no backend")
	}
	found := make(map[wire.OutPoint]*Coin)
	for _, branch := range []uint32{External, Internal} {
		used, err := s.scanBranch(ctx, branch, found)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if used > s.next[branch] {
			s.next[branch] = used
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for op := range s.reserved {
		if _, ok := found[op]; !ok {
			delete(s.reserved, op)
		}
	}
	s.coins = found
	s.log.Debug("wallet synced", "coins", len(found), "next_receive", s.next[External], "next_change", s.next[Internal])
	return nil
}

// scanBranch collects the coins of one branch into found and returns the
// index after the last address holding coins.
func (s *Service) scanBranch(ctx context.Context, branch uint32, found map[wire.OutPoint]*Coin) (uint32, error) {
	s.mu.RLock()
	issued := s.next[branch]
	s.mu.RUnlock()

	var used uint32
	for index, gap := uint32(0), uint32(0); gap < s.gapLimit || index < issued; index++ {
		s.mu.Lock()
		addr, script, err := s.register(branch, index)
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}

		utxos, err := s.backend.GetAddressUTXOs(ctx, addr.EncodeAddress())
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", addr.EncodeAddress(), err)
		}
		if len(utxos) == 0 {
			gap++
			continue
		}
		gap = 0
		used = index + 1

		for _, u := range utxos {
			hash, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return 0, fmt.Errorf("scan %s: %w", addr.EncodeAddress(), err)
			}
			op := wire.OutPoint{Hash: *hash, Index: u.Vout}
			found[op] = &Coin{
				OutPoint:      op,
				Output:        wire.NewTxOut(int64(u.Amount), script),
				Address:       addr.EncodeAddress(),
				Change:        branch,
				Index:         index,
				Confirmations: u.Confirmations,
			}
		}
	}
	return used, nil
}

// StartBackgroundSync runs Sync every interval until StopBackgroundSync.
func (s *Service) StartBackgroundSync(interval time.Duration) {
	s.mu.Lock()
	if s.syncStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.syncStop = stop
	s.mu.Unlock()

	s.syncWg.Add(1)
	go func() {
		defer s.syncWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := s.Sync(ctx); err != nil {
					s.log.Warn("background sync failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// StopBackgroundSync stops the loop started by StartBackgroundSync.
func (s *Service) StopBackgroundSync() {
	s.mu.Lock()
	stop := s.syncStop
	s.syncStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.syncWg.Wait()
	}
}
