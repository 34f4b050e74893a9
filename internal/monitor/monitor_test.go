package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
)

func newTrade(t *testing.T, mem *backend.MemoryBackend, seed byte, role protocol.Role, funds ...btcutil.Amount) *protocol.Trade {
	t.Helper()
	svc, err := wallet.NewService(&wallet.ServiceConfig{
		DataDir:  t.TempDir(),
		Network:  chain.Regtest,
		Backend:  mem,
		GapLimit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	w, err := wallet.NewFromSeed(bytes.Repeat([]byte{seed}, 32), chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Open(w); err != nil {
		t.Fatal(err)
	}
	for _, amt := range funds {
		addr, err := svc.NextUnusedAddress()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := mem.FundAddress(addr.EncodeAddress(), amt); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	params := protocol.DefaultParams(140_000_000, 20_000_000)
	params.ClaimDelay = 2
	tr, err := protocol.NewTrade("trade-m", role, params, svc)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

// throughRound3 returns a Seller and a Buyer trade that both completed
// Round3, with the Round3 messages they exchanged.
func throughRound3(t *testing.T) (*backend.MemoryBackend, *protocol.Trade, *protocol.Trade, *protocol.Round3Msg, *protocol.Round3Msg) {
	t.Helper()
	ctx := context.Background()
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	seller := newTrade(t, mem, 0x11, protocol.Seller, 200_000_000)
	buyer := newTrade(t, mem, 0x12, protocol.Buyer, 30_000_000)

	s1, err := seller.Round1()
	if err != nil {
		t.Fatal(err)
	}
	b1, err := buyer.Round1()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := seller.Round2(b1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := buyer.Round2(s1)
	if err != nil {
		t.Fatal(err)
	}
	s3, err := seller.Round3(ctx, b2)
	if err != nil {
		t.Fatal(err)
	}
	b3, err := buyer.Round3(ctx, s2)
	if err != nil {
		t.Fatal(err)
	}
	return mem, seller, buyer, s3, b3
}

// presigned returns a Seller and a Buyer trade that both completed Round4.
func presigned(t *testing.T) (*backend.MemoryBackend, *protocol.Trade, *protocol.Trade) {
	t.Helper()
	mem, seller, buyer, s3, b3 := throughRound3(t)
	if _, err := seller.Round4(b3); err != nil {
		t.Fatal(err)
	}
	if _, err := buyer.Round4(s3); err != nil {
		t.Fatal(err)
	}
	return mem, seller, buyer
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) find(typ EventType, kind string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ && (kind == "" || r.events[i].Kind == kind) {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func TestMonitorRevealsSwapFromChain(t *testing.T) {
	ctx := context.Background()
	mem, seller, buyer := presigned(t)

	reg := protocol.NewRegistry()
	if err := reg.Add(buyer); err != nil {
		t.Fatal(err)
	}
	mon := New(&Config{Backend: mem, Registry: reg, Confirmations: 2})
	rec := &recorder{}
	mon.Subscribe(rec.record)

	if err := mon.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	dep, ok := rec.find(EventConfidence, "deposit")
	if !ok {
		t.Fatal("no confidence event for the deposit")
	}
	if dep.Confirmations != 0 || dep.TradeID != "trade-m" {
		t.Errorf("deposit event = %+v", dep)
	}
	if buyer.Round() != protocol.Round4 {
		t.Fatalf("buyer round = %d before the swap is published", buyer.Round())
	}

	swap, ok := seller.SignedTx(protocol.TxSwap)
	if !ok {
		t.Fatal("seller has no signed swap")
	}
	if _, err := seller.ForceClose(ctx); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}

	if err := mon.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	ev, ok := rec.find(EventSwapRevealed, "")
	if !ok {
		t.Fatal("swap reveal not reported")
	}
	if ev.TxID != swap.TxHash().String() {
		t.Errorf("reveal txid = %s", ev.TxID)
	}
	if buyer.Round() != protocol.Round5 {
		t.Errorf("buyer round = %d, want 5", buyer.Round())
	}
	key, _ := buyer.PayoutKey()
	if key.AggSecret() == nil {
		t.Error("buyer does not own the payout key after the reveal")
	}
	if _, ok := rec.find(EventConfidence, "swap"); !ok {
		t.Error("published swap is not watched")
	}

	mem.Mine(1)
	if err := mon.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := rec.find(EventConfidence, "deposit"); got.Confirmations != 1 {
		t.Errorf("deposit confirmations = %d, want 1", got.Confirmations)
	}
	mem.Mine(1)
	if err := mon.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mon.Watched(); n != 0 {
		t.Errorf("%d transactions still watched at depth", n)
	}

	// Reaching depth is final.
	mon.Watch("trade-m", "deposit", dep.TxID)
	if n := mon.Watched(); n != 0 {
		t.Errorf("confirmed deposit watched again")
	}
}

func TestMonitorReportsForeignSpend(t *testing.T) {
	ctx := context.Background()
	mem, seller, buyer := presigned(t)

	reg := protocol.NewRegistry()
	if err := reg.Add(buyer); err != nil {
		t.Fatal(err)
	}
	mon := New(&Config{Backend: mem, Registry: reg})
	rec := &recorder{}
	mon.Subscribe(rec.record)

	warning, err := seller.BroadcastWarning(ctx)
	if err != nil {
		t.Fatalf("BroadcastWarning() error = %v", err)
	}
	if err := mon.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	ev, ok := rec.find(EventDepositSpent, "")
	if !ok {
		t.Fatal("foreign spend not reported")
	}
	if ev.TxID != warning.String() {
		t.Errorf("spend txid = %s, want %s", ev.TxID, warning)
	}
	if buyer.Round() != protocol.Round4 {
		t.Errorf("buyer round changed to %d", buyer.Round())
	}

	for i := 0; i < 2; i++ {
		if err := mon.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := rec.count(EventDepositSpent); n != 1 {
		t.Errorf("foreign spend reported %d times, want once", n)
	}
}

func TestMonitorRevealsForFailedTrade(t *testing.T) {
	ctx := context.Background()
	mem, seller, buyer, s3, b3 := throughRound3(t)
	if _, err := seller.Round4(b3); err != nil {
		t.Fatal(err)
	}
	// A bad claim partial fails the Buyer after it aggregated the swap.
	bad := *s3
	bad.Partials.Claim = bad.Partials.Redirect
	if _, err := buyer.Round4(&bad); err == nil {
		t.Fatal("buyer Round4() accepted a bad partial signature")
	}
	if buyer.Status() != protocol.StatusFailed {
		t.Fatalf("buyer status = %s, want failed", buyer.Status())
	}

	reg := protocol.NewRegistry()
	if err := reg.Add(buyer); err != nil {
		t.Fatal(err)
	}
	mon := New(&Config{Backend: mem, Registry: reg})
	rec := &recorder{}
	mon.Subscribe(rec.record)

	if _, err := seller.ForceClose(ctx); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	if err := mon.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if _, ok := rec.find(EventSwapRevealed, ""); !ok {
		t.Fatal("swap reveal not reported for the failed trade")
	}
	key, _ := buyer.PayoutKey()
	if key.AggSecret() == nil {
		t.Error("buyer does not own the payout key after the reveal")
	}

	if err := mon.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(EventSwapRevealed); n != 1 {
		t.Errorf("reveal reported %d times, want once", n)
	}
}

func TestMonitorWatchUnknown(t *testing.T) {
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	mon := New(&Config{Backend: mem})
	rec := &recorder{}
	mon.Subscribe(rec.record)

	txid := strings.Repeat("ab", 32)
	mon.Watch("t", "claim", txid)
	mon.Watch("t", "claim", txid)
	if mon.Watched() != 1 {
		t.Fatalf("Watched() = %d", mon.Watched())
	}
	if err := mon.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("events for an unknown tx: %v", rec.events)
	}
	mon.Unwatch(txid)
	if mon.Watched() != 0 {
		t.Error("Unwatch() kept the tx")
	}
}

func TestMonitorStartStop(t *testing.T) {
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	mon := New(&Config{Backend: mem, Registry: protocol.NewRegistry()})
	mon.Start()
	mon.Stop()
}
