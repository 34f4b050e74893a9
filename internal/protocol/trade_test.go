package protocol

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/musig"
	"github.com/klingon-exchange/musig-trade/internal/txsort"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
)

const (
	testSellerAmount btcutil.Amount = 140_000_000
	testBuyerAmount  btcutil.Amount = 20_000_000
	testClaimDelay   uint32         = 6
)

func testParams() Params {
	p := DefaultParams(testSellerAmount, testBuyerAmount)
	p.ClaimDelay = testClaimDelay
	return p
}

type party struct {
	trade  *Trade
	wallet *wallet.Service
}

func newParty(t *testing.T, mem *backend.MemoryBackend, seed byte, role Role, params Params, funds ...btcutil.Amount) *party {
	t.Helper()
	svc, err := wallet.NewService(&wallet.ServiceConfig{
		DataDir:  t.TempDir(),
		Network:  chain.Regtest,
		Backend:  mem,
		GapLimit: 10,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
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
		t.Fatalf("Sync() error = %v", err)
	}
	tr, err := NewTrade("trade-1", role, params, svc)
	if err != nil {
		t.Fatalf("NewTrade() error = %v", err)
	}
	return &party{trade: tr, wallet: svc}
}

func newPair(t *testing.T, params Params) (*backend.MemoryBackend, *party, *party) {
	t.Helper()
	return newFundedPair(t, params,
		[]btcutil.Amount{100_000_000, 80_000_000, 30_000_000},
		[]btcutil.Amount{30_000_000})
}

func newFundedPair(t *testing.T, params Params, sellerFunds, buyerFunds []btcutil.Amount) (*backend.MemoryBackend, *party, *party) {
	t.Helper()
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	seller := newParty(t, mem, 0x01, Seller, params, sellerFunds...)
	buyer := newParty(t, mem, 0x02, Buyer, params, buyerFunds...)
	return mem, seller, buyer
}

// exchange holds the messages of a handshake driven by runRounds.
type exchange struct {
	s1, b1 *Round1Msg
	s2, b2 *Round2Msg
	s3, b3 *Round3Msg
	s4     *Round4Msg
}

// runRounds drives both parties through the rounds up to and including
// upto.
func runRounds(t *testing.T, seller, buyer *party, upto Round) *exchange {
	t.Helper()
	ctx := context.Background()
	x := &exchange{}
	var err error

	if upto >= Round1 {
		if x.s1, err = seller.trade.Round1(); err != nil {
			t.Fatalf("seller Round1() error = %v", err)
		}
		if x.b1, err = buyer.trade.Round1(); err != nil {
			t.Fatalf("buyer Round1() error = %v", err)
		}
	}
	if upto >= Round2 {
		if x.s2, err = seller.trade.Round2(x.b1); err != nil {
			t.Fatalf("seller Round2() error = %v", err)
		}
		if x.b2, err = buyer.trade.Round2(x.s1); err != nil {
			t.Fatalf("buyer Round2() error = %v", err)
		}
	}
	if upto >= Round3 {
		if x.s3, err = seller.trade.Round3(ctx, x.b2); err != nil {
			t.Fatalf("seller Round3() error = %v", err)
		}
		if x.b3, err = buyer.trade.Round3(ctx, x.s2); err != nil {
			t.Fatalf("buyer Round3() error = %v", err)
		}
	}
	if upto >= Round4 {
		if x.s4, err = seller.trade.Round4(x.b3); err != nil {
			t.Fatalf("seller Round4() error = %v", err)
		}
		if _, err := buyer.trade.Round4(x.s3); err != nil {
			t.Fatalf("buyer Round4() error = %v", err)
		}
	}
	return x
}

// runToRound4 drives both parties through Round4 and returns the Seller's
// Round4 message.
func runToRound4(t *testing.T, seller, buyer *party) *Round4Msg {
	t.Helper()
	return runRounds(t, seller, buyer, Round4).s4
}

// publishedSwap force closes the Seller side and returns the swap as the
// ledger holds it.
func publishedSwap(t *testing.T, mem *backend.MemoryBackend, seller *party) *wire.MsgTx {
	t.Helper()
	swapID, err := seller.trade.ForceClose(context.Background())
	if err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	raw, err := mem.GetRawTransaction(context.Background(), swapID.String())
	if err != nil {
		t.Fatal(err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	return &tx
}

func TestTradeEndToEnd(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	s4 := runToRound4(t, seller, buyer)

	sTxID, _ := seller.trade.DepositTxID()
	bTxID, _ := buyer.trade.DepositTxID()
	if sTxID != bTxID {
		t.Fatalf("deposit txids differ: seller %s, buyer %s", sTxID, bTxID)
	}
	if _, err := mem.GetTransaction(context.Background(), sTxID.String()); err != nil {
		t.Fatalf("deposit not on the ledger: %v", err)
	}
	if s4.SwapTx == nil {
		t.Fatal("seller Round4 message carries no swap")
	}

	if err := seller.trade.Round5(nil); err != nil {
		t.Fatalf("seller Round5() error = %v", err)
	}
	if err := buyer.trade.Round5(s4); err != nil {
		t.Fatalf("buyer Round5() error = %v", err)
	}

	key, ok := buyer.trade.PayoutKey()
	if !ok || key.AggSecret() == nil {
		t.Fatal("buyer does not own the P key after Round5")
	}
	agg, _ := key.AggPubKey()
	if !key.AggSecret().PubKey().IsEqual(agg) {
		t.Error("aggregated secret does not match the aggregated P key")
	}
	if !buyer.trade.Snapshot().PayoutOwned {
		t.Error("buyer snapshot PayoutOwned = false")
	}
	if seller.trade.Snapshot().PayoutOwned {
		t.Error("seller owns its payout key without a cooperative close")
	}
	if got := buyer.trade.Round(); got != Round5 {
		t.Errorf("buyer Round() = %d, want 5", got)
	}

	// The Seller's swap is valid on the ledger and the Buyer can sweep P.
	swapID, err := seller.trade.ForceClose(context.Background())
	if err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	if want, _ := seller.trade.SwapTxID(); swapID != want {
		t.Errorf("swap txid = %s, want %s", swapID, want)
	}
	if _, err := buyer.trade.Sweep(context.Background()); err != nil {
		t.Fatalf("buyer Sweep() error = %v", err)
	}
	if seller.trade.Status() != StatusClosed {
		t.Errorf("seller status = %s, want closed", seller.trade.Status())
	}
}

func TestRevealFromPublishedSwap(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)

	tx := publishedSwap(t, mem, seller)
	if err := buyer.trade.RevealFromSwap(tx); err != nil {
		t.Fatalf("RevealFromSwap() error = %v", err)
	}
	if !buyer.trade.Snapshot().PayoutOwned {
		t.Error("buyer does not own P after observing the swap")
	}
	if err := seller.trade.RevealFromSwap(tx); !errors.Is(err, ErrWrongRole) {
		t.Errorf("seller RevealFromSwap() err = %v, want ErrWrongRole", err)
	}
}

func TestBadSwapKeepsRound4(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	s4 := runToRound4(t, seller, buyer)

	tampered := s4.SwapTx.MsgTx.Copy()
	tampered.TxIn[0].Witness[0][63] ^= 0x01

	tests := []struct {
		name string
		msg  *Round4Msg
	}{
		{"no swap", &Round4Msg{}},
		{"bad witness", &Round4Msg{SwapTx: &Tx{tampered}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buyer.trade.Round5(tt.msg)
			if !errors.Is(err, ErrInvalidPeerData) {
				t.Fatalf("Round5() err = %v, want ErrInvalidPeerData", err)
			}
			if buyer.trade.Round() != Round4 || buyer.trade.Status() != StatusActive {
				t.Errorf("trade at round %d status %s, want round 4 active", buyer.trade.Round(), buyer.trade.Status())
			}
			if !buyer.trade.AwaitsSwap() {
				t.Error("AwaitsSwap() = false after a rejected swap")
			}
		})
	}

	// The swap the Seller publishes later still reveals the share.
	if err := buyer.trade.RevealFromSwap(publishedSwap(t, mem, seller)); err != nil {
		t.Fatalf("RevealFromSwap() error = %v", err)
	}
	if buyer.trade.Round() != Round5 || !buyer.trade.Snapshot().PayoutOwned {
		t.Errorf("after reveal round %d, payout owned %v", buyer.trade.Round(), buyer.trade.Snapshot().PayoutOwned)
	}
	if buyer.trade.AwaitsSwap() {
		t.Error("AwaitsSwap() = true after the reveal")
	}
}

func TestRevealOnFailedTrade(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	x := runRounds(t, seller, buyer, Round3)
	if _, err := seller.trade.Round4(x.b3); err != nil {
		t.Fatalf("seller Round4() error = %v", err)
	}

	// The swap partial is good, a later one is not: the Buyer fails after
	// aggregating the swap adaptor signature.
	bad := *x.s3
	bad.Partials.Claim = bad.Partials.Redirect
	if _, err := buyer.trade.Round4(&bad); !errors.Is(err, ErrInvalidPeerSignature) {
		t.Fatalf("buyer Round4() err = %v, want ErrInvalidPeerSignature", err)
	}
	if buyer.trade.Status() != StatusFailed {
		t.Fatalf("buyer status = %s, want failed", buyer.trade.Status())
	}
	if !buyer.trade.AwaitsSwap() {
		t.Fatal("failed trade with the swap adaptor signature must await the swap")
	}

	tx := publishedSwap(t, mem, seller)
	if err := buyer.trade.RevealFromSwap(tx); err != nil {
		t.Fatalf("RevealFromSwap() on failed trade error = %v", err)
	}
	key, _ := buyer.trade.PayoutKey()
	if key.AggSecret() == nil {
		t.Fatal("buyer does not own P after the reveal")
	}
	if buyer.trade.Status() != StatusFailed {
		t.Errorf("status = %s, reveal must not revive the trade", buyer.trade.Status())
	}
	if err := buyer.trade.RevealFromSwap(tx); !errors.Is(err, ErrTradeFailed) {
		t.Errorf("second RevealFromSwap() err = %v, want ErrTradeFailed", err)
	}
	if _, err := buyer.trade.Sweep(context.Background()); err != nil {
		t.Errorf("Sweep() after reveal error = %v", err)
	}
}

func TestRevealNeedsAdaptorSignature(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)
	tx := publishedSwap(t, mem, seller)

	// A Buyer that failed before Round4 never aggregated the swap.
	_, _, early := newPair(t, testParams())
	if _, err := early.trade.Round1(); err != nil {
		t.Fatal(err)
	}
	if err := early.trade.Abort("gone"); err != nil {
		t.Fatal(err)
	}
	if early.trade.AwaitsSwap() {
		t.Error("AwaitsSwap() = true without an adaptor signature")
	}
	if err := early.trade.RevealFromSwap(tx); !errors.Is(err, ErrTradeFailed) {
		t.Errorf("RevealFromSwap() err = %v, want ErrTradeFailed", err)
	}
}

func TestRoundOrderEnforced(t *testing.T) {
	_, seller, _ := newPair(t, testParams())

	_, err := seller.trade.Round3(context.Background(), &Round2Msg{})
	if !errors.Is(err, ErrProtocolStateViolation) {
		t.Fatalf("Round3 before Round1 err = %v, want ErrProtocolStateViolation", err)
	}
	if seller.trade.Status() != StatusActive {
		t.Errorf("status = %s after out of order call, want active", seller.trade.Status())
	}
	if _, err := seller.trade.Round1(); err != nil {
		t.Fatalf("Round1() error = %v", err)
	}
	if _, err := seller.trade.Round1(); !errors.Is(err, ErrProtocolStateViolation) {
		t.Errorf("second Round1 err = %v, want ErrProtocolStateViolation", err)
	}
	if _, err := seller.trade.PeerKeyShare(); !errors.Is(err, ErrProtocolStateViolation) {
		t.Errorf("PeerKeyShare before Round4 err = %v", err)
	}
}

// callRound enters round r with an empty peer message.
func callRound(tr *Trade, r Round) error {
	var err error
	switch r {
	case Round1:
		_, err = tr.Round1()
	case Round2:
		_, err = tr.Round2(&Round1Msg{})
	case Round3:
		_, err = tr.Round3(context.Background(), &Round2Msg{})
	case Round4:
		_, err = tr.Round4(&Round3Msg{})
	case Round5:
		err = tr.Round5(&Round4Msg{})
	}
	return err
}

func TestRoundSkipRejected(t *testing.T) {
	for at := Round0; at <= Round3; at++ {
		_, seller, buyer := newPair(t, testParams())
		runRounds(t, seller, buyer, at)

		for _, p := range []*party{seller, buyer} {
			err := callRound(p.trade, at+2)
			if !errors.Is(err, ErrProtocolStateViolation) {
				t.Errorf("%s Round%d at round %d err = %v, want ErrProtocolStateViolation", p.trade.Role(), at+2, at, err)
			}
			if p.trade.Round() != at || p.trade.Status() != StatusActive {
				t.Errorf("%s moved to round %d status %s", p.trade.Role(), p.trade.Round(), p.trade.Status())
			}
		}
	}
}

func TestPeerUtxoFraud(t *testing.T) {
	params := testParams()
	_, seller, buyer := newPair(t, params)

	if _, err := seller.trade.Round1(); err != nil {
		t.Fatal(err)
	}
	b1, err := buyer.trade.Round1()
	if err != nil {
		t.Fatal(err)
	}

	// Replace the Buyer's contribution with one funded by the Seller's own
	// coins, paying the Buyer's pre-aggregation script.
	buyerQ, err := b1.Q.PubKey()
	if err != nil {
		t.Fatal(err)
	}
	script, err := musig.PointScript(buyerQ)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := seller.wallet.FundPsbt(script, params.BuyerAmount, params.DepositFeeRate)
	if err != nil {
		t.Fatal(err)
	}
	b1.DepositPart = &PSBT{forged}

	_, err = seller.trade.Round2(b1)
	if !errors.Is(err, ErrPeerUtxoFraud) {
		t.Fatalf("Round2() err = %v, want ErrPeerUtxoFraud", err)
	}
	if !IsFatal(err) {
		t.Error("utxo fraud must be fatal")
	}
	if seller.trade.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", seller.trade.Status())
	}
	if _, err := seller.trade.Round2(b1); !errors.Is(err, ErrTradeFailed) {
		t.Errorf("Round2 on failed trade err = %v, want ErrTradeFailed", err)
	}
	// The trade released its own deposit inputs; only the forged packet's
	// coins stay reserved.
	var held btcutil.Amount
	for _, in := range forged.Inputs {
		held += btcutil.Amount(in.WitnessUtxo.Value)
	}
	if bal := seller.wallet.Balance(); bal.Reserved != held {
		t.Errorf("reserved = %v after failure, want %v", bal.Reserved, held)
	}
}

func TestKeyReflectionRejected(t *testing.T) {
	_, seller, buyer := newPair(t, testParams())
	s1, err := seller.trade.Round1()
	if err != nil {
		t.Fatal(err)
	}
	b1, err := buyer.trade.Round1()
	if err != nil {
		t.Fatal(err)
	}
	b1.P = s1.Q
	if _, err := seller.trade.Round2(b1); !errors.Is(err, ErrKeyReflection) {
		t.Fatalf("Round2() err = %v, want ErrKeyReflection", err)
	}
}

func TestRound3KeyMismatch(t *testing.T) {
	_, seller, buyer := newPair(t, testParams())
	s1, _ := seller.trade.Round1()
	b1, _ := buyer.trade.Round1()
	if _, err := seller.trade.Round2(b1); err != nil {
		t.Fatal(err)
	}
	b2, err := buyer.trade.Round2(s1)
	if err != nil {
		t.Fatal(err)
	}
	b2.PAgg, b2.QAgg = b2.QAgg, b2.PAgg
	if _, err := seller.trade.Round3(context.Background(), b2); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("Round3() err = %v, want ErrKeyMismatch", err)
	}
}

func TestPreparedFeeConservation(t *testing.T) {
	params := testParams()
	_, seller, buyer := newPair(t, params)
	runToRound4(t, seller, buyer)

	for _, p := range []*party{seller, buyer} {
		warning, ok := p.trade.SignedTx(TxWarning)
		if !ok {
			t.Fatalf("%s has no signed warning", p.trade.Role())
		}
		if got := sumOutputs(warning) + params.PreparedFee; got != params.SellerAmount+params.BuyerAmount {
			t.Errorf("%s warning outputs + fee = %d, want %d", p.trade.Role(), got, params.SellerAmount+params.BuyerAmount)
		}
		if warning.TxOut[1].Value != int64(params.AnchorAmount) {
			t.Errorf("%s anchor = %d", p.trade.Role(), warning.TxOut[1].Value)
		}

		claim, _ := p.trade.SignedTx(TxClaim)
		if claim.TxIn[0].Sequence != params.ClaimDelay {
			t.Errorf("%s claim sequence = %d, want %d", p.trade.Role(), claim.TxIn[0].Sequence, params.ClaimDelay)
		}
		if got := sumOutputs(claim) + params.PreparedFee; got != btcutil.Amount(warning.TxOut[0].Value) {
			t.Errorf("%s claim does not conserve value", p.trade.Role())
		}

		redirect, _ := p.trade.SignedTx(TxRedirect)
		if got := sumOutputs(redirect) + params.PreparedFee; got != params.WarningAmount() {
			t.Errorf("%s redirect outputs + fee = %d, want %d", p.trade.Role(), got, params.WarningAmount())
		}
	}

	swap, ok := seller.trade.SignedTx(TxSwap)
	if !ok {
		t.Fatal("seller has no signed swap")
	}
	if got := btcutil.Amount(swap.TxOut[0].Value); got != params.SwapAmount() {
		t.Errorf("swap output = %d, want %d", got, params.SwapAmount())
	}
	if _, ok := buyer.trade.SignedTx(TxSwap); ok {
		t.Error("buyer must not hold a finalized swap")
	}
}

func TestClaimAfterTimelock(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)
	ctx := context.Background()

	if _, err := seller.trade.BroadcastWarning(ctx); err != nil {
		t.Fatalf("BroadcastWarning() error = %v", err)
	}
	_, err := seller.trade.BroadcastClaim(ctx)
	if !errors.Is(err, ErrTimelockNotMatured) {
		t.Fatalf("early claim err = %v, want ErrTimelockNotMatured", err)
	}
	if !IsRetryable(err) {
		t.Error("immature claim must be retryable")
	}
	if seller.trade.Status() != StatusActive {
		t.Fatalf("status = %s after retryable error", seller.trade.Status())
	}

	mem.Mine(int(testClaimDelay) - 1)
	if _, err := seller.trade.BroadcastClaim(ctx); !errors.Is(err, ErrTimelockNotMatured) {
		t.Fatalf("claim one block early err = %v", err)
	}
	mem.Mine(1)
	if _, err := seller.trade.BroadcastClaim(ctx); err != nil {
		t.Fatalf("matured claim error = %v", err)
	}
	if got := seller.trade.Snapshot().ClosedBy; got != "claim" {
		t.Errorf("ClosedBy = %q, want claim", got)
	}
}

func TestRedirectOfPeerWarning(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)
	ctx := context.Background()

	if _, err := seller.trade.BroadcastWarning(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := buyer.trade.BroadcastRedirect(ctx); err != nil {
		t.Fatalf("BroadcastRedirect() error = %v", err)
	}
	if buyer.trade.Status() != StatusClosed {
		t.Errorf("buyer status = %s, want closed", buyer.trade.Status())
	}

	mem.Mine(int(testClaimDelay))
	_, err := seller.trade.BroadcastClaim(ctx)
	if !errors.Is(err, backend.ErrMissingInputs) {
		t.Fatalf("claim after redirect err = %v, want ErrMissingInputs", err)
	}
	if IsRetryable(err) {
		t.Error("conflicting claim must not be retryable")
	}
}

func TestCooperativeClose(t *testing.T) {
	_, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)
	ctx := context.Background()

	toBuyer, err := seller.trade.PeerKeyShare()
	if err != nil {
		t.Fatal(err)
	}
	toSeller, err := buyer.trade.PeerKeyShare()
	if err != nil {
		t.Fatal(err)
	}

	if err := seller.trade.CloseWithPeerSecret(&CloseMsg{KeyShare: toBuyer.KeyShare}); !errors.Is(err, ErrInvalidPeerData) {
		t.Errorf("close with own share err = %v, want ErrInvalidPeerData", err)
	}
	if err := seller.trade.CloseWithPeerSecret(toSeller); err != nil {
		t.Fatalf("seller CloseWithPeerSecret() error = %v", err)
	}
	if err := buyer.trade.CloseWithPeerSecret(toBuyer); err != nil {
		t.Fatalf("buyer CloseWithPeerSecret() error = %v", err)
	}
	for _, p := range []*party{seller, buyer} {
		s := p.trade.Snapshot()
		if s.Status != StatusClosed || s.ClosedBy != "cooperative" || !s.PayoutOwned {
			t.Errorf("%s snapshot = %+v", p.trade.Role(), s)
		}
		if _, err := p.trade.Sweep(ctx); err != nil {
			t.Errorf("%s Sweep() error = %v", p.trade.Role(), err)
		}
	}
}

func TestRound3RetryAfterOutage(t *testing.T) {
	mem, seller, buyer := newPair(t, testParams())
	ctx := context.Background()

	s1, _ := seller.trade.Round1()
	b1, _ := buyer.trade.Round1()
	if _, err := seller.trade.Round2(b1); err != nil {
		t.Fatal(err)
	}
	b2, err := buyer.trade.Round2(s1)
	if err != nil {
		t.Fatal(err)
	}

	mem.SetOffline(true)
	_, err = seller.trade.Round3(ctx, b2)
	if !IsRetryable(err) {
		t.Fatalf("Round3 while offline err = %v, want retryable", err)
	}
	if seller.trade.Round() != Round2 || seller.trade.Status() != StatusActive {
		t.Fatalf("trade moved to round %d status %s", seller.trade.Round(), seller.trade.Status())
	}

	mem.SetOffline(false)
	if _, err := seller.trade.Round3(ctx, b2); err != nil {
		t.Fatalf("Round3 retry error = %v", err)
	}
}

func TestWrongRoleOperations(t *testing.T) {
	_, seller, buyer := newPair(t, testParams())
	runToRound4(t, seller, buyer)

	if _, err := buyer.trade.ForceClose(context.Background()); !errors.Is(err, ErrWrongRole) {
		t.Errorf("buyer ForceClose err = %v, want ErrWrongRole", err)
	}
	if _, err := buyer.trade.Sweep(context.Background()); !errors.Is(err, ErrSigningFailed) {
		t.Errorf("Sweep without aggregated secret err = %v", err)
	}
}

func TestNewTradeValidation(t *testing.T) {
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	p := newParty(t, mem, 0x03, Seller, testParams())

	if _, err := NewTrade("x", Seller, Params{}, p.wallet); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("NewTrade with zero params err = %v", err)
	}
	if _, err := NewTrade("x", Seller, testParams(), nil); err == nil {
		t.Error("NewTrade without wallet should fail")
	}
	tr, err := NewTrade("", Buyer, testParams(), p.wallet)
	if err != nil {
		t.Fatal(err)
	}
	if tr.ID() == "" {
		t.Error("empty id should get a generated one")
	}
	if tr.Round() != Round0 || tr.Status() != StatusActive {
		t.Errorf("new trade round %d status %s", tr.Round(), tr.Status())
	}
}

func TestRound1InsufficientFundsReleases(t *testing.T) {
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	p := newParty(t, mem, 0x04, Seller, testParams(), 1_000_000)

	_, err := p.trade.Round1()
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("Round1() err = %v, want ErrInsufficientFunds", err)
	}
	if p.trade.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", p.trade.Status())
	}
}

func sumOutputs(tx *wire.MsgTx) btcutil.Amount {
	var sum btcutil.Amount
	for _, out := range tx.TxOut {
		sum += btcutil.Amount(out.Value)
	}
	return sum
}

func TestAbort(t *testing.T) {
	_, seller, buyer := newPair(t, testParams())

	if _, err := seller.trade.Round1(); err != nil {
		t.Fatal(err)
	}
	if bal := seller.wallet.Balance(); bal.Reserved == 0 {
		t.Fatal("Round1 reserved no coins")
	}
	if err := seller.trade.Abort("peer went away"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if seller.trade.Status() != StatusFailed || seller.trade.Err().Error() != "peer went away" {
		t.Errorf("after Abort status = %s, err = %v", seller.trade.Status(), seller.trade.Err())
	}
	if bal := seller.wallet.Balance(); bal.Reserved != 0 {
		t.Errorf("reserved = %v after Abort, want 0", bal.Reserved)
	}
	if err := seller.trade.Abort("again"); err != nil {
		t.Errorf("second Abort() error = %v", err)
	}

	// Past the deposit only the unilateral exits remain.
	_, seller, buyer = newPair(t, testParams())
	runToRound4(t, seller, buyer)
	if err := buyer.trade.Abort("too late"); !errors.Is(err, ErrProtocolStateViolation) {
		t.Errorf("Abort after deposit err = %v, want ErrProtocolStateViolation", err)
	}
	if buyer.trade.Status() != StatusActive {
		t.Errorf("status = %s after rejected Abort", buyer.trade.Status())
	}
}

func TestDepositFeeConservation(t *testing.T) {
	tests := []struct {
		name        string
		sellerFunds []btcutil.Amount
		buyerFunds  []btcutil.Amount
	}{
		{"one input each", []btcutil.Amount{200_000_000}, []btcutil.Amount{30_000_000}},
		{"seller splits", []btcutil.Amount{100_000_000, 80_000_000, 30_000_000}, []btcutil.Amount{30_000_000}},
		{"both split", []btcutil.Amount{50_000_000, 50_000_000, 50_000_000}, []btcutil.Amount{12_000_000, 12_000_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, seller, buyer := newFundedPair(t, testParams(), tt.sellerFunds, tt.buyerFunds)
			runToRound4(t, seller, buyer)

			for _, p := range []*party{seller, buyer} {
				dep := p.trade.two.deposit
				signed, ok := p.trade.SignedTx(TxDeposit)
				if !ok {
					t.Fatalf("%s has no signed deposit", p.trade.Role())
				}
				var in btcutil.Amount
				for i, txIn := range signed.TxIn {
					prev := dep.fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
					if prev == nil {
						t.Fatalf("%s deposit input %d has no prevout", p.trade.Role(), i)
					}
					in += btcutil.Amount(prev.Value)
				}
				if got := in - sumOutputs(signed); got != dep.Fee || got <= 0 {
					t.Errorf("%s inputs - outputs = %d, declared fee %d", p.trade.Role(), got, dep.Fee)
				}
				if got := p.trade.Snapshot().DepositFee; got != int64(dep.Fee) {
					t.Errorf("%s snapshot fee = %d, want %d", p.trade.Role(), got, dep.Fee)
				}
			}
			if seller.trade.two.deposit.Fee != buyer.trade.two.deposit.Fee {
				t.Errorf("fees differ: seller %d, buyer %d", seller.trade.two.deposit.Fee, buyer.trade.two.deposit.Fee)
			}
		})
	}
}

func TestKeyedOrderHiddenFromChain(t *testing.T) {
	params := testParams()
	params.Ordering = txsort.NameKeyed
	_, seller, buyer := newPair(t, params)
	runToRound4(t, seller, buyer)

	sOrder, ok := seller.trade.two.order.(txsort.Keyed)
	if !ok {
		t.Fatalf("seller order = %T, want txsort.Keyed", seller.trade.two.order)
	}
	bOrder := buyer.trade.two.order.(txsort.Keyed)
	if sOrder.Seed != bOrder.Seed {
		t.Fatal("parties derived different ordering seeds")
	}
	deposit, _ := seller.trade.SignedTx(TxDeposit)
	if !txsort.IsSorted(sOrder, deposit) {
		t.Error("deposit does not follow the keyed order")
	}

	// Everything an observer can read off the taproot outputs.
	var keys [][]byte
	for _, out := range deposit.TxOut {
		if len(out.PkScript) != 34 || out.PkScript[0] != 0x51 || out.PkScript[1] != 0x20 {
			continue
		}
		x := out.PkScript[2:]
		keys = append(keys, x, append([]byte{0x02}, x...), append([]byte{0x03}, x...))
	}
	if len(keys) < 6 {
		t.Fatalf("found %d taproot key candidates, want at least the P and Q outputs", len(keys))
	}
	for i, a := range keys {
		for j, b := range keys {
			if i == j {
				continue
			}
			if txsort.NewKeyed(a, b).Seed == sOrder.Seed {
				t.Fatalf("seed rebuilt from output keys %x and %x", a, b)
			}
			if txsort.NewKeyed([]byte(keyedOrderTag), a, b).Seed == sOrder.Seed {
				t.Fatalf("seed rebuilt from tagged output keys %x and %x", a, b)
			}
		}
	}
}
