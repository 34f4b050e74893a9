package rpc

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/musig-trade/internal/node"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/storage"
)

// loopNet connects fake nodes in memory. Messages are delivered on their
// own goroutine, like the stream handler of a real node.
type loopNet struct {
	mu    sync.Mutex
	nodes map[peer.ID]*loopNode
	sent  []node.MessageType
	errs  []error
	wg    sync.WaitGroup
}

type loopNode struct {
	id       peer.ID
	net      *loopNet
	mu       sync.RWMutex
	handlers map[node.MessageType]node.MessageHandler
}

func newLoopNet() *loopNet {
	return &loopNet{nodes: make(map[peer.ID]*loopNode)}
}

func (n *loopNet) join(t *testing.T) *loopNode {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	ln := &loopNode{id: id, net: n, handlers: make(map[node.MessageType]node.MessageHandler)}
	n.mu.Lock()
	n.nodes[id] = ln
	n.mu.Unlock()
	return ln
}

func (n *loopNet) failures() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func (n *loopNet) sentTypes() []node.MessageType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]node.MessageType(nil), n.sent...)
}

func (ln *loopNode) ID() peer.ID { return ln.id }

func (ln *loopNode) Handle(typ node.MessageType, h node.MessageHandler) {
	ln.mu.Lock()
	ln.handlers[typ] = h
	ln.mu.Unlock()
}

func (ln *loopNode) Send(ctx context.Context, to peer.ID, msg *node.TradeMessage) error {
	ln.net.mu.Lock()
	dst, ok := ln.net.nodes[to]
	ln.net.sent = append(ln.net.sent, msg.Type)
	ln.net.mu.Unlock()
	if !ok {
		return errors.New("peer unreachable")
	}

	cp := *msg
	cp.FromPeer = ln.id.String()
	cp.Timestamp = time.Now().Unix()

	dst.mu.RLock()
	h := dst.handlers[msg.Type]
	dst.mu.RUnlock()
	if h == nil {
		return nil
	}

	ln.net.wg.Add(1)
	go func() {
		defer ln.net.wg.Done()
		if err := h(context.Background(), &cp); err != nil {
			ln.net.mu.Lock()
			ln.net.errs = append(ln.net.errs, err)
			ln.net.mu.Unlock()
		}
	}()
	return nil
}

// p2pPair wires a Seller and a Buyer daemon over a loopNet and creates
// trade t1 on both.
func p2pPair(t *testing.T) (*loopNet, *testNode, *testNode) {
	t.Helper()
	_, seller, buyer := newTestPair(t)
	net := newLoopNet()
	sNode, bNode := net.join(t), net.join(t)
	seller.srv.p2p = sNode
	buyer.srv.p2p = bNode
	seller.srv.SetupTradeHandlers()
	buyer.srv.SetupTradeHandlers()
	t.Cleanup(net.wg.Wait)

	mustCall(t, seller.h, "trade_init", initParams("t1", "seller", bNode.ID().String()), nil)
	mustCall(t, buyer.h, "trade_init", initParams("t1", "buyer", sNode.ID().String()), nil)
	return net, seller, buyer
}

// waitRound polls until the trade reaches round or leaves the active state.
func waitRound(t *testing.T, n *testNode, id string, round protocol.Round) protocol.Snapshot {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		snap, err := n.srv.registry.Snapshot(id)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Round >= round || snap.Status != protocol.StatusActive {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("trade %s stuck in round %d", id, snap.Round)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestP2PRoundsReachRound5(t *testing.T) {
	net, seller, buyer := p2pPair(t)

	var info TradeInfo
	mustCall(t, seller.h, "trade_start", &TradeStartParams{ID: "t1"}, &info)
	if info.Round < protocol.Round1 {
		t.Errorf("trade_start round = %d, want at least 1", info.Round)
	}

	s := waitRound(t, seller, "t1", protocol.Round5)
	b := waitRound(t, buyer, "t1", protocol.Round5)
	net.wg.Wait()

	if errs := net.failures(); len(errs) > 0 {
		t.Fatalf("handler errors: %v", errs)
	}
	for _, snap := range []protocol.Snapshot{s, b} {
		if snap.Round != protocol.Round5 || snap.Status != protocol.StatusActive {
			t.Errorf("%s = round %d, status %s (%s)", snap.Role, snap.Round, snap.Status, snap.Error)
		}
	}
	if s.DepositTxID != b.DepositTxID {
		t.Errorf("deposit txids differ: %s and %s", s.DepositTxID, b.DepositTxID)
	}
	if !b.PayoutOwned {
		t.Error("buyer does not own the swap payout")
	}

	counts := make(map[node.MessageType]int)
	for _, typ := range net.sentTypes() {
		counts[typ]++
	}
	for _, typ := range []node.MessageType{node.MsgRound1, node.MsgRound2, node.MsgRound3, node.MsgRound4} {
		if counts[typ] != 2 {
			t.Errorf("%s sent %d times, want 2", typ, counts[typ])
		}
	}
	if counts[node.MsgAbort] != 0 {
		t.Errorf("abort sent %d times", counts[node.MsgAbort])
	}

	rec, err := buyer.store.GetTrade("t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Round != int(protocol.Round5) || rec.PeerID != seller.srv.p2p.ID().String() {
		t.Errorf("stored buyer trade = %+v", rec)
	}

	// The key share travels over the node too.
	var share KeyShareResult
	mustCall(t, buyer.h, "trade_keyShare", &TradeIDParams{ID: "t1"}, &share)
	if !share.Sent {
		t.Fatal("key share not sent")
	}
	net.wg.Wait()
	snap, err := seller.srv.registry.Snapshot("t1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != protocol.StatusClosed || !snap.PayoutOwned {
		t.Errorf("seller after key share = %s, owned %v (%s)", snap.Status, snap.PayoutOwned, snap.Error)
	}
}

func TestTradeStartNeedsPeer(t *testing.T) {
	_, seller, _ := newTestPair(t)
	mustCall(t, seller.h, "trade_init", initParams("t1", "seller", ""), nil)

	wantCode(t, call(t, seller.h, "trade_start", &TradeStartParams{ID: "t1"}), InternalError)

	seller.srv.p2p = newLoopNet().join(t)
	wantCode(t, call(t, seller.h, "trade_start", &TradeStartParams{ID: "t1"}), InvalidParams)
	wantCode(t, call(t, seller.h, "trade_start", &TradeStartParams{ID: "t1", PeerID: "bogus"}), InvalidParams)
}

func TestHandleRoundMessageRejectsStranger(t *testing.T) {
	net, seller, _ := p2pPair(t)
	stranger := net.join(t)

	msg, err := node.NewTradeMessage(node.MsgRound1, "t1", &protocol.Round1Msg{})
	if err != nil {
		t.Fatal(err)
	}
	msg.FromPeer = stranger.ID().String()

	err = seller.srv.handleRoundMessage(context.Background(), msg)
	if !errors.Is(err, protocol.ErrInvalidPeerData) {
		t.Fatalf("handleRoundMessage() error = %v, want ErrInvalidPeerData", err)
	}
	if _, err := seller.store.LastTradeMessage("t1", 1, storage.DirectionIn); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("message from stranger was logged: %v", err)
	}

	msg.TradeID = "unknown"
	if err := seller.srv.handleRoundMessage(context.Background(), msg); !errors.Is(err, protocol.ErrTradeNotFound) {
		t.Errorf("unknown trade error = %v, want ErrTradeNotFound", err)
	}
}

func TestHandleRoundMessageRejectsGarbage(t *testing.T) {
	_, seller, buyer := p2pPair(t)

	msg, err := node.NewTradeMessage(node.MsgRound2, "t1", []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	msg.FromPeer = buyer.srv.p2p.ID().String()

	err = seller.srv.handleRoundMessage(context.Background(), msg)
	if !errors.Is(err, protocol.ErrInvalidPeerData) {
		t.Fatalf("handleRoundMessage() error = %v, want ErrInvalidPeerData", err)
	}
}

func TestHandleAbortMessage(t *testing.T) {
	_, seller, buyer := p2pPair(t)

	msg, err := node.NewTradeMessage(node.MsgAbort, "t1", &node.AbortPayload{Reason: "fee too high"})
	if err != nil {
		t.Fatal(err)
	}
	msg.FromPeer = buyer.srv.p2p.ID().String()
	if err := seller.srv.handleAbortMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleAbortMessage() error = %v", err)
	}

	rec, err := seller.store.GetTrade("t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.FailureReason != "peer aborted: fee too high" || rec.Status != storage.TradeStatusFailed {
		t.Errorf("stored trade = status %s, reason %q", rec.Status, rec.FailureReason)
	}
	snap, err := seller.srv.registry.Snapshot("t1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != protocol.StatusFailed {
		t.Errorf("status = %s after peer abort, want failed", snap.Status)
	}

	msg.TradeID = "unknown"
	if err := seller.srv.handleAbortMessage(context.Background(), msg); !errors.Is(err, protocol.ErrTradeNotFound) {
		t.Errorf("unknown trade error = %v, want ErrTradeNotFound", err)
	}
}

func TestTradeAbortReachesPeer(t *testing.T) {
	net, seller, buyer := p2pPair(t)

	var snap protocol.Snapshot
	mustCall(t, seller.h, "trade_abort", &TradeAbortParams{ID: "t1", Reason: "changed my mind"}, &snap)
	if snap.Status != protocol.StatusFailed || snap.Error != "changed my mind" {
		t.Errorf("trade_abort = status %s, error %q", snap.Status, snap.Error)
	}
	net.wg.Wait()

	b, err := buyer.srv.registry.Snapshot("t1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != protocol.StatusFailed || b.Error != "peer aborted: changed my mind" {
		t.Errorf("buyer after abort = status %s, error %q", b.Status, b.Error)
	}
	if _, err := seller.store.LastTradeMessage("t1", node.MsgAbort.Round(), storage.DirectionOut); err != nil {
		t.Errorf("outbound abort not logged: %v", err)
	}

	// A failed trade stays failed.
	mustCall(t, seller.h, "trade_abort", &TradeAbortParams{ID: "t1"}, nil)
	wantCode(t, call(t, seller.h, "trade_round1", &TradeIDParams{ID: "t1"}), TradeStateError)
}
