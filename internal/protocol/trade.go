// Package protocol implements the two-party trade: the five-round handshake
// that funds a deposit into two MuSig2 outputs, presigns the exit
// transactions and hands the Seller an adaptor-signed swap whose publication
// reveals the Seller's key share to the Buyer.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/musig-trade/internal/musig"
	"github.com/klingon-exchange/musig-trade/internal/txsort"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// Round is the last completed round of a trade.
type Round int

const (
	Round0 Round = iota
	Round1
	Round2
	Round3
	Round4
	Round5
)

// Status is the lifecycle status of a trade.
type Status string

const (
	StatusActive Status = "active"
	StatusFailed Status = "failed"
	StatusClosed Status = "closed"
)

// State of each completed round. A field of Trade is nil until its round
// completed, so data from a later round cannot be read early.
type (
	roundOne struct {
		p, q         *musig.AggKey
		depositPart  *psbt.Packet
		depositIns   []wire.OutPoint
		swapScript   []byte
		anchorScript []byte
		claimScript  []byte
	}

	roundTwo struct {
		peer      *Round1Msg
		sellerP   *btcec.PublicKey
		order     txsort.Strategy
		deposit   *DepositTx
		swap      *PreparedTx
		warnings  [2]*PreparedTx // by owner
		claims    [2]*PreparedTx // by owner
		redirects [2]*PreparedTx // by owner
	}

	roundThree struct {
		depositTxID chainhash.Hash
	}

	roundFour struct {
		swapSigned *wire.MsgTx // Seller only
	}

	roundFive struct {
		swapTx *wire.MsgTx // Buyer only
	}
)

// Option configures a Trade.
type Option func(*Trade)

// WithLogger overrides the trade logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Trade) { t.log = l }
}

// Trade is the coordinator of one trade. It is not safe for concurrent use;
// the Registry serializes access per trade.
type Trade struct {
	id     string
	role   Role
	params Params
	wallet Wallet
	log    *logging.Logger

	round  Round
	status Status
	err    error
	closed string

	one   *roundOne
	two   *roundTwo
	three *roundThree
	four  *roundFour
	five  *roundFive
}

// NewTrade creates a trade coordinator in Round0. An empty id gets a fresh
// UUID.
func NewTrade(id string, role Role, params Params, w Wallet, opts ...Option) (*Trade, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("trade needs a wallet")
	}
	if id == "" {
		id = uuid.NewString()
	}
	t := &Trade{
		id:     id,
		role:   role,
		params: params,
		wallet: w,
		status: StatusActive,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logging.GetDefault().ForTrade("protocol", id)
	}
	return t, nil
}

// ID returns the trade id.
func (t *Trade) ID() string { return t.id }

// Role returns the local role.
func (t *Trade) Role() Role { return t.role }

// Round returns the last completed round.
func (t *Trade) Round() Round { return t.round }

// Status returns the trade status.
func (t *Trade) Status() Status { return t.status }

// Err returns the error that failed the trade.
func (t *Trade) Err() error { return t.err }

// Params returns the trade parameters.
func (t *Trade) Params() Params { return t.params }

// checkRound guards entry into target. It does not change any state.
func (t *Trade) checkRound(target Round) error {
	switch t.status {
	case StatusFailed:
		return &TradeError{TradeID: t.id, Round: target, Input: -1, Err: fmt.Errorf("%w: %v", ErrTradeFailed, t.err)}
	case StatusClosed:
		return &TradeError{TradeID: t.id, Round: target, Input: -1, Err: ErrTradeClosed}
	}
	if t.round != target-1 {
		return &TradeError{TradeID: t.id, Round: target, Input: -1,
			Err: fmt.Errorf("%w: at round %d", ErrProtocolStateViolation, t.round)}
	}
	return nil
}

// finish records the outcome of a round. Retryable failures leave the trade
// in the previous round; every other failure aborts it.
func (t *Trade) finish(round Round, err error) error {
	if err == nil {
		t.round = round
		t.log.Info("round completed", "round", int(round), "role", t.role)
		return nil
	}
	err = t.annotate(round, err)
	if IsRetryable(err) {
		t.log.Warn("round failed, retryable", "round", int(round), "error", err)
		return err
	}
	t.fail(err)
	return err
}

func (t *Trade) annotate(round Round, err error) error {
	var te *TradeError
	if errors.As(err, &te) {
		if te.TradeID == "" {
			te.TradeID = t.id
		}
		if te.Round == Round0 {
			te.Round = round
		}
		return err
	}
	return &TradeError{TradeID: t.id, Round: round, Input: -1, Err: err}
}

func (t *Trade) fail(err error) {
	t.status = StatusFailed
	t.err = err
	t.log.Error("trade failed", "round", int(t.round), "error", err)
	if t.one != nil && t.three == nil {
		t.wallet.ReleaseInputs(t.one.depositIns)
	}
}

// Abort gives the trade up before its deposit is published. Afterwards
// only the unilateral exits remain and Abort fails. Aborting a failed
// trade is a no-op.
func (t *Trade) Abort(reason string) error {
	switch {
	case t.status == StatusFailed:
		return nil
	case t.status == StatusClosed:
		return &TradeError{TradeID: t.id, Round: t.round, Input: -1, Err: ErrTradeClosed}
	case t.three != nil:
		return &TradeError{TradeID: t.id, Round: t.round, Input: -1,
			Err: fmt.Errorf("%w: deposit already published", ErrProtocolStateViolation)}
	}
	if reason == "" {
		reason = "aborted"
	}
	t.fail(errors.New(reason))
	return nil
}

// Round1 creates the key shares, funds the own deposit contribution and
// picks the own anchor, claim and (Seller) swap destinations.
func (t *Trade) Round1() (*Round1Msg, error) {
	if err := t.checkRound(Round1); err != nil {
		return nil, err
	}
	msg, err := t.round1()
	return msg, t.finish(Round1, err)
}

func (t *Trade) round1() (*Round1Msg, error) {
	p, err := musig.NewAggKey()
	if err != nil {
		return nil, err
	}
	q, err := musig.NewAggKey()
	if err != nil {
		return nil, err
	}

	ownPoint, amount := p.PubKey(), t.params.SellerAmount
	if t.role == Buyer {
		ownPoint, amount = q.PubKey(), t.params.BuyerAmount
	}
	ownScript, err := musig.PointScript(ownPoint)
	if err != nil {
		return nil, err
	}
	part, err := BuildDepositPart(t.wallet, ownScript, amount, t.params.DepositFeeRate)
	if err != nil {
		return nil, err
	}
	one := &roundOne{p: p, q: q, depositPart: part}
	for _, in := range part.UnsignedTx.TxIn {
		one.depositIns = append(one.depositIns, in.PreviousOutPoint)
	}
	t.one = one

	if one.anchorScript, err = t.nextScript(); err != nil {
		return nil, err
	}
	if one.claimScript, err = t.nextScript(); err != nil {
		return nil, err
	}
	if t.role == Seller {
		if one.swapScript, err = t.nextScript(); err != nil {
			return nil, err
		}
	}

	partCopy, err := clonePacket(part)
	if err != nil {
		return nil, err
	}
	return &Round1Msg{
		P:            musig.NewPoint(p.PubKey()),
		Q:            musig.NewPoint(q.PubKey()),
		DepositPart:  &PSBT{partCopy},
		SwapScript:   one.swapScript,
		AnchorScript: one.anchorScript,
		ClaimScript:  one.claimScript,
	}, nil
}

// Round2 aggregates the keys, merges and signs the deposit and builds every
// prepared transaction with its signing sessions.
func (t *Trade) Round2(peer *Round1Msg) (*Round2Msg, error) {
	if err := t.checkRound(Round2); err != nil {
		return nil, err
	}
	msg, err := t.round2(peer)
	return msg, t.finish(Round2, err)
}

func (t *Trade) round2(peer *Round1Msg) (*Round2Msg, error) {
	if peer == nil || peer.DepositPart == nil || peer.DepositPart.Packet == nil {
		return nil, fmt.Errorf("%w: missing round1 data", ErrInvalidPeerData)
	}
	if len(peer.AnchorScript) == 0 || len(peer.ClaimScript) == 0 {
		return nil, fmt.Errorf("%w: missing anchor or claim script", ErrInvalidPeerData)
	}
	if t.role == Buyer && len(peer.SwapScript) == 0 {
		return nil, fmt.Errorf("%w: seller sent no swap script", ErrInvalidPeerData)
	}
	peerP, err := peer.P.PubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerData, err)
	}
	peerQ, err := peer.Q.PubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerData, err)
	}
	one := t.one
	if peerP.IsEqual(peerQ) {
		return nil, fmt.Errorf("%w: peer sent identical P and Q points", ErrKeyReflection)
	}
	if peerP.IsEqual(one.q.PubKey()) || peerQ.IsEqual(one.p.PubKey()) {
		return nil, fmt.Errorf("%w: peer echoed an own point", ErrKeyReflection)
	}

	pAgg, err := one.p.Aggregate(peerP)
	if err != nil {
		return nil, err
	}
	qAgg, err := one.q.Aggregate(peerQ)
	if err != nil {
		return nil, err
	}
	pScript, _ := one.p.PayToTaprootScript()
	qScript, _ := one.q.PayToTaprootScript()

	var disregard [][]byte
	for _, pt := range []*btcec.PublicKey{one.p.PubKey(), one.q.PubKey(), peerP, peerQ} {
		s, err := musig.PointScript(pt)
		if err != nil {
			return nil, err
		}
		disregard = append(disregard, s)
	}
	scripts := DepositScripts{PAgg: pScript, QAgg: qScript, Disregard: disregard}

	sellerP, buyerQ := one.p.PubKey(), peerQ
	if t.role == Buyer {
		sellerP, buyerQ = peerP, one.q.PubKey()
	}
	sellerScript, _ := musig.PointScript(sellerP)
	buyerScript, _ := musig.PointScript(buyerQ)

	ownScript, peerScript := sellerScript, buyerScript
	ownAmount, peerAmount := t.params.SellerAmount, t.params.BuyerAmount
	if t.role == Buyer {
		ownScript, peerScript = buyerScript, sellerScript
		ownAmount, peerAmount = peerAmount, ownAmount
	}

	order, err := t.ordering(peerP, peerQ)
	if err != nil {
		return nil, err
	}
	deposit, err := MergeDeposit(t.wallet, one.depositPart, peer.DepositPart.Packet,
		ownScript, peerScript, ownAmount, peerAmount, t.params, scripts, order)
	if err != nil {
		return nil, err
	}

	two := &roundTwo{peer: peer, sellerP: sellerP, order: order, deposit: deposit}

	swapScript := one.swapScript
	if t.role == Buyer {
		swapScript = peer.SwapScript
	}
	if two.swap, err = NewSwapTx(deposit, one.q, swapScript, t.params); err != nil {
		return nil, err
	}

	anchors := [2][]byte{}
	claims := [2][]byte{}
	anchors[t.role], claims[t.role] = one.anchorScript, one.claimScript
	anchors[t.role.Other()], claims[t.role.Other()] = peer.AnchorScript, peer.ClaimScript

	for _, owner := range []Role{Seller, Buyer} {
		if two.warnings[owner], err = NewWarningTx(owner, deposit, one.p, one.q, anchors[owner], t.params); err != nil {
			return nil, err
		}
	}
	for _, owner := range []Role{Seller, Buyer} {
		if two.claims[owner], err = NewClaimTx(owner, two.warnings[owner], one.p, one.q, claims[owner], t.params); err != nil {
			return nil, err
		}
		if two.redirects[owner], err = NewRedirectTx(owner, two.warnings[owner.Other()], one.p, one.q,
			claims[owner], anchors[owner], t.params); err != nil {
			return nil, err
		}
	}

	depositCopy, err := clonePacket(deposit.Packet)
	if err != nil {
		return nil, err
	}
	t.two = two
	t.log.Debug("deposit merged", "txid", deposit.TxHash(), "fee", deposit.Fee)

	return &Round2Msg{
		PAgg:    musig.NewPoint(pAgg),
		QAgg:    musig.NewPoint(qAgg),
		Deposit: &PSBT{depositCopy},
		Swap:    two.swap.Nonces()[0],
		Seller:  two.nonces(Seller),
		Buyer:   two.nonces(Buyer),
	}, nil
}

// keyedOrderTag separates the ordering seed from other uses of the shares.
const keyedOrderTag = "musig-trade/keyed-order"

// ordering returns the deposit order. The keyed order is seeded with ECDH of
// the own shares and the peer's, so it depends only on points that never
// reach the chain.
func (t *Trade) ordering(peerP, peerQ *btcec.PublicKey) (txsort.Strategy, error) {
	if t.params.Ordering != txsort.NameKeyed {
		return txsort.ByName(t.params.Ordering)
	}
	sharedP := btcec.GenerateSharedSecret(t.one.p.Secret(), peerP)
	sharedQ := btcec.GenerateSharedSecret(t.one.q.Secret(), peerQ)
	return txsort.ByName(txsort.NameKeyed, []byte(keyedOrderTag), sharedP, sharedQ)
}

func (two *roundTwo) nonces(owner Role) TxNonces {
	w := two.warnings[owner].Nonces()
	return TxNonces{
		Warning:  [2]musig.PubNonce{w[0], w[1]},
		Claim:    two.claims[owner].Nonces()[0],
		Redirect: two.redirects[owner].Nonces()[0],
	}
}

// Round3 checks the aggregated keys, completes and broadcasts the deposit,
// and produces all partial signatures.
func (t *Trade) Round3(ctx context.Context, peer *Round2Msg) (*Round3Msg, error) {
	if err := t.checkRound(Round3); err != nil {
		return nil, err
	}
	msg, err := t.round3(ctx, peer)
	return msg, t.finish(Round3, err)
}

func (t *Trade) round3(ctx context.Context, peer *Round2Msg) (*Round3Msg, error) {
	if peer == nil || peer.Deposit == nil || peer.Deposit.Packet == nil {
		return nil, fmt.Errorf("%w: missing round2 data", ErrInvalidPeerData)
	}
	one, two := t.one, t.two
	pAgg, _ := one.p.AggPubKey()
	qAgg, _ := one.q.AggPubKey()
	if peer.PAgg != musig.NewPoint(pAgg) || peer.QAgg != musig.NewPoint(qAgg) {
		return nil, ErrKeyMismatch
	}

	if _, err := two.deposit.Finalize(peer.Deposit.Packet); err != nil {
		return nil, err
	}
	txid, err := two.deposit.Broadcast(ctx, t.wallet)
	if err != nil {
		return nil, err
	}
	t.three = &roundThree{depositTxID: txid}
	t.log.Info("deposit broadcast", "txid", txid)

	swapPartial, err := two.swap.Sign([]musig.PubNonce{peer.Swap}, two.sellerP)
	if err != nil {
		return nil, err
	}

	me, them := t.role, t.role.Other()
	if _, err := two.signSet(me, peer.Nonces(me)); err != nil {
		return nil, err
	}
	partials, err := two.signSet(them, peer.Nonces(them))
	if err != nil {
		return nil, err
	}

	return &Round3Msg{
		DepositTxID: txid.String(),
		Swap:        swapPartial[0],
		Partials:    partials,
	}, nil
}

// signSet signs the prepared transactions owned by owner.
func (two *roundTwo) signSet(owner Role, nonces TxNonces) (TxPartials, error) {
	var out TxPartials
	w, err := two.warnings[owner].Sign(nonces.Warning[:], nil)
	if err != nil {
		return out, err
	}
	c, err := two.claims[owner].Sign([]musig.PubNonce{nonces.Claim}, nil)
	if err != nil {
		return out, err
	}
	r, err := two.redirects[owner].Sign([]musig.PubNonce{nonces.Redirect}, nil)
	if err != nil {
		return out, err
	}
	out.Warning = [2]musig.PartialSig{w[0], w[1]}
	out.Claim = c[0]
	out.Redirect = r[0]
	return out, nil
}

// Round4 cross-checks the deposit txid, aggregates the swap and the own
// prepared transactions, and on the Seller side finalizes the swap.
func (t *Trade) Round4(peer *Round3Msg) (*Round4Msg, error) {
	if err := t.checkRound(Round4); err != nil {
		return nil, err
	}
	msg, err := t.round4(peer)
	return msg, t.finish(Round4, err)
}

func (t *Trade) round4(peer *Round3Msg) (*Round4Msg, error) {
	if peer == nil {
		return nil, fmt.Errorf("%w: missing round3 data", ErrInvalidPeerData)
	}
	peerTxID, err := chainhash.NewHashFromStr(peer.DepositTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: deposit txid: %v", ErrInvalidPeerData, err)
	}
	if *peerTxID != t.three.depositTxID {
		return nil, txError(TxDeposit, -1, fmt.Errorf("%w: peer reports %s, own %s",
			ErrTxMismatch, peerTxID, t.three.depositTxID))
	}

	two := t.two
	if err := two.swap.Aggregate([]musig.PartialSig{peer.Swap}); err != nil {
		return nil, err
	}

	me := t.role
	partials := peer.Partials
	if err := two.warnings[me].Aggregate(partials.Warning[:]); err != nil {
		return nil, err
	}
	if err := two.claims[me].Aggregate([]musig.PartialSig{partials.Claim}); err != nil {
		return nil, err
	}
	if err := two.redirects[me].Aggregate([]musig.PartialSig{partials.Redirect}); err != nil {
		return nil, err
	}
	for _, p := range []*PreparedTx{two.warnings[me], two.claims[me], two.redirects[me]} {
		if _, err := p.Finalize(nil); err != nil {
			return nil, err
		}
		if err := p.Verify(); err != nil {
			return nil, err
		}
	}

	four := &roundFour{}
	msg := &Round4Msg{}
	if me == Seller {
		swapTx, err := two.swap.Finalize(&t.one.p.Secret().Key)
		if err != nil {
			return nil, err
		}
		if err := two.swap.Verify(); err != nil {
			return nil, err
		}
		four.swapSigned = swapTx
		msg.SwapTx = &Tx{swapTx.Copy()}
	}
	t.four = four
	return msg, nil
}

// Round5 completes the trade. The Buyer extracts the Seller's P share from
// the finalized swap and gains sole control of the P output; for the Seller
// it only marks the handshake as complete. A swap that does not reveal the
// share is rejected and the trade stays at Round4, waiting for the swap on
// chain.
func (t *Trade) Round5(peer *Round4Msg) error {
	if err := t.checkRound(Round5); err != nil {
		return err
	}
	if t.role == Seller {
		return t.finish(Round5, nil)
	}
	if peer == nil || peer.SwapTx == nil || peer.SwapTx.MsgTx == nil {
		return t.rejectSwap(fmt.Errorf("%w: no swap transaction", ErrInvalidPeerData))
	}
	if err := t.revealSwap(peer.SwapTx.MsgTx); err != nil {
		return t.rejectSwap(err)
	}
	return t.finish(Round5, nil)
}

func (t *Trade) rejectSwap(err error) error {
	if !errors.Is(err, ErrInvalidPeerData) {
		err = fmt.Errorf("%w: %w", ErrInvalidPeerData, err)
	}
	err = t.annotate(Round5, err)
	t.log.Warn("swap rejected", "error", err)
	return err
}

// RevealFromSwap runs the Buyer's Round5 on a swap transaction observed on
// chain instead of one handed over by the Seller. It also works on a failed
// trade as long as AwaitsSwap holds: the aggregated adaptor signature
// authenticates the published swap.
func (t *Trade) RevealFromSwap(tx *wire.MsgTx) error {
	if t.role != Buyer {
		return &TradeError{TradeID: t.id, Round: Round5, Input: -1, Err: ErrWrongRole}
	}
	if tx == nil {
		return &TradeError{TradeID: t.id, Round: Round5, Tx: TxSwap, Input: -1,
			Err: fmt.Errorf("%w: no swap transaction", ErrInvalidPeerData)}
	}
	if t.status != StatusFailed {
		return t.Round5(&Round4Msg{SwapTx: &Tx{tx}})
	}
	if !t.AwaitsSwap() {
		return t.checkRound(Round5)
	}
	if err := t.revealSwap(tx); err != nil {
		return t.annotate(Round5, err)
	}
	return nil
}

// AwaitsSwap reports whether the Buyer holds the adaptor signature of the
// swap but has not extracted the Seller's share yet.
func (t *Trade) AwaitsSwap() bool {
	return t.role == Buyer && t.status != StatusClosed && t.five == nil &&
		t.two != nil && t.two.swap.Adaptor() != nil
}

func (t *Trade) revealSwap(tx *wire.MsgTx) error {
	secret, err := t.two.swap.Reveal(tx)
	if err != nil {
		return err
	}
	if err := t.one.p.SetPeerSecret(musig.SecretKey(secret)); err != nil {
		return err
	}
	secret.Zero()
	t.five = &roundFive{swapTx: tx.Copy()}
	t.log.Info("seller key share revealed from swap", "swap_txid", tx.TxHash())
	return nil
}

// nextScript returns the output script of a fresh wallet address.
func (t *Trade) nextScript() ([]byte, error) {
	addr, err := t.wallet.NextUnusedAddress()
	if err != nil {
		return nil, fmt.Errorf("next address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

func clonePacket(p *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, err
	}
	return psbt.NewFromRawBytes(&buf, false)
}
