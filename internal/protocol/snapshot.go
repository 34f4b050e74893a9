package protocol

import "github.com/klingon-exchange/musig-trade/internal/musig"

// Snapshot is the public state of a trade, safe to persist and to expose
// over RPC. It never contains secrets.
type Snapshot struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	Round        Round  `json:"round"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	ClosedBy     string `json:"closed_by,omitempty"`
	Params       Params `json:"params"`
	PAgg         string `json:"p_agg,omitempty"`
	QAgg         string `json:"q_agg,omitempty"`
	DepositTxID  string `json:"deposit_txid,omitempty"`
	DepositFee   int64  `json:"deposit_fee,omitempty"`
	SwapTxID     string `json:"swap_txid,omitempty"`
	WarningTxID  string `json:"warning_txid,omitempty"`
	ClaimTxID    string `json:"claim_txid,omitempty"`
	RedirectTxID string `json:"redirect_txid,omitempty"`
	PayoutOwned  bool   `json:"payout_owned"`
}

// Snapshot returns the public state of the trade.
func (t *Trade) Snapshot() Snapshot {
	s := Snapshot{
		ID:       t.id,
		Role:     t.role,
		Round:    t.round,
		Status:   t.status,
		ClosedBy: t.closed,
		Params:   t.params,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	if t.two != nil {
		if q, err := t.one.p.AggPubKey(); err == nil {
			s.PAgg = musig.NewPoint(q).String()
		}
		if q, err := t.one.q.AggPubKey(); err == nil {
			s.QAgg = musig.NewPoint(q).String()
		}
		s.DepositTxID = t.two.deposit.TxHash().String()
		s.DepositFee = int64(t.two.deposit.Fee)
		s.SwapTxID = t.two.swap.Tx().TxHash().String()
		s.WarningTxID = t.two.warnings[t.role].Tx().TxHash().String()
		s.ClaimTxID = t.two.claims[t.role].Tx().TxHash().String()
		s.RedirectTxID = t.two.redirects[t.role].Tx().TxHash().String()
		s.PayoutOwned = t.payoutKey().AggSecret() != nil
	}
	return s
}
