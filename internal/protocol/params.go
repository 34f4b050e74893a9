package protocol

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/musig-trade/internal/txsort"
)

// Fixed amounts of the prepared transactions.
const (
	DefaultAnchorAmount   btcutil.Amount = 330
	DefaultPreparedFee    btcutil.Amount = 1000
	DefaultDepositFeeRate btcutil.Amount = 20
	DefaultClaimDelay     uint32         = 144
)

// Receiver is one output of a redirect transaction.
type Receiver struct {
	Script Script         `json:"script"`
	Amount btcutil.Amount `json:"amount"`
}

// Params are the trade terms both parties agreed on before Round1. Both
// sides must use identical values, otherwise their transactions differ and
// the trade fails in Round3.
type Params struct {
	// SellerAmount funds the P output: the Seller's security deposit plus
	// the traded amount.
	SellerAmount btcutil.Amount `json:"seller_amount"`
	// BuyerAmount funds the Q output: the Buyer's security deposit.
	BuyerAmount btcutil.Amount `json:"buyer_amount"`

	DepositFeeRate btcutil.Amount `json:"deposit_fee_rate"` // sat/vB
	PreparedFee    btcutil.Amount `json:"prepared_fee"`
	AnchorAmount   btcutil.Amount `json:"anchor_amount"`

	// ClaimDelay is the BIP-68 relative lock in blocks on the claim input.
	ClaimDelay uint32 `json:"claim_delay"`

	// Ordering names the txsort strategy for the deposit transaction.
	Ordering string `json:"ordering"`

	// RedirectReceivers replace the redirecting party's own payout on a
	// redirect. They must add up to the redirect amount exactly.
	RedirectReceivers []Receiver `json:"redirect_receivers,omitempty"`
}

// DefaultParams returns the parameters for the given deposit amounts.
func DefaultParams(seller, buyer btcutil.Amount) Params {
	return Params{
		SellerAmount:   seller,
		BuyerAmount:    buyer,
		DepositFeeRate: DefaultDepositFeeRate,
		PreparedFee:    DefaultPreparedFee,
		AnchorAmount:   DefaultAnchorAmount,
		ClaimDelay:     DefaultClaimDelay,
		Ordering:       txsort.NameLexicographic,
	}
}

// WarningAmount is the value of a warning transaction's main output.
func (p Params) WarningAmount() btcutil.Amount {
	return p.SellerAmount + p.BuyerAmount - p.AnchorAmount - p.PreparedFee
}

// RedirectAmount is what a redirect transaction distributes to receivers.
func (p Params) RedirectAmount() btcutil.Amount {
	return p.WarningAmount() - p.AnchorAmount - p.PreparedFee
}

// SwapAmount is what the Seller receives from the swap transaction.
func (p Params) SwapAmount() btcutil.Amount {
	return p.BuyerAmount - p.PreparedFee
}

// Validate checks the parameters for consistency.
func (p Params) Validate() error {
	if p.SellerAmount <= 0 || p.BuyerAmount <= 0 {
		return fmt.Errorf("%w: deposit amounts must be positive", ErrInvalidParams)
	}
	if p.DepositFeeRate <= 0 || p.PreparedFee <= 0 {
		return fmt.Errorf("%w: fees must be positive", ErrInvalidParams)
	}
	if p.AnchorAmount <= 0 {
		return fmt.Errorf("%w: anchor amount must be positive", ErrInvalidParams)
	}
	if p.ClaimDelay == 0 || p.ClaimDelay > 0xffff {
		return fmt.Errorf("%w: claim delay must be between 1 and 65535 blocks", ErrInvalidParams)
	}
	if p.SwapAmount() <= p.AnchorAmount {
		return fmt.Errorf("%w: buyer amount too small for the swap", ErrInvalidParams)
	}
	if p.RedirectAmount() <= p.AnchorAmount {
		return fmt.Errorf("%w: deposits too small for a redirect", ErrInvalidParams)
	}
	if _, err := txsort.ByName(p.Ordering); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(p.RedirectReceivers) > 0 {
		var sum btcutil.Amount
		for _, r := range p.RedirectReceivers {
			if r.Amount <= 0 || len(r.Script) == 0 {
				return fmt.Errorf("%w: invalid redirect receiver", ErrInvalidParams)
			}
			sum += r.Amount
		}
		if sum != p.RedirectAmount() {
			return fmt.Errorf("%w: redirect receivers sum to %d, want %d",
				ErrInvalidParams, sum, p.RedirectAmount())
		}
	}
	return nil
}
