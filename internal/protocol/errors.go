package protocol

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/musig"
)

// Protocol errors. Peer misbehaviour aborts the trade; TimelockNotMatured is
// retryable once more blocks have been mined.
var (
	ErrKeyReflection          = musig.ErrKeyReflection
	ErrAggregationFailed      = musig.ErrAggregationFailed
	ErrSigningFailed          = musig.ErrSigningFailed
	ErrKeyMismatch            = errors.New("aggregated key mismatch")
	ErrPeerUtxoFraud          = errors.New("peer offered an input owned by the local wallet")
	ErrInvalidPeerSignature   = errors.New("invalid peer signature")
	ErrProtocolStateViolation = errors.New("protocol state violation")
	ErrTimelockNotMatured     = errors.New("relative timelock not matured")
	ErrTxMismatch             = errors.New("peer transaction does not match")
	ErrInvalidPeerData        = errors.New("invalid peer data")
	ErrInvalidParams          = errors.New("invalid trade parameters")
	ErrWrongRole              = errors.New("operation not available for this role")
	ErrTradeFailed            = errors.New("trade has failed")
	ErrTradeClosed            = errors.New("trade is closed")
	ErrTradeNotFound          = errors.New("trade not found")
	ErrTradeExists            = errors.New("trade already exists")
)

// TradeError carries the context of a failure: which trade, round,
// transaction and input it happened in.
type TradeError struct {
	TradeID string
	Round   Round
	Tx      TxKind
	Input   int
	Err     error
}

func (e *TradeError) Error() string {
	msg := fmt.Sprintf("trade %s round %d", e.TradeID, e.Round)
	if e.Tx != "" {
		msg += fmt.Sprintf(" tx %s", e.Tx)
		if e.Input >= 0 {
			msg += fmt.Sprintf(" input %d", e.Input)
		}
	}
	return msg + ": " + e.Err.Error()
}

func (e *TradeError) Unwrap() error { return e.Err }

// txError annotates err with a transaction and input index. Input -1 means
// the error is not tied to one input.
func txError(kind TxKind, input int, err error) error {
	var te *TradeError
	if errors.As(err, &te) {
		return err
	}
	return &TradeError{Tx: kind, Input: input, Err: err}
}

// IsFatal reports whether err must abort the trade.
func IsFatal(err error) bool {
	if err == nil || IsRetryable(err) {
		return false
	}
	for _, target := range []error{
		ErrKeyReflection, ErrKeyMismatch, ErrPeerUtxoFraud, ErrInvalidPeerSignature,
		ErrTxMismatch, ErrInvalidPeerData, ErrAggregationFailed, ErrSigningFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the operation may succeed later without any
// change on the local side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimelockNotMatured) || errors.Is(err, backend.ErrNotConnected)
}

// broadcastError maps ledger rejections to protocol errors.
func broadcastError(kind TxKind, err error) error {
	if errors.Is(err, backend.ErrNonFinal) {
		return txError(kind, 0, fmt.Errorf("%w: %v", ErrTimelockNotMatured, err))
	}
	return txError(kind, -1, err)
}
