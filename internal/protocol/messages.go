package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/musig"
)

// Round message contracts. They carry public data only; the single secret
// that ever crosses the wire is the key share handed over on a cooperative
// close (see CloseMsg).

// Round1Msg announces the key shares and the own deposit contribution.
type Round1Msg struct {
	P            musig.Point `json:"p"`
	Q            musig.Point `json:"q"`
	DepositPart  *PSBT       `json:"deposit_part"`
	SwapScript   Script      `json:"swap_script,omitempty"` // Seller only
	AnchorScript Script      `json:"anchor_script"`
	ClaimScript  Script      `json:"claim_script"`
}

// TxNonces are the public nonces for one role's prepared transactions.
type TxNonces struct {
	Warning  [2]musig.PubNonce `json:"warning"` // P input, Q input
	Claim    musig.PubNonce    `json:"claim"`
	Redirect musig.PubNonce    `json:"redirect"`
}

// Round2Msg carries the aggregated keys, the signed deposit and all nonces.
type Round2Msg struct {
	PAgg    musig.Point    `json:"p_agg"`
	QAgg    musig.Point    `json:"q_agg"`
	Deposit *PSBT          `json:"deposit"`
	Swap    musig.PubNonce `json:"swap_nonce"`
	Seller  TxNonces       `json:"seller_nonces"`
	Buyer   TxNonces       `json:"buyer_nonces"`
}

// Nonces returns the nonce set for the transactions owned by role.
func (m *Round2Msg) Nonces(role Role) TxNonces {
	if role == Seller {
		return m.Seller
	}
	return m.Buyer
}

// TxPartials are partial signatures for the receiver's prepared
// transactions.
type TxPartials struct {
	Warning  [2]musig.PartialSig `json:"warning"`
	Claim    musig.PartialSig    `json:"claim"`
	Redirect musig.PartialSig    `json:"redirect"`
}

// Round3Msg reports the deposit txid and hands over partial signatures.
type Round3Msg struct {
	DepositTxID string           `json:"deposit_txid"`
	Swap        musig.PartialSig `json:"swap_partial"`
	Partials    TxPartials       `json:"partials"`
}

// Round4Msg carries the finalized swap transaction when sent by the Seller.
type Round4Msg struct {
	SwapTx *Tx `json:"swap_tx,omitempty"`
}

// CloseMsg hands over the own share of the key securing the peer's payout.
type CloseMsg struct {
	KeyShare string `json:"key_share"`
}

// Script is a hex encoded output script.
type Script []byte

func (s Script) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s)), nil
}

func (s *Script) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	*s = raw
	return nil
}

func (s Script) String() string { return hex.EncodeToString(s) }

// PSBT is a base64 encoded partially signed transaction.
type PSBT struct {
	*psbt.Packet
}

func (p PSBT) MarshalText() ([]byte, error) {
	if p.Packet == nil {
		return nil, fmt.Errorf("empty psbt")
	}
	s, err := p.B64Encode()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (p *PSBT) UnmarshalText(b []byte) error {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(b), true)
	if err != nil {
		return fmt.Errorf("decode psbt: %w", err)
	}
	p.Packet = packet
	return nil
}

// Tx is a hex encoded transaction including witnesses.
type Tx struct {
	*wire.MsgTx
}

func (t Tx) MarshalText() ([]byte, error) {
	if t.MsgTx == nil {
		return nil, fmt.Errorf("empty transaction")
	}
	var buf bytes.Buffer
	if err := t.Serialize(&buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf.Bytes())), nil
}

func (t *Tx) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	t.MsgTx = tx
	return nil
}
