package protocol

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Wallet is the wallet collaborator a trade needs. The protocol never picks
// coins itself; merged transactions only re-add inputs the peers contributed.
type Wallet interface {
	// FundPsbt builds a transaction paying amount to script from own coins,
	// with change back to the wallet. Every input carries its witness UTXO.
	FundPsbt(script []byte, amount btcutil.Amount, feeRate btcutil.Amount) (*psbt.Packet, error)

	// SignPsbt signs the inputs the wallet owns and reports whether the
	// packet is now fully signed.
	SignPsbt(p *psbt.Packet) (bool, error)

	// IsMine reports whether the script pays to the wallet.
	IsMine(script []byte) bool

	// NextUnusedAddress returns a fresh receive address.
	NextUnusedAddress() (btcutil.Address, error)

	// Broadcast publishes tx.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// ReleaseInputs returns coins reserved by FundPsbt to the spendable set.
	ReleaseInputs(outpoints []wire.OutPoint)
}
