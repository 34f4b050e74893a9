package musig

import "errors"

// Key aggregation and signing errors. Callers match them with errors.Is; the
// protocol layer wraps them with trade context.
var (
	ErrInvalidKey        = errors.New("invalid public key")
	ErrKeyReflection     = errors.New("peer key equals own key")
	ErrPeerAlreadySet    = errors.New("peer key already set to a different point")
	ErrNotAggregated     = errors.New("key not aggregated yet")
	ErrAggregationFailed = errors.New("key aggregation failed")
	ErrSigningFailed     = errors.New("signing failed")
	ErrNonceConsumed     = errors.New("secret nonce already consumed")
	ErrInvalidNonce      = errors.New("invalid public nonce")
	ErrInvalidPartialSig = errors.New("invalid partial signature")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSessionState      = errors.New("session in wrong state")
)
