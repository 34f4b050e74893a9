package node

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/nacl/box"
)

// ErrNotRecipient is returned when opening an envelope sealed for another
// peer.
var ErrNotRecipient = errors.New("envelope not addressed to this node")

// Envelope is a TradeMessage sealed for a single peer. Sender and recipient
// are visible to every topic subscriber; the message is not.
type Envelope struct {
	Recipient  string `json:"recipient"`
	Sender     string `json:"sender"`
	Ephemeral  []byte `json:"ephemeral_key"` // X25519, 32 bytes
	Nonce      []byte `json:"nonce"`         // 24 bytes
	Ciphertext []byte `json:"ciphertext"`
}

// Sealer seals and opens envelopes with keys derived from the libp2p
// Ed25519 identities, so no key exchange is needed beyond knowing the peer
// id.
type Sealer struct {
	self peer.ID
	priv [32]byte // X25519
}

// NewSealer derives the node's X25519 key from its identity key.
func NewSealer(priv crypto.PrivKey, self peer.ID) (*Sealer, error) {
	x, err := x25519FromPriv(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 key: %w", err)
	}
	return &Sealer{self: self, priv: x}, nil
}

// Seal encrypts msg for to with a fresh ephemeral key.
func (s *Sealer) Seal(to peer.ID, msg *TradeMessage) (*Envelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	recipient, err := x25519FromPeer(to)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Envelope{
		Recipient:  to.String(),
		Sender:     s.self.String(),
		Ephemeral:  ephPub[:],
		Nonce:      nonce[:],
		Ciphertext: box.Seal(nil, plaintext, &nonce, &recipient, ephPriv),
	}, nil
}

// Open decrypts an envelope addressed to this node.
func (s *Sealer) Open(env *Envelope) (*TradeMessage, error) {
	if !s.IsForUs(env) {
		return nil, ErrNotRecipient
	}
	if len(env.Ephemeral) != 32 {
		return nil, fmt.Errorf("invalid ephemeral key length %d", len(env.Ephemeral))
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length %d", len(env.Nonce))
	}
	var (
		eph   [32]byte
		nonce [24]byte
	)
	copy(eph[:], env.Ephemeral)
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &eph, &s.priv)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	var msg TradeMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	// The sealed sender must match the envelope.
	if msg.FromPeer != env.Sender {
		return nil, fmt.Errorf("sender mismatch: envelope %s, message %s", env.Sender, msg.FromPeer)
	}
	return &msg, nil
}

// IsForUs reports whether env is addressed to this node.
func (s *Sealer) IsForUs(env *Envelope) bool {
	return env.Recipient == s.self.String()
}

// x25519FromPriv hashes the Ed25519 seed and clamps it (RFC 8032 / 7748).
func x25519FromPriv(priv crypto.PrivKey) ([32]byte, error) {
	var out [32]byte
	if priv.Type() != crypto.Ed25519 {
		return out, fmt.Errorf("identity key is %s, need Ed25519", priv.Type())
	}
	raw, err := priv.Raw()
	if err != nil {
		return out, err
	}
	if len(raw) < 32 {
		return out, fmt.Errorf("invalid private key length %d", len(raw))
	}
	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(out[:], h[:32])
	return out, nil
}

// x25519FromPeer maps the Ed25519 key embedded in a peer id to its
// Montgomery form.
func x25519FromPeer(id peer.ID) ([32]byte, error) {
	var out [32]byte
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return out, fmt.Errorf("failed to extract public key: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid public key length %d", len(raw))
	}
	p, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return out, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}
