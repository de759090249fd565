package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer produces the authentication envelope for exchange requests. The
// concrete signature scheme lives behind this interface so paper mode and
// tests run without wallet keys, and production deployments can inject a
// hardware or remote wallet signer.
type Signer interface {
	// Address returns the wallet address the signature authenticates.
	Address() string
	// Sign authenticates the serialized action and nonce, returning the
	// JSON value placed in the request's signature field.
	Sign(action []byte, nonce int64) (json.RawMessage, error)
}

// LocalSigner authenticates requests with a MAC over the action and nonce
// derived from the unit's key. Suitable for relays and testnets that accept
// shared-secret auth; mainnet wallets inject their own Signer.
type LocalSigner struct {
	address string
	key     []byte
}

// NewLocalSigner builds a signer from the unit's resolved private key.
func NewLocalSigner(address, privateKey string) *LocalSigner {
	return &LocalSigner{address: address, key: []byte(privateKey)}
}

// Address returns the wallet address.
func (s *LocalSigner) Address() string { return s.address }

// Sign MACs action||nonce and emits the hex digest as a JSON string.
func (s *LocalSigner) Sign(action []byte, nonce int64) (json.RawMessage, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(action)
	fmt.Fprintf(mac, "%d", nonce)

	sig := "0x" + hex.EncodeToString(mac.Sum(nil))
	return json.Marshal(sig)
}
