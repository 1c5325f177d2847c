// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package platformcrypto is the narrow crypto facade spec.md §1 contracts
// out of the core: digests and signatures are opaque functions to every
// other package. It is grounded in the teacher's own signing stack
// (secp256k1 via btcec, matching consensus/clique and consensus/alien's
// ecdsa.PrivateKey-based signer identity) plus sha3 hashing, the same
// primitives go-ethereum-family engines use for block/vote signatures.
package platformcrypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/hashgraph/hedera-platform-sub002/common"
)

// ErrInvalidSignature is returned by Verify for a well-formed but
// non-matching signature.
var ErrInvalidSignature = errors.New("platformcrypto: invalid signature")

// PublicKey is the serialized compressed secp256k1 public key stored in
// the address book.
type PublicKey [33]byte

// PrivateKey is a node's signing key; it never leaves the process that
// owns it.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GenerateKey creates a new signing key, used by tests and by first-run
// node bootstrap.
func GenerateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// PublicKey returns the compressed public key counterpart.
func (p *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], p.key.PubKey().SerializeCompressed())
	return pk
}

// Bytes serializes the raw 32-byte scalar, for writing a node's key file
// at first run.
func (p *PrivateKey) Bytes() []byte {
	return p.key.Serialize()
}

// LoadPrivateKey parses a 32-byte scalar previously produced by Bytes,
// the counterpart used when a node restarts and reloads its key file
// (spec.md exit code 204: key-loading-failed, on malformed input).
func LoadPrivateKey(raw []byte) (*PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("platformcrypto: private key must be 32 bytes, got %d", len(raw))
	}
	k := btcec.PrivKeyFromBytes(raw)
	return &PrivateKey{key: k}, nil
}

// Sign produces a signature over digest (already hashed by the caller
// via Hash/HashConcat below).
func (p *PrivateKey) Sign(digest common.Hash) ([]byte, error) {
	sig := btcecdsa.Sign(p.key, digest[:])
	return sig.Serialize(), nil
}

// Verify checks sig against digest under pub.
func Verify(pub PublicKey, digest common.Hash, sig []byte) error {
	pk, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	parsed, err := btcecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Verify(digest[:], pk) {
		return ErrInvalidSignature
	}
	return nil
}

// Hash computes the platform's digest (sha3-256) over b.
func Hash(b []byte) common.Hash {
	var out common.Hash
	h := sha3.Sum256(b)
	copy(out[:], h[:])
	return out
}

// HashConcat computes Hash(a||b), the running-hash combinator used by
// event.NextRunningHash.
func HashConcat(a, b common.Hash) common.Hash {
	buf := make([]byte, 0, common.HashLen*2)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return Hash(buf)
}

// SecureRandom exists so call sites needing randomness (coin-round
// fallback excepted, which must be deterministic) don't reach for
// math/rand directly.
func SecureRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
