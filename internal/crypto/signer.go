package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
)

// ErrKeyReused is returned when a second signature is requested from the same
// derived key for a different message. Keys are one-time: re-signing the same
// message (idempotent retry) is permitted, a new message is not.
var ErrKeyReused = errors.New("one-time key already used for a different message")

// SigningKey is a derived one-time signing keypair.
type SigningKey struct {
	priv *eddsa.PrivateKey
}

// PublicKey returns the transport encoding of the key's public half.
func (k *SigningKey) PublicKey() string {
	b := k.priv.PublicKey.Bytes()
	return hex.EncodeToString(b)
}

// NewSigningKey derives a fresh one-time keypair.
func NewSigningKey() (*SigningKey, error) {
	priv, err := eddsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &SigningKey{priv: priv}, nil
}

// Signer enforces the one-time contract over EdDSA/BN254: it tracks which
// message each derived key has signed and refuses a second, different message.
type Signer struct {
	mu   sync.Mutex
	used map[string][]byte // public key -> message digest signed
}

// NewSigner creates a Signer with an empty usage set.
func NewSigner() *Signer {
	return &Signer{used: make(map[string][]byte)}
}

// Sign signs the message digest with the given one-time key.
func (s *Signer) Sign(key *SigningKey, message []byte) (string, error) {
	digest := HashToField(message)
	pub := key.PublicKey()

	s.mu.Lock()
	if prev, ok := s.used[pub]; ok && !bytes.Equal(prev, digest) {
		s.mu.Unlock()
		return "", fmt.Errorf("signing with key %s: %w", pub[:8], ErrKeyReused)
	}
	s.used[pub] = digest
	s.mu.Unlock()

	sig, err := key.priv.Sign(digest, mimc.NewMiMC())
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a signature against a message and a public key encoding.
// Flipping any byte of a valid signature makes this fail.
func Verify(signature string, message []byte, publicKey string) (bool, error) {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	pubBytes, err := hex.DecodeString(publicKey)
	if err != nil {
		return false, fmt.Errorf("decoding public key: %w", err)
	}

	var pub eddsa.PublicKey
	if _, err := pub.SetBytes(pubBytes); err != nil {
		return false, fmt.Errorf("parsing public key: %w", err)
	}

	ok, err := pub.Verify(sigBytes, HashToField(message), mimc.NewMiMC())
	if err != nil {
		return false, nil // malformed signatures verify false, they are not errors
	}
	return ok, nil
}
