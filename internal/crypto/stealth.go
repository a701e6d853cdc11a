package crypto

import (
	"encoding/hex"
	"fmt"
	"math/big"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// BaseKey is a party's long-lived stealth base keypair. One-time addresses
// derived from the public half are unlinkable to it without the private
// viewing scalar.
type BaseKey struct {
	priv fr.Element
	Pub  bn254.G1Affine
}

// NewBaseKey generates a fresh stealth base keypair.
func NewBaseKey() (*BaseKey, error) {
	var k BaseKey
	if _, err := k.priv.SetRandom(); err != nil {
		return nil, fmt.Errorf("generating base key: %w", err)
	}
	g1 := generator()
	k.Pub.ScalarMultiplication(&g1, k.priv.BigInt(new(big.Int)))
	return &k, nil
}

// StealthAddress is a derived one-time recipient address. EphemeralPub is
// published alongside the address so the holder of the base private key can
// recover the shared secret; nobody else can link Addr back to the base key.
type StealthAddress struct {
	Addr         string
	EphemeralPub bn254.G1Affine
}

// DeriveStealth derives a one-time address for basePub using fresh ephemeral
// randomness: R = rG, shared = r*basePub, addr = H(shared).
func DeriveStealth(basePub *bn254.G1Affine) (*StealthAddress, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, fmt.Errorf("deriving stealth address: %w", err)
	}
	rBig := r.BigInt(new(big.Int))

	g1 := generator()
	var ephPub, shared bn254.G1Affine
	ephPub.ScalarMultiplication(&g1, rBig)
	shared.ScalarMultiplication(basePub, rBig)

	return &StealthAddress{
		Addr:         addressFromPoint(&shared),
		EphemeralPub: ephPub,
	}, nil
}

// RecoverAddress recomputes the one-time address from the holder's side:
// shared = basePriv * R. Returns the address and the shared key material
// usable with Seal/Open.
func (k *BaseKey) RecoverAddress(ephemeralPub *bn254.G1Affine) (string, []byte) {
	var shared bn254.G1Affine
	shared.ScalarMultiplication(ephemeralPub, k.priv.BigInt(new(big.Int)))
	return addressFromPoint(&shared), sharedKeyMaterial(&shared)
}

// SharedKey returns the sender-side key material for a derived address. The
// sender must retain it to seal payloads toward the address.
func SharedKey(basePub *bn254.G1Affine, ephemeralPriv *big.Int) []byte {
	var shared bn254.G1Affine
	shared.ScalarMultiplication(basePub, ephemeralPriv)
	return sharedKeyMaterial(&shared)
}

// DeriveStealthWithKey derives a one-time address and returns the shared key
// material in one step, for callers that immediately seal toward the address.
func DeriveStealthWithKey(basePub *bn254.G1Affine) (*StealthAddress, []byte, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("deriving stealth address: %w", err)
	}
	rBig := r.BigInt(new(big.Int))

	g1 := generator()
	var ephPub, shared bn254.G1Affine
	ephPub.ScalarMultiplication(&g1, rBig)
	shared.ScalarMultiplication(basePub, rBig)

	return &StealthAddress{
		Addr:         addressFromPoint(&shared),
		EphemeralPub: ephPub,
	}, sharedKeyMaterial(&shared), nil
}

// MarshalPoint encodes a curve point for transport.
func MarshalPoint(p *bn254.G1Affine) string {
	b := p.Bytes()
	return hex.EncodeToString(b[:])
}

// UnmarshalPoint decodes a curve point from its hex form.
func UnmarshalPoint(s string) (*bn254.G1Affine, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding point: %w", err)
	}
	var p bn254.G1Affine
	if _, err := p.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("parsing point: %w", err)
	}
	return &p, nil
}

func addressFromPoint(p *bn254.G1Affine) string {
	x := p.X.Bytes()
	y := p.Y.Bytes()
	return "obs1" + hex.EncodeToString(HashToField(x[:], y[:]))
}

func sharedKeyMaterial(p *bn254.G1Affine) []byte {
	x := p.X.Bytes()
	y := p.Y.Bytes()
	return HashToField(y[:], x[:])
}

func generator() bn254.G1Affine {
	_, _, g1, _ := bn254.Generators()
	return g1
}
