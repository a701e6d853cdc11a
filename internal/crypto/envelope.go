package crypto

import (
	"encoding/json"
	"fmt"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
)

// Envelope is a sealed payload together with the ephemeral public point the
// recipient needs to recover the shared key. Every seal draws fresh ephemeral
// randomness, so two envelopes to the same recipient are unlinkable.
type Envelope struct {
	EphemeralPub string `json:"epk"`
	Blob         []byte `json:"blob"`
}

// SealToPub seals the JSON encoding of v toward the holder of the base key
// behind pub.
func SealToPub(pub *bn254.G1Affine, v any) ([]byte, error) {
	derived, key, err := DeriveStealthWithKey(pub)
	if err != nil {
		return nil, err
	}
	blob, err := SealJSON(key, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		EphemeralPub: MarshalPoint(&derived.EphemeralPub),
		Blob:         blob,
	})
}

// OpenWithBase opens an envelope using the recipient's base key.
func OpenWithBase(base *BaseKey, data []byte, dest any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	ephPub, err := UnmarshalPoint(env.EphemeralPub)
	if err != nil {
		return err
	}
	_, key := base.RecoverAddress(ephPub)
	return OpenJSON(key, env.Blob, dest)
}
