package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// The sealing cipher masks payload blocks with a chained MiMC keystream
// derived from shared key material. Each sealed blob carries a MiMC tag so
// tampering and wrong-key opens are detected.

const sealBlock = 32

// Sealed is a masked payload with its integrity tag.
type Sealed struct {
	Ciphertext []byte `json:"ct"`
	Tag        []byte `json:"tag"`
	PlainLen   int    `json:"len"`
}

// Seal masks plaintext under the given key material.
func Seal(key, plaintext []byte) (*Sealed, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("sealing requires key material")
	}
	stream := keystream(key, (len(plaintext)+sealBlock-1)/sealBlock+1)
	ct := make([]byte, len(plaintext))
	for i := range plaintext {
		ct[i] = plaintext[i] ^ stream[i/sealBlock][i%sealBlock]
	}
	tag := HashToField(key, plaintext)
	return &Sealed{Ciphertext: ct, Tag: tag, PlainLen: len(plaintext)}, nil
}

// Open unmasks a sealed payload, failing on a wrong key or altered ciphertext.
func Open(key []byte, s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nothing to open")
	}
	stream := keystream(key, (len(s.Ciphertext)+sealBlock-1)/sealBlock+1)
	pt := make([]byte, len(s.Ciphertext))
	for i := range s.Ciphertext {
		pt[i] = s.Ciphertext[i] ^ stream[i/sealBlock][i%sealBlock]
	}
	if !bytes.Equal(HashToField(key, pt), s.Tag) {
		return nil, fmt.Errorf("open failed: key mismatch or tampered payload")
	}
	return pt, nil
}

// SealJSON seals the JSON encoding of v and returns the blob's own encoding.
func SealJSON(key []byte, v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	sealed, err := Seal(key, plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

// OpenJSON opens a blob produced by SealJSON into dest.
func OpenJSON(key, blob []byte, dest any) error {
	var sealed Sealed
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return fmt.Errorf("decoding sealed blob: %w", err)
	}
	plain, err := Open(key, &sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, dest)
}

// keystream derives n chained 32-byte masks from the key, after the note
// encryption chain in the confidential-market literature.
func keystream(key []byte, n int) [][]byte {
	masks := make([][]byte, n)
	h := mimc.NewMiMC()
	h.Write(toField(key))
	prev := h.Sum(nil)
	masks[0] = prev
	for i := 1; i < n; i++ {
		h.Write(prev)
		prev = h.Sum(nil)
		masks[i] = prev
	}
	return masks
}
