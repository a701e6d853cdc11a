// Package crypto implements the commitment/privacy layer: binding, hiding
// commitments, one-time stealth addresses, the sealing cipher used for
// quote/order detail, and the one-time signature boundary.
//
// All primitives run over the BN254 scalar field with MiMC as the hash.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/shopspring/decimal"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// Opening holds the secret side of a commitment: the committed value and the
// blinding factor. It never leaves the committing party except toward the
// enclave or a prover.
type Opening struct {
	Value    decimal.Decimal
	Blinding *big.Int
}

// NewBlinding draws a fresh blinding factor from the scalar field.
func NewBlinding() (*big.Int, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return nil, fmt.Errorf("drawing blinding factor: %w", err)
	}
	return e.BigInt(new(big.Int)), nil
}

// Commit produces cm = MiMC(value, blinding) with both inputs reduced into the
// field. Deterministic given both inputs; binding and hiding under MiMC.
func Commit(value []byte, blinding *big.Int) model.Commitment {
	h := mimc.NewMiMC()
	absorb(h, value)
	absorb(h, blinding.Bytes())
	return model.Commitment(hex.EncodeToString(h.Sum(nil)))
}

// CommitDecimal commits to a decimal value via its canonical string form.
func CommitDecimal(value decimal.Decimal, blinding *big.Int) model.Commitment {
	return Commit([]byte(value.String()), blinding)
}

// CommitIdentity commits to a party's base address without revealing it.
func CommitIdentity(addr string, blinding *big.Int) model.Commitment {
	return Commit([]byte(addr), blinding)
}

// VerifyOpening checks that an opening matches a commitment.
func VerifyOpening(c model.Commitment, o Opening) bool {
	return CommitDecimal(o.Value, o.Blinding).Equal(c)
}

// HashToField maps arbitrary byte strings into a single field element digest.
func HashToField(chunks ...[]byte) []byte {
	h := mimc.NewMiMC()
	for _, c := range chunks {
		absorb(h, c)
	}
	return h.Sum(nil)
}

// absorb feeds b into the sponge as field-sized blocks, in order. Oversized
// inputs are split and finished with a length block, so no reordering or
// regrouping of the bytes yields the same absorption sequence.
func absorb(h io.Writer, b []byte) {
	if len(b) <= fr.Bytes {
		h.Write(toField(b))
		return
	}
	for start := 0; start < len(b); start += fr.Bytes {
		end := start + fr.Bytes
		if end > len(b) {
			end = len(b)
		}
		h.Write(toField(b[start:end]))
	}
	h.Write(toField(big.NewInt(int64(len(b))).Bytes()))
}

// toField reduces one block of raw bytes into a canonical 32-byte field
// element encoding. MiMC only accepts field-sized blocks; absorb splits
// anything larger before calling this.
func toField(b []byte) []byte {
	var e fr.Element
	e.SetBytes(b)
	out := e.Bytes()
	return out[:]
}

// randomField returns a uniformly random field element encoding.
func randomField() ([]byte, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return nil, err
	}
	out := e.Bytes()
	return out[:], nil
}

// randomBytes returns n bytes from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
