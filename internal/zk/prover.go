package zk

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/shopspring/decimal"

	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// PriceScale and SizeScale fix the tick precision of committed terms.
const (
	PriceScale = 8
	SizeScale  = 8
)

var ErrNotIntegral = errors.New("value does not fit the tick scale")

// UnitsFromDecimal converts a decimal amount into integer ticks.
func UnitsFromDecimal(d decimal.Decimal, scale int32) (*big.Int, error) {
	shifted := d.Shift(scale)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s at scale %d", ErrNotIntegral, d, scale)
	}
	if shifted.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	return shifted.BigInt(), nil
}

// CommitUnits binds an integer tick amount under a blinding factor. The shape
// matches the in-circuit commitment, so proofs can open it.
func CommitUnits(units, blinding *big.Int) model.Commitment {
	h := mimc.NewMiMC()
	h.Write(padField(units))
	h.Write(padField(blinding))
	return model.Commitment(hex.EncodeToString(h.Sum(nil)))
}

func padField(v *big.Int) []byte {
	b := make([]byte, 32)
	v.FillBytes(b)
	return b
}

// Statement is the public side of a settlement proof.
type Statement struct {
	BuyPriceCommit  model.Commitment
	SellPriceCommit model.Commitment
	BuySizeCommit   model.Commitment
	SellSizeCommit  model.Commitment
	ClearingPrice   *big.Int
	FillSize        *big.Int
}

// Witness is the hidden side: both parties' limit terms and blindings.
type Witness struct {
	BuyLimit      *big.Int
	BuyPriceBlind *big.Int
	SellLimit     *big.Int
	SellPriceBlnd *big.Int
	BuySize       *big.Int
	BuySizeBlind  *big.Int
	SellSize      *big.Int
	SellSizeBlind *big.Int
}

// Prover generates and checks settlement proofs.
type Prover interface {
	Prove(stmt Statement, wit Witness) ([]byte, error)
	Verify(proof []byte, stmt Statement) error
}

// Groth16Prover compiles the trade circuit once and reuses the keys.
type Groth16Prover struct {
	once sync.Once
	ccs  constraint.ConstraintSystem
	pk   groth16.ProvingKey
	vk   groth16.VerifyingKey
	err  error
}

func NewGroth16Prover() *Groth16Prover {
	return &Groth16Prover{}
}

func (p *Groth16Prover) setup() error {
	p.once.Do(func() {
		ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &TradeCircuit{})
		if err != nil {
			p.err = fmt.Errorf("compiling trade circuit: %w", err)
			return
		}
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			p.err = fmt.Errorf("trusted setup: %w", err)
			return
		}
		p.ccs, p.pk, p.vk = ccs, pk, vk
	})
	return p.err
}

func (p *Groth16Prover) Prove(stmt Statement, wit Witness) ([]byte, error) {
	if err := p.setup(); err != nil {
		return nil, err
	}
	assignment, err := buildAssignment(stmt, &wit)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("building witness: %w", err)
	}
	proof, err := groth16.Prove(p.ccs, p.pk, w)
	if err != nil {
		metrics.ProofsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("proving settlement: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing proof: %w", err)
	}
	metrics.ProofsTotal.WithLabelValues("ok").Inc()
	return buf.Bytes(), nil
}

func (p *Groth16Prover) Verify(proofBytes []byte, stmt Statement) error {
	if err := p.setup(); err != nil {
		return err
	}
	assignment, err := buildAssignment(stmt, nil)
	if err != nil {
		return err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("building public witness: %w", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("decoding proof: %w", err)
	}
	return groth16.Verify(proof, p.vk, w)
}

func buildAssignment(stmt Statement, wit *Witness) (*TradeCircuit, error) {
	c := &TradeCircuit{
		ClearingPrice: stmt.ClearingPrice,
		FillSize:      stmt.FillSize,
	}
	for _, bind := range []struct {
		cm  model.Commitment
		dst *frontend.Variable
	}{
		{stmt.BuyPriceCommit, &c.BuyPriceCommit},
		{stmt.SellPriceCommit, &c.SellPriceCommit},
		{stmt.BuySizeCommit, &c.BuySizeCommit},
		{stmt.SellSizeCommit, &c.SellSizeCommit},
	} {
		raw, err := hex.DecodeString(string(bind.cm))
		if err != nil {
			return nil, fmt.Errorf("malformed commitment %q: %w", bind.cm, err)
		}
		*bind.dst = new(big.Int).SetBytes(raw)
	}
	if wit != nil {
		c.BuyLimit = wit.BuyLimit
		c.BuyPriceBlind = wit.BuyPriceBlind
		c.SellLimit = wit.SellLimit
		c.SellPriceBlnd = wit.SellPriceBlnd
		c.BuySize = wit.BuySize
		c.BuySizeBlind = wit.BuySizeBlind
		c.SellSize = wit.SellSize
		c.SellSizeBlind = wit.SellSizeBlind
	}
	return c, nil
}
