package zk

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/internal/crypto"
)

func testTerms(t *testing.T) (Statement, Witness) {
	t.Helper()
	blind := func() *big.Int {
		b, err := crypto.NewBlinding()
		require.NoError(t, err)
		return b
	}

	wit := Witness{
		BuyLimit:      big.NewInt(101_00000000),
		BuyPriceBlind: blind(),
		SellLimit:     big.NewInt(100_00000000),
		SellPriceBlnd: blind(),
		BuySize:       big.NewInt(10_00000000),
		BuySizeBlind:  blind(),
		SellSize:      big.NewInt(6_00000000),
		SellSizeBlind: blind(),
	}
	stmt := Statement{
		BuyPriceCommit:  CommitUnits(wit.BuyLimit, wit.BuyPriceBlind),
		SellPriceCommit: CommitUnits(wit.SellLimit, wit.SellPriceBlnd),
		BuySizeCommit:   CommitUnits(wit.BuySize, wit.BuySizeBlind),
		SellSizeCommit:  CommitUnits(wit.SellSize, wit.SellSizeBlind),
		ClearingPrice:   big.NewInt(101_00000000),
		FillSize:        big.NewInt(6_00000000),
	}
	return stmt, wit
}

func TestProveAndVerify(t *testing.T) {
	prover := NewGroth16Prover()
	stmt, wit := testTerms(t)

	proof, err := prover.Prove(stmt, wit)
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	require.NoError(t, prover.Verify(proof, stmt))
}

func TestVerifyRejectsAlteredStatement(t *testing.T) {
	prover := NewGroth16Prover()
	stmt, wit := testTerms(t)

	proof, err := prover.Prove(stmt, wit)
	require.NoError(t, err)

	// Claiming a larger fill than was proven must fail.
	stmt.FillSize = big.NewInt(7_00000000)
	assert.Error(t, prover.Verify(proof, stmt))
}

func TestProveRejectsUncrossedTerms(t *testing.T) {
	prover := NewGroth16Prover()
	stmt, wit := testTerms(t)

	// Clearing above the buyer's limit violates the spread constraint.
	stmt.ClearingPrice = big.NewInt(102_00000000)
	_, err := prover.Prove(stmt, wit)
	assert.Error(t, err)
}

func TestProveRejectsOversizedFill(t *testing.T) {
	prover := NewGroth16Prover()
	stmt, wit := testTerms(t)

	stmt.FillSize = big.NewInt(8_00000000) // exceeds committed sell size
	_, err := prover.Prove(stmt, wit)
	assert.Error(t, err)
}

func TestUnitsFromDecimal(t *testing.T) {
	u, err := UnitsFromDecimal(decimal.RequireFromString("101.5"), PriceScale)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(101_50000000), u)

	_, err = UnitsFromDecimal(decimal.RequireFromString("0.000000001"), PriceScale)
	assert.ErrorIs(t, err, ErrNotIntegral)

	_, err = UnitsFromDecimal(decimal.RequireFromString("-3"), PriceScale)
	assert.Error(t, err)
}

func TestCommitUnitsDeterministicAndHiding(t *testing.T) {
	b1, err := crypto.NewBlinding()
	require.NoError(t, err)
	b2, err := crypto.NewBlinding()
	require.NoError(t, err)

	v := big.NewInt(42)
	assert.Equal(t, CommitUnits(v, b1), CommitUnits(v, b1))
	assert.NotEqual(t, CommitUnits(v, b1), CommitUnits(v, b2))
}
