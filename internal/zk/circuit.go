// Package zk produces and verifies settlement proofs: groth16 proofs that a
// cleared trade is consistent with both parties' committed limit terms, without
// revealing the limits themselves.
package zk

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// TradeCircuit proves that a publicly known clearing (price, size) respects the
// hidden limit terms bound by four MiMC commitments. All quantities are
// integers in protocol ticks.
type TradeCircuit struct {
	// Public
	BuyPriceCommit  frontend.Variable `gnark:",public"`
	SellPriceCommit frontend.Variable `gnark:",public"`
	BuySizeCommit   frontend.Variable `gnark:",public"`
	SellSizeCommit  frontend.Variable `gnark:",public"`
	ClearingPrice   frontend.Variable `gnark:",public"`
	FillSize        frontend.Variable `gnark:",public"`

	// Private
	BuyLimit      frontend.Variable
	BuyPriceBlind frontend.Variable
	SellLimit     frontend.Variable
	SellPriceBlnd frontend.Variable
	BuySize       frontend.Variable
	BuySizeBlind  frontend.Variable
	SellSize      frontend.Variable
	SellSizeBlind frontend.Variable
}

func (c *TradeCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(c.BuyPriceCommit, commit(api, c.BuyLimit, c.BuyPriceBlind))
	api.AssertIsEqual(c.SellPriceCommit, commit(api, c.SellLimit, c.SellPriceBlnd))
	api.AssertIsEqual(c.BuySizeCommit, commit(api, c.BuySize, c.BuySizeBlind))
	api.AssertIsEqual(c.SellSizeCommit, commit(api, c.SellSize, c.SellSizeBlind))

	// The clearing price sits inside the crossed spread.
	api.AssertIsLessOrEqual(c.SellLimit, c.ClearingPrice)
	api.AssertIsLessOrEqual(c.ClearingPrice, c.BuyLimit)

	// The fill is positive and within both committed sizes.
	api.AssertIsLessOrEqual(1, c.FillSize)
	api.AssertIsLessOrEqual(c.FillSize, c.BuySize)
	api.AssertIsLessOrEqual(c.FillSize, c.SellSize)
	return nil
}

// commit mirrors the native CommitUnits: cm = MiMC(value, blinding).
func commit(api frontend.API, value, blinding frontend.Variable) frontend.Variable {
	h, _ := mimc.NewMiMC(api)
	h.Write(value)
	h.Write(blinding)
	return h.Sum()
}
