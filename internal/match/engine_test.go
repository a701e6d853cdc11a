package match

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(price string, at time.Time) Quote {
	return Quote{
		ID:          uuid.New(),
		Price:       d(price),
		Size:        d("10"),
		SubmittedAt: at,
		ExpiresAt:   at.Add(time.Hour),
	}
}

func TestSelectBestQuoteBuyPicksLowest(t *testing.T) {
	q1 := quote("100.5", t0)
	q2 := quote("100.2", t0.Add(time.Second))

	best, err := SelectBestQuote(model.SideBuy, t0.Add(time.Minute), []Quote{q1, q2})
	require.NoError(t, err)
	assert.Equal(t, q2.ID, best.ID, "buy request minimizes cost")
}

func TestSelectBestQuoteSellPicksHighest(t *testing.T) {
	q1 := quote("100.5", t0)
	q2 := quote("100.2", t0.Add(time.Second))

	best, err := SelectBestQuote(model.SideSell, t0.Add(time.Minute), []Quote{q1, q2})
	require.NoError(t, err)
	assert.Equal(t, q1.ID, best.ID, "sell request maximizes proceeds")
}

func TestSelectBestQuoteTieBreaksOnSubmission(t *testing.T) {
	early := quote("100.0", t0)
	late := quote("100.0", t0.Add(time.Second))

	best, err := SelectBestQuote(model.SideBuy, t0.Add(time.Minute), []Quote{late, early})
	require.NoError(t, err)
	assert.Equal(t, early.ID, best.ID)
}

func TestSelectBestQuoteSkipsExpired(t *testing.T) {
	expired := quote("99.0", t0)
	expired.ExpiresAt = t0.Add(time.Second)
	live := quote("100.0", t0)

	best, err := SelectBestQuote(model.SideBuy, t0.Add(time.Minute), []Quote{expired, live})
	require.NoError(t, err)
	assert.Equal(t, live.ID, best.ID)

	_, err = SelectBestQuote(model.SideBuy, t0.Add(time.Minute), []Quote{expired})
	assert.ErrorIs(t, err, ErrNoQuotes)
}

func order(side model.Side, price, remaining string, at time.Time) Order {
	return Order{
		ID:          uuid.New(),
		Side:        side,
		Price:       d(price),
		Remaining:   d(remaining),
		SubmittedAt: at,
		ExpiresAt:   at.Add(time.Hour),
		Version:     1,
	}
}

func TestMatchPartialFill(t *testing.T) {
	buy := order(model.SideBuy, "101", "10", t0)
	sell := order(model.SideSell, "100", "6", t0.Add(time.Second))

	fills := MatchOrders(t0.Add(time.Minute), []Order{buy, sell})
	require.Len(t, fills, 1)

	f := fills[0]
	assert.Equal(t, buy.ID, f.BuyID)
	assert.Equal(t, sell.ID, f.SellID)
	assert.True(t, f.Size.Equal(d("6")), "fill consumes min(remaining)")
	assert.True(t, f.Price.Equal(d("101")), "resting buy sets the clearing price")
}

func TestMatchNoCrossLeavesPoolUntouched(t *testing.T) {
	buy := order(model.SideBuy, "99", "10", t0)
	sell := order(model.SideSell, "100", "10", t0)

	fills := MatchOrders(t0.Add(time.Minute), []Order{buy, sell})
	assert.Empty(t, fills)
}

func TestMatchPriceTimePriority(t *testing.T) {
	sellCheapLate := order(model.SideSell, "100", "5", t0.Add(2*time.Second))
	sellCheapEarly := order(model.SideSell, "100", "5", t0.Add(time.Second))
	sellDear := order(model.SideSell, "101", "5", t0)
	buy := order(model.SideBuy, "101", "7", t0.Add(3*time.Second))

	fills := MatchOrders(t0.Add(time.Minute), []Order{sellCheapLate, sellCheapEarly, sellDear, buy})
	require.Len(t, fills, 2)

	// Best price first, earliest within the price level.
	assert.Equal(t, sellCheapEarly.ID, fills[0].SellID)
	assert.True(t, fills[0].Size.Equal(d("5")))
	assert.Equal(t, sellCheapLate.ID, fills[1].SellID)
	assert.True(t, fills[1].Size.Equal(d("2")))
}

func TestMatchSkipsExpiredAndDrained(t *testing.T) {
	expired := order(model.SideSell, "100", "5", t0)
	expired.ExpiresAt = t0.Add(time.Second)
	drained := order(model.SideSell, "100", "0", t0)
	buy := order(model.SideBuy, "101", "5", t0)

	fills := MatchOrders(t0.Add(time.Minute), []Order{expired, drained, buy})
	assert.Empty(t, fills)
}

func TestMatchIdempotentForUnmatched(t *testing.T) {
	lonely := order(model.SideBuy, "90", "5", t0)
	sell := order(model.SideSell, "100", "5", t0)

	before := lonely.Remaining
	fills := MatchOrders(t0.Add(time.Minute), []Order{lonely, sell})
	assert.Empty(t, fills)
	assert.True(t, lonely.Remaining.Equal(before))
}

func TestCompatible(t *testing.T) {
	now := t0.Add(time.Minute)
	buy := order(model.SideBuy, "101", "10", t0)
	sell := order(model.SideSell, "100", "6", t0)

	assert.True(t, Compatible(now, &buy, &sell))
	assert.True(t, Compatible(now, &sell, &buy), "argument order must not matter")

	sameSide := order(model.SideBuy, "100", "5", t0)
	assert.False(t, Compatible(now, &buy, &sameSide))

	under := order(model.SideSell, "102", "5", t0)
	assert.False(t, Compatible(now, &buy, &under))
}
