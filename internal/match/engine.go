// Package match holds the selection and matching policy. It operates on
// plaintext views of quotes and orders, so it only ever runs inside the
// confidential-compute boundary; callers outside that boundary receive winner
// ids and fills, never the losing values.
package match

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// ErrNoQuotes is returned when selection runs against an empty quote set.
var ErrNoQuotes = errors.New("no quotes to select from")

// Quote is the decrypted view of a quote inside the enclave.
type Quote struct {
	ID          uuid.UUID
	Price       decimal.Decimal
	Size        decimal.Decimal
	SubmittedAt time.Time
	ExpiresAt   time.Time
}

// SelectBestQuote picks the most favorable quote for the request side:
// lowest price for a buy request, highest for a sell request. Ties break on
// earliest submission. Expired quotes never win.
func SelectBestQuote(side model.Side, now time.Time, quotes []Quote) (Quote, error) {
	var best *Quote
	for i := range quotes {
		q := &quotes[i]
		if !q.ExpiresAt.IsZero() && !q.ExpiresAt.After(now) {
			continue
		}
		if best == nil || better(side, q, best) {
			best = q
		}
	}
	if best == nil {
		return Quote{}, ErrNoQuotes
	}
	return *best, nil
}

func better(side model.Side, a, b *Quote) bool {
	var cmp int
	if side == model.SideBuy {
		cmp = a.Price.Cmp(b.Price) // buyer pays less
	} else {
		cmp = b.Price.Cmp(a.Price) // seller receives more
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

// Order is the decrypted view of a pool order inside the enclave. Version is
// carried through so fills can be committed with compare-and-set.
type Order struct {
	ID          uuid.UUID
	Side        model.Side
	Price       decimal.Decimal
	Remaining   decimal.Decimal
	SubmittedAt time.Time
	ExpiresAt   time.Time
	Version     uint64
}

func (o *Order) expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// Fill is one matched pair: size is min of both remainders, price is the
// resting (earlier submitted) order's price.
type Fill struct {
	BuyID       uuid.UUID
	SellID      uuid.UUID
	BuyVersion  uint64
	SellVersion uint64
	Size        decimal.Decimal
	Price       decimal.Decimal
}

// Compatible reports whether two orders can cross: opposite sides, buy price
// covering sell price, both live with remaining size. Pair equality is the
// caller's concern; snapshots are taken per pair.
func Compatible(now time.Time, a, b *Order) bool {
	if a.Side == b.Side {
		return false
	}
	buy, sell := a, b
	if buy.Side != model.SideBuy {
		buy, sell = sell, buy
	}
	if buy.Price.Cmp(sell.Price) < 0 {
		return false
	}
	if !buy.Remaining.IsPositive() || !sell.Remaining.IsPositive() {
		return false
	}
	return !buy.expired(now) && !sell.expired(now)
}

// MatchOrders runs one price-time priority pass over a snapshot. Orders with
// no compatible counterparty are left untouched, so the pass is idempotent
// with respect to unmatched orders.
func MatchOrders(now time.Time, orders []Order) []Fill {
	var buys, sells []Order
	for _, o := range orders {
		if o.expired(now) || !o.Remaining.IsPositive() {
			continue
		}
		if o.Side == model.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}

	// Best price first, earliest submission as tie-break.
	sort.Slice(buys, func(i, j int) bool {
		if c := buys[i].Price.Cmp(buys[j].Price); c != 0 {
			return c > 0
		}
		return buys[i].SubmittedAt.Before(buys[j].SubmittedAt)
	})
	sort.Slice(sells, func(i, j int) bool {
		if c := sells[i].Price.Cmp(sells[j].Price); c != 0 {
			return c < 0
		}
		return sells[i].SubmittedAt.Before(sells[j].SubmittedAt)
	})

	var fills []Fill
	bi, si := 0, 0
	for bi < len(buys) && si < len(sells) {
		buy, sell := &buys[bi], &sells[si]
		if buy.Price.Cmp(sell.Price) < 0 {
			break // best buy no longer covers best sell: nothing else crosses
		}

		size := decimal.Min(buy.Remaining, sell.Remaining)
		fills = append(fills, Fill{
			BuyID:       buy.ID,
			SellID:      sell.ID,
			BuyVersion:  buy.Version,
			SellVersion: sell.Version,
			Size:        size,
			Price:       restingPrice(buy, sell),
		})

		buy.Remaining = buy.Remaining.Sub(size)
		sell.Remaining = sell.Remaining.Sub(size)
		if !buy.Remaining.IsPositive() {
			bi++
		}
		if !sell.Remaining.IsPositive() {
			si++
		}
	}
	return fills
}

// restingPrice is the clearing price: the earlier submitted order sets it.
func restingPrice(buy, sell *Order) decimal.Decimal {
	if buy.SubmittedAt.Before(sell.SubmittedAt) {
		return buy.Price
	}
	return sell.Price
}
