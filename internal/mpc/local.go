package mpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/match"
)

// LocalEngine runs the selection and matching policy in-process. It plays the
// enclave's role: the only place where quote and order ciphertexts are opened.
// Callers receive winner ids, fills, and a detail blob re-sealed toward the
// requester's public key; plaintext never leaves this boundary.
type LocalEngine struct {
	base   *crypto.BaseKey
	logger *zap.Logger
	now    func() time.Time
}

// NewLocalEngine builds an engine around the enclave base key that submitters
// sealed their payloads toward.
func NewLocalEngine(base *crypto.BaseKey, logger *zap.Logger) *LocalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalEngine{base: base, logger: logger, now: time.Now}
}

// BasePub exposes the public half submitters seal toward.
func (e *LocalEngine) BasePub() string {
	return crypto.MarshalPoint(&e.base.Pub)
}

// CompareQuotes opens every quote ciphertext, selects the most favorable one
// for the request side, and re-seals the winning detail toward ResultPub.
func (e *LocalEngine) CompareQuotes(ctx context.Context, req CompareRequest) (*CompareResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Op: "compare_quotes", Cause: err}
	}
	now := e.now()

	candidates := make([]match.Quote, 0, len(req.Quotes))
	details := make(map[string]QuoteDetail, len(req.Quotes))
	for _, q := range req.Quotes {
		var d QuoteDetail
		if err := crypto.OpenWithBase(e.base, q.Ciphertext, &d); err != nil {
			return nil, &Failure{Op: "compare_quotes", Cause: fmt.Errorf("opening quote %s: %w", q.ID, err)}
		}
		details[q.ID.String()] = d
		candidates = append(candidates, match.Quote{
			ID:          q.ID,
			Price:       d.Price,
			Size:        d.Size,
			SubmittedAt: q.SubmittedAt,
			ExpiresAt:   q.ExpiresAt,
		})
	}

	best, err := match.SelectBestQuote(req.Side, now, candidates)
	if err != nil {
		return nil, &Failure{Op: "compare_quotes", Cause: err}
	}

	resultPub, err := crypto.UnmarshalPoint(req.ResultPub)
	if err != nil {
		return nil, &Failure{Op: "compare_quotes", Cause: fmt.Errorf("result key: %w", err)}
	}
	sealed, err := crypto.SealToPub(resultPub, details[best.ID.String()])
	if err != nil {
		return nil, &Failure{Op: "compare_quotes", Cause: fmt.Errorf("sealing winner detail: %w", err)}
	}

	var commit = req.Quotes[0].PriceCommit
	for _, q := range req.Quotes {
		if q.ID == best.ID {
			commit = q.PriceCommit
			break
		}
	}
	e.logger.Debug("mpc.local.quotes_compared",
		zap.String("request_id", req.RequestID.String()),
		zap.Int("candidates", len(candidates)),
	)
	return &CompareResult{WinningID: best.ID, EncryptedDetail: sealed, Commitment: commit}, nil
}

// MatchOrders opens the snapshot and runs one greedy price-time matching pass.
// Fill sizes and prices come back in the clear, as the settlement layer needs
// them; order contents beyond the crossed quantities stay sealed.
func (e *LocalEngine) MatchOrders(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Op: "match_orders", Cause: err}
	}
	now := e.now()

	book := make([]match.Order, 0, len(req.Orders))
	for _, o := range req.Orders {
		var d OrderDetail
		if err := crypto.OpenWithBase(e.base, o.Ciphertext, &d); err != nil {
			return nil, &Failure{Op: "match_orders", Cause: fmt.Errorf("opening order %s: %w", o.ID, err)}
		}
		// The ciphertext carries the size as submitted; partial fills live only
		// in the book's remaining shadow. Take the smaller of the two so a
		// stale or absent shadow never inflates the matchable quantity.
		remaining := d.Size
		if o.Remaining.IsPositive() && o.Remaining.LessThan(d.Size) {
			remaining = o.Remaining
		}
		book = append(book, match.Order{
			ID:          o.ID,
			Side:        o.Side,
			Price:       d.Price,
			Remaining:   remaining,
			SubmittedAt: o.SubmittedAt,
			ExpiresAt:   o.ExpiresAt,
			Version:     o.Version,
		})
	}

	fills := match.MatchOrders(now, book)
	out := make([]OrderFill, 0, len(fills))
	for _, f := range fills {
		out = append(out, OrderFill{
			BuyID:       f.BuyID,
			SellID:      f.SellID,
			BuyVersion:  f.BuyVersion,
			SellVersion: f.SellVersion,
			Size:        f.Size,
			Price:       f.Price,
		})
	}
	e.logger.Debug("mpc.local.orders_matched",
		zap.String("pair", req.Pair.String()),
		zap.Int("orders", len(book)),
		zap.Int("fills", len(out)),
	)
	return &MatchResult{Fills: out}, nil
}
