package mpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

func sealQuote(t *testing.T, pub string, price, size string) []byte {
	t.Helper()
	p, err := crypto.UnmarshalPoint(pub)
	require.NoError(t, err)
	blob, err := crypto.SealToPub(p, QuoteDetail{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	})
	require.NoError(t, err)
	return blob
}

func sealOrder(t *testing.T, pub string, price, size string) []byte {
	t.Helper()
	p, err := crypto.UnmarshalPoint(pub)
	require.NoError(t, err)
	blob, err := crypto.SealToPub(p, OrderDetail{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	})
	require.NoError(t, err)
	return blob
}

func TestLocalEngineSelectsLowestForBuy(t *testing.T) {
	base, err := crypto.NewBaseKey()
	require.NoError(t, err)
	engine := NewLocalEngine(base, nil)

	requester, err := crypto.NewBaseKey()
	require.NoError(t, err)

	now := time.Now()
	q1, q2 := uuid.New(), uuid.New()
	req := CompareRequest{
		RequestID: uuid.New(),
		Side:      model.SideBuy,
		ResultPub: crypto.MarshalPoint(&requester.Pub),
		Quotes: []EncryptedQuote{
			{ID: q1, Ciphertext: sealQuote(t, engine.BasePub(), "100.5", "10"), SubmittedAt: now, ExpiresAt: now.Add(time.Minute)},
			{ID: q2, Ciphertext: sealQuote(t, engine.BasePub(), "100.2", "10"), SubmittedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)},
		},
	}

	res, err := engine.CompareQuotes(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, q2, res.WinningID)

	// Only the requester key can open the winning detail.
	var detail QuoteDetail
	require.NoError(t, crypto.OpenWithBase(requester, res.EncryptedDetail, &detail))
	assert.True(t, detail.Price.Equal(decimal.RequireFromString("100.2")))

	other, err := crypto.NewBaseKey()
	require.NoError(t, err)
	assert.Error(t, crypto.OpenWithBase(other, res.EncryptedDetail, &detail))
}

func TestLocalEngineAllQuotesExpired(t *testing.T) {
	base, err := crypto.NewBaseKey()
	require.NoError(t, err)
	engine := NewLocalEngine(base, nil)

	requester, err := crypto.NewBaseKey()
	require.NoError(t, err)

	now := time.Now()
	req := CompareRequest{
		RequestID: uuid.New(),
		Side:      model.SideSell,
		ResultPub: crypto.MarshalPoint(&requester.Pub),
		Quotes: []EncryptedQuote{
			{ID: uuid.New(), Ciphertext: sealQuote(t, engine.BasePub(), "99", "5"), SubmittedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute)},
		},
	}

	_, err = engine.CompareQuotes(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsFailure(err))
}

func TestLocalEngineMatchesCrossingOrders(t *testing.T) {
	base, err := crypto.NewBaseKey()
	require.NoError(t, err)
	engine := NewLocalEngine(base, nil)

	now := time.Now()
	buy, sell := uuid.New(), uuid.New()
	req := MatchRequest{
		Pair: model.Pair{Base: "ETH", Quote: "USDC"},
		Orders: []EncryptedOrder{
			{ID: buy, Side: model.SideBuy, Ciphertext: sealOrder(t, engine.BasePub(), "101", "10"), SubmittedAt: now, ExpiresAt: now.Add(time.Hour), Version: 3},
			{ID: sell, Side: model.SideSell, Ciphertext: sealOrder(t, engine.BasePub(), "100", "6"), SubmittedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour), Version: 1},
		},
	}

	res, err := engine.MatchOrders(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)

	f := res.Fills[0]
	assert.Equal(t, buy, f.BuyID)
	assert.Equal(t, sell, f.SellID)
	assert.Equal(t, uint64(3), f.BuyVersion)
	assert.Equal(t, uint64(1), f.SellVersion)
	assert.True(t, f.Size.Equal(decimal.RequireFromString("6")))
	// Resting order's price clears the trade.
	assert.True(t, f.Price.Equal(decimal.RequireFromString("101")))
}

func TestLocalEngineCapsFillAtRemainingShadow(t *testing.T) {
	base, err := crypto.NewBaseKey()
	require.NoError(t, err)
	engine := NewLocalEngine(base, nil)

	now := time.Now()
	buy, sell := uuid.New(), uuid.New()
	req := MatchRequest{
		Pair: model.Pair{Base: "ETH", Quote: "USDC"},
		Orders: []EncryptedOrder{
			// The buy was sealed at size 10 but partial fills left 4 on the
			// book; the fill must track the shadow, not the ciphertext.
			{ID: buy, Side: model.SideBuy, Ciphertext: sealOrder(t, engine.BasePub(), "101", "10"), Remaining: decimal.RequireFromString("4"), SubmittedAt: now, ExpiresAt: now.Add(time.Hour)},
			{ID: sell, Side: model.SideSell, Ciphertext: sealOrder(t, engine.BasePub(), "100", "6"), Remaining: decimal.RequireFromString("6"), SubmittedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour)},
		},
	}

	res, err := engine.MatchOrders(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Size.Equal(decimal.RequireFromString("4")))
}

// enclaveStub answers compare_quotes with a canned winner and fails match_orders
// a configurable number of times before succeeding.
type enclaveStub struct {
	t          *testing.T
	winner     uuid.UUID
	failsLeft  int
	seenTokens []string
}

func (s *enclaveStub) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	require.NoError(s.t, err)
	defer conn.Close()

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return
	}
	s.seenTokens = append(s.seenTokens, f.Token)

	switch f.Method {
	case "compare_quotes":
		payload, _ := json.Marshal(CompareResult{WinningID: s.winner})
		_ = conn.WriteJSON(frame{Seq: f.Seq, Method: f.Method, Payload: payload})
	case "match_orders":
		if s.failsLeft > 0 {
			s.failsLeft--
			_ = conn.WriteJSON(frame{Seq: f.Seq, Method: f.Method, Error: "computation aborted"})
			return
		}
		payload, _ := json.Marshal(MatchResult{})
		_ = conn.WriteJSON(frame{Seq: f.Seq, Method: f.Method, Payload: payload})
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientRoundTrip(t *testing.T) {
	stub := &enclaveStub{t: t, winner: uuid.New()}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer srv.Close()

	token := func(context.Context) (string, error) { return "secret-token", nil }
	client := NewClient(wsURL(srv), token, 2*time.Second, nil)

	res, err := client.CompareQuotes(context.Background(), CompareRequest{RequestID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, stub.winner, res.WinningID)
	require.NotEmpty(t, stub.seenTokens)
	assert.Equal(t, "secret-token", stub.seenTokens[0])
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	stub := &enclaveStub{t: t, failsLeft: 2}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer srv.Close()

	client := NewClient(wsURL(srv), nil, 2*time.Second, nil)

	res, err := client.MatchOrders(context.Background(), MatchRequest{Pair: model.Pair{Base: "ETH", Quote: "USDC"}})
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Zero(t, stub.failsLeft)
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	stub := &enclaveStub{t: t, failsLeft: 10}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer srv.Close()

	client := NewClient(wsURL(srv), nil, time.Second, nil)

	_, err := client.MatchOrders(context.Background(), MatchRequest{Pair: model.Pair{Base: "ETH", Quote: "USDC"}})
	require.Error(t, err)
	assert.True(t, IsFailure(err))

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "match_orders", f.Op)
}
