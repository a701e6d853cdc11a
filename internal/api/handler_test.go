package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/darkpool"
	"github.com/obscura-trade/obscura-core/internal/mpc"
	"github.com/obscura-trade/obscura-core/internal/rfq"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

type testStack struct {
	app       *fiber.App
	store     store.Store
	requester *crypto.BaseKey
	signer    *crypto.Signer
	nonce     uint64

	// next is the successor key registered by the most recently built
	// create body; cancel signatures come from it.
	next *crypto.SigningKey
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	enclave, err := crypto.NewBaseKey()
	require.NoError(t, err)
	requester, err := crypto.NewBaseKey()
	require.NoError(t, err)

	st := store.NewMemory(nil)
	engine := mpc.NewLocalEngine(enclave, nil)
	rfqSvc := rfq.NewService(st, engine, &enclave.Pub, nil, rfq.NopNotifier{}, nil)
	poolSvc := darkpool.NewService(st, engine, nil, nil, darkpool.NopNotifier{}, nil)

	app := fiber.New()
	RegisterRoutes(app, &Handler{
		Logger: zap.NewNop(),
		RFQ:    rfqSvc,
		Pool:   poolSvc,
		Store:  st,
	})
	return &testStack{app: app, store: st, requester: requester, signer: crypto.NewSigner()}
}

func (s *testStack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	res, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return res
}

func (s *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := s.app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return res
}

func (s *testStack) createBody(t *testing.T) CreateRequestBody {
	t.Helper()
	s.nonce++
	blind, err := crypto.NewBlinding()
	require.NoError(t, err)
	commit := crypto.CommitDecimal(decimal.RequireFromString("10"), blind)

	next, err := crypto.NewSigningKey()
	require.NoError(t, err)
	s.next = next

	body := CreateRequestBody{
		Base:           "ETH",
		Quote:          "USDC",
		Side:           "BUY",
		SizeCommitment: string(commit),
		RequesterAddr:  "obs1requester",
		RequesterPub:   crypto.MarshalPoint(&s.requester.Pub),
		Privacy:        string(model.PrivacyShielded),
		ExpiresAt:      time.Now().Add(time.Hour).Unix(),
		Nonce:          s.nonce,
		NextKey:        next.PublicKey(),
	}

	msg := fmt.Sprintf("rfq.create|%s/%s|%s|%s|%s|%d|%d|%s",
		body.Base, body.Quote, body.Side, body.SizeCommitment, body.RequesterAddr, body.ExpiresAt, body.Nonce, body.NextKey)
	key, err := crypto.NewSigningKey()
	require.NoError(t, err)
	body.Signature, err = s.signer.Sign(key, []byte(msg))
	require.NoError(t, err)
	body.SignerKey = key.PublicKey()
	return body
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestStack(t)
	res := s.get(t, "/health")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCreateRequestAndStatus(t *testing.T) {
	s := newTestStack(t)

	res := s.post(t, "/api/v1/requests", s.createBody(t))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decode[CreatedResponse](t, res)
	require.NotEmpty(t, created.ID)

	res = s.get(t, "/api/v1/requests/"+created.ID)
	require.Equal(t, http.StatusOK, res.StatusCode)
	status := decode[RequestStatusResponse](t, res)
	assert.Equal(t, "ETH/USDC", status.Pair)
	assert.Equal(t, string(model.RequestOpen), status.Status)
	assert.NotEmpty(t, status.ResponseAddr)
	assert.NotEmpty(t, status.ResponsePub)
}

func TestCreateRequestRejectsBadSide(t *testing.T) {
	s := newTestStack(t)
	body := s.createBody(t)
	body.Side = "SIDEWAYS"

	res := s.post(t, "/api/v1/requests", body)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCreateRequestRejectsBadSignature(t *testing.T) {
	s := newTestStack(t)
	body := s.createBody(t)
	body.Signature = "deadbeef"

	res := s.post(t, "/api/v1/requests", body)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestUnknownRecordsReturnNotFound(t *testing.T) {
	s := newTestStack(t)

	res := s.get(t, "/api/v1/requests/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = s.get(t, "/api/v1/orders/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = s.get(t, "/api/v1/trades/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCancelRequestOverHTTP(t *testing.T) {
	s := newTestStack(t)

	res := s.post(t, "/api/v1/requests", s.createBody(t))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decode[CreatedResponse](t, res)

	// The cancel message is signed with the successor key the create body
	// registered, so the one-time creation key never signs twice.
	sig, err := s.signer.Sign(s.next, []byte("rfq.cancel|"+created.ID))
	require.NoError(t, err)

	res = s.post(t, "/api/v1/requests/"+created.ID+"/cancel", CancelBody{Signature: sig})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = s.get(t, "/api/v1/requests/"+created.ID)
	status := decode[RequestStatusResponse](t, res)
	assert.Equal(t, string(model.RequestCancelled), status.Status)
}

func TestRunMatchingRequiresPair(t *testing.T) {
	s := newTestStack(t)
	res := s.post(t, "/api/v1/matching/run", MatchBody{Base: "ETH"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
