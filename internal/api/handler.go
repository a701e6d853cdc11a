// Package api exposes the negotiation, dark pool, settlement, and compliance
// surfaces over HTTP. Every payload the API touches is already committed or
// encrypted; handlers never see cleartext price or size except in the RFQ
// settlement body, where both counterparties already hold the agreed terms.
package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/darkpool"
	"github.com/obscura-trade/obscura-core/internal/rfq"
	"github.com/obscura-trade/obscura-core/internal/settlement"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/internal/viewing"
	"github.com/obscura-trade/obscura-core/pkg/model"
	"github.com/obscura-trade/obscura-core/pkg/utils"
)

type Handler struct {
	Logger     *zap.Logger
	RFQ        *rfq.Service
	Pool       *darkpool.Service
	Settlement *settlement.Coordinator
	Viewing    *viewing.Issuer
	Store      store.Store
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var vErr *rfq.ValidationError
	var ovErr *darkpool.ValidationError
	var lErr *rfq.LifecycleError
	var olErr *darkpool.LifecycleError

	switch {
	case errors.As(err, &vErr), errors.As(err, &ovErr):
		return http.StatusBadRequest
	case errors.Is(err, rfq.ErrInvalidSignature), errors.Is(err, darkpool.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNonceReplayed):
		return http.StatusConflict
	case errors.As(err, &lErr), errors.As(err, &olErr), errors.Is(err, rfq.ErrNoQuotes):
		return http.StatusConflict
	case errors.Is(err, viewing.ErrNotCompliant):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *fiber.Ctx, event string, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(event, zap.Error(err))
	} else {
		h.Logger.Debug(event, zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// CreateRequestHandler opens an RFQ negotiation.
func (h *Handler) CreateRequestHandler(c *fiber.Ctx) error {
	var body CreateRequestBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	in := rfq.CreateRequestInput{
		Pair:          model.Pair{Base: body.Base, Quote: body.Quote},
		Side:          model.Side(body.Side),
		SizeCommit:    model.Commitment(body.SizeCommitment),
		RequesterAddr: body.RequesterAddr,
		RequesterPub:  body.RequesterPub,
		Privacy:       model.PrivacyLevel(body.Privacy),
		ExpiresAt:     time.Unix(body.ExpiresAt, 0).UTC(),
		Signature:     body.Signature,
		SignerKey:     body.SignerKey,
		NextKey:       body.NextKey,
		Nonce:         body.Nonce,
	}
	if body.Size != "" {
		size, err := decimal.NewFromString(body.Size)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid size: " + err.Error()})
		}
		in.Size = size
	}
	var err error
	if in.SizeBlinding, err = decodeHex(body.SizeBlinding); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid size_blinding: " + err.Error()})
	}
	if in.Detail, err = decodeHex(body.Detail); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid detail: " + err.Error()})
	}

	id, err := h.RFQ.CreateQuoteRequest(c.Context(), in)
	if err != nil {
		return h.fail(c, "api.create_request_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(CreatedResponse{ID: id.String()})
}

// SubmitQuoteHandler records a maker quote against an open request.
func (h *Handler) SubmitQuoteHandler(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("request_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request_id"})
	}

	var body SubmitQuoteBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ciphertext, err := decodeHex(body.Ciphertext)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid ciphertext: " + err.Error()})
	}

	quoteID, err := h.RFQ.SubmitQuote(c.Context(), requestID, rfq.SubmitQuoteInput{
		PriceCommit: model.Commitment(body.PriceCommitment),
		SizeCommit:  model.Commitment(body.SizeCommitment),
		MakerAddr:   body.MakerAddr,
		Ciphertext:  ciphertext,
		ExpiresAt:   time.Unix(body.ExpiresAt, 0).UTC(),
		Signature:   body.Signature,
		SignerKey:   body.SignerKey,
		Nonce:       body.Nonce,
	})
	if err != nil {
		return h.fail(c, "api.submit_quote_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(CreatedResponse{ID: quoteID.String()})
}

// SelectQuoteHandler runs opaque selection for a request.
func (h *Handler) SelectQuoteHandler(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("request_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request_id"})
	}

	sel, err := h.RFQ.SelectBestQuote(c.Context(), requestID)
	if err != nil {
		return h.fail(c, "api.select_quote_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(SelectionResponse{
		RequestID:       sel.RequestID.String(),
		WinningQuoteID:  sel.WinningQuoteID.String(),
		EncryptedDetail: hex.EncodeToString(sel.EncryptedDetail),
		Commitment:      string(sel.Commitment),
	})
}

// CancelRequestHandler cancels an open request.
func (h *Handler) CancelRequestHandler(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("request_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request_id"})
	}

	var body CancelBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.RFQ.CancelRequest(c.Context(), requestID, body.Signature); err != nil {
		return h.fail(c, "api.cancel_request_failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RequestStatusHandler returns the public view of a request, applying lazy
// expiry on read.
func (h *Handler) RequestStatusHandler(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("request_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request_id"})
	}

	req, err := h.RFQ.GetRequestStatus(c.Context(), requestID)
	if err != nil {
		return h.fail(c, "api.request_status_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(RequestStatusResponse{
		ID:             req.ID.String(),
		Pair:           req.Pair.String(),
		Side:           string(req.Side),
		SizeCommitment: string(req.SizeCommit),
		Status:         string(req.Status),
		Privacy:        string(req.Privacy),
		ResponseAddr:   req.ResponseAddr,
		ResponsePub:    req.ResponsePub,
		CreatedAt:      req.CreatedAt,
		ExpiresAt:      req.ExpiresAt,
	})
}

// SettleRFQHandler settles an accepted quote into a trade.
func (h *Handler) SettleRFQHandler(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("request_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request_id"})
	}

	var body SettleRFQBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	quoteID, err := uuid.Parse(body.QuoteID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid quote_id"})
	}
	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid price: " + err.Error()})
	}
	size, err := decimal.NewFromString(body.Size)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid size: " + err.Error()})
	}

	trade, err := h.Settlement.SettleRFQ(c.Context(), requestID, quoteID, settlement.RFQTerms{
		Price:     price,
		Size:      size,
		ChainID:   body.ChainID,
		DestChain: body.DestChain,
	})
	if err != nil {
		return h.fail(c, "api.settle_rfq_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(tradeResponse(trade))
}

// SubmitOrderHandler places a dark pool order.
func (h *Handler) SubmitOrderHandler(c *fiber.Ctx) error {
	var body SubmitOrderBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	in, err := orderInput(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	id, err := h.Pool.SubmitOrder(c.Context(), in)
	if err != nil {
		return h.fail(c, "api.submit_order_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(CreatedResponse{ID: id.String()})
}

// CancelOrderHandler cancels a live order.
func (h *Handler) CancelOrderHandler(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("order_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order_id"})
	}

	var body CancelBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.Pool.CancelOrder(c.Context(), orderID, body.Signature); err != nil {
		return h.fail(c, "api.cancel_order_failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ModifyOrderHandler retires an order and replaces it atomically. The
// replacement re-enters the book with fresh time priority.
func (h *Handler) ModifyOrderHandler(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("order_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order_id"})
	}

	var body ModifyOrderBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	in, err := orderInput(body.Replacement)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	newID, err := h.Pool.ModifyOrder(c.Context(), orderID, body.Signature, in)
	if err != nil {
		return h.fail(c, "api.modify_order_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(CreatedResponse{ID: newID.String()})
}

// OrderStatusHandler returns the public view of an order.
func (h *Handler) OrderStatusHandler(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("order_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order_id"})
	}

	order, err := h.Pool.GetOrderStatus(c.Context(), orderID)
	if err != nil {
		return h.fail(c, "api.order_status_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(OrderStatusResponse{
		ID:             order.ID.String(),
		Pair:           order.Pair.String(),
		Side:           string(order.Side),
		Type:           string(order.Type),
		SizeCommitment: string(order.SizeCommit),
		Status:         string(order.Status),
		Privacy:        string(order.Privacy),
		FilledSize:     order.FilledSize.String(),
		RemainingSize:  order.RemainingSize.String(),
		CreatedAt:      order.CreatedAt,
		ExpiresAt:      order.ExpiresAt,
	})
}

// RunMatchingHandler executes one matching round for a pair. Operators and
// schedulers call this; it is idempotent when the book has no crossing orders.
func (h *Handler) RunMatchingHandler(c *fiber.Ctx) error {
	var body MatchBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	pair := model.Pair{Base: body.Base, Quote: body.Quote}
	if pair.Base == "" || pair.Quote == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing pair"})
	}

	trades, err := h.Pool.RunMatching(c.Context(), pair)
	if err != nil {
		return h.fail(c, "api.run_matching_failed", err)
	}

	res := MatchResponse{Pair: pair.String(), Trades: make([]TradeResponse, 0, len(trades))}
	for i := range trades {
		res.Trades = append(res.Trades, tradeResponse(&trades[i]))
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// TradeHandler returns the public view of a settled trade.
func (h *Handler) TradeHandler(c *fiber.Ctx) error {
	tradeID, err := uuid.Parse(c.Params("trade_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid trade_id"})
	}

	trade, err := h.Store.GetTrade(c.Context(), tradeID)
	if err != nil {
		return h.fail(c, "api.get_trade_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(tradeResponse(trade))
}

// ViewingKeyHandler issues a trade-scoped viewing key for compliant trades.
func (h *Handler) ViewingKeyHandler(c *fiber.Ctx) error {
	tradeID, err := uuid.Parse(c.Params("trade_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid trade_id"})
	}

	var body ViewingKeyBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if body.AuthorizedParty == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing authorized_party"})
	}

	key, err := h.Viewing.GenerateViewingKey(c.Context(), tradeID, body.AuthorizedParty, body.Grantor)
	if err != nil {
		return h.fail(c, "api.viewing_key_failed", err)
	}

	// The grantee is an on-chain identity; logs carry only a masked form.
	h.Logger.Info("api.viewing_key_issued",
		zap.String("trade_id", tradeID.String()),
		zap.String("grantee", utils.MaskAddress(body.AuthorizedParty)),
	)
	return c.Status(fiber.StatusCreated).JSON(ViewingKeyResponse{
		TradeID:  key.TradeID.String(),
		Material: key.Material,
	})
}

func orderInput(body SubmitOrderBody) (darkpool.SubmitOrderInput, error) {
	ciphertext, err := decodeHex(body.Ciphertext)
	if err != nil {
		return darkpool.SubmitOrderInput{}, errors.New("invalid ciphertext: " + err.Error())
	}
	detail, err := decodeHex(body.Detail)
	if err != nil {
		return darkpool.SubmitOrderInput{}, errors.New("invalid detail: " + err.Error())
	}
	proof, err := decodeHex(body.CompressionProof)
	if err != nil {
		return darkpool.SubmitOrderInput{}, errors.New("invalid compression_proof: " + err.Error())
	}
	return darkpool.SubmitOrderInput{
		Pair:             model.Pair{Base: body.Base, Quote: body.Quote},
		Side:             model.Side(body.Side),
		Type:             model.OrderType(body.Type),
		PriceCommit:      model.Commitment(body.PriceCommitment),
		SizeCommit:       model.Commitment(body.SizeCommitment),
		IdentityCommit:   model.Commitment(body.IdentityCommit),
		TraderAddr:       body.TraderAddr,
		Privacy:          model.PrivacyLevel(body.Privacy),
		Detail:           detail,
		Ciphertext:       ciphertext,
		Size:             body.Size,
		ExpiresAt:        time.Unix(body.ExpiresAt, 0).UTC(),
		Signature:        body.Signature,
		SignerKey:        body.SignerKey,
		NextKey:          body.NextKey,
		Nonce:            body.Nonce,
		CompressionProof: proof,
	}, nil
}

func tradeResponse(t *model.Trade) TradeResponse {
	return TradeResponse{
		ID:              t.ID.String(),
		Kind:            string(t.Kind),
		Pair:            t.Pair.String(),
		PriceCommitment: string(t.PriceCommit),
		SizeCommitment:  string(t.SizeCommit),
		TakerCommitment: string(t.TakerCommit),
		MakerCommitment: string(t.MakerCommit),
		TxRef:           t.TxRef,
		ChainID:         t.ChainID,
		Privacy:         string(t.Privacy),
		FeeLevel:        t.Cost.FeeLevel,
		ExecutedAt:      t.ExecutedAt,
	}
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
