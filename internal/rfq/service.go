// Package rfq orchestrates quote-request negotiation: request creation, quote
// collection, selection through the coordination engine, and lifecycle
// transitions. Quote detail is stored as ciphertext only; this package never
// decrypts a quote.
package rfq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/internal/mpc"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// Notifier delivers lifecycle events toward stealth-addressed recipients.
// Delivery is best effort; negotiation never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, env model.Envelope)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.Envelope) {}

// DetailSealer encrypts record detail under a scope-bound viewing key.
// Consulted only for COMPLIANT records.
type DetailSealer interface {
	SealDetail(scope uuid.UUID, detail []byte) ([]byte, error)
}

// Service is the RFQ manager.
type Service struct {
	store      store.Store
	engine     mpc.Engine
	notifier   Notifier
	sealer     DetailSealer
	enclavePub *bn254.G1Affine
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(st store.Store, engine mpc.Engine, enclavePub *bn254.G1Affine, sealer DetailSealer, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		engine:     engine,
		notifier:   notifier,
		sealer:     sealer,
		enclavePub: enclavePub,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateRequestInput carries everything a requester signs over. The size
// commitment may be supplied directly, or built here from size and blinding
// when the caller runs in-process.
type CreateRequestInput struct {
	Pair          model.Pair
	Side          model.Side
	SizeCommit    model.Commitment
	Size          decimal.Decimal // used only when SizeCommit is empty
	SizeBlinding  []byte
	RequesterAddr string
	RequesterPub  string
	Privacy       model.PrivacyLevel
	Detail        []byte // disclosure payload, per privacy level
	ExpiresAt     time.Time
	Signature     string
	SignerKey     string
	// NextKey registers the successor one-time key a later cancel signature
	// must verify against. Signing keys are never reused across messages, so
	// the creation payload carries the key for the follow-up operation. An
	// empty NextKey leaves the request uncancellable until expiry.
	NextKey string
	Nonce   uint64
}

func (in *CreateRequestInput) signingMessage() []byte {
	return []byte(fmt.Sprintf("rfq.create|%s|%s|%s|%s|%d|%d|%s",
		in.Pair, in.Side, in.SizeCommit, in.RequesterAddr, in.ExpiresAt.Unix(), in.Nonce, in.NextKey))
}

// CreateQuoteRequest validates, persists, and announces a new quote request.
func (s *Service) CreateQuoteRequest(ctx context.Context, in CreateRequestInput) (uuid.UUID, error) {
	now := s.now()
	if in.Pair.Base == "" || in.Pair.Quote == "" {
		return uuid.Nil, invalid("pair", "base and quote assets required")
	}
	if !in.Side.Valid() {
		return uuid.Nil, invalid("side", "must be BUY or SELL")
	}
	if !in.Privacy.Valid() {
		return uuid.Nil, invalid("privacy", "unknown level")
	}
	if !in.ExpiresAt.After(now) {
		return uuid.Nil, invalid("expires_at", "must be in the future")
	}
	if in.RequesterAddr == "" || in.RequesterPub == "" {
		return uuid.Nil, invalid("requester", "stealth address and public point required")
	}

	if in.SizeCommit.IsZero() {
		if !in.Size.IsPositive() || len(in.SizeBlinding) == 0 {
			return uuid.Nil, invalid("size_commitment", "commitment or size+blinding required")
		}
		in.SizeCommit = crypto.CommitDecimal(in.Size, bigFromBytes(in.SizeBlinding))
	}

	ok, err := crypto.Verify(in.Signature, in.signingMessage(), in.SignerKey)
	if err != nil || !ok {
		return uuid.Nil, ErrInvalidSignature
	}
	if err := s.store.ReserveNonce(ctx, in.RequesterAddr, in.Nonce); err != nil {
		return uuid.Nil, fmt.Errorf("reserving nonce: %w", err)
	}

	// Quotes are sealed toward the enclave; the response address is a fresh
	// one-time label so submissions cannot be linked across requests.
	st, err := crypto.DeriveStealth(s.enclavePub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("deriving response address: %w", err)
	}

	id := uuid.New()
	disclosure, err := s.buildDisclosure(id, in.Privacy, in.Detail)
	if err != nil {
		return uuid.Nil, err
	}

	req := &model.QuoteRequest{
		ID:            id,
		Pair:          in.Pair,
		Side:          in.Side,
		SizeCommit:    in.SizeCommit,
		RequesterAddr: in.RequesterAddr,
		RequesterPub:  in.RequesterPub,
		ResponseAddr:  st.Addr,
		ResponsePub:   crypto.MarshalPoint(s.enclavePub),
		Privacy:       in.Privacy,
		Disclosure:    disclosure,
		Status:        model.RequestOpen,
		CreatedAt:     now,
		ExpiresAt:     in.ExpiresAt,
		LastActivity:  now,
		Signature:     in.Signature,
		SignerKey:     in.SignerKey,
		NextKey:       in.NextKey,
		Nonce:         in.Nonce,
	}
	if err := s.store.PutRequest(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("persisting request: %w", err)
	}

	metrics.IncRequestTransition(string(model.RequestOpen))
	s.logger.Info("rfq.request_created",
		zap.String("request_id", id.String()),
		zap.String("pair", in.Pair.String()),
		zap.String("side", string(in.Side)),
		zap.String("privacy", string(in.Privacy)),
	)
	s.notifyRequest(ctx, req, nil)
	return id, nil
}

// SubmitQuoteInput is a maker's quote, already sealed to the request's
// response address.
type SubmitQuoteInput struct {
	PriceCommit model.Commitment
	SizeCommit  model.Commitment
	MakerAddr   string
	Ciphertext  []byte
	ExpiresAt   time.Time
	Signature   string
	SignerKey   string
	Nonce       uint64
}

func (in *SubmitQuoteInput) signingMessage(requestID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("rfq.quote|%s|%s|%s|%s|%d|%d",
		requestID, in.PriceCommit, in.SizeCommit, in.MakerAddr, in.ExpiresAt.Unix(), in.Nonce))
}

// SubmitQuote stores a maker's quote against an open request. The quote is
// kept in ciphertext form only.
func (s *Service) SubmitQuote(ctx context.Context, requestID uuid.UUID, in SubmitQuoteInput) (uuid.UUID, error) {
	req, err := s.liveRequest(ctx, requestID, "submit_quote")
	if err != nil {
		return uuid.Nil, err
	}

	if in.PriceCommit.IsZero() || in.SizeCommit.IsZero() {
		return uuid.Nil, invalid("commitments", "price and size commitments required")
	}
	if len(in.Ciphertext) == 0 {
		return uuid.Nil, invalid("ciphertext", "sealed quote detail required")
	}
	if !in.ExpiresAt.After(s.now()) {
		return uuid.Nil, invalid("expires_at", "must be in the future")
	}
	ok, err := crypto.Verify(in.Signature, in.signingMessage(requestID), in.SignerKey)
	if err != nil || !ok {
		return uuid.Nil, ErrInvalidSignature
	}
	if err := s.store.ReserveNonce(ctx, in.MakerAddr, in.Nonce); err != nil {
		return uuid.Nil, fmt.Errorf("reserving nonce: %w", err)
	}

	q := &model.QuoteResponse{
		ID:          uuid.New(),
		RequestID:   requestID,
		PriceCommit: in.PriceCommit,
		SizeCommit:  in.SizeCommit,
		MakerAddr:   in.MakerAddr,
		Ciphertext:  in.Ciphertext,
		SubmittedAt: s.now(),
		ExpiresAt:   in.ExpiresAt,
		Signature:   in.Signature,
		SignerKey:   in.SignerKey,
		Nonce:       in.Nonce,
	}
	if err := s.store.PutQuote(ctx, q); err != nil {
		return uuid.Nil, fmt.Errorf("persisting quote: %w", err)
	}

	s.logger.Info("rfq.quote_submitted",
		zap.String("request_id", requestID.String()),
		zap.String("quote_id", q.ID.String()),
	)
	s.notifier.Notify(ctx, newEnvelope("rfq", "quote.submitted", requestID, req.RequesterAddr,
		model.RequestEvent{RequestID: requestID, Status: req.Status, QuoteID: &q.ID}))
	return q.ID, nil
}

// SelectionResult is what selection exposes: the winner's id, its detail
// sealed toward the requester, and the winning price commitment. Losing
// quotes' values are never revealed.
type SelectionResult struct {
	RequestID       uuid.UUID
	WinningQuoteID  uuid.UUID
	EncryptedDetail []byte
	Commitment      model.Commitment
}

// SelectBestQuote runs selection through the coordination engine. On success
// the request transitions to FILLED and the winning quote is flagged accepted.
// On engine failure the request stays OPEN and every quote is left untouched.
func (s *Service) SelectBestQuote(ctx context.Context, requestID uuid.UUID) (*SelectionResult, error) {
	req, err := s.liveRequest(ctx, requestID, "select")
	if err != nil {
		return nil, err
	}

	quotes, err := s.store.ListQuotes(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing quotes: %w", err)
	}
	now := s.now()
	candidates := make([]mpc.EncryptedQuote, 0, len(quotes))
	for _, q := range quotes {
		if !q.ExpiresAt.After(now) || q.Accepted != nil {
			continue
		}
		candidates = append(candidates, mpc.EncryptedQuote{
			ID:          q.ID,
			Ciphertext:  q.Ciphertext,
			PriceCommit: q.PriceCommit,
			SubmittedAt: q.SubmittedAt,
			ExpiresAt:   q.ExpiresAt,
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoQuotes
	}

	res, err := s.engine.CompareQuotes(ctx, mpc.CompareRequest{
		RequestID: requestID,
		Side:      req.Side,
		ResultPub: req.RequesterPub,
		Quotes:    candidates,
	})
	if err != nil {
		// Recoverable: the request stays OPEN, quotes unchanged.
		s.logger.Warn("rfq.selection_failed",
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	if _, err := s.store.UpdateRequest(ctx, requestID, func(r *model.QuoteRequest) error {
		if !r.Status.CanTransition(model.RequestFilled) {
			return store.ErrTransition
		}
		r.Status = model.RequestFilled
		return nil
	}); err != nil {
		// Cancelled or expired while selection was in flight; the winner is
		// not marked and no fill is claimed.
		return nil, fmt.Errorf("request changed during selection: %w", err)
	}

	for _, q := range quotes {
		if q.Accepted != nil {
			continue
		}
		if err := s.store.MarkQuoteAccepted(ctx, q.ID, q.ID == res.WinningID); err != nil {
			s.logger.Warn("rfq.mark_quote_failed",
				zap.String("quote_id", q.ID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.IncRequestTransition(string(model.RequestFilled))
	s.logger.Info("rfq.request_filled",
		zap.String("request_id", requestID.String()),
		zap.String("winning_quote_id", res.WinningID.String()),
	)
	s.notifier.Notify(ctx, newEnvelope("rfq", "request.filled", requestID, req.RequesterAddr,
		model.RequestEvent{RequestID: requestID, Status: model.RequestFilled, QuoteID: &res.WinningID}))

	return &SelectionResult{
		RequestID:       requestID,
		WinningQuoteID:  res.WinningID,
		EncryptedDetail: res.EncryptedDetail,
		Commitment:      res.Commitment,
	}, nil
}

// CancelRequest transitions OPEN -> CANCELLED, gated on a signature from the
// successor key the creation payload registered. The creation key itself is
// never asked to sign a second message.
func (s *Service) CancelRequest(ctx context.Context, requestID uuid.UUID, signature string) error {
	req, err := s.liveRequest(ctx, requestID, "cancel")
	if err != nil {
		return err
	}

	if req.NextKey == "" {
		return ErrInvalidSignature
	}
	ok, err := crypto.Verify(signature, cancelMessage(requestID), req.NextKey)
	if err != nil || !ok {
		return ErrInvalidSignature
	}

	if _, err := s.store.UpdateRequest(ctx, requestID, func(r *model.QuoteRequest) error {
		if !r.Status.CanTransition(model.RequestCancelled) {
			return store.ErrTransition
		}
		r.Status = model.RequestCancelled
		return nil
	}); err != nil {
		return fmt.Errorf("cancelling request: %w", err)
	}

	metrics.IncRequestTransition(string(model.RequestCancelled))
	s.logger.Info("rfq.request_cancelled", zap.String("request_id", requestID.String()))
	s.notifier.Notify(ctx, newEnvelope("rfq", "request.cancelled", requestID, req.RequesterAddr,
		model.RequestEvent{RequestID: requestID, Status: model.RequestCancelled}))
	return nil
}

// GetRequestStatus returns a copy of the request after lazy expiry.
func (s *Service) GetRequestStatus(ctx context.Context, requestID uuid.UUID) (*model.QuoteRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestOpen && req.Expired(s.now()) {
		return s.expire(ctx, req)
	}
	return req, nil
}

func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func cancelMessage(id uuid.UUID) []byte {
	return []byte("rfq.cancel|" + id.String())
}

// liveRequest fetches a request and enforces lazy expiry: an expired OPEN
// record transitions to EXPIRED before the calling operation's own rules run.
func (s *Service) liveRequest(ctx context.Context, id uuid.UUID, op string) (*model.QuoteRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestOpen && req.Expired(s.now()) {
		req, _ = s.expire(ctx, req)
	}
	if req.Status != model.RequestOpen {
		return nil, &LifecycleError{RequestID: id, Status: req.Status, Op: op}
	}
	return req, nil
}

func (s *Service) expire(ctx context.Context, req *model.QuoteRequest) (*model.QuoteRequest, error) {
	updated, err := s.store.UpdateRequest(ctx, req.ID, func(r *model.QuoteRequest) error {
		if !r.Status.CanTransition(model.RequestExpired) {
			return store.ErrTransition
		}
		r.Status = model.RequestExpired
		return nil
	})
	if err != nil {
		// Lost the race to another transition; re-read for the caller.
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrTransition) {
			return s.store.GetRequest(ctx, req.ID)
		}
		return req, err
	}
	metrics.IncRequestTransition(string(model.RequestExpired))
	s.logger.Info("rfq.request_expired", zap.String("request_id", req.ID.String()))
	s.notifier.Notify(ctx, newEnvelope("rfq", "request.expired", req.ID, req.RequesterAddr,
		model.RequestEvent{RequestID: req.ID, Status: model.RequestExpired}))
	return updated, nil
}

func (s *Service) buildDisclosure(id uuid.UUID, level model.PrivacyLevel, detail []byte) (model.Disclosure, error) {
	var seal func([]byte) ([]byte, error)
	if s.sealer != nil {
		seal = func(d []byte) ([]byte, error) { return s.sealer.SealDetail(id, d) }
	}
	return model.NewDisclosure(level, detail, seal)
}

func (s *Service) notifyRequest(ctx context.Context, req *model.QuoteRequest, quoteID *uuid.UUID) {
	s.notifier.Notify(ctx, newEnvelope("rfq", "request.created", req.ID, req.RequesterAddr,
		model.RequestEvent{RequestID: req.ID, Status: req.Status, QuoteID: quoteID}))
}

func newEnvelope(topic, eventType string, correlation uuid.UUID, stealthAddr string, payload any) model.Envelope {
	raw, _ := json.Marshal(payload)
	return model.Envelope{
		ID:            uuid.New(),
		CorrelationID: correlation,
		Topic:         topic,
		EventType:     eventType,
		Version:       "1",
		StealthAddr:   stealthAddr,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}
}
