// Package darkpool orchestrates the continuous order book: submission,
// cancellation, modification, and the periodic matching pass. Order detail is
// stored as ciphertext sealed toward the coordination enclave; price-time
// priority runs inside that boundary.
package darkpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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
type Notifier interface {
	Notify(ctx context.Context, env model.Envelope)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.Envelope) {}

// Settler turns an applied fill into a settled trade. A settlement error
// means no trade exists and the fill must be rolled back.
type Settler interface {
	SettleMatch(ctx context.Context, pair model.Pair, fill mpc.OrderFill, buy, sell model.Order) (*model.Trade, error)
}

// DetailSealer encrypts record detail under a scope-bound viewing key.
type DetailSealer interface {
	SealDetail(scope uuid.UUID, detail []byte) ([]byte, error)
}

// Service is the dark pool order book.
type Service struct {
	store    store.Store
	engine   mpc.Engine
	settler  Settler
	sealer   DetailSealer
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(st store.Store, engine mpc.Engine, settler Settler, sealer DetailSealer, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		engine:   engine,
		settler:  settler,
		sealer:   sealer,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitOrderInput carries a signed order whose detail is already sealed
// toward the enclave. The size in RemainingSize is the committed size's
// public shadow used for fill bookkeeping; its value binding lives in
// SizeCommit.
type SubmitOrderInput struct {
	Pair             model.Pair
	Side             model.Side
	Type             model.OrderType
	PriceCommit      model.Commitment
	SizeCommit       model.Commitment
	IdentityCommit   model.Commitment
	TraderAddr       string
	Privacy          model.PrivacyLevel
	Detail           []byte
	Ciphertext       []byte
	Size             string // decimal string, bookkeeping shadow of SizeCommit
	ExpiresAt time.Time
	Signature string
	SignerKey string
	// NextKey registers the successor one-time key a later cancel or modify
	// signature must verify against; the submission key is never asked to
	// sign a second message. Empty means the order runs to fill or expiry.
	NextKey          string
	Nonce            uint64
	CompressionProof []byte
}

func (in *SubmitOrderInput) signingMessage() []byte {
	return []byte(fmt.Sprintf("pool.submit|%s|%s|%s|%s|%s|%s|%d|%d|%s",
		in.Pair, in.Side, in.Type, in.PriceCommit, in.SizeCommit, in.TraderAddr, in.ExpiresAt.Unix(), in.Nonce, in.NextKey))
}

// SubmitOrder validates, persists, and announces a new order.
func (s *Service) SubmitOrder(ctx context.Context, in SubmitOrderInput) (uuid.UUID, error) {
	now := s.now()
	if in.Pair.Base == "" || in.Pair.Quote == "" {
		return uuid.Nil, invalid("pair", "base and quote assets required")
	}
	if !in.Side.Valid() {
		return uuid.Nil, invalid("side", "must be BUY or SELL")
	}
	if in.Type != model.OrderTypeLimit && in.Type != model.OrderTypeMarket {
		return uuid.Nil, invalid("type", "must be LIMIT or MARKET")
	}
	if !in.Privacy.Valid() {
		return uuid.Nil, invalid("privacy", "unknown level")
	}
	if in.PriceCommit.IsZero() || in.SizeCommit.IsZero() {
		return uuid.Nil, invalid("commitments", "price and size commitments required")
	}
	if len(in.Ciphertext) == 0 {
		return uuid.Nil, invalid("ciphertext", "sealed order detail required")
	}
	if !in.ExpiresAt.After(now) {
		return uuid.Nil, invalid("expires_at", "must be in the future")
	}
	size, err := decimalString(in.Size)
	if err != nil || !size.IsPositive() {
		return uuid.Nil, invalid("size", "positive decimal required")
	}

	ok, err := crypto.Verify(in.Signature, in.signingMessage(), in.SignerKey)
	if err != nil || !ok {
		return uuid.Nil, ErrInvalidSignature
	}
	if err := s.store.ReserveNonce(ctx, in.TraderAddr, in.Nonce); err != nil {
		return uuid.Nil, fmt.Errorf("reserving nonce: %w", err)
	}

	id := uuid.New()
	disclosure, err := s.buildDisclosure(id, in.Privacy, in.Detail)
	if err != nil {
		return uuid.Nil, err
	}

	order := &model.Order{
		ID:               id,
		Pair:             in.Pair,
		Side:             in.Side,
		Type:             in.Type,
		PriceCommit:      in.PriceCommit,
		SizeCommit:       in.SizeCommit,
		IdentityCommit:   in.IdentityCommit,
		TraderAddr:       in.TraderAddr,
		Privacy:          in.Privacy,
		Disclosure:       disclosure,
		Status:           model.OrderOpen,
		RemainingSize:    size,
		Ciphertext:       in.Ciphertext,
		CreatedAt:        now,
		ExpiresAt:        in.ExpiresAt,
		LastActivity:     now,
		Signature:        in.Signature,
		SignerKey:        in.SignerKey,
		NextKey:          in.NextKey,
		Nonce:            in.Nonce,
		CompressionProof: in.CompressionProof,
	}
	if err := s.store.PutOrder(ctx, order); err != nil {
		return uuid.Nil, fmt.Errorf("persisting order: %w", err)
	}

	metrics.IncOrderTransition(string(model.OrderOpen))
	s.logger.Info("pool.order_submitted",
		zap.String("order_id", id.String()),
		zap.String("pair", in.Pair.String()),
		zap.String("side", string(in.Side)),
	)
	s.notifyOrder(ctx, order, "order.submitted", "")
	return id, nil
}

func cancelMessage(id uuid.UUID) []byte {
	return []byte("pool.cancel|" + id.String())
}

// CancelOrder removes an order from the active matching set immediately.
// The signature must come from the successor key registered at submission.
// The version bump performed by the transition makes any in-flight matching
// snapshot that includes this order fail its commit CAS.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, signature string) error {
	order, err := s.liveOrder(ctx, orderID, "cancel")
	if err != nil {
		return err
	}
	if order.NextKey == "" {
		return ErrInvalidSignature
	}
	ok, err := crypto.Verify(signature, cancelMessage(orderID), order.NextKey)
	if err != nil || !ok {
		return ErrInvalidSignature
	}

	updated, err := s.store.UpdateOrder(ctx, orderID, func(o *model.Order) error {
		if !o.Status.CanTransition(model.OrderCancelled) {
			return store.ErrTransition
		}
		o.Status = model.OrderCancelled
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancelling order: %w", err)
	}

	metrics.IncOrderTransition(string(model.OrderCancelled))
	s.logger.Info("pool.order_cancelled", zap.String("order_id", orderID.String()))
	s.notifyOrder(ctx, updated, "order.cancelled", "")
	return nil
}

func modifyMessage(id uuid.UUID, in *SubmitOrderInput) []byte {
	return append([]byte("pool.modify|"+id.String()+"|"), in.signingMessage()...)
}

// ModifyOrder atomically replaces an order: the old id is cancelled and a new
// id created with the new parameters. Price and size are never mutated in
// place. The signature must come from the old order's successor key; the
// replacement carries its own fresh key chain. Returns the new order id.
func (s *Service) ModifyOrder(ctx context.Context, orderID uuid.UUID, signature string, in SubmitOrderInput) (uuid.UUID, error) {
	order, err := s.liveOrder(ctx, orderID, "modify")
	if err != nil {
		return uuid.Nil, err
	}
	if order.NextKey == "" {
		return uuid.Nil, ErrInvalidSignature
	}
	ok, err := crypto.Verify(signature, modifyMessage(orderID, &in), order.NextKey)
	if err != nil || !ok {
		return uuid.Nil, ErrInvalidSignature
	}

	prevStatus := order.Status
	if _, err := s.store.UpdateOrder(ctx, orderID, func(o *model.Order) error {
		if !o.Status.CanTransition(model.OrderCancelled) {
			return store.ErrTransition
		}
		o.Status = model.OrderCancelled
		return nil
	}); err != nil {
		return uuid.Nil, fmt.Errorf("retiring order: %w", err)
	}

	newID, err := s.SubmitOrder(ctx, in)
	if err != nil {
		// Replacement failed: restore the old order so the modify is a no-op.
		if _, rerr := s.store.UpdateOrder(ctx, orderID, func(o *model.Order) error {
			o.Status = prevStatus
			return nil
		}); rerr != nil {
			s.logger.Error("pool.modify_restore_failed",
				zap.String("order_id", orderID.String()),
				zap.Error(rerr),
			)
		}
		return uuid.Nil, err
	}

	metrics.IncOrderTransition(string(model.OrderCancelled))
	s.logger.Info("pool.order_modified",
		zap.String("order_id", orderID.String()),
		zap.String("replacement_id", newID.String()),
	)
	return newID, nil
}

// GetOrderStatus returns a copy of the order after lazy expiry.
func (s *Service) GetOrderStatus(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Terminal() && order.Expired(s.now()) {
		return s.expire(ctx, order)
	}
	return order, nil
}

// RunMatching takes a consistent snapshot of eligible orders on the pair,
// matches it through the coordination engine, and applies the resulting fills.
// A pair fill either fully applies to both orders and settles, or neither
// order changes. Cancellation between snapshot and commit wins: the fill's
// CAS fails and that fill is discarded.
func (s *Service) RunMatching(ctx context.Context, pair model.Pair) ([]model.Trade, error) {
	snapshot, err := s.store.SnapshotEligibleOrders(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("snapshotting orders: %w", err)
	}
	if len(snapshot) < 2 {
		return nil, nil
	}

	byID := make(map[uuid.UUID]model.Order, len(snapshot))
	encrypted := make([]mpc.EncryptedOrder, 0, len(snapshot))
	for _, o := range snapshot {
		byID[o.ID] = o
		encrypted = append(encrypted, mpc.EncryptedOrder{
			ID:          o.ID,
			Side:        o.Side,
			Ciphertext:  o.Ciphertext,
			Remaining:   o.RemainingSize,
			SubmittedAt: o.CreatedAt,
			ExpiresAt:   o.ExpiresAt,
			Version:     o.Version,
		})
	}

	res, err := s.engine.MatchOrders(ctx, mpc.MatchRequest{Pair: pair, Orders: encrypted})
	if err != nil {
		// Recoverable: the book is untouched.
		s.logger.Warn("pool.matching_failed", zap.String("pair", pair.String()), zap.Error(err))
		return nil, err
	}

	// An order may appear in several fills; track its version as commits land
	// so later fills CAS against the post-commit version, while any external
	// mutation still conflicts.
	version := make(map[uuid.UUID]uint64, len(byID))
	for id, o := range byID {
		version[id] = o.Version
	}

	var trades []model.Trade
	for _, fill := range res.Fills {
		trade, applied := s.applyFill(ctx, pair, fill, byID, version)
		if applied && trade != nil {
			trades = append(trades, *trade)
		}
	}
	return trades, nil
}

// applyFill commits one fill to both orders and settles it. Reports whether
// the fill (and trade, when settlement is wired) took effect.
func (s *Service) applyFill(ctx context.Context, pair model.Pair, fill mpc.OrderFill, byID map[uuid.UUID]model.Order, version map[uuid.UUID]uint64) (*model.Trade, bool) {
	buyPrev, okBuy := byID[fill.BuyID]
	sellPrev, okSell := byID[fill.SellID]
	if !okBuy || !okSell {
		s.logger.Warn("pool.fill_references_unknown_order",
			zap.String("buy_id", fill.BuyID.String()),
			zap.String("sell_id", fill.SellID.String()),
		)
		return nil, false
	}

	buy, err := s.store.UpdateOrderCAS(ctx, fill.BuyID, version[fill.BuyID], decrement(fill.Size))
	if err != nil {
		s.discardFill(fill, "buy leg", err)
		return nil, false
	}
	version[fill.BuyID] = buy.Version

	sell, err := s.store.UpdateOrderCAS(ctx, fill.SellID, version[fill.SellID], decrement(fill.Size))
	if err != nil {
		s.revertLeg(ctx, fill.BuyID, fill.Size, &buyPrev)
		version[fill.BuyID] = buyPrev.Version
		s.discardFill(fill, "sell leg", err)
		return nil, false
	}
	version[fill.SellID] = sell.Version

	var trade *model.Trade
	if s.settler != nil {
		trade, err = s.settler.SettleMatch(ctx, pair, fill, *buy, *sell)
		if err != nil {
			// No trade exists; both orders return to their pre-fill state.
			s.revertLeg(ctx, fill.BuyID, fill.Size, &buyPrev)
			s.revertLeg(ctx, fill.SellID, fill.Size, &sellPrev)
			version[fill.BuyID] = buyPrev.Version
			version[fill.SellID] = sellPrev.Version
			s.discardFill(fill, "settlement", err)
			return nil, false
		}
	}

	metrics.FillsTotal.Inc()
	metrics.IncOrderTransition(string(buy.Status))
	metrics.IncOrderTransition(string(sell.Status))
	s.logger.Info("pool.fill_applied",
		zap.String("buy_id", fill.BuyID.String()),
		zap.String("sell_id", fill.SellID.String()),
		zap.String("size", fill.Size.String()),
	)
	s.notifyOrder(ctx, buy, "order.filled", fill.Size.String())
	s.notifyOrder(ctx, sell, "order.filled", fill.Size.String())
	return trade, true
}

// decrement consumes size from an order and derives its post-fill status.
func decrement(size decimal.Decimal) func(*model.Order) error {
	return func(o *model.Order) error {
		if o.Status.Terminal() {
			return store.ErrTerminal
		}
		if o.RemainingSize.LessThan(size) {
			return fmt.Errorf("fill %s exceeds remaining %s", size, o.RemainingSize)
		}
		o.RemainingSize = o.RemainingSize.Sub(size)
		o.FilledSize = o.FilledSize.Add(size)
		next := model.OrderPartiallyFilled
		if o.RemainingSize.IsZero() {
			next = model.OrderFilled
		}
		if !o.Status.CanTransition(next) {
			return store.ErrTransition
		}
		o.Status = next
		return nil
	}
}

// revertLeg restores one order's pre-fill size and status after the pair fill
// failed on the other leg or at settlement.
func (s *Service) revertLeg(ctx context.Context, id uuid.UUID, size decimal.Decimal, prev *model.Order) {
	if _, err := s.store.UpdateOrder(ctx, id, func(o *model.Order) error {
		o.RemainingSize = o.RemainingSize.Add(size)
		o.FilledSize = o.FilledSize.Sub(size)
		o.Status = prev.Status
		return nil
	}); err != nil {
		s.logger.Error("pool.fill_revert_failed",
			zap.String("order_id", id.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) discardFill(fill mpc.OrderFill, leg string, err error) {
	if errors.Is(err, store.ErrVersionConflict) {
		// Cancelled (or otherwise mutated) after the snapshot; cancellation
		// wins and the fill is dropped.
		s.logger.Info("pool.fill_discarded",
			zap.String("buy_id", fill.BuyID.String()),
			zap.String("sell_id", fill.SellID.String()),
			zap.String("leg", leg),
		)
		return
	}
	s.logger.Warn("pool.fill_failed",
		zap.String("buy_id", fill.BuyID.String()),
		zap.String("sell_id", fill.SellID.String()),
		zap.String("leg", leg),
		zap.Error(err),
	)
}

func (s *Service) liveOrder(ctx context.Context, id uuid.UUID, op string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.Terminal() && order.Expired(s.now()) {
		order, _ = s.expire(ctx, order)
	}
	if order.Status.Terminal() {
		return nil, &LifecycleError{OrderID: id, Status: order.Status, Op: op}
	}
	return order, nil
}

func (s *Service) expire(ctx context.Context, order *model.Order) (*model.Order, error) {
	updated, err := s.store.UpdateOrder(ctx, order.ID, func(o *model.Order) error {
		if !o.Status.CanTransition(model.OrderExpired) {
			return store.ErrTransition
		}
		o.Status = model.OrderExpired
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrTransition) {
			return s.store.GetOrder(ctx, order.ID)
		}
		return order, err
	}
	metrics.IncOrderTransition(string(model.OrderExpired))
	s.logger.Info("pool.order_expired", zap.String("order_id", order.ID.String()))
	s.notifyOrder(ctx, updated, "order.expired", "")
	return updated, nil
}

func (s *Service) buildDisclosure(id uuid.UUID, level model.PrivacyLevel, detail []byte) (model.Disclosure, error) {
	var seal func([]byte) ([]byte, error)
	if s.sealer != nil {
		seal = func(d []byte) ([]byte, error) { return s.sealer.SealDetail(id, d) }
	}
	return model.NewDisclosure(level, detail, seal)
}

func (s *Service) notifyOrder(ctx context.Context, order *model.Order, eventType, fillSize string) {
	payload, _ := json.Marshal(model.OrderEvent{
		OrderID:   order.ID,
		Status:    order.Status,
		FillSize:  fillSize,
		Remaining: order.RemainingSize.String(),
	})
	s.notifier.Notify(ctx, model.Envelope{
		ID:            uuid.New(),
		CorrelationID: order.ID,
		Topic:         "darkpool",
		EventType:     eventType,
		Version:       "1",
		StealthAddr:   order.TraderAddr,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	})
}

func decimalString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
