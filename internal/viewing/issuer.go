// Package viewing issues trade-scoped decryption keys for the COMPLIANT
// privacy mode. A viewing key opens exactly one trade's sealed detail; the
// decrypt path rejects every other trade id. Grants are recorded so auditors
// can answer who was allowed to see what, and since when.
package viewing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

var (
	// ErrNotCompliant is returned when a key is requested for a trade whose
	// privacy level does not admit viewing keys.
	ErrNotCompliant = errors.New("viewing keys are only issued for COMPLIANT trades")

	// ErrScopeMismatch is returned when a key is used against a different
	// trade than it was issued for.
	ErrScopeMismatch = errors.New("viewing key does not match trade")
)

// Key is a trade-scoped viewing key.
type Key struct {
	TradeID  uuid.UUID `json:"trade_id"`
	Material string    `json:"material"` // hex
}

// Grant records one issuance for the permission registry.
type Grant struct {
	TradeID   uuid.UUID `json:"trade_id"`
	Grantee   string    `json:"grantee"`
	Grantor   string    `json:"grantor"`
	GrantedAt time.Time `json:"granted_at"`
}

// Issuer derives per-scope keys from a master secret and tracks grants.
type Issuer struct {
	master []byte
	store  store.Store
	logger *zap.Logger

	mu     sync.RWMutex
	grants map[uuid.UUID][]Grant
}

// NewIssuer creates an issuer around a master secret. The secret must be
// stable across restarts for previously issued keys to keep working.
func NewIssuer(master []byte, st store.Store, logger *zap.Logger) (*Issuer, error) {
	if len(master) == 0 {
		return nil, errors.New("master secret required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		master: master,
		store:  st,
		logger: logger,
		grants: make(map[uuid.UUID][]Grant),
	}, nil
}

// scopeKey derives the symmetric key for one scope. Different scopes yield
// unrelated keys, so a leaked key opens nothing else.
func (i *Issuer) scopeKey(scope uuid.UUID) []byte {
	return crypto.HashToField(i.master, scope[:])
}

// SealDetail encrypts detail under the scope's key. Used at record creation
// for COMPLIANT disclosures.
func (i *Issuer) SealDetail(scope uuid.UUID, detail []byte) ([]byte, error) {
	sealed, err := crypto.Seal(i.scopeKey(scope), detail)
	if err != nil {
		return nil, fmt.Errorf("sealing detail for %s: %w", scope, err)
	}
	return json.Marshal(sealed)
}

// GenerateViewingKey issues a key for one COMPLIANT trade and records the
// grant. Never issued for SHIELDED or TRANSPARENT trades.
func (i *Issuer) GenerateViewingKey(ctx context.Context, tradeID uuid.UUID, authorizedParty, grantor string) (*Key, error) {
	trade, err := i.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Privacy != model.PrivacyCompliant {
		return nil, fmt.Errorf("trade %s is %s: %w", tradeID, trade.Privacy, ErrNotCompliant)
	}

	i.mu.Lock()
	i.grants[tradeID] = append(i.grants[tradeID], Grant{
		TradeID:   tradeID,
		Grantee:   authorizedParty,
		Grantor:   grantor,
		GrantedAt: time.Now().UTC(),
	})
	i.mu.Unlock()

	i.logger.Info("viewing.key_issued",
		zap.String("trade_id", tradeID.String()),
		zap.String("grantee", authorizedParty),
	)
	return &Key{
		TradeID:  tradeID,
		Material: hex.EncodeToString(i.scopeKey(tradeID)),
	}, nil
}

// Grants returns the issuance history for a trade, oldest first.
func (i *Issuer) Grants(tradeID uuid.UUID) []Grant {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Grant(nil), i.grants[tradeID]...)
}

// Decrypt opens a trade's sealed detail with a viewing key. The key must have
// been issued for exactly this trade.
func Decrypt(key *Key, tradeID uuid.UUID, disclosure model.Disclosure) ([]byte, error) {
	if key.TradeID != tradeID {
		return nil, fmt.Errorf("key is scoped to %s, not %s: %w", key.TradeID, tradeID, ErrScopeMismatch)
	}
	if disclosure.Level != model.PrivacyCompliant || len(disclosure.Sealed) == 0 {
		return nil, fmt.Errorf("trade %s carries no sealed detail", tradeID)
	}

	material, err := hex.DecodeString(key.Material)
	if err != nil {
		return nil, fmt.Errorf("malformed key material: %w", err)
	}
	var sealed crypto.Sealed
	if err := json.Unmarshal(disclosure.Sealed, &sealed); err != nil {
		return nil, fmt.Errorf("malformed sealed detail: %w", err)
	}
	plain, err := crypto.Open(material, &sealed)
	if err != nil {
		return nil, fmt.Errorf("opening detail for %s: %w", tradeID, err)
	}
	return plain, nil
}
