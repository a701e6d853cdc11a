package viewing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

func newIssuer(t *testing.T) (*Issuer, store.Store) {
	t.Helper()
	st := store.NewMemory(nil)
	issuer, err := NewIssuer([]byte("test-master-secret"), st, nil)
	require.NoError(t, err)
	return issuer, st
}

func putTrade(t *testing.T, st store.Store, issuer *Issuer, privacy model.PrivacyLevel, detail []byte) *model.Trade {
	t.Helper()
	id := uuid.New()
	disclosure, err := model.NewDisclosure(privacy, detail, func(d []byte) ([]byte, error) {
		return issuer.SealDetail(id, d)
	})
	require.NoError(t, err)

	trade := &model.Trade{
		ID:         id,
		Kind:       model.TradePool,
		Pair:       model.Pair{Base: "ETH", Quote: "USDC"},
		Privacy:    privacy,
		Disclosure: disclosure,
		ExecutedAt: time.Now(),
	}
	require.NoError(t, st.PutTrade(context.Background(), trade))
	return trade
}

func TestGenerateAndDecrypt(t *testing.T) {
	issuer, st := newIssuer(t)
	ctx := context.Background()

	detail, _ := json.Marshal(map[string]string{"price": "101", "size": "6"})
	trade := putTrade(t, st, issuer, model.PrivacyCompliant, detail)

	key, err := issuer.GenerateViewingKey(ctx, trade.ID, "auditor@desk", "ops@desk")
	require.NoError(t, err)

	plain, err := Decrypt(key, trade.ID, trade.Disclosure)
	require.NoError(t, err)
	assert.JSONEq(t, string(detail), string(plain))
}

func TestKeyRejectedForOtherTrade(t *testing.T) {
	issuer, st := newIssuer(t)
	ctx := context.Background()

	detail := []byte(`{"price":"101"}`)
	t1 := putTrade(t, st, issuer, model.PrivacyCompliant, detail)
	t2 := putTrade(t, st, issuer, model.PrivacyCompliant, detail)

	key, err := issuer.GenerateViewingKey(ctx, t1.ID, "auditor@desk", "ops@desk")
	require.NoError(t, err)

	// Wrong trade id is rejected outright.
	_, err = Decrypt(key, t2.ID, t2.Disclosure)
	assert.ErrorIs(t, err, ErrScopeMismatch)

	// Even lying about the scope fails: the key material cannot open another
	// trade's ciphertext.
	forged := &Key{TradeID: t2.ID, Material: key.Material}
	_, err = Decrypt(forged, t2.ID, t2.Disclosure)
	assert.Error(t, err)
}

func TestNeverIssuedForShieldedOrTransparent(t *testing.T) {
	issuer, st := newIssuer(t)
	ctx := context.Background()

	shielded := putTrade(t, st, issuer, model.PrivacyShielded, nil)
	_, err := issuer.GenerateViewingKey(ctx, shielded.ID, "auditor@desk", "ops@desk")
	assert.ErrorIs(t, err, ErrNotCompliant)

	transparent := putTrade(t, st, issuer, model.PrivacyTransparent, []byte(`{}`))
	_, err = issuer.GenerateViewingKey(ctx, transparent.ID, "auditor@desk", "ops@desk")
	assert.ErrorIs(t, err, ErrNotCompliant)
}

func TestGrantRegistryRecordsIssuance(t *testing.T) {
	issuer, st := newIssuer(t)
	ctx := context.Background()

	trade := putTrade(t, st, issuer, model.PrivacyCompliant, []byte(`{}`))

	_, err := issuer.GenerateViewingKey(ctx, trade.ID, "auditor@desk", "ops@desk")
	require.NoError(t, err)
	_, err = issuer.GenerateViewingKey(ctx, trade.ID, "regulator@agency", "ops@desk")
	require.NoError(t, err)

	grants := issuer.Grants(trade.ID)
	require.Len(t, grants, 2)
	assert.Equal(t, "auditor@desk", grants[0].Grantee)
	assert.Equal(t, "regulator@agency", grants[1].Grantee)
	assert.Equal(t, "ops@desk", grants[0].Grantor)
	assert.False(t, grants[0].GrantedAt.IsZero())

	assert.Empty(t, issuer.Grants(uuid.New()))
}
