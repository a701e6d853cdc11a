package consumer

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

func TestSubmitCommandToInput(t *testing.T) {
	cmd := SubmitOrderCommand{
		Base:            "ETH",
		Quote:           "USDC",
		Side:            "BUY",
		Type:            "LIMIT",
		PriceCommitment: "0xabc",
		SizeCommitment:  "0xdef",
		TraderAddr:      "obs1deadbeef",
		Privacy:         string(model.PrivacyShielded),
		Ciphertext:      hex.EncodeToString([]byte("sealed")),
		Size:            "10",
		ExpiresAt:       time.Now().Add(time.Hour).Unix(),
		Signature:       "sig",
		SignerKey:       "key",
		Nonce:           7,
	}

	in, err := cmd.toInput()
	require.NoError(t, err)
	assert.Equal(t, model.Pair{Base: "ETH", Quote: "USDC"}, in.Pair)
	assert.Equal(t, model.SideBuy, in.Side)
	assert.Equal(t, []byte("sealed"), in.Ciphertext)
	assert.Equal(t, uint64(7), in.Nonce)
	assert.Nil(t, in.Detail)
}

func TestSubmitCommandRejectsBadHex(t *testing.T) {
	cmd := SubmitOrderCommand{Ciphertext: "not-hex"}
	_, err := cmd.toInput()
	assert.Error(t, err)
}
