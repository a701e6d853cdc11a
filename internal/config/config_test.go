package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

func TestParsePairs(t *testing.T) {
	pairs := parsePairs("ETH/USDC, BTC/USDT,malformed,/USDC")
	assert.Equal(t, []model.Pair{
		{Base: "ETH", Quote: "USDC"},
		{Base: "BTC", Quote: "USDT"},
	}, pairs)
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "obscurad", cfg.ServiceName)
	assert.NotEmpty(t, cfg.Pairs)
	assert.Positive(t, cfg.MatchInterval)
}
