package publisher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

func TestSubjectLayout(t *testing.T) {
	p := &Publisher{prefix: "evt.obscura", service: "obscurad"}
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Topic:         "trades",
		EventType:     "trade.settled",
		Version:       "1",
		Timestamp:     time.Now().UTC(),
	}
	assert.Equal(t, "evt.obscura.trades.trade.settled.v1", p.subject(env))
}
