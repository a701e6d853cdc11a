package api

import "time"

// CreatedResponse acknowledges record creation.
type CreatedResponse struct {
	ID       string `json:"id"`
	ErrorMsg string `json:"errorMessage,omitempty"`
}

// RequestStatusResponse is the public view of an RFQ record. Only commitments
// and lifecycle fields are exposed.
type RequestStatusResponse struct {
	ID             string    `json:"id"`
	Pair           string    `json:"pair"`
	Side           string    `json:"side"`
	SizeCommitment string    `json:"size_commitment"`
	Status         string    `json:"status"`
	Privacy        string    `json:"privacy"`
	ResponseAddr   string    `json:"response_addr"`
	ResponsePub    string    `json:"response_pub"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SelectionResponse reports the outcome of quote selection. The encrypted
// detail is only openable by the requester.
type SelectionResponse struct {
	RequestID       string `json:"request_id"`
	WinningQuoteID  string `json:"winning_quote_id"`
	EncryptedDetail string `json:"encrypted_detail"` // hex, sealed to the requester
	Commitment      string `json:"commitment"`
	ErrorMsg        string `json:"errorMessage,omitempty"`
}

// OrderStatusResponse is the public view of a dark pool order.
type OrderStatusResponse struct {
	ID             string    `json:"id"`
	Pair           string    `json:"pair"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	SizeCommitment string    `json:"size_commitment"`
	Status         string    `json:"status"`
	Privacy        string    `json:"privacy"`
	FilledSize     string    `json:"filled_size"`
	RemainingSize  string    `json:"remaining_size"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// TradeResponse is the public view of a settled trade.
type TradeResponse struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Pair            string    `json:"pair"`
	PriceCommitment string    `json:"price_commitment"`
	SizeCommitment  string    `json:"size_commitment"`
	TakerCommitment string    `json:"taker_commitment"`
	MakerCommitment string    `json:"maker_commitment"`
	TxRef           string    `json:"tx_ref"`
	ChainID         string    `json:"chain_id"`
	Privacy         string    `json:"privacy"`
	FeeLevel        string    `json:"fee_level"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// MatchResponse summarizes one matching round.
type MatchResponse struct {
	Pair   string          `json:"pair"`
	Trades []TradeResponse `json:"trades"`
}

// ViewingKeyResponse carries a freshly issued viewing key.
type ViewingKeyResponse struct {
	TradeID  string `json:"trade_id"`
	Material string `json:"material"` // hex
}
