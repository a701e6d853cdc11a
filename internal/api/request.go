package api

// CreateRequestBody is the wire form of an RFQ creation.
type CreateRequestBody struct {
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	Side           string `json:"side"`
	SizeCommitment string `json:"size_commitment,omitempty"`
	Size           string `json:"size,omitempty"`          // decimal string, used when no commitment is supplied
	SizeBlinding   string `json:"size_blinding,omitempty"` // hex
	RequesterAddr  string `json:"requester_addr"`
	RequesterPub   string `json:"requester_pub"`
	Privacy        string `json:"privacy"`
	Detail         string `json:"detail,omitempty"` // hex, disclosure payload
	ExpiresAt      int64  `json:"expires_at"`
	Signature      string `json:"signature"`
	SignerKey      string `json:"signer_key"`
	NextKey        string `json:"next_key,omitempty"` // successor key a later cancel verifies against
	Nonce          uint64 `json:"nonce"`
}

// SubmitQuoteBody is the wire form of a maker quote.
type SubmitQuoteBody struct {
	PriceCommitment string `json:"price_commitment"`
	SizeCommitment  string `json:"size_commitment"`
	MakerAddr       string `json:"maker_addr"`
	Ciphertext      string `json:"ciphertext"` // hex, sealed to the request's response address
	ExpiresAt       int64  `json:"expires_at"`
	Signature       string `json:"signature"`
	SignerKey       string `json:"signer_key"`
	Nonce           uint64 `json:"nonce"`
}

// CancelBody authorizes a lifecycle cancellation.
type CancelBody struct {
	Signature string `json:"signature"`
}

// SubmitOrderBody is the wire form of a dark pool order.
type SubmitOrderBody struct {
	Base             string `json:"base"`
	Quote            string `json:"quote"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	PriceCommitment  string `json:"price_commitment"`
	SizeCommitment   string `json:"size_commitment"`
	IdentityCommit   string `json:"identity_commitment"`
	TraderAddr       string `json:"trader_addr"`
	Privacy          string `json:"privacy"`
	Detail           string `json:"detail,omitempty"`            // hex
	Ciphertext       string `json:"ciphertext"`                  // hex, sealed to the matching enclave
	CompressionProof string `json:"compression_proof,omitempty"` // hex
	Size             string `json:"size"`
	ExpiresAt        int64  `json:"expires_at"`
	Signature        string `json:"signature"`
	SignerKey        string `json:"signer_key"`
	NextKey          string `json:"next_key,omitempty"` // successor key a later cancel/modify verifies against
	Nonce            uint64 `json:"nonce"`
}

// ModifyOrderBody cancels an order and atomically replaces it.
type ModifyOrderBody struct {
	Signature   string          `json:"signature"` // from the old order's successor key
	Replacement SubmitOrderBody `json:"replacement"`
}

// SettleRFQBody settles an accepted quote. Price and size are the agreed
// cleartext terms the requester and maker both hold.
type SettleRFQBody struct {
	QuoteID string `json:"quote_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	ChainID string `json:"chain_id,omitempty"`
	// DestChain routes the settlement through the two-phase cross-chain
	// protocol when it differs from the source chain.
	DestChain string `json:"dest_chain,omitempty"`
}

// ViewingKeyBody requests a trade-scoped viewing key.
type ViewingKeyBody struct {
	AuthorizedParty string `json:"authorized_party"`
	Grantor         string `json:"grantor"`
}

// MatchBody triggers a matching round for one pair.
type MatchBody struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}
