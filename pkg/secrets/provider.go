package secrets

import "context"

// Provider defines a generic secrets manager interface.
// Concrete implementations (AWS, env-backed, etc.) can satisfy this.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)

	// ListSecrets returns the names of all secrets whose name matches the given prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// EnclaveCredentials holds what the MPC coordination client needs to
// authenticate against the confidential-compute engine.
type EnclaveCredentials struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
}

// ExecutorCredentials holds per-chain executor API credentials.
type ExecutorCredentials struct {
	ChainID string `json:"chain_id"`
	APIKey  string `json:"api_key"`
	APIURL  string `json:"api_url"`
}
