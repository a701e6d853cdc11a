package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgconfig "github.com/obscura-trade/obscura-core/pkg/config"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// Config holds the core runtime configuration for a service instance.
// It supports environment-based initialization, with sensible defaults.
type Config struct {
	ServiceName string // e.g. "obscurad"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string // "debug", "info", etc.
	Port        int    // HTTP API port
	MetricsAddr string // Prometheus scrape endpoint, empty disables

	// Storage. Empty RedisAddr selects the pure in-memory store.
	RedisAddr   string
	RedisDB     int
	DatabaseURL string

	// Event bus and command intake.
	NATSURL       string
	EventPrefix   string // subject prefix for outbound events
	AMQPURL       string // empty disables the command consumer
	PoolName      string // scopes AMQP queue names
	ConsumeOrders bool

	// Matching.
	Pairs         []model.Pair // pairs the periodic matcher covers
	MatchInterval time.Duration
	SweepInterval time.Duration

	// Coordination engine. Empty EnclaveURL selects the in-process engine.
	EnclaveURL     string
	EnclavePub     string // marshaled base point of the remote enclave
	EnclaveTimeout time.Duration
	// EnclaveFingerprint pins the attestation fingerprint the enclave's
	// credentials must carry. Empty disables the check.
	EnclaveFingerprint string

	// Settlement.
	DefaultChain string
	ChainIDs     []string // chains with remote executors, secrets hold endpoints
	AWSRegion    string

	// Compliance master secret; viewing keys derive from it per trade.
	ViewingMasterSecret string
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "obscurad"),
		Env:         pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:    pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:        pkgconfig.GetEnvInt("PORT", 9040),
		MetricsAddr: pkgconfig.GetEnv("METRICS_ADDR", ":9041"),

		RedisAddr:   pkgconfig.GetEnv("REDIS_ADDR", ""),
		RedisDB:     pkgconfig.GetEnvInt("REDIS_DB", 0),
		DatabaseURL: pkgconfig.GetEnv("DATABASE_URL", ""),

		NATSURL:       pkgconfig.GetEnv("NATS_URL", ""),
		EventPrefix:   pkgconfig.GetEnv("EVENT_PREFIX", "evt.obscura"),
		AMQPURL:       pkgconfig.GetEnv("AMQP_URL", ""),
		PoolName:      pkgconfig.GetEnv("POOL_NAME", "main"),
		ConsumeOrders: pkgconfig.GetEnvBool("CONSUME_ORDERS", false),

		Pairs:         parsePairs(pkgconfig.GetEnv("MATCH_PAIRS", "ETH/USDC")),
		MatchInterval: pkgconfig.GetEnvDuration("MATCH_INTERVAL", 5*time.Second),
		SweepInterval: pkgconfig.GetEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		EnclaveURL:         pkgconfig.GetEnv("ENCLAVE_URL", ""),
		EnclavePub:         pkgconfig.GetEnv("ENCLAVE_PUB", ""),
		EnclaveTimeout:     pkgconfig.GetEnvDuration("ENCLAVE_TIMEOUT", 10*time.Second),
		EnclaveFingerprint: pkgconfig.GetEnv("ENCLAVE_FINGERPRINT", ""),

		DefaultChain: pkgconfig.GetEnv("DEFAULT_CHAIN", "local"),
		ChainIDs:     splitList(pkgconfig.GetEnv("CHAIN_IDS", "")),
		AWSRegion:    pkgconfig.GetEnv("AWS_REGION", "us-east-2"),

		ViewingMasterSecret: pkgconfig.GetEnv("VIEWING_MASTER_SECRET", ""),
	}
}

// parsePairs reads a comma list of BASE/QUOTE entries, skipping malformed ones.
func parsePairs(raw string) []model.Pair {
	var pairs []model.Pair
	for _, entry := range splitList(raw) {
		parts := strings.SplitN(entry, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		pairs = append(pairs, model.Pair{Base: parts[0], Quote: parts[1]})
	}
	return pairs
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
