package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/obscura-trade/obscura-core/internal/api"
	"github.com/obscura-trade/obscura-core/internal/config"
	"github.com/obscura-trade/obscura-core/internal/consumer"
	"github.com/obscura-trade/obscura-core/internal/crypto"
	"github.com/obscura-trade/obscura-core/internal/darkpool"
	"github.com/obscura-trade/obscura-core/internal/jobs"
	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/internal/mpc"
	"github.com/obscura-trade/obscura-core/internal/publisher"
	"github.com/obscura-trade/obscura-core/internal/rate"
	"github.com/obscura-trade/obscura-core/internal/rfq"
	"github.com/obscura-trade/obscura-core/internal/settlement"
	"github.com/obscura-trade/obscura-core/internal/store"
	"github.com/obscura-trade/obscura-core/internal/viewing"
	"github.com/obscura-trade/obscura-core/internal/zk"
	"github.com/obscura-trade/obscura-core/pkg/logger"
	"github.com/obscura-trade/obscura-core/pkg/secrets"
	"github.com/obscura-trade/obscura-core/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [obscurad]...")

	if cfg.MetricsAddr != "" {
		metrics.StartServer(cfg.MetricsAddr)
	}

	// --- Store ---
	var st store.Store
	if cfg.RedisAddr == "" {
		logg.Info("no redis configured; using in-memory store")
		st = store.NewMemory(logger.Named("store"))
	} else {
		logg.Info("connecting store: ", utils.MaskDSN(cfg.DatabaseURL))
		hybrid, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{}, logger.Named("store"))
		if err != nil {
			logg.Fatalw("failed to init store", "error", err)
		}
		st = hybrid
	}
	defer st.Close() //nolint:errcheck

	// --- Secrets provider, only when remote credentials are needed ---
	var provider secrets.Provider
	if cfg.EnclaveURL != "" || len(cfg.ChainIDs) > 0 {
		awsProvider, err := secrets.NewAWSProvider(cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to init AWS provider", "error", err)
		}
		provider = awsProvider
	}

	// --- Coordination engine ---
	engine, enclavePub, err := buildEngine(ctx, cfg, provider)
	if err != nil {
		logg.Fatalw("failed to init coordination engine", "error", err)
	}

	// --- Settlement ---
	rateMgr := rate.NewManager(rate.Config{RequestsPerSecond: 5, Burst: 10})
	registry := settlement.NewRegistry()
	registry.Register(settlement.NewLocalExecutor(cfg.DefaultChain))
	for _, chainID := range cfg.ChainIDs {
		secretKey := fmt.Sprintf("obscura/%s/executor/%s", cfg.Env, chainID)
		ex, err := settlement.NewRemoteExecutor(ctx, chainID, secretKey, provider, rateMgr, logger.Named("settlement"))
		if err != nil {
			logg.Fatalw("failed to init chain executor", "chain", chainID, "error", err)
		}
		registry.Register(ex)
	}

	var journal settlement.Journal = settlement.NewMemoryJournal()
	if hybrid, ok := st.(*store.HybridStore); ok && hybrid.PG != nil {
		journal = settlement.NewPGJournal(hybrid.PG)
	}

	// --- Compliance ---
	master := []byte(cfg.ViewingMasterSecret)
	if len(master) == 0 {
		logg.Warn("no viewing master secret configured; generating an ephemeral one")
		blind, err := crypto.NewBlinding()
		if err != nil {
			logg.Fatalw("failed to generate master secret", "error", err)
		}
		master = blind.Bytes()
	}
	issuer, err := viewing.NewIssuer(master, st, logger.Named("viewing"))
	if err != nil {
		logg.Fatalw("failed to init viewing issuer", "error", err)
	}

	// --- Event publisher ---
	var rfqNotifier rfq.Notifier = rfq.NopNotifier{}
	var poolNotifier darkpool.Notifier = darkpool.NopNotifier{}
	var settleNotifier settlement.Notifier = settlement.NopNotifier{}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err := publisher.New(nc, cfg.EventPrefix, cfg.ServiceName, logger.Named("publisher"))
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		defer pub.Close()
		rfqNotifier, poolNotifier, settleNotifier = pub, pub, pub
	}

	coordinator := settlement.NewCoordinator(
		st,
		zk.NewGroth16Prover(),
		registry,
		journal,
		settlement.StaticEstimator{},
		issuer,
		settleNotifier,
		cfg.DefaultChain,
		logger.Named("settlement"),
	)
	if err := coordinator.Recover(ctx); err != nil {
		logg.Warnw("settlement recovery incomplete", "error", err)
	}

	// --- Core services ---
	rfqSvc := rfq.NewService(st, engine, enclavePub, issuer, rfqNotifier, logger.Named("rfq"))
	poolSvc := darkpool.NewService(st, engine, coordinator, issuer, poolNotifier, logger.Named("darkpool"))

	// --- Background jobs ---
	go jobs.NewExpirySweeper(st, cfg.SweepInterval, logger.Named("jobs")).Start(ctx)
	go jobs.NewMatchRunner(poolSvc, cfg.Pairs, cfg.MatchInterval, logger.Named("jobs")).Start(ctx)

	// --- AMQP command intake ---
	if cfg.AMQPURL != "" && cfg.ConsumeOrders {
		cons, err := consumer.NewConsumer(cfg.AMQPURL, cfg.PoolName, poolSvc, logger.Named("consumer"))
		if err != nil {
			logg.Fatalw("failed to init consumer", "error", err)
		}
		defer cons.Close() //nolint:errcheck
		if err := cons.Start(ctx); err != nil {
			logg.Fatalw("failed to start consumer", "error", err)
		}
	}

	// --- HTTP API ---
	app := fiber.New()
	api.RegisterRoutes(app, &api.Handler{
		Logger:     logger.Named("api"),
		RFQ:        rfqSvc,
		Pool:       poolSvc,
		Settlement: coordinator,
		Viewing:    issuer,
		Store:      st,
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[obscurad] running",
		"default_chain", cfg.DefaultChain,
		"pairs", len(cfg.Pairs),
		"match_interval", cfg.MatchInterval,
	)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [obscurad]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber shutdown incomplete", "error", err)
	}
}

// buildEngine selects the in-process engine or a remote enclave client. The
// in-process engine mints a fresh base key at boot; the remote case reads the
// enclave's published base point from configuration and its token from the
// secrets provider.
func buildEngine(ctx context.Context, cfg *config.Config, provider secrets.Provider) (mpc.Engine, *bn254.G1Affine, error) {
	if cfg.EnclaveURL == "" {
		base, err := crypto.NewBaseKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generating enclave base key: %w", err)
		}
		return mpc.NewLocalEngine(base, logger.Named("mpc")), &base.Pub, nil
	}

	if cfg.EnclavePub == "" {
		return nil, nil, fmt.Errorf("ENCLAVE_PUB required when ENCLAVE_URL is set")
	}
	pub, err := crypto.UnmarshalPoint(cfg.EnclavePub)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing enclave base point: %w", err)
	}

	secretKey := fmt.Sprintf("obscura/%s/enclave", cfg.Env)
	token := func(ctx context.Context) (string, error) {
		raw, err := provider.GetSecret(ctx, secretKey)
		if err != nil {
			return "", err
		}
		creds := secrets.EnclaveCredentials{
			Token:       raw["token"],
			Fingerprint: raw["fingerprint"],
		}
		if creds.Token == "" {
			return "", fmt.Errorf("enclave secret %s: token missing", secretKey)
		}
		if creds.Fingerprint != "" && cfg.EnclaveFingerprint != "" && creds.Fingerprint != cfg.EnclaveFingerprint {
			return "", fmt.Errorf("enclave secret %s: fingerprint mismatch", secretKey)
		}
		return creds.Token, nil
	}

	return mpc.NewClient(cfg.EnclaveURL, token, cfg.EnclaveTimeout, logger.Named("mpc")), pub, nil
}
