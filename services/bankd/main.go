package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"swapbank/native/bank"
	"swapbank/native/custody"
	"swapbank/native/venue"
	"swapbank/observability/logging"
	telemetry "swapbank/observability/otel"
	"swapbank/services/bankd/config"
	"swapbank/services/bankd/notify"
	"swapbank/services/bankd/oracle"
	"swapbank/services/bankd/server"
	"swapbank/services/bankd/storage"
	kv "swapbank/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/bankd/config.yaml", "path to bankd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("bankd: load config: %v", err)
	}
	logger := logging.Setup("bankd", cfg.Environment,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}),
	)

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "bankd",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("bankd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bankd: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	bankCfg, err := cfg.Bank.Resolve()
	if err != nil {
		return err
	}

	custodyDB, err := openCustodyDB(cfg.Custody)
	if err != nil {
		return err
	}
	defer custodyDB.Close()
	holdings := custody.NewHoldings(custodyDB, bankCfg.WrappedNative)

	venueAddr, err := config.ParseAddress("venue.address", cfg.Venue.Address)
	if err != nil {
		return err
	}
	pools := venue.New(venueAddr, holdings, custodyDB)
	for i, pc := range cfg.Venue.Pools {
		pool, err := pc.Resolve()
		if err != nil {
			return fmt.Errorf("venue.pools[%d]: %w", i, err)
		}
		restored, err := pools.Seed(pool.TokenA, pool.TokenB, pool.ReserveA, pool.ReserveB, pool.FeeBps)
		if err != nil {
			return fmt.Errorf("seed pool %d: %w", i, err)
		}
		if restored {
			logger.Info("bankd: resumed persisted pool", "token_a", pool.TokenA.Hex(), "token_b", pool.TokenB.Hex())
		}
	}

	feed, err := buildFeed(cfg.Oracle)
	if err != nil {
		return err
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()
	stream := notify.NewStream(journal, notify.NewHub(cfg.Notify.StreamBuffer), logger)
	publisher := notify.NewFanout(logger,
		notify.Sink{Name: "stream", Publisher: stream},
		notify.Sink{Name: "log", Publisher: bank.PublisherFunc(func(_ context.Context, n bank.Notification) error {
			logger.Info("bankd/notify: committed", "kind", n.Kind, "id", n.ID.Hex(), "sequence", n.Sequence)
			return nil
		})},
	)

	engine, err := bank.New(bankCfg, custody.NewEngineAccount(holdings, bankCfg.Self), pools, feed,
		bank.WithStore(store),
		bank.WithPublisher(publisher),
	)
	if err != nil {
		return fmt.Errorf("bank engine: %w", err)
	}
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := seedAssets(ctx, engine, cfg.AssetsFile, logger); err != nil {
		return err
	}

	watcher, err := oracle.NewWatcher(engine, cfg.Oracle.WatchInterval.Duration, oracle.WithWatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("price watcher: %w", err)
	}

	jwtSecret, err := config.Secret(cfg.Auth.JWTSecretEnv)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}
	principals, err := server.NewPrincipalAuthenticator(server.PrincipalAuthConfig{
		HMACSecret: jwtSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure principal auth: %w", err)
	}
	adminToken, err := config.Secret(cfg.Auth.AdminTokenEnv)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	admin, err := server.NewAdminAuthenticator(adminToken)
	if err != nil {
		return fmt.Errorf("configure admin auth: %w", err)
	}
	logger.Info("bankd: admin auth configured", logging.MaskField("admin_token", adminToken))

	if err := os.MkdirAll(filepath.Dir(cfg.Idempotency.Path), 0o750); err != nil {
		return fmt.Errorf("idempotency directory: %w", err)
	}
	idem, err := server.OpenIdempotencyStore(cfg.Idempotency.Path, cfg.Idempotency.TTL.Duration)
	if err != nil {
		return err
	}
	defer idem.Close()

	sequencer := server.NewSequencer(0)
	defer sequencer.Close()

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		ExportDir:     cfg.Export.Dir,
		FaucetEnabled: cfg.Faucet.Enabled,
	}, server.Dependencies{
		Bank:        engine,
		Minter:      holdings,
		Stream:      stream,
		Principals:  principals,
		Admin:       admin,
		Limiter:     server.NewRateLimiter(server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}),
		Idempotency: idem,
		Sequencer:   sequencer,
		Health:      store.Ping,
		PriceStatus: watcher.Last,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bankd: shut down")
	return nil
}

func openCustodyDB(cfg config.CustodyConfig) (kv.Database, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		slog.Warn("bankd: custody holdings are in memory and will not survive a restart")
		return kv.NewMemDB(), nil
	}
	db, err := kv.NewLevelDB(path, cfg.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("open custody database: %w", err)
	}
	return db, nil
}

func buildFeed(cfg config.OracleConfig) (bank.PriceFeed, error) {
	switch cfg.Mode {
	case config.OracleStatic:
		answer, ok := new(big.Int).SetString(strings.TrimSpace(cfg.StaticAnswer), 10)
		if !ok {
			return nil, fmt.Errorf("oracle.static_answer %q is not an integer", cfg.StaticAnswer)
		}
		slog.Warn("bankd: using a static reference price", "answer", answer.String(), "decimals", cfg.StaticDecimals)
		return oracle.NewStaticFeed(answer, cfg.StaticDecimals)
	default:
		client, err := oracle.Dial(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		aggregator, err := config.ParseAddress("oracle.aggregator", cfg.Aggregator)
		if err != nil {
			return nil, err
		}
		return oracle.NewChainlinkFeed(client, aggregator, cfg.CallTimeout.Duration)
	}
}

func openJournal(cfg config.Config) (*notify.Journal, error) {
	dsn := strings.TrimSpace(cfg.Notify.DSN)
	if dsn == "" {
		base := strings.TrimSuffix(cfg.DatabasePath, filepath.Ext(cfg.DatabasePath))
		fileDSN, err := storage.FileDSN(base + "-notifications.sqlite")
		if err != nil {
			return nil, fmt.Errorf("resolve notification DSN: %w", err)
		}
		dsn = fileDSN
	}
	journal, err := notify.OpenJournal(cfg.Notify.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open notification journal: %w", err)
	}
	return journal, nil
}

// seedAssets registers the assets listed in path. Assets restored from storage
// are left untouched.
func seedAssets(ctx context.Context, engine *bank.Engine, path string, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	assets, err := config.LoadAssets(path)
	if err != nil {
		return err
	}
	for _, desc := range assets {
		err := engine.RegisterAsset(ctx, desc)
		switch {
		case err == nil:
			logger.Info("bankd: registered asset", "asset", desc.ID.Hex(), "symbol", desc.Symbol)
		case errors.Is(err, bank.ErrAssetExists):
		default:
			return fmt.Errorf("register asset %s: %w", desc.Symbol, err)
		}
	}
	return nil
}
