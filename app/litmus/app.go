package litmus

import (
	"context"
	"fmt"
	"time"

	"github.com/litmus-labs/litmus/app/litmus/types"
	"github.com/litmus-labs/litmus/pkg/account"
	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/db/clickhouse"
	"github.com/litmus-labs/litmus/pkg/db/memory"
	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/fetcher"
	"github.com/litmus-labs/litmus/pkg/locator"
	"github.com/litmus-labs/litmus/pkg/logging"
	"github.com/litmus-labs/litmus/pkg/metrics"
	"github.com/litmus-labs/litmus/pkg/redis"
	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/syncer"
	"github.com/litmus-labs/litmus/pkg/validate"
	"github.com/litmus-labs/litmus/pkg/verifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg := types.LoadConfig()

	store, err := newStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Unable to initialize store", zap.Error(err))
	}

	// Redis keeps the state across restarts and relays events to other replicas (optional)
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - state will not survive restarts",
				zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis client initialized for state and events")
		}
	} else {
		logger.Info("Redis disabled - state is kept in memory only")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		logger.Fatal("Unable to register metrics", zap.Error(err))
	}

	hub := events.NewHub(256)
	publishers := events.Multi{hub, events.Log{Logger: logger}}
	var slot state.Slot = &state.MemorySlot{}
	if redisClient != nil {
		publishers = append(publishers, redisClient)
		slot = redisClient
	}

	st := state.NewManager(state.ManagerOpts{
		Slot:      slot,
		Publisher: publishers,
		Logger:    logger,
		OnStatus:  func(s state.Status) { m.SetStatus(string(s)) },
	})

	client := rpc.NewHTTPWithOpts(rpc.Opts{
		Endpoints:    cfg.RPCURLs,
		ProxyURL:     cfg.RPCProxyURL,
		Timeout:      cfg.RPCTimeout,
		RPS:          cfg.RPCRPS,
		Burst:        cfg.RPCBurst,
		MaxScore:     cfg.RPCMaxScore,
		BanRecovery:  cfg.RPCBanRecovery,
		OfflineDelay: cfg.OfflineDelay,
		Logger:       logger,
		OnPeersChange: func(available, total int) {
			st.SetPeers(available, total)
			m.SetPeers(available, total)
		},
		Observe: m.ObserveRPC,
	})

	verifierClient, err := verifier.New(verifier.Opts{
		BaseURL: cfg.VerifierURL,
		Timeout: cfg.RPCTimeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Unable to initialize verifier client", zap.Error(err))
	}

	index := rpc.NewIndexClient(rpc.IndexOpts{
		BaseURL:   cfg.IndexerURL,
		PageLimit: cfg.IndexerPageLimit,
		Timeout:   cfg.RPCTimeout,
		Logger:    logger,
	})
	loc := locator.New(locator.Opts{
		Client:          client,
		Index:           index,
		MaxBlocksPerEra: cfg.MaxBlocksPerEra,
		Logger:          logger,
	})

	sequencer := validate.New(validate.Opts{
		Verifier: verifierClient,
		Store:    store,
		State:    st,
		Metrics:  m,
		Logger:   logger,
	})

	engine := syncer.New(syncer.Opts{
		Client:    client,
		Locator:   loc,
		Store:     store,
		State:     st,
		Sequencer: sequencer,
		Fetch: fetcher.Options{
			BatchSize:  cfg.BatchSize,
			BatchDelay: cfg.BatchDelay,
			Retry:      retry.Fixed(cfg.FetchRetries, cfg.FetchDelay),
			Logger:     logger,
		},
		ResetOnOlderTrust: cfg.ResetOnOlderTrust,
		Metrics:           m,
		Logger:            logger,
	})
	if err := engine.Restore(ctx); err != nil {
		logger.Warn("Unable to restore sync state", zap.Error(err))
	}

	app := &types.App{
		Config: cfg,

		// Store initialization
		Store: store,

		// Events initialization
		RedisClient: redisClient,
		Hub:         hub,

		// Sync initialization
		RPC:      client,
		Verifier: verifierClient,
		State:    st,
		Syncer:   engine,
		Account:  account.New(client, verifierClient, st, logger),

		// Metrics initialization
		Metrics:  m,
		Registry: registry,

		CronSpec: fmt.Sprintf("@every %s", cfg.CheckInterval),

		// Logger initialization
		Logger: logger,
	}
	app.SetContext(ctx)

	if err := SetupScheduler(ctx, app); err != nil {
		logger.Fatal("Unable to schedule the switch block check", zap.Error(err))
	}

	logger.Info("Sync engine initialized",
		zap.Strings("rpc_urls", cfg.RPCURLs),
		zap.String("store", cfg.Store),
		zap.Bool("indexer", index.Enabled()),
		zap.Bool("redis", redisClient != nil))

	return app
}

func newStore(ctx context.Context, logger *zap.Logger, cfg types.Config) (db.Store, error) {
	switch cfg.Store {
	case types.StoreMemory:
		logger.Warn("Using the in-memory store - validated eras are lost on restart")
		return memory.New(), nil
	case types.StoreClickHouse:
		return clickhouse.NewStore(ctx, logger, cfg.ClickHouseDB)
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// SetupScheduler schedules the background check for new switch blocks. A check that
// finds work runs the whole pass, so overlapping ticks are skipped.
func SetupScheduler(ctx context.Context, app *types.App) error {
	logger := cronLogger{app.Logger.Named("cron")}
	app.Cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := app.Cron.AddFunc(app.CronSpec, func() {
		started := time.Now()
		ran, err := app.Syncer.CheckForUpdates(ctx)
		if err != nil {
			app.Logger.Warn("Switch block check failed", zap.Error(err))
			return
		}
		if ran {
			app.Logger.Info("Background sync pass finished", zap.Duration("took", time.Since(started)))
		}
	})
	return err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
