package types

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/litmus-labs/litmus/pkg/account"
	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/metrics"
	"github.com/litmus-labs/litmus/pkg/redis"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/syncer"
	"github.com/litmus-labs/litmus/pkg/verifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type App struct {
	Config Config

	// Store keeps switch blocks and validator weights.
	Store db.Store
	// RedisClient persists the state and relays events across replicas. Nil when disabled.
	RedisClient *redis.Client
	// Hub fans events out to websocket clients of this process.
	Hub *events.Hub

	RPC      *rpc.HTTPClient
	Verifier *verifier.Client
	State    *state.Manager
	Syncer   *syncer.Syncer
	Account  *account.Validator

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Cron triggers the background check for new switch blocks.
	Cron     *cron.Cron
	CronSpec string

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server

	ctx context.Context
	wg  sync.WaitGroup
}

// SetContext sets the context background work runs under. It is cancelled on shutdown.
func (a *App) SetContext(ctx context.Context) {
	a.ctx = ctx
}

// Go runs fn in the background with the application context. Start waits for it before
// closing the store.
func (a *App) Go(fn func(ctx context.Context)) {
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
	}()
}

// Ready reports whether the store and, when enabled, Redis answer.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if a.RedisClient != nil {
		return a.RedisClient.Health(ctx)
	}
	return nil
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	a.Go(a.State.Run)
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-a.Cron.Stop().Done()
	a.Syncer.Cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.wg.Wait()
	if err := a.State.Flush(shutdownCtx); err != nil {
		a.Logger.Warn("Final state flush failed", zap.Error(err))
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
