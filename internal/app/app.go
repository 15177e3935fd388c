// Package app assembles one scheduler instance: store, registry, bus,
// dispatcher, loop and the HTTP surfaces, started in dependency order and
// stopped in reverse on every exit path.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schedulezero/schedulezero/config"
	"github.com/schedulezero/schedulezero/internal/bus"
	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/execlog"
	"github.com/schedulezero/schedulezero/internal/health"
	"github.com/schedulezero/schedulezero/internal/infrastructure"
	"github.com/schedulezero/schedulezero/internal/metrics"
	"github.com/schedulezero/schedulezero/internal/registry"
	"github.com/schedulezero/schedulezero/internal/scheduler"
	"github.com/schedulezero/schedulezero/internal/store"
	httptransport "github.com/schedulezero/schedulezero/internal/transport/http"
	"github.com/schedulezero/schedulezero/internal/transport/http/handler"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.ScheduleStore
	ring       *execlog.Ring
	registry   *registry.Registry
	bus        *bus.Bus
	dispatcher *scheduler.Dispatcher
	loop       *scheduler.Loop
	regServer  *registry.Server
	httpSrv    *http.Server
	metricsSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the instance. The store is opened and pinged here so a dead
// backend fails fast; errors wrap domain.ErrStoreUnavailable for the CLI
// exit-code mapping.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Register()

	st, err := infrastructure.OpenStore(ctx, cfg.StoreURL, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	b := bus.New(bus.Config{
		Enabled:           cfg.EventBusEnabled,
		InstanceID:        cfg.InstanceID,
		PID:               os.Getpid(),
		PublishListen:     cfg.EventBusPublish,
		Subscribe:         cfg.EventBusSubscribe,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, logger)

	ring := execlog.NewRing(cfg.RingCapacity, b.Publish)

	reg, err := registry.New(cfg.HeartbeatTimeout(), cfg.HandlerPurgeAfter(), cfg.SnapshotPath, b.Publish, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	disp := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		PoolSize:              cfg.DispatcherPool,
		PerHandlerConcurrency: cfg.PerHandlerConcurrency,
		DefaultMaxAttempts:    cfg.MaxAttempts,
		DefaultAttemptTimeout: cfg.PerAttemptTimeout(),
	}, reg, ring, st, b.Publish, logger)

	loop := scheduler.NewLoop(scheduler.LoopConfig{
		InstanceID:            cfg.InstanceID,
		DefaultMaxAttempts:    cfg.MaxAttempts,
		DefaultAttemptTimeout: cfg.PerAttemptTimeout(),
		DefaultMisfireGrace:   cfg.MisfireGrace(),
		DefaultTZ:             cfg.CronLocation(),
	}, st, disp, b, logger)

	checker := health.NewChecker(st, logger, prometheus.DefaultRegisterer)

	router := httptransport.NewRouter(
		logger,
		handler.NewScheduleHandler(st, reg, handler.ScheduleDefaults{
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.PerAttemptTimeout(),
			MisfireGrace:   cfg.MisfireGrace(),
			TZ:             cfg.CronLocation(),
		}, b.Publish, loop.Wake, logger),
		handler.NewJobHandler(disp, logger),
		handler.NewExecutionHandler(ring, logger),
		handler.NewRegistryHandler(reg),
		handler.NewInstanceHandler(b),
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		ring:       ring,
		registry:   reg,
		bus:        b,
		dispatcher: disp,
		loop:       loop,
		regServer:  registry.NewServer(reg, logger),
		httpSrv:    &http.Server{Addr: cfg.HTTPListen, Handler: router},
		metricsSrv: metrics.NewServer(cfg.MetricsListen, checker),
	}, nil
}

// Start brings every service up. On any failure the services already
// running are stopped again.
func (a *App) Start(ctx context.Context) error {
	metrics.ServerStartTime.SetToCurrentTime()

	if err := a.bus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := a.regServer.Start(a.cfg.RegistrationListen); err != nil {
		a.bus.Stop(ctx)
		return fmt.Errorf("start registration endpoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.registry.RunSweeper(runCtx, a.cfg.HeartbeatInterval())
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop.Run(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.observeGauges(runCtx)
	}()

	go func() {
		a.logger.Info("control plane listening", "addr", a.cfg.HTTPListen)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server", "error", err)
		}
	}()
	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsListen)
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()

	a.logger.Info("instance started",
		"deployment", a.cfg.DeploymentName,
		"instance_id", a.cfg.InstanceID,
		"store", a.cfg.StoreURL,
		"event_bus", a.cfg.EventBusEnabled,
	)
	return nil
}

// Stop shuts everything down in reverse order of start: stop taking
// requests, stop claiming, drain the dispatcher, then tear down transport
// and store.
func (a *App) Stop(ctx context.Context) {
	a.logger.Info("shutting down")

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.logger.Error("metrics shutdown", "error", err)
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.dispatcher.Stop(ctx)

	if err := a.regServer.Stop(ctx); err != nil {
		a.logger.Error("registration shutdown", "error", err)
	}
	a.bus.Stop(ctx)

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close", "error", err)
	}
	a.logger.Info("instance stopped")
}

// observeGauges samples the registry and ring for Prometheus. Both are
// mutex-guarded snapshots, cheap enough to poll.
func (a *App) observeGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			for _, e := range a.registry.List() {
				if e.Status == domain.HandlerConnected {
					connected++
				}
			}
			metrics.HandlersConnected.Set(float64(connected))
			metrics.RingRecords.Set(float64(a.ring.Len()))
		}
	}
}
