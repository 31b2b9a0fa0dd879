// Command oddswatch runs the selector resolution service: it wires
// the registry, strategies, stealth and resilience subsystems from a
// YAML config and serves the operational HTTP surface.
//
// Usage:
//
//	oddswatch -config oddswatch.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/oddswatch/abort"
	"github.com/hazyhaar/oddswatch/config"
	"github.com/hazyhaar/oddswatch/consent"
	"github.com/hazyhaar/oddswatch/dbopen"
	"github.com/hazyhaar/oddswatch/degrade"
	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/events"
	"github.com/hazyhaar/oddswatch/failure"
	"github.com/hazyhaar/oddswatch/fingerprint"
	"github.com/hazyhaar/oddswatch/metrics"
	"github.com/hazyhaar/oddswatch/ops"
	"github.com/hazyhaar/oddswatch/proxy"
	"github.com/hazyhaar/oddswatch/recovery"
	"github.com/hazyhaar/oddswatch/resolver"
	"github.com/hazyhaar/oddswatch/score"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
	"github.com/hazyhaar/oddswatch/stealth"
	"github.com/hazyhaar/oddswatch/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to oddswatch.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("oddswatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.Storage.DatabasePath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(snapshot.Schema),
		dbopen.WithSchema(metrics.Schema),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Close()

	snapshots, err := snapshot.NewStore(db, snapshot.Options{
		Root:          cfg.Storage.SnapshotRoot,
		Compress:      cfg.Storage.SnapshotCompress,
		MaxAge:        time.Duration(cfg.Storage.SnapshotMaxAgeDays) * 24 * time.Hour,
		MaxTotalBytes: cfg.Storage.SnapshotMaxMB << 20,
		KeepFailures:  cfg.Storage.SnapshotKeepFailures,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	go snapshots.RunCleanupLoop(ctx, time.Hour)

	store := metrics.NewStore(db, 100, 5*time.Second, logger)
	defer store.Close()
	go store.RunCleanupLoop(ctx, cfg.Storage.MetricsRetentionDays)

	registry := selector.NewRegistry(selector.WithLogger(logger))
	strategies := strategy.NewSet()
	gate := score.NewGate(map[string]float64{
		"production":  cfg.Gates.Production,
		"staging":     cfg.Gates.Staging,
		"testing":     cfg.Gates.Testing,
		"development": cfg.Gates.Development,
	})

	res := resolver.New(resolver.Config{
		PerStrategyTimeout: cfg.Engine.PerStrategyTimeout(),
		BatchWorkerCap:     cfg.Engine.BatchWorkerCap,
		Logger:             logger,
	}, registry, strategies, gate, snapshots, bus, store)

	// Stealth stack.
	var proxies *proxy.Manager
	if cfg.Stealth.ProxyEnabled {
		provider, perr := buildProvider(cfg.Proxy)
		if perr != nil {
			return perr
		}
		proxies, err = proxy.NewManager(proxy.ManagerConfig{
			Rotation:          proxy.Rotation(cfg.Proxy.Rotation),
			CooldownSeconds:   cfg.Proxy.CooldownSeconds,
			SessionTTLSeconds: cfg.Proxy.TTLSeconds,
			PersistPath:       cfg.Proxy.PersistPath,
			Logger:            logger,
		}, provider)
		if err != nil {
			return err
		}
	}
	fpgen := fingerprint.NewGenerator(cfg.Stealth.FingerprintConsistency,
		fingerprint.WithSessionCache(), fingerprint.WithLogger(logger))
	consents := consent.NewHandler(consent.WithLogger(logger))
	orchestrator := stealth.NewOrchestrator(cfg.Stealth, fpgen, proxies, consents, logger)

	// Browser plus its recovery supervisor. A failed initial connect is
	// survivable: the supervisor keeps retrying through its health loop.
	browser := driver.NewBrowser(driver.BrowserConfig{Headless: true, Logger: logger})
	if berr := browser.Connect(ctx); berr != nil {
		logger.Warn("oddswatch: browser start issue", "error", berr)
	}
	defer browser.Close()

	supervisor := recovery.NewSupervisor(recovery.Config{
		HealthInterval:      time.Duration(cfg.Resilience.HealthCheckIntervalS) * time.Second,
		MaxRecoveryAttempts: cfg.Resilience.MaxRecoveryAttempts,
		Logger:              logger,
	}, func(ctx context.Context, browserID, sessionID string) error {
		browser.Close()
		return browser.Connect(ctx)
	}, bus)
	supervisor.Register("primary", "")
	supervisor.AddProbe(recovery.Probe{
		Name: "heap",
		Check: func(ctx context.Context, browserID string) recovery.Verdict {
			usage, herr := browser.HeapUsage()
			if herr != nil {
				return recovery.VerdictFail
			}
			if usage > 1<<30 {
				return recovery.VerdictWarn
			}
			return recovery.VerdictOK
		},
	})
	go supervisor.Run(ctx)

	// Resilience stack.
	failures := failure.NewHandler(bus, logger)
	failures.Register(failure.CategoryBrowser, func(ctx context.Context, ev *failure.Event) error {
		supervisor.ReportCrash(ctx, "primary", ev.Message)
		return nil
	})
	degrader := degrade.NewCoordinator(degrade.DefaultStrategies(), logger)
	aborts := abort.NewManager(abort.NewMetricsWindow(time.Hour), saveStateAction(logger), bus, logger)
	policy := abort.DefaultFailureRatePolicy()
	policy.Conditions[0].Threshold = cfg.Resilience.AbortFailureRate
	policy.Conditions[0].WindowSeconds = cfg.Resilience.AbortWindowSeconds
	policy.CooldownSeconds = cfg.Resilience.AbortCooldownSeconds
	policy.MaxAbortsPerHour = cfg.Resilience.AbortMaxPerHour
	if err := aborts.AddPolicy(policy); err != nil {
		return err
	}
	go aborts.RunLoop(ctx, 30*time.Second)

	// Wire resolve outcomes into the resilience loop.
	unsubscribe := bus.Subscribe(func(ctx context.Context, ev events.Event) {
		switch ev.Kind {
		case events.SelectorResolved:
			aborts.Metrics().RecordOperation(true)
		case events.SelectorFailed:
			aborts.Metrics().RecordOperation(false)
		case events.FailureEvent:
			aborts.Metrics().RecordError()
			category, _ := ev.Detail["category"].(string)
			message, _ := ev.Detail["message"].(string)
			if jobID := ev.JobID; jobID != "" {
				degrader.ReportFailure(jobID, category, message)
			}
		}
	}, events.SelectorResolved, events.SelectorFailed, events.FailureEvent)
	defer unsubscribe()

	if cfg.Features.EnableHotReload && configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, bus, func(next *config.Config) {
				res.SetWeights(score.DefaultWeights())
				logger.Info("oddswatch: engine tunables reloaded",
					"per_strategy_timeout_ms", next.Engine.PerStrategyTimeoutMS,
					"batch_worker_cap", next.Engine.BatchWorkerCap)
			}, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("oddswatch: config watch stopped", "error", err)
			}
		}()
	}

	svc := &service{
		cfg:       cfg,
		logger:    logger,
		resolver:  res,
		stealth:   orchestrator,
		failures:  failures,
		degrader:  degrader,
		aborts:    aborts,
		registry:  registry,
		snapshots: snapshots,
		metrics:   store,
		proxies:   proxies,
	}
	return svc.serve(ctx)
}

// service is the wired root container. The scrape-side collaborators
// (resolver, stealth, failure handler, degradation coordinator) are
// handed to jobs started against this process; the ops surface serves
// the read side.
type service struct {
	cfg       *config.Config
	logger    *slog.Logger
	resolver  *resolver.Resolver
	stealth   *stealth.Orchestrator
	failures  *failure.Handler
	degrader  *degrade.Coordinator
	aborts    *abort.Manager
	registry  *selector.Registry
	snapshots *snapshot.Store
	metrics   *metrics.Store
	proxies   *proxy.Manager
}

func (s *service) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr: s.cfg.Ops.Listen,
		Handler: ops.NewRouter(ops.Deps{
			Registry:  s.registry,
			Snapshots: s.snapshots,
			Metrics:   s.metrics,
			Proxies:   s.proxies,
			Logger:    s.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("oddswatch: ops listening", "addr", s.cfg.Ops.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("oddswatch: ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("oddswatch: ops shutdown", "error", err)
	}
	s.logger.Info("oddswatch: stopped")
	return ctx.Err()
}

func buildProvider(cfg config.ProxyConfig) (proxy.Provider, error) {
	switch cfg.Provider {
	case "brightdata":
		return proxy.NewBrightData(cfg.Customer, cfg.Password, cfg.Zone), nil
	case "oxylabs":
		return proxy.NewOxyLabs(cfg.Customer, cfg.Password), nil
	case "mock":
		return proxy.NewMock(), nil
	}
	return nil, fmt.Errorf("oddswatch: unknown proxy provider %q", cfg.Provider)
}

// saveStateAction is the abort executor: it logs and relies on the
// progress trackers' snapshot rings for resumable state.
func saveStateAction(logger *slog.Logger) abort.ActionFunc {
	return func(ctx context.Context, action abort.Action, reason string) error {
		logger.Error("oddswatch: abort action", "action", action, "reason", reason)
		return nil
	}
}
