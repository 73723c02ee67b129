package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/errors"
	"github.com/migadu/livequery/pkg/health"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/pkg/resilient"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/server/cleaner"
	"github.com/migadu/livequery/server/httpapi"
	"github.com/migadu/livequery/store/backend"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

// services holds everything main has to tear down.
type services struct {
	store            *resilient.Store
	engine           *engine.Engine
	bridge           *bridge.Bridge
	cleanupWorker    *cleaner.CleanupWorker
	metricsCollector *metrics.Collector
	healthMonitor    *health.Monitor
	servers          sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("livequery version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livequery: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "livequery: error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("livequery starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	// Deferred in reverse: workers stop before the engine, the engine
	// before the store it reads from.
	defer svc.store.Close()
	defer svc.engine.Close()
	defer svc.healthMonitor.Stop()
	if svc.metricsCollector != nil {
		defer svc.metricsCollector.Stop()
	}
	if svc.cleanupWorker != nil {
		defer svc.cleanupWorker.Stop()
	}

	errChan := startServers(ctx, svc, cfg)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for servers to stop")

		done := make(chan struct{})
		go func() {
			svc.servers.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		code := errorHandler.WaitForExit()
		cancel()
		svc.engine.Close()
		svc.store.Close()
		os.Exit(code)
	}
}

// loadAndValidateConfig loads the configuration file and validates it. A
// missing default file means the built-in defaults are used.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// initializeServices opens the store and builds the engine and the
// background workers around it.
func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	st, err := backend.OpenResilient(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	logger.Info("Store opened", "backend", cfg.Store.Backend)

	eng := engine.New(st, engine.OptionsFromConfig(cfg.Engine))
	compiler := query.NewCompiler(query.Options{
		MaxTake:     cfg.Engine.MaxTake,
		DefaultTake: cfg.Engine.DefaultTake,
	})

	svc := &services{
		store:  st,
		engine: eng,
		bridge: bridge.New(eng, compiler),
	}

	svc.healthMonitor = health.NewMonitor()
	svc.healthMonitor.Register(health.StoreCheck(st))
	svc.healthMonitor.Register(health.BreakerCheck("store_read_breaker", st.ReadBreakerState))
	svc.healthMonitor.Start(ctx)

	if backend.KeepsChangeLog(st) {
		svc.cleanupWorker = cleaner.New(st, cfg.Store.GetCleanupInterval(), cfg.Store.GetChangeRetention())
		svc.cleanupWorker.Start(ctx)
	}

	if cfg.Metrics.Enabled {
		svc.metricsCollector = metrics.NewCollector(st, cfg.Metrics.GetCollectInterval())
		go svc.metricsCollector.Start(ctx)
	}
	return svc, nil
}

func startServers(ctx context.Context, svc *services, cfg config.Config) chan error {
	errChan := make(chan error, 2)

	svc.servers.Add(1)
	go func() {
		defer svc.servers.Done()
		options := httpapi.OptionsFromConfig(cfg.Server)
		options.Health = svc.healthMonitor
		httpapi.Start(ctx, svc.bridge, svc.store, options, errChan)
	}()

	if cfg.Metrics.Enabled {
		svc.servers.Add(1)
		go func() {
			defer svc.servers.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}
	return errChan
}

func startMetricsServer(ctx context.Context, metricsCfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(metricsCfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              metricsCfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", metricsCfg.Addr, "path", metricsCfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
