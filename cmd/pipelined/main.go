// Command pipelined runs the pipeline orchestration daemon: it loads
// configuration, wires the state store, vault, provider adapters, executor,
// queue, scheduler and pairing manager together, runs startup recovery, and
// serves the HTTP API until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fyreflow/pipeliner/internal/artifacts"
	"github.com/fyreflow/pipeliner/internal/executor"
	"github.com/fyreflow/pipeliner/internal/httpapi"
	"github.com/fyreflow/pipeliner/internal/logging"
	"github.com/fyreflow/pipeliner/internal/pairing"
	"github.com/fyreflow/pipeliner/internal/pconfig"
	"github.com/fyreflow/pipeliner/internal/preflight"
	"github.com/fyreflow/pipeliner/internal/provider"
	"github.com/fyreflow/pipeliner/internal/queue"
	"github.com/fyreflow/pipeliner/internal/recovery"
	"github.com/fyreflow/pipeliner/internal/scheduler"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/internal/steprunner"
	"github.com/fyreflow/pipeliner/internal/telemetry"
	"github.com/fyreflow/pipeliner/internal/vault"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to pipelined.yaml")
		port        = flag.Int("port", 0, "Override the configured listen port")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipelined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := logging.New(logging.FromEnv())
	slog.SetDefault(logger)

	cfg, err := pconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("pipelined exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, cfg *pconfig.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := pconfig.WatchFile(configPath, logger, func(reloaded *pconfig.Config) {
		logger.Info("reloaded configuration from disk; restart pipelined to apply most changes",
			slog.Int("catchup_window_minutes", reloaded.Scheduler.CatchupWindowMinutes))
	})
	if err != nil {
		logger.Warn("failed to watch config file for changes", slog.Any("error", err))
	}
	if watcher != nil {
		defer watcher.Close()
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	v, err := vault.New(cfg.Storage.DataDir, cfg.Vault.MasterKey)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	artifactStore, err := artifacts.New(filepath.Join(cfg.Storage.DataDir, "artifacts"))
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	resolver := provider.NewEnvCredentialResolver()
	dispatcher := provider.NewDispatcher(map[string]provider.Adapter{
		"codex":  provider.NewCodexAdapter(logger),
		"claude": provider.NewClaudeAdapter(logger),
	}, resolver)

	runner := steprunner.New(dispatcher)

	telemetryProvider, err := telemetry.New(telemetry.Config{
		ServiceName:    "pipelined",
		ServiceVersion: version,
		Console:        cfg.Log.Format == "text",
	})
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	exec := &executor.Executor{
		Store:     store,
		Runner:    runner,
		Artifacts: artifactStore,
		Clock:     executor.SystemClock{},
		Logger:    logger,
		Tracer:    telemetryProvider.Tracer("pipeliner/executor"),
	}

	q := queue.New(store, exec, logger, queue.DefaultConcurrency)
	defer q.Shutdown()

	launcher := &queue.Launcher{
		Queue:     q,
		Vault:     v,
		Preflight: &preflight.Evaluator{Store: store},
	}

	sweeper := &recovery.Sweeper{Store: store, Launcher: launcher}
	result, err := sweeper.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info("startup recovery complete",
		slog.Int("requeued", result.Requeued),
		slog.Int("left_as_is", result.LeftAsIs),
		slog.Int("orphaned", result.Orphaned),
	)

	sched := &scheduler.Scheduler{
		Store:            store,
		Launcher:         launcher,
		Logger:           logger,
		CatchupWindowMin: cfg.Scheduler.CatchupWindowMinutes,
	}
	sched.Start(ctx)
	defer sched.Stop()

	adminKey := []byte(cfg.Vault.MasterKey)
	if len(adminKey) == 0 {
		adminKey = []byte("pipeliner-dev-admin-key")
	}
	pairingMgr := pairing.NewManager(cfg.Server.AllowRemote, adminKey, pairing.SystemClock{})

	srv := httpapi.NewServer(&httpapi.Server{
		Store:     store,
		Launcher:  launcher,
		Queue:     q,
		Scheduler: sched,
		Pairing:   pairingMgr,
		Logger:    logger,
		Info: httpapi.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		},
		Metrics: telemetryProvider.MetricsHandler(),
	}, cfg.Server.DashboardToken, cfg.Server.CORSOrigins)

	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	if cfg.Server.AllowRemote {
		addr = fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Warn("server.allow_remote is enabled; binding to all interfaces")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	logger.Info("pipelined starting", slog.String("version", version), slog.String("addr", ln.Addr().String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), pconfig.ShutdownGrace)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStateStore(cfg *pconfig.Config) (statestore.StateStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return statestore.NewMemory(), nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, err
		}
		return statestore.NewSQLite(filepath.Join(cfg.Storage.DataDir, "pipeliner.db"))
	}
}
