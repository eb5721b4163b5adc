// Command bugfixd runs the bug-fix task daemon: it drains the task queue
// with a worker pool, drives each task through the plan/code/review/test
// state machine, and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bugfixd/pkg/config"
	"bugfixd/pkg/llm"
	"bugfixd/pkg/logx"
	"bugfixd/pkg/metrics"
	"bugfixd/pkg/orchestrator"
	"bugfixd/pkg/queue"
	"bugfixd/pkg/sandbox"
	"bugfixd/pkg/store"
	"bugfixd/pkg/worker"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bugfixd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging for all components")
	flag.Parse()

	if debug {
		logx.SetDebug(true)
	}
	logger := logx.NewLogger("bugfixd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	taskStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		return logx.Wrap(err, "opening task store")
	}
	defer func() {
		if cerr := taskStore.Close(); cerr != nil {
			logger.Error("Closing task store: %v", cerr)
		}
	}()

	client, err := llm.NewClient(cfg.ClientConfig())
	if err != nil {
		return logx.Wrap(err, "creating generation client")
	}

	recorder := metrics.NewRecorder()

	executor := sandbox.NewDockerExec()
	slots := sandbox.NewSlotPool(cfg.Sandbox.Slots, cfg.Sandbox.SlotTimeout)
	engine := sandbox.NewEngine(executor, slots, sandbox.EngineConfig{
		Limits: sandbox.ResourceLimits{
			CPUs:   cfg.Sandbox.CPUs,
			Memory: cfg.Sandbox.Memory,
			PIDs:   cfg.Sandbox.PIDs,
		},
		CloneTimeout:  cfg.Sandbox.CloneTimeout,
		TestTimeout:   cfg.Sandbox.TestTimeout,
		WorkspaceRoot: cfg.Sandbox.WorkspaceDir,
		SlotsObserver: recorder.SetSlotsInUse,
	})
	orch := orchestrator.New(taskStore, orchestrator.NewEngineAdapter(engine), client, recorder, orchestrator.DefaultConfig())

	q := queue.New(cfg.Queue.VisibilityTimeout)
	pool := worker.New(taskStore, q, orch, worker.ReconcilerFunc(sandbox.ReconcileStale), cfg.Workers.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(ctx); err != nil {
		return logx.Wrap(err, "starting worker pool")
	}

	metricsServer := serveMetrics(cfg.Metrics.ListenAddr, logger)

	logger.Info("bugfixd running: %d workers, %d sandbox slots, provider %s",
		cfg.Workers.Concurrency, cfg.Sandbox.Slots, cfg.LLM.Provider)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	q.Close()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("Worker pool shutdown: %v", err)
	}
	if err := executor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sandbox shutdown: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown: %v", err)
		}
	}

	logger.Info("bugfixd stopped")
	return nil
}

// serveMetrics exposes /metrics on the configured address. Returns nil
// when metrics serving is disabled.
func serveMetrics(addr string, logger *logx.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server: %v", err)
		}
	}()
	logger.Info("Metrics listening on %s", addr)
	return srv
}
