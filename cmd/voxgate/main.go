// Command voxgate is the client-facing gateway: it terminates browser
// WebSockets, routes sessions to specialist agents, and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parlorbank/voxgate/internal/app"
	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "configs/voxgate.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", "", "optional .env file loaded before the config is read")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "voxgate: load env file: %v\n", err)
			return 1
		}
	} else {
		// A .env beside the binary is optional.
		_ = godotenv.Load()
	}

	// ── Load configuration ─────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/voxgate.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg)
	log.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", cfg.Gateway.ListenAddr,
		"store", cfg.Store.Backend,
		"registry", cfg.Registry.Backend,
		"default_workflow", cfg.Gateway.DefaultWorkflow,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
	if err != nil {
		log.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ────────────────────────────────────────────────────────────
	gw, err := app.NewGateway(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise gateway", "err", err)
		if errors.Is(err, app.ErrDependencyUnavailable) {
			return 2
		}
		return 1
	}
	if gw.Degraded() {
		log.Warn("running degraded: sessions are on the in-memory store and will not survive a restart")
	}

	log.Info("gateway ready — press Ctrl+C to shut down")
	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutdown signal received, stopping…")
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
		return 1
	}
	log.Info("goodbye")
	return 0
}
