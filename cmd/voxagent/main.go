// Command voxagent runs one specialist persona: it serves the WebSocket
// endpoint the gateway dials and keeps itself registered with the gateway.
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
	configPath := flag.String("config", "configs/voxagent.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", "", "optional .env file loaded before the config is read")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "voxagent: load env file: %v\n", err)
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	// ── Load configuration ─────────────────────────────────────────────────────
	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxagent: config file %q not found — copy configs/voxagent.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxagent: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg)
	log.Info("voxagent starting",
		"config", *configPath,
		"agent", cfg.Agent.ID,
		"listen_addr", cfg.Agent.ListenAddr,
		"gateway", cfg.Agent.GatewayURL,
		"mode", cfg.Agent.Mode,
		"tools", cfg.Tools.Backend,
		"reasoner", cfg.Reasoner.Backend,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxagent"})
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
	agent, err := app.NewAgent(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise agent", "err", err)
		if errors.Is(err, app.ErrDependencyUnavailable) {
			return 2
		}
		return 1
	}

	log.Info("agent ready — press Ctrl+C to shut down")
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutdown signal received, stopping…")
	if err := agent.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
		return 1
	}
	log.Info("goodbye")
	return 0
}
