package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/gateway"
	"github.com/parlorbank/voxgate/internal/persona"
	"github.com/parlorbank/voxgate/internal/sessions"
)

// httpShutdownTimeout bounds the drain of in-flight HTTP requests when Run
// stops serving.
const httpShutdownTimeout = 5 * time.Second

// Gateway is the voxgate process: the session service over its store, the
// agent registry, the persona catalog, and the HTTP surface tying them
// together.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	sessions *sessions.Service
	server   *gateway.Server
	http     *http.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// NewGateway connects every gateway subsystem from config. On error nothing
// is left running.
func NewGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	g := &Gateway{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = runClosers(sctx, log, g.closers)
		}
	}()

	// ── 1. Session store ─────────────────────────────────────────────────
	store, label, closeStore, err := buildSessionStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: init session store: %w", err)
	}
	g.closers = append(g.closers, closeStore)

	// ── 2. Agent registry ────────────────────────────────────────────────
	reg, closeReg, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: init agent registry: %w", err)
	}
	g.closers = append(g.closers, closeReg)

	// ── 3. Session service ───────────────────────────────────────────────
	g.sessions = sessions.New(store, reg,
		sessions.WithBackendLabel(label),
		sessions.WithGracePeriod(cfg.Gateway.DisconnectGrace()),
	)
	g.closers = append(g.closers, g.sessions.Close)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	catalog := persona.NewCatalog(cfg.Gateway.PersonaDir, persona.WithCatalogLogger(log))
	g.server = gateway.New(cfg.Gateway, g.sessions, reg, catalog, gateway.WithLogger(log))
	g.closers = append(g.closers, g.server.Close)

	g.http = &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           g.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return g, nil
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.log.Info("gateway listening",
			"addr", g.cfg.Gateway.ListenAddr,
			"defaultWorkflow", g.cfg.Gateway.DefaultWorkflow)
		if err := g.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: gateway http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := g.http.Shutdown(sctx); err != nil {
			g.log.Warn("http shutdown", "error", err)
		}
		return ctx.Err()
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in order, honouring the context
// deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		g.log.Info("gateway shutting down", "closers", len(g.closers))
		err = runClosers(ctx, g.log, g.closers)
	})
	return err
}

// Degraded reports whether the session service is running on its in-process
// fallback store.
func (g *Gateway) Degraded() bool {
	return g.sessions.Degraded()
}
