// Package app wires configuration into the two voxgate processes: the
// Gateway (client fabric + REST API) and the Agent (one persona speaking
// through the voice model).
//
// Both follow the same lifecycle: a New* constructor connects every
// subsystem synchronously and records closers, Run blocks until the context
// is cancelled, and Shutdown tears down in order under a deadline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/registry"
	reginmem "github.com/parlorbank/voxgate/internal/registry/inmem"
	regredis "github.com/parlorbank/voxgate/internal/registry/redis"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/memory/inmem"
	"github.com/parlorbank/voxgate/pkg/memory/postgres"
	memredis "github.com/parlorbank/voxgate/pkg/memory/redis"
)

// ErrDependencyUnavailable marks a required remote backend that could not be
// reached at startup while fallback is disabled. Binaries exit with a
// distinct code so orchestrators can tell misconfiguration from a crash.
var ErrDependencyUnavailable = errors.New("app: required dependency unavailable")

// NewLogger builds the process logger from config and installs it as the
// slog default.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case config.LogDebug:
		level = slog.LevelDebug
	case config.LogWarn:
		level = slog.LevelWarn
	case config.LogError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == config.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// buildSessionStore connects the configured session store and returns it
// with its metrics label and closer. An unreachable remote backend either
// degrades to the in-memory store or aborts startup, per store.fallback.
func buildSessionStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (memory.Store, string, func() error, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := newRedisClient(cfg.Store.Redis)
		store := memredis.New(client, memredis.WithKeyPrefix(cfg.Store.Redis.KeyPrefix))
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return fallbackStore(cfg, log, "redis", err)
		}
		log.Info("session store connected", "backend", "redis", "addr", cfg.Store.Redis.Addr)
		return store, "redis", client.Close, nil

	case config.StorePostgres:
		store, err := postgres.New(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return fallbackStore(cfg, log, "postgres", err)
		}
		log.Info("session store connected", "backend", "postgres")
		return store, "postgres", store.Close, nil

	default:
		store := inmem.New()
		return store, "inmem", store.Close, nil
	}
}

// fallbackStore resolves a failed remote store connection according to the
// configured policy.
func fallbackStore(cfg *config.Config, log *slog.Logger, backend string, cause error) (memory.Store, string, func() error, error) {
	if cfg.Store.Fallback == config.FallbackNone {
		return nil, "", nil, fmt.Errorf("session store %s: %w: %w", backend, ErrDependencyUnavailable, cause)
	}
	log.Warn("session store unreachable, starting on the in-memory store",
		"backend", backend, "error", cause)
	store := inmem.New()
	return store, "inmem", store.Close, nil
}

// buildRegistry connects the configured agent registry. The redis registry
// reuses the store's connection settings when none of its own are given.
// There is no in-memory fallback: a gateway that cannot see its registry
// cannot route, so an unreachable backend aborts startup.
func buildRegistry(ctx context.Context, cfg *config.Config, log *slog.Logger) (registry.Store, func() error, error) {
	switch cfg.Registry.Backend {
	case config.RegistryRedis:
		rcfg := cfg.Registry.Redis
		if rcfg.Addr == "" {
			rcfg = cfg.Store.Redis
		}
		client := newRedisClient(rcfg)
		store := regredis.New(client,
			regredis.WithKeyPrefix(rcfg.KeyPrefix),
			regredis.WithHealthyWindow(cfg.Registry.HealthyWindow()),
		)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("agent registry redis: %w: %w", ErrDependencyUnavailable, err)
		}
		log.Info("agent registry connected", "backend", "redis", "addr", rcfg.Addr)
		return store, client.Close, nil

	default:
		store := reginmem.New(reginmem.WithHealthyWindow(cfg.Registry.HealthyWindow()))
		return store, func() error { return nil }, nil
	}
}

// runClosers executes closers in order, honouring the shutdown deadline.
func runClosers(ctx context.Context, log *slog.Logger, closers []func() error) error {
	for i, closer := range closers {
		select {
		case <-ctx.Done():
			log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			log.Warn("closer error", "index", i, "error", err)
		}
	}
	return nil
}
