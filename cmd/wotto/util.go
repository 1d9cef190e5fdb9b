package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wottorun/wotto/internal/config"
	"github.com/wottorun/wotto/internal/logsink"
	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/ratelimit"
	"github.com/wottorun/wotto/internal/service"
	"github.com/wottorun/wotto/internal/store"
	"github.com/wottorun/wotto/internal/webload"
)

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// newService builds a Service from cfg, wiring the resolver and an
// optional rate limiter. The returned cleanup must be called once the
// service is no longer needed.
func newService(ctx context.Context, cfg *config.Config) (*service.Service, func(), error) {
	resolver := webload.NewResolver(cfg.Webload.BuiltinDir, cfg.Webload.CredentialsFile)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		backend := ratelimit.NewLocalTokenBucketBackend()
		tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimit.Tiers))
		for name, t := range cfg.RateLimit.Tiers {
			tiers[name] = ratelimit.TierConfig{RequestsPerSecond: t.RequestsPerSecond, BurstSize: t.BurstSize}
		}
		defaultTier := ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Default.BurstSize,
		}
		limiter = ratelimit.New(backend, tiers, defaultTier)
	}

	svcCfg := service.Config{
		MaxConcurrentInvocations: cfg.Service.MaxConcurrentInvocations,
		InvocationTimeout:        cfg.Service.InvocationTimeout,
		EpochTickInterval:        cfg.Service.EpochTickInterval,
		MemoryLimitPages:         cfg.Service.MemoryLimitPages,
		TableLimitElements:       cfg.Service.TableLimitElements,
		OutputCapacityBytes:      cfg.Service.OutputCapacityBytes,
	}

	var auditLog logsink.LogSink
	var pgStore *store.Store
	if cfg.LogSink.Enabled {
		var err error
		pgStore, err = store.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect audit log store: %w", err)
		}
		auditLog = logsink.NewPostgresSink(pgStore)
	}

	svc, err := service.New(ctx, svcCfg, resolver, limiter, auditLog, nil)
	if err != nil {
		if pgStore != nil {
			_ = pgStore.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
		if pgStore != nil {
			_ = pgStore.Close()
		}
	}
	return svc, cleanup, nil
}

// namesBuiltinOrGithub derives a module's domain and user from a local
// path-derived name: a "user/module" shape is treated as a checked-out
// gist namespace, anything else as a builtin.
func namesBuiltinOrGithub(name string) (names.Domain, string) {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return names.Github, name[:idx]
	}
	return names.Builtin, ""
}

func canonicalName(name string) (names.CanonicalName, error) {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return names.CanonicalNameFromString(name)
}
