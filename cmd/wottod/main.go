// Command wottod runs a minimal HTTP admin surface over a wotto
// service: load, unload, run, and alias endpoints, plus health and
// metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wottorun/wotto/internal/config"
	"github.com/wottorun/wotto/internal/logging"
	"github.com/wottorun/wotto/internal/logsink"
	"github.com/wottorun/wotto/internal/metrics"
	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/observability"
	"github.com/wottorun/wotto/internal/ratelimit"
	"github.com/wottorun/wotto/internal/service"
	"github.com/wottorun/wotto/internal/store"
	"github.com/wottorun/wotto/internal/webload"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to config file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Observability.Tracing.Enabled {
		if err := observability.Init(ctx, observability.Config{
			Enabled:     true,
			Exporter:    cfg.Observability.Tracing.Exporter,
			Endpoint:    cfg.Observability.Tracing.Endpoint,
			ServiceName: cfg.Observability.Tracing.ServiceName,
			SampleRate:  cfg.Observability.Tracing.SampleRate,
		}); err != nil {
			logging.Op().Error("init tracing", "error", err)
		}
		defer func() { _ = observability.Shutdown(context.Background()) }()
	}

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

	var auditLog logsink.LogSink
	var pgStore *store.Store
	if cfg.LogSink.Enabled {
		var err error
		pgStore, err = store.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect audit log store:", err)
			os.Exit(1)
		}
		auditLog = logsink.NewPostgresSink(pgStore)
	}

	svc, err := service.New(ctx, service.Config{
		MaxConcurrentInvocations: cfg.Service.MaxConcurrentInvocations,
		InvocationTimeout:        cfg.Service.InvocationTimeout,
		EpochTickInterval:        cfg.Service.EpochTickInterval,
		MemoryLimitPages:         cfg.Service.MemoryLimitPages,
		TableLimitElements:       cfg.Service.TableLimitElements,
		OutputCapacityBytes:      cfg.Service.OutputCapacityBytes,
	}, resolver, limiter, auditLog, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build service:", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
		if pgStore != nil {
			_ = pgStore.Close()
		}
	}()

	mux := newMux(svc)
	var handler http.Handler = mux
	if limiter != nil {
		handler = ratelimit.Middleware(limiter, []string{"/healthz", "/metrics"})(handler)
	}
	handler = observability.HTTPMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.Daemon.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logging.Op().Info("wottod listening", "addr", cfg.Daemon.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("http server", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newMux(svc *service.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.HandleFunc("POST /load", handleLoadFromURL(svc))
	mux.HandleFunc("POST /load/{name}", handleLoadBytes(svc))
	mux.HandleFunc("POST /reload/{name}", handleReload(svc))
	mux.HandleFunc("POST /unload/{name}", handleUnload(svc))
	mux.HandleFunc("POST /run/{name}/{entry}", handleRun(svc))
	mux.HandleFunc("POST /alias/{short}", handleAliasAdd(svc))
	mux.HandleFunc("DELETE /alias/{short}", handleAliasRemove(svc))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type loadURLRequest struct {
	URL string `json:"url"`
}

type loadResponse struct {
	FQN string `json:"fqn"`
}

func handleLoadFromURL(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loadURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		fqn, err := svc.LoadFromURL(r.Context(), req.URL)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, loadResponse{FQN: string(fqn)})
	}
}

func handleLoadBytes(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		wasmBytes, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		canonical, err := names.CanonicalNameFromString(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		fqn, err := svc.LoadBytes(r.Context(), names.Builtin, "", canonical, wasmBytes)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, loadResponse{FQN: string(fqn)})
	}
}

func handleReload(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		fqn, err := svc.Load(r.Context(), name)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, loadResponse{FQN: string(fqn)})
	}
}

func handleUnload(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := svc.Unload(r.Context(), name); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type runResponse struct {
	Output []byte `json:"output"`
}

func handleRun(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		entry := r.PathValue("entry")
		input, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := svc.Run(r.Context(), name, entry, input)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse{Output: result.Output})
	}
}

func handleAliasAdd(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		short := r.PathValue("short")
		var req loadResponse // reuse {"fqn": "..."} shape as the alias target
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := svc.AddAlias(short, req.FQN); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAliasRemove(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.RemoveAlias(r.PathValue("short"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrModuleNotFound), errors.Is(err, service.ErrFunctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrTimedOut):
		return http.StatusGatewayTimeout
	default:
		var invalidURL *service.InvalidURLError
		if errors.As(err, &invalidURL) {
			return http.StatusBadRequest
		}
		var gone *service.ModuleGoneError
		if errors.As(err, &gone) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
