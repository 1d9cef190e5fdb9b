// Package service implements the Service façade: the single entry point
// front-ends (CLI, daemon, console) call to load, alias, unload, and run
// modules. It owns the registry, alias book, resolver, and Wasm host,
// and enforces the concurrency and error-propagation rules every caller
// shares.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/wottorun/wotto/internal/alias"
	"github.com/wottorun/wotto/internal/epochtimer"
	"github.com/wottorun/wotto/internal/logging"
	"github.com/wottorun/wotto/internal/logsink"
	"github.com/wottorun/wotto/internal/metrics"
	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/ratelimit"
	"github.com/wottorun/wotto/internal/registry"
	"github.com/wottorun/wotto/internal/store"
	"github.com/wottorun/wotto/internal/wasmhost"
	"github.com/wottorun/wotto/internal/webload"
)

// Config tunes the façade's concurrency and resource limits.
type Config struct {
	MaxConcurrentInvocations int64
	InvocationTimeout        time.Duration
	EpochTickInterval        time.Duration
	MemoryLimitPages         uint32
	TableLimitElements       uint32
	OutputCapacityBytes      int
}

// compiledModuleHandle is the registry's value type: a compiled module
// plus the source it was last (re)loaded from, so a reload attempt can
// tell whether the backing URL has gone away.
type compiledModuleHandle struct {
	compiled  wazero.CompiledModule
	sourceURL string // empty for modules installed directly from bytes
}

// moduleResolver is the narrow view of *webload.Resolver the façade
// needs, so tests can substitute a stub without a real builtin/gist
// loader behind it.
type moduleResolver interface {
	Resolve(ctx context.Context, rawURL string) (webload.ResolvedModule, error)
}

// Service is the module lifecycle façade.
type Service struct {
	cfg Config

	registry *registry.Registry[names.FQN, compiledModuleHandle]
	aliases  *alias.Book
	resolver moduleResolver
	host     *wasmhost.Host
	timer    *epochtimer.Timer
	sem      *semaphore.Weighted
	limiter  *ratelimit.Limiter // optional; nil disables rate limiting
	logger   *logging.Logger
	auditLog logsink.LogSink // optional; nil disables invocation audit persistence
}

// New builds a Service. limiter may be nil to disable rate limiting;
// auditLog may be nil to disable invocation audit persistence.
func New(ctx context.Context, cfg Config, resolver moduleResolver, limiter *ratelimit.Limiter, auditLog logsink.LogSink, onPrint wasmhost.PrintFunc) (*Service, error) {
	host, err := wasmhost.New(ctx, wasmhost.Limits{
		MemoryPages: cfg.MemoryLimitPages,
		TableLimit:  cfg.TableLimitElements,
		OutputCap:   cfg.OutputCapacityBytes,
	}, onPrint)
	if err != nil {
		return nil, fmt.Errorf("build wasm host: %w", err)
	}

	return &Service{
		cfg:      cfg,
		registry: registry.New[names.FQN, compiledModuleHandle](),
		aliases:  alias.New(),
		resolver: resolver,
		host:     host,
		timer:    epochtimer.New(cfg.EpochTickInterval),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentInvocations),
		limiter:  limiter,
		logger:   logging.Default(),
		auditLog: auditLog,
	}, nil
}

// Close releases the Wasm host, stops the epoch timer, and closes the
// audit log sink if one was configured.
func (s *Service) Close(ctx context.Context) error {
	s.timer.Stop()
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	return s.host.Close(ctx)
}

// LoadBytes compiles wasmBytes and inserts it into the registry under
// the FQN formed from domain/user/canonical. Used for builtin bytes
// already read from disk and for any other direct-bytes entry point.
// The installed entry carries no stored URL, so a later Load reload
// call against its FQN fails ErrModuleNotFound.
func (s *Service) LoadBytes(ctx context.Context, domain names.Domain, user string, canonical names.CanonicalName, wasmBytes []byte) (names.FQN, error) {
	fqn := names.NewFQN(domain, canonical, user)
	if err := s.compileAndStore(ctx, fqn, wasmBytes, ""); err != nil {
		return "", err
	}
	metrics.Global().RecordModuleLoaded()
	return fqn, nil
}

// LoadFromURL resolves rawURL, fetches its content, and inserts the
// compiled module into the registry under the FQN derived from the
// resolved module's domain/user/name.
func (s *Service) LoadFromURL(ctx context.Context, rawURL string) (names.FQN, error) {
	resolved, err := s.resolver.Resolve(ctx, rawURL)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}
	if err := resolved.EnsureContent(ctx); err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}
	content, ok := resolved.Content()
	if !ok {
		return "", &InvalidURLError{URL: rawURL, Err: ErrContentUnavailable}
	}

	canonical, err := names.CanonicalNameFromString(resolved.Name())
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}
	fqn := names.NewFQN(resolved.Domain(), canonical, resolved.User())

	if err := s.compileAndStore(ctx, fqn, content, rawURL); err != nil {
		return "", err
	}
	metrics.Global().RecordModuleLoaded()
	return fqn, nil
}

// Load reloads name's module from the URL it was last loaded from. It
// write-locks the registry entry for the duration of the re-resolve so
// no Run call can observe a half-replaced module, re-resolves from the
// entry's stored URL, and recomputes the FQN the fetched module would
// now carry. A mismatch against name fails ModuleGoneError without
// touching the existing slot; an entry with no stored URL (one
// installed via LoadBytes, or never loaded at all) fails
// ErrModuleNotFound.
func (s *Service) Load(ctx context.Context, name string) (names.FQN, error) {
	fqn, err := names.ParseFQN(name)
	if err != nil {
		return "", ErrModuleNotFound
	}

	guard := s.registry.LockEntryMut(fqn)
	defer guard.Unlock()

	handle, ok := guard.Get()
	if !ok || handle.sourceURL == "" {
		return "", ErrModuleNotFound
	}

	resolved, err := s.resolver.Resolve(ctx, handle.sourceURL)
	if err != nil {
		return "", &InvalidURLError{URL: handle.sourceURL, Err: err}
	}
	if err := resolved.EnsureContent(ctx); err != nil {
		return "", &InvalidURLError{URL: handle.sourceURL, Err: err}
	}
	content, ok := resolved.Content()
	if !ok {
		return "", &InvalidURLError{URL: handle.sourceURL, Err: ErrContentUnavailable}
	}

	canonical, err := names.CanonicalNameFromString(resolved.Name())
	if err != nil {
		return "", &InvalidURLError{URL: handle.sourceURL, Err: err}
	}
	reloadedFQN := names.NewFQN(resolved.Domain(), canonical, resolved.User())
	if reloadedFQN != fqn {
		return "", &ModuleGoneError{Name: string(fqn), URL: handle.sourceURL}
	}

	compiled, err := s.host.Compile(ctx, content)
	if err != nil {
		return "", err
	}
	_ = handle.compiled.Close(ctx)
	guard.Set(compiledModuleHandle{compiled: compiled, sourceURL: handle.sourceURL})
	metrics.Global().RecordModuleLoaded()
	return fqn, nil
}

func (s *Service) compileAndStore(ctx context.Context, fqn names.FQN, wasmBytes []byte, sourceURL string) error {
	compiled, err := s.host.Compile(ctx, wasmBytes)
	if err != nil {
		return err
	}

	guard := s.registry.LockEntryMut(fqn)
	defer guard.Unlock()
	if old, ok := guard.Get(); ok {
		_ = old.compiled.Close(ctx)
	}
	guard.Set(compiledModuleHandle{compiled: compiled, sourceURL: sourceURL})
	return nil
}

// Unload removes ref (an FQN string or alias) from the registry,
// releasing its compiled module and removing any alias chain pointing
// at it. Safe to call while readers hold run-time guards on the entry:
// the registry only returns the handle to TakeEntry once no RLock is
// outstanding, so the compiled module is closed only after every
// in-flight Run has finished reading it.
func (s *Service) Unload(ctx context.Context, ref string) error {
	fqn, err := s.resolveName(ref)
	if err != nil {
		return err
	}
	handle, ok := s.registry.TakeEntry(fqn)
	if !ok {
		return ErrModuleNotFound
	}
	s.aliases.RemoveTarget(fqn)
	err = handle.compiled.Close(ctx)
	metrics.Global().RecordModuleUnloaded()
	return err
}

// AddAlias records short as an alias for target, which must already
// name a loaded module or an existing alias.
func (s *Service) AddAlias(short, target string) error {
	fqn, err := s.resolveName(target)
	if err != nil {
		return err
	}
	if !s.registry.ContainsKey(fqn) {
		return ErrModuleNotFound
	}
	s.aliases.Add(short, fqn)
	return nil
}

// RemoveAlias deletes short, transitively removing any alias that
// would otherwise dangle.
func (s *Service) RemoveAlias(short string) {
	s.aliases.Remove(short)
}

// resolveName parses ref as an FQN, or — if it isn't one but resolves
// through the alias book — returns the alias's target.
func (s *Service) resolveName(ref string) (names.FQN, error) {
	if target, ok := s.aliases.Resolve(ref); ok {
		return target, nil
	}
	fqn, err := names.ParseFQN(ref)
	if err != nil {
		return "", ErrModuleNotFound
	}
	return fqn, nil
}

// Result is the outcome of a successful Run.
type Result struct {
	Output []byte
}

// Run resolves name (through the alias book if needed), waits for its
// registry entry, and calls entryPoint inside a fresh sandboxed
// instance under cfg.InvocationTimeout. Every exit path releases the
// epoch guard before the concurrency permit, in that order, matching
// the acquire order (permit, then epoch guard) used on the way in.
func (s *Service) Run(ctx context.Context, name, entryPoint string, input []byte) (*Result, error) {
	fqn, err := s.resolveName(name)
	if err != nil {
		return nil, err
	}

	guard, ok := s.registry.WaitEntry(fqn)
	if !ok {
		return nil, ErrModuleNotFound
	}
	handle, ok := guard.Get()
	guard.Unlock()
	if !ok {
		return nil, ErrModuleNotFound
	}

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, ratelimit.KeyForCaller(string(fqn)), "default")
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !res.Allowed {
			return nil, ErrRateLimited
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	epochGuard := s.timer.Start()
	defer epochGuard.Release()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.InvocationTimeout)
	defer cancel()

	start := time.Now()
	result, runErr := s.host.Run(runCtx, wasmhost.Invocation{
		Compiled:   handle.compiled,
		EntryPoint: entryPoint,
		Input:      input,
		OutputCap:  s.cfg.OutputCapacityBytes,
	})
	duration := time.Since(start)

	outcome, success := classifyOutcome(runErr)
	outputSize := 0
	if result != nil {
		outputSize = len(result.Output)
	}
	metrics.Global().RecordInvocation(string(fqn), entryPoint, outcome, duration.Milliseconds(), false, success)
	s.logger.Log(&logging.RequestLog{
		Timestamp:  start,
		Module:     string(fqn),
		EntryPoint: entryPoint,
		DurationMs: duration.Milliseconds(),
		Success:    success,
		Outcome:    outcome,
		InputSize:  len(input),
	})
	if s.auditLog != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.auditLog.Save(saveCtx, &store.InvocationLog{
				ID:         uuid.NewString(),
				FQN:        string(fqn),
				EntryPoint: entryPoint,
				DurationMs: duration.Milliseconds(),
				Compiled:   false,
				Success:    success,
				Outcome:    outcome,
				Error:      errMsg,
				InputSize:  len(input),
				OutputSize: outputSize,
				CreatedAt:  start,
			})
		}()
	}

	if runErr != nil {
		return nil, translateHostError(runErr)
	}
	return &Result{Output: result.Output}, nil
}

func classifyOutcome(err error) (outcome string, success bool) {
	switch err {
	case nil:
		return "ok", true
	case wasmhost.ErrTimedOut:
		return "timeout", false
	case wasmhost.ErrFunctionNotFound, wasmhost.ErrWrongFunctionType, wasmhost.ErrMemoryNotExported:
		return "error", false
	default:
		return "trap", false
	}
}

func translateHostError(err error) error {
	switch err {
	case wasmhost.ErrTimedOut:
		return ErrTimedOut
	case wasmhost.ErrFunctionNotFound:
		return ErrFunctionNotFound
	case wasmhost.ErrWrongFunctionType:
		return ErrWrongFunctionType
	case wasmhost.ErrMemoryNotExported:
		return ErrMemoryNotExported
	}
	if aborted, ok := err.(*wasmhost.ErrAborted); ok {
		return &WasmError{Err: aborted}
	}
	return &WasmError{Err: err}
}
