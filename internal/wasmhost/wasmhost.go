// Package wasmhost wraps wazero to give every module invocation its own
// isolated store: bounded input/output buffers, a memory page limit,
// and a wall-clock deadline enforced through context cancellation
// rather than an explicit epoch counter.
//
// wazero has no engine-wide increment_epoch API; RuntimeConfig's
// WithCloseOnContextDone, combined with a context.WithTimeout wrapped
// around each ExportedFunction.Call, gives the same "abort a runaway
// guest without tearing down the whole process" guarantee.
package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

const hostNamespace = "wotto"

// ErrMemoryNotExported is returned when a compiled module has no
// exported linear memory, which every guest here is required to have.
var ErrMemoryNotExported = errors.New("module does not export memory")

// ErrAborted wraps a guest-initiated env.abort call.
type ErrAborted struct {
	Message string
	File    string
	Line    uint32
	Col     uint32
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("aborted: %s (%s:%d:%d)", e.Message, e.File, e.Line, e.Col)
}

// Limits bounds the resource usage of every module instantiated by a
// Host. MemoryPages is enforced by the wazero runtime itself;
// TableLimit is advisory (wazero has no public per-table cap) and is
// recorded for observability only; OutputCap bounds a single
// invocation's accumulated output.
type Limits struct {
	MemoryPages uint32
	TableLimit  uint32
	OutputCap   int
}

// RuntimeData is the per-invocation store: the guest's input and a
// capacity-bounded output accumulator. Neither is shared across
// invocations.
type RuntimeData struct {
	Input   []byte
	Output  []byte
	cap     int
	aborted *ErrAborted // set by hostAbort before it panics with sys.NewExitError
}

func newRuntimeData(input []byte, outputCap int) *RuntimeData {
	return &RuntimeData{Input: input, cap: outputCap}
}

// appendOutput appends data to Output, truncating at cap. A multi-byte
// UTF-8 sequence that would straddle the boundary is dropped whole
// rather than split, so Output is always valid UTF-8 on truncation.
func (r *RuntimeData) appendOutput(data []byte) {
	room := r.cap - len(r.Output)
	if room <= 0 {
		return
	}
	if len(data) <= room {
		r.Output = append(r.Output, data...)
		return
	}
	truncated := data[:room]
	for !utf8.Valid(truncated) {
		rn, size := utf8.DecodeLastRune(truncated)
		if rn != utf8.RuneError || size != 1 {
			break
		}
		truncated = truncated[:len(truncated)-1]
	}
	r.Output = append(r.Output, truncated...)
}

type runtimeDataKey struct{}

func withRuntimeData(ctx context.Context, rd *RuntimeData) context.Context {
	return context.WithValue(ctx, runtimeDataKey{}, rd)
}

func runtimeDataFromContext(ctx context.Context) *RuntimeData {
	rd, _ := ctx.Value(runtimeDataKey{}).(*RuntimeData)
	return rd
}

// PrintFunc receives decoded text from the guest's print() calls.
type PrintFunc func(text string)

// Host owns the wazero runtime and the shared "wotto" host module. One
// Host serves every loaded module; invocations are isolated through
// per-call RuntimeData and a dedicated wazero module instance.
type Host struct {
	runtime wazero.Runtime
	onPrint PrintFunc
	limits  Limits
}

// New builds a Host whose runtime enforces limits.MemoryPages on every
// instantiated module. onPrint, if nil, discards printed text.
func New(ctx context.Context, limits Limits, onPrint PrintFunc) (*Host, error) {
	if onPrint == nil {
		onPrint = func(string) {}
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithEnsureTermination(true).
		WithMemoryLimitPages(limits.MemoryPages)

	runtime := wazero.NewRuntimeWithConfig(ctx, cfg)
	h := &Host{runtime: runtime, onPrint: onPrint, limits: limits}

	builder := runtime.NewHostModuleBuilder(hostNamespace)
	builder.NewFunctionBuilder().WithFunc(h.hostOutput).Export("output")
	builder.NewFunctionBuilder().WithFunc(h.hostInput).Export("input")
	builder.NewFunctionBuilder().WithFunc(h.hostPrint).Export("print")

	envBuilder := runtime.NewHostModuleBuilder("env")
	envBuilder.NewFunctionBuilder().WithFunc(h.hostAbort).Export("abort")

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate %s host module: %w", hostNamespace, err)
	}
	if _, err := envBuilder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate env host module: %w", err)
	}
	return h, nil
}

// Close releases every resource the runtime holds, including all
// compiled modules.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Compile compiles a binary wasm module once; the result may be
// instantiated concurrently by many invocations. WebAssembly text
// (.wat) is not accepted and fails to compile.
func (h *Host) Compile(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return compiled, nil
}

// Invocation is a single call into a freshly instantiated module.
type Invocation struct {
	Compiled   wazero.CompiledModule
	EntryPoint string
	Input      []byte
	OutputCap  int
}

// Result is the outcome of a completed, successful invocation.
type Result struct {
	Output []byte
}

var (
	// ErrFunctionNotFound is returned when EntryPoint is not exported.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrWrongFunctionType is returned when EntryPoint's signature does
	// not match the expected niladic, no-result shape.
	ErrWrongFunctionType = errors.New("wrong function type")
	// ErrTimedOut is returned when ctx's deadline elapsed before the
	// guest call returned.
	ErrTimedOut = errors.New("timed out")
)

// Run instantiates inv.Compiled in its own sandbox and calls
// inv.EntryPoint, honoring ctx's deadline for termination. Every
// instantiated module is closed before Run returns, on every path.
func (h *Host) Run(ctx context.Context, inv Invocation) (*Result, error) {
	rd := newRuntimeData(inv.Input, inv.OutputCap)
	invCtx := withRuntimeData(ctx, rd)

	modCfg := wazero.NewModuleConfig().WithName("")
	module, err := h.runtime.InstantiateModule(invCtx, inv.Compiled, modCfg)
	if err != nil {
		return nil, classifyInstantiateError(err)
	}
	defer module.Close(ctx)

	if module.Memory() == nil {
		return nil, ErrMemoryNotExported
	}

	fn := module.ExportedFunction(inv.EntryPoint)
	if fn == nil {
		return nil, ErrFunctionNotFound
	}
	def := fn.Definition()
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
		return nil, ErrWrongFunctionType
	}

	if _, err := fn.Call(invCtx); err != nil {
		return nil, classifyCallError(err, rd)
	}

	return &Result{Output: rd.Output}, nil
}

func classifyInstantiateError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimedOut
	}
	return fmt.Errorf("instantiate module: %w", err)
}

// classifyCallError maps a wazero Call error to a domain outcome. An
// env.abort panics with sys.NewExitError to terminate the guest; rd.aborted
// carries the decoded message set just before that panic, so the exit
// code alone can't be confused with a context-driven timeout.
func classifyCallError(err error, rd *RuntimeData) error {
	if rd.aborted != nil {
		return rd.aborted
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimedOut
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return ErrTimedOut
	}
	return fmt.Errorf("wasm trap: %w", err)
}

func (h *Host) hostOutput(ctx context.Context, mod api.Module, ptr, length uint32) {
	rd := runtimeDataFromContext(ctx)
	if rd == nil {
		return
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	rd.appendOutput(data)
}

func (h *Host) hostInput(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
	rd := runtimeDataFromContext(ctx)
	if rd == nil {
		return 0
	}
	n := uint32(len(rd.Input))
	toWrite := length
	if toWrite > n {
		toWrite = n
	}
	if toWrite > 0 {
		mod.Memory().Write(ptr, rd.Input[:toWrite])
	}
	return n
}

func (h *Host) hostPrint(ctx context.Context, mod api.Module, ptr uint32) {
	text, err := readAssemblyScriptString(mod.Memory(), ptr)
	if err != nil {
		return
	}
	h.onPrint(text)
}

func (h *Host) hostAbort(ctx context.Context, mod api.Module, msgPtr, filePtr, line, col uint32) {
	msg, _ := readAssemblyScriptString(mod.Memory(), msgPtr)
	file, _ := readAssemblyScriptString(mod.Memory(), filePtr)
	if rd := runtimeDataFromContext(ctx); rd != nil {
		rd.aborted = &ErrAborted{Message: msg, File: file, Line: line, Col: col}
	}
	const abortExitCode = 255
	_ = mod.CloseWithExitCode(ctx, abortExitCode)
	panic(sys.NewExitError(abortExitCode))
}
