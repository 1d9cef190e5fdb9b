package service

import (
	"errors"
	"fmt"
)

var (
	// ErrModuleNotFound is returned when run/unload is asked for a name
	// with no registry entry and no alias resolving to one.
	ErrModuleNotFound = errors.New("module not found")
	// ErrFunctionNotFound is returned when the requested entry point is
	// not exported by the compiled module.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrWrongFunctionType is returned when the entry point exists but
	// its signature is not the expected niladic, no-result shape.
	ErrWrongFunctionType = errors.New("wrong function type")
	// ErrMemoryNotExported is returned when a compiled module has no
	// exported linear memory.
	ErrMemoryNotExported = errors.New("module does not export memory")
	// ErrTimedOut is returned when an invocation exceeds its wall-clock
	// deadline.
	ErrTimedOut = errors.New("invocation timed out")
	// ErrRateLimited is returned when the caller has exceeded their
	// configured invocation rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrContentUnavailable is returned when a resolved module reports
	// EnsureContent succeeded but still has no content to read, a
	// contract violation by the resolver/loader rather than a reload
	// identity mismatch (see ModuleGoneError).
	ErrContentUnavailable = errors.New("module content unavailable after fetch")
)

// InvalidURLError wraps a rejected module reference URL.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %v", e.URL, e.Err)
}

func (e *InvalidURLError) Unwrap() error { return e.Err }

// ModuleGoneError is returned when a module that was previously loaded
// from a URL can no longer be resolved from that URL on reload, leaving
// the existing registry slot untouched.
type ModuleGoneError struct {
	Name string
	URL  string
}

func (e *ModuleGoneError) Error() string {
	return fmt.Sprintf("module %q is gone at %q", e.Name, e.URL)
}

// WasmError wraps a guest execution fault (trap or abort) that is not a
// timeout.
type WasmError struct {
	Err error
}

func (e *WasmError) Error() string { return fmt.Sprintf("wasm error: %v", e.Err) }
func (e *WasmError) Unwrap() error { return e.Err }
