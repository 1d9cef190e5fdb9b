package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/webload"
)

// emptyWasmModule is the minimal valid WebAssembly binary: just the
// magic number and version, no sections. wazero compiles it
// successfully; it exports nothing, which makes it a convenient
// fixture for exercising the memory-export and function-lookup error
// paths without needing a real guest program.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func testConfig() Config {
	return Config{
		MaxConcurrentInvocations: 2,
		InvocationTimeout:        time.Second,
		EpochTickInterval:        5 * time.Millisecond,
		MemoryLimitPages:         16,
		TableLimitElements:       1024,
		OutputCapacityBytes:      1 << 16,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	svc, err := New(ctx, testConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })
	return svc
}

func TestRun_ModuleNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Run(context.Background(), "nope", "run", nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestUnload_ModuleNotFound(t *testing.T) {
	svc := newTestService(t)
	err := svc.Unload(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoadAndRun_NoExportedMemory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, err := names.CanonicalNameFromString("greet.wasm")
	require.NoError(t, err)

	fqn, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)
	assert.Equal(t, names.FQN("greet"), fqn)

	_, err = svc.Run(ctx, string(fqn), "run", nil)
	assert.ErrorIs(t, err, ErrMemoryNotExported)
}

func TestUnload_RemovesEntrySoSubsequentRunFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, _ := names.CanonicalNameFromString("greet.wasm")
	fqn, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)

	require.NoError(t, svc.Unload(ctx, string(fqn)))

	_, err = svc.Run(ctx, string(fqn), "run", nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestAddAlias_RequiresExistingTarget(t *testing.T) {
	svc := newTestService(t)
	err := svc.AddAlias("g", "greet")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestAddAlias_ThenRunThroughAlias(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, _ := names.CanonicalNameFromString("greet.wasm")
	fqn, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)

	require.NoError(t, svc.AddAlias("g", string(fqn)))

	_, err = svc.Run(ctx, "g", "run", nil)
	assert.ErrorIs(t, err, ErrMemoryNotExported, "alias resolution must reach the same registry entry as the FQN")
}

func TestUnload_RemovesAliasesPointingAtIt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, _ := names.CanonicalNameFromString("greet.wasm")
	fqn, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)
	require.NoError(t, svc.AddAlias("g", string(fqn)))

	require.NoError(t, svc.Unload(ctx, string(fqn)))

	_, err = svc.Run(ctx, "g", "run", nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoadBytesReplacesCompiledModuleUnderSameName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, _ := names.CanonicalNameFromString("greet.wasm")
	fqn1, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)
	fqn2, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)
	assert.Equal(t, fqn1, fqn2)

	_, err = svc.Run(ctx, string(fqn1), "run", nil)
	assert.ErrorIs(t, err, ErrMemoryNotExported)
}

// stubModule is a minimal webload.ResolvedModule whose identity fields
// are set directly by the test, letting Load's reload path be exercised
// without a real gist/builtin loader behind it.
type stubModule struct {
	domain  names.Domain
	user    string
	name    string
	content []byte
	url     string
}

func (m *stubModule) Domain() names.Domain                    { return m.domain }
func (m *stubModule) User() string                             { return m.user }
func (m *stubModule) Name() string                             { return m.name }
func (m *stubModule) Content() ([]byte, bool)                  { return m.content, true }
func (m *stubModule) EnsureContent(ctx context.Context) error { return nil }
func (m *stubModule) URL() string                              { return m.url }

// stubResolver always resolves to whatever module is currently set,
// regardless of the URL passed in, so a test can change what the "next"
// reload yields between calls.
type stubResolver struct {
	module *stubModule
}

func (r *stubResolver) Resolve(ctx context.Context, rawURL string) (webload.ResolvedModule, error) {
	return r.module, nil
}

func newTestServiceWithResolver(t *testing.T, resolver moduleResolver) *Service {
	t.Helper()
	ctx := context.Background()
	svc, err := New(ctx, testConfig(), resolver, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })
	return svc
}

func TestLoad_ReloadsFromStoredURL(t *testing.T) {
	stub := &stubResolver{module: &stubModule{
		domain: names.Builtin, name: "greet.wasm", content: emptyWasmModule, url: "builtin:greet",
	}}
	svc := newTestServiceWithResolver(t, stub)
	ctx := context.Background()

	fqn, err := svc.LoadFromURL(ctx, "builtin:greet")
	require.NoError(t, err)
	assert.Equal(t, names.FQN("greet"), fqn)

	reloaded, err := svc.Load(ctx, string(fqn))
	require.NoError(t, err)
	assert.Equal(t, fqn, reloaded)
}

func TestLoad_NoStoredURLFailsModuleNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	canonical, _ := names.CanonicalNameFromString("greet.wasm")
	fqn, err := svc.LoadBytes(ctx, names.Builtin, "", canonical, emptyWasmModule)
	require.NoError(t, err)

	_, err = svc.Load(ctx, string(fqn))
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoad_UnknownNameFailsModuleNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoad_MismatchFailsModuleGoneWithoutTouchingSlot(t *testing.T) {
	stub := &stubResolver{module: &stubModule{
		domain: names.Builtin, name: "greet.wasm", content: emptyWasmModule, url: "builtin:greet",
	}}
	svc := newTestServiceWithResolver(t, stub)
	ctx := context.Background()

	fqn, err := svc.LoadFromURL(ctx, "builtin:greet")
	require.NoError(t, err)
	require.Equal(t, names.FQN("greet"), fqn)

	// The same stored URL now resolves to a different identity — as if
	// a gist's selected file changed between loads.
	stub.module = &stubModule{
		domain: names.Github, user: "alice", name: "other.wasm", content: emptyWasmModule, url: "builtin:greet",
	}

	_, err = svc.Load(ctx, string(fqn))
	var goneErr *ModuleGoneError
	require.ErrorAs(t, err, &goneErr)
	assert.Equal(t, string(fqn), goneErr.Name)
	assert.Equal(t, "builtin:greet", goneErr.URL)

	// The original slot must be untouched: Run against the original FQN
	// still reaches the original compiled module, not ModuleNotFound.
	_, err = svc.Run(ctx, string(fqn), "run", nil)
	assert.ErrorIs(t, err, ErrMemoryNotExported)
}
