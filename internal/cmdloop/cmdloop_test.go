package cmdloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wottorun/wotto/internal/service"
)

var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	ctx := context.Background()
	svc, err := service.New(ctx, service.Config{
		MaxConcurrentInvocations: 2,
		InvocationTimeout:        time.Second,
		EpochTickInterval:        5 * time.Millisecond,
		MemoryLimitPages:         16,
		TableLimitElements:       1024,
		OutputCapacityBytes:      1 << 16,
	}, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })
	return svc
}

func TestRun_LoadThenRunThenQuit(t *testing.T) {
	svc := newTestService(t)
	cmds := make(chan Command, 4)
	results := make(chan Result, 4)

	cmds <- Command{Kind: LoadModule, Name: "greet.wasm", WasmBytes: emptyWasmModule}
	cmds <- Command{Kind: RunModule, Name: "greet", EntryPoint: "run"}
	cmds <- Command{Kind: Quit}

	err := Run(context.Background(), svc, cmds, results)
	require.NoError(t, err)

	loadResult := <-results
	require.NoError(t, loadResult.Err)
	assert.Equal(t, "greet", loadResult.FQN)

	runResult := <-results
	assert.Error(t, runResult.Err, "empty module exports no memory")
}

func TestRun_IdleIsANoop(t *testing.T) {
	svc := newTestService(t)
	cmds := make(chan Command, 2)
	results := make(chan Result, 2)

	cmds <- Command{Kind: Idle}
	cmds <- Command{Kind: Quit}

	err := Run(context.Background(), svc, cmds, results)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_ClosedCommandChannelEndsLoop(t *testing.T) {
	svc := newTestService(t)
	cmds := make(chan Command)
	results := make(chan Result)
	close(cmds)

	err := Run(context.Background(), svc, cmds, results)
	assert.NoError(t, err)
}

func TestRun_ContextCancellationEndsLoop(t *testing.T) {
	svc := newTestService(t)
	cmds := make(chan Command)
	results := make(chan Result)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, svc, cmds, results)
	assert.Error(t, err)
}
