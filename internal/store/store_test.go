package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("WOTTO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WOTTO_TEST_POSTGRES_DSN not set, skipping")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DELETE FROM invocation_logs WHERE id LIKE 'test-%'")
		s.Close()
	})
	return s
}

func TestStore_SaveAndListInvocationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	log := &InvocationLog{
		ID:         "test-" + uuid.NewString(),
		FQN:        "github.com/octocat/hello-world/abc123/main.wasm",
		EntryPoint: "run",
		DurationMs: 42,
		Compiled:   true,
		Success:    true,
		Outcome:    "ok",
		InputSize:  10,
		OutputSize: 20,
	}

	if err := s.SaveInvocationLog(ctx, log); err != nil {
		t.Fatalf("SaveInvocationLog failed: %v", err)
	}

	logs, err := s.ListInvocationLogs(ctx, log.FQN, 10)
	if err != nil {
		t.Fatalf("ListInvocationLogs failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one log entry")
	}
	if logs[0].ID != log.ID {
		t.Fatalf("expected id %q, got %q", log.ID, logs[0].ID)
	}
}

func TestStore_SaveInvocationLogs_Batch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fqn := "builtin:echo"
	logs := []*InvocationLog{
		{ID: "test-" + uuid.NewString(), FQN: fqn, EntryPoint: "run", DurationMs: 1, Success: true, Outcome: "ok"},
		{ID: "test-" + uuid.NewString(), FQN: fqn, EntryPoint: "run", DurationMs: 2, Success: false, Outcome: "trap", Error: "unreachable"},
	}

	if err := s.SaveInvocationLogs(ctx, logs); err != nil {
		t.Fatalf("SaveInvocationLogs failed: %v", err)
	}

	saved, err := s.ListInvocationLogs(ctx, fqn, 10)
	if err != nil {
		t.Fatalf("ListInvocationLogs failed: %v", err)
	}
	if len(saved) < 2 {
		t.Fatalf("expected at least 2 logs, got %d", len(saved))
	}
}

func TestStore_RequiresDSN(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
