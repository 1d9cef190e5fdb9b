package builtin

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/webload/weberr"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestResolve_FindsWasmSibling(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wasm"), []byte("fake"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	require.NoError(t, err)
	assert.Equal(t, "greet.wasm", m.Name())
	assert.Equal(t, names.Builtin, m.Domain())
	assert.Equal(t, "", m.User())
}

func TestResolve_FallsBackToWat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wat"), []byte("(module)"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	require.NoError(t, err)
	assert.Equal(t, "greet.wat", m.Name())
}

func TestResolve_BothPresentWasmWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wasm"), []byte("fake"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wat"), []byte("(module)"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	require.NoError(t, err)
	assert.Equal(t, "greet.wasm", m.Name())
}

func TestResolve_NeitherPresentIsMultiple(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	_, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	assert.True(t, weberr.IsKind(err, weberr.Multiple))
}

func TestResolve_DirectoryNamedWasmDoesNotMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "greet.wasm"), 0o755))

	l := New(dir)
	_, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	assert.True(t, weberr.IsKind(err, weberr.Multiple))
}

func TestResolve_DirectoryNamedWasmFallsBackToWat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "greet.wasm"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wat"), []byte("(module)"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	require.NoError(t, err)
	assert.Equal(t, "greet.wat", m.Name())
}

func TestResolve_RejectsDotDot(t *testing.T) {
	l := New(t.TempDir())
	_, err := l.Resolve(context.Background(), mustParse(t, "builtin:../etc/passwd"))
	assert.True(t, weberr.IsInvalidUrlKind(err, weberr.InvalidPath))
}

func TestResolve_RejectsExtension(t *testing.T) {
	l := New(t.TempDir())
	_, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet.wasm"))
	assert.True(t, weberr.IsInvalidUrlKind(err, weberr.InvalidPath))
}

func TestResolve_NestedPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "games"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "games", "pong.wasm"), []byte("fake"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:games/pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong.wasm", m.Name())
}

func TestEnsureContent_ReadsFileOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.wasm"), []byte("abc"), 0o644))

	l := New(dir)
	m, err := l.Resolve(context.Background(), mustParse(t, "builtin:greet"))
	require.NoError(t, err)

	_, ok := m.Content()
	assert.False(t, ok)

	require.NoError(t, m.EnsureContent(context.Background()))
	data, ok := m.Content()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
}
