package gist

import (
	"context"
	"net/http"
	"net/http/httptest"
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

func TestResolveRaw_ParsesUserAndFile(t *testing.T) {
	l := New("")
	u := mustParse(t, "https://gist.githubusercontent.com/octocat/abc123/raw/deadbeef/greet.wasm")

	m, err := l.Resolve(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "octocat", m.User())
	assert.Equal(t, "greet.wasm", m.Name())
	assert.Equal(t, names.Github, m.Domain())
	_, have := m.Content()
	assert.False(t, have, "raw URLs defer fetch until EnsureContent")
}

func TestResolveRaw_RejectsMissingRawSegment(t *testing.T) {
	l := New("")
	u := mustParse(t, "https://gist.githubusercontent.com/octocat/abc123/greet.wasm")

	_, err := l.Resolve(context.Background(), u)
	assert.True(t, weberr.IsInvalidUrlKind(err, weberr.InvalidPath))
}

func TestSelectFile_SingleFile(t *testing.T) {
	files := map[string]gistFile{"a.wasm": {Filename: "a.wasm"}}
	f, err := selectFile(files, "")
	require.NoError(t, err)
	assert.Equal(t, "a.wasm", f.Filename)
}

func TestSelectFile_FragmentHintCaseInsensitiveDashMatchesDot(t *testing.T) {
	files := map[string]gistFile{
		"greet.wasm": {Filename: "greet.wasm"},
		"readme.md":  {Filename: "readme.md"},
	}
	f, err := selectFile(files, "greet-wasm")
	require.NoError(t, err)
	assert.Equal(t, "greet.wasm", f.Filename)
}

func TestSelectFile_SingleWasmWinsOverOthers(t *testing.T) {
	files := map[string]gistFile{
		"main.wasm": {Filename: "main.wasm"},
		"readme.md": {Filename: "readme.md"},
		"notes.txt": {Filename: "notes.txt"},
	}
	f, err := selectFile(files, "")
	require.NoError(t, err)
	assert.Equal(t, "main.wasm", f.Filename)
}

func TestSelectFile_SingleWatWinsWhenNoWasm(t *testing.T) {
	files := map[string]gistFile{
		"main.wat":  {Filename: "main.wat"},
		"readme.md": {Filename: "readme.md"},
	}
	f, err := selectFile(files, "")
	require.NoError(t, err)
	assert.Equal(t, "main.wat", f.Filename)
}

func TestSelectFile_LanguageTagWinsAsLastResort(t *testing.T) {
	files := map[string]gistFile{
		"main":      {Filename: "main", Language: "WebAssembly"},
		"readme.md": {Filename: "readme.md"},
	}
	f, err := selectFile(files, "")
	require.NoError(t, err)
	assert.Equal(t, "main", f.Filename)
}

func TestSelectFile_AmbiguousIsNotWasm(t *testing.T) {
	files := map[string]gistFile{
		"a.wasm": {Filename: "a.wasm"},
		"b.wasm": {Filename: "b.wasm"},
	}
	_, err := selectFile(files, "")
	assert.Same(t, weberr.ErrNotWasm, err)
}

func TestFragmentFileHint(t *testing.T) {
	assert.Equal(t, "greet-wasm", fragmentFileHint("file-greet-wasm"))
	assert.Equal(t, "", fragmentFileHint("not-a-file-hint-prefix-x"))
}

func TestApplyCredentials_ReadsUsernameAndToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "github.token")
	require.NoError(t, os.WriteFile(path, []byte("octocat ghp_abc123\n"), 0o600))

	l := New(path)
	req, _ := http.NewRequest(http.MethodGet, "https://api.github.com/gists/1", nil)
	l.applyCredentials(req)

	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "octocat", user)
	assert.Equal(t, "ghp_abc123", pass)
}

func TestFetchGistAPI_UsesCredentialsAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "octocat" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files":{"greet.wasm":{"filename":"greet.wasm","content":"YWJj"}}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "github.token")
	require.NoError(t, os.WriteFile(path, []byte("octocat tok"), 0o600))

	l := New(path)
	resp, err := l.fetchGistAPI(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, resp.Files, "greet.wasm")
}

func TestFetchRaw_PropagatesHTTPErrorForNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := New("")
	_, err := l.fetchRaw(context.Background(), srv.URL)
	assert.True(t, weberr.IsKind(err, weberr.HTTPError))
}
