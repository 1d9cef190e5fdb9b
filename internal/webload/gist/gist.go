// Package gist implements the https://gist.github.com(usercontent) loader:
// URL parsing across the three accepted shapes, GitHub API lookups for
// file metadata, and content acquisition with byte-size and WebAssembly
// sanity checks.
package gist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/wottorun/wotto/internal/cache"
	"github.com/wottorun/wotto/internal/circuitbreaker"
	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/webload/weberr"
)

const maxGistFileBytes = 8 << 20 // 8MiB, generous ceiling before a gist file is rejected as TooLarge

// gistFile is the subset of the GitHub gist API's file object this
// loader reads.
type gistFile struct {
	Filename string `json:"filename"`
	RawURL   string `json:"raw_url"`
	Size     int    `json:"size"`
	Truncated bool  `json:"truncated"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

type gistAPIResponse struct {
	Files map[string]gistFile `json:"files"`
}

// Module is a resolved gist reference. It satisfies webload.ResolvedModule
// structurally: it never imports the webload package.
type Module struct {
	user      string
	canonical string // file name as reported by the gist, including extension
	url       string

	mu      sync.Mutex
	content []byte
	have    bool

	fetch func(ctx context.Context) ([]byte, error) // resolved lazily once, on first EnsureContent
}

func (m *Module) Domain() names.Domain { return names.Github }
func (m *Module) User() string         { return m.user }
func (m *Module) Name() string         { return m.canonical }
func (m *Module) URL() string          { return m.url }

func (m *Module) Content() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content, m.have
}

func (m *Module) EnsureContent(ctx context.Context) error {
	m.mu.Lock()
	if m.have {
		m.mu.Unlock()
		return nil
	}
	fetch := m.fetch
	m.mu.Unlock()

	if fetch == nil {
		return nil
	}
	data, err := fetch(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have {
		m.content = data
		m.have = true
	}
	return nil
}

// Loader resolves gist URLs in their three accepted shapes.
type Loader struct {
	credentialsFile string
	client          *http.Client
	breaker         *circuitbreaker.Breaker
	cache           cache.Cache // optional; nil means uncached
}

// New builds a gist Loader. credentialsFile, if non-empty, is read
// synchronously at resolve time (never cached) per the credentials
// handling note: a rotated token takes effect on the very next load.
func New(credentialsFile string) *Loader {
	return &Loader{
		credentialsFile: credentialsFile,
		client:          &http.Client{},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: 30_000_000_000, // 30s, spelled out to avoid importing time just for this literal
			OpenDuration:   10_000_000_000,
			HalfOpenProbes: 2,
		}),
	}
}

// WithCache stores c on the loader. The GitHub API lookups for
// landing/revision URLs do not consult it; every lookup goes to the API.
func (l *Loader) WithCache(c cache.Cache) *Loader {
	l.cache = c
	return l
}

// Resolve dispatches u to one of the three gist URL shapes:
//
//	raw:      gist.githubusercontent.com/<user>/<gist_id>/raw/<blob>/<file>
//	landing:  gist.github.com/<user>/<gist_id>[#file-<hint>]
//	revision: gist.github.com/<user>/<gist_id>/<commit>[#file-<hint>]
func (l *Loader) Resolve(ctx context.Context, u *url.URL) (*Module, error) {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	if u.Host == "gist.githubusercontent.com" {
		return l.resolveRaw(ctx, u, segments)
	}
	return l.resolveLandingOrRevision(ctx, u, segments)
}

func (l *Loader) resolveRaw(ctx context.Context, u *url.URL, segments []string) (*Module, error) {
	// <user>/<gist_id>/raw/<blob>/<file_path>
	rawIdx := -1
	for i, s := range segments {
		if s == "raw" {
			rawIdx = i
			break
		}
	}
	if rawIdx < 0 || rawIdx < 1 || rawIdx+2 >= len(segments) {
		return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
	}
	user := segments[0]
	filePath := strings.Join(segments[rawIdx+2:], "/")
	canonical := lastPathComponent(filePath)

	target := *u
	m := &Module{
		user:      user,
		canonical: canonical,
		url:       u.String(),
	}
	m.fetch = func(ctx context.Context) ([]byte, error) {
		return l.fetchRaw(ctx, target.String())
	}
	return m, nil
}

func (l *Loader) resolveLandingOrRevision(ctx context.Context, u *url.URL, segments []string) (*Module, error) {
	if len(segments) < 2 {
		return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
	}
	user := segments[0]
	gistID := segments[1]
	revision := ""
	if len(segments) >= 3 {
		revision = segments[2]
	}
	hint := fragmentFileHint(u.Fragment)

	apiURL := fmt.Sprintf("https://api.github.com/gists/%s", gistID)
	if revision != "" {
		apiURL = fmt.Sprintf("https://api.github.com/gists/%s/%s", gistID, revision)
	}

	resp, err := l.fetchGistAPI(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	file, err := selectFile(resp.Files, hint)
	if err != nil {
		return nil, err
	}

	m := &Module{
		user:      user,
		canonical: file.Filename,
		url:       u.String(),
	}

	if file.Content != "" && !file.Truncated {
		m.content = []byte(file.Content)
		m.have = true
		return m, nil
	}

	rawURL := file.RawURL
	m.fetch = func(ctx context.Context) ([]byte, error) {
		return l.fetchRaw(ctx, rawURL)
	}
	return m, nil
}

// selectFile implements the file-selection precedence: exact match (not
// applicable here, hint is a fragment not a filename) > single file >
// fragment hint (case-insensitive, "-" matches ".") > single .wasm >
// single .wat > single file whose reported language is WebAssembly >
// otherwise NotWasm.
func selectFile(files map[string]gistFile, hint string) (gistFile, error) {
	if len(files) == 0 {
		return gistFile{}, weberr.ErrNotWasm
	}
	if len(files) == 1 {
		for _, f := range files {
			return f, nil
		}
	}
	if hint != "" {
		normalizedHint := strings.ToLower(strings.ReplaceAll(hint, "-", "."))
		for name, f := range files {
			n := strings.ToLower(strings.ReplaceAll(name, "-", "."))
			if n == normalizedHint {
				return f, nil
			}
		}
	}

	var wasmMatches, watMatches, langMatches []gistFile
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Filename, ".wasm"):
			wasmMatches = append(wasmMatches, f)
		case strings.HasSuffix(f.Filename, ".wat"):
			watMatches = append(watMatches, f)
		case f.Language == "WebAssembly":
			langMatches = append(langMatches, f)
		}
	}
	if len(wasmMatches) == 1 {
		return wasmMatches[0], nil
	}
	if len(watMatches) == 1 {
		return watMatches[0], nil
	}
	if len(langMatches) == 1 {
		return langMatches[0], nil
	}
	return gistFile{}, weberr.ErrNotWasm
}

func fragmentFileHint(fragment string) string {
	const prefix = "file-"
	if strings.HasPrefix(fragment, prefix) {
		return fragment[len(prefix):]
	}
	return ""
}

func lastPathComponent(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

func (l *Loader) fetchGistAPI(ctx context.Context, apiURL string) (*gistAPIResponse, error) {
	if !l.breaker.Allow() {
		return nil, weberr.NewTemporaryFailure(fmt.Errorf("circuit open for github api"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, weberr.NewIOError(err)
	}
	l.applyCredentials(req)

	resp, err := l.client.Do(req)
	if err != nil {
		l.breaker.RecordFailure()
		return nil, weberr.NewTemporaryFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		l.breaker.RecordFailure()
		return nil, weberr.NewTemporaryFailure(fmt.Errorf("github api status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		l.breaker.RecordSuccess()
		return nil, weberr.NewHTTPError(fmt.Errorf("github api status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGistFileBytes))
	if err != nil {
		l.breaker.RecordFailure()
		return nil, weberr.NewIOError(err)
	}
	l.breaker.RecordSuccess()

	var out gistAPIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, weberr.NewIOError(err)
	}
	return &out, nil
}

func (l *Loader) fetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	if !l.breaker.Allow() {
		return nil, weberr.NewTemporaryFailure(fmt.Errorf("circuit open for github raw content"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, weberr.NewIOError(err)
	}
	l.applyCredentials(req)

	resp, err := l.client.Do(req)
	if err != nil {
		l.breaker.RecordFailure()
		return nil, weberr.NewTemporaryFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		l.breaker.RecordFailure()
		return nil, weberr.NewTemporaryFailure(fmt.Errorf("raw content status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		l.breaker.RecordSuccess()
		return nil, weberr.NewHTTPError(fmt.Errorf("raw content status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGistFileBytes+1))
	if err != nil {
		l.breaker.RecordFailure()
		return nil, weberr.NewIOError(err)
	}
	l.breaker.RecordSuccess()
	if len(body) > maxGistFileBytes {
		return nil, weberr.ErrTooLarge
	}
	return body, nil
}

// applyCredentials reads the credentials file synchronously, so a
// rotated token is picked up on the very next resolve with no cache to
// invalidate.
func (l *Loader) applyCredentials(req *http.Request) {
	if l.credentialsFile == "" {
		return
	}
	data, err := os.ReadFile(l.credentialsFile)
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return
	}
	req.SetBasicAuth(fields[0], fields[1])
}
