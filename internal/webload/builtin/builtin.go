// Package builtin implements the builtin: loader: a relative path under
// a fixed directory, probed first for a .wasm sibling then a .wat
// sibling.
package builtin

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/webload/weberr"
)

// Module is a resolved builtin reference. It satisfies
// webload.ResolvedModule structurally: it never imports webload.
type Module struct {
	canonical string
	url       string
	path      string // path to the file actually found on disk, joined onto the loader's dir

	mu      sync.Mutex
	content []byte
	have    bool
}

func (m *Module) Domain() names.Domain { return names.Builtin }
func (m *Module) User() string         { return "" }
func (m *Module) Name() string         { return m.canonical }
func (m *Module) URL() string          { return m.url }

func (m *Module) Content() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content, m.have
}

func (m *Module) EnsureContent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.have {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return weberr.NewIOError(err)
	}
	m.content = data
	m.have = true
	return nil
}

// Loader resolves builtin: URLs under dir.
type Loader struct {
	dir string
}

// New builds a builtin Loader rooted at dir.
func New(dir string) *Loader {
	return &Loader{dir: dir}
}

// Resolve validates u's opaque/path component and probes dir for a
// .wasm then a .wat sibling. The relative path must have no extension,
// no ".." component, and no root or drive component.
func (l *Loader) Resolve(ctx context.Context, u *url.URL) (*Module, error) {
	rel := u.Opaque
	if rel == "" {
		rel = strings.TrimPrefix(u.Path, "/")
	}
	rel = strings.TrimPrefix(rel, "/")

	if rel == "" {
		return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
	}
	if filepath.Ext(rel) != "" {
		return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." || part == "." || part == "" {
			return nil, weberr.NewInvalidUrl(weberr.InvalidPath)
		}
	}

	base := filepath.Join(l.dir, filepath.FromSlash(rel))
	wasmPath := base + ".wasm"
	watPath := base + ".wat"

	wasmOK, wasmErr := probeRegularFile(wasmPath)
	watOK, watErr := probeRegularFile(watPath)

	switch {
	case wasmOK:
		return &Module{
			canonical: filepath.Base(rel) + ".wasm",
			url:       u.String(),
			path:      wasmPath,
		}, nil
	case watOK:
		return &Module{
			canonical: filepath.Base(rel) + ".wat",
			url:       u.String(),
			path:      watPath,
		}, nil
	default:
		return nil, weberr.NewMultiple([]weberr.PathError{
			{Path: wasmPath, Err: wasmErr},
			{Path: watPath, Err: watErr},
		})
	}
}

// probeRegularFile reports whether path names an existing regular file,
// returning the os.Stat or "not a regular file" error otherwise.
func probeRegularFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("%s is not a regular file", path)
	}
	return true, nil
}
