// Package webload implements the resolver framework: it maps a module
// reference URL to a concrete loader and returns a uniform handle with
// deferred content fetch.
//
// Per the redesign away from the original implementation's downcasting
// pattern, ResolvedModule is a plain Go interface with one concrete
// struct per loader (gist.Module, builtin.Module); dispatch is direct
// interface method calls, never a runtime type assertion.
package webload

import (
	"context"
	"net/url"
	"strings"

	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/webload/builtin"
	"github.com/wottorun/wotto/internal/webload/gist"
	"github.com/wottorun/wotto/internal/webload/weberr"
)

// ResolvedModule is a loader-tagged handle for a module that has been
// identified but whose bytes may not yet be fetched.
type ResolvedModule interface {
	// Domain is the origin authority for User's namespace.
	Domain() names.Domain
	// User is the namespace owner ("" for Builtin).
	User() string
	// Name is the loader-reported file name (including extension, if
	// any); callers derive a CanonicalName from it.
	Name() string
	// Content returns the resolved bytes, if fetched yet.
	Content() ([]byte, bool)
	// EnsureContent fetches bytes if not already present. Idempotent.
	EnsureContent(ctx context.Context) error
	// URL is the original reference this module was resolved from.
	URL() string
}

// acceptedGistOrigins is the static dispatch table mapping an https
// origin to the gist loader; built once as a package-level value per
// spec's "dispatch table is built once from a static list".
var acceptedGistOrigins = map[string]struct{}{
	"https://gist.github.com":         {},
	"https://gist.githubusercontent.com": {},
}

// Resolver dispatches URLs to the gist or builtin loader.
type Resolver struct {
	gist    *gist.Loader
	builtin *builtin.Loader
}

// NewResolver builds a Resolver. builtinDir is the directory probed by
// the builtin: loader; credentialsFile is the path to the whitespace
// separated (username, password-or-PAT) file used for GitHub API auth.
func NewResolver(builtinDir, credentialsFile string) *Resolver {
	return &Resolver{
		gist:    gist.New(credentialsFile),
		builtin: builtin.New(builtinDir),
	}
}

// Resolve dispatches rawURL to the loader claiming its scheme/origin.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (ResolvedModule, error) {
	if strings.HasPrefix(rawURL, "builtin:") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, weberr.NewInvalidUrl(weberr.ParseError)
		}
		return r.builtin.Resolve(ctx, u)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, weberr.NewInvalidUrl(weberr.ParseError)
	}
	if u.User != nil {
		return nil, weberr.NewInvalidUrl(weberr.CredentialsNotAllowed)
	}

	switch u.Scheme {
	case "https":
		origin := u.Scheme + "://" + u.Host
		if _, ok := acceptedGistOrigins[origin]; !ok {
			return nil, weberr.NewInvalidUrl(weberr.RejectedOrigin)
		}
		return r.gist.Resolve(ctx, u)
	default:
		return nil, weberr.NewInvalidUrl(weberr.RejectedOrigin)
	}
}
