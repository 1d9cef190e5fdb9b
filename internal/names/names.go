// Package names implements the canonical-name and fully-qualified-name
// algebra that gives every loaded module a stable registry key.
//
// Go has no borrow checker, so the owned/borrowed distinction from the
// original implementation collapses to two string-backed types (FQN and
// BorrowedFQN) that share formatting and equality semantics by string
// value; a BorrowedFQN built from a caller-supplied string can look up an
// FQN-keyed map entry without allocating a new owned value.
package names

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidModuleName is returned when a canonical name or FQN cannot be
// derived from its source.
var ErrInvalidModuleName = errors.New("invalid module name")

// DomainKind is the closed tag set describing the origin authority for a
// user namespace.
type DomainKind int

const (
	DomainGithub DomainKind = iota
	DomainBuiltin
	DomainOther
)

// Domain tags the origin authority for a user namespace. Other carries a
// label; Github and Builtin do not use it.
type Domain struct {
	Kind  DomainKind
	Label string
}

// Github is the domain for gist-resolved modules.
var Github = Domain{Kind: DomainGithub}

// Builtin is the domain for modules resolved from the local library.
var Builtin = Domain{Kind: DomainBuiltin}

// NewOtherDomain builds an Other domain carrying label. No resolver in
// this service currently produces it; FQN parsing rejects its string form
// on the reverse path (see ParseFQN).
func NewOtherDomain(label string) Domain {
	return Domain{Kind: DomainOther, Label: label}
}

// CanonicalName is the file-stem form of a module identity: no directory
// component, no extension, never empty.
type CanonicalName string

// CanonicalNameFromString strips the final extension and any path prefix
// from a filesystem path, a URL file component, or a user-supplied
// identifier, and validates the result is a legal filename component.
func CanonicalNameFromString(s string) (CanonicalName, error) {
	base := path.Base(s)
	if base == "." || base == "/" || base == "" {
		return "", ErrInvalidModuleName
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		return "", ErrInvalidModuleName
	}
	if strings.ContainsAny(stem, "/@") {
		return "", ErrInvalidModuleName
	}
	return CanonicalName(stem), nil
}

func (c CanonicalName) String() string { return string(c) }

// FQN is the owned, stable identity of a module inside the process:
// Github: "<user>/<canonical>"; Builtin: "<canonical>"; Other(label):
// "<user>@<label>/<canonical>".
type FQN string

// BorrowedFQN is a view over a caller-supplied string with the same
// invariants as FQN. It exists so a lookup by a string the caller already
// owns never needs to allocate a new FQN; equality and hashing are
// byte-exact on the string form for both types.
type BorrowedFQN string

func (f FQN) String() string         { return string(f) }
func (f BorrowedFQN) String() string { return string(f) }

// Borrow returns a borrowed view of f without copying.
func (f FQN) Borrow() BorrowedFQN { return BorrowedFQN(f) }

// Own returns an owned FQN built from a borrowed view.
func (b BorrowedFQN) Own() FQN { return FQN(b) }

// NewFQN composes the string form of an FQN from its constituent parts.
func NewFQN(domain Domain, canonical CanonicalName, user string) FQN {
	switch domain.Kind {
	case DomainGithub:
		return FQN(user + "/" + canonical.String())
	case DomainBuiltin:
		return FQN(canonical.String())
	default:
		return FQN(user + "@" + domain.Label + "/" + canonical.String())
	}
}

// Module is the narrow view of a resolved module ForModule needs. It is
// satisfied structurally by webload.ResolvedModule without either package
// importing the other.
type Module interface {
	Domain() Domain
	User() string
	Name() string
}

// ForModule composes the FQN for a resolved module, validating its name
// as a CanonicalName first.
func ForModule(module Module) (FQN, error) {
	canonical, err := CanonicalNameFromString(module.Name())
	if err != nil {
		return "", err
	}
	return NewFQN(module.Domain(), canonical, module.User()), nil
}

// ParseFQN validates s against the reverse parsing rules: if it contains
// a '/', the part before the last '/' is the namespace; a namespace
// containing '@' is rejected (Other domain is not produced by any
// resolver in this service); an empty namespace is rejected; otherwise
// the domain is Github. No '/' means Builtin.
func ParseFQN(s string) (FQN, error) {
	if _, err := domainOf(s); err != nil {
		return "", err
	}
	return FQN(s), nil
}

// Domain re-derives the Domain of a parsed FQN. It never fails for a
// value that was itself produced by ParseFQN or NewFQN.
func (f FQN) Domain() (Domain, error) { return domainOf(string(f)) }

func domainOf(s string) (Domain, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return Builtin, nil
	}
	ns := s[:idx]
	if strings.Contains(ns, "@") {
		return Domain{}, ErrInvalidModuleName
	}
	if ns == "" {
		return Domain{}, ErrInvalidModuleName
	}
	return Github, nil
}
