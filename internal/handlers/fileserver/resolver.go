package fileserver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideSandbox is returned by Resolve for paths that normalize to a
// location outside the document root.
var ErrOutsideSandbox = errors.New("path outside document root")

// SandboxedPath is an absolute filesystem path known to lie within a
// Resolver's base directory. The zero value is invalid; obtain one from
// Resolver.Resolve.
type SandboxedPath struct {
	abs string
}

// String returns the absolute path.
func (p SandboxedPath) String() string { return p.abs }

// Resolver maps URL paths onto a fixed base directory.
type Resolver struct {
	base string
}

// NewResolver returns a resolver rooted at base, made absolute and clean.
func NewResolver(base string) (*Resolver, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document root %q: %w", base, err)
	}
	return &Resolver{base: filepath.Clean(abs)}, nil
}

// Base returns the absolute document root.
func (r *Resolver) Base() string { return r.base }

// Resolve joins urlPath to the base directory and normalizes it lexically.
// The result must equal the base or lie beneath it, otherwise Resolve returns
// ErrOutsideSandbox. urlPath is used verbatim; no percent-decoding happens and
// the filesystem is not consulted.
func (r *Resolver) Resolve(urlPath string) (SandboxedPath, error) {
	rel := strings.TrimLeft(urlPath, "/")
	candidate := filepath.Clean(filepath.Join(r.base, rel))

	if candidate != r.base && !strings.HasPrefix(candidate, r.base+string(filepath.Separator)) {
		// A base of "/" already ends with the separator.
		if r.base != string(filepath.Separator) {
			return SandboxedPath{}, fmt.Errorf("%w: %q", ErrOutsideSandbox, urlPath)
		}
	}
	return SandboxedPath{abs: candidate}, nil
}

// Rel returns the path relative to the base directory, "." for the base itself.
func (r *Resolver) Rel(p SandboxedPath) string {
	rel, err := filepath.Rel(r.base, p.abs)
	if err != nil {
		return p.abs
	}
	return rel
}
