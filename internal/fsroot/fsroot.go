// Package fsroot owns the server's file root and the set of directories
// inside it that requests are allowed to touch.
package fsroot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
)

const (
	// ActionsDir holds sequentially numbered output directories.
	ActionsDir = "actions"
	// CacheDir holds content-addressed output directories.
	CacheDir = "cache"
)

// Root is a resolved file root with a swappable allowlist of sub-directories.
type Root struct {
	path    string
	base    []string
	allowed atomic.Pointer[[]string]
}

// New resolves path, creates the actions and cache directories and returns a
// Root that allows both of them.
func New(path string) (*Root, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("files root is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create files root: %w", err)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("resolve files root: %w", err)
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return nil, fmt.Errorf("resolve files root: %w", err)
	}
	r := &Root{path: real}
	for _, sub := range []string{ActionsDir, CacheDir} {
		dir := filepath.Join(real, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
		rd, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sub, err)
		}
		r.base = append(r.base, rd)
	}
	r.SetAllowed(nil)
	return r, nil
}

// Path returns the absolute, symlink-free file root.
func (r *Root) Path() string { return r.path }

// Join joins rel onto the file root without resolving symlinks.
func (r *Root) Join(rel string) string {
	return filepath.Join(r.path, rel)
}

// SetAllowed replaces the extra allowed directories. The actions and cache
// directories always stay allowed. Entries must be absolute resolved paths.
func (r *Root) SetAllowed(dirs []string) {
	next := slices.Clone(r.base)
	for _, d := range dirs {
		d = filepath.Clean(d)
		if !slices.Contains(next, d) {
			next = append(next, d)
		}
	}
	r.allowed.Store(&next)
}

// AllowedDirs returns a copy of the current allowlist.
func (r *Root) AllowedDirs() []string {
	return slices.Clone(*r.allowed.Load())
}

// IsAllowed reports whether abs lies in (or is) one of the allowed directories.
func (r *Root) IsAllowed(abs string) bool {
	for _, dir := range *r.allowed.Load() {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Resolve joins rel onto the root and resolves every symlink on the way.
func (r *Root) Resolve(rel string) (string, error) {
	real, err := filepath.EvalSymlinks(r.Join(rel))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidParameter, "cannot resolve "+rel, err)
	}
	return real, nil
}

// Validate resolves rel and checks it against the allowlist.
func (r *Root) Validate(rel string) (string, error) {
	real, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	if !r.IsAllowed(real) {
		return "", apperrors.WithMetadata(apperrors.CodePathNotAllowed,
			"path "+rel+" not allowed", map[string]string{"path": rel})
	}
	return real, nil
}
