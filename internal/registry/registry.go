// Package registry maintains the live set of action definitions loaded from
// declarative definition files.
//
// A reload parses every configured root directory, follows includes, merges
// the results by priority and publishes the new set in one atomic swap, so
// readers always observe a complete snapshot. Reloads never overlap.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
)

// HandlerSet is the capability table of in-process handlers that `module`
// attributes are resolved against.
type HandlerSet interface {
	Has(id string) bool
}

// Options configures a Registry.
type Options struct {
	// Roots are directories whose definition files are loaded on every reload.
	Roots []string
	// Files is the server file root; data directories are reconciled into it.
	Files *fsroot.Root
	// Handlers resolves `module` attributes. Nil means no handler exists.
	Handlers HandlerSet
	// ExportPath receives the canonical registry after each reload. Empty
	// defaults to <files>/actions.json; "-" disables the export.
	ExportPath string
	Logf       func(string, ...any)
}

type snapshot struct {
	actions     map[string]*Definition
	dataDirs    map[string]string
	permissions int
	files       []string
}

// Registry is the authoritative action-name to definition mapping.
type Registry struct {
	opts Options
	snap atomic.Pointer[snapshot]

	reloadMu sync.Mutex

	hooksMu sync.Mutex
	hooks   []func()
}

// New returns an empty registry. Call Reload to populate it.
func New(opts Options) *Registry {
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.ExportPath == "" && opts.Files != nil {
		opts.ExportPath = opts.Files.Join("actions.json")
	}
	r := &Registry{opts: opts}
	r.snap.Store(&snapshot{actions: map[string]*Definition{}, dataDirs: map[string]string{}, permissions: 1})
	return r
}

// OnReload registers fn to run after every completed reload.
func (r *Registry) OnReload(fn func()) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Reload re-reads all roots and swaps the result in. It returns the errors of
// files or actions that could not be loaded; those never abort the reload.
func (r *Registry) Reload() []error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	l := newLoader(r.opts.Handlers, r.opts.Logf)
	for _, root := range r.opts.Roots {
		l.loadRoot(root)
	}
	allowed := r.reconcileDataDirs(l.dataDirs)

	next := &snapshot{
		actions:     l.actions,
		dataDirs:    l.dataDirs,
		permissions: l.permissions,
		files:       l.files,
	}
	r.snap.Store(next)
	if r.opts.Files != nil {
		r.opts.Files.SetAllowed(allowed)
	}
	r.opts.Logf("%d actions included", len(next.actions))

	if r.opts.ExportPath != "" && r.opts.ExportPath != "-" {
		if err := r.export(r.opts.ExportPath); err != nil {
			r.opts.Logf("export actions: %v", err)
			l.errs = append(l.errs, err)
		}
	}

	r.hooksMu.Lock()
	hooks := slices.Clone(r.hooks)
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return l.errs
}

// reconcileDataDirs creates or symlinks every declared data directory that is
// missing from the file root and returns the resolved paths of those present.
func (r *Registry) reconcileDataDirs(dirs map[string]string) []string {
	if r.opts.Files == nil {
		return nil
	}
	keys := make([]string, 0, len(dirs))
	for k := range dirs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var allowed []string
	for _, key := range keys {
		source := dirs[key]
		target := r.opts.Files.Join(key)
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			r.opts.Logf("warning: directory %s does not exist, creating it", target)
			if source == key {
				if err := os.MkdirAll(target, 0o755); err != nil {
					r.opts.Logf("cannot create directory %s: %v", target, err)
					continue
				}
			} else {
				if _, err := os.Stat(source); err != nil {
					r.opts.Logf("cannot create directory %s: source %s does not exist", target, source)
					continue
				}
				if err := os.Symlink(source, target); err != nil {
					r.opts.Logf("cannot link %s to %s: %v", target, source, err)
					continue
				}
				r.opts.Logf("directory %s created as a symlink to %s", target, source)
			}
		}
		real, err := filepath.EvalSymlinks(target)
		if err != nil {
			r.opts.Logf("cannot resolve data directory %s: %v", target, err)
			continue
		}
		allowed = append(allowed, real)
	}
	return allowed
}

// Get returns a deep copy of the named definition.
func (r *Registry) Get(name string) (Definition, error) {
	def, ok := r.snap.Load().actions[name]
	if !ok {
		return Definition{}, apperrors.WithMetadata(apperrors.CodeActionNotFound,
			"action "+name+" not found", map[string]string{"action": name})
	}
	return def.Clone(), nil
}

// Names returns the sorted names of all loaded actions.
func (r *Registry) Names() []string {
	actions := r.snap.Load().actions
	names := make([]string, 0, len(actions))
	for n := range actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Permissions returns the permission level declared by the definition files.
func (r *Registry) Permissions() int {
	return r.snap.Load().permissions
}

// DataDirs returns a copy of the declared data directories.
func (r *Registry) DataDirs() map[string]string {
	src := r.snap.Load().dataDirs
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// WatchedFiles returns the definition files read by the last reload together
// with the root directories, so that newly added files are noticed as well.
func (r *Registry) WatchedFiles() []string {
	files := slices.Clone(r.snap.Load().files)
	return append(files, r.opts.Roots...)
}

// Watch subscribes to changes of the watched files and reloads on every
// notification. Notifications arriving while a reload runs are coalesced into
// one follow-up reload. Watch blocks until ctx ends.
func (r *Registry) Watch(ctx context.Context, w Watcher) error {
	pending := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				r.opts.Logf("definition change detected, updating actions")
				for _, err := range r.Reload() {
					r.opts.Logf("reload: %v", err)
				}
			}
		}
	}()
	return w.Watch(ctx, r.WatchedFiles, func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
}

type exportDoc struct {
	Actions     map[string]*Definition `json:"actions"`
	Permissions int                    `json:"permissions"`
	DataDirs    map[string]string      `json:"dataDirs"`
}

// ExportJSON returns the canonical registry document: every action with its
// `lib` tag, the permission level and the data directories.
func (r *Registry) ExportJSON() ([]byte, error) {
	s := r.snap.Load()
	return json.MarshalIndent(exportDoc{Actions: s.actions, Permissions: s.permissions, DataDirs: s.dataDirs}, "", "  ")
}

func (r *Registry) export(path string) error {
	data, err := r.ExportJSON()
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write actions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write actions: %w", err)
	}
	return nil
}
