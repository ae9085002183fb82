package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
)

// importErrorPrefix names the placeholder recorded for a file that fails to parse.
const importErrorPrefix = "import_error_"

// definitionFile is the on-disk shape of one definition file.
type definitionFile struct {
	Actions     map[string]*Definition `json:"actions" yaml:"actions"`
	Include     []string               `json:"include" yaml:"include"`
	DataDirs    map[string]string      `json:"dataDirs" yaml:"dataDirs"`
	Permissions *int                   `json:"permissions" yaml:"permissions"`
}

// loader accumulates one reload pass. It is discarded once the pass ends.
type loader struct {
	handlers HandlerSet
	logf     func(string, ...any)

	actions     map[string]*Definition
	dataDirs    map[string]string
	permissions int
	files       []string
	visited     map[string]bool
	errs        []error
}

func newLoader(handlers HandlerSet, logf func(string, ...any)) *loader {
	return &loader{
		handlers:    handlers,
		logf:        logf,
		actions:     map[string]*Definition{},
		dataDirs:    map[string]string{},
		permissions: 1,
		visited:     map[string]bool{},
	}
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// loadRoot includes every definition file found directly inside dir, in
// lexical order. A missing directory contributes nothing.
func (l *loader) loadRoot(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logf("actions directory %s does not exist", dir)
			return
		}
		l.errs = append(l.errs, fmt.Errorf("read actions directory %s: %w", dir, err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		l.include(filepath.Join(dir, name))
	}
}

func (l *loader) include(file string) {
	if !isDefinitionFile(file) {
		return
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = filepath.Clean(file)
	}
	if l.visited[abs] {
		return
	}
	if _, err := os.Stat(abs); err != nil {
		l.logf("warning: no file %s found", abs)
		return
	}
	l.visited[abs] = true
	l.files = append(l.files, abs)

	lib := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	parsed, err := parseDefinitionFile(abs)
	if err != nil {
		l.logf("error importing %s: %v", abs, err)
		name := importErrorPrefix + lib
		l.actions[name] = &Definition{Name: name, Library: lib, ImportError: err.Error()}
		l.errs = append(l.errs, apperrors.Wrap(apperrors.CodeDefinitionParseError, "import "+abs, err))
		return
	}

	dir := filepath.Dir(abs)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		dir = real
	}

	names := make([]string, 0, len(parsed.Actions))
	for name := range parsed.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := parsed.Actions[name]
		if def == nil {
			continue
		}
		def.Name = name
		def.Library = lib
		def.ImportError = ""
		if err := def.validate(); err != nil {
			l.errs = append(l.errs, apperrors.Wrap(apperrors.CodeDefinitionParseError, "import "+abs, err))
			continue
		}
		if def.Attributes.Module != "" && (l.handlers == nil || !l.handlers.Has(def.Attributes.Module)) {
			l.errs = append(l.errs, apperrors.Newf(apperrors.CodeDefinitionParseError,
				"import %s: action %s: unknown handler %q", abs, name, def.Attributes.Module))
			continue
		}
		if exe := def.Attributes.Executable; exe != "" && !filepath.IsAbs(exe) {
			def.Attributes.Executable = filepath.Join(dir, exe)
		}
		if existing, ok := l.actions[name]; ok && def.Priority <= existing.Priority {
			continue
		}
		l.actions[name] = def
	}

	for key, source := range parsed.DataDirs {
		if strings.HasPrefix(source, "./") || strings.HasPrefix(source, "../") {
			source = filepath.Join(filepath.Dir(abs), source)
		}
		l.dataDirs[key] = source
	}
	if parsed.Permissions != nil {
		l.permissions = *parsed.Permissions
	}

	for _, inc := range parsed.Include {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		l.include(inc)
	}
}

func parseDefinitionFile(path string) (*definitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("definition file is empty")
	}
	var parsed definitionFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &parsed)
	default:
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &parsed, nil
}
