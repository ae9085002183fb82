// Package cache decides whether a previously produced result is still valid
// and maintains the metadata files inside an output directory.
//
// An output directory is a cache entry:
//
//	{dir}/
//	  action.json  canonical serialized request that produced the entry
//	  action.log   captured stdout
//	  action.err   captured stderr
//
// The entry is valid while action.json is at least as new as every input and
// its bytes equal the freshly serialized request.
package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/registry"
)

const (
	RecordFile = "action.json"
	LogFile    = "action.log"
	ErrFile    = "action.err"
)

// Key returns the content address of a rendered command line.
//
// The digest covers the command line text, so two requests whose paths
// differ only textually (a trailing slash, a symlink alias) get different
// keys even though they run the same thing.
func Key(commandLine string) string {
	sum := sha1.Sum([]byte(commandLine))
	return hex.EncodeToString(sum[:])
}

// Record serializes a request canonically: action, output directory and then
// every declared parameter in declaration order. Absent parameters are
// omitted and the handle never appears.
func Record(action, outputDirectory string, def registry.Definition, values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(k string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}
	if err := write("action", action); err != nil {
		return nil, err
	}
	if err := write("output_directory", outputDirectory); err != nil {
		return nil, err
	}
	seen := map[string]bool{"action": true, "output_directory": true}
	for _, p := range def.Parameters {
		if p.IsAnchor() || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		v, ok := values[p.Name]
		if !ok || v == nil {
			continue
		}
		if err := write(p.Name, v); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewestInput folds the executable's modification time into inputs.
func NewestInput(executable string, inputs time.Time) (time.Time, error) {
	if executable == "" {
		return inputs, nil
	}
	fi, err := os.Stat(executable)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.CodeProcessFailure, "executable "+executable, err)
	}
	if fi.ModTime().After(inputs) {
		return fi.ModTime(), nil
	}
	return inputs, nil
}

// Millis reports t in Unix milliseconds, or -1 when no input contributed.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}

// Check reports whether dir holds a valid result for record. A missing,
// stale or differing action.json is a miss, never an error.
func Check(dir string, inputMTime time.Time, record []byte) (bool, error) {
	path := filepath.Join(dir, RecordFile)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.ModTime().Before(inputMTime) {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return bytes.Equal(data, record), nil
}

// Touch refreshes the modification time of the entry and its record so an
// entry still in use is not reaped.
func Touch(dir string, now time.Time) error {
	if err := os.Chtimes(filepath.Join(dir, RecordFile), now, now); err != nil {
		return fmt.Errorf("touch record: %w", err)
	}
	if err := os.Chtimes(dir, now, now); err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

// Commit atomically replaces the entry's action.json with record and then
// touches the directory.
func Commit(dir string, record []byte, now time.Time) error {
	tmp, err := os.CreateTemp(dir, ".action-*.json")
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, RecordFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace record: %w", err)
	}
	if err := os.Chtimes(dir, now, now); err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

// ReadOutput returns the captured stdout and stderr of an entry. Missing
// files read as empty.
func ReadOutput(dir string) (stdout, stderr string) {
	if b, err := os.ReadFile(filepath.Join(dir, LogFile)); err == nil {
		stdout = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, ErrFile)); err == nil {
		stderr = string(b)
	}
	return stdout, stderr
}
