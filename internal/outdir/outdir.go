// Package outdir chooses and creates the output directory of a job.
package outdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/WangQiHao-Charlie/actiond/internal/cache"
	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
)

// CounterFile persists the last allocated sequential directory number,
// relative to the file root.
const CounterFile = "actions/counter.json"

// Policy is the way an output directory is picked.
type Policy int

const (
	ContentAddressed Policy = iota
	Sequential
	CallerSpecified
)

func (p Policy) String() string {
	switch p {
	case Sequential:
		return "sequential"
	case CallerSpecified:
		return "caller"
	default:
		return "content"
	}
}

// Select returns the policy for a requested output_directory. When the
// registry's permission level is 0 every request is content-addressed.
func Select(requested string, permissions int) Policy {
	if permissions == 0 {
		return ContentAddressed
	}
	switch requested {
	case "", fsroot.CacheDir + "/":
		return ContentAddressed
	case fsroot.ActionsDir + "/":
		return Sequential
	default:
		return CallerSpecified
	}
}

type seqRequest struct {
	reply chan seqReply
}

type seqReply struct {
	dir string
	err error
}

// Manager allocates output directories below a file root. Sequential
// numbers are handed out by a single goroutine in request order.
type Manager struct {
	files *fsroot.Root
	seq   chan seqRequest
	stop  chan struct{}
	done  chan struct{}
}

// New starts the sequential allocator. Call Close to stop it.
func New(files *fsroot.Root) *Manager {
	m := &Manager{
		files: files,
		seq:   make(chan seqRequest),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.loop()
	return m
}

// Close stops the allocator goroutine.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case req := <-m.seq:
			dir, err := m.nextSequential()
			req.reply <- seqReply{dir: dir, err: err}
		}
	}
}

// Allocate creates the output directory for a request and returns it
// relative to the file root, with a trailing slash. commandLine feeds the
// content address.
func (m *Manager) Allocate(ctx context.Context, requested, commandLine string, permissions int) (string, error) {
	switch Select(requested, permissions) {
	case Sequential:
		return m.allocateSequential(ctx)
	case CallerSpecified:
		return m.allocateCaller(requested)
	default:
		return m.allocateContent(commandLine)
	}
}

// ContentDir returns the sharded cache directory for a command line.
func ContentDir(commandLine string) string {
	key := cache.Key(commandLine)
	return path.Join(fsroot.CacheDir, key[0:1], key[1:2], key) + "/"
}

func (m *Manager) allocateContent(commandLine string) (string, error) {
	dir := ContentDir(commandLine)
	if err := os.MkdirAll(m.files.Join(dir), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "create "+dir, err)
	}
	return dir, nil
}

func (m *Manager) allocateCaller(requested string) (string, error) {
	clean := path.Clean(filepath.ToSlash(requested))
	if path.IsAbs(clean) || clean == "." {
		return "", apperrors.WithMetadata(apperrors.CodePathNotAllowed,
			"output directory "+requested+" not allowed", map[string]string{"path": requested})
	}
	first, _, _ := strings.Cut(clean, "/")
	if _, err := m.files.Validate(first); err != nil {
		if apperrors.Is(err, apperrors.CodePathNotAllowed) {
			return "", err
		}
		return "", apperrors.Wrap(apperrors.CodePathNotAllowed, "output directory "+requested+" not allowed", err)
	}
	if err := os.MkdirAll(m.files.Join(clean), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "create "+clean, err)
	}
	return clean + "/", nil
}

func (m *Manager) allocateSequential(ctx context.Context) (string, error) {
	req := seqRequest{reply: make(chan seqReply, 1)}
	select {
	case m.seq <- req:
	case <-m.stop:
		return "", apperrors.New(apperrors.CodeInternal, "output directory manager closed")
	case <-ctx.Done():
		return "", apperrors.Wrap(apperrors.CodeInternal, "output directory allocation cancelled", ctx.Err())
	}
	// The allocation runs to completion once accepted so the counter never
	// skips a number that was handed out.
	r := <-req.reply
	return r.dir, r.err
}

type counter struct {
	Value int `json:"value"`
}

// nextSequential must only run on the allocator goroutine.
func (m *Manager) nextSequential() (string, error) {
	counterPath := m.files.Join(CounterFile)
	index := 1
	data, err := os.ReadFile(counterPath)
	switch {
	case err == nil:
		var c counter
		if err := json.Unmarshal(data, &c); err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "parse "+CounterFile, err)
		}
		index = c.Value + 1
	case errors.Is(err, fs.ErrNotExist):
	default:
		return "", apperrors.Wrap(apperrors.CodeInternal, "read "+CounterFile, err)
	}

	dir := path.Join(fsroot.ActionsDir, strconv.Itoa(index))
	if err := os.MkdirAll(m.files.Join(dir), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "create "+dir, err)
	}
	if err := writeCounter(counterPath, index); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "write "+CounterFile, err)
	}
	return dir + "/", nil
}

func writeCounter(p string, value int) error {
	data, err := json.Marshal(counter{Value: value})
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp counter: %w", err)
	}
	return os.Rename(tmp, p)
}
