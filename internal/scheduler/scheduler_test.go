package scheduler

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
	"github.com/WangQiHao-Charlie/actiond/internal/job"
	"github.com/WangQiHao-Charlie/actiond/internal/outdir"
	"github.com/WangQiHao-Charlie/actiond/internal/registry"
	"github.com/WangQiHao-Charlie/actiond/pkg/driver"
)

func lookupOrSkip(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not found in PATH; skipping", name)
	}
	if !filepath.IsAbs(p) {
		t.Skipf("%s resolved to non-absolute path %q; skipping", name, p)
	}
	return p
}

type memHistory struct {
	mu   sync.Mutex
	recs []job.Record
}

func (m *memHistory) Append(_ context.Context, rec job.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return int64(len(m.recs)), nil
}

func (m *memHistory) Recent(_ context.Context, limit int, action string) ([]job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Record
	for i := len(m.recs) - 1; i >= 0; i-- {
		if action != "" && m.recs[i].Action != action {
			continue
		}
		out = append(out, m.recs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type fixture struct {
	sched   *Scheduler
	files   *fsroot.Root
	reg     *registry.Registry
	dirs    *outdir.Manager
	history *memHistory
	release chan struct{}
}

const definitions = `{
  "dataDirs": {"data": "data"},
  "actions": {
    "echo_test": {
      "attributes": {"executable": "%ECHO%"},
      "parameters": [{"name": "msg", "type": "string", "required": true}]
    },
    "cat_test": {
      "attributes": {"executable": "%CAT%"},
      "parameters": [{"name": "input", "type": "file", "required": true}]
    },
    "sleep_test": {
      "attributes": {"command": "sleep 30", "noCache": true}
    },
    "fail_test": {
      "attributes": {"command": "echo broken 1>&2; exit 2"}
    },
    "touch_void": {
      "attributes": {"command": "echo void", "voidAction": true}
    },
    "block_test": {
      "attributes": {"module": "block"},
      "parameters": [{"name": "tag", "type": "string"}]
    }
  }
}`

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	lookupOrSkip(t, "sh")
	echo := lookupOrSkip(t, "echo")
	cat := lookupOrSkip(t, "cat")

	files, err := fsroot.New(t.TempDir())
	if err != nil {
		t.Fatalf("files root: %v", err)
	}
	defsDir := t.TempDir()
	content := strings.NewReplacer("%ECHO%", echo, "%CAT%", cat).Replace(definitions)
	if err := os.WriteFile(filepath.Join(defsDir, "test.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	events := driver.NewEventLog(&bytes.Buffer{})
	handlers := driver.NewHandlerDriver(map[string]driver.HandlerFunc{
		"block": func(ctx context.Context, call driver.HandlerCall) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "released", nil
		},
	}, events)

	reg := registry.New(registry.Options{
		Roots:      []string{defsDir},
		Files:      files,
		Handlers:   handlers,
		ExportPath: "-",
		Logf:       func(string, ...any) {},
	})
	if errs := reg.Reload(); len(errs) != 0 {
		t.Fatalf("reload: %v", errs)
	}

	dirs := outdir.New(files)
	t.Cleanup(dirs.Close)

	execDrv := driver.NewExecDriver(driver.Config{Events: events, TerminationGrace: 200 * time.Millisecond})
	history := &memHistory{}
	sched, err := New(Options{
		Registry: reg,
		Files:    files,
		OutDirs:  dirs,
		Driver:   driver.NewRouter(execDrv, handlers, 0),
		History:  history,
		Workers:  workers,
		Events:   events,
		Logf:     func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return &fixture{sched: sched, files: files, reg: reg, dirs: dirs, history: history, release: release}
}

func waitForState(t *testing.T, s *Scheduler, handle string, state job.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, snap := range s.List() {
			if snap.Handle == handle && snap.State == state {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handle %s never reached state %s; jobs = %+v", handle, state, s.List())
}

func TestEchoOKThenCachedThenForced(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first := f.sched.Perform(ctx, map[string]any{"action": "echo_test", "msg": "hi"})
	if !job.IsOK(first.Status) {
		t.Fatalf("first = %+v", first)
	}
	if first.Handle == "" || !strings.HasPrefix(first.OutputDirectory, "cache/") {
		t.Fatalf("first = %+v", first)
	}
	if first.Stdout != job.StdoutHint {
		t.Fatalf("stdout = %q, want hint", first.Stdout)
	}
	if first.MTime <= 0 {
		t.Fatalf("MTime = %d, want executable mtime", first.MTime)
	}
	log, err := os.ReadFile(f.files.Join(first.OutputDirectory + "action.log"))
	if err != nil || string(log) != "hi\n" {
		t.Fatalf("action.log = %q, %v", log, err)
	}

	second := f.sched.Perform(ctx, map[string]any{"action": "echo_test", "msg": "hi", "stdout": true})
	if second.Status != job.StatusCached {
		t.Fatalf("second = %+v", second)
	}
	if second.OutputDirectory != first.OutputDirectory || second.Stdout != "hi\n" {
		t.Fatalf("second = %+v", second)
	}

	forced := f.sched.Perform(ctx, map[string]any{"action": "echo_test", "msg": "hi", "force_update": true})
	if !job.IsOK(forced.Status) {
		t.Fatalf("forced = %+v", forced)
	}

	if n := len(f.history.recs); n != 3 {
		t.Fatalf("history records = %d, want 3", n)
	}
	if !f.history.recs[1].Cached {
		t.Fatalf("second history record = %+v", f.history.recs[1])
	}
}

func TestNewerInputReexecutes(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	input := f.files.Join("data/in.txt")
	if err := os.WriteFile(input, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	os.Chtimes(input, past, past)

	req := map[string]any{"action": "cat_test", "input": "data/in.txt"}
	if resp := f.sched.Perform(ctx, req); !job.IsOK(resp.Status) {
		t.Fatalf("first = %+v", resp)
	}
	if resp := f.sched.Perform(ctx, req); resp.Status != job.StatusCached {
		t.Fatalf("second = %+v", resp)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(input, future, future); err != nil {
		t.Fatal(err)
	}
	resp := f.sched.Perform(ctx, req)
	if !job.IsOK(resp.Status) {
		t.Fatalf("after touching input = %+v", resp)
	}
	if resp.MTime != future.UnixMilli() {
		t.Fatalf("MTime = %d, want %d", resp.MTime, future.UnixMilli())
	}
}

func TestMissingParameterCreatesNothing(t *testing.T) {
	f := newFixture(t, 2)
	resp := f.sched.Perform(context.Background(), map[string]any{"action": "echo_test"})
	if resp.Status != job.StatusError || resp.Code != string(apperrors.CodeMissingParameter) {
		t.Fatalf("resp = %+v", resp)
	}
	entries, err := os.ReadDir(f.files.Join(fsroot.CacheDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache entries created: %v", entries)
	}
	if _, err := os.Stat(f.files.Join(outdir.CounterFile)); !os.IsNotExist(err) {
		t.Fatalf("counter touched: %v", err)
	}
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	tests := []struct {
		name    string
		payload map[string]any
		code    apperrors.Code
	}{
		{"no action", map[string]any{"msg": "x"}, apperrors.CodeMissingParameter},
		{"unknown action", map[string]any{"action": "nope"}, apperrors.CodeActionNotFound},
		{"unknown manage", map[string]any{"manage": "explode"}, apperrors.CodeInvalidParameter},
		{"disallowed output", map[string]any{"action": "echo_test", "msg": "x", "output_directory": "../x"}, apperrors.CodePathNotAllowed},
		{"process failure", map[string]any{"action": "fail_test"}, apperrors.CodeProcessFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.sched.Perform(ctx, tc.payload)
			if resp.Status != job.StatusError || resp.Code != string(tc.code) {
				t.Fatalf("resp = %+v, want code %s", resp, tc.code)
			}
		})
	}
}

func TestProcessFailureCarriesStderr(t *testing.T) {
	f := newFixture(t, 2)
	resp := f.sched.Perform(context.Background(), map[string]any{"action": "fail_test"})
	if resp.Stderr != "broken\n" || !strings.Contains(resp.Error, "broken") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSequentialOutputDirectory(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	for i, want := range []string{"actions/1/", "actions/2/"} {
		resp := f.sched.Perform(ctx, map[string]any{"action": "echo_test", "msg": "seq", "output_directory": "actions/"})
		if !job.IsOK(resp.Status) || resp.OutputDirectory != want {
			t.Fatalf("run %d = %+v, want dir %s", i, resp, want)
		}
	}
}

func TestVoidActionSkipsCache(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp := f.sched.Perform(ctx, map[string]any{"action": "touch_void", "stdout": true})
		if !job.IsOK(resp.Status) || resp.OutputDirectory != "" || resp.Stdout != "void\n" {
			t.Fatalf("run %d = %+v", i, resp)
		}
	}
	if _, err := os.Stat(f.files.Join("action.json")); !os.IsNotExist(err) {
		t.Fatalf("void action wrote a record: %v", err)
	}
}

func TestKillYieldsKilledOnce(t *testing.T) {
	lookupOrSkip(t, "sleep")
	f := newFixture(t, 2)

	done := make(chan job.Response, 1)
	go func() {
		done <- f.sched.Perform(context.Background(), map[string]any{"action": "sleep_test", "handle": "k1"})
	}()
	waitForState(t, f.sched, "k1", job.StateExecuting)

	list := f.sched.Perform(context.Background(), map[string]any{"manage": "list"})
	if len(list.Jobs) != 1 || list.Jobs[0].Request["action"] != "sleep_test" {
		t.Fatalf("list = %+v", list)
	}

	kill := f.sched.Perform(context.Background(), map[string]any{"manage": "kill", "actionHandle": "k1"})
	if kill.Status != "OK" {
		t.Fatalf("kill = %+v", kill)
	}

	select {
	case resp := <-done:
		if resp.Status != job.StatusKilled || resp.Handle != "k1" {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("killed job never returned")
	}
	select {
	case extra := <-done:
		t.Fatalf("second terminal response: %+v", extra)
	default:
	}

	if err := f.sched.Kill("k1"); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("kill after completion = %v, want NOT_FOUND", err)
	}
}

func TestKillUnknownHandle(t *testing.T) {
	f := newFixture(t, 2)
	resp := f.sched.Perform(context.Background(), map[string]any{"manage": "kill", "actionHandle": "ghost"})
	if resp.Code != string(apperrors.CodeNotFound) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestKillHandlerJobHasNoProcess(t *testing.T) {
	f := newFixture(t, 2)
	done := make(chan job.Response, 1)
	go func() {
		done <- f.sched.Perform(context.Background(), map[string]any{"action": "block_test", "handle": "h1"})
	}()
	waitForState(t, f.sched, "h1", job.StateExecuting)

	if err := f.sched.Kill("h1"); !apperrors.Is(err, apperrors.CodeNoProcess) {
		t.Fatalf("kill = %v, want NO_PROCESS", err)
	}
	close(f.release)
	resp := <-done
	if !job.IsOK(resp.Status) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAdmissionIsBounded(t *testing.T) {
	f := newFixture(t, 1)
	var wg sync.WaitGroup
	responses := make([]job.Response, 2)
	for i, h := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = f.sched.Perform(context.Background(), map[string]any{"action": "block_test", "handle": h, "tag": h})
		}()
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		states := map[job.State]int{}
		for _, snap := range f.sched.List() {
			states[snap.State]++
		}
		if states[job.StateExecuting] == 1 && states[job.StateQueued] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v", states)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := f.sched.Stats(); st.Workers != 1 || st.InFlight != 2 {
		t.Fatalf("stats = %+v", st)
	}

	close(f.release)
	wg.Wait()
	for _, r := range responses {
		if !job.IsOK(r.Status) {
			t.Fatalf("resp = %+v", r)
		}
	}
}

func TestDuplicateHandleRejected(t *testing.T) {
	f := newFixture(t, 2)
	done := make(chan job.Response, 1)
	go func() {
		done <- f.sched.Perform(context.Background(), map[string]any{"action": "block_test", "handle": "dup"})
	}()
	waitForState(t, f.sched, "dup", job.StateExecuting)

	resp := f.sched.Perform(context.Background(), map[string]any{"action": "block_test", "handle": "dup"})
	if resp.Code != string(apperrors.CodeInvalidParameter) {
		t.Fatalf("resp = %+v", resp)
	}
	close(f.release)
	<-done
}

func TestManageUpdateAndHistory(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	if resp := f.sched.Perform(ctx, map[string]any{"manage": "update"}); resp.Status != "OK" || len(resp.Errors) != 0 {
		t.Fatalf("update = %+v", resp)
	}
	f.sched.Perform(ctx, map[string]any{"action": "echo_test", "msg": "a"})
	f.sched.Perform(ctx, map[string]any{"action": "nope"})

	resp := f.sched.Perform(ctx, map[string]any{"manage": "history", "limit": "1"})
	if resp.Status != "OK" || len(resp.History) != 1 || resp.History[0].Action != "nope" {
		t.Fatalf("history = %+v", resp)
	}
	resp = f.sched.Perform(ctx, map[string]any{"manage": "history", "action": "echo_test"})
	if len(resp.History) != 1 || !job.IsOK(resp.History[0].Status) {
		t.Fatalf("filtered history = %+v", resp)
	}
}

// gatedAllocator reports when allocation starts and then either waits for
// gate before delegating to next, or, with a nil gate, blocks until the job
// context ends the way a busy sequential allocator does.
type gatedAllocator struct {
	next    Allocator
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedAllocator) Allocate(ctx context.Context, requested, commandLine string, permissions int) (string, error) {
	close(g.entered)
	if g.gate == nil {
		<-ctx.Done()
		return "", ctx.Err()
	}
	<-g.gate
	return g.next.Allocate(ctx, requested, commandLine, permissions)
}

func (f *fixture) withAllocator(t *testing.T, alloc Allocator) *Scheduler {
	t.Helper()
	events := driver.NewEventLog(&bytes.Buffer{})
	sched, err := New(Options{
		Registry: f.reg,
		Files:    f.files,
		OutDirs:  alloc,
		Driver: driver.NewRouter(
			driver.NewExecDriver(driver.Config{Events: events, TerminationGrace: 200 * time.Millisecond}),
			driver.NewHandlerDriver(nil, events), 0),
		Workers: 2,
		Events:  events,
		Logf:    func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return sched
}

func awaitResponse(t *testing.T, done <-chan job.Response) job.Response {
	t.Helper()
	select {
	case resp := <-done:
		return resp
	case <-time.After(10 * time.Second):
		t.Fatal("job never returned")
	}
	return job.Response{}
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("allocation never started")
	}
}

func TestKillWhileAllocatingYieldsKilled(t *testing.T) {
	f := newFixture(t, 2)
	alloc := &gatedAllocator{entered: make(chan struct{})}
	sched := f.withAllocator(t, alloc)

	done := make(chan job.Response, 1)
	go func() {
		done <- sched.Perform(context.Background(), map[string]any{"action": "echo_test", "msg": "hi", "handle": "r1"})
	}()
	awaitSignal(t, alloc.entered)
	if err := sched.Kill("r1"); err != nil {
		t.Fatalf("kill during resolution: %v", err)
	}

	resp := awaitResponse(t, done)
	if resp.Status != job.StatusKilled || resp.Code != "" {
		t.Fatalf("resp = %+v, want KILLED", resp)
	}
}

func TestKillBeforeCacheHitYieldsKilled(t *testing.T) {
	f := newFixture(t, 2)
	payload := map[string]any{"action": "echo_test", "msg": "warm"}
	if resp := f.sched.Perform(context.Background(), payload); !job.IsOK(resp.Status) {
		t.Fatalf("warm-up = %+v", resp)
	}

	alloc := &gatedAllocator{next: f.dirs, entered: make(chan struct{}), gate: make(chan struct{})}
	sched := f.withAllocator(t, alloc)
	done := make(chan job.Response, 1)
	go func() {
		done <- sched.Perform(context.Background(), map[string]any{"action": "echo_test", "msg": "warm", "handle": "r2"})
	}()
	awaitSignal(t, alloc.entered)
	if err := sched.Kill("r2"); err != nil {
		t.Fatalf("kill during resolution: %v", err)
	}
	close(alloc.gate)

	if resp := awaitResponse(t, done); resp.Status != job.StatusKilled {
		t.Fatalf("resp = %+v, want KILLED", resp)
	}
	if resp := f.sched.Perform(context.Background(), payload); resp.Status != job.StatusCached {
		t.Fatalf("cache entry lost after kill: %+v", resp)
	}
}

func TestTerminalStates(t *testing.T) {
	tests := []struct {
		status string
		want   job.State
	}{
		{"OK (0.2s)", job.StateCompleted},
		{job.StatusCached, job.StateCacheHit},
		{job.StatusKilled, job.StateKilled},
		{job.StatusError, job.StateFailed},
	}
	for _, tc := range tests {
		if got := terminalState(job.Response{Status: tc.status}); got != tc.want {
			t.Fatalf("terminalState(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestKillAfterTerminalStateIsNotFound(t *testing.T) {
	f := newFixture(t, 1)
	cancelled := false
	req := job.Request{Handle: "t1", Action: "echo_test"}
	if err := f.sched.track(req, func() { cancelled = true }, time.Now()); err != nil {
		t.Fatal(err)
	}
	f.sched.setState("t1", job.StateCompleted)

	if err := f.sched.Kill("t1"); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("kill finished job = %v, want NOT_FOUND", err)
	}
	if cancelled {
		t.Fatal("finished job was cancelled")
	}
	f.sched.untrack("t1")
}
