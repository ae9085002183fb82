package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// File names written into the working directory when output is captured.
const (
	StdoutFile = "action.log"
	StderrFile = "action.err"
)

// Config controls the behavior of ExecDriver.
type Config struct {
	// Shell used to run command lines; default "/bin/sh".
	Shell string

	// Tail sizes in bytes; default 8192 when zero.
	StdoutTailBytes int
	StderrTailBytes int

	// Timeout grace period between SIGTERM and SIGKILL when timing out/canceled.
	TerminationGrace time.Duration // default 5s

	// Structured event log; default writes to os.Stdout.
	Events *EventLog
}

type ExecDriver struct {
	cfg Config

	// metrics
	mActive   int64    // gauge
	mSuccess  uint64   // counter
	mKilled   uint64   // counter
	mDuration struct { // naive histogram: sum and count
		sumMicros uint64
		count     uint64
	}
}

// NewExecDriver creates a Driver that runs rendered command lines through
// the shell, each in its own process group.
func NewExecDriver(cfg Config) *ExecDriver {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.StdoutTailBytes <= 0 {
		cfg.StdoutTailBytes = 8 << 10
	}
	if cfg.StderrTailBytes <= 0 {
		cfg.StderrTailBytes = 8 << 10
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 5 * time.Second
	}
	if cfg.Events == nil {
		cfg.Events = NewEventLog(os.Stdout)
	}
	return &ExecDriver{cfg: cfg}
}

func (d *ExecDriver) Execute(ctx context.Context, req ExecReq) (ExecResp, error) {
	if req.Kind != KindProcess {
		return ExecResp{}, fmt.Errorf("exec driver cannot run handler %q", req.Handler)
	}
	if req.CommandLine == "" {
		return ExecResp{}, fmt.Errorf("empty command line")
	}
	if err := ctx.Err(); err != nil {
		return ExecResp{Killed: true}, ErrKilled
	}

	start := time.Now()
	atomic.AddInt64(&d.mActive, 1)
	defer atomic.AddInt64(&d.mActive, -1)

	cmd := exec.Command(d.cfg.Shell, "-c", req.CommandLine)
	cmd.Dir = req.Dir
	// Create its own process group to signal TERM/KILL to children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"ACTIOND_HANDLE="+req.ExecutionID,
		"ACTIOND_ACTION="+req.Action,
		"ACTIOND_FILES_ROOT="+req.FilesRoot,
	)

	outTail := newTailBuffer(d.cfg.StdoutTailBytes)
	errTail := newTailBuffer(d.cfg.StderrTailBytes)
	outW, errW, closeLogs, err := openOutputs(req, outTail, errTail)
	if err != nil {
		return ExecResp{}, err
	}
	defer closeLogs()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResp{}, fmt.Errorf("spawn stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return ExecResp{}, fmt.Errorf("spawn stderr pipe: %w", err)
	}

	d.cfg.Events.Log(map[string]any{
		"event":    "exec.start",
		"action":   req.Action,
		"exec_id":  req.ExecutionID,
		"dir":      req.Dir,
		"cmd_len":  len(req.CommandLine),
		"captured": req.Capture,
	})
	if err := cmd.Start(); err != nil {
		d.cfg.Events.Log(map[string]any{
			"event":   "exec.spawn_error",
			"action":  req.Action,
			"exec_id": req.ExecutionID,
			"error":   err.Error(),
		})
		return ExecResp{}, fmt.Errorf("spawn error: %w", err)
	}

	// Reader goroutines
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ioCopyMulti(stdoutPipe, outW)
	}()
	go func() {
		defer wg.Done()
		ioCopyMulti(stderrPipe, errW)
	}()

	// Readers must drain before Wait closes the pipes.
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	terminated := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		terminated = true
		waitErr = d.terminateProcessGroup(cmd.Process.Pid, done)
	case <-timeout:
		terminated = true
		waitErr = d.terminateProcessGroup(cmd.Process.Pid, done)
	}

	exitCode := int32(-1)
	signaled := false
	if cmd.ProcessState != nil {
		exitCode = int32(cmd.ProcessState.ExitCode())
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signaled = true
		}
	}

	dur := time.Since(start)
	resp := ExecResp{
		ExitCode:   exitCode,
		StdoutTail: outTail.String(),
		StderrTail: errTail.String(),
		Killed:     terminated || signaled,
		Duration:   dur,
	}

	// Metrics
	atomic.AddUint64(&d.mDuration.count, 1)
	atomic.AddUint64(&d.mDuration.sumMicros, uint64(dur/time.Microsecond))
	switch {
	case resp.Killed:
		atomic.AddUint64(&d.mKilled, 1)
	case exitCode == 0:
		atomic.AddUint64(&d.mSuccess, 1)
	}

	d.cfg.Events.Log(map[string]any{
		"event":       "exec.finish",
		"action":      req.Action,
		"exec_id":     req.ExecutionID,
		"exit_code":   exitCode,
		"killed":      resp.Killed,
		"duration_ms": int(dur / time.Millisecond),
		"error":       errString(waitErr),
	})

	if resp.Killed {
		return resp, ErrKilled
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return resp, fmt.Errorf("wait: %w", waitErr)
	}
	return resp, nil
}

// terminateProcessGroup sends SIGTERM to the group, then SIGKILL if the
// process is still running after the grace period.
func (d *ExecDriver) terminateProcessGroup(pid int, done <-chan error) error {
	// Negative PID targets the process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	grace := time.NewTimer(d.cfg.TerminationGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-done
}

// openOutputs returns the writers for stdout and stderr. With Capture set,
// output is also streamed to the log files in the working directory.
func openOutputs(req ExecReq, outTail, errTail io.Writer) (io.Writer, io.Writer, func(), error) {
	if !req.Capture {
		return outTail, errTail, func() {}, nil
	}
	outFile, err := os.Create(filepath.Join(req.Dir, StdoutFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create %s: %w", StdoutFile, err)
	}
	errFile, err := os.Create(filepath.Join(req.Dir, StderrFile))
	if err != nil {
		outFile.Close()
		return nil, nil, nil, fmt.Errorf("create %s: %w", StderrFile, err)
	}
	closeAll := func() {
		_ = outFile.Close()
		_ = errFile.Close()
	}
	return io.MultiWriter(outFile, outTail), io.MultiWriter(errFile, errTail), closeAll, nil
}

// --- Helpers: tail buffer, copy loop ---

type tailBuffer struct {
	b    []byte
	size int
	mu   sync.Mutex
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = 8 << 10
	}
	return &tailBuffer{b: make([]byte, 0, n), size: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.size {
		// keep only last size bytes of p
		t.b = append(t.b[:0], p[len(p)-t.size:]...)
		return len(p), nil
	}
	if len(t.b)+len(p) > t.size {
		drop := len(t.b) + len(p) - t.size
		t.b = t.b[drop:]
	}
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}

// ioCopyMulti copies r to w until EOF. Write errors are ignored so the
// child never blocks on a full pipe.
func ioCopyMulti(r io.Reader, w io.Writer) {
	br := bufio.NewReader(r)
	buf := make([]byte, 32<<10)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Metrics exposes a snapshot of internal counters.
type Metrics struct {
	Active            int64
	Success           uint64
	Killed            uint64
	DurationCount     uint64
	DurationSumMicros uint64
}

func (d *ExecDriver) Metrics() Metrics {
	return Metrics{
		Active:            atomic.LoadInt64(&d.mActive),
		Success:           atomic.LoadUint64(&d.mSuccess),
		Killed:            atomic.LoadUint64(&d.mKilled),
		DurationCount:     atomic.LoadUint64(&d.mDuration.count),
		DurationSumMicros: atomic.LoadUint64(&d.mDuration.sumMicros),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
