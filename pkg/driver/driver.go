package driver

import (
	"context"
	"errors"
	"time"
)

// Kind selects the execution backend of a request.
type Kind int

const (
	// KindProcess runs CommandLine through the shell.
	KindProcess Kind = iota
	// KindHandler invokes a registered in-process handler.
	KindHandler
)

// ExecReq is the adapter-layer request for Execute.
type ExecReq struct {
	Kind Kind

	// Fully rendered command line, run by the shell. Process backend only.
	CommandLine string

	// Handler id and the canonical parameters passed to it. Handler backend only.
	Handler string
	Params  map[string]any

	// Absolute working directory. Output files are written here when
	// Capture is set.
	Dir       string
	FilesRoot string
	Capture   bool

	Action      string
	ExecutionID string

	// Optional execution context
	Timeout time.Duration // zero => no explicit timeout
}

// ExecResp is the adapter-layer response for Execute.
type ExecResp struct {
	ExitCode   int32
	StdoutTail string
	StderrTail string
	// Killed is set when the process ended by a signal or by cancellation.
	Killed   bool
	Duration time.Duration
}

// ErrKilled is returned when an execution was terminated before it finished.
var ErrKilled = errors.New("driver: execution killed")

// Driver defines the exec adapter interface. A non-zero exit is not an
// error; callers inspect ExitCode.
type Driver interface {
	Execute(ctx context.Context, req ExecReq) (ExecResp, error)
}
