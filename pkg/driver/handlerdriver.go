package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"
)

// HandlerCall carries what an in-process handler may use: the canonical
// request parameters, the file root and the job's output directory.
type HandlerCall struct {
	Params    map[string]any
	FilesRoot string
	Dir       string
}

// HandlerFunc is an in-process action. The returned text is reported as the
// action's standard output; a returned error becomes its standard error and
// a non-zero exit.
type HandlerFunc func(ctx context.Context, call HandlerCall) (string, error)

// HandlerDriver runs in-process handlers looked up by id. The set of ids is
// fixed at construction and doubles as the registry's capability table.
type HandlerDriver struct {
	handlers map[string]HandlerFunc
	events   *EventLog
}

// NewHandlerDriver copies handlers. A nil events log discards events.
func NewHandlerDriver(handlers map[string]HandlerFunc, events *EventLog) *HandlerDriver {
	m := make(map[string]HandlerFunc, len(handlers))
	for id, fn := range handlers {
		m[id] = fn
	}
	return &HandlerDriver{handlers: m, events: events}
}

// Has reports whether a handler with id is registered.
func (h *HandlerDriver) Has(id string) bool {
	_, ok := h.handlers[id]
	return ok
}

// IDs returns the registered handler ids, sorted.
func (h *HandlerDriver) IDs() []string {
	ids := make([]string, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *HandlerDriver) Execute(ctx context.Context, req ExecReq) (ExecResp, error) {
	if req.Kind != KindHandler {
		return ExecResp{}, fmt.Errorf("handler driver cannot run a process")
	}
	fn, ok := h.handlers[req.Handler]
	if !ok {
		return ExecResp{}, fmt.Errorf("no handler registered for %q", req.Handler)
	}

	start := time.Now()
	out, err := fn(ctx, HandlerCall{Params: req.Params, FilesRoot: req.FilesRoot, Dir: req.Dir})
	resp := ExecResp{StdoutTail: out, Duration: time.Since(start)}
	if err != nil {
		resp.ExitCode = 1
		resp.StderrTail = err.Error()
	}
	if req.Capture {
		if werr := writeOutputs(req.Dir, resp.StdoutTail, resp.StderrTail); werr != nil {
			return resp, werr
		}
	}
	h.events.Log(map[string]any{
		"event":       "handler.finish",
		"action":      req.Action,
		"handler":     req.Handler,
		"exec_id":     req.ExecutionID,
		"exit_code":   resp.ExitCode,
		"duration_ms": int(resp.Duration / time.Millisecond),
	})
	return resp, nil
}

func writeOutputs(dir, stdout, stderr string) error {
	req := ExecReq{Dir: dir, Capture: true}
	outW, errW, closeAll, err := openOutputs(req, io.Discard, io.Discard)
	if err != nil {
		return err
	}
	defer closeAll()
	if _, err := io.WriteString(outW, stdout); err != nil {
		return fmt.Errorf("write %s: %w", StdoutFile, err)
	}
	if _, err := io.WriteString(errW, stderr); err != nil {
		return fmt.Errorf("write %s: %w", StderrFile, err)
	}
	return nil
}
