package driver

import (
	"context"
	"fmt"
	"time"
)

// Router dispatches a request to the driver of its backend.
//
// Typical flow:
//  1. scheduler calls Execute with Kind set from the action definition
//  2. process requests go to the exec driver, handler requests to the
//     handler driver
//  3. a default timeout is applied when the request has none
type Router struct {
	exec           Driver
	handlers       Driver
	defaultTimeout time.Duration
}

// NewRouter composes the two backends. defaultTimeout is used only when the
// incoming request has zero Timeout; zero means no limit.
func NewRouter(exec, handlers Driver, defaultTimeout time.Duration) *Router {
	return &Router{exec: exec, handlers: handlers, defaultTimeout: defaultTimeout}
}

// Execute implements Driver.
func (r *Router) Execute(ctx context.Context, req ExecReq) (ExecResp, error) {
	if req.Timeout == 0 && r.defaultTimeout > 0 {
		req.Timeout = r.defaultTimeout
	}
	switch req.Kind {
	case KindProcess:
		if r.exec == nil {
			return ExecResp{}, fmt.Errorf("no process backend configured")
		}
		return r.exec.Execute(ctx, req)
	case KindHandler:
		if r.handlers == nil {
			return ExecResp{}, fmt.Errorf("no handler backend configured")
		}
		return r.handlers.Execute(ctx, req)
	default:
		return ExecResp{}, fmt.Errorf("unknown backend %d", req.Kind)
	}
}
