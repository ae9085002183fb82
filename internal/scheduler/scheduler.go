// Package scheduler admits jobs, drives each one through resolution, the
// cache check and execution, and tracks in-flight jobs so they can be listed
// and killed.
//
// Job lifecycle:
//
//	queued -> resolving -> cached                  (cache hit, no process)
//	                    -> executing -> completed
//	                                 -> killed
//	                    -> failed                  (any resolution error)
//
// Admission is bounded by a weighted semaphore; jobs beyond the bound wait
// in queued state. Every submitted job produces exactly one response.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/WangQiHao-Charlie/actiond/internal/cache"
	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
	"github.com/WangQiHao-Charlie/actiond/internal/job"
	"github.com/WangQiHao-Charlie/actiond/internal/params"
	"github.com/WangQiHao-Charlie/actiond/internal/registry"
	"github.com/WangQiHao-Charlie/actiond/pkg/driver"
)

// TracerName names the tracer scheduler spans are recorded on.
const TracerName = "github.com/WangQiHao-Charlie/actiond/internal/scheduler"

// Registry is the part of the action registry the scheduler reads.
type Registry interface {
	Get(name string) (registry.Definition, error)
	Permissions() int
	Reload() []error
}

// Allocator creates output directories.
type Allocator interface {
	Allocate(ctx context.Context, requested, commandLine string, permissions int) (string, error)
}

// History stores finished jobs. It is optional.
type History interface {
	Append(ctx context.Context, rec job.Record) (int64, error)
	Recent(ctx context.Context, limit int, action string) ([]job.Record, error)
}

// Options wires a Scheduler to its collaborators.
type Options struct {
	Registry Registry
	Files    *fsroot.Root
	OutDirs  Allocator
	Driver   driver.Driver
	History  History

	// Workers bounds concurrently admitted jobs; default 2 x NumCPU.
	Workers int

	Events *driver.EventLog
	Tracer trace.Tracer
	Logf   func(string, ...any)
	Now    func() time.Time
}

// Scheduler runs jobs. It owns the in-flight job table.
type Scheduler struct {
	opts Options
	sem  *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*jobRecord

	inFlight atomic.Int64
}

// jobRecord is the live, unserializable state of one in-flight job.
type jobRecord struct {
	req     job.Request
	state   job.State
	backend registry.Backend
	started time.Time
	cancel  context.CancelFunc
	killed  bool
}

// New validates opts and returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil || opts.Files == nil || opts.OutDirs == nil || opts.Driver == nil {
		return nil, errors.New("scheduler: registry, files, output directories and driver are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.NumCPU()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Workers)),
		jobs: make(map[string]*jobRecord),
	}, nil
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Workers  int   `json:"workers"`
	InFlight int64 `json:"inFlight"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{Workers: s.opts.Workers, InFlight: s.inFlight.Load()}
}

// Perform handles one decoded client request, either a management command
// or an action submission. Request errors are reported in the response.
func (s *Scheduler) Perform(ctx context.Context, payload map[string]any) job.Response {
	req := job.FromMap(payload)
	if req.Manage != "" {
		return s.manage(ctx, req)
	}
	return s.Submit(ctx, req)
}

func (s *Scheduler) manage(ctx context.Context, req job.Request) job.Response {
	resp := job.Response{Handle: req.Handle}
	switch req.Manage {
	case job.ManageUpdate:
		errs := s.opts.Registry.Reload()
		resp.Status = "OK"
		for _, err := range errs {
			resp.Errors = append(resp.Errors, err.Error())
		}
	case job.ManageKill:
		target := req.ActionHandle
		if target == "" {
			target = req.Handle
		}
		if err := s.Kill(target); err != nil {
			return errorResponse(resp, err)
		}
		resp.Status = "OK"
	case job.ManageList:
		resp.Status = "OK"
		resp.Jobs = s.List()
	case job.ManageHistory:
		if s.opts.History == nil {
			return errorResponse(resp, apperrors.New(apperrors.CodeInternal, "job history is disabled"))
		}
		recs, err := s.opts.History.Recent(ctx, req.Limit, req.Action)
		if err != nil {
			return errorResponse(resp, apperrors.Wrap(apperrors.CodeInternal, "read history", err))
		}
		resp.Status = "OK"
		resp.History = recs
	default:
		return errorResponse(resp, apperrors.WithMetadata(apperrors.CodeInvalidParameter,
			"unknown manage command "+req.Manage, map[string]string{"manage": req.Manage}))
	}
	return resp
}

// List returns a snapshot of every in-flight job, oldest first.
func (s *Scheduler) List() []job.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Snapshot, 0, len(s.jobs))
	for handle, rec := range s.jobs {
		out = append(out, job.Snapshot{
			Handle:  handle,
			Action:  rec.req.Action,
			State:   rec.state,
			Started: rec.started,
			Request: rec.req.Payload(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Kill terminates the job tracked under handle. It fails with NOT_FOUND when
// no such job exists and NO_PROCESS when the job has no process to stop.
func (s *Scheduler) Kill(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[handle]
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"no ongoing action with handle "+handle, map[string]string{"handle": handle})
	}
	switch rec.state {
	case job.StateCompleted, job.StateKilled, job.StateFailed:
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"no ongoing action with handle "+handle, map[string]string{"handle": handle})
	}
	if rec.backend == registry.BackendHandler || rec.state == job.StateCacheHit {
		return apperrors.WithMetadata(apperrors.CodeNoProcess,
			"action "+handle+" has no process", map[string]string{"handle": handle})
	}
	rec.killed = true
	rec.cancel()
	return nil
}

// Submit runs one action request to completion.
func (s *Scheduler) Submit(ctx context.Context, req job.Request) job.Response {
	start := s.opts.Now()
	if req.Handle == "" {
		req.Handle = uuid.NewString()
	}
	resp := job.Response{Handle: req.Handle}
	if req.Action == "" {
		resp = errorResponse(resp, apperrors.WithMetadata(apperrors.CodeMissingParameter,
			"parameter action is required", map[string]string{"parameter": job.FieldAction}))
		s.finish(ctx, req, resp, start)
		return resp
	}

	// The job outlives a disconnected caller; only Kill cancels it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.track(req, cancel, start); err != nil {
		resp = errorResponse(resp, err)
		s.finish(ctx, req, resp, start)
		return resp
	}
	defer s.untrack(req.Handle)

	jobCtx, span := s.opts.Tracer.Start(jobCtx, "scheduler.Submit", trace.WithAttributes(
		attribute.String("actiond.action", req.Action),
		attribute.String("actiond.handle", req.Handle),
	))
	defer span.End()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	resp = s.run(jobCtx, req, resp)
	s.setState(req.Handle, terminalState(resp))

	span.SetAttributes(attribute.String("actiond.status", resp.Status))
	if resp.Code != "" {
		span.SetStatus(codes.Error, resp.Error)
		span.SetAttributes(attribute.String("actiond.code", resp.Code))
	}
	s.finish(ctx, req, resp, start)
	return resp
}

func (s *Scheduler) run(ctx context.Context, req job.Request, resp job.Response) job.Response {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return killedResponse(resp)
	}
	defer s.sem.Release(1)
	if s.killed(req.Handle) {
		return killedResponse(resp)
	}

	s.setState(req.Handle, job.StateResolving)
	plan, err := s.resolve(ctx, req)
	if plan != nil {
		resp.MTime = cache.Millis(plan.inputMTime)
		resp.OutputDirectory = plan.outDir
	}
	// A kill accepted during resolution wins over whatever resolve returned.
	if s.killed(req.Handle) {
		return killedResponse(resp)
	}
	if err != nil {
		return errorResponse(resp, err)
	}
	s.setBackend(req.Handle, plan.def.Backend())

	if plan.cacheable {
		hit, err := cache.Check(plan.absDir, plan.inputMTime, plan.record)
		if err != nil {
			s.opts.Logf("[SCHEDULER] cache check %s: %v", plan.outDir, err)
		}
		if hit {
			if !s.enter(req.Handle, job.StateCacheHit) {
				return killedResponse(resp)
			}
			trace.SpanFromContext(ctx).AddEvent("cache.hit")
			if err := cache.Touch(plan.absDir, s.opts.Now()); err != nil {
				s.opts.Logf("[SCHEDULER] refresh %s: %v", plan.outDir, err)
			}
			resp.Status = job.StatusCached
			if req.Stdout {
				resp.Stdout, resp.Stderr = cache.ReadOutput(plan.absDir)
			} else {
				resp.Stdout = job.StdoutHint
			}
			return resp
		}
	}

	if !s.enter(req.Handle, job.StateExecuting) {
		return killedResponse(resp)
	}
	return s.execute(ctx, req, plan, resp)
}

// plan is everything resolution produced for one job.
type plan struct {
	def        registry.Definition
	void       bool
	cacheable  bool
	command    string
	inputMTime time.Time
	outDir     string
	absDir     string
	record     []byte
}

func (s *Scheduler) resolve(ctx context.Context, req job.Request) (*plan, error) {
	def, err := s.opts.Registry.Get(req.Action)
	if err != nil {
		return nil, err
	}
	if def.ImportError != "" {
		return nil, apperrors.WithMetadata(apperrors.CodeDefinitionParseError,
			def.ImportError, map[string]string{"action": def.Name})
	}
	rendered, err := params.Render(def, req.Params, s.opts.Files)
	if err != nil {
		return nil, err
	}

	p := &plan{
		def:     def,
		void:    bool(def.Attributes.VoidAction),
		command: params.CommandLine(def, rendered.Tokens),
	}
	p.cacheable = !p.void && !req.ForceUpdate && !bool(def.Attributes.NoCache)

	p.inputMTime = rendered.InputMTime
	if def.Backend() == registry.BackendProcess {
		if p.inputMTime, err = cache.NewestInput(def.Attributes.Executable, rendered.InputMTime); err != nil {
			return nil, err
		}
	}

	if p.void {
		p.absDir = s.opts.Files.Path()
	} else {
		p.outDir, err = s.opts.OutDirs.Allocate(ctx, req.OutputDirectory, p.command, s.opts.Registry.Permissions())
		if err != nil {
			return p, err
		}
		p.absDir = s.opts.Files.Join(p.outDir)
	}

	p.record, err = cache.Record(req.Action, p.outDir, def, req.Params)
	if err != nil {
		return p, apperrors.Wrap(apperrors.CodeInternal, "serialize request", err)
	}
	return p, nil
}

func (s *Scheduler) execute(ctx context.Context, req job.Request, p *plan, resp job.Response) job.Response {
	execReq := driver.ExecReq{
		Kind:        driver.KindProcess,
		CommandLine: p.command,
		Dir:         p.absDir,
		FilesRoot:   s.opts.Files.Path(),
		Capture:     !p.void,
		Action:      req.Action,
		ExecutionID: req.Handle,
	}
	if p.def.Backend() == registry.BackendHandler {
		execReq.Kind = driver.KindHandler
		execReq.Handler = p.def.Attributes.Module
		execReq.Params = canonicalParams(p.record)
	}

	out, err := s.opts.Driver.Execute(ctx, execReq)
	switch {
	case errors.Is(err, driver.ErrKilled) || out.Killed:
		return killedResponse(resp)
	case err != nil:
		return errorResponse(resp, apperrors.Wrap(apperrors.CodeProcessFailure, "execute "+req.Action, err))
	case out.ExitCode != 0:
		resp = errorResponse(resp, apperrors.WithMetadata(apperrors.CodeProcessFailure,
			processFailureMessage(out), map[string]string{"action": req.Action}))
		resp.Stderr = out.StderrTail
		return resp
	}

	if !p.void {
		if err := cache.Commit(p.absDir, p.record, s.opts.Now()); err != nil {
			return errorResponse(resp, apperrors.Wrap(apperrors.CodeInternal, "commit "+p.outDir, err))
		}
	}
	resp.Status = job.OKStatus(out.Duration)
	switch {
	case !req.Stdout:
		resp.Stdout = job.StdoutHint
	case p.void:
		resp.Stdout, resp.Stderr = out.StdoutTail, out.StderrTail
	default:
		resp.Stdout, resp.Stderr = cache.ReadOutput(p.absDir)
	}
	return resp
}

func processFailureMessage(out driver.ExecResp) string {
	msg := "process exited with code " + strconv.Itoa(int(out.ExitCode))
	if out.StderrTail != "" {
		msg += ": " + out.StderrTail
	}
	return msg
}

// canonicalParams decodes the canonical record so handlers see exactly the
// values the cache key was built from.
func canonicalParams(record []byte) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(record, &out)
	return out
}

func (s *Scheduler) finish(ctx context.Context, req job.Request, resp job.Response, start time.Time) {
	dur := s.opts.Now().Sub(start)
	s.opts.Events.Log(map[string]any{
		"event":       "job.done",
		"action":      req.Action,
		"handle":      resp.Handle,
		"status":      resp.Status,
		"state":       terminalState(resp),
		"code":        resp.Code,
		"duration_ms": int(dur / time.Millisecond),
	})
	if s.opts.History == nil {
		return
	}
	rec := job.Record{
		Handle:          resp.Handle,
		Action:          req.Action,
		Status:          resp.Status,
		Code:            resp.Code,
		OutputDirectory: resp.OutputDirectory,
		Cached:          resp.Status == job.StatusCached,
		Duration:        dur.Seconds(),
		FinishedAt:      s.opts.Now(),
	}
	if _, err := s.opts.History.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.opts.Logf("[SCHEDULER] record history for %s: %v", resp.Handle, err)
	}
}

func (s *Scheduler) track(req job.Request, cancel context.CancelFunc, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[req.Handle]; dup {
		return apperrors.WithMetadata(apperrors.CodeInvalidParameter,
			"handle "+req.Handle+" is already in use", map[string]string{"handle": req.Handle})
	}
	s.jobs[req.Handle] = &jobRecord{req: req, state: job.StateQueued, started: started, cancel: cancel}
	return nil
}

func (s *Scheduler) untrack(handle string) {
	s.mu.Lock()
	delete(s.jobs, handle)
	s.mu.Unlock()
}

func (s *Scheduler) setState(handle string, state job.State) {
	s.mu.Lock()
	if rec, ok := s.jobs[handle]; ok {
		rec.state = state
	}
	s.mu.Unlock()
}

// enter moves a job into state unless it has been killed, in one step, so a
// kill is either refused by the new state or observed here.
func (s *Scheduler) enter(handle string, state job.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[handle]
	if !ok {
		return true
	}
	if rec.killed {
		return false
	}
	rec.state = state
	return true
}

func (s *Scheduler) setBackend(handle string, b registry.Backend) {
	s.mu.Lock()
	if rec, ok := s.jobs[handle]; ok {
		rec.backend = b
	}
	s.mu.Unlock()
}

func (s *Scheduler) killed(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[handle]
	return ok && rec.killed
}

// terminalState is the lifecycle state a finished job ends in.
func terminalState(resp job.Response) job.State {
	switch resp.Status {
	case job.StatusKilled:
		return job.StateKilled
	case job.StatusError:
		return job.StateFailed
	case job.StatusCached:
		return job.StateCacheHit
	default:
		return job.StateCompleted
	}
}

func errorResponse(resp job.Response, err error) job.Response {
	resp.Status = job.StatusError
	resp.Error = err.Error()
	resp.Code = string(apperrors.CodeOf(err))
	return resp
}

func killedResponse(resp job.Response) job.Response {
	resp.Status = job.StatusKilled
	return resp
}
