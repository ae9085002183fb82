// Package server assembles actiond from its components and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/WangQiHao-Charlie/actiond/internal/config"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
	"github.com/WangQiHao-Charlie/actiond/internal/handlers"
	"github.com/WangQiHao-Charlie/actiond/internal/history"
	"github.com/WangQiHao-Charlie/actiond/internal/janitor"
	"github.com/WangQiHao-Charlie/actiond/internal/outdir"
	"github.com/WangQiHao-Charlie/actiond/internal/registry"
	"github.com/WangQiHao-Charlie/actiond/internal/scheduler"
	"github.com/WangQiHao-Charlie/actiond/internal/service"
	"github.com/WangQiHao-Charlie/actiond/internal/telemetry"
	"github.com/WangQiHao-Charlie/actiond/pkg/driver"
)

const shutdownTimeout = 5 * time.Second

// Options carries process-level sinks. Zero values use stdout and log.Printf.
type Options struct {
	Events io.Writer
	Logf   func(string, ...any)
}

// Server owns every long-lived component of actiond.
type Server struct {
	cfg  config.Config
	logf func(string, ...any)

	files     *fsroot.Root
	registry  *registry.Registry
	outdirs   *outdir.Manager
	exec      *driver.ExecDriver
	scheduler *scheduler.Scheduler
	history   *history.Store
	janitor   *janitor.Janitor

	grpc   *grpc.Server
	health *health.Server
	http   *http.Server
}

// New builds the component graph and performs the initial registry load.
// Definition errors are logged; they never prevent startup.
func New(cfg config.Config, opts Options) (*Server, error) {
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Events == nil {
		opts.Events = os.Stdout
	}
	s := &Server{cfg: cfg, logf: opts.Logf}

	files, err := fsroot.New(cfg.FilesRoot)
	if err != nil {
		return nil, err
	}
	s.files = files

	events := driver.NewEventLog(opts.Events)
	handlerDriver := driver.NewHandlerDriver(handlers.Builtin(), events)
	s.exec = driver.NewExecDriver(driver.Config{
		StdoutTailBytes:  cfg.TailBytes,
		StderrTailBytes:  cfg.TailBytes,
		TerminationGrace: cfg.TerminationGrace,
		Events:           events,
	})

	s.registry = registry.New(registry.Options{
		Roots:    cfg.ActionDirs,
		Files:    files,
		Handlers: handlerDriver,
		Logf:     opts.Logf,
	})
	s.outdirs = outdir.New(files)

	janitorOpts := janitor.Options{
		CacheDir: filepath.Join(files.Path(), fsroot.CacheDir),
		MaxAge:   cfg.CacheMaxAge,
		Hour:     cfg.JanitorHour,
		Logf:     opts.Logf,
	}
	schedOpts := scheduler.Options{
		Registry: s.registry,
		Files:    files,
		OutDirs:  s.outdirs,
		Driver:   driver.NewRouter(s.exec, handlerDriver, cfg.ExecTimeout),
		Workers:  cfg.Workers,
		Events:   events,
		Tracer:   telemetry.Tracer(scheduler.TracerName),
		Logf:     opts.Logf,
	}
	if cfg.HistoryEnabled() {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			s.outdirs.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		s.history = store
		schedOpts.History = store
		janitorOpts.History = store
	}
	s.janitor = janitor.New(janitorOpts)
	s.registry.OnReload(s.janitor.Trigger)

	s.scheduler, err = scheduler.New(schedOpts)
	if err != nil {
		s.Close()
		return nil, err
	}

	for _, err := range s.registry.Reload() {
		opts.Logf("[ACTIOND] load definitions: %v", err)
	}
	opts.Logf("[ACTIOND] %d actions loaded from %v", len(s.registry.Names()), cfg.ActionDirs)

	s.grpc = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	service.RegisterActionServiceServer(s.grpc, service.NewActionServer(s.scheduler, s.registry))
	s.health = health.NewServer()
	s.health.SetServingStatus(service.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.http = &http.Server{
		Handler: service.NewGateway(service.GatewayOptions{
			Performer: s.scheduler,
			Catalog:   s.registry,
			Health:    s.healthFields,
			Logf:      opts.Logf,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) healthFields() map[string]any {
	return map[string]any{
		"actions":   len(s.registry.Names()),
		"scheduler": s.scheduler.Stats(),
		"driver":    s.exec.Metrics(),
		"janitor":   fmt.Sprintf("%02d:00", s.janitor.Hour()),
	}
}

// Scheduler returns the job scheduler.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Handler returns the HTTP gateway.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Listen opens the gRPC listener: a unix socket when cfg.Socket is set,
// otherwise TCP on cfg.GRPCAddr. A stale socket file is replaced.
func Listen(cfg config.Config) (net.Listener, error) {
	if cfg.Socket == "" {
		return net.Listen("tcp", cfg.GRPCAddr)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if _, err := os.Stat(cfg.Socket); err == nil {
		_ = os.Remove(cfg.Socket)
	}
	l, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(cfg.Socket, 0o766)
	return l, nil
}

// Run serves gRPC on grpcLis and, when httpLis is non-nil, the HTTP gateway,
// alongside the definition watcher and the cache janitor. It returns after
// ctx ends and everything has stopped.
func (s *Server) Run(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.registry.Watch(gctx, registry.PollWatcher{Interval: s.cfg.WatchInterval})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watch definitions: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.janitor.Run(gctx) })

	g.Go(func() error {
		s.logf("[ACTIOND] gRPC listening on %s", grpcLis.Addr())
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if httpLis != nil {
		g.Go(func() error {
			s.logf("[ACTIOND] HTTP gateway listening on %s", httpLis.Addr())
			if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logf("[ACTIOND] shutting down")
		s.health.Shutdown()
		s.grpc.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the output-directory allocator and the history store.
func (s *Server) Close() error {
	if s.outdirs != nil {
		s.outdirs.Close()
	}
	return s.history.Close()
}
