// Package config loads the server configuration from the environment and
// lets command-line flags override it.
package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// HistoryDisabled turns the job history store off when used as HistoryDB.
const HistoryDisabled = "off"

// Config holds the actiond configuration.
type Config struct {
	FilesRoot  string   `env:"ACTIOND_FILES_ROOT" envDefault:"./files"`
	ActionDirs []string `env:"ACTIOND_ACTION_DIRS" envSeparator:"," envDefault:"./actions.d"`

	GRPCAddr string `env:"ACTIOND_GRPC_ADDR" envDefault:"localhost:8085"`
	// Socket, when set, serves gRPC on a unix socket instead of GRPCAddr.
	Socket   string `env:"ACTIOND_SOCKET"`
	HTTPAddr string `env:"ACTIOND_HTTP_ADDR" envDefault:"localhost:8086"`

	Workers          int           `env:"ACTIOND_WORKERS"`
	ExecTimeout      time.Duration `env:"ACTIOND_EXEC_TIMEOUT"`
	TerminationGrace time.Duration `env:"ACTIOND_TERMINATION_GRACE" envDefault:"5s"`
	TailBytes        int           `env:"ACTIOND_TAIL_BYTES" envDefault:"8192"`

	// HistoryDB is the SQLite path; empty means <FilesRoot>/actiond.db.
	HistoryDB string `env:"ACTIOND_HISTORY_DB"`

	WatchInterval time.Duration `env:"ACTIOND_WATCH_INTERVAL" envDefault:"2s"`
	CacheMaxAge   time.Duration `env:"ACTIOND_CACHE_MAX_AGE" envDefault:"720h"`
	// JanitorHour pins the daily sweep; negative picks a random hour.
	JanitorHour int `env:"ACTIOND_JANITOR_HOUR" envDefault:"-1"`

	OTelEndpoint string `env:"ACTIOND_OTEL_ENDPOINT"`
	Verbose      bool   `env:"ACTIOND_VERBOSE"`
}

// Parse loads env defaults and then applies flags from args. A nil environ
// reads the process environment.
func Parse(fs *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	var err error
	if environ == nil {
		err = env.Parse(&cfg)
	} else {
		err = env.ParseWithOptions(&cfg, env.Options{Environment: environ})
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	actionDirs := strings.Join(cfg.ActionDirs, ",")
	fs.StringVar(&cfg.FilesRoot, "files", cfg.FilesRoot, "file root served to actions")
	fs.StringVar(&actionDirs, "actions", actionDirs, "comma-separated directories of action definition files")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "unix socket path for gRPC (overrides -grpc-addr)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP gateway listen address (empty disables)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent jobs (0 = 2 x CPUs)")
	fs.DurationVar(&cfg.ExecTimeout, "exec-timeout", cfg.ExecTimeout, "per-job execution limit (0 = none)")
	fs.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, `job history database ("off" disables)`)
	fs.DurationVar(&cfg.WatchInterval, "watch-interval", cfg.WatchInterval, "definition file poll interval")
	fs.IntVar(&cfg.JanitorHour, "janitor-hour", cfg.JanitorHour, "hour of the daily cache sweep (-1 = random)")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.ActionDirs = splitComma(actionDirs)

	if strings.TrimSpace(cfg.FilesRoot) == "" {
		return Config{}, fmt.Errorf("files root is required")
	}
	if cfg.Workers < 0 {
		return Config{}, fmt.Errorf("workers must not be negative")
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.FilesRoot, "actiond.db")
	}
	return cfg, nil
}

// HistoryEnabled reports whether a job history store should be opened.
func (c Config) HistoryEnabled() bool {
	return c.HistoryDB != HistoryDisabled
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
