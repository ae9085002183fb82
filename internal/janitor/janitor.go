// Package janitor reaps content-addressed cache entries that have not been
// produced or reused for a long time.
package janitor

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxAge is how long an idle cache entry is kept.
const DefaultMaxAge = 30 * 24 * time.Hour

// Pruner drops old records from a secondary store during a sweep.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures a Janitor.
type Options struct {
	// CacheDir is the absolute cache root, laid out as <h0>/<h1>/<entry>.
	CacheDir string
	MaxAge   time.Duration
	// Hour is the local hour of the daily sweep; negative draws one at random.
	Hour int
	// History is pruned with the same cutoff. Optional.
	History Pruner
	Logf    func(string, ...any)
	Now     func() time.Time
}

// Janitor sweeps the cache once a day at a fixed hour and on demand.
type Janitor struct {
	opts    Options
	trigger chan struct{}
}

// New returns a Janitor. The sweep hour is fixed for the life of the process.
func New(opts Options) *Janitor {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Hour < 0 || opts.Hour > 23 {
		opts.Hour = rand.IntN(24)
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{opts: opts, trigger: make(chan struct{}, 1)}
}

// Hour returns the hour of the daily sweep.
func (j *Janitor) Hour() int { return j.opts.Hour }

// Trigger requests an immediate sweep. Requests made while one is pending
// are coalesced.
func (j *Janitor) Trigger() {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// NextRun returns the first occurrence of the sweep hour strictly after now.
func (j *Janitor) NextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), j.opts.Hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run sweeps daily and on Trigger until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.opts.Logf("[JANITOR] daily sweep at %02d:00", j.opts.Hour)
	for {
		wait := time.Until(j.NextRun(j.opts.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-j.trigger:
			timer.Stop()
		}
		removed := j.Sweep(ctx, j.opts.Now())
		j.opts.Logf("[JANITOR] sweep removed %d cache entries", removed)
	}
}

// Sweep removes every entry whose directory mtime is older than the max age
// and returns how many were removed. Failures on single entries are logged
// and skipped.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-j.opts.MaxAge)
	removed := 0
	entries, err := filepath.Glob(filepath.Join(j.opts.CacheDir, "*", "*", "*"))
	if err != nil {
		j.opts.Logf("[JANITOR] list cache: %v", err)
		return 0
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		fi, err := os.Lstat(entry)
		if err != nil {
			if !os.IsNotExist(err) {
				j.opts.Logf("[JANITOR] stat %s: %v", entry, err)
			}
			continue
		}
		if !fi.IsDir() || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(entry); err != nil {
			j.opts.Logf("[JANITOR] remove %s: %v", entry, err)
			continue
		}
		removed++
	}
	if j.opts.History != nil {
		if n, err := j.opts.History.Prune(ctx, cutoff); err != nil {
			j.opts.Logf("[JANITOR] prune history: %v", err)
		} else if n > 0 {
			j.opts.Logf("[JANITOR] pruned %d history records", n)
		}
	}
	return removed
}
