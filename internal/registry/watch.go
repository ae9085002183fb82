package registry

import (
	"context"
	"os"
	"time"
)

// Watcher notifies onChange whenever one of the paths returned by paths
// changes. paths is re-evaluated on every check because the watched file set
// changes with each reload. Watch blocks until ctx ends.
type Watcher interface {
	Watch(ctx context.Context, paths func() []string, onChange func()) error
}

// PollWatcher detects changes by comparing modification times at a fixed
// interval. A file that appears or disappears also counts as a change.
type PollWatcher struct {
	Interval time.Duration
}

const defaultPollInterval = 2 * time.Second

func (w PollWatcher) Watch(ctx context.Context, paths func() []string, onChange func()) error {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	seen := map[string]time.Time{}
	check := func(notify bool) {
		changed := false
		current := make(map[string]time.Time)
		for _, p := range paths() {
			var mod time.Time
			if fi, err := os.Stat(p); err == nil {
				mod = fi.ModTime()
			}
			current[p] = mod
			prev, ok := seen[p]
			if ok && !prev.Equal(mod) {
				changed = true
			}
		}
		seen = current
		if changed && notify {
			onChange()
		}
	}
	check(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check(true)
		}
	}
}
