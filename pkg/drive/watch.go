package drive

import (
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultWatchInterval = 2 * time.Second

	// notifyDebounce coalesces the burst of node events a single attach produces.
	notifyDebounce = 250 * time.Millisecond
)

// Snapshot is one observation of the attached drives. Err is set when that
// observation failed; a DiskWatch error is always the last snapshot.
type Snapshot struct {
	Drives []Drive
	Err    error
}

// WatchOptions configures Watch.
type WatchOptions struct {
	IncludeInternal bool
	Interval        time.Duration
	// NotifyDir, when set, triggers an immediate re-list whenever entries in
	// the directory change (typically /dev).
	NotifyDir string
}

// Watch lists drives on every interval tick and on device node changes,
// delivering snapshots until ctx is cancelled. The first snapshot is produced
// immediately. The returned channel is closed when the watch ends.
func (c *Catalog) Watch(ctx context.Context, opts WatchOptions) (<-chan Snapshot, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultWatchInterval
	}

	var watcher *fsnotify.Watcher
	if opts.NotifyDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Error("watch_notifier_failed", "error", err)
			return nil, errors.DiskWatch("cannot create device notifier: %v", err)
		}
		if err := w.Add(opts.NotifyDir); err != nil {
			w.Close()
			slog.Error("watch_notifier_failed", "dir", opts.NotifyDir, "error", err)
			return nil, errors.DiskWatch("cannot watch %s: %v", opts.NotifyDir, err)
		}
		watcher = w
	}

	out := make(chan Snapshot)
	go c.watchLoop(ctx, opts, watcher, out)

	slog.Debug("watch_started", "interval", opts.Interval, "notify_dir", opts.NotifyDir)
	return out, nil
}

func (c *Catalog) watchLoop(ctx context.Context, opts WatchOptions, watcher *fsnotify.Watcher, out chan<- Snapshot) {
	defer close(out)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}

	send := func(s Snapshot) bool {
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	emit := func() bool {
		drives, err := c.List(ctx, opts.IncludeInternal)
		if ctx.Err() != nil {
			return false
		}
		return send(Snapshot{Drives: drives, Err: err})
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time

	if !emit() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("watch_stopped")
			return

		case <-ticker.C:
			if !emit() {
				return
			}

		case ev, ok := <-events:
			if !ok {
				send(Snapshot{Err: errors.DiskWatch("device notifier closed")})
				return
			}
			slog.Debug("watch_device_event", "name", ev.Name, "op", ev.Op.String())
			if debounce == nil {
				debounce = time.After(notifyDebounce)
			}

		case <-debounce:
			debounce = nil
			if !emit() {
				return
			}

		case err, ok := <-errs:
			werr := errors.DiskWatch("device notifier closed")
			if ok {
				werr = errors.DiskWatch("%v", err)
			}
			slog.Error("watch_notifier_broken", "error", werr)
			send(Snapshot{Err: werr})
			return
		}
	}
}
