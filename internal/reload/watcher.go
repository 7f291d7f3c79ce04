// Package reload hot-reloads the tool policy from the configuration file,
// triggered by file changes or SIGHUP.
package reload

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultDebounce     = 100 * time.Millisecond
)

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// ConfigPath is the path to the configuration file to watch.
	ConfigPath string

	// Debounce coalesces a burst of file events into one check.
	// Defaults to 100ms if zero.
	Debounce time.Duration

	// Poll disables change notification and polls instead, for
	// filesystems that do not deliver events (NFS, some container mounts).
	// Polling is also the fallback when notification cannot be set up.
	Poll bool

	// PollInterval is how often to check for file changes when polling.
	// Defaults to 5 seconds if zero.
	PollInterval time.Duration

	Logger *slog.Logger
}

func (c WatcherConfig) pollIntervalOrDefault() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

func (c WatcherConfig) debounceOrDefault() time.Duration {
	if c.Debounce > 0 {
		return c.Debounce
	}
	return defaultDebounce
}

// EventType describes the type of file change event.
type EventType string

const (
	// EventModified indicates the config file content changed.
	EventModified EventType = "modified"
)

// Event represents a file change notification.
type Event struct {
	Type       EventType
	ConfigPath string
}

// fingerprint identifies a version of the file. Content is hashed only
// when the cheap stat fields differ, so a touch without edits is ignored.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher reports content changes to a configuration file. It watches the
// file's directory so replacing the file by rename is seen, and falls back
// to polling when notification is unavailable.
type Watcher struct {
	cfg     WatcherConfig
	logger  *slog.Logger
	events  chan Event
	stop    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	polling   atomic.Bool

	// last is only touched by the running loop after Start.
	last fingerprint
}

// NewWatcher creates a new file watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		logger:  logger.With("component", "config-watcher"),
		events:  make(chan Event, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins watching the config file. Only the first call starts the
// goroutine; the baseline fingerprint is taken synchronously.
func (w *Watcher) Start(ctx context.Context) error {
	w.startOnce.Do(func() {
		w.started.Store(true)
		w.last, _ = w.fingerprint(fingerprint{})

		if !w.cfg.Poll {
			fw, err := w.notifier()
			if err == nil {
				go w.notifyLoop(ctx, fw)
				return
			}
			w.logger.Warn("file notification unavailable, polling instead",
				"path", w.cfg.ConfigPath, "error", err)
		}
		w.polling.Store(true)
		go w.poll(ctx)
	})
	return nil
}

// Polling reports whether the watcher runs in polling mode.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Events returns the channel of file change events. Bursts of changes
// between reads collapse into one event.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call multiple times and before Start.
func (w *Watcher) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) notifier() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(w.cfg.ConfigPath)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

func (w *Watcher) notifyLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.stopped)
	defer fw.Close()

	target := filepath.Clean(w.cfg.ConfigPath)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(w.cfg.debounceOrDefault())
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-debounce.C:
			w.check(true)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.pollIntervalOrDefault())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.check(false)
		}
	}
}

// check emits an event when the file content differs from the last
// version seen. rehash skips the stat shortcut, for when an event says the
// file was written. An unreadable file (mid-rename, deleted) is skipped.
func (w *Watcher) check(rehash bool) {
	base := w.last
	if rehash {
		base.modTime = time.Time{}
	}
	current, ok := w.fingerprint(base)
	if !ok {
		return
	}
	changed := current.sum != w.last.sum
	w.last = current
	if !changed {
		return
	}
	select {
	case w.events <- Event{Type: EventModified, ConfigPath: w.cfg.ConfigPath}:
	default:
		// Already one pending.
	}
}

// fingerprint stats the file and rehashes it when size or mtime moved.
// ok is false when the file cannot be read; prev is returned unchanged.
func (w *Watcher) fingerprint(prev fingerprint) (fingerprint, bool) {
	info, err := os.Stat(w.cfg.ConfigPath)
	if err != nil {
		return prev, false
	}
	fp := fingerprint{modTime: info.ModTime(), size: info.Size(), sum: prev.sum}
	if fp.modTime.Equal(prev.modTime) && fp.size == prev.size {
		return fp, true
	}
	raw, err := os.ReadFile(w.cfg.ConfigPath)
	if err != nil {
		return prev, false
	}
	fp.sum = sha256.Sum256(raw)
	return fp, true
}
