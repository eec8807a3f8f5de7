package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a newly loaded config together with its differences
// from the one it replaces. It is only called when d.Any() is true.
type ReloadFunc func(cfg *Config, d ConfigDiff)

// Watcher polls a config file and hands hot-reloadable changes to a
// [ReloadFunc]. Size and mtime gate the read, a content hash gates the
// parse, and [Diff] gates the callback, so edits that only touch restart-only
// keys or comments never reach the running service.
type Watcher struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	onReload ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	lastErr error

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

func (s fileStamp) sameFile(info os.FileInfo) bool {
	return s.mod.Equal(info.ModTime()) && s.size == info.Size()
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds. A
// negative interval disables polling; changes are then only picked up by
// [Watcher.Check].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithEnv sets the environment lookup applied on every reload so that
// environment overrides keep winning over file values. The default is
// [os.Getenv]; pass nil to ignore the environment.
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) {
		w.getenv = getenv
	}
}

// WithWatchLogger sets the logger. The default is [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and, unless polling is disabled, starts a
// background poller. The initial load must succeed.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		getenv:   os.Getenv,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := Parse(data, w.getenv)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = fileStamp{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}

	if w.interval > 0 {
		go w.poll()
	} else {
		close(w.done)
	}
	return w, nil
}

// Current returns the config in effect: the initial one or the latest
// reload that carried hot-reloadable changes.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error of the most recent failed reload, or nil once the
// file loads cleanly again.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop ends polling and waits for an in-flight check to finish.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) poll() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			_, _ = w.Check()
		}
	}
}

// Check looks at the file once and reports whether a reload was applied.
// A file that fails to parse or validate leaves the current config in
// place and is reported once per file version rather than on every poll.
func (w *Watcher) Check() (reloaded bool, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat file", "path", w.path, "err", err)
		return false, err
	}

	w.mu.Lock()
	unchanged := w.stamp.sameFile(info)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	info, data, err := w.read()
	if err != nil {
		w.log.Warn("config: cannot read file", "path", w.path, "err", err)
		return false, err
	}
	stamp := fileStamp{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}

	w.mu.Lock()
	sameContent := stamp.sum == w.stamp.sum
	w.stamp = stamp
	w.mu.Unlock()
	if sameContent {
		return false, nil
	}

	cfg, err := Parse(data, w.getenv)
	if err != nil {
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
		w.log.Warn("config: keeping previous configuration", "path", w.path, "err", err)
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.lastErr = nil
	d := Diff(old, cfg)
	if d.Any() {
		w.current = cfg
	}
	w.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		w.log.Warn("config: changes need a restart", "path", w.path, "keys", d.RestartRequired)
	}
	if !d.Any() {
		return false, nil
	}

	w.log.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() (os.FileInfo, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	return info, data, nil
}
