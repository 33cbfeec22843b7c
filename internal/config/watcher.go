package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long config.yaml must be quiet before it is re-read.
// Editors often write a file in several steps.
const DefaultSettle = 150 * time.Millisecond

// Watcher re-reads config.yaml when it changes and delivers configs whose
// fingerprint differs from the last one delivered. Files that fail to parse
// or validate are logged and skipped; the previous config stays in force.
//
// The home directory is watched rather than the file so replacements by
// rename are seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	settle  time.Duration
	updates chan Config

	mu   sync.Mutex
	last string
}

// NewWatcher starts from current, which is treated as already applied.
func NewWatcher(current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: current.HomeDir,
		logger:  logger,
		settle:  DefaultSettle,
		updates: make(chan Config, 1),
		last:    current.Fingerprint(),
	}
}

// Updates is closed when the watcher stops. Only the newest pending config
// is kept if the reader falls behind.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

// Start watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.updates)

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
				timer.Reset(w.settle)
			case <-timer.C:
				if cfg, ok := w.reload(); ok {
					w.deliver(cfg)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() (Config, bool) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return Config{}, false
	}
	fp := cfg.Fingerprint()
	w.mu.Lock()
	defer w.mu.Unlock()
	if fp == w.last {
		return Config{}, false
	}
	w.last = fp
	w.logger.Info("config reloaded", "fingerprint", fp)
	return cfg, true
}

func (w *Watcher) deliver(cfg Config) {
	for {
		select {
		case w.updates <- cfg:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}
