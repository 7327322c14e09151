package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes one successful reload.
type ChangeEvent struct {
	File      string
	Action    string // create, modify, poll
	Old       *Config
	New       *Config
	Timestamp time.Time
}

// ChangeHandler is called after a reloaded configuration passed validation.
type ChangeHandler func(event ChangeEvent) error

// Watcher reloads the configuration file when it changes and hands the new
// value to registered handlers. Policy (.rego) files in watched directories
// trigger policy handlers instead.
type Watcher struct {
	path           string
	dirs           []string
	current        *Config
	handlers       []ChangeHandler
	validators     []func(*Config) error
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	logger         *zap.Logger
	mu             sync.RWMutex
	reloadMu       sync.Mutex

	debounce      time.Duration
	pollInterval  time.Duration
	enablePolling bool
}

// NewWatcher watches the directory containing initial.Path.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	if initial == nil || initial.Path == "" {
		return nil, fmt.Errorf("config watcher needs a file-backed configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	path, err := filepath.Abs(initial.Path)
	if err != nil {
		path = initial.Path
	}
	return &Watcher{
		path:         path,
		dirs:         []string{filepath.Dir(path)},
		current:      initial,
		watcher:      fw,
		logger:       logger,
		debounce:     50 * time.Millisecond,
		pollInterval: 10 * time.Second,
	}, nil
}

// AddDir also watches dir, typically the policy directory.
func (w *Watcher) AddDir(dir string) {
	if dir == "" {
		return
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.dirs {
		if d == abs {
			return
		}
	}
	w.dirs = append(w.dirs, abs)
}

func (w *Watcher) RegisterHandler(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// RegisterValidator adds a check a reloaded configuration must pass on top
// of Config.Validate.
func (w *Watcher) RegisterValidator(validator func(*Config) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validators = append(w.validators, validator)
}

func (w *Watcher) RegisterPolicyHandler(handler func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policyHandlers = append(w.policyHandlers, handler)
}

// EnablePolling adds a modification-time poll for filesystems where
// fsnotify is unreliable.
func (w *Watcher) EnablePolling(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enablePolling = true
	if interval > 0 {
		w.pollInterval = interval
	}
}

// Current returns the last configuration that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.mu.RLock()
	dirs := append([]string(nil), w.dirs...)
	polling := w.enablePolling
	interval := w.pollInterval
	w.mu.RUnlock()

	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w.logger.Info("Configuration watcher started",
		zap.String("config_file", w.path),
		zap.Strings("dirs", dirs),
		zap.Bool("polling_enabled", polling),
	)

	var pollC <-chan time.Time
	var lastMod time.Time
	if polling {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pollC = ticker.C
		lastMod = modTime(w.path)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopped")
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleWatchEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))
		case <-pollC:
			if m := modTime(w.path); m.After(lastMod) {
				lastMod = m
				w.reload("poll")
			}
		}
	}
}

func (w *Watcher) handleWatchEvent(event fsnotify.Event) {
	name, err := filepath.Abs(event.Name)
	if err != nil {
		name = event.Name
	}
	isConfig := name == w.path
	isPolicy := strings.HasSuffix(name, ".rego")
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		return
	}
	w.logger.Debug("File system event", zap.String("file", filepath.Base(name)), zap.String("action", action))

	if isPolicy {
		w.reloadPolicies(filepath.Base(name), action)
		return
	}
	if action == "delete" || action == "rename" {
		// Editors replace files by rename; keep the last good config until
		// the new file appears.
		w.logger.Warn("Config file removed, keeping last loaded configuration", zap.String("file", w.path))
		return
	}
	// Small delay to coalesce rapid successive writes.
	time.Sleep(w.debounce)
	w.reload(action)
}

func (w *Watcher) reload(action string) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected", zap.String("action", action), zap.Error(err))
		return
	}

	w.mu.RLock()
	validators := append([]func(*Config) error(nil), w.validators...)
	handlers := append([]ChangeHandler(nil), w.handlers...)
	prev := w.current
	w.mu.RUnlock()

	for _, validate := range validators {
		if err := validate(next); err != nil {
			w.logger.Error("Config reload failed validation", zap.String("action", action), zap.Error(err))
			return
		}
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	event := ChangeEvent{File: w.path, Action: action, Old: prev, New: next, Timestamp: time.Now()}
	for _, handle := range handlers {
		if err := handle(event); err != nil {
			w.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
	w.logger.Info("Configuration reloaded", zap.String("file", w.path), zap.String("action", action))
}

func (w *Watcher) reloadPolicies(filename, action string) {
	w.mu.RLock()
	handlers := append([]func() error(nil), w.policyHandlers...)
	w.mu.RUnlock()
	for _, handle := range handlers {
		if err := handle(); err != nil {
			w.logger.Error("Policy reload failed",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
