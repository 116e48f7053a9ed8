package iptmgr

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Configurable is the contract a hot-reloadable configuration type must
// satisfy: it can validate itself and check a proposed successor for
// disallowed changes.
type Configurable[T any] interface {
	Validate() error
	ValidateTransitionTo(next T) error
}

// ReloadCallback is invoked after a new configuration passes validation
// and the transition check, and before it is published to Get. Returning
// an error aborts the reload; the previous configuration remains live.
type ReloadCallback[T any] func(oldCfg, newCfg T) error

// ConfigWatcher polls a YAML file's modification time and reloads it on
// change, for an arbitrary validated configuration type.
type ConfigWatcher[T Configurable[T]] struct {
	mu          sync.RWMutex
	current     T
	path        string
	lastModTime time.Time
	callbacks   []ReloadCallback[T]
	log         *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewConfigWatcher creates a watcher already holding initial, with no
// file backing until Run is called (Reload reads the path Run was given).
func NewConfigWatcher[T Configurable[T]](initial T, log *logger.Logger) *ConfigWatcher[T] {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ConfigWatcher[T]{
		current: initial,
		log:     log.Component("configwatcher"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Get returns the current configuration.
func (w *ConfigWatcher[T]) Get() T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked on every successful reload.
func (w *ConfigWatcher[T]) OnReload(cb ReloadCallback[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Run watches path for changes every interval until ctx is canceled or
// Stop is called. It never returns an error on its own: a missing or
// malformed file is logged and the watcher keeps serving the last-known
// good configuration (an update need not cancel in-flight work it does
// not own; the manager and publisher decide independently how to react
// to a published reload).
func (w *ConfigWatcher[T]) Run(ctx context.Context, path string, interval time.Duration) {
	w.path = path
	defer close(w.doneCh)

	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.checkAndReload(); err != nil {
				w.log.Warn("config reload failed, keeping previous configuration", "error", err)
			}
		}
	}
}

// Stop ends the Run loop and waits for it to exit.
func (w *ConfigWatcher[T]) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *ConfigWatcher[T]) checkAndReload() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}
	if !info.ModTime().After(w.lastModTime) {
		return nil
	}

	var next T
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if err := w.apply(next); err != nil {
		return err
	}
	w.lastModTime = info.ModTime()
	return nil
}

// Reload forces an immediate re-read of the backing file, bypassing the
// modtime check.
func (w *ConfigWatcher[T]) Reload() error {
	var next T
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return w.apply(next)
}

func (w *ConfigWatcher[T]) apply(next T) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	w.mu.Lock()
	old := w.current
	w.mu.Unlock()

	if err := old.ValidateTransitionTo(next); err != nil {
		return fmt.Errorf("rejected configuration transition: %w", err)
	}

	w.mu.RLock()
	callbacks := append([]ReloadCallback[T](nil), w.callbacks...)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(old, next); err != nil {
			return fmt.Errorf("reload callback rejected configuration: %w", err)
		}
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	w.log.Info("configuration reloaded")
	return nil
}
