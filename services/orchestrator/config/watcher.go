// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher keeps the current configuration snapshot and reloads it when the
// file changes.
//
// # Description
//
// The parent directory is watched rather than the file, so atomic saves
// (write to temp, rename over) are seen. A reload that fails to parse or
// validate keeps the previous snapshot. Only the per-turn settings take
// effect on reload; listeners, storage and providers are fixed at startup.
//
// # Thread Safety
//
// Current and TurnConfig are safe for concurrent use.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	debounce time.Duration
	logger   *slog.Logger

	onReload func(*Config)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called with every snapshot that replaces the current
// one.
func WithReloadHook(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher holding initial. It does not watch until
// Start is called. An empty path makes a static watcher.
func NewWatcher(path string, initial *Config, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if initial == nil {
		panic("NewWatcher: initial config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	w.current.Store(initial)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Current returns the active snapshot. Callers must not modify it.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// TurnConfig builds a turn config from the active snapshot.
func (w *Watcher) TurnConfig() agent.TurnConfig {
	return w.Current().TurnConfig()
}

// Start begins watching. It returns once the watch is registered; reloads
// happen on a background goroutine until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.watcher == nil {
			return
		}
		w.watcher.Close()
		<-w.done
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous snapshot", "path", w.path, "error", err)
		return
	}
	prev := w.current.Swap(next)
	w.logger.Info("config reloaded",
		"path", w.path,
		"max_loops", next.Agent.MaxLoops,
		"default_model", next.Agent.Default.String(),
		"previous_default_model", prev.Agent.Default.String(),
	)
	if w.onReload != nil {
		w.onReload(next)
	}
}
