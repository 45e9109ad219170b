// Package watch drives hot reload from file-system events. It watches
// the script directory, debounces write bursts, and pushes changed
// sources through the language's reload coordinator.
package watch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/script-engine/internal/config"
)

// ReloadFunc reloads one changed script file. The engine provides a
// function that serializes the reload onto its executor, keeping all
// script mutation on one logical thread.
type ReloadFunc func(path string) error

// Watcher watches the script directory for changes and reloads modified
// scripts.
type Watcher struct {
	config  *config.Config
	dir     string
	reload  ReloadFunc
	watcher *fsnotify.Watcher

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done chan struct{}
}

// New creates a watcher over the given script directory.
func New(cfg *config.Config, dir string, reload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	delay := cfg.Reload.Debounce.Duration()
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &Watcher{
		config:         cfg,
		dir:            dir,
		reload:         reload,
		watcher:        fsw,
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  delay,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.eventLoop()
	go w.debounceLoop()

	w.config.Log(1, "watch: watching %s for changes", w.dir)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// eventLoop processes file system events.
func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "watch: watcher error: %v", err)
		}
	}
}

// handleEvent queues a reload for relevant events on .lua files.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	w.config.Log(3, "watch: event %s on %s", event.Op, event.Name)

	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		w.queueReload(event.Name)
	}
}

// queueReload queues a file for reload with debouncing.
func (w *Watcher) queueReload(filePath string) {
	w.debounceMu.Lock()
	w.pendingReloads[filePath] = time.Now()
	w.debounceMu.Unlock()
}

// debounceLoop processes pending reloads after the debounce delay.
func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.processPendingReloads()
		}
	}
}

// processPendingReloads reloads files that have been pending for longer
// than the debounce delay.
func (w *Watcher) processPendingReloads() {
	w.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for path, queuedAt := range w.pendingReloads {
		if now.Sub(queuedAt) >= w.debounceDelay {
			toReload = append(toReload, path)
			delete(w.pendingReloads, path)
		}
	}
	w.debounceMu.Unlock()

	for _, path := range toReload {
		w.reloadFile(path)
	}
}

// reloadFile pushes one changed file through the reload callback with
// panic recovery so a misbehaving script cannot kill the watcher.
func (w *Watcher) reloadFile(filePath string) {
	defer func() {
		if r := recover(); r != nil {
			w.config.Log(0, "watch: PANIC reloading %s: %v", filePath, r)
		}
	}()

	w.config.Log(1, "watch: reloading %s", filePath)
	if err := w.reload(filePath); err != nil {
		w.config.Log(1, "watch: error reloading %s: %v", filePath, err)
		return
	}
	w.config.Log(2, "watch: reloaded %s", filepath.Base(filePath))
}
