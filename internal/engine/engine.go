// Package engine assembles the script runtime: VM, host store, language
// registry, loader, file watcher, and editor endpoint. All script
// mutation runs on the engine's executor goroutine; external triggers
// (file watcher, editor commands) queue work onto it.
package engine

import (
	"fmt"

	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/host"
	"github.com/zot/script-engine/internal/script"
	"github.com/zot/script-engine/internal/vm"
	"github.com/zot/script-engine/internal/watch"
)

// WorkItem represents a unit of work for the executor.
type WorkItem struct {
	fn     func() (interface{}, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value interface{}
	Err   error
}

// Engine owns the assembled script runtime.
type Engine struct {
	config *config.Config
	vm     *vm.LuaVM
	host   *host.Store
	lang   *script.Language
	loader *script.Loader

	watcher *watch.Watcher

	executorChan chan WorkItem
	done         chan struct{}
}

// New builds an engine from configuration. The watcher is constructed
// only when hot reload is enabled; tool-mode state hangs off the scripts
// themselves.
func New(cfg *config.Config) (*Engine, error) {
	luaVM := vm.New(cfg)
	store := host.NewStore(host.DefaultClassRegistry())
	lang := script.NewLanguage(cfg, luaVM, store)
	loader := script.NewLoader(lang, cfg.Scripts.Dir)

	e := &Engine{
		config:       cfg,
		vm:           luaVM,
		host:         store,
		lang:         lang,
		loader:       loader,
		executorChan: make(chan WorkItem, 100),
		done:         make(chan struct{}),
	}
	e.startExecutor()

	if cfg.Reload.Enabled {
		w, err := watch.New(cfg, cfg.Scripts.Dir, e.reloadFile)
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		e.watcher = w
	}
	return e, nil
}

// Language returns the language runtime.
func (e *Engine) Language() *script.Language {
	return e.lang
}

// Host returns the host object store.
func (e *Engine) Host() *host.Store {
	return e.host
}

// Loader returns the script loader.
func (e *Engine) Loader() *script.Loader {
	return e.loader
}

// VM returns the Lua VM.
func (e *Engine) VM() *vm.LuaVM {
	return e.vm
}

// Start loads all scripts and begins watching for changes.
func (e *Engine) Start() error {
	_, err := e.Execute(func() (interface{}, error) {
		return nil, e.loader.LoadAll()
	})
	if err != nil {
		// Individual script failures are recoverable; the scripts stay
		// registered and invalid until their source is fixed.
		e.config.Log(1, "engine: some scripts failed to load: %v", err)
	}
	if e.watcher != nil {
		if err := e.watcher.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts down the watcher and the executor.
func (e *Engine) Stop() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	close(e.done)
	e.vm.Close()
}

// startExecutor creates the goroutine that processes work items.
func (e *Engine) startExecutor() {
	go func() {
		for {
			select {
			case <-e.done:
				return
			case work := <-e.executorChan:
				result, err := work.fn()
				work.result <- WorkResult{Value: result, Err: err}
			}
		}
	}()
}

// Execute queues a function on the executor and blocks until complete.
// All script mutation must go through here.
func (e *Engine) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result := make(chan WorkResult, 1)
	e.executorChan <- WorkItem{fn: fn, result: result}
	res := <-result
	return res.Value, res.Err
}

// reloadFile is the watcher callback; it serializes the reload onto the
// executor.
func (e *Engine) reloadFile(path string) error {
	_, err := e.Execute(func() (interface{}, error) {
		_, err := e.loader.LoadFile(path)
		return nil, err
	})
	return err
}
