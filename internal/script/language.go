package script

import (
	"fmt"

	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/host"
)

// EventType identifies a lifecycle event pushed to subscribers.
type EventType string

const (
	// EventReloadState is a reload state-machine transition.
	EventReloadState EventType = "reload_state"
	// EventRestoreWarnings carries the per-property warnings of one reload.
	EventRestoreWarnings EventType = "restore_warnings"
	// EventToolChanged means the script's tool flag changed across a
	// reload; the editor must re-register the class.
	EventToolChanged EventType = "tool_changed"
	// EventPromoted means a placeholder was promoted to a real instance.
	EventPromoted EventType = "promoted"
	// EventExtracted means extraction completed (successfully or not).
	EventExtracted EventType = "extracted"
)

// Event is a script lifecycle notification for editor/tool subscribers.
type Event struct {
	Type     EventType        `json:"type"`
	Path     string           `json:"path"`
	From     ReloadState      `json:"from,omitempty"`
	To       ReloadState      `json:"to,omitempty"`
	Warnings []RestoreWarning `json:"warnings,omitempty"`
	WasTool  bool             `json:"wasTool,omitempty"`
	IsTool   bool             `json:"isTool,omitempty"`
	Owner    host.ObjectID    `json:"owner,omitempty"`
	Valid    bool             `json:"valid,omitempty"`
}

// Language is the language runtime singleton. It owns the registry of all
// live scripts (loaded scripts register here, enabling bulk reload), the
// VM collaborator, and the host store. All mutation happens on the host's
// single object-mutation thread.
type Language struct {
	cfg       *config.Config
	vm        VM
	host      *host.Store
	scripts   map[string]*Script
	order     []string
	listeners []func(Event)
}

// NewLanguage creates the language runtime over a VM and host store.
func NewLanguage(cfg *config.Config, v VM, store *host.Store) *Language {
	return &Language{
		cfg:     cfg,
		vm:      v,
		host:    store,
		scripts: make(map[string]*Script),
	}
}

// Name returns the language name.
func (l *Language) Name() string {
	return "lua"
}

// Host returns the host object store.
func (l *Language) Host() *host.Store {
	return l.host
}

// Config returns the engine configuration.
func (l *Language) Config() *config.Config {
	return l.cfg
}

// Subscribe registers a lifecycle event listener.
func (l *Language) Subscribe(fn func(Event)) {
	l.listeners = append(l.listeners, fn)
}

func (l *Language) emit(ev Event) {
	for _, fn := range l.listeners {
		fn(ev)
	}
}

// LoadScript loads or refreshes the script at path with the given source
// and extracts its class info. The script is registered even when
// extraction fails: an invalid script stays loadable and inspectable, it
// just refuses instantiation until a later extraction succeeds.
func (l *Language) LoadScript(path, source string) (*Script, error) {
	s, known := l.scripts[path]
	if !known {
		s = newScript(l, path)
		l.scripts[path] = s
		l.order = append(l.order, path)
	}

	wasValid := s.valid
	s.source = source
	err := s.extract()
	l.emit(Event{Type: EventExtracted, Path: path, Valid: s.valid})
	if err != nil {
		l.cfg.Log(1, "script: load %s failed: %v", path, err)
		return s, err
	}
	l.cfg.Log(1, "script: loaded %s (class %s < %s)", path, s.typeInfo.ClassName, s.typeInfo.NativeBaseName)

	// A script that just became valid promotes any placeholders created
	// while it was unusable.
	if !wasValid && s.placeholders != nil {
		s.placeholders.PromoteAll()
	}
	return s, nil
}

// Script returns the script loaded from path.
func (l *Language) Script(path string) (*Script, bool) {
	s, ok := l.scripts[path]
	return s, ok
}

// Scripts returns all loaded scripts in load order.
func (l *Language) Scripts() []*Script {
	out := make([]*Script, 0, len(l.order))
	for _, path := range l.order {
		out = append(out, l.scripts[path])
	}
	return out
}

// FindByClass returns the loaded script declaring the given class name.
func (l *Language) FindByClass(name string) (*Script, bool) {
	for _, path := range l.order {
		s := l.scripts[path]
		if s.valid && s.typeInfo.ClassName == name {
			return s, true
		}
	}
	return nil, false
}

// Remove unloads a script from the registry, tearing down its instances.
// Scripts that still serve as a base for another loaded script cannot be
// removed.
func (l *Language) Remove(path string) error {
	s, ok := l.scripts[path]
	if !ok {
		return nil
	}
	for _, other := range l.scripts {
		if other != s && other.baseScript == s {
			return fmt.Errorf("script %s is the base of %s", path, other.path)
		}
	}
	for _, owner := range s.InstanceOwners() {
		s.DestroyInstance(owner)
	}
	delete(l.scripts, path)
	for i, p := range l.order {
		if p == path {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reload pushes new source through the script's hot-reload coordinator.
// Without a coordinator (hot reload disabled) this falls back to a plain
// re-extraction that does not preserve instance state.
func (l *Language) Reload(path, source string) error {
	s, ok := l.scripts[path]
	if !ok {
		return fmt.Errorf("script %s is not loaded", path)
	}
	if s.reload == nil {
		_, err := l.LoadScript(path, source)
		return err
	}
	return s.reload.Reload(source)
}

// resolveBase resolves a script's declared base. It returns the base
// script (nil when extending a native class directly) and the native base
// name at the bottom of the chain. An empty extends clause defaults to
// RefCounted. Cycles through loaded scripts and chains that do not end in
// a registered native class fail with ErrInvalidBaseChain.
func (l *Language) resolveBase(s *Script, className, extends string) (*Script, string, error) {
	if extends == "" {
		extends = "RefCounted"
	}

	if l.host.Classes().Has(extends) {
		return nil, extends, nil
	}

	if extends == className {
		return nil, "", fmt.Errorf("class %q extends itself: %w", className, ErrInvalidBaseChain)
	}

	base, ok := l.FindByClass(extends)
	if !ok {
		return nil, "", fmt.Errorf("base %q is neither a native class nor a loaded script class: %w",
			extends, ErrInvalidBaseChain)
	}

	// Reject cycles: the proposed base must not reach s (or s's class
	// name) through its own base chain.
	seen := make(map[*Script]bool)
	for cur := base; cur != nil; cur = cur.baseScript {
		if cur == s || cur.typeInfo.ClassName == className {
			return nil, "", fmt.Errorf("class %q appears in its own base chain: %w",
				className, ErrInvalidBaseChain)
		}
		if seen[cur] {
			return nil, "", fmt.Errorf("base chain of %q contains a cycle: %w",
				extends, ErrInvalidBaseChain)
		}
		seen[cur] = true
	}

	native := base.typeInfo.NativeBaseName
	if native == "" || !l.host.Classes().Has(native) {
		return nil, "", fmt.Errorf("base %q does not resolve to a registered native class: %w",
			extends, ErrInvalidBaseChain)
	}
	return base, native, nil
}
