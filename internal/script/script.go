// Package script implements the script-object model: class metadata
// extraction, instance tracking, export caches, placeholders, and the
// hot-reload backup/restore protocol. The VM and the host object system
// are collaborators behind narrow interfaces; this package owns only the
// bookkeeping that keeps them consistent across load, invalidation, and
// reload.
package script

import (
	"fmt"

	"github.com/zot/script-engine/internal/host"
)

// Resource is the host's generic script-resource capability surface.
// The host dispatches on this interface without knowing the language.
type Resource interface {
	PropertyList() []PropertyInfo
	CanInstantiate() bool
	LanguageName() string
}

var _ Resource = (*Script)(nil)

// Script is the metadata and instance-tracking aggregate for one compiled
// unit of the embedded language. It owns the TypeInfo and ReflectionCache
// (replaced wholesale on reload), tracks live instances weakly by owner
// ID, and optionally carries placeholder and reload machinery depending
// on the engine mode.
type Script struct {
	lang   *Language
	path   string
	source string

	typeInfo   TypeInfo
	reflection *ReflectionCache
	class      ClassHandle
	baseScript *Script

	valid             bool
	reloadInvalidated bool

	instances     map[host.ObjectID]*LuaInstance
	instanceOrder []host.ObjectID

	// Tool mode only.
	placeholders       *PlaceholderManager
	exportsInvalidated bool
	exportedProps      []PropertyInfo
	exportedDefaults   map[string]interface{}

	// Hot-reload mode only.
	reload *Coordinator
}

func newScript(lang *Language, path string) *Script {
	s := &Script{
		lang:      lang,
		path:      path,
		instances: make(map[host.ObjectID]*LuaInstance),
	}
	if lang.cfg.Scripts.ToolMode {
		s.placeholders = newPlaceholderManager(s)
		s.exportsInvalidated = true
	}
	if lang.cfg.Reload.Enabled {
		s.reload = newCoordinator(s)
	}
	return s
}

// Path returns the script's load path.
func (s *Script) Path() string {
	return s.path
}

// Source returns the current source text.
func (s *Script) Source() string {
	return s.source
}

// TypeInfo returns the extracted class metadata. Zero value until the
// first successful extraction.
func (s *Script) TypeInfo() TypeInfo {
	return s.typeInfo
}

// Reflection returns the current reflection cache, or nil before the
// first successful extraction.
func (s *Script) Reflection() *ReflectionCache {
	return s.reflection
}

// Base returns the base script, or nil when the script extends a native
// class directly.
func (s *Script) Base() *Script {
	return s.baseScript
}

// Valid reports whether the class was resolved and reflection extracted.
func (s *Script) Valid() bool {
	return s.valid
}

// ReloadInvalidated reports whether the source has changed since the last
// successful extraction.
func (s *Script) ReloadInvalidated() bool {
	return s.reloadInvalidated
}

// Reloader returns the hot-reload coordinator, or nil when hot reload is
// disabled.
func (s *Script) Reloader() *Coordinator {
	return s.reload
}

// Placeholders returns the placeholder manager, or nil outside tool mode.
func (s *Script) Placeholders() *PlaceholderManager {
	return s.placeholders
}

// LanguageName returns the name of the script's language.
func (s *Script) LanguageName() string {
	return s.lang.Name()
}

// CanInstantiate reports whether instances may be created right now.
func (s *Script) CanInstantiate() bool {
	return s.valid && s.typeInfo.CanInstantiate()
}

// PlaceholderFallbackEnabled reports whether host objects should receive
// placeholders instead of real instances: tool mode while the script is
// invalid or a reload is in flight.
func (s *Script) PlaceholderFallbackEnabled() bool {
	if s.placeholders == nil {
		return false
	}
	if !s.valid {
		return true
	}
	return s.reload != nil && s.reload.State() != StateStable
}

// SetSource replaces the source text and marks the script for reload.
func (s *Script) SetSource(source string) {
	if source == s.source {
		return
	}
	s.source = source
	s.reloadInvalidated = true
	if s.reload != nil {
		s.reload.Invalidate()
	}
}

// extract resolves the script's class through the VM and rebuilds
// TypeInfo and the ReflectionCache. The new state is built completely
// before any field is assigned, so a failure leaves the last-good
// metadata in place and only downgrades validity.
func (s *Script) extract() error {
	className, err := s.lang.vm.LoadChunk(s.path, s.source)
	if err != nil {
		s.valid = false
		return fmt.Errorf("%s: %w", s.path, err)
	}

	handle, err := s.lang.vm.ResolveClass(className)
	if err != nil {
		s.valid = false
		return fmt.Errorf("%s: %w", s.path, err)
	}

	meta := s.lang.vm.ClassMeta(handle)
	base, nativeBase, err := s.lang.resolveBase(s, meta.Name, meta.Extends)
	if err != nil {
		s.valid = false
		return fmt.Errorf("%s: %w", s.path, err)
	}

	cache := NewReflectionCache(
		s.lang.vm.PropertyList(handle),
		s.lang.vm.Methods(handle),
		s.lang.vm.Signals(handle),
	)

	// Commit. Everything above is side-effect free on the script.
	s.class = handle
	s.baseScript = base
	s.typeInfo = TypeInfo{
		ClassName:      meta.Name,
		NativeBaseName: nativeBase,
		IconPath:       meta.IconPath,
		IsTool:         meta.Tool,
		IsGlobalClass:  meta.Global,
		IsAbstract:     meta.Abstract,
	}
	s.reflection = cache
	s.valid = true
	s.reloadInvalidated = false
	s.exportsInvalidated = true

	s.notifyPropertyListsChanged()
	return nil
}

// notifyPropertyListsChanged tells the owners of all live instances and
// placeholders that the script's property list changed.
func (s *Script) notifyPropertyListsChanged() {
	s.pruneDeadInstances()
	for _, id := range s.instanceOrder {
		s.lang.host.NotifyPropertyListChanged(id)
	}
	if s.placeholders != nil {
		for _, ph := range s.placeholders.All() {
			s.lang.host.NotifyPropertyListChanged(ph.Owner())
		}
	}
}

// pruneDeadInstances drops registry entries whose host object has died.
// The host owns the object; the registry entry is the weak side.
func (s *Script) pruneDeadInstances() {
	n := 0
	for _, id := range s.instanceOrder {
		if _, ok := s.lang.host.Get(id); ok {
			s.instanceOrder[n] = id
			n++
			continue
		}
		if inst, ok := s.instances[id]; ok {
			inst.release()
			delete(s.instances, id)
		}
	}
	s.instanceOrder = s.instanceOrder[:n]
}

// CreateInstance constructs a VM instance and attaches it to the owner
// object. Fails with ErrNotInstantiable unless the script is valid and
// the class concrete, and with ErrConstructorMismatch when args don't fit
// the constructor. No registration survives a failure.
func (s *Script) CreateInstance(owner host.ObjectID, args ...interface{}) (*LuaInstance, error) {
	if !s.CanInstantiate() {
		return nil, fmt.Errorf("%s: %w", s.path, ErrNotInstantiable)
	}
	obj, ok := s.lang.host.Get(owner)
	if !ok {
		return nil, fmt.Errorf("%s: owner %d is dead: %w", s.path, owner, ErrNotInstantiable)
	}
	if !s.lang.host.IsInstanceOf(owner, s.typeInfo.NativeBaseName) {
		return nil, fmt.Errorf("%s: owner class %q does not derive from %q: %w",
			s.path, obj.Class(), s.typeInfo.NativeBaseName, ErrNotInstantiable)
	}
	value, err := s.lang.vm.Construct(s.class, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}

	// Re-attaching replaces the old binding, but only once construction
	// has succeeded; a failed call leaves the old instance in place.
	if existing, ok := s.instances[owner]; ok {
		s.destroyInstanceLocked(owner, existing)
	}

	inst := &LuaInstance{script: s, owner: owner, value: value}
	s.instances[owner] = inst
	s.instanceOrder = append(s.instanceOrder, owner)
	obj.Attach(inst)
	s.lang.cfg.Log(2, "script: %s: created instance for object %d", s.path, owner)
	return inst, nil
}

// New constructs a bare script-side value without a caller-provided
// owner. An internal ref-counted owner keeps the instance registered for
// export and reload bookkeeping while it remains reachable.
func (s *Script) New(args ...interface{}) (ScriptValue, error) {
	if !s.CanInstantiate() {
		return nil, fmt.Errorf("%s: %w", s.path, ErrNotInstantiable)
	}
	obj := s.lang.host.NewObject(s.typeInfo.NativeBaseName, true)
	inst, err := s.CreateInstance(obj.ID(), args...)
	if err != nil {
		s.lang.host.Free(obj.ID())
		return nil, err
	}
	return inst.Value(), nil
}

// Instance returns the live instance bound to owner, if any.
func (s *Script) Instance(owner host.ObjectID) (*LuaInstance, bool) {
	inst, ok := s.instances[owner]
	return inst, ok
}

// InstanceOwners returns the owner IDs of live instances in registration
// order, pruning dead owners first.
func (s *Script) InstanceOwners() []host.ObjectID {
	s.pruneDeadInstances()
	out := make([]host.ObjectID, len(s.instanceOrder))
	copy(out, s.instanceOrder)
	return out
}

// InstanceCount returns the number of live instances.
func (s *Script) InstanceCount() int {
	s.pruneDeadInstances()
	return len(s.instanceOrder)
}

// DestroyInstance tears down the instance bound to owner, releasing the
// VM value and detaching from the host object if it is still alive.
func (s *Script) DestroyInstance(owner host.ObjectID) {
	inst, ok := s.instances[owner]
	if !ok {
		return
	}
	s.destroyInstanceLocked(owner, inst)
}

func (s *Script) destroyInstanceLocked(owner host.ObjectID, inst *LuaInstance) {
	inst.release()
	delete(s.instances, owner)
	for i, id := range s.instanceOrder {
		if id == owner {
			s.instanceOrder = append(s.instanceOrder[:i], s.instanceOrder[i+1:]...)
			break
		}
	}
	if obj, ok := s.lang.host.Get(owner); ok && obj.Attachment() == host.Attachment(inst) {
		obj.Detach()
	}
}

// PropertyList returns the exported properties with the base chain
// flattened in: base properties first, then the script's own, with own
// declarations overriding inherited ones of the same name.
func (s *Script) PropertyList() []PropertyInfo {
	var chain []*Script
	for cur, depth := s, 0; cur != nil && depth < maxBaseDepth; cur, depth = cur.baseScript, depth+1 {
		chain = append(chain, cur)
	}

	var out []PropertyInfo
	index := make(map[string]int)
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].reflection == nil {
			continue
		}
		for _, p := range chain[i].reflection.Properties() {
			if at, ok := index[p.Name]; ok {
				out[at] = p
				continue
			}
			index[p.Name] = len(out)
			out = append(out, p)
		}
	}
	return out
}

// HasProperty reports whether the property exists anywhere in the chain.
func (s *Script) HasProperty(name string) bool {
	for cur, depth := s, 0; cur != nil && depth < maxBaseDepth; cur, depth = cur.baseScript, depth+1 {
		if cur.reflection != nil && cur.reflection.HasProperty(name) {
			return true
		}
	}
	return false
}

// SignalList returns signal descriptors. With includeBase, the base
// chain's signals are included.
func (s *Script) SignalList(includeBase bool) []SignalInfo {
	if s.reflection == nil {
		return nil
	}
	out := s.reflection.Signals()
	if includeBase {
		for cur, depth := s.baseScript, 0; cur != nil && depth < maxBaseDepth; cur, depth = cur.baseScript, depth+1 {
			if cur.reflection != nil {
				out = append(out, cur.reflection.Signals()...)
			}
		}
	}
	return out
}

// HasSignal reports whether the signal exists anywhere in the chain.
func (s *Script) HasSignal(name string) bool {
	for cur, depth := s, 0; cur != nil && depth < maxBaseDepth; cur, depth = cur.baseScript, depth+1 {
		if cur.reflection != nil && cur.reflection.HasSignal(name) {
			return true
		}
	}
	return false
}

// maxBaseDepth bounds base-chain walks. Extraction rejects cycles, so
// this is a backstop, not a policy.
const maxBaseDepth = 64

// PropertyValue is one backed-up (name, value) pair. Order matters:
// values are replayed in backup order.
type PropertyValue struct {
	Name  string
	Value interface{}
}

// replayProperties writes backed-up values into a recreated instance in
// their original order. Properties the new class no longer declares, and
// writes the instance rejects, come back as warnings rather than errors.
func (s *Script) replayProperties(inst *LuaInstance, props []PropertyValue) []RestoreWarning {
	var warnings []RestoreWarning
	for _, pv := range props {
		if !s.HasProperty(pv.Name) {
			warnings = append(warnings, RestoreWarning{
				Owner:    inst.Owner(),
				Property: pv.Name,
				Reason:   "property no longer exists",
			})
			continue
		}
		if !inst.Set(pv.Name, pv.Value) {
			warnings = append(warnings, RestoreWarning{
				Owner:    inst.Owner(),
				Property: pv.Name,
				Reason:   "instance rejected value",
			})
		}
	}
	return warnings
}
