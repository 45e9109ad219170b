// Package host models the narrow surface of the embedding object system:
// the native class registry, live objects with property storage and signal
// connections, and change notifications for inspectors/serializers.
// The host owns the strong reference to every object; the script layer
// refers to objects by ID only and must tolerate an object dying between
// observations.
package host

import (
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
)

// ObjectID identifies a live host object. IDs are never reused.
type ObjectID uint64

// Attachment is the script-side binding attached to an object.
// Both real script instances and placeholders implement it.
type Attachment interface {
	Owner() ObjectID
	PropertyNames() []string
	Get(name string) (interface{}, bool)
	Set(name string, value interface{}) bool
}

// SignalConnection records one signal connection on an object.
type SignalConnection struct {
	Signal string
	Target ObjectID
	Method string
}

// Object is a live host object: a native class, a property bag for
// per-object overrides, signal connections, and an optional script
// attachment.
type Object struct {
	id         ObjectID
	handle     string // external handle for editor clients
	class      string
	refCounted bool
	properties map[string]interface{}
	propOrder  []string
	conns      []SignalConnection
	attachment Attachment

	// Bumped each time the attached script's property list changes so
	// inspectors know to refresh.
	propertyListVersion int
}

// ID returns the object's ID.
func (o *Object) ID() ObjectID {
	return o.id
}

// Handle returns the object's external handle.
func (o *Object) Handle() string {
	return o.handle
}

// Class returns the object's native class name.
func (o *Object) Class() string {
	return o.class
}

// RefCounted reports whether the object is reference counted.
func (o *Object) RefCounted() bool {
	return o.refCounted
}

// Attach binds a script attachment to the object, replacing any previous one.
func (o *Object) Attach(a Attachment) {
	o.attachment = a
}

// Detach removes the current script attachment.
func (o *Object) Detach() {
	o.attachment = nil
}

// Attachment returns the current script attachment, or nil.
func (o *Object) Attachment() Attachment {
	return o.attachment
}

// SetProperty stores a property value on the object. The script attachment
// gets first refusal; values it rejects land in the object's own bag.
func (o *Object) SetProperty(name string, value interface{}) {
	if o.attachment != nil && o.attachment.Set(name, value) {
		return
	}
	if _, exists := o.properties[name]; !exists {
		o.propOrder = append(o.propOrder, name)
	}
	o.properties[name] = value
}

// GetProperty reads a property, consulting the script attachment first.
func (o *Object) GetProperty(name string) (interface{}, bool) {
	if o.attachment != nil {
		if v, ok := o.attachment.Get(name); ok {
			return v, true
		}
	}
	v, ok := o.properties[name]
	return v, ok
}

// OwnProperties returns the names of properties stored directly on the
// object (per-object overrides), in insertion order.
func (o *Object) OwnProperties() []string {
	out := make([]string, len(o.propOrder))
	copy(out, o.propOrder)
	return out
}

// Connect records a signal connection. Duplicate connections are ignored.
func (o *Object) Connect(signal string, target ObjectID, method string) {
	for _, c := range o.conns {
		if c.Signal == signal && c.Target == target && c.Method == method {
			return
		}
	}
	o.conns = append(o.conns, SignalConnection{Signal: signal, Target: target, Method: method})
}

// Disconnect removes a signal connection if present.
func (o *Object) Disconnect(signal string, target ObjectID, method string) {
	for i, c := range o.conns {
		if c.Signal == signal && c.Target == target && c.Method == method {
			o.conns = append(o.conns[:i], o.conns[i+1:]...)
			return
		}
	}
}

// Connections returns all signal connections on the object.
func (o *Object) Connections() []SignalConnection {
	out := make([]SignalConnection, len(o.conns))
	copy(out, o.conns)
	return out
}

// PropertyListVersion returns how many times the object's property list
// has been invalidated.
func (o *Object) PropertyListVersion() int {
	return o.propertyListVersion
}

// Store owns all live host objects.
type Store struct {
	classes *ClassRegistry
	objects map[ObjectID]*Object
	nextID  atomic.Uint64

	// Called when a script's property list changes for an object.
	onPropertyListChanged func(ObjectID)
}

// NewStore creates a Store over the given class registry.
func NewStore(classes *ClassRegistry) *Store {
	return &Store{
		classes: classes,
		objects: make(map[ObjectID]*Object),
	}
}

// Classes returns the native class registry.
func (s *Store) Classes() *ClassRegistry {
	return s.classes
}

// SetOnPropertyListChanged sets the notification hook for property list changes.
func (s *Store) SetOnPropertyListChanged(fn func(ObjectID)) {
	s.onPropertyListChanged = fn
}

// NewObject creates a live object of the given native class.
func (s *Store) NewObject(class string, refCounted bool) *Object {
	id := ObjectID(s.nextID.Add(1))
	obj := &Object{
		id:         id,
		handle:     uuid.NewString(),
		class:      class,
		refCounted: refCounted,
		properties: make(map[string]interface{}),
	}
	s.objects[id] = obj
	return obj
}

// Get returns the object with the given ID, or (nil, false) if it has died.
func (s *Store) Get(id ObjectID) (*Object, bool) {
	obj, ok := s.objects[id]
	return obj, ok
}

// Free destroys an object. Safe to call for already-dead IDs.
func (s *Store) Free(id ObjectID) {
	delete(s.objects, id)
}

// IsInstanceOf reports whether the object's native class is class or a
// subclass of it.
func (s *Store) IsInstanceOf(id ObjectID, class string) bool {
	obj, ok := s.objects[id]
	if !ok {
		return false
	}
	return s.classes.IsSubclassOf(obj.class, class)
}

// NotifyPropertyListChanged bumps the object's property list version and
// fires the store hook. Dead IDs are ignored.
func (s *Store) NotifyPropertyListChanged(id ObjectID) {
	obj, ok := s.objects[id]
	if !ok {
		return
	}
	obj.propertyListVersion++
	if s.onPropertyListChanged != nil {
		s.onPropertyListChanged(id)
	}
}

// LiveIDs returns the IDs of all live objects in ascending order.
func (s *Store) LiveIDs() []ObjectID {
	ids := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
