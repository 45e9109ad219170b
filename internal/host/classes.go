package host

// ClassRegistry is the registry of native host classes. Scripts may only
// extend classes registered here (directly or through another script).
type ClassRegistry struct {
	parents map[string]string // class -> parent ("" for the root)
}

// NewClassRegistry creates an empty class registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{parents: make(map[string]string)}
}

// DefaultClassRegistry returns a registry seeded with the standard host
// hierarchy used by the engine and its tests.
func DefaultClassRegistry() *ClassRegistry {
	r := NewClassRegistry()
	r.Register("Object", "")
	r.Register("RefCounted", "Object")
	r.Register("Resource", "RefCounted")
	r.Register("Node", "Object")
	r.Register("Node2D", "Node")
	r.Register("Node3D", "Node")
	r.Register("Control", "Node")
	r.Register("CharacterBody2D", "Node2D")
	return r
}

// Register adds a class with the given parent. The parent must already be
// registered unless it is empty (root class).
func (r *ClassRegistry) Register(name, parent string) {
	r.parents[name] = parent
}

// Has reports whether the class is registered.
func (r *ClassRegistry) Has(name string) bool {
	_, ok := r.parents[name]
	return ok
}

// Parent returns the parent class name, or "" for a root or unknown class.
func (r *ClassRegistry) Parent(name string) string {
	return r.parents[name]
}

// IsSubclassOf reports whether class equals ancestor or derives from it.
func (r *ClassRegistry) IsSubclassOf(class, ancestor string) bool {
	for class != "" {
		if class == ancestor {
			return true
		}
		parent, ok := r.parents[class]
		if !ok {
			return false
		}
		class = parent
	}
	return false
}
