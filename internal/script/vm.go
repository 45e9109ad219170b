package script

// ClassHandle is an opaque reference to a class resolved by the VM.
type ClassHandle interface{}

// ScriptValue is an opaque reference to a VM-side instance value. The VM
// may garbage collect the underlying value once released; holders must
// not assume liveness across suspension points.
type ScriptValue interface{}

// ClassMeta is the class-level metadata the VM reports for a resolved class.
type ClassMeta struct {
	Name     string
	Extends  string
	IconPath string
	Tool     bool
	Abstract bool
	Global   bool
}

// VM is the scripting VM collaborator. Implementations compile source
// chunks, resolve classes, and construct and access instances. All calls
// happen on the single object-mutation thread; compilation may block.
type VM interface {
	// LoadChunk compiles and runs a source chunk, returning the name of
	// the class it declares. Errors if the chunk fails or declares no class.
	LoadChunk(path, source string) (className string, err error)

	// ResolveClass returns a handle for a previously loaded class, or an
	// error wrapping ErrClassNotFound.
	ResolveClass(name string) (ClassHandle, error)

	// ClassMeta returns class-level metadata for a handle.
	ClassMeta(h ClassHandle) ClassMeta

	// PropertyList returns exported property descriptors in declaration order.
	PropertyList(h ClassHandle) []PropertyInfo

	// DefaultValues returns declared property defaults.
	DefaultValues(h ClassHandle) map[string]interface{}

	// Methods returns the class's method descriptors.
	Methods(h ClassHandle) []MethodInfo

	// Signals returns the class's signal descriptors.
	Signals(h ClassHandle) []SignalInfo

	// Construct creates a VM-side instance, seeding declared property
	// defaults and then running the class constructor with args. Arity
	// mismatches error wrapping ErrConstructorMismatch.
	Construct(h ClassHandle, args []interface{}) (ScriptValue, error)

	// GetProperty reads a property from an instance value.
	GetProperty(v ScriptValue, name string) (interface{}, bool)

	// SetProperty writes a property on an instance value, reporting
	// whether the instance accepted it.
	SetProperty(v ScriptValue, name string, value interface{}) bool

	// CallMethod invokes a method on an instance value.
	CallMethod(v ScriptValue, name string, args []interface{}) (interface{}, error)

	// Release drops the VM-side reference for a destroyed instance.
	Release(v ScriptValue)
}
