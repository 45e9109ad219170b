package script

// TypeInfo holds the class metadata extracted from a script. It is
// immutable after extraction; a reload replaces the whole record.
type TypeInfo struct {
	// ClassName is the name of the script class.
	ClassName string

	// NativeBaseName is the native host class the script ultimately
	// derives from, resolved through any base-script chain.
	NativeBaseName string

	// IconPath is the editor icon for this class, if declared.
	IconPath string

	// IsTool marks a script that runs inside the editor.
	IsTool bool

	// IsGlobalClass marks a script registered by name in the editor.
	IsGlobalClass bool

	// IsAbstract marks a script that cannot be instantiated directly.
	IsAbstract bool

	// IsConstructedGenericType and IsGenericTypeDefinition are carried for
	// host-interop parity. Lua classes are never generic, so both stay
	// false.
	IsConstructedGenericType bool
	IsGenericTypeDefinition  bool
}

// IsGeneric reports whether the class involves generic type parameters.
func (t TypeInfo) IsGeneric() bool {
	return t.IsConstructedGenericType || t.IsGenericTypeDefinition
}

// CanInstantiate reports whether the class can be instantiated. Abstract
// classes and generic type definitions cannot.
func (t TypeInfo) CanInstantiate() bool {
	return !t.IsAbstract && !t.IsGenericTypeDefinition
}
