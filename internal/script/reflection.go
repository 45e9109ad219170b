package script

import (
	"fmt"
	"sort"
	"strings"
)

// PropertyInfo describes one exported property.
type PropertyInfo struct {
	Name    string
	Type    string
	Default interface{}
	// HasDefault distinguishes "defaults to nil" from "no default declared".
	HasDefault bool
}

// MethodInfo describes one script method.
type MethodInfo struct {
	Name string
	// Arity is the declared parameter count, excluding the receiver.
	Arity    int
	Variadic bool
}

// SignalInfo describes one declared signal.
type SignalInfo struct {
	Name string
	Args []string
}

// ReflectionCache holds the descriptor lists extracted from a compiled
// class. A cache is built in one piece during extraction and swapped in
// wholesale; it is never mutated afterwards, so partial rebuilds are not
// observable.
type ReflectionCache struct {
	properties []PropertyInfo
	defaults   map[string]interface{}
	methods    []MethodInfo
	signals    []SignalInfo
}

// NewReflectionCache builds a cache from extracted descriptor lists.
// Methods and signals are sorted by name for deterministic output;
// property order is the script's declaration order and is preserved.
func NewReflectionCache(props []PropertyInfo, methods []MethodInfo, signals []SignalInfo) *ReflectionCache {
	defaults := make(map[string]interface{})
	for _, p := range props {
		if p.HasDefault {
			defaults[p.Name] = p.Default
		}
	}
	sortedMethods := make([]MethodInfo, len(methods))
	copy(sortedMethods, methods)
	sort.Slice(sortedMethods, func(i, j int) bool { return sortedMethods[i].Name < sortedMethods[j].Name })

	sortedSignals := make([]SignalInfo, len(signals))
	copy(sortedSignals, signals)
	sort.Slice(sortedSignals, func(i, j int) bool { return sortedSignals[i].Name < sortedSignals[j].Name })

	return &ReflectionCache{
		properties: append([]PropertyInfo(nil), props...),
		defaults:   defaults,
		methods:    sortedMethods,
		signals:    sortedSignals,
	}
}

// Properties returns the exported properties in declaration order.
func (c *ReflectionCache) Properties() []PropertyInfo {
	out := make([]PropertyInfo, len(c.properties))
	copy(out, c.properties)
	return out
}

// HasProperty reports whether the cache declares the property.
func (c *ReflectionCache) HasProperty(name string) bool {
	for _, p := range c.properties {
		if p.Name == name {
			return true
		}
	}
	return false
}

// DefaultValue returns the declared default for a property.
func (c *ReflectionCache) DefaultValue(name string) (interface{}, bool) {
	v, ok := c.defaults[name]
	return v, ok
}

// Defaults returns the property name to default value map.
func (c *ReflectionCache) Defaults() map[string]interface{} {
	out := make(map[string]interface{}, len(c.defaults))
	for k, v := range c.defaults {
		out[k] = v
	}
	return out
}

// Methods returns the method descriptors sorted by name.
func (c *ReflectionCache) Methods() []MethodInfo {
	out := make([]MethodInfo, len(c.methods))
	copy(out, c.methods)
	return out
}

// HasMethod reports whether the cache declares the method.
func (c *ReflectionCache) HasMethod(name string) bool {
	i := sort.Search(len(c.methods), func(i int) bool { return c.methods[i].Name >= name })
	return i < len(c.methods) && c.methods[i].Name == name
}

// Signals returns the signal descriptors sorted by name.
func (c *ReflectionCache) Signals() []SignalInfo {
	out := make([]SignalInfo, len(c.signals))
	copy(out, c.signals)
	return out
}

// HasSignal reports whether the cache declares the signal.
func (c *ReflectionCache) HasSignal(name string) bool {
	i := sort.Search(len(c.signals), func(i int) bool { return c.signals[i].Name >= name })
	return i < len(c.signals) && c.signals[i].Name == name
}

// Fingerprint returns a stable textual digest of the cache contents.
// Two extractions of unchanged source produce identical fingerprints.
func (c *ReflectionCache) Fingerprint() string {
	var b strings.Builder
	for _, p := range c.properties {
		fmt.Fprintf(&b, "p:%s:%s:%v:%v;", p.Name, p.Type, p.Default, p.HasDefault)
	}
	for _, m := range c.methods {
		fmt.Fprintf(&b, "m:%s:%d:%v;", m.Name, m.Arity, m.Variadic)
	}
	for _, s := range c.signals {
		fmt.Fprintf(&b, "s:%s:%s;", s.Name, strings.Join(s.Args, ","))
	}
	return b.String()
}
