package script

import (
	"github.com/zot/script-engine/internal/host"
)

// Instance is a script binding attached to a host object. The concrete
// type is either *LuaInstance (a real VM-backed instance) or
// *PlaceholderInstance (a property-only stand-in). Narrowing goes through
// AsLuaInstance/AsPlaceholder, which report failure instead of panicking.
type Instance interface {
	host.Attachment
	Script() *Script
}

// AsLuaInstance narrows an attachment to a real script instance.
// Returns false for placeholders and for attachments owned by other
// script languages.
func AsLuaInstance(a host.Attachment) (*LuaInstance, bool) {
	inst, ok := a.(*LuaInstance)
	return inst, ok
}

// AsPlaceholder narrows an attachment to a placeholder instance.
func AsPlaceholder(a host.Attachment) (*PlaceholderInstance, bool) {
	inst, ok := a.(*PlaceholderInstance)
	return inst, ok
}

// LuaInstance binds one host object to a VM-side instance of a script.
type LuaInstance struct {
	script *Script
	owner  host.ObjectID
	value  ScriptValue
}

// Script returns the owning script.
func (i *LuaInstance) Script() *Script {
	return i.script
}

// Owner returns the ID of the host object this instance is attached to.
func (i *LuaInstance) Owner() host.ObjectID {
	return i.owner
}

// Value returns the VM-side instance value.
func (i *LuaInstance) Value() ScriptValue {
	return i.value
}

// PropertyNames returns the exported property names, base chain included.
func (i *LuaInstance) PropertyNames() []string {
	props := i.script.PropertyList()
	names := make([]string, len(props))
	for n, p := range props {
		names[n] = p.Name
	}
	return names
}

// Get reads a property from the VM-side instance.
func (i *LuaInstance) Get(name string) (interface{}, bool) {
	if i.value == nil {
		return nil, false
	}
	return i.script.lang.vm.GetProperty(i.value, name)
}

// Set writes a property on the VM-side instance.
func (i *LuaInstance) Set(name string, value interface{}) bool {
	if i.value == nil {
		return false
	}
	return i.script.lang.vm.SetProperty(i.value, name, value)
}

// Call invokes a script method on the instance.
func (i *LuaInstance) Call(name string, args ...interface{}) (interface{}, error) {
	return i.script.lang.vm.CallMethod(i.value, name, args)
}

// release drops the VM-side value. The instance stays narrowable but all
// property access fails afterwards.
func (i *LuaInstance) release() {
	if i.value != nil {
		i.script.lang.vm.Release(i.value)
		i.value = nil
	}
}

// PlaceholderInstance is a property-only stand-in used while its script
// is invalid or mid-reload. It stores values for the script's exported
// properties but never executes script code.
type PlaceholderInstance struct {
	script *Script
	owner  host.ObjectID
	values map[string]interface{}
	order  []string
}

// Script returns the owning script.
func (p *PlaceholderInstance) Script() *Script {
	return p.script
}

// Owner returns the ID of the host object this placeholder is attached to.
func (p *PlaceholderInstance) Owner() host.ObjectID {
	return p.owner
}

// PropertyNames returns the names of properties the placeholder exposes,
// in declaration order.
func (p *PlaceholderInstance) PropertyNames() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Get reads a stored property value.
func (p *PlaceholderInstance) Get(name string) (interface{}, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Set stores a property value. Only properties the placeholder exposes
// are accepted.
func (p *PlaceholderInstance) Set(name string, value interface{}) bool {
	if _, ok := p.values[name]; !ok {
		return false
	}
	p.values[name] = value
	return true
}

// setProperties replaces the placeholder's exposed property set, keeping
// previously stored values where the property survives.
func (p *PlaceholderInstance) setProperties(props []PropertyInfo, defaults map[string]interface{}) {
	values := make(map[string]interface{}, len(props))
	order := make([]string, 0, len(props))
	for _, prop := range props {
		order = append(order, prop.Name)
		if v, ok := p.values[prop.Name]; ok {
			values[prop.Name] = v
		} else if v, ok := defaults[prop.Name]; ok {
			values[prop.Name] = v
		} else {
			values[prop.Name] = nil
		}
	}
	p.values = values
	p.order = order
}
