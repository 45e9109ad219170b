package script

import (
	"github.com/zot/script-engine/internal/host"
)

// PlaceholderManager tracks the placeholder instances of one script.
// Placeholders exist only in tool mode, for host objects that need a
// script attached while the script is invalid or mid-reload. The manager
// holds non-owning back-references; the host object owns the attachment.
type PlaceholderManager struct {
	script       *Script
	placeholders map[host.ObjectID]*PlaceholderInstance
	order        []host.ObjectID
}

func newPlaceholderManager(s *Script) *PlaceholderManager {
	return &PlaceholderManager{
		script:       s,
		placeholders: make(map[host.ObjectID]*PlaceholderInstance),
	}
}

// Create makes a placeholder for the owner object, seeds it with the
// script's exported properties and defaults, and attaches it. Creating a
// second placeholder for the same owner returns the existing one.
func (m *PlaceholderManager) Create(owner host.ObjectID) (*PlaceholderInstance, bool) {
	if ph, ok := m.placeholders[owner]; ok {
		return ph, true
	}
	obj, ok := m.script.lang.host.Get(owner)
	if !ok {
		return nil, false
	}
	ph := &PlaceholderInstance{
		script: m.script,
		owner:  owner,
		values: make(map[string]interface{}),
	}
	props, defaults := m.script.exportedState()
	ph.setProperties(props, defaults)
	m.placeholders[owner] = ph
	m.order = append(m.order, owner)
	obj.Attach(ph)
	m.script.lang.cfg.Log(2, "script: %s: placeholder for object %d", m.script.path, owner)
	return ph, true
}

// Get returns the placeholder for owner, if any.
func (m *PlaceholderManager) Get(owner host.ObjectID) (*PlaceholderInstance, bool) {
	ph, ok := m.placeholders[owner]
	return ph, ok
}

// Erase removes the placeholder from tracking. The owning host object is
// left alone; detaching is its owner's business unless the placeholder is
// still the live attachment.
func (m *PlaceholderManager) Erase(owner host.ObjectID) {
	ph, ok := m.placeholders[owner]
	if !ok {
		return
	}
	delete(m.placeholders, owner)
	for i, id := range m.order {
		if id == owner {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if obj, ok := m.script.lang.host.Get(owner); ok && obj.Attachment() == host.Attachment(ph) {
		obj.Detach()
	}
}

// All returns live placeholders in creation order, pruning ones whose
// owner has died.
func (m *PlaceholderManager) All() []*PlaceholderInstance {
	n := 0
	for _, id := range m.order {
		if _, ok := m.script.lang.host.Get(id); ok {
			m.order[n] = id
			n++
			continue
		}
		delete(m.placeholders, id)
	}
	m.order = m.order[:n]

	out := make([]*PlaceholderInstance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.placeholders[id])
	}
	return out
}

// Count returns the number of live placeholders.
func (m *PlaceholderManager) Count() int {
	return len(m.All())
}

// PromoteAll offers every live placeholder promotion to a real instance,
// replaying its stored values through the same path reload restore uses.
// Placeholders whose promotion fails stay placeholders.
func (m *PlaceholderManager) PromoteAll() {
	for _, ph := range m.All() {
		m.promote(ph)
	}
}

func (m *PlaceholderManager) promote(ph *PlaceholderInstance) {
	s := m.script
	if !s.CanInstantiate() {
		return
	}
	backup := make([]PropertyValue, 0, len(ph.order))
	for _, name := range ph.order {
		backup = append(backup, PropertyValue{Name: name, Value: ph.values[name]})
	}
	owner := ph.Owner()

	m.Erase(owner)
	inst, err := s.CreateInstance(owner)
	if err != nil {
		// Roll back to a placeholder; the object must not lose its script.
		s.lang.cfg.Log(1, "script: %s: promotion of object %d failed: %v", s.path, owner, err)
		if restored, ok := m.Create(owner); ok {
			for _, pv := range backup {
				restored.Set(pv.Name, pv.Value)
			}
		}
		return
	}
	warnings := s.replayProperties(inst, backup)
	s.lang.emit(Event{Type: EventPromoted, Path: s.path, Owner: owner, Warnings: warnings})
}
