package script

// Export cache maintenance (tool mode). The exported property list and
// default map feed the editor inspector and placeholder instances; they
// are recomputed lazily, gated by exportsInvalidated so repeated
// refreshes without an intervening reload are no-ops.

// ExportsInvalidated reports whether the export cache is stale.
func (s *Script) ExportsInvalidated() bool {
	return s.exportsInvalidated
}

// ExportedProperties returns the cached exported property list,
// refreshing it first if stale. Nil outside tool mode.
func (s *Script) ExportedProperties() []PropertyInfo {
	if s.placeholders == nil {
		return nil
	}
	s.RefreshExports(nil)
	out := make([]PropertyInfo, len(s.exportedProps))
	copy(out, s.exportedProps)
	return out
}

// ExportedDefaults returns the cached default-value map, refreshing it
// first if stale. Nil outside tool mode.
func (s *Script) ExportedDefaults() map[string]interface{} {
	if s.placeholders == nil {
		return nil
	}
	s.RefreshExports(nil)
	out := make(map[string]interface{}, len(s.exportedDefaults))
	for k, v := range s.exportedDefaults {
		out[k] = v
	}
	return out
}

// RefreshExports rebuilds the exported-property list and default map from
// the current reflection cache. When the cache was stale the refreshed
// state is pushed into every live placeholder; otherwise only the given
// target placeholder (if any) is updated. Calling twice with no
// intervening reload produces identical output.
func (s *Script) RefreshExports(target *PlaceholderInstance) {
	if s.placeholders == nil {
		return
	}
	if !s.exportsInvalidated {
		if target != nil {
			target.setProperties(s.exportedProps, s.exportedDefaults)
		}
		return
	}

	props := s.PropertyList()
	defaults := make(map[string]interface{}, len(props))
	for _, p := range props {
		if p.HasDefault {
			defaults[p.Name] = p.Default
		}
	}
	s.exportedProps = props
	s.exportedDefaults = defaults
	s.exportsInvalidated = false

	for _, ph := range s.placeholders.All() {
		ph.setProperties(props, defaults)
	}
	if target != nil {
		if _, tracked := s.placeholders.Get(target.Owner()); !tracked {
			target.setProperties(props, defaults)
		}
	}
	s.lang.cfg.Log(3, "script: %s: exports refreshed (%d properties)", s.path, len(props))
}

// exportedState returns the property list and defaults used to seed a new
// placeholder, falling back to live reflection when the cache is stale.
func (s *Script) exportedState() ([]PropertyInfo, map[string]interface{}) {
	if !s.exportsInvalidated && s.exportedProps != nil {
		return s.exportedProps, s.exportedDefaults
	}
	props := s.PropertyList()
	defaults := make(map[string]interface{}, len(props))
	for _, p := range props {
		if p.HasDefault {
			defaults[p.Name] = p.Default
		}
	}
	return props, defaults
}
