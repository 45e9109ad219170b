package script

import (
	"fmt"

	"github.com/zot/script-engine/internal/host"
)

// ReloadState is a hot-reload state-machine state.
type ReloadState int

const (
	StateStable ReloadState = iota
	StateInvalidated
	StateBackingUp
	StateReloading
	StateRestoring
	StateAborted
)

var reloadStateNames = [...]string{
	StateStable:      "stable",
	StateInvalidated: "invalidated",
	StateBackingUp:   "backing_up",
	StateReloading:   "reloading",
	StateRestoring:   "restoring",
	StateAborted:     "aborted",
}

// String returns the state name.
func (s ReloadState) String() string {
	if s < 0 || int(s) >= len(reloadStateNames) {
		return fmt.Sprintf("ReloadState(%d)", int(s))
	}
	return reloadStateNames[s]
}

// MarshalText encodes the state name for JSON events.
func (s ReloadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateBackup captures one instance's state across a reload: property
// values in property-list order plus the signal connections that must be
// reattached after recreation. A backup is consumed at restore time or
// discarded whole when the reload aborts.
type StateBackup struct {
	owner           host.ObjectID
	properties      []PropertyValue
	signals         []host.SignalConnection
	fromPlaceholder bool
}

// Coordinator drives the backup, invalidate, reload, restore protocol for
// one script. The cycle is Stable, Invalidated, BackingUp, Reloading,
// Restoring, back to Stable; extraction failure detours through Aborted
// and settles on Invalidated so a later retry still works. Reload
// requests arriving mid-cycle are coalesced, never run concurrently;
// there is no cancellation once BackingUp has begun.
type Coordinator struct {
	script *Script
	state  ReloadState

	backups  []*StateBackup
	warnings []RestoreWarning

	pendingRequest bool
	pendingSource  string
	running        bool

	wasToolBeforeReload bool
}

func newCoordinator(s *Script) *Coordinator {
	return &Coordinator{script: s, state: StateStable}
}

// State returns the current reload state.
func (c *Coordinator) State() ReloadState {
	return c.state
}

// Warnings returns the restore warnings of the most recent completed cycle.
func (c *Coordinator) Warnings() []RestoreWarning {
	out := make([]RestoreWarning, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Coordinator) transition(to ReloadState) {
	from := c.state
	c.state = to
	c.script.lang.cfg.Log(2, "reload: %s: %s -> %s", c.script.path, from, to)
	c.script.lang.emit(Event{
		Type: EventReloadState,
		Path: c.script.path,
		From: from,
		To:   to,
	})
}

// Invalidate marks the script's source as changed without starting a
// reload. No instance behavior changes yet.
func (c *Coordinator) Invalidate() {
	c.script.reloadInvalidated = true
	if c.state == StateStable {
		c.transition(StateInvalidated)
	}
}

// Reload runs one full reload cycle with the new source. A request that
// arrives while a cycle is in flight is coalesced: the newest source wins
// and one follow-up cycle runs when the current one settles. Reloading
// identical source into a stable, valid script is a no-op.
func (c *Coordinator) Reload(source string) error {
	if c.running {
		c.pendingRequest = true
		c.pendingSource = source
		c.script.lang.cfg.Log(2, "reload: %s: request queued (cycle in flight)", c.script.path)
		return nil
	}

	if c.state == StateStable && c.script.valid && !c.script.reloadInvalidated && source == c.script.source {
		c.script.lang.cfg.Log(2, "reload: %s: source unchanged, skipping", c.script.path)
		return nil
	}

	c.running = true
	defer func() { c.running = false }()

	err := c.runCycle(source)
	for c.pendingRequest {
		c.pendingRequest = false
		err = c.runCycle(c.pendingSource)
	}
	return err
}

func (c *Coordinator) runCycle(source string) error {
	s := c.script

	if c.state != StateInvalidated {
		c.transition(StateInvalidated)
	}
	s.reloadInvalidated = true
	c.wasToolBeforeReload = s.typeInfo.IsTool

	c.backUp()

	c.transition(StateReloading)
	s.source = source
	if err := s.extract(); err != nil {
		// The key reentrancy guarantee: a failed reload is a no-op on
		// live state. Backups that were never consumed are discarded;
		// no instance was destroyed on this branch.
		c.backups = nil
		c.transition(StateAborted)
		c.transition(StateInvalidated)
		s.lang.cfg.Log(1, "reload: %s: aborted: %v", s.path, err)
		return fmt.Errorf("%w: %v", ErrReloadAborted, err)
	}

	c.restore()

	if c.wasToolBeforeReload != s.typeInfo.IsTool {
		s.lang.emit(Event{
			Type:    EventToolChanged,
			Path:    s.path,
			WasTool: c.wasToolBeforeReload,
			IsTool:  s.typeInfo.IsTool,
		})
	}

	c.transition(StateStable)
	if len(c.warnings) > 0 {
		s.lang.emit(Event{Type: EventRestoreWarnings, Path: s.path, Warnings: c.warnings})
	}
	return nil
}

// backUp captures every live instance and placeholder. Property values
// are read through the host-facing property interface in property-list
// order; unreadable properties are omitted rather than fatal.
func (c *Coordinator) backUp() {
	s := c.script
	c.transition(StateBackingUp)
	c.backups = nil

	props := s.PropertyList()
	for _, owner := range s.InstanceOwners() {
		inst, ok := s.Instance(owner)
		if !ok {
			continue
		}
		b := &StateBackup{owner: owner}
		for _, p := range props {
			if v, ok := inst.Get(p.Name); ok {
				b.properties = append(b.properties, PropertyValue{Name: p.Name, Value: v})
			}
		}
		if obj, ok := s.lang.host.Get(owner); ok {
			for _, conn := range obj.Connections() {
				if s.HasSignal(conn.Signal) {
					b.signals = append(b.signals, conn)
				}
			}
		}
		c.backups = append(c.backups, b)
	}

	if s.placeholders != nil {
		for _, ph := range s.placeholders.All() {
			b := &StateBackup{owner: ph.Owner(), fromPlaceholder: true}
			for _, name := range ph.PropertyNames() {
				if v, ok := ph.Get(name); ok {
					b.properties = append(b.properties, PropertyValue{Name: name, Value: v})
				}
			}
			c.backups = append(c.backups, b)
		}
	}
	s.lang.cfg.Log(2, "reload: %s: backed up %d instance(s)", s.path, len(c.backups))
}

// restore recreates every backed-up instance against the new class and
// replays its state. Per-instance failures downgrade to placeholders in
// tool mode (the object must not lose its script) and to warnings
// otherwise; they never fail the reload.
func (c *Coordinator) restore() {
	c.transition(StateRestoring)
	c.warnings = nil

	for _, b := range c.backups {
		c.restoreOne(b)
	}
	c.backups = nil
}

func (c *Coordinator) restoreOne(b *StateBackup) {
	s := c.script

	obj, ok := s.lang.host.Get(b.owner)
	if !ok {
		// Owner died mid-reload; its backup dies with it.
		return
	}

	if b.fromPlaceholder {
		s.placeholders.Erase(b.owner)
	} else {
		s.DestroyInstance(b.owner)
	}

	inst, err := s.CreateInstance(b.owner)
	if err != nil {
		c.warnings = append(c.warnings, RestoreWarning{
			Owner:  b.owner,
			Reason: fmt.Sprintf("recreation failed: %v", err),
		})
		if s.placeholders != nil {
			if ph, ok := s.placeholders.Create(b.owner); ok {
				for _, pv := range b.properties {
					ph.Set(pv.Name, pv.Value)
				}
			}
		}
		return
	}

	c.warnings = append(c.warnings, s.replayProperties(inst, b.properties)...)

	for _, conn := range b.signals {
		if !s.HasSignal(conn.Signal) {
			c.warnings = append(c.warnings, RestoreWarning{
				Owner:    b.owner,
				Property: conn.Signal,
				Reason:   "signal no longer exists",
			})
			continue
		}
		obj.Connect(conn.Signal, conn.Target, conn.Method)
	}

	if b.fromPlaceholder {
		s.lang.emit(Event{Type: EventPromoted, Path: s.path, Owner: b.owner})
	}
}
