package script

import (
	"errors"
	"strings"
	"testing"
)

// runnerClass is the baseline class every reload test starts from.
func runnerClass() *fakeClass {
	fc := nodeClass("Runner", "Node")
	fc.props = []PropertyInfo{
		{Name: "a", Type: "number", Default: float64(0), HasDefault: true},
		{Name: "b", Type: "string", Default: "", HasDefault: true},
	}
	return fc
}

// reloadEnv is a testEnv with one loaded script and one live instance,
// the usual starting point for a reload cycle.
func reloadEnv(t *testing.T, toolMode bool) (*testEnv, *Script, *LuaInstance) {
	t.Helper()
	env := newTestEnv(toolMode, true)
	env.vm.program("v1", runnerClass())

	s := mustLoad(t, env, "runner.lua", "v1")
	owner := env.host.NewObject("Node", false)
	inst, err := s.CreateInstance(owner.ID())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	return env, s, inst
}

// === Reload Cycle Tests ===

func TestReloadRestoresPropertyValues(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	inst.Set("a", float64(1))
	inst.Set("b", "x")
	owner := inst.Owner()

	env.vm.program("v2", runnerClass())

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if s.Reloader().State() != StateStable {
		t.Errorf("state = %v, want stable", s.Reloader().State())
	}
	fresh, ok := s.Instance(owner)
	if !ok {
		t.Fatal("instance lost across reload")
	}
	if fresh == inst {
		t.Error("reload should recreate the instance, not reuse it")
	}
	if v, _ := fresh.Get("a"); v != float64(1) {
		t.Errorf("a = %v, want 1", v)
	}
	if v, _ := fresh.Get("b"); v != "x" {
		t.Errorf("b = %v, want %q", v, "x")
	}
	if len(s.Reloader().Warnings()) != 0 {
		t.Errorf("unexpected warnings: %v", s.Reloader().Warnings())
	}
	if env.vm.constructs != 2 {
		t.Errorf("constructs = %d, want 2", env.vm.constructs)
	}
}

func TestReloadDroppedPropertyWarns(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	inst.Set("b", "x")

	fc2 := nodeClass("Runner", "Node")
	fc2.props = []PropertyInfo{
		{Name: "a", Type: "number", Default: float64(0), HasDefault: true},
	}
	env.vm.program("v2", fc2)

	var warned []RestoreWarning
	env.lang.Subscribe(func(ev Event) {
		if ev.Type == EventRestoreWarnings {
			warned = append(warned, ev.Warnings...)
		}
	})

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	warnings := s.Reloader().Warnings()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one dropped-property warning", warnings)
	}
	if warnings[0].Property != "b" || !strings.Contains(warnings[0].Reason, "no longer exists") {
		t.Errorf("warning = %v", warnings[0])
	}
	if len(warned) != 1 {
		t.Errorf("EventRestoreWarnings carried %d warnings, want 1", len(warned))
	}
	// The surviving property still made it over.
	fresh, _ := s.Instance(inst.Owner())
	if v, _ := fresh.Get("a"); v != float64(0) {
		t.Errorf("a = %v, want default 0", v)
	}
}

func TestReloadAbortLeavesInstancesUntouched(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	inst.Set("a", float64(7))
	owner := inst.Owner()
	env.vm.compileErr["bad"] = errors.New("syntax error")
	before := env.vm.constructs

	err := env.lang.Reload("runner.lua", "bad")
	if !errors.Is(err, ErrReloadAborted) {
		t.Fatalf("err = %v, want ErrReloadAborted", err)
	}
	if s.Reloader().State() != StateInvalidated {
		t.Errorf("state = %v, want invalidated", s.Reloader().State())
	}
	if s.Valid() {
		t.Error("script should be invalid after a failed extraction")
	}

	// The reentrancy guarantee: the live instance is exactly as it was.
	got, ok := s.Instance(owner)
	if !ok || got != inst {
		t.Fatal("aborted reload must not touch the live instance")
	}
	if v, _ := inst.Get("a"); v != float64(7) {
		t.Errorf("a = %v, want 7", v)
	}
	if env.vm.constructs != before {
		t.Errorf("constructs changed across an aborted reload")
	}

	// A later good reload recovers and still restores the old values.
	env.vm.program("v3", runnerClass())
	if err := env.lang.Reload("runner.lua", "v3"); err != nil {
		t.Fatalf("recovery reload failed: %v", err)
	}
	fresh, _ := s.Instance(owner)
	if v, _ := fresh.Get("a"); v != float64(7) {
		t.Errorf("a after recovery = %v, want 7", v)
	}
	if s.Reloader().State() != StateStable {
		t.Errorf("state = %v, want stable", s.Reloader().State())
	}
}

func TestReloadUnchangedSourceIsNoop(t *testing.T) {
	env, s, _ := reloadEnv(t, false)
	before := env.vm.constructs

	var events int
	env.lang.Subscribe(func(ev Event) { events++ })

	if err := env.lang.Reload("runner.lua", "v1"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if events != 0 {
		t.Errorf("no-op reload emitted %d events", events)
	}
	if env.vm.constructs != before {
		t.Error("no-op reload recreated instances")
	}
	if s.Reloader().State() != StateStable {
		t.Errorf("state = %v, want stable", s.Reloader().State())
	}
}

func TestReloadStateSequence(t *testing.T) {
	env, _, _ := reloadEnv(t, false)
	fc2 := nodeClass("Runner", "Node")
	env.vm.program("v2", fc2)

	var seq []ReloadState
	env.lang.Subscribe(func(ev Event) {
		if ev.Type == EventReloadState {
			seq = append(seq, ev.To)
		}
	})

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	want := []ReloadState{StateInvalidated, StateBackingUp, StateReloading, StateRestoring, StateStable}
	if len(seq) != len(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seq[i], want[i])
		}
	}
}

func TestReloadCoalescesMidCycleRequests(t *testing.T) {
	env, s, _ := reloadEnv(t, false)
	fc2 := nodeClass("Runner", "Node")
	fc3 := nodeClass("Runner", "Node")
	fc3.props = []PropertyInfo{
		{Name: "c", Type: "number", Default: float64(3), HasDefault: true},
	}
	env.vm.program("v2", fc2)
	env.vm.program("v3", fc3)

	// A reload request arriving mid-cycle (from an event listener here)
	// must queue, not recurse.
	queued := false
	env.lang.Subscribe(func(ev Event) {
		if ev.Type == EventReloadState && ev.To == StateRestoring && !queued {
			queued = true
			if err := env.lang.Reload("runner.lua", "v3"); err != nil {
				t.Errorf("queued reload returned error: %v", err)
			}
		}
	})

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if s.Source() != "v3" {
		t.Errorf("source = %q, want the newest queued source", s.Source())
	}
	if !s.HasProperty("c") {
		t.Error("follow-up cycle did not apply the queued source")
	}
	if s.Reloader().State() != StateStable {
		t.Errorf("state = %v, want stable", s.Reloader().State())
	}
}

func TestReloadSignalConnections(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	owner := inst.Owner()
	target := env.host.NewObject("Node", false)

	obj, _ := env.host.Get(owner)
	obj.Connect("moved", target.ID(), "on_moved")

	// v2 keeps the signal, v3 drops it.
	fc2 := runnerClass()
	env.vm.program("v2", fc2)
	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(s.Reloader().Warnings()) != 0 {
		t.Errorf("kept signal produced warnings: %v", s.Reloader().Warnings())
	}
	found := false
	for _, c := range obj.Connections() {
		if c.Signal == "moved" && c.Target == target.ID() && c.Method == "on_moved" {
			found = true
		}
	}
	if !found {
		t.Error("connection lost across reload")
	}

	fc3 := runnerClass()
	fc3.signals = nil
	env.vm.program("v3", fc3)
	if err := env.lang.Reload("runner.lua", "v3"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	warnings := s.Reloader().Warnings()
	dropped := false
	for _, w := range warnings {
		if w.Property == "moved" && strings.Contains(w.Reason, "signal no longer exists") {
			dropped = true
		}
	}
	if !dropped {
		t.Errorf("warnings = %v, want a dropped-signal warning", warnings)
	}
}

func TestReloadToolFlagChangeEmitsEvent(t *testing.T) {
	env, _, _ := reloadEnv(t, false)
	fc2 := nodeClass("Runner", "Node")
	fc2.meta.Tool = true
	env.vm.program("v2", fc2)

	var got *Event
	env.lang.Subscribe(func(ev Event) {
		if ev.Type == EventToolChanged {
			e := ev
			got = &e
		}
	})

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got == nil {
		t.Fatal("no EventToolChanged emitted")
	}
	if got.WasTool || !got.IsTool {
		t.Errorf("event = wasTool=%v isTool=%v, want false->true", got.WasTool, got.IsTool)
	}
}

func TestReloadDropsBackupForDeadOwner(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	second := env.host.NewObject("Node", false)
	if _, err := s.CreateInstance(second.ID()); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	env.host.Free(inst.Owner())

	env.vm.program("v2", runnerClass())
	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if s.InstanceCount() != 1 {
		t.Errorf("InstanceCount = %d, want 1", s.InstanceCount())
	}
	if len(s.Reloader().Warnings()) != 0 {
		t.Errorf("dead owner should drop silently, got %v", s.Reloader().Warnings())
	}
}

func TestReloadRecreationFailureFallsBackToPlaceholder(t *testing.T) {
	env, s, inst := reloadEnv(t, true)
	inst.Set("a", float64(9))
	owner := inst.Owner()

	// The new class is abstract, so recreation must fail.
	fc2 := nodeClass("Runner", "Node")
	fc2.meta.Abstract = true
	fc2.props = []PropertyInfo{
		{Name: "a", Type: "number", Default: float64(0), HasDefault: true},
	}
	env.vm.program("v2", fc2)

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	ph, ok := s.Placeholders().Get(owner)
	if !ok {
		t.Fatal("owner should have fallen back to a placeholder")
	}
	if v, _ := ph.Get("a"); v != float64(9) {
		t.Errorf("placeholder a = %v, want the backed-up 9", v)
	}
	obj, _ := env.host.Get(owner)
	if _, isPH := AsPlaceholder(obj.Attachment()); !isPH {
		t.Error("owner attachment should be the placeholder")
	}
	recreate := false
	for _, w := range s.Reloader().Warnings() {
		if strings.Contains(w.Reason, "recreation failed") {
			recreate = true
		}
	}
	if !recreate {
		t.Errorf("warnings = %v, want a recreation failure", s.Reloader().Warnings())
	}
}

func TestReloadPromotesPlaceholderBackups(t *testing.T) {
	env, s, _ := reloadEnv(t, true)

	// A second owner carries a placeholder instead of a real instance.
	phOwner := env.host.NewObject("Node", false)
	ph, ok := s.Placeholders().Create(phOwner.ID())
	if !ok {
		t.Fatal("placeholder creation failed")
	}
	ph.Set("a", float64(42))

	env.vm.program("v2", runnerClass())

	var promoted []Event
	env.lang.Subscribe(func(ev Event) {
		if ev.Type == EventPromoted {
			promoted = append(promoted, ev)
		}
	})

	if err := env.lang.Reload("runner.lua", "v2"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	inst, ok := s.Instance(phOwner.ID())
	if !ok {
		t.Fatal("placeholder was not promoted to a real instance")
	}
	if v, _ := inst.Get("a"); v != float64(42) {
		t.Errorf("a = %v, want the placeholder's 42", v)
	}
	if s.Placeholders().Count() != 0 {
		t.Errorf("placeholders remaining: %d", s.Placeholders().Count())
	}
	if len(promoted) != 1 || promoted[0].Owner != phOwner.ID() {
		t.Errorf("promoted events = %v", promoted)
	}
}

func TestInvalidateMarksScriptWithoutReload(t *testing.T) {
	env, s, inst := reloadEnv(t, false)
	before := env.vm.constructs

	s.SetSource("v1-edited")

	if !s.ReloadInvalidated() {
		t.Error("SetSource should mark the script invalidated")
	}
	if s.Reloader().State() != StateInvalidated {
		t.Errorf("state = %v, want invalidated", s.Reloader().State())
	}
	if !s.Valid() {
		t.Error("invalidation alone must not invalidate extracted metadata")
	}
	if env.vm.constructs != before {
		t.Error("invalidation must not touch instances")
	}
	if v, ok := inst.Get("a"); !ok || v != float64(0) {
		t.Errorf("a = %v, %v; want 0, true", v, ok)
	}
}
