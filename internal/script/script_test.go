package script

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/host"
)

// fakeClass is the class descriptor a fake program declares.
type fakeClass struct {
	meta      ClassMeta
	props     []PropertyInfo
	methods   []MethodInfo
	signals   []SignalInfo
	hasInit   bool
	initArity int
	variadic  bool
}

// fakeValue is a fake VM-side instance: a plain field bag over its class.
type fakeValue struct {
	class  *fakeClass
	fields map[string]interface{}
}

// fakeVM implements VM with canned programs keyed by source text, so tests
// control exactly what each "compile" produces.
type fakeVM struct {
	programs   map[string]*fakeClass
	compileErr map[string]error
	classes    map[string]*fakeClass
	constructs int
	releases   int
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		programs:   make(map[string]*fakeClass),
		compileErr: make(map[string]error),
		classes:    make(map[string]*fakeClass),
	}
}

// program registers what compiling the given source produces.
func (m *fakeVM) program(source string, fc *fakeClass) {
	m.programs[source] = fc
}

func (m *fakeVM) LoadChunk(path, source string) (string, error) {
	if err, ok := m.compileErr[source]; ok {
		return "", err
	}
	fc, ok := m.programs[source]
	if !ok {
		return "", fmt.Errorf("chunk declares no class: %w", ErrClassNotFound)
	}
	m.classes[fc.meta.Name] = fc
	return fc.meta.Name, nil
}

func (m *fakeVM) ResolveClass(name string) (ClassHandle, error) {
	fc, ok := m.classes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrClassNotFound)
	}
	return fc, nil
}

func (m *fakeVM) ClassMeta(h ClassHandle) ClassMeta {
	return h.(*fakeClass).meta
}

func (m *fakeVM) PropertyList(h ClassHandle) []PropertyInfo {
	return append([]PropertyInfo(nil), h.(*fakeClass).props...)
}

func (m *fakeVM) DefaultValues(h ClassHandle) map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range h.(*fakeClass).props {
		if p.HasDefault {
			out[p.Name] = p.Default
		}
	}
	return out
}

func (m *fakeVM) Methods(h ClassHandle) []MethodInfo {
	return append([]MethodInfo(nil), h.(*fakeClass).methods...)
}

func (m *fakeVM) Signals(h ClassHandle) []SignalInfo {
	return append([]SignalInfo(nil), h.(*fakeClass).signals...)
}

func (m *fakeVM) Construct(h ClassHandle, args []interface{}) (ScriptValue, error) {
	fc := h.(*fakeClass)
	if !fc.hasInit && len(args) > 0 {
		return nil, fmt.Errorf("class %s has no constructor: %w", fc.meta.Name, ErrConstructorMismatch)
	}
	if fc.hasInit && !fc.variadic && len(args) != fc.initArity {
		return nil, fmt.Errorf("class %s wants %d args, got %d: %w",
			fc.meta.Name, fc.initArity, len(args), ErrConstructorMismatch)
	}
	m.constructs++
	fields := make(map[string]interface{})
	for _, p := range fc.props {
		if p.HasDefault {
			fields[p.Name] = p.Default
		}
	}
	return &fakeValue{class: fc, fields: fields}, nil
}

func (m *fakeVM) GetProperty(v ScriptValue, name string) (interface{}, bool) {
	fv := v.(*fakeValue)
	if fv.fields == nil {
		return nil, false
	}
	if val, ok := fv.fields[name]; ok {
		return val, true
	}
	for _, p := range fv.class.props {
		if p.Name == name {
			return nil, true
		}
	}
	return nil, false
}

func (m *fakeVM) SetProperty(v ScriptValue, name string, value interface{}) bool {
	fv := v.(*fakeValue)
	if fv.fields == nil {
		return false
	}
	if _, ok := fv.fields[name]; ok {
		fv.fields[name] = value
		return true
	}
	for _, p := range fv.class.props {
		if p.Name == name {
			fv.fields[name] = value
			return true
		}
	}
	return false
}

func (m *fakeVM) CallMethod(v ScriptValue, name string, args []interface{}) (interface{}, error) {
	fv := v.(*fakeValue)
	for _, mi := range fv.class.methods {
		if mi.Name == name {
			return "called:" + name, nil
		}
	}
	return nil, fmt.Errorf("no method %q", name)
}

func (m *fakeVM) Release(v ScriptValue) {
	m.releases++
	v.(*fakeValue).fields = nil
}

// testEnv bundles a language runtime over a fake VM and a fresh host store.
type testEnv struct {
	cfg  *config.Config
	vm   *fakeVM
	host *host.Store
	lang *Language
}

func newTestEnv(toolMode, reloadEnabled bool) *testEnv {
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = 0 // Quiet for tests
	cfg.Scripts.ToolMode = toolMode
	cfg.Reload.Enabled = reloadEnabled
	vm := newFakeVM()
	store := host.NewStore(host.DefaultClassRegistry())
	return &testEnv{
		cfg:  cfg,
		vm:   vm,
		host: store,
		lang: NewLanguage(cfg, vm, store),
	}
}

// nodeClass builds a concrete class extending a native base with one
// exported property.
func nodeClass(name, extends string) *fakeClass {
	return &fakeClass{
		meta: ClassMeta{Name: name, Extends: extends},
		props: []PropertyInfo{
			{Name: "speed", Type: "number", Default: float64(5), HasDefault: true},
		},
		methods: []MethodInfo{{Name: "run", Arity: 1}},
		signals: []SignalInfo{{Name: "moved", Args: []string{"delta"}}},
	}
}

// mustLoad loads a script and fails the test on error.
func mustLoad(t *testing.T, env *testEnv, path, source string) *Script {
	t.Helper()
	s, err := env.lang.LoadScript(path, source)
	if err != nil {
		t.Fatalf("LoadScript(%s) failed: %v", path, err)
	}
	return s
}

// === Load & Extraction Tests ===

func TestLoadScriptExtractsTypeInfo(t *testing.T) {
	env := newTestEnv(false, false)
	fc := nodeClass("Foo", "Node")
	fc.meta.Tool = true
	fc.meta.IconPath = "res://icons/foo.svg"
	env.vm.program("src-foo", fc)

	s := mustLoad(t, env, "foo.lua", "src-foo")

	info := s.TypeInfo()
	if info.ClassName != "Foo" {
		t.Errorf("ClassName = %q, want Foo", info.ClassName)
	}
	if info.NativeBaseName != "Node" {
		t.Errorf("NativeBaseName = %q, want Node", info.NativeBaseName)
	}
	if !info.IsTool {
		t.Error("IsTool = false, want true")
	}
	if info.IconPath != "res://icons/foo.svg" {
		t.Errorf("IconPath = %q", info.IconPath)
	}
	if !s.Valid() {
		t.Error("script should be valid after load")
	}
	if s.ReloadInvalidated() {
		t.Error("fresh load should clear the invalidated flag")
	}
	if s.Reflection() == nil {
		t.Fatal("reflection cache is nil")
	}
	if !s.Reflection().HasMethod("run") {
		t.Error("reflection lost method run")
	}
}

func TestLoadFailureKeepsScriptRegistered(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.compileErr["broken"] = errors.New("syntax error near 'end'")

	s, err := env.lang.LoadScript("bad.lua", "broken")
	if err == nil {
		t.Fatal("expected load error")
	}
	if s == nil {
		t.Fatal("failed load must still return the script")
	}
	if s.Valid() {
		t.Error("script should be invalid")
	}
	if _, ok := env.lang.Script("bad.lua"); !ok {
		t.Error("invalid script should stay registered")
	}
	if s.CanInstantiate() {
		t.Error("invalid script must not be instantiable")
	}
}

func TestLoadDefaultBaseIsRefCounted(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", &fakeClass{meta: ClassMeta{Name: "Bare"}})

	s := mustLoad(t, env, "bare.lua", "src")
	if s.TypeInfo().NativeBaseName != "RefCounted" {
		t.Errorf("NativeBaseName = %q, want RefCounted", s.TypeInfo().NativeBaseName)
	}
}

func TestLoadScriptBase(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src-a", nodeClass("Animal", "Node"))
	env.vm.program("src-b", nodeClass("Dog", "Animal"))

	base := mustLoad(t, env, "animal.lua", "src-a")
	derived := mustLoad(t, env, "dog.lua", "src-b")

	if derived.Base() != base {
		t.Error("Dog's base script should be Animal")
	}
	if derived.TypeInfo().NativeBaseName != "Node" {
		t.Errorf("native base = %q, want Node (bottom of the chain)",
			derived.TypeInfo().NativeBaseName)
	}
}

func TestSelfExtendRejected(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Snake", "Snake"))

	_, err := env.lang.LoadScript("snake.lua", "src")
	if !errors.Is(err, ErrInvalidBaseChain) {
		t.Fatalf("err = %v, want ErrInvalidBaseChain", err)
	}
}

func TestBaseChainCycleRejected(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src-a1", nodeClass("A", "Node"))
	env.vm.program("src-b", nodeClass("B", "A"))
	env.vm.program("src-a2", nodeClass("A", "B"))

	mustLoad(t, env, "a.lua", "src-a1")
	mustLoad(t, env, "b.lua", "src-b")

	// Re-extracting A on top of B would close the cycle A -> B -> A.
	_, err := env.lang.LoadScript("a.lua", "src-a2")
	if !errors.Is(err, ErrInvalidBaseChain) {
		t.Fatalf("err = %v, want ErrInvalidBaseChain", err)
	}
}

func TestUnknownBaseRejected(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Orphan", "NoSuchClass"))

	_, err := env.lang.LoadScript("orphan.lua", "src")
	if !errors.Is(err, ErrInvalidBaseChain) {
		t.Fatalf("err = %v, want ErrInvalidBaseChain", err)
	}
}

func TestFindByClass(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Player", "CharacterBody2D"))
	s := mustLoad(t, env, "player.lua", "src")

	found, ok := env.lang.FindByClass("Player")
	if !ok || found != s {
		t.Errorf("FindByClass(Player) = %v, %v", found, ok)
	}
	if _, ok := env.lang.FindByClass("Ghost"); ok {
		t.Error("FindByClass should miss unknown classes")
	}
}

func TestRemoveRefusedForBaseScript(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src-a", nodeClass("Animal", "Node"))
	env.vm.program("src-b", nodeClass("Dog", "Animal"))
	mustLoad(t, env, "animal.lua", "src-a")
	mustLoad(t, env, "dog.lua", "src-b")

	if err := env.lang.Remove("animal.lua"); err == nil {
		t.Fatal("removing a base script should fail")
	}
	if err := env.lang.Remove("dog.lua"); err != nil {
		t.Fatalf("removing the leaf failed: %v", err)
	}
	if err := env.lang.Remove("animal.lua"); err != nil {
		t.Fatalf("removing the ex-base failed: %v", err)
	}
	if len(env.lang.Scripts()) != 0 {
		t.Errorf("scripts remaining: %d", len(env.lang.Scripts()))
	}
}

// === Instance Tests ===

func TestCreateInstanceRequiresValidScript(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.compileErr["broken"] = errors.New("boom")
	s, _ := env.lang.LoadScript("bad.lua", "broken")

	owner := env.host.NewObject("Node", false)
	_, err := s.CreateInstance(owner.ID())
	if !errors.Is(err, ErrNotInstantiable) {
		t.Fatalf("err = %v, want ErrNotInstantiable", err)
	}
}

func TestCreateInstanceRejectsAbstract(t *testing.T) {
	env := newTestEnv(false, false)
	fc := nodeClass("Shape", "Node")
	fc.meta.Abstract = true
	env.vm.program("src", fc)
	s := mustLoad(t, env, "shape.lua", "src")

	owner := env.host.NewObject("Node", false)
	_, err := s.CreateInstance(owner.ID())
	if !errors.Is(err, ErrNotInstantiable) {
		t.Fatalf("err = %v, want ErrNotInstantiable", err)
	}
}

func TestCreateInstanceOwnerClassMismatch(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Mover", "Node2D"))
	s := mustLoad(t, env, "mover.lua", "src")

	// Control is a Node but not a Node2D.
	owner := env.host.NewObject("Control", false)
	_, err := s.CreateInstance(owner.ID())
	if !errors.Is(err, ErrNotInstantiable) {
		t.Fatalf("err = %v, want ErrNotInstantiable", err)
	}

	// A subclass of the native base is fine.
	owner2 := env.host.NewObject("CharacterBody2D", false)
	if _, err := s.CreateInstance(owner2.ID()); err != nil {
		t.Fatalf("CreateInstance on subclass owner failed: %v", err)
	}
}

func TestConstructorMismatchNoPartialRegistration(t *testing.T) {
	env := newTestEnv(false, false)
	fc := nodeClass("Strict", "Node")
	fc.hasInit = true
	fc.initArity = 2
	env.vm.program("src", fc)
	s := mustLoad(t, env, "strict.lua", "src")

	owner := env.host.NewObject("Node", false)
	_, err := s.CreateInstance(owner.ID(), 1)
	if !errors.Is(err, ErrConstructorMismatch) {
		t.Fatalf("err = %v, want ErrConstructorMismatch", err)
	}
	if s.InstanceCount() != 0 {
		t.Error("failed construction must not register an instance")
	}
	if owner.Attachment() != nil {
		t.Error("failed construction must not attach to the owner")
	}

	if _, err := s.CreateInstance(owner.ID(), 1, 2); err != nil {
		t.Fatalf("matching arity failed: %v", err)
	}
	if s.InstanceCount() != 1 {
		t.Errorf("InstanceCount = %d, want 1", s.InstanceCount())
	}
}

func TestCreateInstanceAppliesDefaults(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	inst, err := s.CreateInstance(owner.ID())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if v, ok := inst.Get("speed"); !ok || v != float64(5) {
		t.Errorf("speed = %v, %v; want 5, true", v, ok)
	}
}

func TestCreateInstanceAttachesToOwner(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	inst, _ := s.CreateInstance(owner.ID())

	got, ok := AsLuaInstance(owner.Attachment())
	if !ok || got != inst {
		t.Fatalf("owner attachment = %v, want the new instance", owner.Attachment())
	}
	if _, ok := AsPlaceholder(owner.Attachment()); ok {
		t.Error("real instance narrowed as placeholder")
	}
	// Host property reads route through the attachment.
	if v, ok := owner.GetProperty("speed"); !ok || v != float64(5) {
		t.Errorf("owner.GetProperty(speed) = %v, %v", v, ok)
	}
}

func TestReattachReplacesInstance(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	first, _ := s.CreateInstance(owner.ID())
	first.Set("speed", float64(99))

	second, err := s.CreateInstance(owner.ID())
	if err != nil {
		t.Fatalf("re-attach failed: %v", err)
	}
	if s.InstanceCount() != 1 {
		t.Errorf("InstanceCount = %d, want 1", s.InstanceCount())
	}
	if got, _ := AsLuaInstance(owner.Attachment()); got != second {
		t.Error("owner should carry the new instance")
	}
	if v, _ := second.Get("speed"); v != float64(5) {
		t.Errorf("new instance speed = %v, want default 5", v)
	}
	if env.vm.releases != 1 {
		t.Errorf("releases = %d, want 1 (the replaced value)", env.vm.releases)
	}
}

func TestFailedReattachKeepsExistingInstance(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	first, err := s.CreateInstance(owner.ID())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	first.Set("speed", float64(42))

	// The class has no constructor, so passing args must fail — and the
	// failure must leave the existing binding exactly as it was.
	_, err = s.CreateInstance(owner.ID(), 1)
	if !errors.Is(err, ErrConstructorMismatch) {
		t.Fatalf("err = %v, want ErrConstructorMismatch", err)
	}
	got, ok := s.Instance(owner.ID())
	if !ok || got != first {
		t.Fatal("failed re-attach destroyed the previous instance")
	}
	if v, _ := first.Get("speed"); v != float64(42) {
		t.Errorf("speed = %v, want the pre-call 42", v)
	}
	if att, _ := AsLuaInstance(owner.Attachment()); att != first {
		t.Error("owner attachment changed on a failed re-attach")
	}
	if env.vm.releases != 0 {
		t.Errorf("releases = %d, want 0 (old value must survive)", env.vm.releases)
	}
}

func TestDestroyInstanceDetaches(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	s.CreateInstance(owner.ID())
	s.DestroyInstance(owner.ID())

	if owner.Attachment() != nil {
		t.Error("destroy should detach from a live owner")
	}
	if s.InstanceCount() != 0 {
		t.Errorf("InstanceCount = %d, want 0", s.InstanceCount())
	}
	if env.vm.releases != 1 {
		t.Errorf("releases = %d, want 1", env.vm.releases)
	}
	// Destroying again is a no-op.
	s.DestroyInstance(owner.ID())
}

func TestDeadOwnersArePruned(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	a := env.host.NewObject("Node", false)
	b := env.host.NewObject("Node", false)
	s.CreateInstance(a.ID())
	s.CreateInstance(b.ID())

	env.host.Free(a.ID())

	owners := s.InstanceOwners()
	if len(owners) != 1 || owners[0] != b.ID() {
		t.Errorf("InstanceOwners = %v, want [%d]", owners, b.ID())
	}
	if env.vm.releases != 1 {
		t.Errorf("releases = %d, want 1 (the dead owner's value)", env.vm.releases)
	}
}

func TestNewCreatesInternalOwner(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Bare", "RefCounted"))
	s := mustLoad(t, env, "bare.lua", "src")

	before := len(env.host.LiveIDs())
	v, err := s.New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if v == nil {
		t.Fatal("New returned nil value")
	}
	if len(env.host.LiveIDs()) != before+1 {
		t.Error("New should create one internal owner object")
	}
	if s.InstanceCount() != 1 {
		t.Errorf("InstanceCount = %d, want 1", s.InstanceCount())
	}
}

func TestInstanceCallMethod(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	owner := env.host.NewObject("Node", false)
	inst, _ := s.CreateInstance(owner.ID())

	got, err := inst.Call("run", 1)
	if err != nil {
		t.Fatalf("Call(run) failed: %v", err)
	}
	if got != "called:run" {
		t.Errorf("Call(run) = %v", got)
	}
	if _, err := inst.Call("fly"); err == nil {
		t.Error("calling a missing method should fail")
	}
}

func TestScriptAsResource(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src")

	// The host dispatches on the Resource surface without knowing the
	// language behind it.
	var r Resource = s
	if !r.CanInstantiate() {
		t.Error("CanInstantiate through Resource = false")
	}
	if r.LanguageName() != "lua" {
		t.Errorf("LanguageName = %q", r.LanguageName())
	}
	props := r.PropertyList()
	if len(props) != 1 || props[0].Name != "speed" {
		t.Errorf("PropertyList = %v", props)
	}
}

// === Property List Tests ===

func TestPropertyListFlattensBaseChain(t *testing.T) {
	env := newTestEnv(false, false)
	base := &fakeClass{
		meta: ClassMeta{Name: "Animal", Extends: "Node"},
		props: []PropertyInfo{
			{Name: "legs", Type: "number", Default: float64(4), HasDefault: true},
			{Name: "name", Type: "string", Default: "animal", HasDefault: true},
		},
	}
	derived := &fakeClass{
		meta: ClassMeta{Name: "Dog", Extends: "Animal"},
		props: []PropertyInfo{
			{Name: "name", Type: "string", Default: "dog", HasDefault: true},
			{Name: "breed", Type: "string"},
		},
	}
	env.vm.program("src-a", base)
	env.vm.program("src-b", derived)
	mustLoad(t, env, "animal.lua", "src-a")
	dog := mustLoad(t, env, "dog.lua", "src-b")

	props := dog.PropertyList()
	want := []string{"legs", "name", "breed"}
	if len(props) != len(want) {
		t.Fatalf("PropertyList = %v, want names %v", props, want)
	}
	for i, name := range want {
		if props[i].Name != name {
			t.Errorf("props[%d].Name = %q, want %q", i, props[i].Name, name)
		}
	}
	// The derived declaration wins for the shadowed name.
	if props[1].Default != "dog" {
		t.Errorf("name default = %v, want the override", props[1].Default)
	}
	if !dog.HasProperty("legs") {
		t.Error("HasProperty should see inherited properties")
	}
}

func TestSignalListIncludesBase(t *testing.T) {
	env := newTestEnv(false, false)
	base := nodeClass("Animal", "Node")
	base.signals = []SignalInfo{{Name: "died"}}
	derived := nodeClass("Dog", "Animal")
	derived.signals = []SignalInfo{{Name: "barked"}}
	env.vm.program("src-a", base)
	env.vm.program("src-b", derived)
	mustLoad(t, env, "animal.lua", "src-a")
	dog := mustLoad(t, env, "dog.lua", "src-b")

	own := dog.SignalList(false)
	if len(own) != 1 || own[0].Name != "barked" {
		t.Errorf("own signals = %v", own)
	}
	all := dog.SignalList(true)
	if len(all) != 2 {
		t.Errorf("signals with base = %v", all)
	}
	if !dog.HasSignal("died") {
		t.Error("HasSignal should see inherited signals")
	}
}

func TestPropertyListChangeNotifiesOwners(t *testing.T) {
	env := newTestEnv(false, false)
	env.vm.program("src1", nodeClass("Runner", "Node"))
	s := mustLoad(t, env, "runner.lua", "src1")

	owner := env.host.NewObject("Node", false)
	s.CreateInstance(owner.ID())
	before := owner.PropertyListVersion()

	fc2 := nodeClass("Runner", "Node")
	fc2.props = append(fc2.props, PropertyInfo{Name: "stamina", Type: "number"})
	env.vm.program("src2", fc2)
	mustLoad(t, env, "runner.lua", "src2")

	if owner.PropertyListVersion() <= before {
		t.Error("re-extraction should bump the owner's property list version")
	}
}
