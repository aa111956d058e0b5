package mi

import (
	"errors"
	"testing"
)

func newService(t *testing.T) *Instance {
	t.Helper()
	inst := NewInstance("Win32_Service")
	inst.Namespace = "root/cimv2"
	inst.ServerName = "HOST1"
	mustAdd(t, inst, "Name", TypeString, `a"b\c`, FlagKey)
	mustAdd(t, inst, "State", TypeString, "Running", 0)
	mustAdd(t, inst, "ProcessId", TypeUint32, 4, 0)
	return inst
}

func mustAdd(t *testing.T, inst *Instance, name string, typ Type, v any, flags Flags) {
	t.Helper()
	if err := inst.Add(name, typ, v, flags); err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
}

// TestInstance_Lookup verifies case-insensitive lookup by name and position.
func TestInstance_Lookup(t *testing.T) {
	inst := newService(t)

	el, err := inst.Element("state")
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if el.Name != "State" || el.Value != "Running" || el.Type != TypeString {
		t.Errorf("unexpected element %+v", el)
	}

	el, err = inst.ElementAt(2)
	if err != nil || el.Value != uint32(4) {
		t.Errorf("ElementAt(2) = %+v, %v", el, err)
	}

	if _, err := inst.Element("Missing"); !errors.Is(err, ErrNoSuchProperty) {
		t.Errorf("Element(Missing) error = %v", err)
	}
	if _, err := inst.ElementAt(9); err == nil {
		t.Error("ElementAt(9) succeeded")
	}
	if err := inst.Add("name", TypeString, "dup", 0); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Add error = %v", err)
	}
}

// TestInstance_SetCoerces verifies assignments are converted to the
// declared element type.
func TestInstance_SetCoerces(t *testing.T) {
	inst := newService(t)

	if err := inst.Set("ProcessId", "1234"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	el, _ := inst.Element("ProcessId")
	if el.Value != uint32(1234) {
		t.Errorf("ProcessId = %#v", el.Value)
	}

	if err := inst.Set("ProcessId", "abc"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Set(abc) error = %v", err)
	}

	if err := inst.Set("State", nil); err != nil {
		t.Fatalf("Set(nil): %v", err)
	}
	el, _ = inst.Element("State")
	if el.Value != nil || el.Flags&FlagNull == 0 {
		t.Errorf("State after null assignment = %+v", el)
	}
}

// TestInstance_CloneIsDeep verifies clones share no mutable state.
func TestInstance_CloneIsDeep(t *testing.T) {
	inst := newService(t)
	nested := NewInstance("Nested")
	mustAdd(t, nested, "V", TypeString, "orig", 0)
	mustAdd(t, inst, "Embedded", TypeInstance, nested, 0)
	mustAdd(t, inst, "Tags", TypeStringA, []string{"a", "b"}, 0)

	clone := inst.Clone()
	if err := clone.Set("State", "Stopped"); err != nil {
		t.Fatal(err)
	}
	el, _ := clone.Element("Embedded")
	if err := el.Value.(*Instance).Set("V", "changed"); err != nil {
		t.Fatal(err)
	}
	tags, _ := clone.Element("Tags")
	tags.Value.([]any)[0] = "z"

	if el, _ := inst.Element("State"); el.Value != "Running" {
		t.Errorf("original State changed to %v", el.Value)
	}
	if el, _ := nested.Element("V"); el.Value != "orig" {
		t.Errorf("original nested value changed to %v", el.Value)
	}
	if el, _ := inst.Element("Tags"); el.Value.([]any)[0] != "a" {
		t.Errorf("original array changed to %v", el.Value)
	}
}

// TestInstance_Path verifies object path formatting and escaping.
func TestInstance_Path(t *testing.T) {
	inst := newService(t)
	path, err := inst.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := `\\HOST1\root\cimv2:Win32_Service.Name="a\"b\\c"`
	if path != want {
		t.Errorf("Path() = %s, want %s", path, want)
	}

	proc := NewInstance("Win32_Process")
	proc.Namespace = "root/cimv2"
	proc.ServerName = "H"
	mustAdd(t, proc, "Handle", TypeString, "4", FlagKey)
	mustAdd(t, proc, "Index", TypeUint32, 7, FlagKey)
	if path, _ := proc.Path(); path != `\\H\root\cimv2:Win32_Process.Handle="4",Index=7` {
		t.Errorf("compound Path() = %s", path)
	}
}

// TestInstance_PathEdgeCases verifies unpersisted and keyless instances.
func TestInstance_PathEdgeCases(t *testing.T) {
	inst := newService(t)
	inst.ServerName = ""
	if path, err := inst.Path(); err != nil || path != "" {
		t.Errorf("unpersisted Path() = %q, %v", path, err)
	}

	keyless := NewInstance("X")
	keyless.ServerName = "H"
	mustAdd(t, keyless, "A", TypeString, "v", 0)
	if _, err := keyless.Path(); err == nil {
		t.Error("keyless Path() succeeded")
	}

	badKey := NewInstance("X")
	badKey.ServerName = "H"
	mustAdd(t, badKey, "R", TypeReal64, 1.5, FlagKey)
	if _, err := badKey.Path(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("real key Path() error = %v", err)
	}
}

// TestClass_TemplatesAndLookup verifies class declarations produce instance
// and parameter templates.
func TestClass_TemplatesAndLookup(t *testing.T) {
	cls := NewClass("Win32_Service")
	cls.Namespace = "root/cimv2"
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(cls.AddProperty(Element{Name: "Name", Type: TypeString, Qualifiers: map[string]any{"Key": true}}))
	must(cls.AddProperty(Element{Name: "StartMode", Type: TypeString, Value: "Auto"}))
	must(cls.AddMethod(Method{
		Name:       "Change",
		ReturnType: TypeUint32,
		Parameters: []Element{
			{Name: "DisplayName", Type: TypeString, Flags: FlagIn},
			{Name: "ErrorControl", Type: TypeUint8, Qualifiers: map[string]any{"In": true}},
			{Name: "ReturnValue", Type: TypeUint32, Flags: FlagOut},
		},
	}))

	if keys := cls.KeyNames(); len(keys) != 1 || keys[0] != "Name" {
		t.Errorf("KeyNames() = %v", keys)
	}

	inst := cls.NewInstance("Win32_Service")
	if inst.Len() != 2 || inst.ServerName != "" {
		t.Fatalf("template instance = %+v", inst)
	}
	if el, _ := inst.Element("StartMode"); el.Value != "Auto" {
		t.Errorf("default not copied: %+v", el)
	}
	if keys := inst.KeyNames(); len(keys) != 1 {
		t.Errorf("instance KeyNames() = %v", keys)
	}

	params, err := cls.NewMethodParams("change")
	if err != nil {
		t.Fatalf("NewMethodParams: %v", err)
	}
	if params.Len() != 2 {
		t.Fatalf("params has %d elements, want 2 inbound", params.Len())
	}
	if el, _ := params.ElementAt(1); el.Name != "ErrorControl" || el.Type != TypeUint8 {
		t.Errorf("param 1 = %+v", el)
	}

	if _, err := cls.NewMethodParams("Nope"); !errors.Is(err, ErrMethodNotFound) {
		t.Errorf("missing method error = %v", err)
	}
}

// TestClass_CloneIsDeep verifies class clones are detached.
func TestClass_CloneIsDeep(t *testing.T) {
	cls := NewClass("C")
	if err := cls.AddProperty(Element{Name: "P", Type: TypeString, Value: "x"}); err != nil {
		t.Fatal(err)
	}
	clone := cls.Clone()
	clone.props.elements[0].Value = "y"
	clone.Name = "D"
	if p, _ := cls.Property("P"); p.Value != "x" || cls.Name != "C" {
		t.Error("clone mutation leaked into original")
	}
}

// TestError_Matching verifies errors.Is on Result codes and timeout detection.
func TestError_Matching(t *testing.T) {
	err := error(&Error{Result: ResultNotFound, Message: "gone"})
	if !errors.Is(err, ErrNotFound) {
		t.Error("not-found error does not match ErrNotFound")
	}
	if errors.Is(err, ErrFailed) {
		t.Error("not-found error matches ErrFailed")
	}
	if ResultOf(err) != ResultNotFound || ResultOf(nil) != ResultOK || ResultOf(errors.New("x")) != ResultFailed {
		t.Error("ResultOf mismatch")
	}

	timeout := &Error{Result: ResultFailed, ErrorCode: ErrorCodeTimedOut}
	if !timeout.IsTimeout() {
		t.Error("WMI_ERR_TIMEOUT not detected")
	}
	if (&Error{Result: ResultFailed}).IsTimeout() {
		t.Error("plain failure reported as timeout")
	}
}
