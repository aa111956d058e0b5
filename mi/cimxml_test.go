package mi

import (
	"strings"
	"testing"
)

// TestSerializer_InstanceRoundTrip verifies instances survive CIM-XML.
func TestSerializer_InstanceRoundTrip(t *testing.T) {
	inst := newService(t)
	mustAdd(t, inst, "Tags", TypeStringA, []string{"a", "b"}, 0)
	mustAdd(t, inst, "Started", TypeBoolean, true, 0)
	mustAdd(t, inst, "Missing", TypeString, nil, 0)

	nested := NewInstance("Nested")
	mustAdd(t, nested, "V", TypeSint16, -2, 0)
	mustAdd(t, inst, "Embedded", TypeInstance, nested, 0)

	ref := NewInstance("Win32_ComputerSystem")
	ref.ServerName = "HOST1"
	ref.Namespace = "root/cimv2"
	mustAdd(t, ref, "Name", TypeString, "HOST1", FlagKey)
	mustAdd(t, inst, "System", TypeReference, ref, 0)

	data, err := (&Serializer{}).SerializeInstance(inst)
	if err != nil {
		t.Fatalf("SerializeInstance: %v", err)
	}
	if !strings.HasPrefix(string(data), `<INSTANCE CLASSNAME="Win32_Service">`) {
		t.Errorf("unexpected document start: %.60s", data)
	}

	got, err := DeserializeInstance(data)
	if err != nil {
		t.Fatalf("DeserializeInstance: %v", err)
	}
	if got.ClassName != "Win32_Service" || got.Len() != inst.Len() {
		t.Fatalf("decoded %s with %d elements", got.ClassName, got.Len())
	}
	if el, _ := got.Element("Name"); el.Value != `a"b\c` {
		t.Errorf("Name = %#v", el.Value)
	}
	if el, _ := got.Element("ProcessId"); el.Value != uint32(4) {
		t.Errorf("ProcessId = %#v", el.Value)
	}
	if el, _ := got.Element("Tags"); el.Type != TypeStringA || len(el.Value.([]any)) != 2 {
		t.Errorf("Tags = %+v", el)
	}
	if el, _ := got.Element("Started"); el.Value != true {
		t.Errorf("Started = %#v", el.Value)
	}
	if el, _ := got.Element("Missing"); el.Value != nil {
		t.Errorf("Missing = %#v", el.Value)
	}
	el, _ := got.Element("Embedded")
	emb, ok := el.Value.(*Instance)
	if !ok || el.Type != TypeInstance {
		t.Fatalf("Embedded = %+v", el)
	}
	if v, _ := emb.Element("V"); v.Value != int16(-2) {
		t.Errorf("Embedded.V = %#v", v.Value)
	}
	el, _ = got.Element("System")
	sys, ok := el.Value.(*Instance)
	if !ok || el.Type != TypeReference {
		t.Fatalf("System = %+v", el)
	}
	if path, _ := sys.Path(); path != `\\HOST1\root\cimv2:Win32_ComputerSystem.Name="HOST1"` {
		t.Errorf("reference path = %s", path)
	}
}

const serviceClassXML = `<s:Body xmlns:s="http://www.w3.org/2003/05/soap-envelope">
<CLASS NAME="Win32_Service" SUPERCLASS="Win32_BaseService">
  <QUALIFIER NAME="dynamic" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
  <PROPERTY NAME="Name" TYPE="string">
    <QUALIFIER NAME="key" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
  </PROPERTY>
  <PROPERTY NAME="AcceptStop" TYPE="boolean"/>
  <PROPERTY.ARRAY NAME="Dependencies" TYPE="string"/>
  <METHOD NAME="StopService" TYPE="uint32"/>
  <METHOD NAME="Change" TYPE="uint32">
    <PARAMETER NAME="DisplayName" TYPE="string">
      <QUALIFIER NAME="In" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
    </PARAMETER>
    <PARAMETER.ARRAY NAME="LoadOrderGroupDependencies" TYPE="string">
      <QUALIFIER NAME="In" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
    </PARAMETER.ARRAY>
  </METHOD>
</CLASS>
</s:Body>`

// TestDeserializeClass verifies class declarations are decoded from a
// larger document.
func TestDeserializeClass(t *testing.T) {
	cls, err := DeserializeClass([]byte(serviceClassXML))
	if err != nil {
		t.Fatalf("DeserializeClass: %v", err)
	}
	if cls.Name != "Win32_Service" || cls.SuperClass != "Win32_BaseService" {
		t.Errorf("class = %s : %s", cls.Name, cls.SuperClass)
	}
	if keys := cls.KeyNames(); len(keys) != 1 || keys[0] != "Name" {
		t.Errorf("KeyNames() = %v", keys)
	}
	if p, err := cls.Property("Dependencies"); err != nil || p.Type != TypeStringA {
		t.Errorf("Dependencies = %+v, %v", p, err)
	}
	m, err := cls.Method("Change")
	if err != nil {
		t.Fatalf("Method: %v", err)
	}
	if in := m.InParameters(); len(in) != 2 || in[1].Type != TypeStringA {
		t.Errorf("Change in-parameters = %+v", in)
	}
	if m.ReturnType != TypeUint32 {
		t.Errorf("ReturnType = %s", m.ReturnType)
	}
}

// TestSerializer_ClassRoundTrip verifies classes survive CIM-XML.
func TestSerializer_ClassRoundTrip(t *testing.T) {
	cls, err := DeserializeClass([]byte(serviceClassXML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := (&Serializer{}).SerializeClass(cls)
	if err != nil {
		t.Fatalf("SerializeClass: %v", err)
	}
	again, err := DeserializeClass(data)
	if err != nil {
		t.Fatalf("DeserializeClass(serialized): %v", err)
	}
	if len(again.Properties()) != 3 || len(again.Methods()) != 2 {
		t.Errorf("round trip lost members: %d properties, %d methods", len(again.Properties()), len(again.Methods()))
	}
	if keys := again.KeyNames(); len(keys) != 1 {
		t.Errorf("round trip KeyNames() = %v", keys)
	}
}

// TestDeserialize_Missing verifies a document without the element fails.
func TestDeserialize_Missing(t *testing.T) {
	if _, err := DeserializeInstance([]byte(`<a><b/></a>`)); err == nil {
		t.Error("DeserializeInstance succeeded without INSTANCE")
	}
}
