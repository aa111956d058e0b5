package winrm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
)

var (
	actionRe      = regexp.MustCompile(`<a:Action[^>]*>([^<]*)</a:Action>`)
	resourceURIRe = regexp.MustCompile(`<w:ResourceURI[^>]*>([^<]*)</w:ResourceURI>`)
)

// request is one SOAP request seen by the fake endpoint.
type request struct {
	action      string
	resourceURI string
	body        string
}

// fakeEndpoint answers WS-Management requests through handle and records
// them.
type fakeEndpoint struct {
	mu       sync.Mutex
	requests []request
	handle   func(r request) (int, string)
}

func (f *fakeEndpoint) seen(action string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.requests {
		if r.action == action {
			out = append(out, r)
		}
	}
	return out
}

func newFakeSession(t *testing.T, handle func(r request) (int, string), opts ...Option) (mi.Session, *fakeEndpoint) {
	t.Helper()
	f := &fakeEndpoint{handle: handle}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		req := request{body: string(data)}
		if m := actionRe.FindStringSubmatch(req.body); m != nil {
			req.action = m[1]
		}
		if m := resourceURIRe.FindStringSubmatch(req.body); m != nil {
			req.resourceURI = m[1]
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		status, resp := f.handle(req)
		w.Header().Set("Content-Type", "application/soap+xml;charset=UTF-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(server.Close)

	dest := mi.NewDestinationOptions()
	dest.SetCredentials(mi.Credentials{AuthType: mi.AuthTypeNone})
	s, err := New(opts...).NewSession(context.Background(), server.URL+"/wsman", dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, f
}

func envelope(body string) string {
	return `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
  xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
  xmlns:w="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd"
  xmlns:n="http://schemas.xmlsoap.org/ws/2004/09/enumeration"
  xmlns:e="http://schemas.xmlsoap.org/ws/2004/08/eventing">
<s:Header/><s:Body>` + body + `</s:Body></s:Envelope>`
}

func faultEnvelope(subcode, reason string) string {
	return envelope(`<s:Fault><s:Code><s:Value>s:Sender</s:Value><s:Subcode><s:Value>` + subcode +
		`</s:Value></s:Subcode></s:Code><s:Reason><s:Text xml:lang="en-US">` + reason + `</s:Text></s:Reason></s:Fault>`)
}

const processClassXML = `<CLASS NAME="Win32_Process" SUPERCLASS="CIM_Process">
  <PROPERTY NAME="Handle" TYPE="string">
    <QUALIFIER NAME="key" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
  </PROPERTY>
  <PROPERTY NAME="Name" TYPE="string"/>
  <PROPERTY NAME="ProcessId" TYPE="uint32"/>
  <PROPERTY NAME="CommandLine" TYPE="string"/>
  <METHOD NAME="Terminate" TYPE="uint32">
    <PARAMETER NAME="Reason" TYPE="uint32">
      <QUALIFIER NAME="In" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
    </PARAMETER>
  </METHOD>
  <METHOD NAME="GetOwner" TYPE="uint32">
    <PARAMETER NAME="User" TYPE="string">
      <QUALIFIER NAME="Out" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
    </PARAMETER>
    <PARAMETER NAME="Domain" TYPE="string">
      <QUALIFIER NAME="Out" TYPE="boolean"><VALUE>TRUE</VALUE></QUALIFIER>
    </PARAMETER>
  </METHOD>
</CLASS>`

func processXML(handle, name string) string {
	return `<p:Win32_Process xmlns:p="` + cimv2 + `/Win32_Process"><p:Handle>` + handle +
		`</p:Handle><p:Name>` + name + `</p:Name><p:ProcessId>` + handle + `</p:ProcessId></p:Win32_Process>`
}

// serveSchema answers class lookups: Win32_Process is known, everything
// else is not found. It reports false for other requests.
func serveSchema(r request) (int, string, bool) {
	if r.action != wsman.ActionGet || !strings.HasPrefix(r.resourceURI, wsman.ResourceURICIMSchema) {
		return 0, "", false
	}
	if strings.HasSuffix(r.resourceURI, "/Win32_Process") {
		return http.StatusOK, envelope(processClassXML), true
	}
	return http.StatusInternalServerError, faultEnvelope("w:InvalidSelectors", "class not found"), true
}

// TestSession_ExecQuery verifies enumeration across Pull batches and that
// instances are typed from the class declaration fetched once.
func TestSession_ExecQuery(t *testing.T) {
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		switch r.action {
		case wsman.ActionEnumerate:
			return http.StatusOK, envelope(`<n:EnumerateResponse><n:EnumerationContext>ctx-1</n:EnumerationContext><w:Items>` +
				processXML("0", "Idle") + `</w:Items></n:EnumerateResponse>`)
		case wsman.ActionPull:
			return http.StatusOK, envelope(`<n:PullResponse><n:Items>` + processXML("4", "System") +
				`</n:Items><n:EndOfSequence/></n:PullResponse>`)
		}
		return http.StatusInternalServerError, faultEnvelope("a:ActionNotSupported", r.action)
	})

	ctx := context.Background()
	op, err := s.ExecQuery(ctx, `root\cimv2`, "SELECT * FROM Win32_Process", nil)
	if err != nil {
		t.Fatalf("ExecQuery: %v", err)
	}
	defer op.Close()

	var names []string
	for {
		inst, ok, err := op.NextInstance(ctx)
		if err != nil {
			t.Fatalf("NextInstance: %v", err)
		}
		if !ok {
			break
		}
		el, _ := inst.Element("ProcessId")
		if el.Type != mi.TypeUint32 {
			t.Errorf("ProcessId type = %s", el.Type)
		}
		if keys := inst.KeyNames(); len(keys) != 1 || keys[0] != "Handle" {
			t.Errorf("KeyNames = %v", keys)
		}
		name, _ := inst.Element("Name")
		names = append(names, name.Value.(string))
	}
	if strings.Join(names, ",") != "Idle,System" {
		t.Errorf("names = %v", names)
	}

	enum := f.seen(wsman.ActionEnumerate)
	if len(enum) != 1 || !strings.Contains(enum[0].body, "SELECT * FROM Win32_Process") {
		t.Fatalf("enumerate requests = %+v", enum)
	}
	if enum[0].resourceURI != cimv2+"/*" {
		t.Errorf("enumerate resource URI = %s", enum[0].resourceURI)
	}
	if got := len(f.seen(wsman.ActionGet)); got != 1 {
		t.Errorf("class fetched %d times", got)
	}
	if got := len(f.seen(wsman.ActionRelease)); got != 0 {
		t.Errorf("finished enumeration released %d times", got)
	}
	if _, _, err := op.NextClass(ctx); !errors.Is(err, mi.ErrNotSupported) {
		t.Errorf("NextClass err = %v", err)
	}
}

// TestSession_ExecQueryReleaseOnClose verifies an abandoned enumeration is
// released.
func TestSession_ExecQueryReleaseOnClose(t *testing.T) {
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		if r.action == wsman.ActionEnumerate {
			return http.StatusOK, envelope(`<n:EnumerateResponse><n:EnumerationContext>ctx-9</n:EnumerationContext><w:Items>` +
				processXML("0", "Idle") + `</w:Items></n:EnumerateResponse>`)
		}
		return http.StatusOK, envelope(``)
	})

	op, err := s.ExecQuery(context.Background(), "root/cimv2", "SELECT * FROM Win32_Process", nil)
	if err != nil {
		t.Fatalf("ExecQuery: %v", err)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rel := f.seen(wsman.ActionRelease)
	if len(rel) != 1 || !strings.Contains(rel[0].body, "ctx-9") {
		t.Errorf("release requests = %+v", rel)
	}
	if _, _, err := op.NextInstance(context.Background()); err == nil {
		t.Error("NextInstance after Close succeeded")
	}
}

// TestSession_GetInstance verifies keyed Get and not-found faults.
func TestSession_GetInstance(t *testing.T) {
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		if strings.Contains(r.body, `<w:Selector Name="Handle">4</w:Selector>`) {
			return http.StatusOK, envelope(processXML("4", "System"))
		}
		return http.StatusInternalServerError, faultEnvelope("w:InvalidSelectors", "The resource does not exist")
	})

	keys := mi.NewInstance("Win32_Process")
	mustAdd(t, keys, "Handle", mi.TypeString, "4", mi.FlagKey)
	inst, err := s.GetInstance(context.Background(), "root/cimv2", keys, &mi.OperationOptions{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if el, _ := inst.Element("ProcessId"); el.Value != uint32(4) {
		t.Errorf("ProcessId = %#v", el.Value)
	}
	if path, _ := inst.Path(); path != `\\localhost\root\cimv2:Win32_Process.Handle="4"` {
		t.Errorf("Path = %s", path)
	}
	var get request
	for _, r := range f.seen(wsman.ActionGet) {
		if strings.HasSuffix(r.resourceURI, "/root/cimv2/Win32_Process") {
			get = r
		}
	}
	if !strings.Contains(get.body, "PT3S<") {
		t.Errorf("operation timeout not sent: %s", get.body)
	}

	mustSet(t, keys, "Handle", "99")
	if _, err := s.GetInstance(context.Background(), "root/cimv2", keys, nil); !errors.Is(err, mi.ErrNotFound) {
		t.Errorf("missing instance: err = %v", err)
	}
}

// TestSession_InvokeMethod verifies input encoding and typed output.
func TestSession_InvokeMethod(t *testing.T) {
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		if strings.HasSuffix(r.action, "/GetOwner") {
			return http.StatusOK, envelope(`<p:GetOwner_OUTPUT xmlns:p="` + cimv2 + `/Win32_Process"><p:Domain>CORP</p:Domain><p:ReturnValue>0</p:ReturnValue><p:User>alice</p:User></p:GetOwner_OUTPUT>`)
		}
		return http.StatusOK, envelope(`<p:Terminate_OUTPUT xmlns:p="` + cimv2 + `/Win32_Process"><p:ReturnValue>2</p:ReturnValue></p:Terminate_OUTPUT>`)
	})

	target := mi.NewInstance("Win32_Process")
	target.Namespace = "root/cimv2"
	mustAdd(t, target, "Handle", mi.TypeString, "4", mi.FlagKey)

	ctx := context.Background()
	out, err := s.InvokeMethod(ctx, "root/cimv2", target, "GetOwner", nil, nil)
	if err != nil {
		t.Fatalf("InvokeMethod: %v", err)
	}
	var names []string
	for _, el := range out.Elements() {
		names = append(names, el.Name)
	}
	if strings.Join(names, ",") != "ReturnValue,User,Domain" {
		t.Errorf("output elements = %v", names)
	}
	if el, _ := out.Element("ReturnValue"); el.Value != uint32(0) {
		t.Errorf("ReturnValue = %#v", el.Value)
	}

	params := mi.NewInstance("__PARAMETERS")
	mustAdd(t, params, "Reason", mi.TypeUint32, 7, mi.FlagIn)
	mustAdd(t, params, "Unset", mi.TypeString, nil, mi.FlagIn)
	out, err = s.InvokeMethod(ctx, "root/cimv2", target, "Terminate", params, nil)
	if err != nil {
		t.Fatalf("InvokeMethod: %v", err)
	}
	if el, _ := out.Element("ReturnValue"); el.Value != uint32(2) {
		t.Errorf("ReturnValue = %#v", el.Value)
	}

	var invoke request
	for _, r := range f.requests {
		if strings.HasSuffix(r.action, "/Terminate") {
			invoke = r
		}
	}
	if invoke.action != cimv2+"/Win32_Process/Terminate" {
		t.Fatalf("invoke action = %q", invoke.action)
	}
	if !strings.Contains(invoke.body, "<p:Reason>7</p:Reason>") || strings.Contains(invoke.body, "Unset") {
		t.Errorf("invoke body = %s", invoke.body)
	}
	if !strings.Contains(invoke.body, `<w:Selector Name="Handle">4</w:Selector>`) {
		t.Errorf("invoke selectors missing: %s", invoke.body)
	}
}

// TestSession_CreateModifyDelete verifies the transfer operations.
func TestSession_CreateModifyDelete(t *testing.T) {
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		switch r.action {
		case wsman.ActionCreate:
			return http.StatusOK, envelope(`<w:ResourceCreated><a:Address>` + wsman.AddressAnonymous +
				`</a:Address><a:ReferenceParameters><w:ResourceURI>` + cimv2 + `/Win32_Process</w:ResourceURI>` +
				`<w:SelectorSet><w:Selector Name="Handle">812</w:Selector></w:SelectorSet></a:ReferenceParameters></w:ResourceCreated>`)
		case wsman.ActionPut:
			return http.StatusOK, envelope(processXML("812", "renamed"))
		}
		return http.StatusOK, envelope(``)
	})
	ctx := context.Background()

	inst := mi.NewInstance("Win32_Process")
	mustAdd(t, inst, "Handle", mi.TypeString, nil, mi.FlagKey)
	mustAdd(t, inst, "Name", mi.TypeString, "notepad.exe", 0)
	created, err := s.CreateInstance(ctx, "root/cimv2", inst, nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if el, _ := created.Element("Handle"); el.Value != "812" {
		t.Errorf("created Handle = %#v", el.Value)
	}
	if el, _ := inst.Element("Handle"); el.Value != nil {
		t.Error("CreateInstance modified its argument")
	}

	mustAdd(t, created, "CommandLine", mi.TypeString, nil, 0)
	modified, err := s.ModifyInstance(ctx, "root/cimv2", created, nil)
	if err != nil {
		t.Fatalf("ModifyInstance: %v", err)
	}
	if el, _ := modified.Element("Name"); el.Value != "renamed" {
		t.Errorf("modified Name = %#v", el.Value)
	}
	put := f.seen(wsman.ActionPut)
	if len(put) != 1 || !strings.Contains(put[0].body, `<p:CommandLine xsi:nil="true"/>`) {
		t.Errorf("put requests = %+v", put)
	}

	if err := s.DeleteInstance(ctx, "root/cimv2", created, nil); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	del := f.seen(wsman.ActionDelete)
	if len(del) != 1 || !strings.Contains(del[0].body, `<w:Selector Name="Handle">812</w:Selector>`) {
		t.Errorf("delete requests = %+v", del)
	}

	if err := s.DeleteInstance(ctx, "root/cimv2", mi.NewInstance("Win32_Process"), nil); !errors.Is(err, mi.ErrInvalidParameter) {
		t.Errorf("delete without keys: err = %v", err)
	}
}

// TestSession_GetClass verifies class retrieval returns independent copies
// and unknown classes fail.
func TestSession_GetClass(t *testing.T) {
	s, _ := newFakeSession(t, func(r request) (int, string) {
		status, resp, _ := serveSchema(r)
		return status, resp
	})
	ctx := context.Background()

	cls, err := s.GetClass(ctx, "root/cimv2", "Win32_Process")
	if err != nil {
		t.Fatalf("GetClass: %v", err)
	}
	if cls.SuperClass != "CIM_Process" || cls.ServerName != "localhost" {
		t.Errorf("class = %s : %s on %s", cls.Name, cls.SuperClass, cls.ServerName)
	}
	if keys := cls.KeyNames(); len(keys) != 1 || keys[0] != "Handle" {
		t.Errorf("KeyNames = %v", keys)
	}
	cls.Name = "changed"
	again, _ := s.GetClass(ctx, "root/cimv2", "Win32_Process")
	if again.Name != "Win32_Process" {
		t.Error("cached class was modified through a returned copy")
	}

	if _, err := s.GetClass(ctx, "root/cimv2", "NoSuchClass"); !errors.Is(err, mi.ErrNotFound) {
		t.Errorf("unknown class: err = %v", err)
	}
}

// TestSession_Subscribe verifies event delivery, empty timed-out pulls and
// the single final delivery after Cancel.
func TestSession_Subscribe(t *testing.T) {
	var pulls int
	var pullMu sync.Mutex
	s, f := newFakeSession(t, func(r request) (int, string) {
		if status, resp, ok := serveSchema(r); ok {
			return status, resp
		}
		switch r.action {
		case wsman.ActionSubscribe:
			return http.StatusOK, envelope(`<e:SubscribeResponse><e:SubscriptionManager><a:Address>` + wsman.AddressAnonymous +
				`</a:Address><a:ReferenceParameters><w:Identifier>uuid:sub-1</w:Identifier></a:ReferenceParameters>` +
				`</e:SubscriptionManager><n:EnumerationContext>ectx-1</n:EnumerationContext></e:SubscribeResponse>`)
		case wsman.ActionPull:
			pullMu.Lock()
			pulls++
			n := pulls
			pullMu.Unlock()
			if n == 1 {
				return http.StatusOK, envelope(`<n:PullResponse><n:EnumerationContext>ectx-2</n:EnumerationContext><n:Items>` +
					`<w:Event><p:__InstanceCreationEvent xmlns:p="` + cimv2 + `/__InstanceCreationEvent"><p:TIME_CREATED>1</p:TIME_CREATED></p:__InstanceCreationEvent></w:Event>` +
					`</n:Items></n:PullResponse>`)
			}
			time.Sleep(20 * time.Millisecond)
			return http.StatusInternalServerError, faultEnvelope("w:TimedOut", "The operation timed out")
		}
		return http.StatusOK, envelope(``)
	}, WithEventPullTimeout(time.Second))

	results := make(chan mi.IndicationResult, 16)
	sub, err := s.Subscribe(context.Background(), "root/cimv2",
		"SELECT * FROM __InstanceCreationEvent WITHIN 1 WHERE TargetInstance ISA 'Win32_Process'",
		func(r mi.IndicationResult) { results <- r }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case r := <-results:
		if r.Instance == nil || r.Instance.ClassName != "__InstanceCreationEvent" || !r.MoreResults {
			t.Fatalf("first delivery = %+v", r)
		}
		if r.MachineID != "localhost" {
			t.Errorf("MachineID = %s", r.MachineID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	if !sub.HasMoreResults() {
		t.Error("HasMoreResults false while running")
	}

	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var finals int
	for len(results) > 0 {
		r := <-results
		if !r.MoreResults {
			finals++
			if r.Result != mi.ResultOK {
				t.Errorf("final result = %v", r.Result)
			}
		}
	}
	if finals != 1 {
		t.Errorf("final deliveries = %d, want 1", finals)
	}
	if sub.HasMoreResults() {
		t.Error("HasMoreResults true after Close")
	}

	pulled := f.seen(wsman.ActionPull)
	if len(pulled) < 2 || !strings.Contains(pulled[1].body, "ectx-2") {
		t.Errorf("second pull did not use the refreshed context")
	}
	if !strings.Contains(pulled[0].body, "MaxTime>PT1S<") {
		t.Errorf("pull without MaxTime: %s", pulled[0].body)
	}
	unsub := f.seen(wsman.ActionUnsubscribe)
	if len(unsub) != 1 || !strings.Contains(unsub[0].body, "uuid:sub-1") {
		t.Errorf("unsubscribe requests = %+v", unsub)
	}
}

func mustSet(t *testing.T, inst *mi.Instance, name string, v any) {
	t.Helper()
	if err := inst.Set(name, v); err != nil {
		t.Fatalf("Set(%s): %v", name, err)
	}
}
