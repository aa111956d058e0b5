package dcom

import (
	"errors"
	"testing"

	"github.com/smnsjas/go-wmi/mi"
)

func TestParseObjectPath(t *testing.T) {
	tests := []struct {
		path      string
		server    string
		namespace string
		class     string
		keys      map[string]any
	}{
		{
			path:      `\\SRV01\root\cimv2:Win32_Service.Name="wuauserv"`,
			server:    "SRV01",
			namespace: "root/cimv2",
			class:     "Win32_Service",
			keys:      map[string]any{"Name": "wuauserv"},
		},
		{
			path:  `Win32_Directory.Name="C:\\Windows"`,
			class: "Win32_Directory",
			keys:  map[string]any{"Name": `C:\Windows`},
		},
		{
			path:      `root\cimv2:Win32_Process.Handle="4"`,
			namespace: "root/cimv2",
			class:     "Win32_Process",
			keys:      map[string]any{"Handle": "4"},
		},
		{
			path:  `Win32_LogicalDisk.DeviceID="C:",Index=3,Active=TRUE`,
			class: "Win32_LogicalDisk",
			keys:  map[string]any{"DeviceID": "C:", "Index": uint64(3), "Active": true},
		},
		{
			path:  `Win32_Offset.Delta=-7`,
			class: "Win32_Offset",
			keys:  map[string]any{"Delta": int64(-7)},
		},
		{
			path:  `Win32_Quote.Text="say \"hi\", then go"`,
			class: "Win32_Quote",
			keys:  map[string]any{"Text": `say "hi", then go`},
		},
		{
			path:  `Win32_WMISetting=@`,
			class: "Win32_WMISetting",
		},
		{
			path:      `\\.\root\default:StdRegProv`,
			server:    ".",
			namespace: "root/default",
			class:     "StdRegProv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			inst, err := parseObjectPath(tt.path)
			if err != nil {
				t.Fatalf("parseObjectPath: %v", err)
			}
			if inst.ServerName != tt.server || inst.Namespace != tt.namespace || inst.ClassName != tt.class {
				t.Errorf("got server=%q ns=%q class=%q", inst.ServerName, inst.Namespace, inst.ClassName)
			}
			if got := len(inst.KeyNames()); got != len(tt.keys) {
				t.Fatalf("got %d keys, want %d", got, len(tt.keys))
			}
			for name, want := range tt.keys {
				el, err := inst.Element(name)
				if err != nil {
					t.Fatalf("key %s: %v", name, err)
				}
				if el.Value != want {
					t.Errorf("key %s = %#v, want %#v", name, el.Value, want)
				}
			}
		})
	}
}

func TestParseObjectPath_Malformed(t *testing.T) {
	for _, path := range []string{
		`\\SRV01`,
		`Win32_Service.Name="open`,
		`Win32_Service.Name`,
		`Win32_Service.Name=abc`,
		`.Name="x"`,
	} {
		if _, err := parseObjectPath(path); !errors.Is(err, mi.ErrInvalidParameter) {
			t.Errorf("parseObjectPath(%q) error = %v, want invalid parameter", path, err)
		}
	}
}

func TestRelativePath(t *testing.T) {
	svc := mi.NewInstance("Win32_Service")
	if err := svc.Add("Name", mi.TypeString, `a"b\c`, mi.FlagKey); err != nil {
		t.Fatal(err)
	}
	if err := svc.Add("State", mi.TypeString, "Running", 0); err != nil {
		t.Fatal(err)
	}
	got, err := relativePath(svc)
	if err != nil {
		t.Fatal(err)
	}
	if want := `Win32_Service.Name="a\"b\\c"`; got != want {
		t.Errorf("relativePath = %s, want %s", got, want)
	}

	back, err := parseObjectPath(got)
	if err != nil {
		t.Fatal(err)
	}
	name, _ := back.Element("Name")
	if name.Value != `a"b\c` {
		t.Errorf("round trip = %q", name.Value)
	}

	multi := mi.NewInstance("Win32_Mapping")
	_ = multi.Add("Id", mi.TypeUint32, uint32(9), mi.FlagKey)
	_ = multi.Add("Enabled", mi.TypeBoolean, false, mi.FlagKey)
	if got, _ := relativePath(multi); got != "Win32_Mapping.Id=9,Enabled=FALSE" {
		t.Errorf("relativePath = %s", got)
	}

	if got, _ := relativePath(mi.NewInstance("Win32_WMISetting")); got != "Win32_WMISetting=@" {
		t.Errorf("singleton path = %s", got)
	}

	unset := mi.NewInstance("Win32_Service")
	_ = unset.Add("Name", mi.TypeString, nil, mi.FlagKey)
	if _, err := relativePath(unset); !errors.Is(err, mi.ErrInvalidParameter) {
		t.Errorf("unset key error = %v", err)
	}
}

func TestMiType(t *testing.T) {
	tests := []struct {
		cim   int32
		array bool
		want  mi.Type
	}{
		{cimString, false, mi.TypeString},
		{cimUint32, true, mi.TypeUint32A},
		{cimObject, false, mi.TypeInstance},
		{cimReference, true, mi.TypeReferenceA},
		{cimDatetime, false, mi.TypeDatetime},
		{cimChar16, false, mi.TypeChar16},
	}
	for _, tt := range tests {
		got, err := miType(tt.cim, tt.array)
		if err != nil || got != tt.want {
			t.Errorf("miType(%d, %v) = %v, %v; want %v", tt.cim, tt.array, got, err, tt.want)
		}
	}
	if _, err := miType(999, false); !errors.Is(err, mi.ErrNotSupported) {
		t.Errorf("miType(999) error = %v", err)
	}
}

func TestNewError(t *testing.T) {
	tests := []struct {
		code    uint32
		result  mi.Result
		timeout bool
	}{
		{wbemErrNotFound, mi.ResultNotFound, false},
		{eAccessDenied, mi.ResultAccessDenied, false},
		{wbemErrProviderNotCapable, mi.ResultNotSupported, false},
		{wbemErrInvalidMethod, mi.ResultMethodNotFound, false},
		{wbemErrTimedOut, mi.ResultFailed, true},
		{0x80004005, mi.ResultFailed, false},
	}
	for _, tt := range tests {
		err := newError(tt.code, "")
		if err.Result != tt.result || err.IsTimeout() != tt.timeout || err.ErrorCode != tt.code {
			t.Errorf("newError(0x%08X) = %+v", tt.code, err)
		}
		if err.Message == "" {
			t.Errorf("newError(0x%08X) has no message", tt.code)
		}
	}
}
