package wmi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/mi/mitest"
)

const testNS = "root/cimv2"

type fixture struct {
	repo  *mitest.Repository
	app   *mi.Application
	winrm *mitest.Driver
	dcom  *mitest.Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := mitest.NewRepository("HOST1")
	repo.AddClass(testNS, processClass(t))

	idle := process(t, "0", "Idle", 0)
	system := process(t, "4", "System", 4)
	parent := mi.NewInstance("Win32_Process")
	parent.Namespace = testNS
	require.NoError(t, parent.Add("Handle", mi.TypeString, "0", mi.FlagKey))
	require.NoError(t, system.Add("ParentProcess", mi.TypeReference, parent, 0))
	require.NoError(t, repo.AddInstance(testNS, idle))
	require.NoError(t, repo.AddInstance(testNS, system))

	f := &fixture{
		repo:  repo,
		app:   mi.NewApplication(),
		winrm: mitest.NewDriver(mi.ProtocolWinRM, repo),
		dcom:  mitest.NewDriver(mi.ProtocolWMIDCOM, repo),
	}
	f.app.RegisterDriver(f.winrm)
	f.app.RegisterDriver(f.dcom)
	return f
}

func (f *fixture) connect(t *testing.T, opts ...Option) *Connection {
	t.Helper()
	conn, err := Connect(context.Background(), testNS, append([]Option{WithApplication(f.app)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func processClass(t *testing.T) *mi.Class {
	t.Helper()
	cls := mi.NewClass("Win32_Process")
	for _, p := range []mi.Element{
		{Name: "Handle", Type: mi.TypeString, Flags: mi.FlagKey},
		{Name: "Name", Type: mi.TypeString},
		{Name: "ProcessId", Type: mi.TypeUint32},
		{Name: "Critical", Type: mi.TypeBoolean, Value: false},
		{Name: "ParentProcess", Type: mi.TypeReference},
	} {
		require.NoError(t, cls.AddProperty(p))
	}
	for _, m := range []mi.Method{
		{Name: "Terminate", ReturnType: mi.TypeUint32, Parameters: []mi.Element{
			{Name: "Reason", Type: mi.TypeUint32, Flags: mi.FlagIn},
		}},
		{Name: "Rename", ReturnType: mi.TypeUint32, Parameters: []mi.Element{
			{Name: "Name", Type: mi.TypeString, Flags: mi.FlagIn},
			{Name: "Force", Type: mi.TypeBoolean, Flags: mi.FlagIn},
		}},
		{Name: "Reparent", ReturnType: mi.TypeUint32, Parameters: []mi.Element{
			{Name: "Parent", Type: mi.TypeReference, Flags: mi.FlagIn},
		}},
		{Name: "Create", ReturnType: mi.TypeUint32, Qualifiers: map[string]any{"static": true}, Parameters: []mi.Element{
			{Name: "CommandLine", Type: mi.TypeString, Flags: mi.FlagIn},
			{Name: "ProcessId", Type: mi.TypeUint32, Flags: mi.FlagOut},
		}},
		{Name: "Describe"},
		{Name: "Flush"},
	} {
		require.NoError(t, cls.AddMethod(m))
	}
	return cls
}

func process(t *testing.T, handle, name string, pid uint32) *mi.Instance {
	t.Helper()
	inst := mi.NewInstance("Win32_Process")
	require.NoError(t, inst.Add("Handle", mi.TypeString, handle, mi.FlagKey))
	require.NoError(t, inst.Add("Name", mi.TypeString, name, 0))
	require.NoError(t, inst.Add("ProcessId", mi.TypeUint32, pid, 0))
	return inst
}

// outParams builds a method output parameter set.
func outParams(t *testing.T, els ...mi.Element) *mi.Instance {
	t.Helper()
	out := mi.NewInstance("__PARAMETERS")
	for _, el := range els {
		require.NoError(t, out.Add(el.Name, el.Type, el.Value, mi.FlagOut))
	}
	return out
}

func getProcess(t *testing.T, conn *Connection, handle string) *Instance {
	t.Helper()
	inst, err := conn.Instance(context.Background(), "Win32_Process", map[string]any{"Handle": handle})
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	started  map[string]int
	finished map[string]int
	hits     map[string]int
	misses   map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		started:  map[string]int{},
		finished: map[string]int{},
		hits:     map[string]int{},
		misses:   map[string]int{},
	}
}

func (o *recordingObserver) OperationStarted(op string) {
	o.mu.Lock()
	o.started[op]++
	o.mu.Unlock()
}

func (o *recordingObserver) OperationFinished(op string, _ time.Duration, _ error) {
	o.mu.Lock()
	o.finished[op]++
	o.mu.Unlock()
}

func (o *recordingObserver) CacheLookup(cache string, hit bool) {
	o.mu.Lock()
	if hit {
		o.hits[cache]++
	} else {
		o.misses[cache]++
	}
	o.mu.Unlock()
}

func classCalls(repo *mitest.Repository, name string) int {
	n := 0
	for _, c := range repo.CallsTo("GetClass") {
		if c.ClassName == name {
			n++
		}
	}
	return n
}

// closeHooks returns the number of close callbacks registered on c.
func closeHooks(c *Connection) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// openConnections returns the number of registered connections.
func openConnections() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.conns)
}
