package wmi

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-wmi/mi"
)

func TestConnect_ProbesNamespace(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	assert.Equal(t, testNS, conn.Namespace())
	assert.Equal(t, ".", conn.Computer())
	assert.Equal(t, mi.ProtocolWinRM, conn.Protocol())
	assert.Equal(t, 1, classCalls(f.repo, "__Provider"))

	f.winrm.FailNewSession(mi.NewError(mi.ResultAccessDenied, "logon failure"))
	_, err := Connect(context.Background(), testNS, WithApplication(f.app))
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, mi.ResultAccessDenied, we.Result)
}

func TestConnect_ProbeFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	f.winrm.Fail("GetClass", mi.NewError(mi.ResultInvalidNamespace, "invalid namespace"))

	_, err := Connect(context.Background(), "root/nope", WithApplication(f.app))
	require.ErrorIs(t, err, mi.ErrInvalidNamespace)

	sessions := f.repo.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Closed)
}

func TestQuery_EscapesBackslashes(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	_, err := conn.Query(ctx, `select * from Win32_Process where Name = 'C:\Windows'`, nil)
	require.NoError(t, err)

	calls := f.repo.CallsTo("ExecQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, `select * from Win32_Process where Name = 'C:\\Windows'`, calls[0].Query)
	assert.Equal(t, testNS, calls[0].Namespace)
}

func TestQuery_Results(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	procs, err := conn.Query(ctx, "select * from Win32_Process where Name = 'System'", nil)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	pid, err := procs[0].Get(ctx, "ProcessId")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), pid)

	_, err = conn.Query(ctx, "select * from NoSuchClass", nil)
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, mi.ResultInvalidClass, we.Result)
	assert.Equal(t, unsignedToSigned(mi.ErrorCodeInvalidClass), we.HResult)
}

func TestInvokeMethod_OutputSortedByName(t *testing.T) {
	f := newFixture(t)
	f.repo.SetMethod("Win32_Process", "Describe", func(context.Context, mi.Target, *mi.Instance) (*mi.Instance, error) {
		return outParams(t,
			mi.Element{Name: "ReturnValue", Type: mi.TypeUint32, Value: uint32(0)},
			mi.Element{Name: "Gamma", Type: mi.TypeString, Value: "g"},
			mi.Element{Name: "Alpha", Type: mi.TypeString, Value: "a"},
			mi.Element{Name: "Beta", Type: mi.TypeString, Value: "b"},
		), nil
	})
	conn := f.connect(t)
	inst := getProcess(t, conn, "4")

	out, err := inst.Invoke(context.Background(), "Describe")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "g", uint32(0)}, out)
}

func TestInvokeMethod_BooleanReturnValue(t *testing.T) {
	tests := []struct {
		name  string
		value bool
		want  []any
	}{
		{"true is dropped", true, []any{}},
		{"false is kept", false, []any{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.repo.SetMethod("Win32_Process", "Flush", func(context.Context, mi.Target, *mi.Instance) (*mi.Instance, error) {
				return outParams(t, mi.Element{Name: "ReturnValue", Type: mi.TypeBoolean, Value: tt.value}), nil
			})
			conn := f.connect(t)

			out, err := getProcess(t, conn, "4").Invoke(context.Background(), "Flush")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestInvokeMethod_Arguments(t *testing.T) {
	f := newFixture(t)
	var (
		mu   sync.Mutex
		seen []*mi.Instance
	)
	f.repo.SetMethod("Win32_Process", "Rename", func(_ context.Context, _ mi.Target, params *mi.Instance) (*mi.Instance, error) {
		mu.Lock()
		seen = append(seen, params)
		mu.Unlock()
		return outParams(t, mi.Element{Name: "ReturnValue", Type: mi.TypeUint32, Value: uint32(0)}), nil
	})
	conn := f.connect(t)
	inst := getProcess(t, conn, "4")
	ctx := context.Background()

	_, err := inst.Invoke(ctx, "Rename", "init", "yes")
	require.NoError(t, err)
	_, err = inst.Invoke(ctx, "Rename", KW{"Force": 0, "Name": "kernel"}, &OperationOptions{Timeout: time.Second})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for i, want := range []struct {
		name  string
		force bool
	}{{"init", true}, {"kernel", false}} {
		name, err := seen[i].Element("Name")
		require.NoError(t, err)
		force, err := seen[i].Element("Force")
		require.NoError(t, err)
		assert.Equal(t, want.name, name.Value)
		assert.Equal(t, want.force, force.Value)
	}

	_, err = inst.Invoke(ctx, "Rename", KW{"Bogus": 1})
	assert.ErrorIs(t, err, mi.ErrNoSuchProperty)
}

func TestInvokeMethod_TemplatesAreNotShared(t *testing.T) {
	f := newFixture(t)
	f.repo.SetMethod("Win32_Process", "Terminate", func(_ context.Context, _ mi.Target, params *mi.Instance) (*mi.Instance, error) {
		reason, err := params.Element("Reason")
		if err != nil {
			return nil, err
		}
		// Widen the window in which a shared template would be overwritten.
		time.Sleep(time.Millisecond)
		return outParams(t, mi.Element{Name: "ReturnValue", Type: mi.TypeUint32, Value: reason.Value}), nil
	})
	conn := f.connect(t)
	inst := getProcess(t, conn, "4")

	const n = 16
	var wg sync.WaitGroup
	results := make([][]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = inst.Invoke(context.Background(), "Terminate", uint32(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []any{uint32(i)}, results[i], fmt.Sprintf("call %d", i))
	}
}

func TestInvokeMethod_NilOutput(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	out, err := getProcess(t, conn, "0").Invoke(context.Background(), "Flush")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInstance_Lookup(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	inst, err := conn.Instance(ctx, "Win32_Process", map[string]any{"Handle": "99"})
	require.NoError(t, err)
	assert.Nil(t, inst)

	_, err = conn.Instance(ctx, "NoSuchClass", map[string]any{"Handle": "99"})
	assert.True(t, IsNotFound(err))

	_, err = conn.Instance(ctx, "Win32_Process", map[string]any{"Bogus": "1"})
	assert.ErrorIs(t, err, mi.ErrNoSuchProperty)
}

func TestDeleteInstance_FallsBackToWinRM(t *testing.T) {
	f := newFixture(t)
	f.dcom.Fail("DeleteInstance", &mi.Error{
		Result:    mi.ResultFailed,
		ErrorCode: mi.ErrorCodeProviderNotCapable,
		Message:   "provider is not capable of the attempted operation",
	})
	conn := f.connect(t, WithProtocol("wmidcom"))
	require.Equal(t, mi.ProtocolWMIDCOM, conn.Protocol())

	inst := getProcess(t, conn, "4")
	require.NoError(t, inst.Delete(context.Background(), nil))

	calls := f.repo.CallsTo("DeleteInstance")
	require.Len(t, calls, 2)
	assert.Equal(t, mi.ProtocolWMIDCOM, calls[0].Protocol)
	assert.Equal(t, mi.ProtocolWinRM, calls[1].Protocol)
	assert.Len(t, f.repo.Instances(testNS, "Win32_Process"), 1)

	sessions := f.repo.Sessions()
	last := sessions[len(sessions)-1]
	assert.Equal(t, mi.ProtocolWinRM, last.Protocol)
	assert.True(t, last.Closed, "temporary session must be closed")
}

func TestDeleteInstance_NoFallbackOverWinRM(t *testing.T) {
	f := newFixture(t)
	f.winrm.Fail("DeleteInstance", &mi.Error{
		Result:    mi.ResultFailed,
		ErrorCode: mi.ErrorCodeProviderNotCapable,
		Message:   "provider is not capable of the attempted operation",
	})
	conn := f.connect(t)

	err := getProcess(t, conn, "4").Delete(context.Background(), nil)
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, int32(-2147217372), we.HResult)
	assert.Len(t, f.repo.CallsTo("DeleteInstance"), 1)
}

func TestDeleteInstance_OtherErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.dcom.Fail("DeleteInstance", mi.NewError(mi.ResultAccessDenied, "denied"))
	conn := f.connect(t, WithProtocol(mi.ProtocolWMIDCOM))

	err := getProcess(t, conn, "4").Delete(context.Background(), nil)
	assert.ErrorIs(t, err, mi.ErrAccessDenied)
	assert.Len(t, f.repo.CallsTo("DeleteInstance"), 1)
}

func TestOperationOptions(t *testing.T) {
	conn := newFixture(t).connect(t)
	ctx := context.Background()

	got, err := conn.operationOptions(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = conn.operationOptions(ctx, &OperationOptions{
		Timeout: 5 * time.Second,
		CustomOptions: []CustomOption{
			{Name: "__MI_OPERATIONOPTIONS_ENUMERATE_DEEP", Type: mi.TypeBoolean, Value: "yes"},
			{Name: "Limit", Type: mi.TypeUint32, Value: 7, Optional: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.Timeout)

	deep, ok := got.CustomOption("__MI_OPERATIONOPTIONS_ENUMERATE_DEEP")
	require.True(t, ok)
	assert.Equal(t, true, deep.Value)
	assert.True(t, deep.MustComply)

	limit, ok := got.CustomOption("Limit")
	require.True(t, ok)
	assert.Equal(t, uint32(7), limit.Value)
	assert.False(t, limit.MustComply)
}

func TestSplitUser(t *testing.T) {
	tests := []struct {
		in, user, domain string
	}{
		{`CORP\admin`, "admin", "CORP"},
		{"CORP/admin", "admin", "CORP"},
		{"admin@corp.example.com", "admin", "corp.example.com"},
		{"admin", "admin", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		user, domain := splitUser(tt.in)
		assert.Equal(t, tt.user, user, tt.in)
		assert.Equal(t, tt.domain, domain, tt.in)
	}
}

func TestConnect_DestinationOptions(t *testing.T) {
	f := newFixture(t)
	f.connect(t,
		WithComputer("srv01"),
		WithCredentials(`CORP\admin`, "secret"),
		WithAuthType(mi.AuthTypeNTLM),
		WithLocale("en-US"),
		WithTransport("https"),
		WithPort(5986),
		WithInsecureSkipVerify(true),
		WithOperationTimeout(30*time.Second),
	)

	sessions := f.repo.Sessions()
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "srv01", s.Computer)
	assert.Equal(t, "en-US", s.Dest.UILocale)
	assert.Equal(t, mi.TransportHTTPS, s.Dest.Transport)
	assert.Equal(t, 5986, s.Dest.Port)
	assert.True(t, s.Dest.InsecureSkipVerify)
	assert.Equal(t, 30*time.Second, s.Dest.Timeout)
	require.NotNil(t, s.Dest.Credentials)
	assert.Equal(t, mi.Credentials{
		AuthType: mi.AuthTypeNTLM,
		Domain:   "CORP",
		Username: "admin",
		Password: "secret",
	}, *s.Dest.Credentials)
}

func TestConnect_DefaultOperationTimeout(t *testing.T) {
	saved := DefaultOperationTimeout
	DefaultOperationTimeout = 42 * time.Second
	t.Cleanup(func() { DefaultOperationTimeout = saved })

	f := newFixture(t)
	f.connect(t)
	sessions := f.repo.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 42*time.Second, sessions[0].Dest.Timeout)
	assert.Nil(t, sessions[0].Dest.Credentials)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()
	inst := getProcess(t, conn, "4")

	var closed int
	conn.onClose(func() { closed++ })

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, closed)
	assert.True(t, f.repo.Sessions()[0].Closed)

	_, ok := conn.Ref().Connection()
	assert.False(t, ok)

	_, err := conn.Query(ctx, "select * from Win32_Process", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = conn.Class(ctx, "Win32_Process")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = inst.Invoke(ctx, "Terminate", 1)
	assert.ErrorIs(t, err, ErrClosed)

	// Callbacks registered after Close run at once.
	conn.onClose(func() { closed++ })
	assert.Equal(t, 2, closed)
}

func TestConnection_WorkerPool(t *testing.T) {
	f := newFixture(t)
	pool := NewWorkerPool(2, -1)
	obs := newRecordingObserver()
	conn := f.connect(t, WithExecutor(pool), WithObserver(obs))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			procs, err := conn.Query(ctx, "select * from Win32_Process", nil)
			assert.NoError(t, err)
			assert.Len(t, procs, 2)
		}()
	}
	wg.Wait()
	pool.Wait()

	active, queued, size := pool.Stats()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 2, size)
	assert.Equal(t, 8, obs.started["Query"])
	assert.Equal(t, 8, obs.finished["Query"])
}

func TestSerialize(t *testing.T) {
	conn := newFixture(t).connect(t)
	text, err := getProcess(t, conn, "4").GetText(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, `CLASSNAME="Win32_Process"`)

	back, err := mi.DeserializeInstance([]byte(text))
	require.NoError(t, err)
	name, err := back.Element("Name")
	require.NoError(t, err)
	assert.Equal(t, "System", name.Value)
}
