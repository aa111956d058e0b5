package wmi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-wmi/mi"
)

func TestUnwrapElement_Boolean(t *testing.T) {
	conn := newFixture(t).connect(t)
	ctx := context.Background()

	tests := []struct {
		in   any
		want bool
	}{
		{"YES", true},
		{"true", true},
		{"True", true},
		{"1", true},
		{true, true},
		{1, true},
		{uint8(2), true},
		{"no", false},
		{"", false},
		{"0", false},
		{"on", false},
		{0, false},
		{false, false},
		{3.5, true},
		{struct{}{}, false},
	}
	for _, tt := range tests {
		got, err := conn.unwrapElement(ctx, mi.TypeBoolean, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "unwrap(BOOLEAN, %#v)", tt.in)
	}

	got, err := conn.unwrapElement(ctx, mi.TypeBoolean, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCodec_RoundTrip(t *testing.T) {
	conn := newFixture(t).connect(t)
	ctx := context.Background()

	embedded := process(t, "8", "embedded.exe", 8)
	tests := []struct {
		name string
		typ  mi.Type
		v    any
	}{
		{"boolean", mi.TypeBoolean, true},
		{"uint8", mi.TypeUint8, uint8(7)},
		{"sint16", mi.TypeSint16, int16(-3)},
		{"uint32", mi.TypeUint32, uint32(42)},
		{"sint64", mi.TypeSint64, int64(-5)},
		{"real32", mi.TypeReal32, float32(0.5)},
		{"real64", mi.TypeReal64, 1.25},
		{"char16", mi.TypeChar16, uint16('a')},
		{"datetime", mi.TypeDatetime, mi.NewInterval(90 * time.Second)},
		{"string", mi.TypeString, "svchost.exe"},
		{"instance", mi.TypeInstance, embedded},
		{"boolean array", mi.TypeBooleanA, []any{true, false}},
		{"string array", mi.TypeStringA, []any{"a", "b"}},
		{"uint32 array", mi.TypeUint32A, []any{uint32(1), uint32(2)}},
		{"instance array", mi.TypeInstanceA, []any{embedded, embedded.Clone()}},
		{"null", mi.TypeString, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped, err := conn.wrapElement(ctx, mi.Element{Name: "V", Type: tt.typ, Value: tt.v}, false)
			require.NoError(t, err)
			got, err := conn.unwrapElement(ctx, tt.typ, wrapped)
			require.NoError(t, err)
			assert.Equal(t, tt.v, got)
		})
	}
}

func TestWrapElement_Instances(t *testing.T) {
	conn := newFixture(t).connect(t)
	ctx := context.Background()
	embedded := process(t, "8", "embedded.exe", 8)

	v, err := conn.wrapElement(ctx, mi.Element{Name: "E", Type: mi.TypeInstance, Value: embedded}, false)
	require.NoError(t, err)
	inst, ok := v.(*Instance)
	require.True(t, ok)
	assert.NotSame(t, embedded, inst.Native(), "wrapped instance must be detached")

	arr, err := conn.wrapElement(ctx, mi.Element{Name: "A", Type: mi.TypeInstanceA, Value: []any{embedded}}, false)
	require.NoError(t, err)
	require.Len(t, arr, 1)
	assert.IsType(t, &Instance{}, arr.([]any)[0])

	_, err = conn.wrapElement(ctx, mi.Element{Name: "S", Type: mi.TypeString, Value: embedded}, false)
	assert.ErrorContains(t, err, "unsupported instance element type")
}

func TestWrapElement_References(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	ref := process(t, "0", "", 0)
	ref.Namespace, ref.ServerName = testNS, "HOST1"
	const path = `\\HOST1\root\cimv2:Win32_Process.Handle="0"`

	v, err := conn.wrapElement(ctx, mi.Element{Name: "R", Type: mi.TypeReference, Value: ref}, false)
	require.NoError(t, err)
	assert.Equal(t, path, v)

	arr, err := conn.wrapElement(ctx, mi.Element{Name: "RA", Type: mi.TypeReferenceA, Value: []any{ref}}, false)
	require.NoError(t, err)
	assert.Equal(t, []any{path}, arr)

	// Converted references are loaded in full through a reference connection.
	v, err = conn.wrapElement(ctx, mi.Element{Name: "R", Type: mi.TypeReference, Value: ref}, true)
	require.NoError(t, err)
	loaded, ok := v.(*Instance)
	require.True(t, ok)
	name, err := loaded.Get(ctx, "Name")
	require.NoError(t, err)
	assert.Equal(t, "Idle", name)
	assert.NotSame(t, conn, loaded.conn)

	// Reference connections close with their parent.
	require.NoError(t, conn.Close())
	_, err = loaded.Get(ctx, "Name")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResolveReference_ReusesConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()
	sys := getProcess(t, conn, "4")

	first, err := sys.Get(ctx, "ParentProcess")
	require.NoError(t, err)
	loaded, ok := first.(*Instance)
	require.True(t, ok)
	hooks, open := closeHooks(conn), openConnections()

	for i := 0; i < 50; i++ {
		v, err := sys.Get(ctx, "ParentProcess")
		require.NoError(t, err)
		require.IsType(t, &Instance{}, v)
		assert.Same(t, loaded.conn, v.(*Instance).conn)
	}
	for i := 0; i < 10; i++ {
		_, err := conn.unwrapElement(ctx, mi.TypeReference, `\\HOST1\root\cimv2:Win32_Process.Handle="0"`)
		require.NoError(t, err)
	}
	assert.Equal(t, hooks, closeHooks(conn))
	assert.Equal(t, open, openConnections())
	assert.Len(t, f.repo.Sessions(), 2)

	// A reference connection closed on its own leaves nothing behind on
	// its parent, and the next read reconnects.
	require.NoError(t, loaded.conn.Close())
	assert.Equal(t, hooks-1, closeHooks(conn))
	assert.Equal(t, open-1, openConnections())

	v, err := sys.Get(ctx, "ParentProcess")
	require.NoError(t, err)
	assert.NotSame(t, loaded.conn, v.(*Instance).conn)
	assert.Len(t, f.repo.Sessions(), 3)

	require.NoError(t, conn.Close())
	assert.Equal(t, open-2, openConnections())
	for _, s := range f.repo.Sessions() {
		assert.True(t, s.Closed, "session to %s left open", s.Computer)
	}
}

func TestUnwrapElement_References(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	got, err := conn.unwrapElement(ctx, mi.TypeReference, `\\HOST1\root\cimv2:Win32_Process.Handle="4"`)
	require.NoError(t, err)
	inst, ok := got.(*mi.Instance)
	require.True(t, ok)
	assert.Equal(t, "Win32_Process", inst.ClassName)

	wrapped := getProcess(t, conn, "0")
	got, err = conn.unwrapElement(ctx, mi.TypeReference, wrapped)
	require.NoError(t, err)
	assert.Same(t, wrapped.Native(), got)

	_, err = conn.unwrapElement(ctx, mi.TypeReference, `\\HOST1\root\cimv2:Win32_Process.Handle="99"`)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "unresolvable reference must be a not-found error: %v", err)
	assert.ErrorContains(t, err, "reference not found")
}
